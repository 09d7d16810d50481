package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"octopus/cde/auth"
	"octopus/cde/config"
	"octopus/cde/ifc"
	"octopus/cde/jobs"
	"octopus/cde/schema"
	"octopus/cde/services"
	"octopus/utils/logging"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"
)

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	err := godotenv.Load(envFile)
	if err != nil {
		log.Fatalf("error loading .env file '%v': %v", envFile, err)
	}
}

func initDb(cfg *config.Config) (*gorm.DB, error) {
	db, err := cfg.Database()
	if err != nil {
		return nil, err
	}

	err = db.AutoMigrate(
		&schema.User{}, &schema.Workspace{}, &schema.WorkspaceMembership{},
		&schema.Project{}, &schema.ProjectMembership{}, &schema.File{},
		&schema.FileLink{}, &schema.UploadSession{}, &schema.Model{},
		&schema.ModelVersion{}, &schema.OAuthApp{}, &schema.AuthorizationCode{},
		&schema.Job{},
	)
	if err != nil {
		return nil, fmt.Errorf("error migrating db schema: %w", err)
	}

	return db, nil
}

// runApp returns errors instead of calling log.Fatalf so the defer calls run
// on the way out.
func runApp() error {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	port := flag.Int("port", 8000, "Port to run server on")
	flag.Parse()

	if *envFile != "" {
		loadEnvFile(*envFile)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0777); err != nil {
		return fmt.Errorf("error creating log dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.LogDir, "octopus.log"), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0666)
	if err != nil {
		return fmt.Errorf("error opening log file: %w", err)
	}
	defer logFile.Close()

	logging.InitLogging(logFile, "octopus")

	db, err := initDb(cfg)
	if err != nil {
		return err
	}

	store, err := cfg.Storage(context.Background())
	if err != nil {
		return fmt.Errorf("error creating storage provider: %w", err)
	}

	sessions := cfg.SessionManager()
	provider, err := cfg.IdentityProvider(db, sessions)
	if err != nil {
		return fmt.Errorf("error creating identity provider: %w", err)
	}
	signer, err := cfg.TokenSigner()
	if err != nil {
		return fmt.Errorf("error creating token signer: %w", err)
	}
	authn := auth.NewAuthenticator(db, provider, signer)

	queue := jobs.NewDbQueue(db, jobs.DbQueueArgs{
		MaxAttempts: cfg.ProcessingMaxAttempts,
		BackoffBase: time.Duration(cfg.ProcessingBackoffMs) * time.Millisecond,
	})

	registry := prometheus.NewRegistry()
	metrics := jobs.NewMetrics(registry)

	converter := ifc.NewCommandConverter(cfg.ConverterCmd, cfg.ConverterArgs...)
	pool := jobs.NewPool(queue, cfg.ProcessingWorkers, time.Second, metrics)
	jobs.NewPipeline(db, store, converter, jobs.NewBroadcaster()).Register(pool)

	pool.Start()
	defer pool.Stop()

	cde := services.NewCDE(db, store, queue, signer, authn, services.Options{
		DefaultQuotaBytes: cfg.WorkspaceQuotaBytes,
		CodeTtl:           time.Duration(cfg.CodeTtlSec) * time.Second,
	})

	go cde.SessionSweep(time.Minute)
	defer cde.StopSessionSweep()

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CorsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Mount("/", cde.Routes())
	r.Method("GET", "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: r,
	}

	// srv.Shutdown stops accepting connections without interrupting in
	// flight requests, and the deferred pool.Stop waits for running jobs.
	idleConnsClosed := make(chan struct{})
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutdown signal received")
		if err := srv.Shutdown(context.Background()); err != nil {
			slog.Error("http server shutdown", "error", err)
		}
		close(idleConnsClosed)
	}()

	slog.Info("starting server", "port", *port, "db_provider", cfg.DbProvider,
		"storage_provider", cfg.StorageProvider, "auth_mode", cfg.AuthMode)
	err = srv.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve returned error: %w", err)
	}

	<-idleConnsClosed
	slog.Info("server stopped")
	return nil
}

func main() {
	if err := runApp(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}
