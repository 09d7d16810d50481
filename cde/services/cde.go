package services

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"time"

	"octopus/cde/auth"
	"octopus/cde/jobs"
	"octopus/cde/oauth"
	"octopus/cde/storage"
	"octopus/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"gorm.io/gorm"
)

// Options tunes per deployment behavior of the api.
type Options struct {
	// DefaultQuotaBytes caps workspaces that have no quota of their own.
	// Zero means unlimited.
	DefaultQuotaBytes int64

	// ReserveTtl is how long an upload session stays open before the sweep
	// expires it. Defaults to 24 hours.
	ReserveTtl time.Duration

	// CodeTtl is the authorization code lifetime. Defaults to 60 seconds.
	CodeTtl time.Duration

	// TokenRatePerMinute limits /oauth/token per client ip. Defaults to 30.
	TokenRatePerMinute int
}

// CDE bundles the api services around one database, storage provider and
// job queue.
type CDE struct {
	workspace WorkspaceService
	project   ProjectService
	file      FileService
	model     ModelService
	oauth     OAuthService

	db   *gorm.DB
	stop chan bool
}

func NewCDE(
	db *gorm.DB, store storage.Provider, queue jobs.Queue, signer *oauth.TokenSigner, authn *auth.Authenticator, opts Options,
) *CDE {
	if opts.ReserveTtl <= 0 {
		opts.ReserveTtl = 24 * time.Hour
	}
	if opts.CodeTtl <= 0 {
		opts.CodeTtl = time.Minute
	}
	if opts.TokenRatePerMinute <= 0 {
		opts.TokenRatePerMinute = 30
	}

	cde := &CDE{
		file: FileService{
			db:                db,
			store:             store,
			authn:             authn,
			defaultQuotaBytes: opts.DefaultQuotaBytes,
			reserveTtl:        opts.ReserveTtl,
		},
		model: ModelService{
			db:    db,
			store: store,
			queue: queue,
			authn: authn,
		},
		oauth: OAuthService{
			db:                 db,
			signer:             signer,
			authn:              authn,
			codeTtl:            opts.CodeTtl,
			tokenRatePerMinute: opts.TokenRatePerMinute,
		},
		db:   db,
		stop: make(chan bool, 1),
	}

	// The project service routes its file and model subtrees to the sibling
	// services, the workspace service does the same for projects.
	cde.project = ProjectService{
		db:     db,
		authn:  authn,
		files:  &cde.file,
		models: &cde.model,
	}
	cde.workspace = WorkspaceService{
		db:                db,
		authn:             authn,
		projects:          &cde.project,
		defaultQuotaBytes: opts.DefaultQuotaBytes,
	}

	return cde
}

func (c *CDE) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestLogger(&middleware.DefaultLogFormatter{
		Logger: log.New(os.Stderr, "", log.LstdFlags), NoColor: false,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/workspaces", c.workspace.Routes())
		r.Mount("/projects", c.project.Routes())
		r.Mount("/files", c.file.Routes())
		r.Mount("/models", c.model.Routes())
		r.Mount("/modelversions", c.model.VersionRoutes())
		r.Mount("/usage", c.workspace.UsageRoutes())
	})

	r.Mount("/oauth", c.oauth.Routes())

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		utils.WriteSuccess(w)
	})

	return r
}

// SessionSweep expires overdue upload sessions until StopSessionSweep is
// called.
func (c *CDE) SessionSweep(interval time.Duration) {
	slog.Info("session sweep: starting")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.file.ExpireDueSessions(context.Background())
		case <-c.stop:
			slog.Info("session sweep: process stopped")
			return
		}
	}
}

func (c *CDE) StopSessionSweep() {
	close(c.stop)
}
