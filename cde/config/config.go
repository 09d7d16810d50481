package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"octopus/cde/auth"
	"octopus/cde/oauth"
	"octopus/cde/storage"

	"github.com/caarlos0/env/v10"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
)

const (
	DbSqlite    = "sqlite"
	DbPostgres  = "postgres"
	DbSqlServer = "sqlserver"

	StorageLocalDisk = "localDisk"
	StorageS3        = "s3"

	AuthDevelopment = "development"
	AuthOidc        = "oidc"
)

type S3Config struct {
	Bucket    string `env:"OCTOPUS_S3_BUCKET"`
	Region    string `env:"OCTOPUS_S3_REGION"`
	Endpoint  string `env:"OCTOPUS_S3_ENDPOINT"`
	AccessKey string `env:"OCTOPUS_S3_ACCESS_KEY"`
	SecretKey string `env:"OCTOPUS_S3_SECRET_KEY"`
}

type OidcConfig struct {
	Authority    string `env:"OCTOPUS_AUTH_OIDC_AUTHORITY"`
	Audience     string `env:"OCTOPUS_AUTH_OIDC_AUDIENCE"`
	RequireHttps bool   `env:"OCTOPUS_AUTH_OIDC_REQUIRE_HTTPS" envDefault:"true"`
}

type DevConfig struct {
	Subject     string `env:"OCTOPUS_AUTH_DEV_SUBJECT" envDefault:"dev"`
	Email       string `env:"OCTOPUS_AUTH_DEV_EMAIL" envDefault:"dev@localhost"`
	DisplayName string `env:"OCTOPUS_AUTH_DEV_DISPLAY_NAME" envDefault:"Developer"`
}

/**
 * ==========================================================================
 * ==== All variables that are used by the octopus server must be loaded ====
 * ==== here. This is to make the data flow clear so that a user can see ====
 * ==== what variables are exposed, and how the values are propagated    ====
 * ==== through the system.                                              ====
 * ==========================================================================
 */
type Config struct {
	DbProvider string `env:"OCTOPUS_DB_PROVIDER" envDefault:"sqlite"`
	DbDsn      string `env:"OCTOPUS_DB_DSN" envDefault:"file:octopus.db"`

	StorageProvider string   `env:"OCTOPUS_STORAGE_PROVIDER" envDefault:"localDisk"`
	StorageLocalDir string   `env:"OCTOPUS_STORAGE_LOCAL_DIR" envDefault:"./data"`
	S3              S3Config `env:""`

	AuthMode string     `env:"OCTOPUS_AUTH_MODE" envDefault:"development"`
	Dev      DevConfig  `env:""`
	Oidc     OidcConfig `env:""`

	ProcessingWorkers     int `env:"OCTOPUS_PROCESSING_WORKERS" envDefault:"2"`
	ProcessingMaxAttempts int `env:"OCTOPUS_PROCESSING_MAX_ATTEMPTS" envDefault:"3"`
	ProcessingBackoffMs   int `env:"OCTOPUS_PROCESSING_BACKOFF_MS" envDefault:"1000"`

	// ConverterCmd is the external geometry engine invoked per conversion,
	// receiving the ifc path and target wexbim path as trailing arguments.
	ConverterCmd  string   `env:"OCTOPUS_CONVERTER_CMD" envDefault:"xbim-converter"`
	ConverterArgs []string `env:"OCTOPUS_CONVERTER_ARGS" envSeparator:" "`

	// WorkspaceQuotaBytes caps workspaces without a quota of their own, zero
	// means unlimited.
	WorkspaceQuotaBytes int64 `env:"OCTOPUS_QUOTA_WORKSPACE_BYTES" envDefault:"0"`

	AccessTokenTtlSec int    `env:"OCTOPUS_OAUTH_ACCESS_TOKEN_TTL" envDefault:"3600"`
	CodeTtlSec        int    `env:"OCTOPUS_OAUTH_CODE_TTL" envDefault:"60"`
	SigningAlg        string `env:"OCTOPUS_OAUTH_SIGNING_ALG" envDefault:"HS256"`

	// SigningKey is the HMAC secret for HS256, or a path to a private key
	// pem for RS256. For HS256 it falls back to JwtSecret when empty.
	SigningKey string `env:"OCTOPUS_OAUTH_SIGNING_KEY"`

	JwtSecret     string `env:"OCTOPUS_JWT_SECRET,required"`
	SessionTtlMin int    `env:"OCTOPUS_SESSION_TTL_MIN" envDefault:"60"`

	LogDir string `env:"OCTOPUS_LOG_DIR" envDefault:"./logs"`

	// CorsOrigins lists the allowed browser origins, * allows any.
	CorsOrigins []string `env:"OCTOPUS_CORS_ORIGINS" envSeparator:"," envDefault:"*"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("error parsing environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DbProvider {
	case DbSqlite, DbPostgres, DbSqlServer:
	default:
		return fmt.Errorf("OCTOPUS_DB_PROVIDER must be %v, %v or %v, got %q", DbSqlite, DbPostgres, DbSqlServer, c.DbProvider)
	}

	switch c.StorageProvider {
	case StorageLocalDisk:
	case StorageS3:
		if c.S3.Bucket == "" {
			return fmt.Errorf("OCTOPUS_S3_BUCKET must be set when OCTOPUS_STORAGE_PROVIDER is %v", StorageS3)
		}
	default:
		return fmt.Errorf("OCTOPUS_STORAGE_PROVIDER must be %v or %v, got %q", StorageLocalDisk, StorageS3, c.StorageProvider)
	}

	switch c.AuthMode {
	case AuthDevelopment:
	case AuthOidc:
		if c.Oidc.Authority == "" {
			return fmt.Errorf("OCTOPUS_AUTH_OIDC_AUTHORITY must be set when OCTOPUS_AUTH_MODE is %v", AuthOidc)
		}
	default:
		return fmt.Errorf("OCTOPUS_AUTH_MODE must be %v or %v, got %q", AuthDevelopment, AuthOidc, c.AuthMode)
	}

	switch c.SigningAlg {
	case oauth.AlgHS256:
	case oauth.AlgRS256:
		if c.SigningKey == "" {
			return fmt.Errorf("OCTOPUS_OAUTH_SIGNING_KEY must point to a private key pem when OCTOPUS_OAUTH_SIGNING_ALG is %v", oauth.AlgRS256)
		}
	default:
		return fmt.Errorf("OCTOPUS_OAUTH_SIGNING_ALG must be %v or %v, got %q", oauth.AlgHS256, oauth.AlgRS256, c.SigningAlg)
	}

	if c.ProcessingWorkers < 1 {
		return fmt.Errorf("OCTOPUS_PROCESSING_WORKERS must be at least 1, got %v", c.ProcessingWorkers)
	}
	if c.ProcessingMaxAttempts < 1 {
		return fmt.Errorf("OCTOPUS_PROCESSING_MAX_ATTEMPTS must be at least 1, got %v", c.ProcessingMaxAttempts)
	}
	if c.WorkspaceQuotaBytes < 0 {
		return fmt.Errorf("OCTOPUS_QUOTA_WORKSPACE_BYTES must not be negative, got %v", c.WorkspaceQuotaBytes)
	}

	return nil
}

// Database opens the configured database. TranslateError is on so unique
// violations surface as gorm.ErrDuplicatedKey on every driver.
func (c *Config) Database() (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch c.DbProvider {
	case DbSqlite:
		dialector = sqlite.Open(c.DbDsn)
	case DbPostgres:
		dialector = postgres.Open(c.DbDsn)
	case DbSqlServer:
		dialector = sqlserver.Open(c.DbDsn)
	default:
		return nil, fmt.Errorf("unknown database provider %q", c.DbProvider)
	}

	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("error opening %v database: %w", c.DbProvider, err)
	}
	return db, nil
}

func (c *Config) Storage(ctx context.Context) (storage.Provider, error) {
	switch c.StorageProvider {
	case StorageLocalDisk:
		return storage.NewLocalDisk(c.StorageLocalDir), nil
	case StorageS3:
		return storage.NewS3(ctx, storage.S3Args{
			Bucket:    c.S3.Bucket,
			Region:    c.S3.Region,
			Endpoint:  c.S3.Endpoint,
			AccessKey: c.S3.AccessKey,
			SecretKey: c.S3.SecretKey,
		})
	default:
		return nil, fmt.Errorf("unknown storage provider %q", c.StorageProvider)
	}
}

func (c *Config) TokenSigner() (*oauth.TokenSigner, error) {
	ttl := time.Duration(c.AccessTokenTtlSec) * time.Second

	if c.SigningAlg == oauth.AlgRS256 {
		pem, err := os.ReadFile(c.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("error reading signing key %v: %w", c.SigningKey, err)
		}
		return oauth.NewRS256Signer(pem, ttl)
	}

	secret := c.SigningKey
	if secret == "" {
		secret = c.JwtSecret
	}
	return oauth.NewHS256Signer([]byte(secret), ttl), nil
}

func (c *Config) SessionManager() *auth.SessionManager {
	return auth.NewSessionManager([]byte(c.JwtSecret), time.Duration(c.SessionTtlMin)*time.Minute)
}

func (c *Config) IdentityProvider(db *gorm.DB, sessions *auth.SessionManager) (auth.IdentityProvider, error) {
	switch c.AuthMode {
	case AuthDevelopment:
		return auth.NewDevIdentityProvider(db, sessions, auth.DevArgs{
			Subject:     c.Dev.Subject,
			Email:       c.Dev.Email,
			DisplayName: c.Dev.DisplayName,
		}), nil
	case AuthOidc:
		return auth.NewOidcIdentityProvider(db, auth.OidcArgs{
			Authority:            c.Oidc.Authority,
			Audience:             c.Oidc.Audience,
			RequireHttpsMetadata: c.Oidc.RequireHttps,
		})
	default:
		return nil, fmt.Errorf("unknown auth mode %q", c.AuthMode)
	}
}
