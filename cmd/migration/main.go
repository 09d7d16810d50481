package main

import (
	"flag"
	"log"

	"octopus/cde/config"
	"octopus/cde/schema"
	"octopus/cmd/migration/versions"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/driver/sqlserver"
	"gorm.io/gorm"
)

func openDb(provider, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch provider {
	case config.DbSqlite:
		dialector = sqlite.Open(dsn)
	case config.DbPostgres:
		dialector = postgres.Open(dsn)
	case config.DbSqlServer:
		dialector = sqlserver.Open(dsn)
	default:
		log.Fatalf("unsupported db provider %v", provider)
	}

	return gorm.Open(dialector, &gorm.Config{TranslateError: true})
}

func main() {
	provider := flag.String("db_provider", config.DbSqlite, "database provider: sqlite, postgres or sqlserver")
	dsn := flag.String("db_dsn", "file:octopus.db", "database connection string")
	flag.Parse()

	db, err := openDb(*provider, *dsn)
	if err != nil {
		log.Fatalf("error connecting to the database: %v", err)
	}

	migration := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			// Placeholder for the file and model tables that predate versioned
			// migrations, kept so their installs skip straight to "1".
			ID: "0",
			Migrate: func(*gorm.DB) error {
				return nil
			},
		},
		{
			ID:       "1",
			Migrate:  versions.Migration_1_oauth_registry,
			Rollback: versions.Rollback_1_oauth_registry,
		},
		{
			ID:       "2",
			Migrate:  versions.Migration_2_durable_queue,
			Rollback: versions.Rollback_2_durable_queue,
		},
	})

	migration.InitSchema(func(txn *gorm.DB) error {
		log.Println("clean database detected, creating the full schema")

		return txn.AutoMigrate(
			&schema.User{},
			&schema.Workspace{},
			&schema.WorkspaceMembership{},
			&schema.Project{},
			&schema.ProjectMembership{},
			&schema.File{},
			&schema.FileLink{},
			&schema.UploadSession{},
			&schema.Model{},
			&schema.ModelVersion{},
			&schema.OAuthApp{},
			&schema.AuthorizationCode{},
			&schema.Job{},
		)
	})

	if err := migration.Migrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	log.Println("migration completed successfully")
}
