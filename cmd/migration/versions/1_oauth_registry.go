package versions

import (
	"log"

	"octopus/cde/schema"

	"gorm.io/gorm"
)

// Installs older than the oauth app registry only carried the session based
// login, this adds the client and authorization code tables.
func Migration_1_oauth_registry(txn *gorm.DB) error {
	log.Println("creating oauth app registry tables")

	return txn.Migrator().AutoMigrate(&schema.OAuthApp{}, &schema.AuthorizationCode{})
}

func Rollback_1_oauth_registry(txn *gorm.DB) error {
	log.Println("dropping oauth app registry tables")

	return txn.Migrator().DropTable(&schema.AuthorizationCode{}, &schema.OAuthApp{})
}
