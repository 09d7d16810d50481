package versions

import (
	"log"

	"octopus/cde/schema"

	"gorm.io/gorm"
)

// Conversion used to run on a transient in memory queue, jobs that were in
// flight during a restart were simply lost. This moves processing to the jobs
// table and releases versions the old pipeline left stuck in processing.
func Migration_2_durable_queue(txn *gorm.DB) error {
	log.Println("creating the durable job queue")

	if err := txn.Migrator().AutoMigrate(&schema.Job{}); err != nil {
		return err
	}

	return txn.Model(&schema.ModelVersion{}).
		Where("status = ?", schema.VersionProcessing).
		Update("status", schema.VersionPending).Error
}

func Rollback_2_durable_queue(txn *gorm.DB) error {
	log.Println("dropping the durable job queue")

	return txn.Migrator().DropTable(&schema.Job{})
}
