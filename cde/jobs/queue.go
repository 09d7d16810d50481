package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Job types of the model processing pipeline.
const (
	JobConvertWexBim     = "convert_wexbim"
	JobExtractProperties = "extract_properties"
)

// ConversionArgs is the payload of both pipeline job types.
type ConversionArgs struct {
	ModelVersionId uuid.UUID `json:"model_version_id"`
}

// Envelope is a claimed job as handed to a worker.
type Envelope struct {
	Id          uuid.UUID
	Type        string
	Payload     string
	Attempt     int
	MaxAttempts int
}

// Args unmarshals the payload into out.
func (e Envelope) Args(out interface{}) error {
	if err := json.Unmarshal([]byte(e.Payload), out); err != nil {
		return fmt.Errorf("invalid payload for job %v: %v", e.Id, err)
	}
	return nil
}

// Queue hands jobs to workers at least once. A claimed job that is neither
// completed nor retried becomes claimable again after a visibility window,
// so handlers must tolerate reexecution.
type Queue interface {
	// Enqueue adds a job within the caller's transaction. The job becomes
	// visible to workers only once that transaction commits.
	Enqueue(txn *gorm.DB, jobType string, payload interface{}) error

	// Dequeue claims the next runnable job. ok is false when none is due.
	Dequeue() (job Envelope, ok bool, err error)

	// Complete removes a finished job.
	Complete(job Envelope) error

	// Retry reschedules a failed job with backoff, or marks it permanently
	// failed once its attempts are exhausted. Returns true when requeued.
	Retry(job Envelope, cause error) (bool, error)

	// Fail marks a job permanently failed regardless of remaining attempts.
	Fail(job Envelope, cause error) error

	// Depth counts jobs waiting to be claimed.
	Depth() (int64, error)
}
