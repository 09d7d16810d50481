package jobs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"octopus/cde/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	defaultMaxAttempts = 5
	defaultBackoffBase = 30 * time.Second
	defaultBackoffCap  = 10 * time.Minute
	defaultStaleAfter  = 15 * time.Minute
)

// DbQueue stores jobs in the database so that enqueueing can share a
// transaction with the domain write it belongs to. Claims use guarded
// updates, which keeps multiple workers and multiple server replicas safe
// without advisory locks.
type DbQueue struct {
	db          *gorm.DB
	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration
	staleAfter  time.Duration
}

type DbQueueArgs struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	// StaleAfter is how long a claimed job may sit in running state before it
	// is considered abandoned and becomes claimable again.
	StaleAfter time.Duration
}

func NewDbQueue(db *gorm.DB, args DbQueueArgs) *DbQueue {
	if args.MaxAttempts <= 0 {
		args.MaxAttempts = defaultMaxAttempts
	}
	if args.BackoffBase <= 0 {
		args.BackoffBase = defaultBackoffBase
	}
	if args.BackoffCap <= 0 {
		args.BackoffCap = defaultBackoffCap
	}
	if args.StaleAfter <= 0 {
		args.StaleAfter = defaultStaleAfter
	}
	return &DbQueue{
		db:          db,
		maxAttempts: args.MaxAttempts,
		backoffBase: args.BackoffBase,
		backoffCap:  args.BackoffCap,
		staleAfter:  args.StaleAfter,
	}
}

func (q *DbQueue) Enqueue(txn *gorm.DB, jobType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling payload for %v job: %v", jobType, err)
	}

	now := time.Now().UTC()
	job := schema.Job{
		Id:          uuid.New(),
		JobType:     jobType,
		Payload:     string(raw),
		Status:      schema.JobQueued,
		Attempt:     0,
		MaxAttempts: q.maxAttempts,
		AvailableAt: now,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if result := txn.Create(&job); result.Error != nil {
		slog.Error("sql error enqueueing job", "job_type", jobType, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	return nil
}

func (q *DbQueue) Dequeue() (Envelope, bool, error) {
	now := time.Now().UTC()

	var job schema.Job
	result := q.db.
		Where("status = ? AND available_at <= ?", schema.JobQueued, now).
		Or("status = ? AND updated_at <= ?", schema.JobRunning, now.Add(-q.staleAfter)).
		Order("available_at asc").
		Limit(1).
		Find(&job)
	if result.Error != nil {
		slog.Error("sql error selecting next job", "error", result.Error)
		return Envelope{}, false, schema.ErrDbAccessFailed
	}
	if result.RowsAffected == 0 {
		return Envelope{}, false, nil
	}

	// The attempt counter in the guard loses the claim race to any concurrent
	// worker that already bumped it.
	claim := q.db.Model(&schema.Job{}).
		Where("id = ? AND status = ? AND attempt = ?", job.Id, job.Status, job.Attempt).
		Updates(map[string]interface{}{
			"status":     schema.JobRunning,
			"attempt":    job.Attempt + 1,
			"updated_at": now,
		})
	if claim.Error != nil {
		slog.Error("sql error claiming job", "job_id", job.Id, "error", claim.Error)
		return Envelope{}, false, schema.ErrDbAccessFailed
	}
	if claim.RowsAffected == 0 {
		return Envelope{}, false, nil
	}

	return Envelope{
		Id:          job.Id,
		Type:        job.JobType,
		Payload:     job.Payload,
		Attempt:     job.Attempt + 1,
		MaxAttempts: job.MaxAttempts,
	}, true, nil
}

func (q *DbQueue) Complete(job Envelope) error {
	result := q.db.Delete(&schema.Job{}, "id = ?", job.Id)
	if result.Error != nil {
		slog.Error("sql error completing job", "job_id", job.Id, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	return nil
}

func (q *DbQueue) Retry(job Envelope, cause error) (bool, error) {
	if job.Attempt >= job.MaxAttempts {
		return false, q.Fail(job, cause)
	}

	delay := backoffDelay(q.backoffBase, q.backoffCap, job.Attempt)
	result := q.db.Model(&schema.Job{}).
		Where("id = ?", job.Id).
		Updates(map[string]interface{}{
			"status":       schema.JobQueued,
			"available_at": time.Now().UTC().Add(delay),
			"updated_at":   time.Now().UTC(),
			"last_error":   cause.Error(),
		})
	if result.Error != nil {
		slog.Error("sql error rescheduling job", "job_id", job.Id, "error", result.Error)
		return false, schema.ErrDbAccessFailed
	}
	slog.Info("job rescheduled",
		"job_id", job.Id, "job_type", job.Type, "attempt", job.Attempt, "delay", delay)
	return true, nil
}

func (q *DbQueue) Fail(job Envelope, cause error) error {
	result := q.db.Model(&schema.Job{}).
		Where("id = ?", job.Id).
		Updates(map[string]interface{}{
			"status":     schema.JobFailed,
			"updated_at": time.Now().UTC(),
			"last_error": cause.Error(),
		})
	if result.Error != nil {
		slog.Error("sql error failing job", "job_id", job.Id, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	slog.Error("job permanently failed",
		"job_id", job.Id, "job_type", job.Type, "attempt", job.Attempt, "error", cause)
	return nil
}

func (q *DbQueue) Depth() (int64, error) {
	var depth int64
	result := q.db.Model(&schema.Job{}).Where("status = ?", schema.JobQueued).Count(&depth)
	if result.Error != nil {
		slog.Error("sql error counting queued jobs", "error", result.Error)
		return 0, schema.ErrDbAccessFailed
	}
	return depth, nil
}

// backoffDelay doubles per completed attempt, starting at base for the first
// retry and never exceeding ceiling.
func backoffDelay(base, ceiling time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := uint(attempt - 1)
	if shift > 20 {
		return ceiling
	}
	delay := base << shift
	if delay > ceiling {
		return ceiling
	}
	return delay
}
