package jobs

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"octopus/cde/schema"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type memoryJob struct {
	envelope    Envelope
	status      string
	availableAt time.Time
	lastError   string
}

// MemoryQueue is an in process Queue for tests. It ignores the enqueue
// transaction, jobs become visible immediately.
type MemoryQueue struct {
	mu          sync.Mutex
	jobs        []*memoryJob
	maxAttempts int
	backoffBase time.Duration
}

func NewMemoryQueue(maxAttempts int, backoffBase time.Duration) *MemoryQueue {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &MemoryQueue{maxAttempts: maxAttempts, backoffBase: backoffBase}
}

func (q *MemoryQueue) Enqueue(txn *gorm.DB, jobType string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling payload for %v job: %v", jobType, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, &memoryJob{
		envelope: Envelope{
			Id:          uuid.New(),
			Type:        jobType,
			Payload:     string(raw),
			MaxAttempts: q.maxAttempts,
		},
		status:      schema.JobQueued,
		availableAt: time.Now(),
	})
	return nil
}

func (q *MemoryQueue) Dequeue() (Envelope, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, job := range q.jobs {
		if job.status == schema.JobQueued && !job.availableAt.After(now) {
			job.status = schema.JobRunning
			job.envelope.Attempt++
			return job.envelope, true, nil
		}
	}
	return Envelope{}, false, nil
}

func (q *MemoryQueue) Complete(job Envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.jobs[:0]
	for _, j := range q.jobs {
		if j.envelope.Id != job.Id {
			kept = append(kept, j)
		}
	}
	q.jobs = kept
	return nil
}

func (q *MemoryQueue) Retry(job Envelope, cause error) (bool, error) {
	if job.Attempt >= job.MaxAttempts {
		return false, q.Fail(job, cause)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.envelope.Id == job.Id {
			j.status = schema.JobQueued
			j.availableAt = time.Now().Add(backoffDelay(q.backoffBase, defaultBackoffCap, job.Attempt))
			j.lastError = cause.Error()
		}
	}
	return true, nil
}

func (q *MemoryQueue) Fail(job Envelope, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.envelope.Id == job.Id {
			j.status = schema.JobFailed
			j.lastError = cause.Error()
		}
	}
	return nil
}

func (q *MemoryQueue) Depth() (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var depth int64
	for _, j := range q.jobs {
		if j.status == schema.JobQueued {
			depth++
		}
	}
	return depth, nil
}

// FailedJobs returns the ids of permanently failed jobs, for assertions.
func (q *MemoryQueue) FailedJobs() []uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()

	var failed []uuid.UUID
	for _, j := range q.jobs {
		if j.status == schema.JobFailed {
			failed = append(failed, j.envelope.Id)
		}
	}
	return failed
}
