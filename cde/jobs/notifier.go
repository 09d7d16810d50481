package jobs

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Pipeline stages reported through the notifier.
const (
	StageGeometry   = "geometry"
	StageProperties = "properties"
	StageVersion    = "version"
)

// Progress is one pipeline event for a model version.
type Progress struct {
	JobId           uuid.UUID `json:"jobId"`
	ModelVersionId  uuid.UUID `json:"modelVersionId"`
	Stage           string    `json:"stage"`
	PercentComplete int       `json:"percentComplete"`
	Message         string    `json:"message,omitempty"`
	IsComplete      bool      `json:"isComplete"`
	IsSuccess       bool      `json:"isSuccess"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
}

// stageStarted, stageFinished, and stageFailed build the events the pipeline
// handlers emit. A stage is all-or-nothing, percentComplete only ever reads 0
// or 100.
func stageStarted(job Envelope, versionId uuid.UUID, stage, message string) Progress {
	return Progress{JobId: job.Id, ModelVersionId: versionId, Stage: stage, Message: message}
}

func stageFinished(job Envelope, versionId uuid.UUID, stage, message string) Progress {
	return Progress{
		JobId: job.Id, ModelVersionId: versionId, Stage: stage,
		PercentComplete: 100, Message: message, IsComplete: true, IsSuccess: true,
	}
}

func stageFailed(job Envelope, versionId uuid.UUID, stage string, cause error) Progress {
	return Progress{
		JobId: job.Id, ModelVersionId: versionId, Stage: stage,
		PercentComplete: 100, IsComplete: true, ErrorMessage: cause.Error(),
	}
}

// ProgressNotifier receives pipeline events. Notification is best effort, a
// failing or slow notifier never fails the job that reported the event.
type ProgressNotifier interface {
	Notify(progress Progress) error
}

// notify shields job handlers from notifier outcomes.
func notify(notifier ProgressNotifier, progress Progress) {
	if notifier == nil {
		return
	}
	if err := notifier.Notify(progress); err != nil {
		slog.Warn("progress notification dropped",
			"model_version_id", progress.ModelVersionId, "stage", progress.Stage, "error", err)
	}
}

// LogNotifier writes progress events to the log.
type LogNotifier struct{}

func (LogNotifier) Notify(progress Progress) error {
	slog.Info("pipeline progress",
		"model_version_id", progress.ModelVersionId,
		"stage", progress.Stage,
		"complete", progress.IsComplete,
		"success", progress.IsSuccess,
		"message", progress.Message,
		"error_message", progress.ErrorMessage)
	return nil
}

const subscriberBuffer = 16

// Broadcaster fans progress events out to in process subscribers, keyed by
// model version. A subscriber that stops draining its channel loses events
// instead of blocking the pipeline.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[uuid.UUID][]chan Progress
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subscribers: make(map[uuid.UUID][]chan Progress)}
}

func (b *Broadcaster) Notify(progress Progress) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers[progress.ModelVersionId] {
		select {
		case ch <- progress:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of events for one model version along with a
// cancel function that closes it.
func (b *Broadcaster) Subscribe(modelVersionId uuid.UUID) (<-chan Progress, func()) {
	ch := make(chan Progress, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[modelVersionId] = append(b.subscribers[modelVersionId], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		remaining := b.subscribers[modelVersionId][:0]
		for _, existing := range b.subscribers[modelVersionId] {
			if existing != ch {
				remaining = append(remaining, existing)
			}
		}
		if len(remaining) == 0 {
			delete(b.subscribers, modelVersionId)
		} else {
			b.subscribers[modelVersionId] = remaining
		}
		close(ch)
	}
	return ch, cancel
}
