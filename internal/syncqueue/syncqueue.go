// Package syncqueue is a durable, at-least-once retry queue for message
// upserts that failed synchronously. Jobs are idempotent by message id,
// so redelivery is safe and no cross-item ordering is guaranteed.
package syncqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	registrystore "github.com/treechat/treechat-service/internal/registry/store"
	"github.com/treechat/treechat-service/internal/storage/fsjson"
)

// Job is one queued message upsert.
type Job struct {
	ConversationID string                             `json:"conversationId"`
	Message        registrystore.UpsertMessageRequest `json:"message"`
	EnqueuedAtMs   int64                              `json:"enqueuedAtMs"`
}

// Sender delivers one job to the durable store.
type Sender interface {
	Send(ctx context.Context, job Job) error
}

// StoreSender delivers jobs directly to a ConversationStore.
type StoreSender struct {
	Store registrystore.ConversationStore
}

func (s StoreSender) Send(ctx context.Context, job Job) error {
	return s.Store.UpsertMessage(ctx, job.ConversationID, job.Message)
}

type queueDocument struct {
	SchemaVersion int   `json:"schemaVersion"`
	Jobs          []Job `json:"jobs"`
}

// Queue persists pending jobs to a single JSON document with atomic
// writes, surviving process restarts.
type Queue struct {
	path     string
	sender   Sender
	interval time.Duration

	mu   sync.Mutex
	jobs []Job
}

// New loads (or initializes) the queue at path.
func New(path string, sender Sender, interval time.Duration) (*Queue, error) {
	q := &Queue{path: path, sender: sender, interval: interval}
	var doc queueDocument
	found, err := fsjson.ReadJSONIfExists(path, &doc)
	if err != nil {
		return nil, err
	}
	if found {
		q.jobs = doc.Jobs
	}
	return q, nil
}

// Enqueue adds a job and persists the queue.
func (q *Queue) Enqueue(job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if job.EnqueuedAtMs == 0 {
		job.EnqueuedAtMs = time.Now().UnixMilli()
	}
	q.jobs = append(q.jobs, job)
	return q.persistLocked()
}

// Len reports the number of pending jobs.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Flush attempts delivery of every pending job. Delivered jobs are
// removed; failures stay queued for the next flush. Validation failures
// are dropped since retrying them can never succeed.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	pending := q.jobs
	q.jobs = nil
	q.mu.Unlock()

	var remaining []Job
	for _, job := range pending {
		if ctx.Err() != nil {
			remaining = append(remaining, job)
			continue
		}
		err := q.sender.Send(ctx, job)
		if err == nil {
			continue
		}
		var validation *registrystore.ValidationError
		if errors.As(err, &validation) {
			log.Warn("dropping unretryable sync job",
				"conversation", job.ConversationID,
				"message", job.Message.ExternalID,
				"error", err)
			continue
		}
		log.Warn("sync job delivery failed, re-enqueueing",
			"conversation", job.ConversationID,
			"message", job.Message.ExternalID,
			"error", err)
		remaining = append(remaining, job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	// Jobs enqueued during the flush come after the survivors.
	q.jobs = append(remaining, q.jobs...)
	return q.persistLocked()
}

// Start flushes immediately, then on every interval tick until ctx is
// cancelled.
func (q *Queue) Start(ctx context.Context) {
	go func() {
		if err := q.Flush(ctx); err != nil {
			log.Warn("sync queue flush failed", "error", err)
		}
		ticker := time.NewTicker(q.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := q.Flush(ctx); err != nil {
					log.Warn("sync queue flush failed", "error", err)
				}
			}
		}
	}()
}

// persistLocked writes the queue document. Callers hold mu.
func (q *Queue) persistLocked() error {
	return fsjson.WriteJSON(q.path, &queueDocument{SchemaVersion: 1, Jobs: q.jobs})
}
