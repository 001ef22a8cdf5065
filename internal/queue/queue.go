// Package queue implements the durable, priority-ordered offline message
// queue. Messages enqueued while the connection is down survive process
// restarts (with a durable backend) and are drained on reconnect in
// priority order.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
)

// MaxQueueSize is the default capacity bound per process.
const MaxQueueSize = 1000

// Errors
var (
	ErrStorageFull        = errors.New("offline queue storage full")
	ErrStorageUnavailable = errors.New("offline queue storage unavailable")
	ErrNotInitialized     = errors.New("offline queue not initialized")
)

// Message is a queued message awaiting delivery.
type Message struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Payload      []byte    `json:"payload"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
	Priority     int       `json:"priority"` // higher = more urgent
	AttemptCount int       `json:"attempt_count"`
}

// Stats summarizes queue contents.
type Stats struct {
	TotalMessages    int            `json:"total_messages"`
	PerSessionCounts map[string]int `json:"per_session_counts"`
	TotalBytes       int64          `json:"total_bytes"`
	Oldest           time.Time      `json:"oldest"`
	Newest           time.Time      `json:"newest"`
}

// Store is the durable backend capability. Enqueue must apply the capacity
// bound atomically with respect to concurrent Enqueue calls on the same
// backing store.
type Store interface {
	// Init prepares the backing store. Must be idempotent.
	Init(ctx context.Context) error

	// Enqueue persists a message, then evicts lowest-priority (oldest
	// among ties) messages until the store holds at most capacity items.
	Enqueue(ctx context.Context, msg Message, capacity int) error

	// Session returns all messages for a session, in no particular order.
	Session(ctx context.Context, sessionID string) ([]Message, error)

	// All returns every stored message, in no particular order.
	All(ctx context.Context) ([]Message, error)

	// Remove deletes a message by ID. Unknown IDs are not an error.
	Remove(ctx context.Context, id string) error

	// IncrementAttempt bumps a message's delivery attempt counter.
	IncrementAttempt(ctx context.Context, id string) error

	// ClearSession deletes all messages for a session.
	ClearSession(ctx context.Context, sessionID string) error

	// ClearAll deletes everything.
	ClearAll(ctx context.Context) error
}

// Queue wraps a Store with ordering, capacity policy, and single-flight
// initialization.
type Queue struct {
	store    Store
	capacity int
	logger   *slog.Logger

	initMu   chan struct{} // semaphore guarding the in-flight init
	initDone chan struct{} // closed once Init has completed
	initErr  error
}

// New creates a queue over the given store.
func New(store Store, capacity int, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if capacity < 1 {
		capacity = MaxQueueSize
	}
	q := &Queue{
		store:    store,
		capacity: capacity,
		logger:   logger,
		initMu:   make(chan struct{}, 1),
		initDone: make(chan struct{}),
	}
	return q
}

// Init prepares the backing store. Concurrent callers share one in-flight
// initialization and its result; later calls return the stored result.
func (q *Queue) Init(ctx context.Context) error {
	select {
	case <-q.initDone:
		return q.initErr
	default:
	}

	select {
	case q.initMu <- struct{}{}:
		// This caller runs the init.
		select {
		case <-q.initDone:
			// Another caller finished while we raced for the semaphore.
			<-q.initMu
			return q.initErr
		default:
		}

		q.initErr = q.store.Init(ctx)
		close(q.initDone)
		<-q.initMu
		if q.initErr != nil {
			q.logger.Warn("offline queue init failed", "error", q.initErr)
		}
		return q.initErr

	case <-q.initDone:
		return q.initErr

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether Init has completed successfully.
func (q *Queue) Ready() bool {
	select {
	case <-q.initDone:
		return q.initErr == nil
	default:
		return false
	}
}

// Capacity returns the configured capacity bound.
func (q *Queue) Capacity() int {
	return q.capacity
}

// Enqueue persists a message. Fails fast with ErrStorageUnavailable when
// the backend is down or not initialized; callers fall back to best-effort
// in-memory queuing.
func (q *Queue) Enqueue(ctx context.Context, sessionID string, payload []byte, priority int) (Message, error) {
	if !q.Ready() {
		return Message{}, ErrNotInitialized
	}

	msg := Message{
		ID:         uuid.NewString(),
		SessionID:  sessionID,
		Payload:    payload,
		EnqueuedAt: time.Now(),
		Priority:   priority,
	}

	if err := q.store.Enqueue(ctx, msg, q.capacity); err != nil {
		return Message{}, fmt.Errorf("enqueue: %w", err)
	}

	q.logger.Debug("message queued",
		"id", msg.ID,
		"session", sessionID,
		"priority", priority,
		"bytes", len(payload),
	)
	return msg, nil
}

// Drain returns the session's messages ordered by priority descending,
// then enqueue time ascending. Reading does not remove.
func (q *Queue) Drain(ctx context.Context, sessionID string) ([]Message, error) {
	if !q.Ready() {
		return nil, ErrNotInitialized
	}

	msgs, err := q.store.Session(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("drain session %s: %w", sessionID, err)
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Priority != msgs[j].Priority {
			return msgs[i].Priority > msgs[j].Priority
		}
		return msgs[i].EnqueuedAt.Before(msgs[j].EnqueuedAt)
	})
	return msgs, nil
}

// Remove deletes a message after successful delivery.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if !q.Ready() {
		return ErrNotInitialized
	}
	return q.store.Remove(ctx, id)
}

// IncrementAttempt records a failed delivery attempt.
func (q *Queue) IncrementAttempt(ctx context.Context, id string) error {
	if !q.Ready() {
		return ErrNotInitialized
	}
	return q.store.IncrementAttempt(ctx, id)
}

// ClearSession purges a session's messages.
func (q *Queue) ClearSession(ctx context.Context, sessionID string) error {
	if !q.Ready() {
		return ErrNotInitialized
	}
	return q.store.ClearSession(ctx, sessionID)
}

// ClearAll purges everything.
func (q *Queue) ClearAll(ctx context.Context) error {
	if !q.Ready() {
		return ErrNotInitialized
	}
	return q.store.ClearAll(ctx)
}

// Stats summarizes current queue contents.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	if !q.Ready() {
		return Stats{}, ErrNotInitialized
	}

	msgs, err := q.store.All(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}

	stats := Stats{
		TotalMessages:    len(msgs),
		PerSessionCounts: make(map[string]int),
	}
	for _, m := range msgs {
		stats.PerSessionCounts[m.SessionID]++
		stats.TotalBytes += int64(len(m.Payload))
		if stats.Oldest.IsZero() || m.EnqueuedAt.Before(stats.Oldest) {
			stats.Oldest = m.EnqueuedAt
		}
		if m.EnqueuedAt.After(stats.Newest) {
			stats.Newest = m.EnqueuedAt
		}
	}
	return stats, nil
}

// survivorLess orders messages so that the first capacity entries are the
// ones eviction keeps: higher priority first, then newer among equal
// priority (eviction removes lowest priority, oldest among ties).
func survivorLess(a, b Message) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.EnqueuedAt.After(b.EnqueuedAt)
}
