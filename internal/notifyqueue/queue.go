package notifyqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"snooze/internal/domain"

	"github.com/google/uuid"
)

// ErrFull is returned when the in-memory queue has no free slot.
var ErrFull = errors.New("notification queue is full")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("notification queue is closed")

// Decision is one "notify this record" outcome of the notification stage.
// Params: record identity, matched notification and its actions.
// Returns: queue unit consumed by delivery services outside this process.
type Decision struct {
	ID           string    `json:"id"`
	RecordUID    string    `json:"record_uid"`
	Hash         string    `json:"hash,omitempty"`
	Notification string    `json:"notification"`
	Actions      []string  `json:"actions,omitempty"`
	Severity     string    `json:"severity,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewDecision builds a decision with a fresh id.
// Params: record, notification name, actions and creation time.
// Returns: decision ready to enqueue.
func NewDecision(record domain.Record, notification string, actions []string, now time.Time) Decision {
	return Decision{
		ID:           uuid.NewString(),
		RecordUID:    record.UID(),
		Hash:         record.Hash(),
		Notification: notification,
		Actions:      append([]string(nil), actions...),
		Severity:     record.String(domain.FieldSeverity),
		CreatedAt:    now.UTC(),
	}
}

// Producer enqueues notification decisions.
// Params: context and decision payload.
// Returns: enqueue error.
type Producer interface {
	Enqueue(ctx context.Context, decision Decision) error
	Close() error
}

// MemoryProducer is a bounded in-process decision queue.
type MemoryProducer struct {
	mu     sync.RWMutex
	ch     chan Decision
	closed bool
}

// NewMemoryProducer creates an in-memory queue.
// Params: capacity (values below 1 become 1).
// Returns: producer whose Decisions channel is drained by the consumer.
func NewMemoryProducer(capacity int) *MemoryProducer {
	if capacity < 1 {
		capacity = 1
	}
	return &MemoryProducer{ch: make(chan Decision, capacity)}
}

// Enqueue adds decision without blocking.
// Params: ctx checked before enqueue; decision payload.
// Returns: ErrFull when capacity is exhausted, ErrClosed after Close.
func (p *MemoryProducer) Enqueue(ctx context.Context, decision Decision) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.ch <- decision:
		return nil
	default:
		return ErrFull
	}
}

// Decisions exposes queued decisions; the channel closes on Close.
func (p *MemoryProducer) Decisions() <-chan Decision {
	return p.ch
}

// Len returns number of queued decisions.
func (p *MemoryProducer) Len() int {
	return len(p.ch)
}

// Close stops accepting decisions and closes the channel.
func (p *MemoryProducer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.ch)
	}
	return nil
}
