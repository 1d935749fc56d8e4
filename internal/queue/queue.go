package queue

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/austindbirch/starbridge/internal/content"
)

var (
	ErrNotFound      = errors.New("queue: entry not found")
	ErrInFlight      = errors.New("queue: entry already in flight")
	ErrNotPending    = errors.New("queue: entry is not pending")
	ErrNotFailed     = errors.New("queue: entry is not failed")
	ErrInvalidRecord = errors.New("queue: invalid record")
)

// IDPrefix marks entry ids handed to the companion extension.
const IDPrefix = "note-"

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Entry is a record plus delivery tracking.
type Entry struct {
	ID         string         `json:"id"`
	Record     content.Record `json:"record"`
	EnqueuedAt time.Time      `json:"enqueuedAt"`
	Status     Status         `json:"status"`
	Attempts   int            `json:"attempts"`
	LastError  string         `json:"lastError,omitempty"`
	UpdatedAt  time.Time      `json:"updatedAt"`
	InFlight   bool           `json:"inFlight,omitempty"`
}

// Stats summarizes the queue.
type Stats struct {
	Pending  int `json:"pending"`
	Failed   int `json:"failed"`
	InFlight int `json:"inFlight"`
}

// Queue is an in-memory FIFO of entries. Failed entries stay in place so
// they can be inspected and retried; only pending entries count as size.
// Every method is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	order    []string
	inflight map[string]struct{}
	entropy  io.Reader
	now      func() time.Time
	onChange func(pending int)
}

// Option configures a Queue.
type Option func(*Queue)

// WithOnChange registers a hook called with the pending count after every
// mutation. It runs outside the queue lock.
func WithOnChange(fn func(pending int)) Option {
	return func(q *Queue) { q.onChange = fn }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		entries:  make(map[string]*Entry),
		inflight: make(map[string]struct{}),
		entropy:  ulid.Monotonic(rand.Reader, 0),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

func (q *Queue) newID(t time.Time) (string, error) {
	id, err := ulid.New(ulid.Timestamp(t), q.entropy)
	if err != nil {
		return "", fmt.Errorf("generate entry id: %w", err)
	}
	return IDPrefix + strings.ToLower(id.String()), nil
}

// Enqueue validates the record and appends a pending entry.
func (q *Queue) Enqueue(rec content.Record) (string, error) {
	if err := rec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	q.mu.Lock()
	now := q.now()
	id, err := q.newID(now)
	if err != nil {
		q.mu.Unlock()
		return "", err
	}
	q.entries[id] = &Entry{
		ID:         id,
		Record:     rec.Clone(),
		EnqueuedAt: now,
		Status:     StatusPending,
		UpdatedAt:  now,
	}
	q.order = append(q.order, id)
	pending := q.pendingLocked()
	q.mu.Unlock()

	q.changed(pending)
	return id, nil
}

// PeekNextPending returns the oldest pending entry without changing it.
func (q *Queue) PeekNextPending() (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, id := range q.order {
		e := q.entries[id]
		if e.Status == StatusPending {
			return q.snapshot(e), true
		}
	}
	return Entry{}, false
}

// Begin claims a pending entry for one delivery attempt.
func (q *Queue) Begin(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return ErrNotFound
	}
	if _, busy := q.inflight[id]; busy {
		return ErrInFlight
	}
	if e.Status != StatusPending {
		return ErrNotPending
	}
	q.inflight[id] = struct{}{}
	e.Attempts++
	e.UpdatedAt = q.now()
	return nil
}

// Release drops a claim without changing status.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

// MarkSent removes the entry; sent entries are not retained.
func (q *Queue) MarkSent(id string) error {
	q.mu.Lock()
	if _, ok := q.entries[id]; !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	q.removeLocked(id)
	pending := q.pendingLocked()
	q.mu.Unlock()

	q.changed(pending)
	return nil
}

// MarkFailed keeps the entry with status failed and the given reason.
func (q *Queue) MarkFailed(id, reason string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	delete(q.inflight, id)
	e.Status = StatusFailed
	e.LastError = reason
	e.UpdatedAt = q.now()
	pending := q.pendingLocked()
	q.mu.Unlock()

	q.changed(pending)
	return nil
}

// Retry returns a failed entry to pending at its original position.
func (q *Queue) Retry(id string) error {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if e.Status != StatusFailed {
		q.mu.Unlock()
		return ErrNotFailed
	}
	e.Status = StatusPending
	e.UpdatedAt = q.now()
	pending := q.pendingLocked()
	q.mu.Unlock()

	q.changed(pending)
	return nil
}

// Remove deletes an entry that is not being delivered.
func (q *Queue) Remove(id string) error {
	q.mu.Lock()
	if _, ok := q.entries[id]; !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if _, busy := q.inflight[id]; busy {
		q.mu.Unlock()
		return ErrInFlight
	}
	q.removeLocked(id)
	pending := q.pendingLocked()
	q.mu.Unlock()

	q.changed(pending)
	return nil
}

// Get returns a copy of one entry.
func (q *Queue) Get(id string) (Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return Entry{}, false
	}
	return q.snapshot(e), true
}

// List returns copies of all entries in insertion order.
func (q *Queue) List() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, q.snapshot(q.entries[id]))
	}
	return out
}

// Clear removes every entry regardless of status. It is idempotent.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.entries = make(map[string]*Entry)
	q.inflight = make(map[string]struct{})
	q.order = nil
	q.mu.Unlock()

	q.changed(0)
}

// Size is the number of pending entries.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pendingLocked()
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()

	var s Stats
	for _, e := range q.entries {
		switch e.Status {
		case StatusPending:
			s.Pending++
		case StatusFailed:
			s.Failed++
		}
	}
	s.InFlight = len(q.inflight)
	return s
}

func (q *Queue) pendingLocked() int {
	n := 0
	for _, e := range q.entries {
		if e.Status == StatusPending {
			n++
		}
	}
	return n
}

func (q *Queue) removeLocked(id string) {
	delete(q.entries, id)
	delete(q.inflight, id)
	for i, oid := range q.order {
		if oid == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

func (q *Queue) snapshot(e *Entry) Entry {
	cp := *e
	cp.Record = e.Record.Clone()
	_, cp.InFlight = q.inflight[e.ID]
	return cp
}

func (q *Queue) changed(pending int) {
	if q.onChange != nil {
		q.onChange(pending)
	}
}
