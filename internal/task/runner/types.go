package runner

import (
	"context"
	"time"

	"cbalert/internal/alert"
	"cbalert/internal/storage"
)

// Config controls the mutation runner.
type Config struct {
	Workers   int
	QueueSize int

	// Timeout bounds a single mutation against the store. 0 means none.
	Timeout time.Duration

	HistorySize int
}

// Mutation is one store write. Apply reports whether the visible alert
// content changed.
type Mutation interface {
	Kind() string
	Apply(ctx context.Context, st storage.Store) bool
}

// Insert adds an alert subject to duplicate detection.
type Insert struct {
	Record alert.Record
}

func (Insert) Kind() string { return "insert" }
func (m Insert) Apply(ctx context.Context, st storage.Store) bool {
	return st.Insert(ctx, m.Record)
}

// Delete removes one alert by row id.
type Delete struct {
	ID              int64
	DecrementUnread bool
}

func (Delete) Kind() string { return "delete" }
func (m Delete) Apply(ctx context.Context, st storage.Store) bool {
	return st.Delete(ctx, m.ID, m.DecrementUnread)
}

// DeleteAll empties the store.
type DeleteAll struct{}

func (DeleteAll) Kind() string { return "delete_all" }
func (DeleteAll) Apply(ctx context.Context, st storage.Store) bool {
	return st.DeleteAll(ctx)
}

// MarkRead sets the read flag on rows whose selector column equals Value.
type MarkRead struct {
	Selector storage.Selector
	Value    int64
}

func (MarkRead) Kind() string { return "mark_read" }
func (m MarkRead) Apply(ctx context.Context, st storage.Store) bool {
	return st.MarkRead(ctx, m.Selector, m.Value)
}

// Result is delivered once per submitted mutation. Callers may ignore it.
type Result struct {
	ID      string
	Kind    string
	Changed bool
	Err     error
}

type HistoryItem struct {
	ID         string
	Kind       string
	Started    time.Time
	QueueDelay time.Duration
	Duration   time.Duration
	Changed    bool
	Error      string
}

// MutationEvent is published on the event bus after every executed mutation.
type MutationEvent struct {
	ID         string        `json:"id"`
	Kind       string        `json:"kind"`
	Started    time.Time     `json:"started"`
	QueueDelay time.Duration `json:"queue_delay"`
	Duration   time.Duration `json:"duration"`
	Changed    bool          `json:"changed"`
	Error      string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Executed uint64
	Changed  uint64
	History  []HistoryItem
}

// Notifier receives a signal after every mutation that changed content.
type Notifier interface {
	Notify()
}
