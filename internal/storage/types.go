package storage

import (
	"context"
	"errors"
	"time"

	"cbalert/internal/alert"
)

var (
	// ErrUnsupportedMutation is returned when a caller tries to write through the
	// generic query surface instead of the dedicated store methods.
	ErrUnsupportedMutation = errors.New("storage: mutation through the query surface is not supported")

	// ErrStoreUnavailable is returned when the store handle is closed or was never opened.
	ErrStoreUnavailable = errors.New("storage: alert store unavailable")

	ErrUnknownSelector = errors.New("storage: unknown mark-read selector")
)

// Store is the alert table. All four mutation methods report whether the
// visible content changed; that boolean drives change notifications.
type Store interface {
	// Insert returns false only when rec is a duplicate. A failed write still
	// returns true so the alert reaches the user.
	Insert(ctx context.Context, rec alert.Record) bool
	Delete(ctx context.Context, id int64, decrementUnread bool) bool
	DeleteAll(ctx context.Context) bool
	MarkRead(ctx context.Context, sel Selector, value int64) bool

	Query(ctx context.Context, q Query) ([]alert.Record, error)
	Stats() Stats
	Close() error
}

// UnreadCounter is the unread-alert bookkeeping collaborator.
type UnreadCounter interface {
	Decrement()
	Reset()
}

// Selector picks the column MarkRead matches on.
type Selector string

const (
	SelectByID           Selector = "_id"
	SelectByDeliveryTime Selector = "date"
)

func (s Selector) valid() bool { return s == SelectByID || s == SelectByDeliveryTime }

type Order int

const (
	OrderNewestFirst Order = iota
	OrderOldestFirst
)

// Query is a read-only projection. ID > 0 turns it into a point lookup.
// Limit <= 0 means no limit.
type Query struct {
	ID    int64
	Order Order
	Limit int
}

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc.org/sqlite)
//   - "memory": process-local table, lost on restart
//
// DupDetection is read once at open; changing it needs a restart.
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	DupDetection bool
}

// Stats are best-effort counters for operators. PersistFailures covers writes
// that were masked as accepted.
type Stats struct {
	Inserted        uint64 `json:"inserted"`
	Duplicates      uint64 `json:"duplicates"`
	PersistFailures uint64 `json:"persist_failures"`
	Deleted         uint64 `json:"deleted"`
	MarkedRead      uint64 `json:"marked_read"`
}
