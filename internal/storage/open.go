package storage

import (
	"errors"
	"strings"
	"sync/atomic"

	"cbalert/internal/metrics"
	logx "cbalert/pkg/logx"
)

// Open initializes the configured store. unread may be nil.
func Open(cfg Config, log logx.Logger, unread UnreadCounter) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if unread == nil {
		unread = nopUnread{}
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if !cfg.DupDetection {
		log.Warn("duplicate detection disabled")
	}

	switch driver {
	case "", "memory":
		return newMemory(cfg, log, unread), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log, unread)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

type nopUnread struct{}

func (nopUnread) Decrement() {}
func (nopUnread) Reset()     {}

// counters is shared by both drivers.
type counters struct {
	inserted        atomic.Uint64
	duplicates      atomic.Uint64
	persistFailures atomic.Uint64
	deleted         atomic.Uint64
	markedRead      atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Inserted:        c.inserted.Load(),
		Duplicates:      c.duplicates.Load(),
		PersistFailures: c.persistFailures.Load(),
		Deleted:         c.deleted.Load(),
		MarkedRead:      c.markedRead.Load(),
	}
}

func (c *counters) accepted() {
	c.inserted.Add(1)
	metrics.AlertsInserted.Inc()
}

func (c *counters) duplicate() {
	c.duplicates.Add(1)
	metrics.AlertsDuplicate.Inc()
}

func (c *counters) persistFailed(op string) {
	c.persistFailures.Add(1)
	metrics.PersistFailures.WithLabelValues(op).Inc()
}
