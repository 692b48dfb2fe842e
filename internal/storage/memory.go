package storage

import (
	"context"
	"sort"
	"sync"

	"cbalert/internal/alert"
	logx "cbalert/pkg/logx"
)

// memStore keeps rows in a slice. Writers hold mu exclusively for the whole
// check-and-write sequence; readers share it.
type memStore struct {
	log    logx.Logger
	unread UnreadCounter
	dedup  bool

	mu     sync.RWMutex
	rows   []alert.Record
	nextID int64
	closed bool

	stats counters
}

func newMemory(cfg Config, log logx.Logger, unread UnreadCounter) *memStore {
	return &memStore{log: log, unread: unread, dedup: cfg.DupDetection}
}

func (s *memStore) Insert(_ context.Context, rec alert.Record) bool {
	rec.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dedup {
		id := rec.Identity()
		found := 0
		for _, row := range s.rows {
			if id.Matches(row.Identity()) {
				found++
			}
		}
		if found > 0 {
			s.stats.duplicate()
			s.log.Debug("ignoring duplicate broadcast",
				logx.Int("serial", rec.SerialNumber),
				logx.String("match", id.Level().String()),
				logx.Int("found", found))
			return false
		}
	}

	s.stats.accepted()
	if s.closed {
		s.stats.persistFailed("insert")
		s.log.Error("failed to insert new broadcast", logx.Err(ErrStoreUnavailable), logx.Int("serial", rec.SerialNumber))
		return true
	}
	s.nextID++
	rec.ID = s.nextID
	rec.Read = false
	s.rows = append(s.rows, rec)
	return true
}

func (s *memStore) Delete(_ context.Context, id int64, decrementUnread bool) bool {
	s.mu.Lock()
	idx := -1
	for i, row := range s.rows {
		if row.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		s.log.Warn("no broadcast to delete", logx.Int64("id", id))
		return false
	}
	s.rows = append(s.rows[:idx], s.rows[idx+1:]...)
	s.mu.Unlock()

	s.stats.deleted.Add(1)
	if decrementUnread {
		s.unread.Decrement()
	}
	return true
}

func (s *memStore) DeleteAll(_ context.Context) bool {
	s.mu.Lock()
	n := len(s.rows)
	s.rows = nil
	s.mu.Unlock()

	if n == 0 {
		s.log.Warn("no broadcasts to delete")
		return false
	}
	s.stats.deleted.Add(uint64(n))
	s.unread.Reset()
	return true
}

func (s *memStore) MarkRead(_ context.Context, sel Selector, value int64) bool {
	if !sel.valid() {
		s.log.Error("failed to mark broadcast read", logx.Err(ErrUnknownSelector), logx.String("selector", string(sel)))
		return false
	}

	s.mu.Lock()
	n := 0
	for i := range s.rows {
		var v int64
		if sel == SelectByID {
			v = s.rows[i].ID
		} else {
			v = s.rows[i].DeliveryTime.UnixMilli()
		}
		if v == value {
			s.rows[i].Read = true
			n++
		}
	}
	s.mu.Unlock()

	if n == 0 {
		s.log.Warn("no broadcast to mark read", logx.String("selector", string(sel)), logx.Int64("value", value))
		return false
	}
	s.stats.markedRead.Add(uint64(n))
	return true
}

func (s *memStore) Query(_ context.Context, q Query) ([]alert.Record, error) {
	s.mu.RLock()
	out := make([]alert.Record, 0, len(s.rows))
	for _, row := range s.rows {
		if q.ID > 0 && row.ID != q.ID {
			continue
		}
		out = append(out, row)
	}
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.DeliveryTime.Equal(b.DeliveryTime) {
			if q.Order == OrderOldestFirst {
				return a.DeliveryTime.Before(b.DeliveryTime)
			}
			return a.DeliveryTime.After(b.DeliveryTime)
		}
		if q.Order == OrderOldestFirst {
			return a.ID < b.ID
		}
		return a.ID > b.ID
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memStore) Stats() Stats { return s.stats.snapshot() }

// Close makes further inserts fail the way a broken disk would; rows stay readable.
func (s *memStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
