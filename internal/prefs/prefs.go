// Package prefs stores per-subscription alert category toggles.
//
// Entries are keyed by a category key suffixed with the subscription index,
// e.g. "enable_cmas_amber_alerts1". Callers read and write single entries;
// nothing iterates or deletes.
package prefs

import (
	"errors"
	"strconv"
	"strings"
	"sync"

	"cbalert/internal/alert"
	logx "cbalert/pkg/logx"
)

// CMAS category keys toggled by carrier programming commands.
const (
	KeyExtremeThreat = "enable_cmas_extreme_threat_alerts"
	KeySevereThreat  = "enable_cmas_severe_threat_alerts"
	KeyAmber         = "enable_cmas_amber_alerts"
	KeyTest          = "enable_cmas_test_alerts"
)

// CMASKeys are the category keys a "clear" command disables.
var CMASKeys = []string{KeyExtremeThreat, KeySevereThreat, KeyAmber, KeyTest}

// CMASKeyFor maps a CDMA CMAS service category to its category key.
// Presidential alerts have no key and cannot be disabled.
func CMASKeyFor(category int) (string, bool) {
	switch category {
	case alert.CategoryCMASExtremeThreat:
		return KeyExtremeThreat, true
	case alert.CategoryCMASSevereThreat:
		return KeySevereThreat, true
	case alert.CategoryCMASChildAbduction:
		return KeyAmber, true
	case alert.CategoryCMASTest:
		return KeyTest, true
	}
	return "", false
}

// Store reads and writes single entries.
type Store interface {
	// Get reports the stored value and whether one was ever written.
	Get(key string, sub int) (value bool, ok bool)
	Set(key string, sub int, value bool) error
	Close() error
}

// Config selects the backend.
//
// Driver values:
//   - "file": JSON snapshot plus append-only journal next to Path
//   - "memory": process-local, lost on restart
type Config struct {
	Driver string
	Path   string
}

func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg.Path, log)
	default:
		return nil, errors.New("unknown preferences driver: " + cfg.Driver)
	}
}

// Key builds the entry name for category key k on subscription sub.
func Key(k string, sub int) string { return k + strconv.Itoa(sub) }

// Enabled returns the stored value or def when nothing was written.
func Enabled(s Store, key string, sub int, def bool) bool {
	if s == nil {
		return def
	}
	if v, ok := s.Get(key, sub); ok {
		return v
	}
	return def
}

type memStore struct {
	mu sync.RWMutex
	m  map[string]bool
}

func NewMemory() Store { return &memStore{m: map[string]bool{}} }

func (s *memStore) Get(key string, sub int) (bool, bool) {
	s.mu.RLock()
	v, ok := s.m[Key(key, sub)]
	s.mu.RUnlock()
	return v, ok
}

func (s *memStore) Set(key string, sub int, value bool) error {
	s.mu.Lock()
	s.m[Key(key, sub)] = value
	s.mu.Unlock()
	return nil
}

func (s *memStore) Close() error { return nil }
