package prefs

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "cbalert/pkg/logx"
)

const compactEvery = 256

// fileStore keeps all entries in memory and persists them as
//
//   - <prefix>.snapshot.json (full map, rewritten on compaction)
//   - <prefix>.journal.jsonl (one entry per Set since the last snapshot)
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	m            map[string]bool
	snapshotPath string
	journal      *os.File
	writes       int
}

type journalEntry struct {
	Key   string `json:"key"`
	Value bool   `json:"value"`
}

func openFile(path string, log logx.Logger) (Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("preferences.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{log: log, m: map[string]bool{}, snapshotPath: prefix + ".snapshot.json"}
	if err := s.loadSnapshot(); err != nil {
		log.Warn("preferences snapshot unreadable; starting empty", logx.Err(err))
	}
	journalPath := prefix + ".journal.jsonl"
	if err := s.replay(journalPath); err != nil {
		log.Warn("preferences journal replay stopped early", logx.Err(err))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, &s.m)
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e journalEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			// A torn last line is expected after a crash.
			return err
		}
		s.m[e.Key] = e.Value
	}
	return sc.Err()
}

func (s *fileStore) Get(key string, sub int) (bool, bool) {
	s.mu.Lock()
	v, ok := s.m[Key(key, sub)]
	s.mu.Unlock()
	return v, ok
}

func (s *fileStore) Set(key string, sub int, value bool) error {
	k := Key(key, sub)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("preferences store closed")
	}
	s.m[k] = value
	if err := json.NewEncoder(s.journal).Encode(journalEntry{Key: k, Value: value}); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Warn("preferences compaction failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the snapshot via tmp+rename, then truncates the journal.
func (s *fileStore) compactLocked() error {
	b, err := json.Marshal(s.m)
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 0)
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}
