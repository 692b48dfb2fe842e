package prefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cbalert/pkg/logx"
)

func TestKeySuffixesSubscription(t *testing.T) {
	assert.Equal(t, "enable_cmas_amber_alerts1", Key(KeyAmber, 1))
	assert.Equal(t, "enable_cmas_test_alerts0", Key(KeyTest, 0))
}

func TestEnabledFallsBackToDefault(t *testing.T) {
	s := NewMemory()
	assert.True(t, Enabled(s, KeyAmber, 0, true))
	require.NoError(t, s.Set(KeyAmber, 0, false))
	assert.False(t, Enabled(s, KeyAmber, 0, true))
	assert.True(t, Enabled(s, KeyAmber, 1, true))
	assert.False(t, Enabled(nil, KeyAmber, 0, false))
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prefs.json")
	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Set(KeyExtremeThreat, 0, false))
	require.NoError(t, s.Set(KeySevereThreat, 1, true))
	require.NoError(t, s.Set(KeyExtremeThreat, 0, true))

	// Reopen without Close: journal replay only.
	again, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	v, ok := again.Get(KeyExtremeThreat, 0)
	assert.True(t, ok)
	assert.True(t, v)
	v, ok = again.Get(KeySevereThreat, 1)
	assert.True(t, ok)
	assert.True(t, v)
	require.NoError(t, again.Close())

	// After Close the snapshot holds everything and the journal is empty.
	info, err := os.Stat(filepath.Join(filepath.Dir(path), "prefs.journal.jsonl"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())

	third, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer third.Close()
	_, ok = third.Get(KeyAmber, 0)
	assert.False(t, ok)
	v, _ = third.Get(KeyExtremeThreat, 0)
	assert.True(t, v)
}

func TestFileStoreToleratesTornJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prefs.json")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prefs.journal.jsonl"),
		[]byte("{\"key\":\"enable_cmas_amber_alerts0\",\"value\":false}\n{\"key\":"), 0o600))

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	v, ok := s.Get(KeyAmber, 0)
	assert.True(t, ok)
	assert.False(t, v)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "redis"}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}
