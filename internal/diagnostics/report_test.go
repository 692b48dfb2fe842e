package diagnostics

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cbalert/internal/storage"
	logx "cbalert/pkg/logx"
)

type stats struct {
	s   storage.Stats
	err error
}

func (f *stats) Stats() (storage.Stats, error) { return f.s, f.err }

func TestReportWarnsOnlyOnNewFailures(t *testing.T) {
	var buf bytes.Buffer
	src := &stats{s: storage.Stats{Inserted: 3, PersistFailures: 1}}
	r := NewReporter(Sources{Store: src}, logx.NewWriter(&buf, "debug"))

	rep, err := r.Collect()
	require.NoError(t, err)
	assert.EqualValues(t, 1, rep.NewPersistFailures)

	rep, err = r.Collect()
	require.NoError(t, err)
	assert.Zero(t, rep.NewPersistFailures)

	src.s.PersistFailures = 4
	src.s.Duplicates = 2
	buf.Reset()
	require.NoError(t, r.Run(context.Background()))
	assert.Contains(t, buf.String(), `"new_persist_failures":3`)
	assert.Contains(t, buf.String(), `"level":"warn"`)

	buf.Reset()
	require.NoError(t, r.Run(context.Background()))
	assert.NotContains(t, buf.String(), `"level":"warn"`)
}

func TestReportStoreUnavailable(t *testing.T) {
	r := NewReporter(Sources{Store: &stats{err: storage.ErrStoreUnavailable}}, logx.Nop())
	err := r.Run(context.Background())
	assert.True(t, errors.Is(err, storage.ErrStoreUnavailable))
}

func TestReportPublishesStatusLine(t *testing.T) {
	var lines []string
	src := &stats{s: storage.Stats{Inserted: 5, Duplicates: 2, PersistFailures: 1}}
	r := NewReporter(Sources{Store: src, Status: func(l string) { lines = append(lines, l) }}, logx.Nop())

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, lines, 1)
	assert.Equal(t, "alerts inserted=5 duplicates=2 persist_failures=1 queue=0", lines[0])

	src.err = storage.ErrStoreUnavailable
	assert.Error(t, r.Run(context.Background()))
	assert.Len(t, lines, 1)
}
