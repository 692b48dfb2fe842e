package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "cbalert/pkg/logx"
)

func TestHandleAcquireAfterClose(t *testing.T) {
	st, err := Open(Config{Driver: "memory"}, logx.Nop(), nil)
	require.NoError(t, err)
	h := NewHandle(st)

	got, release, err := h.Acquire()
	require.NoError(t, err)
	assert.Same(t, st, got)
	release()
	release() // idempotent

	require.NoError(t, h.Close(context.Background()))
	_, _, err = h.Acquire()
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	_, _, err = NewHandle(nil).Acquire()
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestHandleCloseWaitsForHolders(t *testing.T) {
	st, err := Open(Config{Driver: "memory"}, logx.Nop(), nil)
	require.NoError(t, err)
	h := NewHandle(st)

	_, release, err := h.Acquire()
	require.NoError(t, err)

	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.Close(short), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- h.Close(context.Background()) }()
	release()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close did not return after release")
	}
}

func TestProviderRejectsGenericMutations(t *testing.T) {
	ctx := context.Background()
	st, err := Open(Config{Driver: "memory", DupDetection: true}, logx.Nop(), nil)
	require.NoError(t, err)
	p := NewProvider(NewHandle(st), logx.Nop())

	assert.ErrorIs(t, p.Insert(ctx, map[string]any{"body": "x"}), ErrUnsupportedMutation)
	assert.ErrorIs(t, p.Update(ctx, Query{}, map[string]any{"read": 1}), ErrUnsupportedMutation)
	assert.ErrorIs(t, p.Delete(ctx, Query{}), ErrUnsupportedMutation)

	require.True(t, st.Insert(ctx, rec(1, "", "", "", "a")))
	rows, err := p.Query(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got, ok, err := p.Get(ctx, rows[0].ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a", got.Body)

	_, ok, err = p.Get(ctx, rows[0].ID+1)
	require.NoError(t, err)
	assert.False(t, ok)
}
