package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cbalert/internal/eventbus"
	logx "cbalert/pkg/logx"
)

func TestAddCronValidates(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.AddCron("report", "@every 5m", 0, noop))
	require.NoError(t, s.AddCron("nightly", "0 3 * * *", 0, noop))
	assert.ErrorIs(t, s.AddCron("report", "@every 1m", 0, noop), ErrDuplicateName)
	assert.Error(t, s.AddCron("broken", "whenever", 0, noop))
	assert.Len(t, s.Snapshot(), 2)
}

func TestIntervalJobRuns(t *testing.T) {
	bus := eventbus.New()
	runs, unsub := bus.Subscribe(4, TypeJobRun)
	defer unsub()

	s := New(Config{Timezone: "UTC"}, logx.Nop(), bus)
	var n atomic.Int32
	require.NoError(t, s.AddCron("tick", "@every 1s", time.Second, func(ctx context.Context) error {
		n.Add(1)
		return nil
	}))
	s.Start(context.Background())
	defer s.Stop(context.Background())

	select {
	case ev := <-runs:
		run := ev.Data.(JobRun)
		assert.Equal(t, "tick", run.Name)
		assert.NoError(t, run.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
	assert.GreaterOrEqual(t, n.Load(), int32(1))

	info := s.Snapshot()
	require.Len(t, info, 1)
	assert.False(t, info[0].Next.IsZero())
}

func TestRunNowAppliesTimeout(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	var got error
	require.NoError(t, s.AddCron("slow", "@every 1h", 20*time.Millisecond, func(ctx context.Context) error {
		<-ctx.Done()
		got = ctx.Err()
		return got
	}))

	assert.True(t, s.RunNow("slow"))
	assert.True(t, errors.Is(got, context.DeadlineExceeded))
	assert.False(t, s.RunNow("missing"))
}

func TestStopCancelsJobContext(t *testing.T) {
	s := New(Config{}, logx.Nop(), nil)
	s.Start(context.Background())
	s.Stop(context.Background())

	ran := false
	require.NoError(t, s.AddCron("after", "@every 1h", 0, func(context.Context) error {
		ran = true
		return nil
	}))
	s.RunNow("after")
	assert.False(t, ran)
}
