package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"cbalert/internal/eventbus"
	"cbalert/internal/metrics"
	"cbalert/internal/storage"
	logx "cbalert/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan job) {
	for {
		// A closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			res := s.execOne(ctx, j)
			atomic.AddInt32(&s.inFlight, -1)
			j.out <- res
		}
	}
}

func (s *Service) execOne(ctx context.Context, j job) (res Result) {
	start := time.Now()
	queueDelay := max(start.Sub(j.enqueuedAt), 0)
	kind := j.m.Kind()
	res = Result{ID: j.id, Kind: kind}

	outcome := "unchanged"
	defer func() {
		dur := time.Since(start)
		s.executed.Add(1)
		metrics.MutationsRun.WithLabelValues(kind, outcome).Inc()

		item := HistoryItem{ID: j.id, Kind: kind, Started: start, QueueDelay: queueDelay, Duration: dur, Changed: res.Changed}
		if res.Err != nil {
			item.Error = res.Err.Error()
		}
		s.record(item)
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeMutation, Data: MutationEvent{
				ID: j.id, Kind: kind, Started: start, QueueDelay: queueDelay, Duration: dur, Changed: res.Changed, Error: item.Error,
			}})
		}
	}()

	st, release, err := s.handle.Acquire()
	if err != nil {
		outcome = "unavailable"
		res.Err = err
		s.log.Error("alert store unavailable", logx.String("kind", kind), logx.String("id", j.id), logx.Err(err))
		return res
	}
	defer release()

	// A started mutation runs to completion; Stop only keeps new ones from starting.
	runCtx := context.WithoutCancel(ctx)
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, s.cfg.Timeout)
		defer cancel()
	}

	changed, err := s.applySafe(runCtx, j, st)
	if err != nil {
		outcome = "panic"
		res.Err = err
		return res
	}

	res.Changed = changed
	if changed {
		outcome = "changed"
		s.changed.Add(1)
		if s.notifier != nil {
			s.notifier.Notify()
		}
	}
	s.log.Debug("mutation done", logx.String("kind", kind), logx.String("id", j.id), logx.Bool("changed", changed), logx.Duration("queue_delay", queueDelay))
	return res
}

// applySafe turns a panic inside the store into an error so one bad mutation
// cannot take a worker down.
func (s *Service) applySafe(ctx context.Context, j job, st storage.Store) (changed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			changed = false
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("mutation panicked", logx.String("kind", j.m.Kind()), logx.String("id", j.id), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return j.m.Apply(ctx, st), nil
}

// IsUnavailable reports whether a Result failed because the store handle was closed.
func IsUnavailable(r Result) bool { return errors.Is(r.Err, storage.ErrStoreUnavailable) }
