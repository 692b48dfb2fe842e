// Package intake accepts decoded alerts from the router, filters them by the
// subscription's category preferences and submits them to the store.
package intake

import (
	"context"
	"errors"
	"sync"
	"time"

	"cbalert/internal/alert"
	"cbalert/internal/eventbus"
	"cbalert/internal/prefs"
	"cbalert/internal/task/runner"
	logx "cbalert/pkg/logx"
)

// ErrFiltered is returned for alerts dropped by a disabled category preference.
var ErrFiltered = errors.New("intake: alert category disabled for subscription")

// Runner is the mutation runner.
type Runner interface {
	Run(ctx context.Context, m runner.Mutation) (<-chan runner.Result, error)
}

// Display shows an accepted alert to the user.
type Display interface {
	Show(ctx context.Context, rec alert.Record) error
}

// Unread is incremented once per accepted alert and decremented when a
// caller marks an alert read.
type Unread interface {
	Increment()
	Decrement()
}

type Service struct {
	log     logx.Logger
	bus     eventbus.Bus
	runner  Runner
	prefs   prefs.Store
	unread  Unread
	display Display

	// resultTimeout bounds how long the accept side effects wait for the store.
	resultTimeout time.Duration

	mu       sync.RWMutex
	areaInfo *alert.Record

	wg sync.WaitGroup
}

type Deps struct {
	Runner  Runner
	Prefs   prefs.Store
	Unread  Unread
	Display Display
	Bus     eventbus.Bus
}

func New(d Deps, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:           log,
		bus:           d.Bus,
		runner:        d.Runner,
		prefs:         d.Prefs,
		unread:        d.Unread,
		display:       d.Display,
		resultTimeout: 30 * time.Second,
	}
}

// Intake validates rec, applies the category filter and submits the insert.
// It returns once the insert is queued; accept side effects (unread count,
// area info cache, display) run when the store answers.
func (s *Service) Intake(ctx context.Context, rec alert.Record) error {
	rec.Normalize()
	if err := rec.Validate(); err != nil {
		s.log.Warn("rejecting malformed alert", logx.Err(err), logx.Int("serial", rec.SerialNumber))
		return err
	}
	if !s.categoryEnabled(rec) {
		s.log.Info("alert category disabled; dropping",
			logx.Int("serial", rec.SerialNumber),
			logx.Int("category", rec.ServiceCategory),
			logx.Int("sub", rec.Subscription))
		return ErrFiltered
	}

	res, err := s.runner.Run(ctx, runner.Insert{Record: rec})
	if err != nil {
		s.log.Error("failed to queue alert insert", logx.Err(err), logx.Int("serial", rec.SerialNumber))
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.await(rec, res)
	}()
	return nil
}

func (s *Service) categoryEnabled(rec alert.Record) bool {
	if !rec.IsCDMACMAS() {
		return true
	}
	key, ok := prefs.CMASKeyFor(rec.ServiceCategory)
	if !ok {
		// presidential
		return true
	}
	return prefs.Enabled(s.prefs, key, rec.Subscription, true)
}

func (s *Service) await(rec alert.Record, ch <-chan runner.Result) {
	t := time.NewTimer(s.resultTimeout)
	defer t.Stop()

	var res runner.Result
	select {
	case res = <-ch:
	case <-t.C:
		s.log.Warn("alert insert did not complete in time", logx.Int("serial", rec.SerialNumber), logx.Duration("timeout", s.resultTimeout))
		return
	}
	if res.Err != nil {
		return
	}
	if !res.Changed {
		s.log.Debug("duplicate alert suppressed", logx.Int("serial", rec.SerialNumber), logx.String("plmn", rec.PLMN))
		return
	}

	if s.unread != nil {
		s.unread.Increment()
	}
	if rec.IsAreaInfo() {
		s.mu.Lock()
		cp := rec
		s.areaInfo = &cp
		s.mu.Unlock()
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertAccepted, Data: rec})
	}
	if s.display != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.display.Show(ctx, rec); err != nil {
			s.log.Warn("display forward failed", logx.Err(err), logx.Int("serial", rec.SerialNumber))
		}
	}
}

// LatestAreaInfo returns the most recent accepted area info broadcast.
func (s *Service) LatestAreaInfo() (alert.Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.areaInfo == nil {
		return alert.Record{}, false
	}
	return *s.areaInfo, true
}

// Wait blocks until pending accept side effects finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
