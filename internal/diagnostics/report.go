// Package diagnostics produces the periodic store health report.
//
// Insert failures are masked as accepted so the user still sees the alert;
// this report is where an operator notices them.
package diagnostics

import (
	"context"
	"fmt"
	"sync"

	"cbalert/internal/eventbus"
	"cbalert/internal/storage"
	"cbalert/internal/task/runner"
	logx "cbalert/pkg/logx"
)

type StatsSource interface {
	Stats() (storage.Stats, error)
}

type RunnerSource interface {
	Snapshot() runner.Snapshot
}

type NotifierSource interface {
	Sent() uint64
}

type Sources struct {
	Store    StatsSource
	Runner   RunnerSource
	Notifier NotifierSource
	Bus      eventbus.Bus
	// Status, when set, receives a one-line summary after every run.
	Status func(line string)
}

// Report is one reading, with deltas against the previous one.
type Report struct {
	Stats              storage.Stats
	NewPersistFailures uint64
	NewDuplicates      uint64
	QueueLen           int
	Notifications      uint64
	BusDropped         uint64
}

type Reporter struct {
	src Sources
	log logx.Logger

	mu   sync.Mutex
	last storage.Stats
}

func NewReporter(src Sources, log logx.Logger) *Reporter {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Reporter{src: src, log: log}
}

// Collect takes a reading and advances the baseline.
func (r *Reporter) Collect() (Report, error) {
	var rep Report
	if r.src.Store != nil {
		st, err := r.src.Store.Stats()
		if err != nil {
			return rep, err
		}
		rep.Stats = st
	}
	r.mu.Lock()
	rep.NewPersistFailures = rep.Stats.PersistFailures - min(r.last.PersistFailures, rep.Stats.PersistFailures)
	rep.NewDuplicates = rep.Stats.Duplicates - min(r.last.Duplicates, rep.Stats.Duplicates)
	r.last = rep.Stats
	r.mu.Unlock()

	if r.src.Runner != nil {
		rep.QueueLen = r.src.Runner.Snapshot().QueueLen
	}
	if r.src.Notifier != nil {
		rep.Notifications = r.src.Notifier.Sent()
	}
	if r.src.Bus != nil {
		rep.BusDropped = eventbus.Dropped(r.src.Bus)
	}
	return rep, nil
}

// Run is the scheduled job body.
func (r *Reporter) Run(ctx context.Context) error {
	rep, err := r.Collect()
	if err != nil {
		r.log.Warn("store diagnostics unavailable", logx.Err(err))
		return err
	}
	fields := []logx.Field{
		logx.Uint64("inserted", rep.Stats.Inserted),
		logx.Uint64("duplicates", rep.Stats.Duplicates),
		logx.Uint64("persist_failures", rep.Stats.PersistFailures),
		logx.Uint64("deleted", rep.Stats.Deleted),
		logx.Int("queue_len", rep.QueueLen),
		logx.Uint64("notifications", rep.Notifications),
		logx.Uint64("bus_dropped", rep.BusDropped),
	}
	if r.src.Status != nil {
		r.src.Status(fmt.Sprintf("alerts inserted=%d duplicates=%d persist_failures=%d queue=%d",
			rep.Stats.Inserted, rep.Stats.Duplicates, rep.Stats.PersistFailures, rep.QueueLen))
	}
	if rep.NewPersistFailures > 0 {
		r.log.Warn("alert store writes failed since last report",
			append(fields, logx.Uint64("new_persist_failures", rep.NewPersistFailures))...)
		return nil
	}
	r.log.Debug("store diagnostics", fields...)
	return nil
}
