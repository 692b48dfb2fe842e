// Package runner executes store mutations off the caller's goroutine and
// fires the change notification for every mutation that changed content.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"cbalert/internal/eventbus"
	rtsup "cbalert/internal/runtime/supervisor"
	"cbalert/internal/storage"
	logx "cbalert/pkg/logx"
)

type Service struct {
	mu       sync.Mutex
	cfg      Config
	log      logx.Logger
	bus      eventbus.Bus
	handle   *storage.Handle
	notifier Notifier

	q chan job

	inFlight int32
	executed atomic.Uint64
	changed  atomic.Uint64

	sup      *rtsup.Supervisor
	stopCh   chan struct{}
	stopDone chan struct{}

	// sendMu keeps Stop's final drain from racing an in-progress enqueue.
	sendMu sync.RWMutex

	hmu     sync.Mutex
	history []HistoryItem
}

type job struct {
	id         string
	m          Mutation
	enqueuedAt time.Time
	out        chan Result
}

// New binds a runner to one store handle. notifier and bus may be nil.
func New(cfg Config, h *storage.Handle, notifier Notifier, log logx.Logger, bus eventbus.Bus) *Service {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log, bus: bus, handle: h, notifier: notifier}
}

// Supervisor returns the runner's supervisor (nil if not started).
func (s *Service) Supervisor() *rtsup.Supervisor {
	s.mu.Lock()
	sup := s.sup
	s.mu.Unlock()
	return sup
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	// Start is idempotent.
	if s.stopCh != nil {
		done := s.stopDone
		s.mu.Unlock()
		if done == nil {
			return
		}
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
		if s.stopCh != nil {
			s.mu.Unlock()
			return
		}
	}

	cfg := s.cfg
	s.q = make(chan job, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.stopDone = nil
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "runner"))),
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	s.log.Info("runner started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop cancels the workers. Queued mutations that have not started are
// answered with ErrStopped.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.mu.Unlock()

	if sup != nil {
		sup.Cancel()
	}

	go func() {
		if sup != nil {
			_ = sup.Wait(context.Background())
		}
		s.mu.Lock()
		s.q = nil
		s.stopCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
		s.sendMu.Lock()
		s.drain(queue)
		s.sendMu.Unlock()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("runner stopped")
	case <-ctx.Done():
		s.log.Warn("runner stop timed out", logx.Err(ctx.Err()))
	}
}

func (s *Service) drain(queue chan job) {
	for {
		select {
		case j := <-queue:
			j.out <- Result{ID: j.id, Kind: j.m.Kind(), Err: ErrStopped}
		default:
			return
		}
	}
}

// Run queues m for execution on a worker and returns immediately once it is
// accepted. It blocks only while the queue is full. The returned channel
// yields exactly one Result and is never closed.
func (s *Service) Run(ctx context.Context, m Mutation) (<-chan Result, error) {
	if m == nil {
		return nil, ErrNilMutation
	}
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.q
	stopCh := s.stopCh
	stopping := s.stopDone != nil
	s.mu.Unlock()

	if q == nil || stopCh == nil {
		return nil, ErrStopped
	}
	if stopping {
		return nil, ErrStopping
	}

	j := job{id: ulid.Make().String(), m: m, enqueuedAt: time.Now(), out: make(chan Result, 1)}

	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-stopCh:
		return nil, ErrStopping
	default:
	}
	select {
	case q <- j:
		return j.out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-stopCh:
		return nil, ErrStopping
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	q := s.q
	running := s.stopCh != nil && s.stopDone == nil
	s.mu.Unlock()

	ql, qc := 0, 0
	if q != nil {
		ql, qc = len(q), cap(q)
	}

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:  running,
		Workers:  cfg.Workers,
		QueueLen: ql,
		QueueCap: qc,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
		Executed: s.executed.Load(),
		Changed:  s.changed.Load(),
		History:  h,
	}
}

func (s *Service) record(item HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}
