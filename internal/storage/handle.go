package storage

import (
	"context"
	"sync"

	"cbalert/internal/alert"
	logx "cbalert/pkg/logx"
)

// Handle is the shared reference to the one Store instance. Background
// mutations acquire it right before running and release it afterwards; once
// the handle is closed, Acquire fails with ErrStoreUnavailable and Close waits
// for in-flight holders before closing the store.
type Handle struct {
	mu      sync.Mutex
	st      Store
	refs    int
	closed  bool
	drained chan struct{}
}

// NewHandle wraps st. A nil st yields a handle that is always unavailable.
func NewHandle(st Store) *Handle {
	return &Handle{st: st, drained: make(chan struct{})}
}

// Acquire returns the store and a release func that must be called exactly once.
func (h *Handle) Acquire() (Store, func(), error) {
	if h == nil {
		return nil, func() {}, ErrStoreUnavailable
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed || h.st == nil {
		return nil, func() {}, ErrStoreUnavailable
	}
	h.refs++
	var once sync.Once
	release := func() {
		once.Do(func() {
			h.mu.Lock()
			h.refs--
			if h.closed && h.refs == 0 {
				close(h.drained)
			}
			h.mu.Unlock()
		})
	}
	return h.st, release, nil
}

func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	if h.refs == 0 {
		close(h.drained)
	}
	st := h.st
	h.mu.Unlock()

	select {
	case <-h.drained:
	case <-ctx.Done():
		return ctx.Err()
	}
	if st == nil {
		return nil
	}
	return st.Close()
}

// Provider is the generic, read-only query surface over the store. Writes
// must go through the dedicated Store methods (via the runner), so every
// generic mutation fails with ErrUnsupportedMutation.
type Provider struct {
	h   *Handle
	log logx.Logger
}

func NewProvider(h *Handle, log logx.Logger) *Provider {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Provider{h: h, log: log}
}

func (p *Provider) Query(ctx context.Context, q Query) ([]alert.Record, error) {
	st, release, err := p.h.Acquire()
	if err != nil {
		return nil, err
	}
	defer release()
	return st.Query(ctx, q)
}

// Get is a point lookup by row id.
func (p *Provider) Get(ctx context.Context, id int64) (alert.Record, bool, error) {
	if id <= 0 {
		return alert.Record{}, false, nil
	}
	rows, err := p.Query(ctx, Query{ID: id})
	if err != nil || len(rows) == 0 {
		return alert.Record{}, false, err
	}
	return rows[0], true, nil
}

func (p *Provider) Insert(ctx context.Context, values map[string]any) error {
	return p.unsupported("insert")
}

func (p *Provider) Update(ctx context.Context, q Query, values map[string]any) error {
	return p.unsupported("update")
}

func (p *Provider) Delete(ctx context.Context, q Query) error {
	return p.unsupported("delete")
}

func (p *Provider) unsupported(op string) error {
	p.log.Error("rejected generic mutation", logx.String("op", op), logx.Err(ErrUnsupportedMutation))
	return ErrUnsupportedMutation
}

func (p *Provider) Stats() (Stats, error) {
	st, release, err := p.h.Acquire()
	if err != nil {
		return Stats{}, err
	}
	defer release()
	return st.Stats(), nil
}
