// Package notify implements the "alert content changed" signal.
//
// Every observer owns a single pending flag. Notify sets the flag on all
// observers; an observer that has not yet consumed a previous signal simply
// sees one signal for both. A signal is therefore never lost, only coalesced.
package notify

import (
	"sync"
	"sync/atomic"

	"cbalert/internal/eventbus"
	"cbalert/internal/metrics"
	logx "cbalert/pkg/logx"
)

type Notifier struct {
	log logx.Logger
	bus eventbus.Bus

	mu        sync.RWMutex
	observers map[uint64]chan struct{}
	seq       uint64

	sent atomic.Uint64
}

// New returns a Notifier. bus may be nil; when set, every signal is mirrored
// to it as eventbus.TypeAlertsChanged.
func New(log logx.Logger, bus eventbus.Bus) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{log: log, bus: bus, observers: map[uint64]chan struct{}{}}
}

// Notify signals every registered observer. It never blocks.
func (n *Notifier) Notify() {
	n.mu.RLock()
	for _, ch := range n.observers {
		select {
		case ch <- struct{}{}:
		default:
			// already pending
		}
	}
	observers := len(n.observers)
	n.mu.RUnlock()

	n.sent.Add(1)
	metrics.ChangeNotifications.Inc()
	if n.bus != nil {
		n.bus.Publish(eventbus.Event{Type: eventbus.TypeAlertsChanged})
	}
	n.log.Debug("alerts changed", logx.Int("observers", observers))
}

// Subscribe registers an observer. The returned channel receives a value
// whenever the alert content changed since the observer last read it.
func (n *Notifier) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.seq++
	id := n.seq
	n.observers[id] = ch
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.observers, id)
			n.mu.Unlock()
		})
	}
}

// Sent is the number of Notify calls so far.
func (n *Notifier) Sent() uint64 { return n.sent.Load() }
