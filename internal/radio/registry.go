// Package radio keeps the current view of radio subscriptions: which are
// active, their SIM and phone type, and their network service state.
//
// The registry is fed from static configuration and from radio state reports
// received over MQTT. Readers always see the latest report.
package radio

import (
	"errors"
	"sort"
	"strings"
	"sync"

	logx "cbalert/pkg/logx"
)

var ErrUnknownSubscription = errors.New("radio: unknown subscription")

type SIMState string

const (
	SIMUnknown       SIMState = "unknown"
	SIMAbsent        SIMState = "absent"
	SIMPINRequired   SIMState = "pin_required"
	SIMPUKRequired   SIMState = "puk_required"
	SIMNetworkLocked SIMState = "network_locked"
	SIMReady         SIMState = "ready"
	SIMNotReady      SIMState = "not_ready"
)

// Eligible reports whether channel configuration may run for a SIM in this
// state. A locked SIM still receives emergency broadcasts.
func (s SIMState) Eligible() bool {
	switch s {
	case SIMPINRequired, SIMPUKRequired, SIMNetworkLocked, SIMReady:
		return true
	}
	return false
}

type PhoneType string

const (
	PhoneNone PhoneType = "none"
	PhoneGSM  PhoneType = "gsm"
	PhoneCDMA PhoneType = "cdma"
)

type ServiceState string

const (
	ServiceUnknown      ServiceState = ""
	ServiceInService    ServiceState = "in_service"
	ServiceOutOfService ServiceState = "out_of_service"
	ServiceEmergency    ServiceState = "emergency_only"
	ServicePowerOff     ServiceState = "power_off"
)

// Reachable reports whether broadcasts can be received in this state.
func (s ServiceState) Reachable() bool {
	return s == ServiceInService || s == ServiceEmergency
}

// Subscription is one radio subscription as last reported.
type Subscription struct {
	ID      int          `json:"subscription" validate:"gte=0"`
	Slot    int          `json:"slot" validate:"gte=0"`
	Active  bool         `json:"active"`
	SIM     SIMState     `json:"sim_state"`
	Phone   PhoneType    `json:"phone_type"`
	Service ServiceState `json:"service_state"`
}

// ServiceListener is called with the new state after every report that
// carries one. It runs on the reporting goroutine and must not block.
type ServiceListener func(sub int, state ServiceState)

// SubscriptionListener is called with every stored report, after the service
// listeners of that subscription. It must not block.
type SubscriptionListener func(s Subscription)

type Registry struct {
	log logx.Logger

	mu        sync.RWMutex
	subs      map[int]Subscription
	listeners map[int]map[uint64]ServiceListener
	subLs     map[uint64]SubscriptionListener
	seq       uint64
}

func NewRegistry(log logx.Logger) *Registry {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{log: log, subs: map[int]Subscription{}, listeners: map[int]map[uint64]ServiceListener{}, subLs: map[uint64]SubscriptionListener{}}
}

func normalize(s Subscription) Subscription {
	s.SIM = SIMState(strings.ToLower(strings.TrimSpace(string(s.SIM))))
	if s.SIM == "" {
		s.SIM = SIMUnknown
	}
	s.Phone = PhoneType(strings.ToLower(strings.TrimSpace(string(s.Phone))))
	if s.Phone == "" {
		s.Phone = PhoneNone
	}
	s.Service = ServiceState(strings.ToLower(strings.TrimSpace(string(s.Service))))
	return s
}

// Update stores the report and fans the service state out to listeners.
// An empty Service keeps the previous service state.
func (r *Registry) Update(s Subscription) {
	s = normalize(s)

	r.mu.Lock()
	prev, had := r.subs[s.ID]
	if s.Service == ServiceUnknown && had {
		s.Service = prev.Service
	}
	r.subs[s.ID] = s
	var ls []ServiceListener
	if s.Service != ServiceUnknown {
		for _, fn := range r.listeners[s.ID] {
			ls = append(ls, fn)
		}
	}
	subLs := make([]SubscriptionListener, 0, len(r.subLs))
	for _, fn := range r.subLs {
		subLs = append(subLs, fn)
	}
	r.mu.Unlock()

	r.log.Debug("radio state updated",
		logx.Int("sub", s.ID), logx.Bool("active", s.Active),
		logx.String("sim", string(s.SIM)), logx.String("phone", string(s.Phone)),
		logx.String("service", string(s.Service)))
	for _, fn := range ls {
		fn(s.ID, s.Service)
	}
	for _, fn := range subLs {
		fn(s)
	}
}

// ActiveSubscriptions returns the ids of active subscriptions, ascending.
func (r *Registry) ActiveSubscriptions() []int {
	r.mu.RLock()
	out := make([]int, 0, len(r.subs))
	for id, s := range r.subs {
		if s.Active {
			out = append(out, id)
		}
	}
	r.mu.RUnlock()
	sort.Ints(out)
	return out
}

func (r *Registry) SIMState(sub int) SIMState {
	r.mu.RLock()
	s, ok := r.subs[sub]
	r.mu.RUnlock()
	if !ok {
		return SIMUnknown
	}
	return s.SIM
}

func (r *Registry) PhoneType(sub int) (PhoneType, error) {
	r.mu.RLock()
	s, ok := r.subs[sub]
	r.mu.RUnlock()
	if !ok {
		return PhoneNone, ErrUnknownSubscription
	}
	return s.Phone, nil
}

func (r *Registry) ServiceState(sub int) ServiceState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.subs[sub].Service
}

// ListenServiceState registers fn for sub. The returned func removes it.
func (r *Registry) ListenServiceState(sub int, fn ServiceListener) func() {
	r.mu.Lock()
	r.seq++
	id := r.seq
	if r.listeners[sub] == nil {
		r.listeners[sub] = map[uint64]ServiceListener{}
	}
	r.listeners[sub][id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.listeners[sub], id)
			r.mu.Unlock()
		})
	}
}

// ListenSubscriptions registers fn for reports of any subscription, including
// ones not seen before. The returned func removes it.
func (r *Registry) ListenSubscriptions(fn SubscriptionListener) func() {
	r.mu.Lock()
	r.seq++
	id := r.seq
	r.subLs[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subLs, id)
			r.mu.Unlock()
		})
	}
}
