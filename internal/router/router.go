// Package router dispatches inbound events to the intake, preference and
// channel configuration collaborators.
//
// Privilege is decided by the caller from the path an event arrived on and
// passed to Dispatch explicitly; nothing in the payload can raise it.
package router

import (
	"context"
	"sync"
	"time"

	"cbalert/internal/eventbus"
	"cbalert/internal/metrics"
	"cbalert/internal/prefs"
	"cbalert/internal/radio"
	"cbalert/internal/storage"
	logx "cbalert/pkg/logx"
)

const configRequestTimeout = 5 * time.Second

type Deps struct {
	Radio      Radio
	Config     ChannelConfigurator
	Intake     Intake
	Broadcasts Broadcasts
	Prefs      Preferences
	AreaInfo   AreaInfoSource
	Relay      AreaInfoRelay
	Bus        eventbus.Bus
	// AreaInfoCredential is required of receivers of relayed area info.
	AreaInfoCredential string
}

type Router struct {
	log logx.Logger
	d   Deps

	mu        sync.Mutex
	listeners map[int]func()
	lastState map[int]radio.ServiceState
	subCancel func()
}

func New(d Deps, log logx.Logger) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	if d.AreaInfoCredential == "" {
		d.AreaInfoCredential = "read_phone_state"
	}
	return &Router{
		log:       log,
		d:         d,
		listeners: map[int]func(){},
		lastState: map[int]radio.ServiceState{},
	}
}

// Dispatch handles one event. It returns quickly; store writes happen on the
// runner. The returned error is informational: every failure is already logged.
func (r *Router) Dispatch(ctx context.Context, ev Event, privileged bool) error {
	if requiresPrivilege[ev.Type] && !privileged {
		r.log.Warn("ignoring unprivileged event", logx.String("type", string(ev.Type)))
		metrics.TrustViolations.WithLabelValues(string(ev.Type)).Inc()
		metrics.RouterEvents.WithLabelValues(string(ev.Type), "untrusted").Inc()
		if r.d.Bus != nil {
			r.d.Bus.Publish(eventbus.Event{Type: eventbus.TypeTrustViolation, Data: string(ev.Type)})
		}
		return ErrUntrusted
	}

	var err error
	switch ev.Type {
	case EventBootCompleted:
		r.registerServiceStateListeners()
	case EventAirplaneModeChanged:
		r.log.Debug("airplane mode changed", logx.Bool("on", ev.AirplaneMode))
		if !ev.AirplaneMode {
			r.configureAll(ctx)
		}
	case EventAlertDelivered, EventEmergencyAlertDelivered:
		err = r.deliver(ctx, ev)
	case EventCategoryProgram:
		err = r.program(ev)
	case EventGetLatestAreaInfo:
		err = r.relayAreaInfo(ctx)
	case EventDeleteBroadcast, EventDeleteAllBroadcasts, EventMarkBroadcastRead:
		err = r.mutate(ctx, ev)
	default:
		r.log.Warn("unexpected event", logx.String("type", string(ev.Type)))
		metrics.RouterEvents.WithLabelValues("other", "ignored").Inc()
		return ErrUnknownEvent
	}

	result := "handled"
	if err != nil {
		result = "error"
	}
	metrics.RouterEvents.WithLabelValues(string(ev.Type), result).Inc()
	return err
}

func (r *Router) deliver(ctx context.Context, ev Event) error {
	if ev.Alert == nil || r.d.Intake == nil {
		r.log.Error("alert event without alert", logx.String("type", string(ev.Type)))
		return ErrMissingPayload
	}
	return r.d.Intake.Intake(ctx, *ev.Alert)
}

func (r *Router) mutate(ctx context.Context, ev Event) error {
	if r.d.Broadcasts == nil {
		r.log.Warn("no broadcast store wired; dropping", logx.String("type", string(ev.Type)))
		return nil
	}
	switch ev.Type {
	case EventDeleteBroadcast:
		if ev.RowID <= 0 {
			r.log.Error("delete broadcast without row id")
			return ErrMissingPayload
		}
		return r.d.Broadcasts.DeleteBroadcast(ctx, ev.RowID, ev.DecrementUnread)
	case EventDeleteAllBroadcasts:
		return r.d.Broadcasts.DeleteAllBroadcasts(ctx)
	default:
		sel, ok := ev.selector()
		if !ok {
			r.log.Error("mark broadcast read with unknown selector", logx.String("selector", ev.Selector))
			return storage.ErrUnknownSelector
		}
		return r.d.Broadcasts.MarkBroadcastRead(ctx, sel, ev.Value, ev.DecrementUnread)
	}
}

func (r *Router) program(ev Event) error {
	if len(ev.Program) == 0 {
		r.log.Error("category program event with no program data", logx.Int("sub", ev.Subscription))
		return ErrMissingPayload
	}
	sub := ev.Subscription
	r.log.Debug("category program received", logx.Int("sub", sub), logx.Int("entries", len(ev.Program)))
	for _, pd := range ev.Program {
		switch pd.Operation {
		case OpAddCategory:
			r.setCategory(sub, pd.Category, true)
		case OpDeleteCategory:
			r.setCategory(sub, pd.Category, false)
		case OpClearAll:
			for _, key := range prefs.CMASKeys {
				r.setKey(sub, key, false)
			}
		default:
			r.log.Error("ignoring unknown category program operation", logx.Int("operation", int(pd.Operation)))
		}
	}
	return nil
}

func (r *Router) setCategory(sub, category int, enable bool) {
	key, ok := prefs.CMASKeyFor(category)
	if !ok {
		r.log.Warn("ignoring category program for unsupported category",
			logx.Int("category", category), logx.Bool("enable", enable))
		return
	}
	r.setKey(sub, key, enable)
}

func (r *Router) setKey(sub int, key string, enable bool) {
	if r.d.Prefs == nil {
		return
	}
	if err := r.d.Prefs.Set(key, sub, enable); err != nil {
		r.log.Error("failed to store category preference", logx.Err(err), logx.String("key", prefs.Key(key, sub)))
	}
}

func (r *Router) relayAreaInfo(ctx context.Context) error {
	if r.d.AreaInfo == nil || r.d.Relay == nil {
		return nil
	}
	rec, ok := r.d.AreaInfo.LatestAreaInfo()
	if !ok {
		r.log.Debug("no area info cached")
		return nil
	}
	if err := r.d.Relay.RelayAreaInfo(ctx, rec, r.d.AreaInfoCredential); err != nil {
		r.log.Warn("area info relay failed", logx.Err(err))
		return err
	}
	return nil
}

// registerServiceStateListeners attaches one listener per active subscription.
// Repeated boot events replace earlier listeners.
func (r *Router) registerServiceStateListeners() {
	if r.d.Radio == nil {
		return
	}
	subs := r.d.Radio.ActiveSubscriptions()
	r.log.Debug("registering for service state updates", logx.Int("subscriptions", len(subs)))

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range subs {
		if cancel := r.listeners[sub]; cancel != nil {
			cancel()
		}
		r.listeners[sub] = r.d.Radio.ListenServiceState(sub, r.onServiceState)
	}
	if r.subCancel == nil {
		r.subCancel = r.d.Radio.ListenSubscriptions(r.onSubscription)
	}
}

// onSubscription keeps one service state listener per active subscription
// after boot. A subscription that shows up active gets a listener and its
// reported state is handled right away.
func (r *Router) onSubscription(s radio.Subscription) {
	r.mu.Lock()
	cancel, has := r.listeners[s.ID]
	added := false
	switch {
	case s.Active && !has:
		r.listeners[s.ID] = r.d.Radio.ListenServiceState(s.ID, r.onServiceState)
		added = true
	case !s.Active && has:
		cancel()
		delete(r.listeners, s.ID)
		delete(r.lastState, s.ID)
	}
	r.mu.Unlock()

	if added {
		r.log.Debug("registered for service state updates", logx.Int("sub", s.ID))
		if s.Service != radio.ServiceUnknown {
			r.onServiceState(s.ID, s.Service)
		}
	}
}

// onServiceState acts only on an actual state change into a reachable state.
func (r *Router) onServiceState(sub int, state radio.ServiceState) {
	r.mu.Lock()
	prev, seen := r.lastState[sub]
	changed := !seen || prev != state
	r.lastState[sub] = state
	r.mu.Unlock()

	if !changed {
		return
	}
	r.log.Debug("service state changed", logx.Int("sub", sub), logx.String("state", string(state)))
	if state.Reachable() {
		ctx, cancel := context.WithTimeout(context.Background(), configRequestTimeout*2)
		defer cancel()
		r.configureAll(ctx)
	}
}

// configureAll requests channel configuration for every eligible subscription.
// The subscription list is read from the radio on every call.
func (r *Router) configureAll(ctx context.Context) {
	if r.d.Radio == nil {
		return
	}
	for _, sub := range r.d.Radio.ActiveSubscriptions() {
		r.configure(ctx, sub)
	}
}

func (r *Router) configure(ctx context.Context, sub int) {
	if sim := r.d.Radio.SIMState(sub); !sim.Eligible() {
		r.log.Debug("skipping channel config; sim not eligible", logx.Int("sub", sub), logx.String("sim", string(sim)))
		return
	}
	family := FamilyGSM
	pt, err := r.d.Radio.PhoneType(sub)
	switch {
	case err != nil:
		r.log.Warn("phone type lookup failed; assuming gsm", logx.Int("sub", sub), logx.Err(err))
	case pt == radio.PhoneCDMA:
		family = FamilyCDMA
	}
	if r.d.Config == nil {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, configRequestTimeout)
	defer cancel()
	if err := r.d.Config.RequestChannelConfig(cctx, sub, family); err != nil {
		r.log.Warn("channel config request failed", logx.Int("sub", sub), logx.String("family", string(family)), logx.Err(err))
		return
	}
	r.log.Debug("channel config requested", logx.Int("sub", sub), logx.String("family", string(family)))
}

// Close removes the service state and subscription listeners.
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subCancel != nil {
		r.subCancel()
		r.subCancel = nil
	}
	for sub, cancel := range r.listeners {
		cancel()
		delete(r.listeners, sub)
	}
}
