package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"cbalert/internal/alert"
	"cbalert/internal/prefs"
	"cbalert/internal/radio"
	"cbalert/internal/storage"
	logx "cbalert/pkg/logx"
)

type configMock struct{ mock.Mock }

func (m *configMock) RequestChannelConfig(ctx context.Context, sub int, family Family) error {
	return m.Called(sub, family).Error(0)
}

type intakeMock struct{ mock.Mock }

func (m *intakeMock) Intake(ctx context.Context, rec alert.Record) error {
	return m.Called(rec.SerialNumber).Error(0)
}

type prefsMock struct{ mock.Mock }

func (m *prefsMock) Set(key string, sub int, value bool) error {
	return m.Called(key, sub, value).Error(0)
}

type relayMock struct{ mock.Mock }

func (m *relayMock) RelayAreaInfo(ctx context.Context, rec alert.Record, credential string) error {
	return m.Called(rec.Body, credential).Error(0)
}

type areaInfo struct {
	rec alert.Record
	ok  bool
}

func (a areaInfo) LatestAreaInfo() (alert.Record, bool) { return a.rec, a.ok }

// radioMock is used where a lookup must fail.
type radioMock struct{ mock.Mock }

func (m *radioMock) ActiveSubscriptions() []int { return m.Called().Get(0).([]int) }
func (m *radioMock) SIMState(sub int) radio.SIMState {
	return m.Called(sub).Get(0).(radio.SIMState)
}
func (m *radioMock) PhoneType(sub int) (radio.PhoneType, error) {
	args := m.Called(sub)
	return args.Get(0).(radio.PhoneType), args.Error(1)
}
func (m *radioMock) ListenServiceState(sub int, fn radio.ServiceListener) func() {
	m.Called(sub)
	return func() {}
}
func (m *radioMock) ListenSubscriptions(fn radio.SubscriptionListener) func() {
	m.Called()
	return func() {}
}

type broadcastsMock struct{ mock.Mock }

func (m *broadcastsMock) DeleteBroadcast(ctx context.Context, id int64, decrementUnread bool) error {
	return m.Called(id, decrementUnread).Error(0)
}
func (m *broadcastsMock) DeleteAllBroadcasts(ctx context.Context) error {
	return m.Called().Error(0)
}
func (m *broadcastsMock) MarkBroadcastRead(ctx context.Context, sel storage.Selector, value int64, decrementUnread bool) error {
	return m.Called(sel, value, decrementUnread).Error(0)
}

func registry(subs ...radio.Subscription) *radio.Registry {
	r := radio.NewRegistry(logx.Nop())
	for _, s := range subs {
		r.Update(s)
	}
	return r
}

func TestPrivilegedEventsRequireTrustedPath(t *testing.T) {
	in := &intakeMock{}
	p := &prefsMock{}
	relay := &relayMock{}
	r := New(Deps{
		Intake:   in,
		Prefs:    p,
		Relay:    relay,
		AreaInfo: areaInfo{rec: alert.Record{Body: "Zone 4"}, ok: true},
	}, logx.Nop())
	ctx := context.Background()
	rec := &alert.Record{SerialNumber: 100}

	assert.ErrorIs(t, r.Dispatch(ctx, Event{Type: EventAlertDelivered, Alert: rec}, false), ErrUntrusted)
	assert.ErrorIs(t, r.Dispatch(ctx, Event{Type: EventEmergencyAlertDelivered, Alert: rec}, false), ErrUntrusted)
	assert.ErrorIs(t, r.Dispatch(ctx, Event{Type: EventCategoryProgram, Program: []ProgramData{{OpClearAll, 0}}}, false), ErrUntrusted)
	assert.ErrorIs(t, r.Dispatch(ctx, Event{Type: EventGetLatestAreaInfo}, false), ErrUntrusted)
	in.AssertNotCalled(t, "Intake", mock.Anything)
	p.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything)
	relay.AssertNotCalled(t, "RelayAreaInfo", mock.Anything, mock.Anything)

	in.On("Intake", 100).Return(nil).Once()
	require.NoError(t, r.Dispatch(ctx, Event{Type: EventAlertDelivered, Alert: rec}, true))
	in.AssertExpectations(t)

	relay.On("RelayAreaInfo", "Zone 4", "read_phone_state").Return(nil).Once()
	require.NoError(t, r.Dispatch(ctx, Event{Type: EventGetLatestAreaInfo}, true))
	relay.AssertExpectations(t)
}

func TestAlertEventWithoutPayload(t *testing.T) {
	r := New(Deps{Intake: &intakeMock{}}, logx.Nop())
	assert.ErrorIs(t, r.Dispatch(context.Background(), Event{Type: EventAlertDelivered}, true), ErrMissingPayload)
	assert.ErrorIs(t, r.Dispatch(context.Background(), Event{Type: EventCategoryProgram}, true), ErrMissingPayload)
}

func TestClearCategoriesTouchesExactlyFourKeys(t *testing.T) {
	store := prefs.NewMemory()
	require.NoError(t, store.Set("enable_emergency_alerts", 1, true))
	for _, k := range prefs.CMASKeys {
		require.NoError(t, store.Set(k, 1, true))
		require.NoError(t, store.Set(k, 0, true))
	}

	r := New(Deps{Prefs: store}, logx.Nop())
	require.NoError(t, r.Dispatch(context.Background(), Event{
		Type:         EventCategoryProgram,
		Subscription: 1,
		Program:      []ProgramData{{Operation: OpClearAll}},
	}, true))

	for _, k := range prefs.CMASKeys {
		v, ok := store.Get(k, 1)
		assert.True(t, ok)
		assert.False(t, v, k)
		v, _ = store.Get(k, 0)
		assert.True(t, v, "other subscription untouched: %s", k)
	}
	v, _ := store.Get("enable_emergency_alerts", 1)
	assert.True(t, v)
}

func TestCategoryProgramAddDeleteAndUnknown(t *testing.T) {
	p := &prefsMock{}
	p.On("Set", prefs.KeyAmber, 0, true).Return(nil).Once()
	p.On("Set", prefs.KeyExtremeThreat, 0, false).Return(nil).Once()

	r := New(Deps{Prefs: p}, logx.Nop())
	require.NoError(t, r.Dispatch(context.Background(), Event{
		Type: EventCategoryProgram,
		Program: []ProgramData{
			{Operation: OpAddCategory, Category: alert.CategoryCMASChildAbduction},
			{Operation: OpDeleteCategory, Category: alert.CategoryCMASExtremeThreat},
			{Operation: OpAddCategory, Category: 0x1005},
			{Operation: OpAddCategory, Category: alert.CategoryCMASPresidential},
			{Operation: Operation(7), Category: alert.CategoryCMASTest},
		},
	}, true))
	p.AssertExpectations(t)
	p.AssertNumberOfCalls(t, "Set", 2)
}

func TestAirplaneModeOffConfiguresEligibleSubscriptions(t *testing.T) {
	cfg := &configMock{}
	cfg.On("RequestChannelConfig", 0, FamilyGSM).Return(nil).Once()

	rad := registry(
		radio.Subscription{ID: 0, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneGSM},
		radio.Subscription{ID: 1, Active: true, SIM: radio.SIMAbsent, Phone: radio.PhoneGSM},
	)
	r := New(Deps{Radio: rad, Config: cfg}, logx.Nop())

	require.NoError(t, r.Dispatch(context.Background(), Event{Type: EventAirplaneModeChanged, AirplaneMode: true}, false))
	cfg.AssertNotCalled(t, "RequestChannelConfig", mock.Anything, mock.Anything)

	require.NoError(t, r.Dispatch(context.Background(), Event{Type: EventAirplaneModeChanged, AirplaneMode: false}, false))
	cfg.AssertExpectations(t)
	cfg.AssertNumberOfCalls(t, "RequestChannelConfig", 1)
}

func TestDualSIMUsesPerSubscriptionFamily(t *testing.T) {
	cfg := &configMock{}
	cfg.On("RequestChannelConfig", 0, FamilyGSM).Return(nil).Once()
	cfg.On("RequestChannelConfig", 1, FamilyCDMA).Return(nil).Once()

	rad := registry(
		radio.Subscription{ID: 0, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneGSM},
		radio.Subscription{ID: 1, Active: true, SIM: radio.SIMPINRequired, Phone: radio.PhoneCDMA},
	)
	r := New(Deps{Radio: rad, Config: cfg}, logx.Nop())
	require.NoError(t, r.Dispatch(context.Background(), Event{Type: EventAirplaneModeChanged}, false))
	cfg.AssertExpectations(t)

	// Subscriptions are re-read on every loop.
	rad.Update(radio.Subscription{ID: 2, Active: true, SIM: radio.SIMNetworkLocked, Phone: radio.PhoneGSM})
	cfg.On("RequestChannelConfig", 0, FamilyGSM).Return(nil).Once()
	cfg.On("RequestChannelConfig", 1, FamilyCDMA).Return(nil).Once()
	cfg.On("RequestChannelConfig", 2, FamilyGSM).Return(nil).Once()
	require.NoError(t, r.Dispatch(context.Background(), Event{Type: EventAirplaneModeChanged}, false))
	cfg.AssertNumberOfCalls(t, "RequestChannelConfig", 5)
}

func TestPhoneTypeFailureFallsBackToGSM(t *testing.T) {
	rad := &radioMock{}
	rad.On("ActiveSubscriptions").Return([]int{0})
	rad.On("SIMState", 0).Return(radio.SIMReady)
	rad.On("PhoneType", 0).Return(radio.PhoneNone, errors.New("radio down"))

	cfg := &configMock{}
	cfg.On("RequestChannelConfig", 0, FamilyGSM).Return(nil).Once()

	r := New(Deps{Radio: rad, Config: cfg}, logx.Nop())
	require.NoError(t, r.Dispatch(context.Background(), Event{Type: EventAirplaneModeChanged}, false))
	cfg.AssertExpectations(t)
}

func TestServiceStateChangesTriggerConfiguration(t *testing.T) {
	cfg := &configMock{}
	cfg.On("RequestChannelConfig", 0, FamilyGSM).Return(nil)
	cfg.On("RequestChannelConfig", 1, FamilyGSM).Return(nil)

	rad := registry(
		radio.Subscription{ID: 0, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneGSM},
		radio.Subscription{ID: 1, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneGSM},
	)
	r := New(Deps{Radio: rad, Config: cfg}, logx.Nop())
	defer r.Close()
	require.NoError(t, r.Dispatch(context.Background(), Event{Type: EventBootCompleted}, false))
	// A second boot event must not double the listeners.
	require.NoError(t, r.Dispatch(context.Background(), Event{Type: EventBootCompleted}, false))

	rad.Update(radio.Subscription{ID: 0, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneGSM, Service: radio.ServiceOutOfService})
	cfg.AssertNumberOfCalls(t, "RequestChannelConfig", 0)

	rad.Update(radio.Subscription{ID: 0, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneGSM, Service: radio.ServiceInService})
	cfg.AssertNumberOfCalls(t, "RequestChannelConfig", 2)

	// Same state again: no action.
	rad.Update(radio.Subscription{ID: 0, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneGSM, Service: radio.ServiceInService})
	cfg.AssertNumberOfCalls(t, "RequestChannelConfig", 2)

	rad.Update(radio.Subscription{ID: 0, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneGSM, Service: radio.ServiceEmergency})
	cfg.AssertNumberOfCalls(t, "RequestChannelConfig", 4)

	r.Close()
	rad.Update(radio.Subscription{ID: 0, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneGSM, Service: radio.ServiceInService})
	cfg.AssertNumberOfCalls(t, "RequestChannelConfig", 4)
}

func TestUnknownEventIsIgnored(t *testing.T) {
	r := New(Deps{}, logx.Nop())
	assert.ErrorIs(t, r.Dispatch(context.Background(), Event{Type: "reboot"}, true), ErrUnknownEvent)
}

func TestBroadcastMutationsRequireTrustedPath(t *testing.T) {
	b := &broadcastsMock{}
	r := New(Deps{Broadcasts: b}, logx.Nop())
	ctx := context.Background()

	for _, ev := range []Event{
		{Type: EventDeleteBroadcast, RowID: 4},
		{Type: EventDeleteAllBroadcasts},
		{Type: EventMarkBroadcastRead, Value: 4},
	} {
		assert.ErrorIs(t, r.Dispatch(ctx, ev, false), ErrUntrusted, string(ev.Type))
	}
	b.AssertNotCalled(t, "DeleteBroadcast", mock.Anything, mock.Anything)
	b.AssertNotCalled(t, "DeleteAllBroadcasts")
	b.AssertNotCalled(t, "MarkBroadcastRead", mock.Anything, mock.Anything, mock.Anything)

	b.On("DeleteBroadcast", int64(4), true).Return(nil).Once()
	b.On("DeleteAllBroadcasts").Return(nil).Once()
	b.On("MarkBroadcastRead", storage.SelectByID, int64(4), true).Return(nil).Once()
	b.On("MarkBroadcastRead", storage.SelectByDeliveryTime, int64(1700000000000), false).Return(nil).Once()

	require.NoError(t, r.Dispatch(ctx, Event{Type: EventDeleteBroadcast, RowID: 4, DecrementUnread: true}, true))
	require.NoError(t, r.Dispatch(ctx, Event{Type: EventDeleteAllBroadcasts}, true))
	require.NoError(t, r.Dispatch(ctx, Event{Type: EventMarkBroadcastRead, Value: 4, DecrementUnread: true}, true))
	require.NoError(t, r.Dispatch(ctx, Event{Type: EventMarkBroadcastRead, Selector: "delivery_time", Value: 1700000000000}, true))
	b.AssertExpectations(t)

	assert.ErrorIs(t, r.Dispatch(ctx, Event{Type: EventDeleteBroadcast}, true), ErrMissingPayload)
	assert.ErrorIs(t, r.Dispatch(ctx, Event{Type: EventMarkBroadcastRead, Selector: "body", Value: 1}, true), storage.ErrUnknownSelector)
	b.AssertNumberOfCalls(t, "DeleteBroadcast", 1)
	b.AssertNumberOfCalls(t, "MarkBroadcastRead", 2)
}

func TestNoActiveSubscriptions(t *testing.T) {
	cfg := &configMock{}
	r := New(Deps{Radio: registry(), Config: cfg}, logx.Nop())
	defer r.Close()

	require.NoError(t, r.Dispatch(context.Background(), Event{Type: EventBootCompleted}, false))
	require.NoError(t, r.Dispatch(context.Background(), Event{Type: EventAirplaneModeChanged}, false))
	cfg.AssertNotCalled(t, "RequestChannelConfig", mock.Anything, mock.Anything)

	rad := registry(radio.Subscription{ID: 0, Active: false, SIM: radio.SIMReady, Phone: radio.PhoneGSM})
	r2 := New(Deps{Radio: rad, Config: cfg}, logx.Nop())
	defer r2.Close()
	require.NoError(t, r2.Dispatch(context.Background(), Event{Type: EventAirplaneModeChanged}, false))
	cfg.AssertNotCalled(t, "RequestChannelConfig", mock.Anything, mock.Anything)
}

func TestSubscriptionActivatedAfterBootGetsListener(t *testing.T) {
	cfg := &configMock{}
	cfg.On("RequestChannelConfig", 1, FamilyCDMA).Return(nil)

	rad := registry()
	r := New(Deps{Radio: rad, Config: cfg}, logx.Nop())
	defer r.Close()
	require.NoError(t, r.Dispatch(context.Background(), Event{Type: EventBootCompleted}, false))

	// Inactive report: nothing to listen to yet.
	rad.Update(radio.Subscription{ID: 1, Active: false, SIM: radio.SIMReady, Phone: radio.PhoneCDMA, Service: radio.ServiceInService})
	cfg.AssertNotCalled(t, "RequestChannelConfig", mock.Anything, mock.Anything)

	// Becomes active already in service: configured once.
	rad.Update(radio.Subscription{ID: 1, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneCDMA, Service: radio.ServiceInService})
	cfg.AssertNumberOfCalls(t, "RequestChannelConfig", 1)

	// Later transitions reach the new listener.
	rad.Update(radio.Subscription{ID: 1, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneCDMA, Service: radio.ServiceOutOfService})
	rad.Update(radio.Subscription{ID: 1, Active: true, SIM: radio.SIMReady, Phone: radio.PhoneCDMA, Service: radio.ServiceEmergency})
	cfg.AssertNumberOfCalls(t, "RequestChannelConfig", 2)

	// Deactivated: listener removed.
	rad.Update(radio.Subscription{ID: 1, Active: false, SIM: radio.SIMReady, Phone: radio.PhoneCDMA, Service: radio.ServiceOutOfService})
	rad.Update(radio.Subscription{ID: 1, Active: false, SIM: radio.SIMReady, Phone: radio.PhoneCDMA, Service: radio.ServiceInService})
	cfg.AssertNumberOfCalls(t, "RequestChannelConfig", 2)
}
