package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cbalert/internal/alert"
	"cbalert/internal/eventbus"
	"cbalert/internal/radio"
	"cbalert/internal/router"
	rtsup "cbalert/internal/runtime/supervisor"
	logx "cbalert/pkg/logx"
)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeConn struct {
	mu       sync.Mutex
	handlers map[string]func(string, []byte)
	out      []published
	sent     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string]func(string, []byte){}, sent: make(chan struct{}, 16)}
}

func (f *fakeConn) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	f.out = append(f.out, published{topic: topic, retained: retained, payload: payload})
	f.mu.Unlock()
	select {
	case f.sent <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeConn) Subscribe(topic string, qos byte, h func(string, []byte)) error {
	f.mu.Lock()
	f.handlers[topic] = h
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) Close() {}

func (f *fakeConn) deliver(topic string, payload string) {
	f.mu.Lock()
	h := f.handlers[topic]
	f.mu.Unlock()
	h(topic, []byte(payload))
}

func (f *fakeConn) last() published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out[len(f.out)-1]
}

type call struct {
	ev         router.Event
	privileged bool
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []call
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ev router.Event, privileged bool) error {
	d.mu.Lock()
	d.calls = append(d.calls, call{ev, privileged})
	d.mu.Unlock()
	return nil
}

func start(t *testing.T, bus eventbus.Bus) (*Bridge, *fakeConn, *recordingDispatcher, *radio.Registry) {
	t.Helper()
	conn := newFakeConn()
	b := NewBridge(Config{TopicPrefix: "cb/"}, conn, logx.Nop(), bus)
	sup := rtsup.NewSupervisor(context.Background())
	t.Cleanup(func() { _ = sup.Stop(context.Background()) })
	d := &recordingDispatcher{}
	reg := radio.NewRegistry(logx.Nop())
	require.NoError(t, b.Start(sup, d, reg))
	return b, conn, d, reg
}

func TestPrivilegeComesFromTopic(t *testing.T) {
	_, conn, d, _ := start(t, nil)

	payload := `{"type":"alert_delivered","alert":{"serial_number":100,"plmn":"310260","body":"TEST"}}`
	conn.deliver("cb/events/untrusted", payload)
	conn.deliver("cb/events/trusted", payload)
	conn.deliver("cb/events/trusted", `{not json`)

	require.Len(t, d.calls, 2)
	assert.False(t, d.calls[0].privileged)
	assert.True(t, d.calls[1].privileged)
	assert.Equal(t, router.EventAlertDelivered, d.calls[1].ev.Type)
	require.NotNil(t, d.calls[1].ev.Alert)
	assert.Equal(t, 100, d.calls[1].ev.Alert.SerialNumber)
}

func TestRadioReportsUpdateRegistry(t *testing.T) {
	_, conn, _, reg := start(t, nil)

	conn.deliver("cb/radio", `{"subscription":1,"active":true,"sim_state":"ready","phone_type":"cdma","service_state":"in_service"}`)
	conn.deliver("cb/radio", `{"subscription":-1,"active":true}`)

	assert.Equal(t, []int{1}, reg.ActiveSubscriptions())
	pt, err := reg.PhoneType(1)
	require.NoError(t, err)
	assert.Equal(t, radio.PhoneCDMA, pt)
}

func TestOutboundCollaborators(t *testing.T) {
	b, conn, _, _ := start(t, nil)
	ctx := context.Background()

	require.NoError(t, b.RequestChannelConfig(ctx, 1, router.FamilyCDMA))
	out := conn.last()
	assert.Equal(t, "cb/config/request", out.topic)
	var req configRequest
	require.NoError(t, json.Unmarshal(out.payload, &req))
	assert.Equal(t, 1, req.Subscription)
	assert.Equal(t, router.FamilyCDMA, req.Family)

	require.NoError(t, b.RelayAreaInfo(ctx, alert.Record{Body: "Zone 4"}, "read_phone_state"))
	out = conn.last()
	assert.Equal(t, "cb/area_info", out.topic)
	assert.True(t, out.retained)
	var ai areaInfoMsg
	require.NoError(t, json.Unmarshal(out.payload, &ai))
	assert.Equal(t, "read_phone_state", ai.Credential)
	assert.Equal(t, "Zone 4", ai.Alert.Body)

	require.NoError(t, b.Show(ctx, alert.Record{SerialNumber: 7}))
	assert.Equal(t, "cb/display", conn.last().topic)

	require.NoError(t, b.SendLog(ctx, []byte(`{"level":"warn"}`)))
	assert.Equal(t, "cb/logs", conn.last().topic)
}

func TestChangeSignalsAreMirrored(t *testing.T) {
	bus := eventbus.New()
	_, conn, _, _ := start(t, bus)

	bus.Publish(eventbus.Event{Type: eventbus.TypeAlertsChanged})
	select {
	case <-conn.sent:
	case <-time.After(time.Second):
		t.Fatal("change not mirrored")
	}
	assert.Equal(t, "cb/changed", conn.last().topic)
}
