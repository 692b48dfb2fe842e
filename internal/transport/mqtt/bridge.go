// Package mqtt bridges the service to an MQTT broker.
//
// Inbound, it subscribes to the trusted and untrusted event topics and the
// radio state topic. Privilege is a property of the topic an event arrived
// on. Outbound, it implements the channel configuration, area info relay,
// display and remote log collaborators by publishing under the topic prefix.
package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"cbalert/internal/alert"
	"cbalert/internal/eventbus"
	"cbalert/internal/radio"
	"cbalert/internal/router"
	rtsup "cbalert/internal/runtime/supervisor"
	logx "cbalert/pkg/logx"
)

// Config configures the bridge.
type Config struct {
	Enabled        bool
	Broker         string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	ConnectTimeout time.Duration
}

// Topic suffixes under Config.TopicPrefix.
const (
	TopicEventsTrusted   = "events/trusted"
	TopicEventsUntrusted = "events/untrusted"
	TopicRadio           = "radio"
	TopicChanged         = "changed"
	TopicConfigRequest   = "config/request"
	TopicAreaInfo        = "area_info"
	TopicDisplay         = "display"
	TopicLogs            = "logs"
)

// Dispatcher receives decoded events.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev router.Event, privileged bool) error
}

// RadioSink receives radio state reports.
type RadioSink interface {
	Update(s radio.Subscription)
}

type Bridge struct {
	cfg  Config
	conn Conn
	log  logx.Logger
	bus  eventbus.Bus

	dispatch Dispatcher
	radio    RadioSink

	validate *validator.Validate
}

func NewBridge(cfg Config, conn Conn, log logx.Logger, bus eventbus.Bus) *Bridge {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg.TopicPrefix = strings.TrimSuffix(strings.TrimSpace(cfg.TopicPrefix), "/")
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "cbalert"
	}
	return &Bridge{cfg: cfg, conn: conn, log: log, bus: bus, validate: validator.New()}
}

func (b *Bridge) topic(suffix string) string { return b.cfg.TopicPrefix + "/" + suffix }

// Start subscribes the inbound topics and mirrors bus signals to the broker
// under sup. The dispatcher and radio sink are set here because they are
// built after the bridge.
func (b *Bridge) Start(sup *rtsup.Supervisor, d Dispatcher, rs RadioSink) error {
	b.dispatch, b.radio = d, rs

	if err := b.conn.Subscribe(b.topic(TopicEventsTrusted), b.cfg.QoS, func(_ string, p []byte) {
		b.onEvent(sup.Context(), p, true)
	}); err != nil {
		return err
	}
	if err := b.conn.Subscribe(b.topic(TopicEventsUntrusted), b.cfg.QoS, func(_ string, p []byte) {
		b.onEvent(sup.Context(), p, false)
	}); err != nil {
		return err
	}
	if err := b.conn.Subscribe(b.topic(TopicRadio), b.cfg.QoS, func(_ string, p []byte) {
		b.onRadio(p)
	}); err != nil {
		return err
	}

	if b.bus != nil {
		ch, unsub := b.bus.Subscribe(16, eventbus.TypeAlertsChanged)
		sup.Go0("mqtt.changed", func(ctx context.Context) {
			defer unsub()
			b.mirrorChanged(ctx, ch)
		})
	}
	b.log.Info("mqtt bridge started", logx.String("prefix", b.cfg.TopicPrefix))
	return nil
}

func (b *Bridge) onEvent(ctx context.Context, payload []byte, privileged bool) {
	var ev router.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		b.log.Warn("dropping malformed event", logx.Err(err), logx.Bool("trusted", privileged))
		return
	}
	if b.dispatch == nil {
		return
	}
	if err := b.dispatch.Dispatch(ctx, ev, privileged); err != nil {
		b.log.Debug("event not handled", logx.String("type", string(ev.Type)), logx.Err(err))
	}
}

func (b *Bridge) onRadio(payload []byte) {
	var s radio.Subscription
	if err := json.Unmarshal(payload, &s); err != nil {
		b.log.Warn("dropping malformed radio report", logx.Err(err))
		return
	}
	if err := b.validate.Struct(s); err != nil {
		b.log.Warn("dropping invalid radio report", logx.Err(err))
		return
	}
	if b.radio != nil {
		b.radio.Update(s)
	}
}

type changedMsg struct {
	Time time.Time `json:"time"`
}

func (b *Bridge) mirrorChanged(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if err := b.publishJSON(ctx, TopicChanged, false, changedMsg{Time: e.Time}); err != nil {
				b.log.Warn("change mirror failed", logx.Err(err))
			}
		}
	}
}

func (b *Bridge) publishJSON(ctx context.Context, suffix string, retained bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.conn.Publish(ctx, b.topic(suffix), b.cfg.QoS, retained, payload)
}

type configRequest struct {
	Subscription int           `json:"subscription"`
	Family       router.Family `json:"family"`
	Time         time.Time     `json:"time"`
}

// RequestChannelConfig implements router.ChannelConfigurator.
func (b *Bridge) RequestChannelConfig(ctx context.Context, sub int, family router.Family) error {
	return b.publishJSON(ctx, TopicConfigRequest, false, configRequest{Subscription: sub, Family: family, Time: time.Now()})
}

type areaInfoMsg struct {
	Credential string       `json:"credential"`
	Alert      alert.Record `json:"alert"`
}

// RelayAreaInfo implements router.AreaInfoRelay. The message is retained so
// late subscribers holding the credential still see the latest value.
func (b *Bridge) RelayAreaInfo(ctx context.Context, rec alert.Record, credential string) error {
	return b.publishJSON(ctx, TopicAreaInfo, true, areaInfoMsg{Credential: credential, Alert: rec})
}

// Show implements intake.Display.
func (b *Bridge) Show(ctx context.Context, rec alert.Record) error {
	return b.publishJSON(ctx, TopicDisplay, false, rec)
}

// SendLog implements logx.Sender. Log lines are sent at QoS 0.
func (b *Bridge) SendLog(ctx context.Context, line []byte) error {
	return b.conn.Publish(ctx, b.topic(TopicLogs), 0, false, line)
}

func (b *Bridge) Close() {
	if b.conn != nil {
		b.conn.Close()
	}
}
