package router

import (
	"context"
	"errors"

	"cbalert/internal/alert"
	"cbalert/internal/radio"
	"cbalert/internal/storage"
)

var (
	// ErrUntrusted is returned when a privileged event arrives on an unprivileged path.
	ErrUntrusted      = errors.New("router: privileged event from untrusted source")
	ErrUnknownEvent   = errors.New("router: unknown event type")
	ErrMissingPayload = errors.New("router: event payload missing")
)

type EventType string

const (
	EventBootCompleted           EventType = "boot_completed"
	EventAirplaneModeChanged     EventType = "airplane_mode_changed"
	EventAlertDelivered          EventType = "alert_delivered"
	EventEmergencyAlertDelivered EventType = "emergency_alert_delivered"
	EventCategoryProgram         EventType = "category_program"
	EventGetLatestAreaInfo       EventType = "get_latest_area_info"
	EventDeleteBroadcast         EventType = "delete_broadcast"
	EventDeleteAllBroadcasts     EventType = "delete_all_broadcasts"
	EventMarkBroadcastRead       EventType = "mark_broadcast_read"
)

// requiresPrivilege lists events that may only arrive on the trusted path.
var requiresPrivilege = map[EventType]bool{
	EventAlertDelivered:          true,
	EventEmergencyAlertDelivered: true,
	EventCategoryProgram:         true,
	EventGetLatestAreaInfo:       true,
	EventDeleteBroadcast:         true,
	EventDeleteAllBroadcasts:     true,
	EventMarkBroadcastRead:       true,
}

// Event is the inbound envelope. Only the fields relevant to Type are read.
type Event struct {
	Type EventType `json:"type"`

	// AirplaneMode is the new airplane mode state for airplane_mode_changed.
	AirplaneMode bool `json:"state,omitempty"`

	Alert *alert.Record `json:"alert,omitempty"`

	// Subscription and Program carry a category_program command.
	Subscription int           `json:"subscription,omitempty"`
	Program      []ProgramData `json:"program_data,omitempty"`

	// RowID names the stored alert for delete_broadcast. Selector ("id" or
	// "delivery_time") and Value pick the rows for mark_broadcast_read.
	RowID           int64  `json:"row_id,omitempty"`
	Selector        string `json:"selector,omitempty"`
	Value           int64  `json:"value,omitempty"`
	DecrementUnread bool   `json:"decrement_unread,omitempty"`
}

// selector maps the wire name to the store column. Empty means by id.
func (e Event) selector() (storage.Selector, bool) {
	switch e.Selector {
	case "", "id":
		return storage.SelectByID, true
	case "delivery_time":
		return storage.SelectByDeliveryTime, true
	}
	return "", false
}

// Operation is a carrier service category program operation.
type Operation int

const (
	OpDeleteCategory Operation = 0
	OpAddCategory    Operation = 1
	OpClearAll       Operation = 2
)

func (o Operation) String() string {
	switch o {
	case OpDeleteCategory:
		return "delete"
	case OpAddCategory:
		return "add"
	case OpClearAll:
		return "clear"
	default:
		return "unknown"
	}
}

type ProgramData struct {
	Operation Operation `json:"operation"`
	Category  int       `json:"category"`
}

// Family selects which channel set the configuration service enables.
type Family string

const (
	FamilyGSM  Family = "gsm"
	FamilyCDMA Family = "cdma"
)

// Radio answers subscription and SIM questions. It is read at call time.
type Radio interface {
	ActiveSubscriptions() []int
	SIMState(sub int) radio.SIMState
	PhoneType(sub int) (radio.PhoneType, error)
	ListenServiceState(sub int, fn radio.ServiceListener) (cancel func())
	ListenSubscriptions(fn radio.SubscriptionListener) (cancel func())
}

// ChannelConfigurator asks the channel configuration service to enable the
// broadcast channels of one subscription.
type ChannelConfigurator interface {
	RequestChannelConfig(ctx context.Context, sub int, family Family) error
}

type Intake interface {
	Intake(ctx context.Context, rec alert.Record) error
}

// Broadcasts queues mutations of stored alerts on the runner.
type Broadcasts interface {
	DeleteBroadcast(ctx context.Context, id int64, decrementUnread bool) error
	DeleteAllBroadcasts(ctx context.Context) error
	MarkBroadcastRead(ctx context.Context, sel storage.Selector, value int64, decrementUnread bool) error
}

type Preferences interface {
	Set(key string, sub int, value bool) error
}

type AreaInfoSource interface {
	LatestAreaInfo() (alert.Record, bool)
}

// AreaInfoRelay delivers the cached area info to receivers holding credential.
type AreaInfoRelay interface {
	RelayAreaInfo(ctx context.Context, rec alert.Record, credential string) error
}
