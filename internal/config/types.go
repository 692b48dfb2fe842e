package config

// Config is the on-disk service configuration (JSON, or YAML by extension).
//
// Only the logging section is applied on reload. Every other section is read
// once at startup; a changed value is logged as needing a restart.
type Config struct {
	Logging     LoggingConfig      `json:"logging"`
	Store       StoreConfig        `json:"store"`
	Runner      RunnerConfig       `json:"runner"`
	Preferences PreferencesConfig  `json:"preferences"`
	Bus         BusConfig          `json:"bus"`
	HTTP        HTTPConfig         `json:"http"`
	Radio       RadioConfig        `json:"radio"`
	AreaInfo    AreaInfoConfig     `json:"area_info"`
	Diagnostics *DiagnosticsConfig `json:"diagnostics,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Remote  LoggingRemote `json:"remote"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// LoggingRemote mirrors log lines to the bus logs topic.
type LoggingRemote struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level" validate:"omitempty,oneof=trace debug info warn warning error"`
	RatePerSec int    `json:"rate_per_sec" validate:"gte=0"`
}

// StoreConfig controls the alert table.
//
// Example:
//
//	"store": { "driver": "sqlite", "path": "./data/alerts.db", "dup_detection": true }
//
// DupDetection is a pointer so an omitted key means enabled.
type StoreConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=memory sqlite sqlite3"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	DupDetection *bool  `json:"dup_detection,omitempty"`
}

// DupDetectionEnabled reports the effective dedup toggle.
func (s StoreConfig) DupDetectionEnabled() bool {
	return s.DupDetection == nil || *s.DupDetection
}

// RunnerConfig controls the background mutation runner.
//
// Defaults (when fields are omitted/zero):
//   - workers: 2
//   - queue_size: 256
//   - timeout: "0s" (disabled)
//   - history_size: 200
type RunnerConfig struct {
	Workers     int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize   int    `json:"queue_size,omitempty" validate:"gte=0"`
	Timeout     string `json:"timeout,omitempty"`
	HistorySize int    `json:"history_size,omitempty" validate:"gte=0"`
}

type PreferencesConfig struct {
	Driver string `json:"driver" validate:"omitempty,oneof=memory file"`
	Path   string `json:"path"`
}

// BusConfig is the MQTT broker connection. The password may also come from
// the CBALERT_MQTT_PASSWORD environment variable.
type BusConfig struct {
	Enabled        bool   `json:"enabled"`
	Broker         string `json:"broker" validate:"required_if=Enabled true"`
	ClientID       string `json:"client_id"`
	Username       string `json:"username,omitempty"`
	Password       string `json:"password,omitempty"`
	TopicPrefix    string `json:"topic_prefix,omitempty"`
	QoS            int    `json:"qos" validate:"gte=0,lte=2"`
	ConnectTimeout string `json:"connect_timeout,omitempty"`
}

type HTTPConfig struct {
	Enabled        bool     `json:"enabled"`
	Listen         string   `json:"listen"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	RatePerSec     float64  `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst          int      `json:"burst,omitempty" validate:"gte=0"`
	Pprof          bool     `json:"pprof,omitempty"`
}

// RadioConfig seeds the subscription registry before any radio report arrives.
type RadioConfig struct {
	Subscriptions []RadioSubscription `json:"subscriptions,omitempty" validate:"dive"`
}

type RadioSubscription struct {
	ID           int    `json:"id" validate:"gte=0"`
	Slot         int    `json:"slot" validate:"gte=0"`
	Active       bool   `json:"active"`
	SIMState     string `json:"sim_state,omitempty"`
	PhoneType    string `json:"phone_type,omitempty" validate:"omitempty,oneof=none gsm cdma"`
	ServiceState string `json:"service_state,omitempty"`
}

type AreaInfoConfig struct {
	// Credential receivers of relayed area info must hold.
	Credential string `json:"credential,omitempty"`
}

// DiagnosticsConfig schedules the periodic store health report.
// If the section is omitted the report runs every 5 minutes.
type DiagnosticsConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule"`
	Timezone string `json:"timezone,omitempty"`
}
