package app

import (
	"strings"
	"time"

	"cbalert/internal/config"
	"cbalert/internal/httpapi"
	"cbalert/internal/prefs"
	"cbalert/internal/radio"
	"cbalert/internal/storage"
	"cbalert/internal/task/runner"
	"cbalert/internal/transport/mqtt"
	logx "cbalert/pkg/logx"
)

func mapLogging(c config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Remote: logx.RemoteConfig{
			Enabled:    c.Remote.Enabled,
			MinLevel:   c.Remote.MinLevel,
			RatePerSec: c.Remote.RatePerSec,
		},
	}
}

func mapStore(c config.StoreConfig) storage.Config {
	return storage.Config{
		Driver:       c.Driver,
		Path:         c.Path,
		BusyTimeout:  config.DurationOr(c.BusyTimeout, 0),
		DupDetection: c.DupDetectionEnabled(),
	}
}

func mapRunner(c config.RunnerConfig) runner.Config {
	return runner.Config{
		Workers:     c.Workers,
		QueueSize:   c.QueueSize,
		Timeout:     config.DurationOr(c.Timeout, 0),
		HistorySize: c.HistorySize,
	}
}

func mapPrefs(c config.PreferencesConfig) prefs.Config {
	return prefs.Config{Driver: c.Driver, Path: c.Path}
}

// mapBus applies the password override, which wins over the file value.
func mapBus(c config.BusConfig, passwordOverride string) mqtt.Config {
	pw := c.Password
	if strings.TrimSpace(passwordOverride) != "" {
		pw = passwordOverride
	}
	clientID := strings.TrimSpace(c.ClientID)
	if clientID == "" {
		clientID = "cbalertd"
	}
	return mqtt.Config{
		Enabled:        c.Enabled,
		Broker:         c.Broker,
		ClientID:       clientID,
		Username:       c.Username,
		Password:       pw,
		TopicPrefix:    c.TopicPrefix,
		QoS:            byte(c.QoS),
		ConnectTimeout: config.DurationOr(c.ConnectTimeout, 10*time.Second),
	}
}

func mapHTTP(c config.HTTPConfig) httpapi.Config {
	return httpapi.Config{
		Enabled:        c.Enabled,
		Listen:         c.Listen,
		AllowedOrigins: c.AllowedOrigins,
		RatePerSec:     c.RatePerSec,
		Burst:          c.Burst,
		Pprof:          c.Pprof,
	}
}

func mapSubscriptions(c config.RadioConfig) []radio.Subscription {
	out := make([]radio.Subscription, 0, len(c.Subscriptions))
	for _, s := range c.Subscriptions {
		out = append(out, radio.Subscription{
			ID:      s.ID,
			Slot:    s.Slot,
			Active:  s.Active,
			SIM:     radio.SIMState(s.SIMState),
			Phone:   radio.PhoneType(s.PhoneType),
			Service: radio.ServiceState(s.ServiceState),
		})
	}
	return out
}
