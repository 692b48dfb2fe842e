package config

import (
	"reflect"
	"sort"
	"strings"

	logx "cbalert/pkg/logx"
)

// HotReloadable lists the sections applied without a restart.
var HotReloadable = map[string]bool{"logging": true}

// SummarizeConfigChange returns the changed section names (sorted) and safe
// structured attrs for logging. Secrets are reported only as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.remote_enabled", newCfg.Logging.Remote.Enabled),
		)
	}

	oldS, newS := oldCfg.Store, newCfg.Store
	if strings.TrimSpace(oldS.Driver) != strings.TrimSpace(newS.Driver) ||
		strings.TrimSpace(oldS.Path) != strings.TrimSpace(newS.Path) ||
		strings.TrimSpace(oldS.BusyTimeout) != strings.TrimSpace(newS.BusyTimeout) ||
		oldS.DupDetectionEnabled() != newS.DupDetectionEnabled() {
		changed = append(changed, "store")
		attrs = append(attrs,
			logx.String("store.driver", strings.TrimSpace(newS.Driver)),
			logx.Bool("store.dup_detection", newS.DupDetectionEnabled()),
		)
	}

	if oldCfg.Runner != newCfg.Runner {
		changed = append(changed, "runner")
		attrs = append(attrs,
			logx.Int("runner.workers", newCfg.Runner.Workers),
			logx.Int("runner.queue_size", newCfg.Runner.QueueSize),
		)
	}

	if oldCfg.Preferences != newCfg.Preferences {
		changed = append(changed, "preferences")
		attrs = append(attrs, logx.String("preferences.driver", newCfg.Preferences.Driver))
	}

	ob, nb := oldCfg.Bus, newCfg.Bus
	if ob.Enabled != nb.Enabled || ob.Broker != nb.Broker || ob.ClientID != nb.ClientID ||
		ob.Username != nb.Username || ob.TopicPrefix != nb.TopicPrefix || ob.QoS != nb.QoS ||
		ob.ConnectTimeout != nb.ConnectTimeout || (ob.Password != "") != (nb.Password != "") {
		changed = append(changed, "bus")
		attrs = append(attrs,
			logx.Bool("bus.enabled", nb.Enabled),
			logx.String("bus.broker", nb.Broker),
			logx.String("bus.topic_prefix", nb.TopicPrefix),
			logx.Bool("bus.password_set", nb.Password != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.listen", newCfg.HTTP.Listen),
		)
	}

	if !reflect.DeepEqual(oldCfg.Radio, newCfg.Radio) {
		changed = append(changed, "radio")
		attrs = append(attrs, logx.Int("radio.subscriptions", len(newCfg.Radio.Subscriptions)))
	}

	if oldCfg.AreaInfo != newCfg.AreaInfo {
		changed = append(changed, "area_info")
	}

	if oldCfg.EffectiveDiagnostics() != newCfg.EffectiveDiagnostics() {
		d := newCfg.EffectiveDiagnostics()
		changed = append(changed, "diagnostics")
		attrs = append(attrs,
			logx.Bool("diagnostics.enabled", d.Enabled),
			logx.String("diagnostics.schedule", d.Schedule),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections to those a reload cannot apply.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if !HotReloadable[s] {
			out = append(out, s)
		}
	}
	return out
}
