package config

import (
	"reflect"
	"sort"
	"strings"

	logx "wacast/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and safe
// structured attrs for logging.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	// Logging
	if oldCfg.Logging.Level != newCfg.Logging.Level ||
		oldCfg.Logging.Console != newCfg.Logging.Console ||
		oldCfg.Logging.File.Enabled != newCfg.Logging.File.Enabled ||
		strings.TrimSpace(oldCfg.Logging.File.Path) != strings.TrimSpace(newCfg.Logging.File.Path) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logx.level", newCfg.Logging.Level),
			logx.Bool("logx.console", newCfg.Logging.Console),
			logx.Bool("logx.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	// Storage
	if strings.TrimSpace(oldCfg.Storage.Path) != strings.TrimSpace(newCfg.Storage.Path) ||
		strings.TrimSpace(oldCfg.Storage.BusyTimeout) != strings.TrimSpace(newCfg.Storage.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(newCfg.Storage.BusyTimeout)),
		)
	}

	// Transport
	if strings.TrimSpace(oldCfg.Transport.Driver) != strings.TrimSpace(newCfg.Transport.Driver) {
		changed = append(changed, "transport")
		attrs = append(attrs, logx.String("transport.driver", strings.TrimSpace(newCfg.Transport.Driver)))
	}

	// Broadcast pacing. Nil section means runtime defaults.
	oB := derefBroadcast(oldCfg.Broadcast)
	nB := derefBroadcast(newCfg.Broadcast)
	if !reflect.DeepEqual(oB, nB) {
		changed = append(changed, "broadcast")
		attrs = append(attrs,
			logx.String("broadcast.min_delay", strings.TrimSpace(nB.MinDelay)),
			logx.String("broadcast.max_delay", strings.TrimSpace(nB.MaxDelay)),
			logx.String("broadcast.error_delay", strings.TrimSpace(nB.ErrorDelay)),
			logx.Int("broadcast.rate_per_sec", nB.RatePerSec),
		)
	}

	// Group cache
	var oTTL, nTTL string
	if oldCfg.Groups != nil {
		oTTL = strings.TrimSpace(oldCfg.Groups.TTL)
	}
	if newCfg.Groups != nil {
		nTTL = strings.TrimSpace(newCfg.Groups.TTL)
	}
	if oTTL != nTTL {
		changed = append(changed, "groups")
		attrs = append(attrs, logx.String("groups.ttl", nTTL))
	}

	// Janitor
	oJ := derefJanitor(oldCfg.Janitor)
	nJ := derefJanitor(newCfg.Janitor)
	if !reflect.DeepEqual(oJ, nJ) {
		changed = append(changed, "janitor")
		attrs = append(attrs,
			logx.Bool("janitor.enabled", nJ.Enabled),
			logx.String("janitor.schedule", strings.TrimSpace(nJ.Schedule)),
			logx.String("janitor.broadcast_retention", strings.TrimSpace(nJ.BroadcastRetention)),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

func derefBroadcast(b *BroadcastConfig) BroadcastConfig {
	if b == nil {
		return BroadcastConfig{}
	}
	return *b
}

func derefJanitor(j *JanitorConfig) JanitorConfig {
	if j == nil {
		return JanitorConfig{}
	}
	return *j
}
