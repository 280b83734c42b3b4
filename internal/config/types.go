package config

type Config struct {
	Logging   LoggingConfig    `json:"logging"`
	Storage   StorageConfig    `json:"storage"`
	Transport TransportConfig  `json:"transport"`
	Broadcast *BroadcastConfig `json:"broadcast,omitempty"`
	Groups    *GroupsConfig    `json:"groups,omitempty"`
	Janitor   *JanitorConfig   `json:"janitor,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "path": "./wacast.db" }
type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// TransportConfig selects the wire driver.
//
// "local" is an in-process loopback intended for development and tests.
type TransportConfig struct {
	Driver string `json:"driver"`
}

// BroadcastConfig tunes bulk send pacing.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// If the whole section is omitted, runtime defaults apply.
type BroadcastConfig struct {
	MinDelay   string `json:"min_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	ErrorDelay string `json:"error_delay,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// GroupsConfig controls the group metadata cache.
type GroupsConfig struct {
	// TTL is a Go duration string. Use "0s" to keep the runtime default.
	TTL string `json:"ttl,omitempty"`
}

// JanitorConfig controls scheduled maintenance.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron spec, seconds field optional
	// BroadcastRetention is a Go duration string; broadcast rows older than
	// this are pruned.
	BroadcastRetention string `json:"broadcast_retention,omitempty"`
}
