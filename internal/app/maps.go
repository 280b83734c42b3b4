package app

import (
	"fmt"
	"strings"
	"time"

	"wacast/internal/broadcast"
	"wacast/internal/config"
	"wacast/internal/groupcache"
	"wacast/internal/janitor"
	"wacast/internal/storage"
	"wacast/internal/transport"
	"wacast/internal/transport/local"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		return storage.Config{}, fmt.Errorf("storage.path is required")
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: path, BusyTimeout: busy}, nil
}

func mapDialer(cfg *config.Config) (transport.Dialer, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Transport.Driver))
	switch driver {
	case "", "local":
		return local.NewDialer(), nil
	default:
		return nil, fmt.Errorf("unknown transport.driver: %s", cfg.Transport.Driver)
	}
}

func mapGroupTTL(cfg *config.Config) (time.Duration, error) {
	if cfg.Groups == nil {
		return groupcache.DefaultTTL, nil
	}
	return config.ParseDurationOrDefault("groups.ttl", cfg.Groups.TTL, groupcache.DefaultTTL)
}

func mapBroadcastConfig(cfg *config.Config) (broadcast.Config, error) {
	if cfg.Broadcast == nil {
		return broadcast.Config{}, nil
	}
	b := cfg.Broadcast
	minDelay, err := config.ParseDurationField("broadcast.min_delay", b.MinDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("broadcast.max_delay", b.MaxDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	errorDelay, err := config.ParseDurationField("broadcast.error_delay", b.ErrorDelay)
	if err != nil {
		return broadcast.Config{}, err
	}
	if b.RatePerSec < 0 {
		return broadcast.Config{}, fmt.Errorf("broadcast.rate_per_sec must be >= 0")
	}
	return broadcast.Config{
		MinDelay:   minDelay,
		MaxDelay:   maxDelay,
		ErrorDelay: errorDelay,
		RatePerSec: b.RatePerSec,
	}, nil
}

func mapJanitorConfig(cfg *config.Config) (janitor.Config, error) {
	if cfg.Janitor == nil {
		return janitor.Config{}, nil
	}
	j := cfg.Janitor
	retention, err := config.ParseDurationField("janitor.broadcast_retention", j.BroadcastRetention)
	if err != nil {
		return janitor.Config{}, err
	}
	return janitor.Config{
		Enabled:   j.Enabled,
		Schedule:  strings.TrimSpace(j.Schedule),
		Retention: retention,
	}, nil
}

// validateConfig rejects bad hot-reloads before they are committed.
func validateConfig(cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDialer(cfg); err != nil {
		return err
	}
	if _, err := mapGroupTTL(cfg); err != nil {
		return err
	}
	if _, err := mapBroadcastConfig(cfg); err != nil {
		return err
	}
	if _, err := mapJanitorConfig(cfg); err != nil {
		return err
	}
	return nil
}
