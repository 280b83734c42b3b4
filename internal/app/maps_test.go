package app

import (
	"testing"
	"time"

	"wacast/internal/config"
	"wacast/internal/groupcache"
)

func baseConfig() *config.Config {
	return &config.Config{
		Storage:   config.StorageConfig{Path: "./wacast.db"},
		Transport: config.TransportConfig{Driver: "local"},
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Storage.BusyTimeout = "5s"
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		t.Fatalf("mapStorageConfig: %v", err)
	}
	if sc.Path != "./wacast.db" || sc.BusyTimeout != 5*time.Second {
		t.Fatalf("unexpected storage config: %+v", sc)
	}

	cfg.Storage.Path = " "
	if _, err := mapStorageConfig(cfg); err == nil {
		t.Fatal("expected error for missing storage.path")
	}
}

func TestMapDialer(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if _, err := mapDialer(cfg); err != nil {
		t.Fatalf("mapDialer(local): %v", err)
	}
	cfg.Transport.Driver = ""
	if _, err := mapDialer(cfg); err != nil {
		t.Fatalf("mapDialer(default): %v", err)
	}
	cfg.Transport.Driver = "carrier-pigeon"
	if _, err := mapDialer(cfg); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestMapGroupTTLDefaults(t *testing.T) {
	t.Parallel()
	ttl, err := mapGroupTTL(baseConfig())
	if err != nil || ttl != groupcache.DefaultTTL {
		t.Fatalf("ttl = %v, %v; want default", ttl, err)
	}

	cfg := baseConfig()
	cfg.Groups = &config.GroupsConfig{TTL: "90s"}
	ttl, err = mapGroupTTL(cfg)
	if err != nil || ttl != 90*time.Second {
		t.Fatalf("ttl = %v, %v; want 90s", ttl, err)
	}
}

func TestMapBroadcastConfig(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Broadcast = &config.BroadcastConfig{MinDelay: "100ms", MaxDelay: "1s", ErrorDelay: "250ms", RatePerSec: 4}
	bc, err := mapBroadcastConfig(cfg)
	if err != nil {
		t.Fatalf("mapBroadcastConfig: %v", err)
	}
	if bc.MinDelay != 100*time.Millisecond || bc.MaxDelay != time.Second || bc.RatePerSec != 4 {
		t.Fatalf("unexpected broadcast config: %+v", bc)
	}

	cfg.Broadcast.RatePerSec = -1
	if _, err := mapBroadcastConfig(cfg); err == nil {
		t.Fatal("expected error for negative rate")
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	if err := validateConfig(baseConfig()); err != nil {
		t.Fatalf("validateConfig: %v", err)
	}

	cfg := baseConfig()
	cfg.Janitor = &config.JanitorConfig{Enabled: true, BroadcastRetention: "a fortnight"}
	if err := validateConfig(cfg); err == nil {
		t.Fatal("expected error for bad retention duration")
	}
}
