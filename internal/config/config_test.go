package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestParseJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{
		"logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
		"storage": {"path": "./wacast.db", "busy_timeout": "5s"},
		"transport": {"driver": "local"},
		"broadcast": {"min_delay": "200ms", "max_delay": "3s", "error_delay": "500ms", "rate_per_sec": 5},
		"janitor": {"enabled": true, "schedule": "@every 10m", "broadcast_retention": "720h"}
	}`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Fatalf("logging section wrong: %+v", cfg.Logging)
	}
	if cfg.Storage.Path != "./wacast.db" || cfg.Transport.Driver != "local" {
		t.Fatalf("storage/transport wrong: %+v %+v", cfg.Storage, cfg.Transport)
	}
	if cfg.Broadcast == nil || cfg.Broadcast.RatePerSec != 5 {
		t.Fatalf("broadcast section wrong: %+v", cfg.Broadcast)
	}
	if cfg.Janitor == nil || !cfg.Janitor.Enabled {
		t.Fatalf("janitor section wrong: %+v", cfg.Janitor)
	}
}

func TestParseYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
logging:
  level: info
  console: true
  file:
    enabled: true
    path: /var/log/wacast.log
storage:
  path: ./wacast.db
transport:
  driver: local
groups:
  ttl: 5m
`)

	cfg, err := NewConfigManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Logging.File.Enabled || cfg.Logging.File.Path != "/var/log/wacast.log" {
		t.Fatalf("file logging wrong: %+v", cfg.Logging.File)
	}
	if cfg.Groups == nil || cfg.Groups.TTL != "5m" {
		t.Fatalf("groups section wrong: %+v", cfg.Groups)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"logging": {"level": "info"}, "no_such_section": {}}`)

	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected unknown-field error")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"logging": {"level": "info"}}{"extra": true}`)

	if _, err := NewConfigManager(path).Parse(); err == nil {
		t.Fatal("expected trailing-data error")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		want    time.Duration
		wantErr bool
	}{
		{"", 0, false},
		{"500ms", 500 * time.Millisecond, false},
		{" 1m ", time.Minute, false},
		{"-1s", 0, true},
		{"soon", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDurationField("broadcast.min_delay", tt.raw)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseDurationField(%q): expected error", tt.raw)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("ParseDurationField(%q) = %v, %v; want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestWatchPublishesOnChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"logging": {"level": "info"}, "storage": {"path": "a.db"}, "transport": {"driver": "local"}}`)

	m := NewConfigManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Watch(ctx) }()
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	// Give the watcher a moment to attach before the write.
	time.Sleep(200 * time.Millisecond)
	writeFile(t, path, `{"logging": {"level": "debug"}, "storage": {"path": "a.db"}, "transport": {"driver": "local"}}`)

	select {
	case cfg := <-sub:
		if cfg.Logging.Level != "debug" {
			t.Fatalf("published level = %q, want debug", cfg.Logging.Level)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config publish")
	}
	if got := m.Get().Logging.Level; got != "debug" {
		t.Fatalf("committed level = %q, want debug", got)
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Logging: LoggingConfig{Level: "info"}, Storage: StorageConfig{Path: "a.db"}}
	newCfg := &Config{
		Logging:   LoggingConfig{Level: "debug"},
		Storage:   StorageConfig{Path: "a.db"},
		Broadcast: &BroadcastConfig{RatePerSec: 3},
	}

	changed, _ := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"broadcast", "logging"}
	if len(changed) != len(want) {
		t.Fatalf("changed = %v, want %v", changed, want)
	}
	for i := range want {
		if changed[i] != want[i] {
			t.Fatalf("changed = %v, want %v", changed, want)
		}
	}
}
