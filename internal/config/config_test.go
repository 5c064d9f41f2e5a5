package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultValidatesWithUserID(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Identity.UserID = "alice"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()
	base := func() Config {
		cfg := Default()
		cfg.Identity.UserID = "alice"
		return cfg
	}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty user id", func(c *Config) { c.Identity.UserID = "" }},
		{"user id with spaces", func(c *Config) { c.Identity.UserID = "a b" }},
		{"missing relay url", func(c *Config) { c.Signaling.RelayURL = "" }},
		{"relay url wrong scheme", func(c *Config) { c.Signaling.RelayURL = "http://relay" }},
		{"ice url wrong scheme", func(c *Config) { c.Signaling.ICEConfigURL = "ftp://x" }},
		{"negative ice wait", func(c *Config) { c.Signaling.ICEWaitSec = -1 }},
		{"timeout too small", func(c *Config) { c.Call.ConnectTimeoutSec = 1 }},
		{"timeout too large", func(c *Config) { c.Call.ConnectTimeoutSec = 1000 }},
		{"empty http addr", func(c *Config) { c.HTTP.Addr = " " }},
	}
	for _, tc := range cases {
		cfg := base()
		tc.mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: validated without error", tc.name)
		}
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"identity":{"user_id":"alice"},"call":{"connect_timeout_seconds":45}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Call.ConnectTimeoutSec != 45 {
		t.Fatalf("connect timeout = %d, want 45", cfg.Call.ConnectTimeoutSec)
	}
	if cfg.Signaling.RelayURL != Default().Signaling.RelayURL {
		t.Fatalf("missing field not defaulted: %q", cfg.Signaling.RelayURL)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"identity":{"user_id":"alice"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err != nil {
		t.Fatalf("Load with BOM: %v", err)
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg, created, err := Ensure(path, "alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !created {
		t.Fatal("expected a fresh config file")
	}
	if cfg.Identity.UserID != "alice" {
		t.Fatalf("user id = %q", cfg.Identity.UserID)
	}

	again, created, err := Ensure(path, "ignored")
	if err != nil {
		t.Fatalf("Ensure (existing): %v", err)
	}
	if created || again.Identity.UserID != "alice" {
		t.Fatalf("existing file not reused: created=%v id=%q", created, again.Identity.UserID)
	}
}

func TestWatchDeliversReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if _, _, err := Ensure(path, "alice"); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Config, 1)
	go Watch(ctx, path, func(c Config) {
		select {
		case got <- c:
		default:
		}
	})
	time.Sleep(100 * time.Millisecond) // let the watcher arm

	cfg := Default()
	cfg.Identity.UserID = "alice"
	cfg.Call.PreferredMic = "usb-mic"
	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}

	select {
	case c := <-got:
		if c.Call.PreferredMic != "usb-mic" {
			t.Fatalf("reloaded config stale: %+v", c.Call)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reload not delivered")
	}
}
