package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const validConfig = `
ncp:
  port: /dev/ttyACM0
network:
  channel: 15
  pan_id: 0x1A62
refresh_interval: 2m
devices:
  - ieee: "00:0d:6f:00:12:34:56:78"
    short_address: 0x4F21
    name: Front Door
    battery_threshold: 30
`

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, validConfig))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}

	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.NCP.Baud != 460800 || cfg.Store.Path != "people-counter.db" {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.RefreshInterval != 2*time.Minute {
		t.Errorf("refresh_interval = %v", cfg.RefreshInterval)
	}
	if len(cfg.Devices) != 1 {
		t.Fatalf("devices = %d", len(cfg.Devices))
	}
	d := cfg.Devices[0]
	if d.IEEE != "000D6F0012345678" {
		t.Errorf("ieee not normalized: %q", d.IEEE)
	}
	if d.Endpoint != 1 || d.ShortAddress != 0x4F21 {
		t.Errorf("device = %+v", d)
	}
	if d.BatteryThreshold == nil || *d.BatteryThreshold != 30 {
		t.Errorf("battery_threshold = %v", d.BatteryThreshold)
	}
}

func TestLoadConfigRefreshDefault(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "ncp:\n  port: /dev/ttyACM0\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RefreshInterval != 5*time.Minute {
		t.Errorf("refresh_interval = %v, want 5m", cfg.RefreshInterval)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file: expected error")
	}
	if _, err := loadConfig(writeConfig(t, "ncp: [")); err == nil {
		t.Error("bad yaml: expected error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		edit    func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"no port", func(c *Config) { c.NCP.Port = "" }, "ncp.port"},
		{"low channel", func(c *Config) { c.Network.Channel = 10 }, "channel"},
		{"high channel", func(c *Config) { c.Network.Channel = 27 }, "channel"},
		{"zero pan", func(c *Config) { c.Network.PanID = 0 }, "pan_id"},
		{"broadcast pan", func(c *Config) { c.Network.PanID = 0xFFFF }, "pan_id"},
		{"negative refresh", func(c *Config) { c.RefreshInterval = -time.Second }, "refresh_interval"},
		{"bad ieee", func(c *Config) { c.Devices[0].IEEE = "xyz" }, "devices[0]"},
		{"endpoint", func(c *Config) { c.Devices[0].Endpoint = 241 }, "endpoint"},
		{"threshold", func(c *Config) { v := 120.0; c.Devices[0].BatteryThreshold = &v }, "battery_threshold"},
		{"duplicate", func(c *Config) { c.Devices = append(c.Devices, c.Devices[0]) }, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, validConfig))
			if err != nil {
				t.Fatal(err)
			}
			tt.edit(cfg)
			err = cfg.validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestListenPort(t *testing.T) {
	tests := []struct {
		listen  string
		want    int
		wantErr bool
	}{
		{"127.0.0.1:8080", 8080, false},
		{":9000", 9000, false},
		{"localhost", 0, true},
		{"host:http", 0, true},
	}
	for _, tt := range tests {
		got, err := listenPort(tt.listen)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("listenPort(%q) = %d, %v", tt.listen, got, err)
		}
	}
}

func TestNewLoggerLevels(t *testing.T) {
	cfg := &Config{}
	cfg.Log.Level = "debug"
	cfg.Log.Format = "json"
	if l := newLogger(cfg); !l.Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug level not enabled")
	}
}
