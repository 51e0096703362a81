package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/hub"
	"zigbee-people-counter/internal/ncp"
	"zigbee-people-counter/internal/peoplecounter"
	"zigbee-people-counter/internal/store"
	"zigbee-people-counter/internal/web"
	"zigbee-people-counter/internal/zcl"
	"zigbee-people-counter/internal/zcl/clusters"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

// DeviceConfig declares one people counter. Counters are configured by
// address; there is no pairing flow.
type DeviceConfig struct {
	IEEE             string   `yaml:"ieee"`
	ShortAddress     uint16   `yaml:"short_address"`
	Endpoint         uint8    `yaml:"endpoint"`
	Name             string   `yaml:"name"`
	BatteryThreshold *float64 `yaml:"battery_threshold"`
}

type Config struct {
	NCP struct {
		Type string `yaml:"type"` // "nrf52840"
		Port string `yaml:"port"`
		Baud int    `yaml:"baud"`
	} `yaml:"ncp"`
	Network struct {
		Channel  uint8  `yaml:"channel"`
		PanID    uint16 `yaml:"pan_id"`
		ExtPanID string `yaml:"ext_pan_id"`
	} `yaml:"network"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	MDNS struct {
		Enabled   bool   `yaml:"enabled"`
		Instance  string `yaml:"instance"`
		Interface string `yaml:"interface"`
	} `yaml:"mdns"`
	ScriptsDir      string         `yaml:"scripts_dir"`
	RefreshInterval time.Duration  `yaml:"refresh_interval"`
	ReadTimeout     time.Duration  `yaml:"read_timeout"`
	Devices         []DeviceConfig `yaml:"devices"`
}

func (c *Config) validate() error {
	if c.NCP.Port == "" {
		return fmt.Errorf("ncp.port is required")
	}
	if c.Network.Channel < 11 || c.Network.Channel > 26 {
		return fmt.Errorf("network.channel must be 11-26, got %d", c.Network.Channel)
	}
	if c.Network.PanID == 0 || c.Network.PanID == 0xFFFF {
		return fmt.Errorf("network.pan_id must not be 0x0000 or 0xFFFF")
	}
	if c.RefreshInterval < 0 {
		return fmt.Errorf("refresh_interval must not be negative")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i := range c.Devices {
		d := &c.Devices[i]
		ieee, err := coordinator.NormalizeIEEE(d.IEEE)
		if err != nil {
			return fmt.Errorf("devices[%d]: %w", i, err)
		}
		if seen[ieee] {
			return fmt.Errorf("devices[%d]: duplicate ieee %s", i, ieee)
		}
		seen[ieee] = true
		d.IEEE = ieee
		if d.Endpoint == 0 || d.Endpoint > 240 {
			return fmt.Errorf("devices[%d]: endpoint must be 1-240, got %d", i, d.Endpoint)
		}
		if t := d.BatteryThreshold; t != nil && (*t < 0 || *t > 100) {
			return fmt.Errorf("devices[%d]: battery_threshold must be 0-100, got %v", i, *t)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}
	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("zigbee-people-counter starting", "version", version)

	registry := zcl.NewRegistry(logger)
	clusters.RegisterAll(registry)
	logger.Info("ZCL registry initialized", "clusters", len(registry.All()))

	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	backend, err := createNCP(cfg, logger)
	if err != nil {
		logger.Error("create NCP backend", "err", err)
		os.Exit(1)
	}
	defer backend.Close()

	extPanID, err := coordinator.ParseExtPanID(cfg.Network.ExtPanID)
	if err != nil {
		logger.Error("parse ext pan id", "err", err)
		os.Exit(1)
	}

	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(backend, db, registry, events, coordinator.Config{
		Channel:  cfg.Network.Channel,
		PanID:    cfg.Network.PanID,
		ExtPanID: extPanID,
	}, coordinator.NCPConfig{
		Type: cfg.NCP.Type,
		Port: cfg.NCP.Port,
		Baud: cfg.NCP.Baud,
	}, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := coord.Start(ctx); err != nil {
		logger.Error("start coordinator", "err", err)
		cancel()
		backend.Close()
		os.Exit(1)
	}
	cancel()

	h := hub.New(db, events, map[string]any{
		peoplecounter.SettingBatteryThreshold: float64(peoplecounter.DefaultBatteryThreshold),
	}, logger)

	driver := peoplecounter.NewDriver(peoplecounter.NewNetwork(coord), h, logger)
	if cfg.ReadTimeout > 0 {
		driver.ReadTimeout = cfg.ReadTimeout
	}
	flows := peoplecounter.NewFlows(driver, h)

	runCtx, stopRun := context.WithCancel(coord.Context())
	attachWG := attachDevices(runCtx, coord, h, driver, cfg.Devices, logger)

	auto, autoWebOpts := initAutomation(events, coord.Devices(), flows, cfg, logger)

	var webOpts []web.ServerOption
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}
	webOpts = append(webOpts, web.WithVersion(version))
	webOpts = append(webOpts, autoWebOpts...)

	webServer := web.NewServer(web.Backend{
		Events:  events,
		Devices: coord.Devices(),
		Network: coord,
		Counters: struct {
			*peoplecounter.Flows
			*peoplecounter.Driver
		}{flows, driver},
		Hub: h,
	}, logger, webOpts...)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "err", err)
		}
	}()

	mqtt := initMQTT(events, coord.Devices(), h, flows, cfg, logger)
	mdns := initMDNS(events, coord.Devices(), cfg, logger)

	var runWG sync.WaitGroup
	runWG.Add(1)
	go func() {
		defer runWG.Done()
		driver.Run(runCtx, cfg.RefreshInterval)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	stopRun()
	runWG.Wait()
	attachWG.Wait()
	mdns.Stop()
	auto.Stop()
	mqtt.Stop()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	driver.Close()
	coord.Stop()

	logger.Info("goodbye")
}

// attachDevices registers the configured counters and attaches them in the
// background, since a sleepy counter may take a while to answer.
func attachDevices(ctx context.Context, coord *coordinator.Coordinator, h *hub.Hub, driver *peoplecounter.Driver, devices []DeviceConfig, logger *slog.Logger) *sync.WaitGroup {
	var wg sync.WaitGroup
	for _, dc := range devices {
		dev, err := coord.Devices().Register(dc.IEEE, dc.ShortAddress, dc.Endpoint, dc.Name)
		if err != nil {
			logger.Error("register device", "ieee", dc.IEEE, "err", err)
			continue
		}
		if dc.BatteryThreshold != nil {
			if err := h.SeedSettings(dev.IEEEAddress, map[string]any{
				peoplecounter.SettingBatteryThreshold: *dc.BatteryThreshold,
			}); err != nil {
				logger.Warn("apply battery threshold", "ieee", dev.IEEEAddress, "err", err)
			}
		}

		wg.Add(1)
		go func(ieee, name string) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(ctx, time.Minute)
			defer cancel()
			if _, err := driver.Attach(ctx, ieee, name); err != nil {
				logger.Error("attach people counter", "ieee", ieee, "err", err)
			}
		}(dev.IEEEAddress, dev.FriendlyName)
	}
	return &wg
}

func createNCP(cfg *Config, logger *slog.Logger) (ncp.NCP, error) {
	switch cfg.NCP.Type {
	case "nrf52840", "":
		logger.Info("using nRF52840 NCP (ZBOSS)", "port", cfg.NCP.Port, "baud", cfg.NCP.Baud)
		n, err := ncp.OpenNRF52840(cfg.NCP.Port, cfg.NCP.Baud, logger)
		if err != nil {
			return nil, err
		}
		return n, nil
	default:
		return nil, fmt.Errorf("unknown NCP type: %q (supported: nrf52840)", cfg.NCP.Type)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "people-counter.db"
	}
	if cfg.NCP.Baud == 0 {
		cfg.NCP.Baud = 460800
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "zigbee2mqtt"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.RefreshInterval == 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	for i := range cfg.Devices {
		if cfg.Devices[i].Endpoint == 0 {
			cfg.Devices[i].Endpoint = 1
		}
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
