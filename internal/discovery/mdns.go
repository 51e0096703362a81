//go:build !no_mdns

package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"

	"github.com/enbility/zeroconf/v3"

	"zigbee-people-counter/internal/coordinator"
)

const (
	ServiceType = "_people-counter._tcp"
	Domain      = "local."
)

// Config describes the advertised web API.
type Config struct {
	Instance  string // defaults to "people-counter-<hostname>"
	Port      int
	Version   string
	Interface string // empty advertises on all interfaces
}

// Advertiser announces the web API over mDNS and keeps the device count
// in its TXT record current.
type Advertiser struct {
	cfg     Config
	count   func() int
	logger  *slog.Logger
	mu      sync.Mutex
	server  *zeroconf.Server
	unsubs  []func()
	devices int
}

// NewAdvertiser creates an advertiser. count reports the number of known
// devices and is called whenever devices are added or removed.
func NewAdvertiser(cfg Config, count func() int, logger *slog.Logger) *Advertiser {
	if cfg.Instance == "" {
		host, _ := os.Hostname()
		cfg.Instance = instanceName(host)
	}
	return &Advertiser{cfg: cfg, count: count, logger: logger.With("component", "mdns")}
}

func instanceName(host string) string {
	if host == "" {
		return "people-counter"
	}
	return "people-counter-" + host
}

// txtRecords builds the TXT strings of the service.
func txtRecords(version string, devices int) []string {
	if version == "" {
		version = "dev"
	}
	return []string{"version=" + version, "devices=" + strconv.Itoa(devices)}
}

func (a *Advertiser) interfaces() []net.Interface {
	if a.cfg.Interface == "" {
		return nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		a.logger.Warn("mdns interface not found, using all", "interface", a.cfg.Interface, "err", err)
		return nil
	}
	return []net.Interface{*iface}
}

// Start registers the service and follows device_added and device_removed
// on events to update the TXT record.
func (a *Advertiser) Start(events *coordinator.EventBus) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		return nil
	}

	a.devices = a.count()
	server, err := zeroconf.Register(
		a.cfg.Instance,
		ServiceType,
		Domain,
		a.cfg.Port,
		txtRecords(a.cfg.Version, a.devices),
		a.interfaces(),
	)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}
	a.server = server

	update := func(coordinator.Event) { a.Update() }
	a.unsubs = append(a.unsubs,
		events.On(coordinator.EventDeviceAdded, update),
		events.On(coordinator.EventDeviceRemoved, update),
	)
	a.logger.Info("mdns service registered", "instance", a.cfg.Instance, "service", ServiceType, "port", a.cfg.Port)
	return nil
}

// Update refreshes the TXT record when the device count changed.
func (a *Advertiser) Update() {
	n := a.count()
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server == nil || n == a.devices {
		return
	}
	a.devices = n
	a.server.SetText(txtRecords(a.cfg.Version, n))
	a.logger.Debug("mdns txt updated", "devices", n)
}

// Stop withdraws the service. Safe to call more than once.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, unsub := range a.unsubs {
		unsub()
	}
	a.unsubs = nil
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
		a.logger.Info("mdns service stopped")
	}
}
