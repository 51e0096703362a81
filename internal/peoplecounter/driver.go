package peoplecounter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/store"
	"zigbee-people-counter/internal/zcl"
)

// ErrNotAttached is returned for a device the driver has no session for.
var ErrNotAttached = errors.New("people counter not attached")

// Network is the driver's view of the Zigbee side.
type Network interface {
	Clusters(ieee string) (Clusters, error)
	// Configure binds the counter's clusters and sets up reporting.
	Configure(ctx context.Context, ieee string) error
	SaveInfo(ieee string, info BasicInfo) error
	// OnAnnounce calls fn with the IEEE address of every device that
	// rejoins. Returns an unsubscribe function.
	OnAnnounce(fn func(ieee string)) func()
}

// Driver owns the device sessions of all attached people counters.
type Driver struct {
	net    Network
	host   Host
	logger *slog.Logger

	// ReadTimeout is passed to every attached Device.
	ReadTimeout time.Duration

	mu            sync.RWMutex
	devices       map[string]*Device
	unsubAnnounce func()
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

func NewDriver(net Network, host Host, logger *slog.Logger) *Driver {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Driver{
		net:         net,
		host:        host,
		logger:      logger.With("component", "driver"),
		ReadTimeout: DefaultReadTimeout,
		devices:     make(map[string]*Device),
		ctx:         ctx,
		cancel:      cancel,
	}
	d.unsubAnnounce = net.OnAnnounce(d.handleAnnounce)
	return d
}

// Attach configures the device and starts its session. Attaching an
// attached device returns the existing session.
func (d *Driver) Attach(ctx context.Context, ieee, name string) (*Device, error) {
	d.mu.Lock()
	if dev, ok := d.devices[ieee]; ok {
		d.mu.Unlock()
		return dev, nil
	}
	d.mu.Unlock()

	clusters, err := d.net.Clusters(ieee)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", ieee, err)
	}
	if err := d.net.Configure(ctx, ieee); err != nil {
		d.logger.Warn("configure failed, relying on existing bindings", "ieee", ieee, "err", err)
	}

	dev := NewDevice(ieee, name, d.host, clusters, d.logger)
	dev.ReadTimeout = d.ReadTimeout
	if err := dev.Init(d.ctx); err != nil {
		return nil, fmt.Errorf("init %s: %w", ieee, err)
	}
	if err := d.net.SaveInfo(ieee, dev.Info()); err != nil {
		d.logger.Warn("save device info", "ieee", ieee, "err", err)
	}

	d.mu.Lock()
	if existing, ok := d.devices[ieee]; ok {
		// lost a race with a concurrent Attach
		d.mu.Unlock()
		dev.Close()
		return existing, nil
	}
	d.devices[ieee] = dev
	d.mu.Unlock()
	d.logger.Info("people counter attached", "ieee", ieee, "name", dev.Name())
	return dev, nil
}

// Detach closes the device session.
func (d *Driver) Detach(ieee string) error {
	d.mu.Lock()
	dev, ok := d.devices[ieee]
	delete(d.devices, ieee)
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", ieee, ErrNotAttached)
	}
	dev.Close()
	return nil
}

func (d *Driver) Device(ieee string) (*Device, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	dev, ok := d.devices[ieee]
	return dev, ok
}

// Devices returns the attached sessions in no particular order.
func (d *Driver) Devices() []*Device {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Device, 0, len(d.devices))
	for _, dev := range d.devices {
		out = append(out, dev)
	}
	return out
}

// RefreshAll refreshes every attached device and joins the errors.
func (d *Driver) RefreshAll(ctx context.Context) error {
	var errs []error
	for _, dev := range d.Devices() {
		if err := dev.Refresh(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", dev.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Run refreshes all devices every interval until ctx is done. A zero
// interval disables polling.
func (d *Driver) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.RefreshAll(ctx); err != nil {
				d.logger.Warn("periodic refresh", "err", err)
			}
		}
	}
}

// handleAnnounce runs on the NCP read loop; the rejoin work needs that loop
// for its responses.
func (d *Driver) handleAnnounce(ieee string) {
	dev, ok := d.Device(ieee)
	if !ok {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.logger.Info("counter rejoined, reconfiguring", "ieee", ieee)
		if err := d.net.Configure(d.ctx, ieee); err != nil {
			d.logger.Warn("reconfigure", "ieee", ieee, "err", err)
		}
		dev.Refresh(d.ctx)
	}()
}

// Close detaches every device.
func (d *Driver) Close() {
	d.unsubAnnounce()
	d.cancel()
	d.wg.Wait()

	d.mu.Lock()
	devices := d.devices
	d.devices = make(map[string]*Device)
	d.mu.Unlock()
	for _, dev := range devices {
		dev.Close()
	}
}

var _ Cluster = (*coordinator.ClusterClient)(nil)

// coordinatorNetwork adapts the coordinator to Network.
type coordinatorNetwork struct {
	c *coordinator.Coordinator
}

// NewNetwork returns the Network backed by c.
func NewNetwork(c *coordinator.Coordinator) Network {
	return coordinatorNetwork{c: c}
}

func (n coordinatorNetwork) Clusters(ieee string) (Clusters, error) {
	analog, err := n.c.Cluster(ieee, zcl.ClusterAnalogInput)
	if err != nil {
		return Clusters{}, err
	}
	power, err := n.c.Cluster(ieee, zcl.ClusterPowerConfiguration)
	if err != nil {
		return Clusters{}, err
	}
	basic, err := n.c.Cluster(ieee, zcl.ClusterBasic)
	if err != nil {
		return Clusters{}, err
	}
	return Clusters{AnalogInput: analog, PowerConfig: power, Basic: basic}, nil
}

func (n coordinatorNetwork) Configure(ctx context.Context, ieee string) error {
	return n.c.Configure(ctx, ieee, coordinator.PeopleCounter)
}

func (n coordinatorNetwork) SaveInfo(ieee string, info BasicInfo) error {
	return n.c.Store().UpdateDevice(ieee, func(dev *store.Device) error {
		if info.Manufacturer != "" {
			dev.Manufacturer = info.Manufacturer
		}
		if info.Model != "" {
			dev.Model = info.Model
		}
		if info.ZCLVersion != 0 {
			dev.ZCLVersion = info.ZCLVersion
		}
		if info.AppVersion != 0 {
			dev.AppVersion = info.AppVersion
		}
		if info.PowerSource != 0 {
			dev.PowerSource = info.PowerSource
		}
		return nil
	})
}

func (n coordinatorNetwork) OnAnnounce(fn func(ieee string)) func() {
	return n.c.Events().On(coordinator.EventDeviceAnnounce, func(e coordinator.Event) {
		data, _ := e.Data.(map[string]any)
		if ieee, ok := data["ieee"].(string); ok {
			fn(ieee)
		}
	})
}
