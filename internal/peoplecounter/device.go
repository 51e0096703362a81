package peoplecounter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

// Capability names published to the hub.
const (
	CapMeasurePeople = "measure_people"
	CapPeopleSetting = "people_setting"
	CapState         = "state_peoplecounter"
	CapAlarmMotion   = "alarm_motion"
	CapBattery       = "measure_battery"
	CapAlarmBattery  = "alarm_battery"
)

// SettingBatteryThreshold is the per-device battery alarm level.
const SettingBatteryThreshold = "batteryThreshold"

// CardPeopleCountChanged is the flow trigger fired when the count changes.
const CardPeopleCountChanged = "people_count_changed"

const (
	attrPresentValue = "presentValue"
	attrBattery      = "batteryPercentageRemaining"
)

// DefaultReadTimeout bounds every remote call made by a Device.
const DefaultReadTimeout = 10 * time.Second

// ErrInvalidCount is returned for a people count that cannot be written.
var ErrInvalidCount = errors.New("invalid people count")

// MaxCount is the largest count presentValue carries exactly as a float32.
const MaxCount = 1 << 24

// Cluster is a named-attribute handle on one cluster of the device.
// *coordinator.ClusterClient implements it.
type Cluster interface {
	ReadAttribute(ctx context.Context, name string) (any, error)
	WriteAttribute(ctx context.Context, name string, value any) error
	OnAttributeChange(name string, handler func(value any)) (func(), error)
}

// Host owns capability state, settings and flows. *hub.Hub implements it.
type Host interface {
	SetCapabilityValue(ieee, name string, value any) error
	CapabilityValue(ieee, name string) (any, bool)
	RegisterCapabilityListener(ieee, name string, fn func(ctx context.Context, value any) error) func()
	Setting(ieee, key string) (any, bool)
	TriggerFlow(ieee, card string, tokens map[string]any) error
	IsFirstInit(ieee string) bool
	MarkInitialized(ieee string) error
}

// Clusters are the endpoint 1 clusters the driver talks to.
type Clusters struct {
	AnalogInput Cluster
	PowerConfig Cluster
	Basic       Cluster
}

// BasicInfo is what the device says about itself in the Basic cluster.
type BasicInfo struct {
	Manufacturer string
	Model        string
	ZCLVersion   uint8
	AppVersion   uint8
	PowerSource  uint8
}

// Device is one attached people counter. It keeps no capability state of
// its own: previous values are read from the host on every refresh.
type Device struct {
	ieee   string
	name   string
	host   Host
	analog Cluster
	power  Cluster
	basic  Cluster
	logger *slog.Logger

	// ReadTimeout bounds each remote read or write.
	ReadTimeout time.Duration

	// refreshMu keeps the previous-value read and the publish of one
	// refresh from interleaving with another.
	refreshMu sync.Mutex

	mu     sync.Mutex
	ctx    context.Context
	unsubs []func()
	info   BasicInfo
	closed bool
	wg     sync.WaitGroup
}

// NewDevice creates a device session. Init must be called before use.
func NewDevice(ieee, name string, host Host, clusters Clusters, logger *slog.Logger) *Device {
	if name == "" {
		name = ieee
	}
	return &Device{
		ieee:        ieee,
		name:        name,
		host:        host,
		analog:      clusters.AnalogInput,
		power:       clusters.PowerConfig,
		basic:       clusters.Basic,
		logger:      logger.With("component", "peoplecounter", "device", name),
		ReadTimeout: DefaultReadTimeout,
		ctx:         context.Background(),
	}
}

func (d *Device) IEEE() string { return d.ieee }
func (d *Device) Name() string { return d.name }

// Info returns the Basic cluster attributes read during Init.
func (d *Device) Info() BasicInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

func (d *Device) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.ReadTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.ReadTimeout)
}

// Init subscribes to the device's attributes and the host's capability
// writes, reads device info and performs the first refresh. ctx is also
// used for refreshes started by attribute reports until Close.
func (d *Device) Init(ctx context.Context) error {
	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	// Report handlers run on the NCP read loop, which also delivers the
	// response to the refresh read. Refresh on a separate goroutine.
	unsub, err := d.analog.OnAttributeChange(attrPresentValue, func(any) {
		d.background(func(ctx context.Context) { d.Refresh(ctx) })
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", attrPresentValue, err)
	}
	d.addUnsub(unsub)

	unsub, err = d.power.OnAttributeChange(attrBattery, func(v any) {
		if err := d.HandleBatteryReport(v); err != nil {
			d.logger.Warn("battery report", "err", err)
		}
	})
	if err != nil {
		d.Close()
		return fmt.Errorf("subscribe %s: %w", attrBattery, err)
	}
	d.addUnsub(unsub)

	d.addUnsub(d.host.RegisterCapabilityListener(d.ieee, CapState, func(ctx context.Context, v any) error {
		d.logger.Info("state listener", "value", v)
		return d.Refresh(ctx)
	}))
	d.addUnsub(d.host.RegisterCapabilityListener(d.ieee, CapPeopleSetting, func(ctx context.Context, v any) error {
		d.logger.Info("people setting listener", "value", v)
		n, err := countFromValue(v)
		if err != nil {
			return err
		}
		return d.SetPeopleValue(ctx, n)
	}))

	d.readBasicInfo(ctx)

	if d.host.IsFirstInit(d.ieee) {
		d.updateBattery(ctx)
		if err := d.host.MarkInitialized(d.ieee); err != nil {
			d.logger.Error("mark initialized", "err", err)
		}
	}

	if err := d.Refresh(ctx); err != nil {
		d.logger.Warn("initial refresh failed", "err", err)
	}
	return nil
}

func (d *Device) addUnsub(fn func()) {
	d.mu.Lock()
	d.unsubs = append(d.unsubs, fn)
	d.mu.Unlock()
}

// background runs fn on its own goroutine unless the device is closed.
func (d *Device) background(fn func(ctx context.Context)) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	ctx := d.ctx
	d.wg.Add(1)
	d.mu.Unlock()
	go func() {
		defer d.wg.Done()
		fn(ctx)
	}()
}

// Refresh reads presentValue, decodes it against the previous direction and
// publishes measure_people, people_setting, state_peoplecounter and
// alarm_motion in that order. A count change fires people_count_changed.
// Nothing is published when the read or the decode fails. A failed publish
// does not stop the others; the errors are returned joined.
func (d *Device) Refresh(ctx context.Context) error {
	d.refreshMu.Lock()
	defer d.refreshMu.Unlock()

	callCtx, cancel := d.callCtx(ctx)
	v, err := d.analog.ReadAttribute(callCtx, attrPresentValue)
	cancel()
	if err != nil {
		d.logger.Warn("refresh: read presentValue", "err", err)
		return fmt.Errorf("read %s: %w", attrPresentValue, err)
	}
	raw, ok := toFloat(v)
	if !ok {
		d.logger.Warn("refresh: unexpected presentValue", "value", v)
		return fmt.Errorf("%s %v (%T): %w", attrPresentValue, v, v, ErrMalformedReading)
	}

	prevState, _ := d.host.CapabilityValue(d.ieee, CapState)
	prevCount, hadCount := d.host.CapabilityValue(d.ieee, CapMeasurePeople)
	prevDir := ParseDirection(prevState)

	r, err := DecodeValue(raw, prevDir)
	if err != nil {
		d.logger.Warn("refresh: decode", "err", err)
		return err
	}
	d.logger.Info("refresh", "raw", raw, "people", r.Count, "direction", r.Direction, "prev_direction", prevDir)

	var errs []error
	for _, c := range []struct {
		name  string
		value any
	}{
		{CapMeasurePeople, r.Count},
		{CapPeopleSetting, r.Count},
		{CapState, string(r.Direction)},
		{CapAlarmMotion, r.Count > 0},
	} {
		if err := d.host.SetCapabilityValue(d.ieee, c.name, c.value); err != nil {
			d.logger.Error("refresh: publish", "capability", c.name, "err", err)
			errs = append(errs, fmt.Errorf("publish %s: %w", c.name, err))
		}
	}

	if prev, ok := toFloat(prevCount); !hadCount || !ok || prev != float64(r.Count) {
		d.logger.Info("people count changed", "prev", prevCount, "people", r.Count)
		if err := d.host.TriggerFlow(d.ieee, CardPeopleCountChanged, map[string]any{"people": r.Count}); err != nil {
			d.logger.Warn("trigger people_count_changed", "err", err)
		}
	}
	return errors.Join(errs...)
}

// SetPeopleValue writes a new count to the device and refreshes from it.
func (d *Device) SetPeopleValue(ctx context.Context, value int) error {
	if value < 0 || value > MaxCount {
		return fmt.Errorf("%d: %w", value, ErrInvalidCount)
	}
	d.logger.Info("set people", "people", value)

	callCtx, cancel := d.callCtx(ctx)
	err := d.analog.WriteAttribute(callCtx, attrPresentValue, float32(value))
	cancel()
	if err != nil {
		d.logger.Warn("write presentValue", "err", err)
		return fmt.Errorf("write %s: %w", attrPresentValue, err)
	}
	return d.Refresh(ctx)
}

// HandleBatteryReport publishes measure_battery and alarm_battery for a
// batteryPercentageRemaining value.
func (d *Device) HandleBatteryReport(raw any) error {
	rv, ok := toFloat(raw)
	if !ok {
		return fmt.Errorf("%s %v (%T): unexpected type", attrBattery, raw, raw)
	}
	state := EvaluateBattery(rv, d.batteryThreshold())
	d.logger.Info("battery", "percent", state.Percent, "alarm", state.Alarm)

	if err := d.host.SetCapabilityValue(d.ieee, CapBattery, state.Percent); err != nil {
		return fmt.Errorf("publish %s: %w", CapBattery, err)
	}
	if err := d.host.SetCapabilityValue(d.ieee, CapAlarmBattery, state.Alarm); err != nil {
		return fmt.Errorf("publish %s: %w", CapAlarmBattery, err)
	}
	return nil
}

// batteryThreshold falls back to the default for a missing or zero setting.
func (d *Device) batteryThreshold() float64 {
	v, ok := d.host.Setting(d.ieee, SettingBatteryThreshold)
	if !ok {
		return DefaultBatteryThreshold
	}
	t, ok := toFloat(v)
	if !ok || t <= 0 {
		return DefaultBatteryThreshold
	}
	return t
}

// updateBattery publishes the battery level once without touching the alarm.
func (d *Device) updateBattery(ctx context.Context) {
	callCtx, cancel := d.callCtx(ctx)
	v, err := d.power.ReadAttribute(callCtx, attrBattery)
	cancel()
	if err != nil {
		d.logger.Warn("read battery", "err", err)
		return
	}
	rv, ok := toFloat(v)
	if !ok {
		d.logger.Warn("unexpected battery value", "value", v)
		return
	}
	if err := d.host.SetCapabilityValue(d.ieee, CapBattery, rv/2); err != nil {
		d.logger.Warn("publish battery", "err", err)
	}
}

func (d *Device) readBasicInfo(ctx context.Context) {
	var info BasicInfo
	read := func(name string) any {
		callCtx, cancel := d.callCtx(ctx)
		defer cancel()
		v, err := d.basic.ReadAttribute(callCtx, name)
		if err != nil {
			d.logger.Warn("read device attribute", "attr", name, "err", err)
			return nil
		}
		return v
	}
	info.Manufacturer, _ = read("manufacturerName").(string)
	info.Model, _ = read("modelId").(string)
	info.ZCLVersion, _ = read("zclVersion").(uint8)
	info.AppVersion, _ = read("appVersion").(uint8)
	info.PowerSource, _ = read("powerSource").(uint8)

	d.logger.Info("device info", "manufacturer", info.Manufacturer, "model", info.Model,
		"zcl_version", info.ZCLVersion, "app_version", info.AppVersion, "power_source", info.PowerSource)
	d.mu.Lock()
	d.info = info
	d.mu.Unlock()
}

// Close drops every subscription and waits for report-started refreshes.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	unsubs := d.unsubs
	d.unsubs = nil
	d.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	d.wg.Wait()
	d.logger.Info("people counter removed")
}

// countFromValue accepts a whole, non-negative number from a capability write.
func countFromValue(v any) (int, error) {
	f, ok := toFloat(v)
	if !ok || f < 0 || f != math.Trunc(f) || f > MaxCount {
		return 0, fmt.Errorf("%v: %w", v, ErrInvalidCount)
	}
	return int(f), nil
}
