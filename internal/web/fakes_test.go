package web

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"zigbee-people-counter/internal/automation"
	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/hub"
	"zigbee-people-counter/internal/peoplecounter"
	"zigbee-people-counter/internal/store"
)

const testIEEE = "000D6F0012345678"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// storeDevices serves the device registry straight from a store.
type storeDevices struct {
	*store.BoltStore
	events *coordinator.EventBus
}

func (d storeDevices) RemoveDevice(ieee string) error {
	if _, err := d.GetDevice(ieee); err != nil {
		return fmt.Errorf("%s: %w", ieee, coordinator.ErrDeviceNotFound)
	}
	if err := d.DeleteDevice(ieee); err != nil {
		return err
	}
	d.events.Emit(coordinator.Event{Type: coordinator.EventDeviceRemoved, Data: map[string]any{"ieee": ieee}})
	return nil
}

type fakeNetwork struct{}

func (fakeNetwork) NetworkInfo() map[string]any {
	return map[string]any{"channel": 15, "pan_id": "0x1A62"}
}

// fakeCounters publishes through the hub like the driver does.
type fakeCounters struct {
	hub *hub.Hub

	mu         sync.Mutex
	attached   map[string]bool
	refreshErr error
	detached   []string
	refreshes  int
}

func (c *fakeCounters) check(ieee string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.attached[ieee] {
		return fmt.Errorf("%s: %w", ieee, peoplecounter.ErrNotAttached)
	}
	return nil
}

func (c *fakeCounters) SetPeopleCount(ctx context.Context, ieee string, n int) error {
	if err := c.check(ieee); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%d: %w", n, peoplecounter.ErrInvalidCount)
	}
	c.hub.SetCapabilityValue(ieee, peoplecounter.CapMeasurePeople, n)
	c.hub.SetCapabilityValue(ieee, peoplecounter.CapAlarmMotion, n > 0)
	return nil
}

func (c *fakeCounters) Refresh(ctx context.Context, ieee string) error {
	if err := c.check(ieee); err != nil {
		return err
	}
	c.mu.Lock()
	c.refreshes++
	err := c.refreshErr
	c.mu.Unlock()
	return err
}

func (c *fakeCounters) Detach(ieee string) error {
	if err := c.check(ieee); err != nil {
		return err
	}
	c.mu.Lock()
	delete(c.attached, ieee)
	c.detached = append(c.detached, ieee)
	c.mu.Unlock()
	return nil
}

func (c *fakeCounters) People(ieee string) (int, bool, error) {
	v, ok := c.hub.CapabilityValue(ieee, peoplecounter.CapMeasurePeople)
	if !ok {
		return 0, false, c.check(ieee)
	}
	n, _ := v.(float64)
	if i, isInt := v.(int); isInt {
		n = float64(i)
	}
	return int(n), true, c.check(ieee)
}

func (c *fakeCounters) PeopleAbove(ieee string, n int) (bool, error) {
	got, _, err := c.People(ieee)
	return got >= n, err
}

func (c *fakeCounters) Occupied(ieee string) (bool, error) {
	got, _, err := c.People(ieee)
	return got > 0, err
}

type testEnv struct {
	srv      *Server
	db       *store.BoltStore
	events   *coordinator.EventBus
	hub      *hub.Hub
	counters *fakeCounters
	mgr      *automation.Manager
	engine   *automation.Engine
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := testLogger()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	events := coordinator.NewEventBus(logger)
	h := hub.New(db, events, map[string]any{peoplecounter.SettingBatteryThreshold: float64(peoplecounter.DefaultBatteryThreshold)}, logger)
	counters := &fakeCounters{hub: h, attached: map[string]bool{}}
	devices := storeDevices{BoltStore: db, events: events}

	mgr, err := automation.NewManager(filepath.Join(t.TempDir(), "scripts"), logger)
	if err != nil {
		t.Fatal(err)
	}
	engine := automation.NewEngine(events, devices, counters, mgr, logger)
	engine.Start()
	t.Cleanup(engine.Stop)

	opts = append([]ServerOption{WithAutomation(engine, mgr), WithVersion("test")}, opts...)
	srv := NewServer(Backend{
		Events:   events,
		Devices:  devices,
		Network:  fakeNetwork{},
		Counters: counters,
		Hub:      h,
	}, logger, opts...)
	t.Cleanup(srv.Stop)

	return &testEnv{srv: srv, db: db, events: events, hub: h, counters: counters, mgr: mgr, engine: engine}
}

// seedDevice stores and attaches a counter.
func (e *testEnv) seedDevice(t *testing.T, ieee string) {
	t.Helper()
	if err := e.db.SaveDevice(&store.Device{
		IEEEAddress:  ieee,
		ShortAddress: 0x1234,
		Endpoint:     1,
		FriendlyName: "Front Door",
		Manufacturer: "ShinaSystem",
		Model:        "CSM-300Z",
	}); err != nil {
		t.Fatal(err)
	}
	e.counters.mu.Lock()
	e.counters.attached[ieee] = true
	e.counters.mu.Unlock()
}
