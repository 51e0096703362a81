//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/store"
)

const frontDoor = "000D6F0012345678"

var errNotAttached = errors.New("device not attached")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type setCall struct {
	ieee string
	n    int
}

type fakeFlows struct {
	mu        sync.Mutex
	people    map[string]int
	sets      chan setCall
	refreshes chan string
}

func newFakeFlows() *fakeFlows {
	return &fakeFlows{
		people:    map[string]int{frontDoor: 3},
		sets:      make(chan setCall, 16),
		refreshes: make(chan string, 16),
	}
}

func (f *fakeFlows) People(ieee string) (int, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, ok := f.people[ieee]
	if !ok {
		return 0, false, errNotAttached
	}
	return n, true, nil
}

func (f *fakeFlows) PeopleAbove(ieee string, n int) (bool, error) {
	got, _, err := f.People(ieee)
	return err == nil && got >= n, err
}

func (f *fakeFlows) Occupied(ieee string) (bool, error) {
	got, _, err := f.People(ieee)
	return got > 0, err
}

func (f *fakeFlows) SetPeopleCount(_ context.Context, ieee string, n int) error {
	f.mu.Lock()
	_, ok := f.people[ieee]
	if ok {
		f.people[ieee] = n
	}
	f.mu.Unlock()
	if !ok {
		return errNotAttached
	}
	f.sets <- setCall{ieee, n}
	return nil
}

func (f *fakeFlows) Refresh(_ context.Context, ieee string) error {
	if _, _, err := f.People(ieee); err != nil {
		return err
	}
	f.refreshes <- ieee
	return nil
}

type fakeDevices []*store.Device

func (d fakeDevices) GetDevice(ieee string) (*store.Device, error) {
	for _, dev := range d {
		if dev.IEEEAddress == ieee {
			return dev, nil
		}
	}
	return nil, store.ErrNotFound
}

func (d fakeDevices) ListDevices() ([]*store.Device, error) { return d, nil }

func newTestEngine(t *testing.T) (*Engine, *Manager, *fakeFlows, *coordinator.EventBus) {
	t.Helper()
	mgr := newTestManager(t)
	flows := newFakeFlows()
	events := coordinator.NewEventBus(testLogger())
	devices := fakeDevices{{IEEEAddress: frontDoor, FriendlyName: "Front Door", Model: "CSM-300Z"}}
	e := NewEngine(events, devices, flows, mgr, testLogger())
	t.Cleanup(e.Stop)
	return e, mgr, flows, events
}

func saveScript(t *testing.T, m *Manager, name, code string, enabled bool) *Script {
	t.Helper()
	s, err := m.Save(&Script{Meta: ScriptMeta{Name: name, Enabled: enabled}, LuaCode: code})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func waitSet(t *testing.T, ch <-chan setCall) setCall {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for set_people")
		return setCall{}
	}
}

func joinLogs(r *RunResult) string { return strings.Join(r.Logs, "\n") }
