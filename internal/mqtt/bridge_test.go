//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/store"
)

const testIEEE = "000D6F0012345678"

type published struct {
	topic    string
	payload  []byte
	retained bool
}

type fakePublisher struct {
	mu       sync.Mutex
	msgs     []published
	handlers map[string]func([]byte)
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{handlers: make(map[string]func([]byte))}
}

func (p *fakePublisher) Publish(topic string, payload []byte, retained bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic, payload, retained})
}

func (p *fakePublisher) Subscribe(topic string, handler func([]byte)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[topic] = handler
}

func (p *fakePublisher) Unsubscribe(topic string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, topic)
}

func (p *fakePublisher) last(topic string) (published, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if p.msgs[i].topic == topic {
			return p.msgs[i], true
		}
	}
	return published{}, false
}

type fakeDevices map[string]*store.Device

func (f fakeDevices) GetDevice(ieee string) (*store.Device, error) {
	d, ok := f[ieee]
	if !ok {
		return nil, store.ErrNotFound
	}
	return d, nil
}

func (f fakeDevices) ListDevices() ([]*store.Device, error) {
	var out []*store.Device
	for _, d := range f {
		out = append(out, d)
	}
	return out, nil
}

type fakeCaps map[string]map[string]any

func (f fakeCaps) Capabilities(ieee string) (map[string]any, error) {
	return f[ieee], nil
}

type fakeCommands struct {
	set       []int
	refreshed int
	err       error
}

func (c *fakeCommands) SetPeopleCount(_ context.Context, _ string, n int) error {
	c.set = append(c.set, n)
	return c.err
}

func (c *fakeCommands) Refresh(context.Context, string) error {
	c.refreshed++
	return c.err
}

func newTestBridge(t *testing.T) (*Bridge, *fakePublisher, fakeDevices, fakeCaps, *fakeCommands) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	devices := fakeDevices{testIEEE: {
		IEEEAddress:  testIEEE,
		FriendlyName: "Front Door",
		Manufacturer: "ShinaSystem",
		Model:        "CSM-300Z",
		LQI:          180,
		LastSeen:     time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}}
	caps := fakeCaps{testIEEE: {"measure_people": float64(3), "alarm_motion": true}}
	cmds := &fakeCommands{}
	events := coordinator.NewEventBus(logger)
	b := newBridge(events, devices, caps, cmds, "people", logger)
	pub := newFakePublisher()
	b.pub = pub
	b.Start()
	t.Cleanup(b.Stop)
	return b, pub, devices, caps, cmds
}

func TestDiscoveryPeopleCounter(t *testing.T) {
	dev := &store.Device{
		IEEEAddress:  testIEEE,
		Manufacturer: "ShinaSystem",
		Model:        "CSM-300Z",
		FriendlyName: "Front Door",
		AppVersion:   17,
	}

	msgs := buildDiscovery(dev, "people")
	topics := extractTopics(msgs)
	for _, want := range []string{
		"homeassistant/sensor/people_counter_000D6F0012345678/people/config",
		"homeassistant/sensor/people_counter_000D6F0012345678/direction/config",
		"homeassistant/binary_sensor/people_counter_000D6F0012345678/occupancy/config",
		"homeassistant/sensor/people_counter_000D6F0012345678/battery/config",
		"homeassistant/binary_sensor/people_counter_000D6F0012345678/battery_low/config",
		"homeassistant/sensor/people_counter_000D6F0012345678/linkquality/config",
		"homeassistant/number/people_counter_000D6F0012345678/people_setting/config",
		"homeassistant/button/people_counter_000D6F0012345678/refresh/config",
	} {
		if !topics[want] {
			t.Errorf("missing %s", want)
		}
	}

	var occ haDiscovery
	for _, m := range msgs {
		if m.Topic == "homeassistant/binary_sensor/people_counter_000D6F0012345678/occupancy/config" {
			if err := json.Unmarshal(m.Payload, &occ); err != nil {
				t.Fatal(err)
			}
		}
	}
	if occ.Name != "Front Door Occupancy" || occ.DeviceClass != "occupancy" {
		t.Errorf("occupancy = %+v", occ)
	}
	if occ.StateTopic != "people/front_door" || occ.AvailabilityTopic != "people/bridge/state" {
		t.Errorf("topics = %q %q", occ.StateTopic, occ.AvailabilityTopic)
	}
	if occ.PayloadOn != "ON" || occ.Device.SWVersion != "17" || occ.Device.Manufacturer != "ShinaSystem" {
		t.Errorf("payload = %+v", occ)
	}
}

func TestDiscoveryPeopleSettingNumber(t *testing.T) {
	dev := &store.Device{IEEEAddress: testIEEE, FriendlyName: "Front Door"}
	for _, m := range buildDiscovery(dev, "people") {
		if m.Topic != "homeassistant/number/people_counter_000D6F0012345678/people_setting/config" {
			continue
		}
		var payload haDiscovery
		if err := json.Unmarshal(m.Payload, &payload); err != nil {
			t.Fatal(err)
		}
		if payload.CommandTopic != "people/front_door/set" {
			t.Errorf("command_topic = %q", payload.CommandTopic)
		}
		if payload.Min == nil || *payload.Min != 0 || payload.Max == nil || *payload.Max != maxPeopleSetting {
			t.Errorf("range = %v..%v", payload.Min, payload.Max)
		}
		return
	}
	t.Fatal("people_setting discovery not found")
}

func TestDeviceDisplayName(t *testing.T) {
	tests := []struct {
		name string
		dev  *store.Device
		want string
	}{
		{
			name: "friendly name",
			dev:  &store.Device{FriendlyName: "Front Door", Manufacturer: "ShinaSystem", Model: "CSM-300Z"},
			want: "Front Door",
		},
		{
			name: "manufacturer and model",
			dev:  &store.Device{Manufacturer: "ShinaSystem", Model: "CSM-300Z"},
			want: "ShinaSystem CSM-300Z",
		},
		{
			name: "model only",
			dev:  &store.Device{Model: "CSM-300Z"},
			want: "CSM-300Z",
		},
		{
			name: "IEEE fallback",
			dev:  &store.Device{IEEEAddress: testIEEE},
			want: testIEEE,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deviceDisplayName(tt.dev)
			if got != tt.want {
				t.Errorf("deviceDisplayName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDeviceTopicName(t *testing.T) {
	tests := []struct {
		name string
		dev  *store.Device
		want string
	}{
		{
			name: "friendly name with spaces",
			dev:  &store.Device{FriendlyName: "Front Door", IEEEAddress: "AABB"},
			want: "front_door",
		},
		{
			name: "IEEE fallback",
			dev:  &store.Device{IEEEAddress: testIEEE},
			want: testIEEE,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := deviceTopicName(tt.dev)
			if got != tt.want {
				t.Errorf("deviceTopicName() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRemoveDiscovery(t *testing.T) {
	msgs := buildRemoveDiscovery(testIEEE)
	added := extractTopics(buildDiscovery(&store.Device{IEEEAddress: testIEEE}, "people"))
	if len(msgs) != len(added) {
		t.Fatalf("removal covers %d topics, discovery publishes %d", len(msgs), len(added))
	}
	for _, m := range msgs {
		if m.Payload != nil {
			t.Errorf("removal message should have nil payload, got %q for %s", m.Payload, m.Topic)
		}
		if !added[m.Topic] {
			t.Errorf("removal of unknown topic %s", m.Topic)
		}
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		people  int
		refresh bool
		wantErr bool
	}{
		{"people", `{"people_setting": 4}`, 4, false, false},
		{"zero", `{"people_setting": 0}`, 0, false, false},
		{"refresh", `{"refresh": true}`, -1, true, false},
		{"negative", `{"people_setting": -1}`, 0, false, true},
		{"fraction", `{"people_setting": 1.5}`, 0, false, true},
		{"largest", `{"people_setting": 16777216}`, 16777216, false, false},
		{"too large", `{"people_setting": 16777217}`, 0, false, true},
		{"huge", `{"people_setting": 1e20}`, 0, false, true},
		{"empty", `{}`, 0, false, true},
		{"not json", `ON`, 0, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := parseCommand([]byte(tt.payload))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if tt.people >= 0 && (cmd.PeopleSetting == nil || int(*cmd.PeopleSetting) != tt.people) {
				t.Errorf("people_setting = %v", cmd.PeopleSetting)
			}
			if cmd.Refresh != tt.refresh {
				t.Errorf("refresh = %v", cmd.Refresh)
			}
		})
	}
}

func TestCapabilityChangePublishesState(t *testing.T) {
	b, pub, _, _, _ := newTestBridge(t)

	b.events.Emit(coordinator.Event{
		Type: coordinator.EventCapabilityChanged,
		Data: map[string]any{"ieee": testIEEE, "capability": "measure_people", "value": 3},
	})

	msg, ok := pub.last("people/front_door")
	if !ok {
		t.Fatal("no state published")
	}
	if !msg.retained {
		t.Error("state not retained")
	}
	var state map[string]any
	if err := json.Unmarshal(msg.payload, &state); err != nil {
		t.Fatal(err)
	}
	if state["measure_people"] != float64(3) || state["alarm_motion"] != true || state["linkquality"] != float64(180) {
		t.Errorf("state = %v", state)
	}
	if state["last_seen"] != "2026-03-01T12:00:00Z" {
		t.Errorf("last_seen = %v", state["last_seen"])
	}
}

func TestCapabilityChangeForUnknownDeviceIgnored(t *testing.T) {
	b, pub, _, _, _ := newTestBridge(t)
	b.events.Emit(coordinator.Event{
		Type: coordinator.EventCapabilityChanged,
		Data: map[string]any{"ieee": "FFFFFFFFFFFFFFFF", "capability": "measure_people", "value": 1},
	})
	if len(pub.msgs) != 0 {
		t.Errorf("published %d messages", len(pub.msgs))
	}
}

func TestDeviceAddedSubscribesCommands(t *testing.T) {
	b, pub, _, _, cmds := newTestBridge(t)
	b.events.Emit(coordinator.Event{Type: coordinator.EventDeviceAdded, Data: map[string]any{"ieee": testIEEE}})

	if _, ok := pub.last("homeassistant/sensor/people_counter_000D6F0012345678/people/config"); !ok {
		t.Error("discovery not published")
	}
	handler := pub.handlers["people/front_door/set"]
	if handler == nil {
		t.Fatal("command topic not subscribed")
	}

	handler([]byte(`{"people_setting": 6}`))
	handler([]byte(`{"refresh": true}`))
	handler([]byte(`garbage`))
	if len(cmds.set) != 1 || cmds.set[0] != 6 {
		t.Errorf("set = %v", cmds.set)
	}
	if cmds.refreshed != 1 {
		t.Errorf("refreshed = %d", cmds.refreshed)
	}
}

func TestRenamedDeviceMovesCommandTopic(t *testing.T) {
	b, pub, devices, _, _ := newTestBridge(t)
	b.syncDevice(testIEEE)

	devices[testIEEE].FriendlyName = "Back Door"
	b.syncDevice(testIEEE)

	if pub.handlers["people/front_door/set"] != nil {
		t.Error("old command topic still subscribed")
	}
	if pub.handlers["people/back_door/set"] == nil {
		t.Error("new command topic not subscribed")
	}
}

func TestDeviceRemovedClearsTopics(t *testing.T) {
	b, pub, devices, _, _ := newTestBridge(t)
	b.syncDevice(testIEEE)
	delete(devices, testIEEE)

	b.events.Emit(coordinator.Event{Type: coordinator.EventDeviceRemoved, Data: map[string]any{"ieee": testIEEE}})

	if pub.handlers["people/front_door/set"] != nil {
		t.Error("command topic still subscribed")
	}
	msg, ok := pub.last("people/front_door")
	if !ok || msg.payload != nil || !msg.retained {
		t.Errorf("state not cleared: %+v", msg)
	}
	msg, ok = pub.last("homeassistant/button/people_counter_000D6F0012345678/refresh/config")
	if !ok || msg.payload != nil {
		t.Errorf("discovery not removed: %+v", msg)
	}
}

func TestSyncAllPublishesEveryDevice(t *testing.T) {
	b, pub, devices, caps, _ := newTestBridge(t)
	devices["000D6F00AAAAAAAA"] = &store.Device{IEEEAddress: "000D6F00AAAAAAAA"}
	caps["000D6F00AAAAAAAA"] = map[string]any{"measure_people": float64(0)}

	b.syncAll()
	if _, ok := pub.last("people/front_door"); !ok {
		t.Error("first device state missing")
	}
	if _, ok := pub.last("people/000D6F00AAAAAAAA"); !ok {
		t.Error("second device state missing")
	}
}

func TestStopPublishesOffline(t *testing.T) {
	b, pub, _, _, _ := newTestBridge(t)
	b.Stop()
	msg, ok := pub.last("people/bridge/state")
	if !ok || string(msg.payload) != "offline" || !msg.retained {
		t.Errorf("bridge state = %+v", msg)
	}
}

func TestMustJSON(t *testing.T) {
	result := mustJSON(map[string]string{"hello": "world"})
	var parsed map[string]string
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("mustJSON output not valid JSON: %v", err)
	}
	if parsed["hello"] != "world" {
		t.Errorf("parsed value = %q", parsed["hello"])
	}
	if got := string(mustJSON(func() {})); got != "{}" {
		t.Errorf("unmarshalable value = %s", got)
	}
}

func extractTopics(msgs []discoveryMsg) map[string]bool {
	topics := make(map[string]bool)
	for _, m := range msgs {
		topics[m.Topic] = true
	}
	return topics
}
