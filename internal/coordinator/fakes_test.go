package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"zigbee-people-counter/internal/ncp"
	"zigbee-people-counter/internal/store"
	"zigbee-people-counter/internal/zcl"
	"zigbee-people-counter/internal/zcl/clusters"
)

// memStore is a minimal in-memory store for coordinator tests.
type memStore struct {
	mu       sync.Mutex
	devices  map[string]*store.Device
	caps     map[string]map[string]any
	settings map[string]map[string]any
	inited   map[string]bool
	netState *store.NetworkState
}

func newMemStore() *memStore {
	return &memStore{
		devices:  make(map[string]*store.Device),
		caps:     make(map[string]map[string]any),
		settings: make(map[string]map[string]any),
		inited:   make(map[string]bool),
	}
}

func (m *memStore) SaveDevice(dev *store.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *dev
	m.devices[dev.IEEEAddress] = &cp
	return nil
}
func (m *memStore) GetDevice(ieee string) (*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *d
	return &cp, nil
}
func (m *memStore) UpdateDevice(ieee string, fn func(*store.Device) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[ieee]
	if !ok {
		return store.ErrNotFound
	}
	cp := *d
	if err := fn(&cp); err != nil {
		return err
	}
	m.devices[ieee] = &cp
	return nil
}
func (m *memStore) DeleteDevice(ieee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.devices, ieee)
	delete(m.caps, ieee)
	delete(m.settings, ieee)
	delete(m.inited, ieee)
	return nil
}
func (m *memStore) ListDevices() ([]*store.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := make([]*store.Device, 0, len(m.devices))
	for _, d := range m.devices {
		cp := *d
		list = append(list, &cp)
	}
	return list, nil
}
func (m *memStore) SaveCapabilities(ieee string, caps map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.caps[ieee] = caps
	return nil
}
func (m *memStore) GetCapabilities(ieee string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any)
	for k, v := range m.caps[ieee] {
		out[k] = v
	}
	return out, nil
}
func (m *memStore) SaveSettings(ieee string, s map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[ieee] = s
	return nil
}
func (m *memStore) GetSettings(ieee string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]any)
	for k, v := range m.settings[ieee] {
		out[k] = v
	}
	return out, nil
}
func (m *memStore) MarkInitialized(ieee string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inited[ieee] = true
	return nil
}
func (m *memStore) IsInitialized(ieee string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inited[ieee], nil
}
func (m *memStore) SaveNetworkState(s *store.NetworkState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.netState = s
	return nil
}
func (m *memStore) GetNetworkState() (*store.NetworkState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.netState == nil {
		return nil, store.ErrNotFound
	}
	return m.netState, nil
}
func (m *memStore) Close() error { return nil }

// stubNCP records calls and answers reads from attrs.
type stubNCP struct {
	mu sync.Mutex

	calls     []string
	formErr   error
	startErr  error
	readErr   error
	attrs     map[uint16]ncp.AttributeResponse
	writes    []ncp.WriteAttributesRequest
	writeFail []ncp.WriteStatus
	binds     []ncp.BindRequest
	reporting []ncp.ConfigureReportingRequest

	onAnnounce func(ncp.DeviceAnnounceEvent)
	onReport   func(ncp.AttributeReportEvent)
}

var _ ncp.NCP = (*stubNCP)(nil)

func newStubNCP() *stubNCP {
	return &stubNCP{attrs: make(map[uint16]ncp.AttributeResponse)}
}

func (s *stubNCP) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *stubNCP) Reset(context.Context) error        { s.record("Reset"); return nil }
func (s *stubNCP) FactoryReset(context.Context) error { s.record("FactoryReset"); return nil }
func (s *stubNCP) Init(context.Context) error         { s.record("Init"); return nil }
func (s *stubNCP) FormNetwork(context.Context, ncp.NetworkConfig) error {
	s.record("FormNetwork")
	return s.formErr
}
func (s *stubNCP) StartNetwork(context.Context) error { s.record("StartNetwork"); return s.startErr }
func (s *stubNCP) NetworkInfo(context.Context) (*ncp.NetworkInfo, error) {
	return &ncp.NetworkInfo{}, nil
}
func (s *stubNCP) GetLocalIEEE(context.Context) ([8]byte, error) {
	return [8]byte{0x00, 0x12, 0x4B, 0x00, 0x01, 0x02, 0x03, 0x04}, nil
}
func (s *stubNCP) Bind(_ context.Context, req ncp.BindRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.binds = append(s.binds, req)
	return nil
}
func (s *stubNCP) ReadAttributes(_ context.Context, req ncp.ReadAttributesRequest) ([]ncp.AttributeResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	var out []ncp.AttributeResponse
	for _, id := range req.AttrIDs {
		r, ok := s.attrs[id]
		if !ok {
			r = ncp.AttributeResponse{AttrID: id, Status: zcl.StatusUnsupportedAttr}
		}
		out = append(out, r)
	}
	return out, nil
}
func (s *stubNCP) WriteAttributes(_ context.Context, req ncp.WriteAttributesRequest) ([]ncp.WriteStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, req)
	return s.writeFail, nil
}
func (s *stubNCP) ConfigureReporting(_ context.Context, req ncp.ConfigureReportingRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporting = append(s.reporting, req)
	return nil
}
func (s *stubNCP) OnDeviceAnnounce(h func(ncp.DeviceAnnounceEvent))  { s.onAnnounce = h }
func (s *stubNCP) OnAttributeReport(h func(ncp.AttributeReportEvent)) { s.onReport = h }
func (s *stubNCP) GetNCPInfo() *ncp.NCPInfo {
	return &ncp.NCPInfo{StackVersion: "3.11.1.177", NetworkKey: []byte{0xAA, 0xBB}}
}
func (s *stubNCP) Close() error { return nil }

func (s *stubNCP) callLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func testRegistry(logger *slog.Logger) *zcl.Registry {
	r := zcl.NewRegistry(logger)
	clusters.RegisterAll(r)
	return r
}

// newTestCoordinator wires a coordinator to a stub NCP and memory store.
func newTestCoordinator(t *testing.T) (*Coordinator, *stubNCP, *memStore) {
	t.Helper()
	logger := newTestLogger()
	st := newMemStore()
	n := newStubNCP()
	c := New(n, st, testRegistry(logger), NewEventBus(logger), Config{Channel: 15, PanID: 0x1A62}, NCPConfig{Type: "nrf52840"}, logger)
	t.Cleanup(c.Stop)
	return c, n, st
}

var errStub = errors.New("stub failure")
