package peoplecounter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

const testIEEE = "000D6F0012345678"

var errStub = errors.New("stub failure")

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type capWrite struct {
	name  string
	value any
}

type flowTrigger struct {
	card   string
	tokens map[string]any
}

// fakeHost keeps capability state in memory and records every publish.
type fakeHost struct {
	mu         sync.Mutex
	caps       map[string]any
	settings   map[string]any
	writes     []capWrite
	triggers   []flowTrigger
	listeners  map[string]func(context.Context, any) error
	first      bool
	marked     bool
	setErr     map[string]error
	triggerErr error
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		caps:      make(map[string]any),
		settings:  make(map[string]any),
		listeners: make(map[string]func(context.Context, any) error),
		setErr:    make(map[string]error),
	}
}

func (h *fakeHost) SetCapabilityValue(_, name string, value any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.setErr[name]; err != nil {
		return err
	}
	h.caps[name] = value
	h.writes = append(h.writes, capWrite{name, value})
	return nil
}

func (h *fakeHost) CapabilityValue(_, name string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.caps[name]
	return v, ok
}

func (h *fakeHost) RegisterCapabilityListener(_, name string, fn func(context.Context, any) error) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.listeners[name] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.listeners, name)
	}
}

func (h *fakeHost) Setting(_, key string) (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.settings[key]
	return v, ok
}

func (h *fakeHost) TriggerFlow(_, card string, tokens map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.triggerErr != nil {
		return h.triggerErr
	}
	h.triggers = append(h.triggers, flowTrigger{card, tokens})
	return nil
}

func (h *fakeHost) IsFirstInit(string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.first && !h.marked
}

func (h *fakeHost) MarkInitialized(string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.marked = true
	return nil
}

// trigger invokes a capability listener the way the hub does for a user write.
func (h *fakeHost) trigger(name string, value any) error {
	h.mu.Lock()
	fn, ok := h.listeners[name]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("no listener for %s", name)
	}
	return fn(context.Background(), value)
}

func (h *fakeHost) published() []capWrite {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]capWrite(nil), h.writes...)
}

func (h *fakeHost) flowTriggers() []flowTrigger {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]flowTrigger(nil), h.triggers...)
}

// fakeCluster answers reads from values; a write updates the value like the
// real counter does.
type fakeCluster struct {
	mu       sync.Mutex
	values   map[string]any
	readErr  error
	writeErr error
	reads    []string
	writes   []capWrite
	handlers map[string]func(any)
	subErr   error
}

func newFakeCluster(values map[string]any) *fakeCluster {
	if values == nil {
		values = make(map[string]any)
	}
	return &fakeCluster{values: values, handlers: make(map[string]func(any))}
}

func (c *fakeCluster) ReadAttribute(ctx context.Context, name string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads = append(c.reads, name)
	if c.readErr != nil {
		return nil, c.readErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := c.values[name]
	if !ok {
		return nil, fmt.Errorf("%s: unsupported attribute", name)
	}
	return v, nil
}

func (c *fakeCluster) WriteAttribute(_ context.Context, name string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, capWrite{name, value})
	c.values[name] = value
	return nil
}

func (c *fakeCluster) OnAttributeChange(name string, handler func(any)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subErr != nil {
		return nil, c.subErr
	}
	c.handlers[name] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, name)
	}, nil
}

func (c *fakeCluster) report(name string, value any) {
	c.mu.Lock()
	c.values[name] = value
	h := c.handlers[name]
	c.mu.Unlock()
	if h != nil {
		h(value)
	}
}

func (c *fakeCluster) set(name string, value any) {
	c.mu.Lock()
	c.values[name] = value
	c.mu.Unlock()
}

func (c *fakeCluster) readCount(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, r := range c.reads {
		if r == name {
			n++
		}
	}
	return n
}

func (c *fakeCluster) subscribed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

type testClusters struct {
	analog, power, basic *fakeCluster
}

func newTestClusters(present float32, battery uint8) testClusters {
	return testClusters{
		analog: newFakeCluster(map[string]any{"presentValue": present}),
		power:  newFakeCluster(map[string]any{"batteryPercentageRemaining": battery}),
		basic: newFakeCluster(map[string]any{
			"manufacturerName": "ShinaSystem",
			"modelId":          "CSM-300Z",
			"zclVersion":       uint8(3),
			"appVersion":       uint8(17),
			"powerSource":      uint8(3),
		}),
	}
}

func (tc testClusters) clusters() Clusters {
	return Clusters{AnalogInput: tc.analog, PowerConfig: tc.power, Basic: tc.basic}
}

func newTestDevice(host *fakeHost, tc testClusters) *Device {
	return NewDevice(testIEEE, "hallway", host, tc.clusters(), newTestLogger())
}

// fakeNetwork hands out prepared clusters and records configuration.
type fakeNetwork struct {
	mu          sync.Mutex
	clusters    map[string]testClusters
	configured  []string
	configErr   error
	infos       map[string]BasicInfo
	announceFns map[int]func(string)
	nextID      int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		clusters:    make(map[string]testClusters),
		infos:       make(map[string]BasicInfo),
		announceFns: make(map[int]func(string)),
	}
}

func (n *fakeNetwork) Clusters(ieee string) (Clusters, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	tc, ok := n.clusters[ieee]
	if !ok {
		return Clusters{}, fmt.Errorf("%s: %w", ieee, errStub)
	}
	return tc.clusters(), nil
}

func (n *fakeNetwork) Configure(_ context.Context, ieee string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.configured = append(n.configured, ieee)
	return n.configErr
}

func (n *fakeNetwork) SaveInfo(ieee string, info BasicInfo) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.infos[ieee] = info
	return nil
}

func (n *fakeNetwork) OnAnnounce(fn func(string)) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	id := n.nextID
	n.nextID++
	n.announceFns[id] = fn
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.announceFns, id)
	}
}

func (n *fakeNetwork) announce(ieee string) {
	n.mu.Lock()
	fns := make([]func(string), 0, len(n.announceFns))
	for _, fn := range n.announceFns {
		fns = append(fns, fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(ieee)
	}
}

func (n *fakeNetwork) configureCount(ieee string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.configured {
		if s == ieee {
			c++
		}
	}
	return c
}
