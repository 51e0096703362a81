// Package hub holds per-device capability state, settings and flow triggers.
// It is the host side of a device driver: drivers publish capability values
// here and the hub fans them out to the event bus for MQTT, Lua and the web UI.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"

	"github.com/google/uuid"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/store"
)

var (
	// ErrUnknownDevice is returned for an IEEE address with no stored device.
	ErrUnknownDevice = errors.New("hub: unknown device")
	// ErrNoListener is returned when a capability write has nobody to handle it.
	ErrNoListener = errors.New("hub: no capability listener")
)

type capabilityListener func(ctx context.Context, value any) error

// Hub is safe for concurrent use.
type Hub struct {
	store  store.Store
	events *coordinator.EventBus
	logger *slog.Logger

	// mu serializes read-modify-write of capability and setting rows.
	mu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[string]map[string]map[uint64]capabilityListener
	nextID     uint64

	defaults map[string]any
}

// New creates a hub backed by st. Setting defaults apply to every device.
func New(st store.Store, events *coordinator.EventBus, defaults map[string]any, logger *slog.Logger) *Hub {
	h := &Hub{
		store:     st,
		events:    events,
		logger:    logger.With("component", "hub"),
		listeners: make(map[string]map[string]map[uint64]capabilityListener),
		defaults:  make(map[string]any, len(defaults)),
	}
	for k, v := range defaults {
		h.defaults[k] = v
	}
	events.On(coordinator.EventDeviceRemoved, func(e coordinator.Event) {
		if data, ok := e.Data.(map[string]any); ok {
			if ieee, ok := data["ieee"].(string); ok {
				h.forget(ieee)
			}
		}
	})
	return h
}

func (h *Hub) checkDevice(ieee string) error {
	if _, err := h.store.GetDevice(ieee); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%s: %w", ieee, ErrUnknownDevice)
		}
		return err
	}
	return nil
}

// SetCapabilityValue stores value and emits capability_changed when it
// differs from the stored one.
func (h *Hub) SetCapabilityValue(ieee, name string, value any) error {
	if err := h.checkDevice(ieee); err != nil {
		return err
	}

	h.mu.Lock()
	caps, err := h.store.GetCapabilities(ieee)
	if err != nil {
		h.mu.Unlock()
		return fmt.Errorf("load capabilities %s: %w", ieee, err)
	}
	prev, had := caps[name]
	changed := !had || !sameValue(prev, value)
	if changed {
		caps[name] = value
		if err := h.store.SaveCapabilities(ieee, caps); err != nil {
			h.mu.Unlock()
			return fmt.Errorf("save capability %s/%s: %w", ieee, name, err)
		}
	}
	h.mu.Unlock()

	if changed {
		h.logger.Debug("capability changed", "ieee", ieee, "capability", name, "value", value)
		h.events.Emit(coordinator.Event{
			Type: coordinator.EventCapabilityChanged,
			Data: map[string]any{"ieee": ieee, "capability": name, "value": value},
		})
	}
	return nil
}

// sameValue compares capability values, treating all numeric kinds as float64
// since stored values come back from JSON as float64.
func sameValue(a, b any) bool {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		return fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

// CapabilityValue returns the last published value.
func (h *Hub) CapabilityValue(ieee, name string) (any, bool) {
	caps, err := h.store.GetCapabilities(ieee)
	if err != nil {
		h.logger.Error("load capabilities", "ieee", ieee, "err", err)
		return nil, false
	}
	v, ok := caps[name]
	return v, ok
}

// Capabilities returns every published value of a device.
func (h *Hub) Capabilities(ieee string) (map[string]any, error) {
	if err := h.checkDevice(ieee); err != nil {
		return nil, err
	}
	return h.store.GetCapabilities(ieee)
}

// RegisterCapabilityListener registers fn for hub-originated writes of a
// capability. Returns an unregister function.
func (h *Hub) RegisterCapabilityListener(ieee, name string, fn func(ctx context.Context, value any) error) func() {
	h.listenerMu.Lock()
	defer h.listenerMu.Unlock()
	id := h.nextID
	h.nextID++
	if h.listeners[ieee] == nil {
		h.listeners[ieee] = make(map[string]map[uint64]capabilityListener)
	}
	if h.listeners[ieee][name] == nil {
		h.listeners[ieee][name] = make(map[uint64]capabilityListener)
	}
	h.listeners[ieee][name][id] = fn
	return func() {
		h.listenerMu.Lock()
		defer h.listenerMu.Unlock()
		delete(h.listeners[ieee][name], id)
	}
}

// TriggerCapabilityListener delivers a user or automation write of a
// capability to the driver. The driver publishes the resulting state itself.
func (h *Hub) TriggerCapabilityListener(ctx context.Context, ieee, name string, value any) error {
	if err := h.checkDevice(ieee); err != nil {
		return err
	}
	h.listenerMu.RLock()
	fns := make([]capabilityListener, 0, len(h.listeners[ieee][name]))
	for _, fn := range h.listeners[ieee][name] {
		fns = append(fns, fn)
	}
	h.listenerMu.RUnlock()

	if len(fns) == 0 {
		return fmt.Errorf("%s/%s: %w", ieee, name, ErrNoListener)
	}
	h.logger.Info("capability write", "ieee", ieee, "capability", name, "value", value)
	var errs []error
	for _, fn := range fns {
		if err := fn(ctx, value); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Setting returns a device setting, falling back to the hub default.
func (h *Hub) Setting(ieee, key string) (any, bool) {
	settings, err := h.store.GetSettings(ieee)
	if err != nil {
		h.logger.Error("load settings", "ieee", ieee, "err", err)
	} else if v, ok := settings[key]; ok && v != nil {
		return v, true
	}
	v, ok := h.defaults[key]
	return v, ok
}

// Settings returns the effective settings of a device, defaults included.
func (h *Hub) Settings(ieee string) (map[string]any, error) {
	if err := h.checkDevice(ieee); err != nil {
		return nil, err
	}
	stored, err := h.store.GetSettings(ieee)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(h.defaults)+len(stored))
	for k, v := range h.defaults {
		out[k] = v
	}
	for k, v := range stored {
		out[k] = v
	}
	return out, nil
}

// SetSettings merges values into the stored settings. A nil value removes
// the key so the default applies again.
func (h *Hub) SetSettings(ieee string, values map[string]any) error {
	if err := h.checkDevice(ieee); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	settings, err := h.store.GetSettings(ieee)
	if err != nil {
		return err
	}
	for k, v := range values {
		if v == nil {
			delete(settings, k)
			continue
		}
		settings[k] = v
	}
	if err := h.store.SaveSettings(ieee, settings); err != nil {
		return fmt.Errorf("save settings %s: %w", ieee, err)
	}
	h.logger.Info("settings updated", "ieee", ieee, "keys", len(values))
	return nil
}

// SeedSettings stores values only for keys the device has no stored value
// for, so settings changed at runtime survive a restart.
func (h *Hub) SeedSettings(ieee string, values map[string]any) error {
	if err := h.checkDevice(ieee); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	settings, err := h.store.GetSettings(ieee)
	if err != nil {
		return err
	}
	seeded := 0
	for k, v := range values {
		if _, ok := settings[k]; ok || v == nil {
			continue
		}
		settings[k] = v
		seeded++
	}
	if seeded == 0 {
		return nil
	}
	if err := h.store.SaveSettings(ieee, settings); err != nil {
		return fmt.Errorf("seed settings %s: %w", ieee, err)
	}
	h.logger.Info("settings seeded", "ieee", ieee, "keys", seeded)
	return nil
}

// TriggerFlow emits a flow_trigger event for a device trigger card.
func (h *Hub) TriggerFlow(ieee, card string, tokens map[string]any) error {
	if err := h.checkDevice(ieee); err != nil {
		return err
	}
	id := uuid.New().String()
	h.logger.Info("flow trigger", "ieee", ieee, "card", card, "trigger_id", id, "tokens", tokens)
	h.events.Emit(coordinator.Event{
		Type: coordinator.EventFlowTrigger,
		Data: map[string]any{
			"trigger_id": id,
			"ieee":       ieee,
			"card":       card,
			"tokens":     tokens,
		},
	})
	return nil
}

// IsFirstInit reports whether the device has never completed Init. A store
// error counts as not-first so a flaky disk does not cause repeated reads.
func (h *Hub) IsFirstInit(ieee string) bool {
	ok, err := h.store.IsInitialized(ieee)
	if err != nil {
		h.logger.Error("load init marker", "ieee", ieee, "err", err)
		return false
	}
	return !ok
}

func (h *Hub) MarkInitialized(ieee string) error {
	return h.store.MarkInitialized(ieee)
}

func (h *Hub) forget(ieee string) {
	h.listenerMu.Lock()
	delete(h.listeners, ieee)
	h.listenerMu.Unlock()
}
