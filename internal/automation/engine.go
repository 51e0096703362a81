//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/store"
)

// Flows are the people counter cards scripts can use.
type Flows interface {
	People(ieee string) (int, bool, error)
	PeopleAbove(ieee string, n int) (bool, error)
	Occupied(ieee string) (bool, error)
	SetPeopleCount(ctx context.Context, ieee string, n int) error
	Refresh(ctx context.Context, ieee string) error
}

// Devices resolves script targets to configured counters.
type Devices interface {
	GetDevice(ieee string) (*store.Device, error)
	ListDevices() ([]*store.Device, error)
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

const (
	runTimeout    = 5 * time.Second
	actionTimeout = 30 * time.Second
	commandQueue  = 64
)

// luaEventHandler is a callback registered with zigbee.on.
type luaEventHandler struct {
	eventType  string
	ieee       string // empty matches any device
	capability string // empty matches any capability
	fn         *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// logf replaces the engine logger for zigbee.log and system.log
	// during a one-shot run.
	logf func(level, msg string)
}

// scriptEvent is an event as scripts see it. Flow triggers are exposed
// under their card name with their tokens flattened into the event.
type scriptEvent struct {
	Type string
	Data map[string]any
}

func toScriptEvent(event coordinator.Event) scriptEvent {
	data, _ := event.Data.(map[string]any)
	if event.Type != coordinator.EventFlowTrigger || data == nil {
		return scriptEvent{Type: event.Type, Data: data}
	}
	card, _ := data["card"].(string)
	flat := make(map[string]any, len(data))
	for k, v := range data {
		if k != "tokens" && k != "card" {
			flat[k] = v
		}
	}
	if tokens, ok := data["tokens"].(map[string]any); ok {
		for k, v := range tokens {
			flat[k] = v
		}
	}
	return scriptEvent{Type: card, Data: flat}
}

// Engine runs one sandboxed Lua VM per enabled script and feeds them
// hub events.
type Engine struct {
	events  *coordinator.EventBus
	devices Devices
	flows   Flows
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(events *coordinator.EventBus, devices Devices, flows Flows, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		events:  events,
		devices: devices,
		flows:   flows,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the event bus and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.events.OnAll(e.dispatchEvent)

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}
	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.logger.Info("automation engine stopped")
}

// Running reports whether a script has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// ReloadScript stops the running VM of a script, if any, and starts it
// again when it is enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// RunScript executes a stored script once. See RunLuaCode.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a temporary VM, then calls every handler it
// registered once with a synthetic event so their actions run. Log output
// is captured in the result.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm := e.newVM(ctx, cancel)
	vm.logf = func(level, msg string) {
		if level != "info" {
			msg = "[" + level + "] " + msg
		}
		logMu.Lock()
		logs = append(logs, msg)
		logMu.Unlock()
	}
	L := vm.state
	defer L.Close()
	L.SetContext(ctx)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string(nil), logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (" + runTimeout.String() + ")"
			}
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		if h.ieee != "" {
			ev.RawSetString("ieee", lua.LString(h.ieee))
		}
		if h.capability != "" {
			ev.RawSetString("capability", lua.LString(h.capability))
		}
		if n, ok, err := e.currentPeople(h.ieee); err == nil && ok {
			ev.RawSetString("people", lua.LNumber(n))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func (e *Engine) currentPeople(ieee string) (int, bool, error) {
	if ieee == "" {
		return 0, false, nil
	}
	return e.flows.People(ieee)
}

// newVM creates a sandboxed Lua state with the zigbee and system modules.
func (e *Engine) newVM(ctx context.Context, cancel context.CancelFunc) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueue),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerZigbeeModule(L, vm, e)
	registerSystemModule(L, vm, e)
	return vm
}

// log routes script output to the capture of a one-shot run or the
// engine logger.
func (e *Engine) log(vm *scriptVM, level, msg string) {
	if vm.logf != nil {
		vm.logf(level, msg)
		return
	}
	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := e.newVM(ctx, cancel)
	L := vm.state

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent queues an event on every VM with a matching handler.
// It never blocks the emitter: a full queue drops the event.
func (e *Engine) dispatchEvent(event coordinator.Event) {
	ev := toScriptEvent(event)
	if ev.Type == "" {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, ev) {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, ev) }:
			default:
				e.logger.Warn("script command queue full, dropping event", "event", ev.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, ev scriptEvent) bool {
	if h.eventType != ev.Type {
		return false
	}
	if h.ieee != "" {
		if ieee, _ := ev.Data["ieee"].(string); !strings.EqualFold(ieee, h.ieee) {
			return false
		}
	}
	if h.capability != "" {
		if name, _ := ev.Data["capability"].(string); name != h.capability {
			return false
		}
	}
	return true
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, ev scriptEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	tbl := L.NewTable()
	tbl.RawSetString("type", lua.LString(ev.Type))
	for k, v := range ev.Data {
		tbl.RawSetString(k, goToLua(L, v))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, tbl); err != nil {
		e.logger.Error("lua handler error", "event", ev.Type, "err", err)
	}
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case uint32:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}
