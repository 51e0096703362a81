//go:build no_automation

package automation

import (
	"context"
	"errors"
	"log/slog"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/store"
)

var (
	ErrScriptNotFound  = errors.New("script not found")
	ErrInvalidScriptID = errors.New("invalid script id")
	errDisabled        = errors.New("automation disabled")
)

// ScriptMeta holds user-editable metadata for a script.
type ScriptMeta struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

// Script is one automation stored on disk.
type Script struct {
	ID       string     `json:"id"`
	Meta     ScriptMeta `json:"meta"`
	LuaCode  string     `json:"lua_code"`
	FilePath string     `json:"-"`
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

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

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns an empty manager when automation is disabled.
func NewManager(_ string, _ *slog.Logger) (*Manager, error) { return &Manager{}, nil }

// List returns no scripts.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Get always fails.
func (m *Manager) Get(id string) (*Script, error) { return nil, ErrScriptNotFound }

// Save fails.
func (m *Manager) Save(_ *Script) (*Script, error) { return nil, errDisabled }

// Delete fails.
func (m *Manager) Delete(_ string) error { return ErrScriptNotFound }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(_ *coordinator.EventBus, _ Devices, _ Flows, _ *Manager, _ *slog.Logger) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// Running is always false.
func (e *Engine) Running(_ string) bool { return false }

// ReloadScript is a no-op.
func (e *Engine) ReloadScript(_ string) error { return nil }

// StopScript is a no-op.
func (e *Engine) StopScript(_ string) {}

// RunScript returns a stub result.
func (e *Engine) RunScript(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}

// RunLuaCode returns a stub result.
func (e *Engine) RunLuaCode(_ string) *RunResult {
	return &RunResult{Error: errDisabled.Error()}
}
