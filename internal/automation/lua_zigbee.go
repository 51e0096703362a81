//go:build !no_automation

package automation

import (
	"context"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"

	"zigbee-people-counter/internal/store"
)

// registerZigbeeModule registers the `zigbee` global table in a Lua state.
func registerZigbeeModule(L *lua.LState, vm *scriptVM, e *Engine) {
	fns := map[string]lua.LGFunction{
		"on":           func(L *lua.LState) int { return zigbeeOn(L, vm, e) },
		"people":       func(L *lua.LState) int { return zigbeePeople(L, e) },
		"people_above": func(L *lua.LState) int { return zigbeePeopleAbove(L, e) },
		"occupied":     func(L *lua.LState) int { return zigbeeOccupied(L, e) },
		"set_people":   func(L *lua.LState) int { return zigbeeSetPeople(L, vm, e) },
		"refresh":      func(L *lua.LState) int { return zigbeeRefresh(L, vm, e) },
		"devices":      func(L *lua.LState) int { return zigbeeDevices(L, e) },
		"after":        func(L *lua.LState) int { return zigbeeAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			e.log(vm, "info", L.CheckString(1))
			return 0
		},
	}
	L.SetGlobal("zigbee", L.SetFuncs(L.NewTable(), fns))
}

const maxHandlersPerScript = 100

// zigbee.on(event, filter, callback)
//
// filter may hold ieee (IEEE address or device name) and capability.
func zigbeeOn(L *lua.LState, vm *scriptVM, e *Engine) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	var filter *lua.LTable
	if L.GetTop() >= 3 {
		filter = L.OptTable(2, nil)
		h.fn = L.CheckFunction(3)
	} else {
		h.fn = L.CheckFunction(2)
	}

	if filter != nil {
		if v := filter.RawGetString("ieee"); v != lua.LNil {
			h.ieee = v.String()
			if dev := resolveDevice(e, h.ieee); dev != nil {
				h.ieee = dev.IEEEAddress
			}
		}
		if v := filter.RawGetString("capability"); v != lua.LNil {
			h.capability = v.String()
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// checkTarget resolves argument 1 to an IEEE address. Unknown names are
// passed through so the flow reports the error.
func checkTarget(L *lua.LState, e *Engine) string {
	target := L.CheckString(1)
	if dev := resolveDevice(e, target); dev != nil {
		return dev.IEEEAddress
	}
	return target
}

// pushError returns nil, message to Lua.
func pushError(L *lua.LState, err error) int {
	L.Push(lua.LNil)
	L.Push(lua.LString(err.Error()))
	return 2
}

// zigbee.people(target) -> count or nil
func zigbeePeople(L *lua.LState, e *Engine) int {
	n, ok, err := e.flows.People(checkTarget(L, e))
	if err != nil {
		return pushError(L, err)
	}
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(n))
	return 1
}

// zigbee.people_above(target, n) -> bool
func zigbeePeopleAbove(L *lua.LState, e *Engine) int {
	ieee := checkTarget(L, e)
	above, err := e.flows.PeopleAbove(ieee, L.CheckInt(2))
	if err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LBool(above))
	return 1
}

// zigbee.occupied(target) -> bool
func zigbeeOccupied(L *lua.LState, e *Engine) int {
	occupied, err := e.flows.Occupied(checkTarget(L, e))
	if err != nil {
		return pushError(L, err)
	}
	L.Push(lua.LBool(occupied))
	return 1
}

// zigbee.set_people(target, n) -> true or nil, err
func zigbeeSetPeople(L *lua.LState, vm *scriptVM, e *Engine) int {
	ieee := checkTarget(L, e)
	n := L.CheckNumber(2)
	if n < 0 || float64(n) != float64(int(n)) {
		L.ArgError(2, "people count must be a whole non-negative number")
		return 0
	}

	ctx, cancel := context.WithTimeout(vm.ctx, actionTimeout)
	defer cancel()
	if err := e.flows.SetPeopleCount(ctx, ieee, int(n)); err != nil {
		e.logger.Warn("set_people failed", "ieee", ieee, "err", err)
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// zigbee.refresh(target) -> true or nil, err
func zigbeeRefresh(L *lua.LState, vm *scriptVM, e *Engine) int {
	ieee := checkTarget(L, e)

	ctx, cancel := context.WithTimeout(vm.ctx, actionTimeout)
	defer cancel()
	if err := e.flows.Refresh(ctx, ieee); err != nil {
		e.logger.Warn("refresh failed", "ieee", ieee, "err", err)
		return pushError(L, err)
	}
	L.Push(lua.LTrue)
	return 1
}

// zigbee.after(seconds, callback) runs callback later on the script's VM.
func zigbeeAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command queue full")
		}
	}()
	return 0
}

// zigbee.devices() -> {{ieee=, name=, model=, manufacturer=, people=}, ...}
func zigbeeDevices(L *lua.LState, e *Engine) int {
	tbl := L.NewTable()
	devices, err := e.devices.ListDevices()
	if err != nil {
		e.logger.Warn("list devices", "err", err)
		L.Push(tbl)
		return 1
	}

	for i, dev := range devices {
		d := L.NewTable()
		d.RawSetString("ieee", lua.LString(dev.IEEEAddress))
		d.RawSetString("name", lua.LString(displayName(dev)))
		d.RawSetString("model", lua.LString(dev.Model))
		d.RawSetString("manufacturer", lua.LString(dev.Manufacturer))
		if n, ok, err := e.flows.People(dev.IEEEAddress); err == nil && ok {
			d.RawSetString("people", lua.LNumber(n))
		}
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

func displayName(dev *store.Device) string {
	if dev.FriendlyName != "" {
		return dev.FriendlyName
	}
	if name := strings.TrimSpace(dev.Manufacturer + " " + dev.Model); name != "" {
		return name
	}
	return dev.IEEEAddress
}

// resolveDevice finds a device by IEEE address or friendly name.
func resolveDevice(e *Engine, target string) *store.Device {
	if len(target) == 16 && isHexString(target) {
		if dev, err := e.devices.GetDevice(strings.ToUpper(target)); err == nil {
			return dev
		}
	}

	devices, err := e.devices.ListDevices()
	if err != nil {
		return nil
	}
	for _, dev := range devices {
		if strings.EqualFold(dev.FriendlyName, target) || strings.EqualFold(dev.IEEEAddress, target) {
			return dev
		}
	}
	return nil
}

func isHexString(s string) bool {
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}
