//go:build no_automation

package main

import (
	"log/slog"

	"zigbee-people-counter/internal/automation"
	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *coordinator.EventBus, _ automation.Devices, _ automation.Flows, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
