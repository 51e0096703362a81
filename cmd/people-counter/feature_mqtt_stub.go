//go:build no_mqtt

package main

import (
	"context"
	"log/slog"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

type mqttDevices interface {
	GetDevice(ieee string) (*store.Device, error)
	ListDevices() ([]*store.Device, error)
}

type mqttCapabilities interface {
	Capabilities(ieee string) (map[string]any, error)
}

type mqttCommands interface {
	SetPeopleCount(ctx context.Context, ieee string, n int) error
	Refresh(ctx context.Context, ieee string) error
}

func initMQTT(_ *coordinator.EventBus, _ mqttDevices, _ mqttCapabilities, _ mqttCommands, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
