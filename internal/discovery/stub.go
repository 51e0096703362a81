//go:build no_mdns

package discovery

import (
	"log/slog"

	"zigbee-people-counter/internal/coordinator"
)

const (
	ServiceType = "_people-counter._tcp"
	Domain      = "local."
)

type Config struct {
	Instance  string
	Port      int
	Version   string
	Interface string
}

// Advertiser is a no-op when built with no_mdns.
type Advertiser struct{}

func NewAdvertiser(Config, func() int, *slog.Logger) *Advertiser { return &Advertiser{} }

func (a *Advertiser) Start(*coordinator.EventBus) error { return nil }
func (a *Advertiser) Update()                           {}
func (a *Advertiser) Stop()                             {}
