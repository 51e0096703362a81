package main

import (
	"log/slog"
	"net"
	"strconv"

	"zigbee-people-counter/internal/coordinator"
	"zigbee-people-counter/internal/discovery"
	"zigbee-people-counter/internal/store"
)

type deviceLister interface {
	ListDevices() ([]*store.Device, error)
}

// initMDNS advertises the web API. Built with no_mdns the advertiser is a
// no-op.
func initMDNS(events *coordinator.EventBus, devices deviceLister, cfg *Config, logger *slog.Logger) *discovery.Advertiser {
	port, err := listenPort(cfg.Web.Listen)
	if !cfg.MDNS.Enabled || err != nil {
		if err != nil && cfg.MDNS.Enabled {
			logger.Warn("mdns disabled: cannot parse web.listen", "listen", cfg.Web.Listen, "err", err)
		}
		return discovery.NewAdvertiser(discovery.Config{}, nil, logger)
	}

	count := func() int {
		list, err := devices.ListDevices()
		if err != nil {
			logger.Warn("mdns device count", "err", err)
			return 0
		}
		return len(list)
	}
	adv := discovery.NewAdvertiser(discovery.Config{
		Instance:  cfg.MDNS.Instance,
		Port:      port,
		Version:   version,
		Interface: cfg.MDNS.Interface,
	}, count, logger)
	if err := adv.Start(events); err != nil {
		logger.Error("mdns", "err", err)
	}
	return adv
}

func listenPort(listen string) (int, error) {
	_, p, err := net.SplitHostPort(listen)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(p)
}
