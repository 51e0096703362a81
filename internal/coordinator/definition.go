package coordinator

import (
	"context"
	"errors"
	"fmt"

	"zigbee-people-counter/internal/zcl"
)

// DeviceDefinition describes how to configure a device model: which
// clusters to bind to the coordinator and which attributes to report.
type DeviceDefinition struct {
	FriendlyName string           `json:"friendly_name,omitempty"`
	Bind         []uint16         `json:"bind"`
	Reporting    []ReportingEntry `json:"reporting,omitempty"`
}

// ReportingEntry specifies attribute reporting configuration for a cluster.
type ReportingEntry struct {
	Cluster   uint16  `json:"cluster"`
	Attribute uint16  `json:"attribute"`
	Type      uint8   `json:"type"`
	Min       uint16  `json:"min"`
	Max       uint16  `json:"max"`
	Change    float64 `json:"change"`
}

// PeopleCounter reports its compound register on every change and the
// battery a few times a day.
var PeopleCounter = DeviceDefinition{
	FriendlyName: "People Counter",
	Bind:         []uint16{zcl.ClusterAnalogInput, zcl.ClusterPowerConfiguration},
	Reporting: []ReportingEntry{
		{Cluster: zcl.ClusterAnalogInput, Attribute: 0x0055, Type: zcl.TypeFloat32, Min: 1, Max: 300, Change: 1},
		{Cluster: zcl.ClusterPowerConfiguration, Attribute: 0x0021, Type: zcl.TypeUint8, Min: 3600, Max: 43200, Change: 2},
	},
}

// reportableChange encodes the minimum change with the attribute's own type.
func (r ReportingEntry) reportableChange() ([]byte, error) {
	return zcl.EncodeValue(r.Type, r.Change)
}

// Configure binds the definition's clusters and sets up reporting on the
// device. Every step is attempted; the joined errors are returned.
func (c *Coordinator) Configure(ctx context.Context, ieee string, def DeviceDefinition) error {
	dev, err := c.devices.GetDevice(ieee)
	if err != nil {
		return err
	}
	name := deviceName(dev)
	var errs []error

	for _, cluster := range def.Bind {
		if err := c.Bind(ctx, dev.ShortAddress, dev.IEEEAddress, dev.Endpoint, cluster); err != nil {
			c.logger.Warn("configure: bind", "err", err, "name", name, "cluster", fmt.Sprintf("0x%04X", cluster))
			errs = append(errs, fmt.Errorf("bind 0x%04X: %w", cluster, err))
			continue
		}
		c.logger.Info("bound cluster", "name", name, "ep", dev.Endpoint, "cluster", fmt.Sprintf("0x%04X", cluster))
	}

	for _, r := range def.Reporting {
		change, err := r.reportableChange()
		if err != nil {
			errs = append(errs, fmt.Errorf("reporting 0x%04X/0x%04X: %w", r.Cluster, r.Attribute, err))
			continue
		}
		err = c.ConfigureReporting(ctx, dev.ShortAddress, dev.Endpoint, r.Cluster, r.Attribute, r.Type, r.Min, r.Max, change)
		clusterName, attrName := c.registry.Names(r.Cluster, r.Attribute)
		if err != nil {
			c.logger.Warn("configure: reporting", "err", err, "name", name, "cluster", clusterName, "attr", attrName)
			errs = append(errs, fmt.Errorf("reporting %s/%s: %w", clusterName, attrName, err))
			continue
		}
		c.logger.Info("configured reporting", "name", name, "cluster", clusterName, "attr", attrName,
			"min", r.Min, "max", r.Max)
	}
	return errors.Join(errs...)
}
