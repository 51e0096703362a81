package coordinator

import (
	"context"
	"fmt"

	"zigbee-people-counter/internal/zcl"
)

// ClusterClient is a handle on one cluster of one device endpoint that
// speaks in attribute names instead of IDs.
type ClusterClient struct {
	coord    *Coordinator
	ieee     string
	endpoint uint8
	cluster  uint16
}

// Cluster returns a client for clusterID on the device's configured endpoint.
func (c *Coordinator) Cluster(ieee string, clusterID uint16) (*ClusterClient, error) {
	dev, err := c.devices.GetDevice(ieee)
	if err != nil {
		return nil, err
	}
	if c.registry.Get(clusterID) == nil {
		return nil, fmt.Errorf("cluster 0x%04X: %w", clusterID, ErrUnknownAttribute)
	}
	return &ClusterClient{coord: c, ieee: dev.IEEEAddress, endpoint: dev.Endpoint, cluster: clusterID}, nil
}

func (cc *ClusterClient) attribute(name string) (zcl.AttributeDef, error) {
	attr, err := cc.coord.registry.Attribute(cc.cluster, name)
	if err != nil {
		return attr, fmt.Errorf("%w: %v", ErrUnknownAttribute, err)
	}
	return attr, nil
}

// shortAddr is looked up per call; the device may have rejoined with a new address.
func (cc *ClusterClient) shortAddr() (uint16, error) {
	dev, err := cc.coord.devices.GetDevice(cc.ieee)
	if err != nil {
		return 0, err
	}
	return dev.ShortAddress, nil
}

// ReadAttribute reads one attribute and returns its decoded value.
// A non-success ZCL status is returned as *zcl.StatusError.
func (cc *ClusterClient) ReadAttribute(ctx context.Context, name string) (any, error) {
	attr, err := cc.attribute(name)
	if err != nil {
		return nil, err
	}
	addr, err := cc.shortAddr()
	if err != nil {
		return nil, err
	}
	results, err := cc.coord.ReadAttributes(ctx, addr, cc.endpoint, cc.cluster, []uint16{attr.ID})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	for _, r := range results {
		if r.AttrID != attr.ID {
			continue
		}
		if r.Status != zcl.StatusSuccess {
			return nil, fmt.Errorf("read %s: %w", name, &zcl.StatusError{Attr: attr.ID, Status: r.Status})
		}
		if r.Error != "" {
			return nil, fmt.Errorf("read %s: %s", name, r.Error)
		}
		return r.Value, nil
	}
	return nil, fmt.Errorf("read %s: attribute missing from response", name)
}

// WriteAttribute encodes value with the attribute's ZCL type and writes it.
func (cc *ClusterClient) WriteAttribute(ctx context.Context, name string, value any) error {
	attr, err := cc.attribute(name)
	if err != nil {
		return err
	}
	if !attr.IsWritable() {
		return fmt.Errorf("write %s: %w", name, &zcl.StatusError{Attr: attr.ID, Status: zcl.StatusReadOnly})
	}
	addr, err := cc.shortAddr()
	if err != nil {
		return err
	}
	if err := cc.coord.WriteAttribute(ctx, addr, cc.endpoint, cc.cluster, attr.ID, attr.Type, value); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// OnAttributeChange calls handler with every reported value of the named
// attribute. Returns an unsubscribe function.
func (cc *ClusterClient) OnAttributeChange(name string, handler func(value any)) (func(), error) {
	attr, err := cc.attribute(name)
	if err != nil {
		return nil, err
	}
	return cc.coord.devices.Subscribe(cc.ieee, cc.endpoint, cc.cluster, attr.ID, handler), nil
}
