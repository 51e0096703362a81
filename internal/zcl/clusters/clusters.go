// Package clusters holds the ZCL cluster definitions the people counter uses.
package clusters

import "zigbee-people-counter/internal/zcl"

// RegisterAll adds every cluster in this package to r.
func RegisterAll(r *zcl.Registry) {
	for _, c := range []zcl.ClusterDef{Basic, PowerConfiguration, AnalogInput} {
		r.Register(c)
	}
}
