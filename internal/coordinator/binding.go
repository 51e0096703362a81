package coordinator

import (
	"context"
	"fmt"

	"zigbee-people-counter/internal/ncp"
)

// Bind asks the device at targetShortAddr to send clusterID traffic from
// srcEP to the coordinator's endpoint 1.
func (c *Coordinator) Bind(ctx context.Context, targetShortAddr uint16, srcIEEE string, srcEP uint8, clusterID uint16) error {
	srcAddr, err := ParseIEEE(srcIEEE)
	if err != nil {
		return fmt.Errorf("parse src ieee: %w", err)
	}
	return c.ncp.Bind(ctx, ncp.BindRequest{
		TargetShortAddr: targetShortAddr,
		SrcIEEE:         srcAddr,
		SrcEP:           srcEP,
		ClusterID:       clusterID,
		DstIEEE:         c.localIEEE,
		DstEP:           1,
	})
}
