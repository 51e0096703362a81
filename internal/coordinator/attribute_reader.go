package coordinator

import (
	"context"
	"fmt"

	"zigbee-people-counter/internal/ncp"
	"zigbee-people-counter/internal/zcl"
)

// AttributeResult holds a decoded attribute read result.
type AttributeResult struct {
	AttrID   uint16 `json:"attr_id"`
	AttrName string `json:"attr_name"`
	TypeID   uint8  `json:"type_id"`
	TypeName string `json:"type_name"`
	Value    any    `json:"value"`
	Status   uint8  `json:"status"`
	Error    string `json:"error,omitempty"`
}

// ReadAttributes reads attributes from a device endpoint/cluster.
func (c *Coordinator) ReadAttributes(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrIDs []uint16) ([]AttributeResult, error) {
	responses, err := c.ncp.ReadAttributes(ctx, ncp.ReadAttributesRequest{
		DstAddr:   shortAddr,
		DstEP:     endpoint,
		ClusterID: clusterID,
		AttrIDs:   attrIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("read attributes: %w", err)
	}

	results := make([]AttributeResult, 0, len(responses))
	for _, r := range responses {
		_, attrName := c.registry.Names(clusterID, r.AttrID)
		result := AttributeResult{
			AttrID:   r.AttrID,
			AttrName: attrName,
			Status:   r.Status,
			TypeID:   r.DataType,
			TypeName: zcl.TypeName(r.DataType),
		}
		if r.Status != zcl.StatusSuccess {
			result.Error = zcl.StatusName(r.Status)
		} else if len(r.Value) > 0 {
			val, _, err := zcl.DecodeValue(r.DataType, r.Value)
			if err != nil {
				result.Error = err.Error()
			} else {
				result.Value = val
			}
		}
		results = append(results, result)
	}
	return results, nil
}

// WriteAttribute writes a single attribute value. A record rejected by the
// device is returned as *zcl.StatusError.
func (c *Coordinator) WriteAttribute(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrID uint16, dataType uint8, value any) error {
	encoded, err := zcl.EncodeValue(dataType, value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}
	failed, err := c.ncp.WriteAttributes(ctx, ncp.WriteAttributesRequest{
		DstAddr:   shortAddr,
		DstEP:     endpoint,
		ClusterID: clusterID,
		Records: []ncp.WriteRecord{
			{AttrID: attrID, DataType: dataType, Value: encoded},
		},
	})
	if err != nil {
		return fmt.Errorf("write attribute: %w", err)
	}
	for _, f := range failed {
		if f.Status != zcl.StatusSuccess {
			return &zcl.StatusError{Attr: attrID, Status: f.Status}
		}
	}
	return nil
}

// ConfigureReporting sets up attribute reporting on a device.
func (c *Coordinator) ConfigureReporting(ctx context.Context, shortAddr uint16, endpoint uint8, clusterID uint16, attrID uint16, dataType uint8, minInterval, maxInterval uint16, reportableChange []byte) error {
	return c.ncp.ConfigureReporting(ctx, ncp.ConfigureReportingRequest{
		DstAddr:      shortAddr,
		DstEP:        endpoint,
		ClusterID:    clusterID,
		AttrID:       attrID,
		DataType:     dataType,
		MinInterval:  minInterval,
		MaxInterval:  maxInterval,
		ReportChange: reportableChange,
	})
}
