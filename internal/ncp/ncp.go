// Package ncp talks to the Zigbee network co-processor.
// The only backend is an nRF52840 running ZBOSS NCP firmware over USB CDC ACM.
package ncp

import (
	"context"
	"errors"
)

var (
	// ErrClosed is returned for requests issued after Close or interrupted by a reset.
	ErrClosed = errors.New("ncp: closed")
	// ErrTimeout is returned when the NCP or the remote device does not answer in time.
	ErrTimeout = errors.New("ncp: timeout")
)

// NCP is the subset of co-processor operations the hub needs.
type NCP interface {
	Reset(ctx context.Context) error
	FactoryReset(ctx context.Context) error
	Init(ctx context.Context) error
	FormNetwork(ctx context.Context, cfg NetworkConfig) error
	StartNetwork(ctx context.Context) error
	NetworkInfo(ctx context.Context) (*NetworkInfo, error)
	GetLocalIEEE(ctx context.Context) ([8]byte, error)

	Bind(ctx context.Context, req BindRequest) error

	ReadAttributes(ctx context.Context, req ReadAttributesRequest) ([]AttributeResponse, error)
	WriteAttributes(ctx context.Context, req WriteAttributesRequest) ([]WriteStatus, error)
	ConfigureReporting(ctx context.Context, req ConfigureReportingRequest) error

	OnDeviceAnnounce(handler func(DeviceAnnounceEvent))
	OnAttributeReport(handler func(AttributeReportEvent))

	GetNCPInfo() *NCPInfo
	Close() error
}

// NCPInfo is the firmware version information reported at Init.
type NCPInfo struct {
	FWVersion       uint32
	StackVersion    string
	ProtocolVersion uint32
	NetworkKey      []byte
}

type NetworkConfig struct {
	Channel  uint8
	PanID    uint16
	ExtPanID [8]byte
}

type NetworkInfo struct {
	Channel  uint8
	PanID    uint16
	ExtPanID [8]byte
}

// BindRequest asks TargetShortAddr to bind SrcIEEE/SrcEP/ClusterID to DstIEEE/DstEP.
type BindRequest struct {
	TargetShortAddr uint16
	SrcIEEE         [8]byte
	SrcEP           uint8
	ClusterID       uint16
	DstIEEE         [8]byte
	DstEP           uint8
}

type ReadAttributesRequest struct {
	DstAddr   uint16
	DstEP     uint8
	ClusterID uint16
	AttrIDs   []uint16
}

// AttributeResponse is one record of a Read Attributes Response.
// Value holds the raw encoded bytes, length prefix included for strings.
type AttributeResponse struct {
	AttrID   uint16
	Status   uint8
	DataType uint8
	Value    []byte
}

type WriteAttributesRequest struct {
	DstAddr   uint16
	DstEP     uint8
	ClusterID uint16
	Records   []WriteRecord
}

type WriteRecord struct {
	AttrID   uint16
	DataType uint8
	Value    []byte
}

// WriteStatus is a failed record from a Write Attributes Response.
// A response with a single SUCCESS status yields no records.
type WriteStatus struct {
	AttrID uint16
	Status uint8
}

type ConfigureReportingRequest struct {
	DstAddr      uint16
	DstEP        uint8
	ClusterID    uint16
	AttrID       uint16
	DataType     uint8
	MinInterval  uint16
	MaxInterval  uint16
	ReportChange []byte
}

type DeviceAnnounceEvent struct {
	ShortAddr  uint16
	IEEEAddr   [8]byte
	Capability uint8
}

// AttributeReportEvent is an unsolicited Report Attributes record.
type AttributeReportEvent struct {
	SrcAddr   uint16
	SrcEP     uint8
	ClusterID uint16
	AttrID    uint16
	DataType  uint8
	Value     []byte
	LQI       uint8
	RSSI      int8
}
