package zcl

import "fmt"

// Foundation (global) command IDs.
const (
	FoundationReadAttributes         uint8 = 0x00
	FoundationReadAttributesResponse uint8 = 0x01
	FoundationWriteAttributes        uint8 = 0x02
	FoundationWriteAttributesResp    uint8 = 0x04
	FoundationConfigReporting        uint8 = 0x06
	FoundationConfigReportingResp    uint8 = 0x07
	FoundationReportAttributes       uint8 = 0x0A
	FoundationDefaultResponse        uint8 = 0x0B
)

// ZCL status codes
const (
	StatusSuccess         uint8 = 0x00
	StatusFailure         uint8 = 0x01
	StatusUnsupportedAttr uint8 = 0x86
	StatusInvalidValue    uint8 = 0x87
	StatusReadOnly        uint8 = 0x88
	StatusInvalidDataType uint8 = 0x8D
	StatusUnreportable    uint8 = 0x8C
)

// StatusError is a non-success ZCL status returned by a device.
type StatusError struct {
	Attr   uint16
	Status uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zcl: attribute 0x%04X status %s", e.Attr, StatusName(e.Status))
}

// StatusName returns a short name for a ZCL status code.
func StatusName(s uint8) string {
	switch s {
	case StatusSuccess:
		return "SUCCESS"
	case StatusFailure:
		return "FAILURE"
	case StatusUnsupportedAttr:
		return "UNSUPPORTED_ATTRIBUTE"
	case StatusInvalidValue:
		return "INVALID_VALUE"
	case StatusReadOnly:
		return "READ_ONLY"
	case StatusInvalidDataType:
		return "INVALID_DATA_TYPE"
	case StatusUnreportable:
		return "UNREPORTABLE_ATTRIBUTE"
	}
	return fmt.Sprintf("0x%02X", s)
}

// Cluster IDs used by the hub.
const (
	ClusterBasic              uint16 = 0x0000
	ClusterPowerConfiguration uint16 = 0x0001
	ClusterAnalogInput        uint16 = 0x000C
)
