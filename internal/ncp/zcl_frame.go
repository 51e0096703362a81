package ncp

import "encoding/binary"

// ZCL frame control bits.
const (
	zclFrameTypeGlobal    = 0x00
	zclFrameTypeCluster   = 0x01
	zclFlagMfrSpecific    = 0x04
	zclDirServerToClient  = 0x08
	zclDisableDefaultResp = 0x10
)

// ZCL global command IDs.
const (
	zclCmdReadAttributes     = 0x00
	zclCmdReadAttributesRsp  = 0x01
	zclCmdWriteAttributes    = 0x02
	zclCmdWriteAttributesRsp = 0x04
	zclCmdConfigReporting    = 0x06
	zclCmdConfigReportingRsp = 0x07
	zclCmdReportAttributes   = 0x0A
	zclCmdDefaultResponse    = 0x0B
)

const zclProfileHA uint16 = 0x0104

// zclHeader builds a global-command header that suppresses the default response.
func zclHeader(seq, cmd uint8) []byte {
	return []byte{zclFrameTypeGlobal | zclDisableDefaultResp, seq, cmd}
}

func zclBuildReadAttributes(seq uint8, attrIDs []uint16) []byte {
	buf := zclHeader(seq, zclCmdReadAttributes)
	for _, id := range attrIDs {
		buf = binary.LittleEndian.AppendUint16(buf, id)
	}
	return buf
}

func zclBuildWriteAttributes(seq uint8, records []WriteRecord) []byte {
	buf := zclHeader(seq, zclCmdWriteAttributes)
	for _, rec := range records {
		buf = binary.LittleEndian.AppendUint16(buf, rec.AttrID)
		buf = append(buf, rec.DataType)
		buf = append(buf, rec.Value...)
	}
	return buf
}

func zclBuildConfigureReporting(seq uint8, req ConfigureReportingRequest) []byte {
	buf := zclHeader(seq, zclCmdConfigReporting)
	buf = append(buf, 0x00) // direction: device sends reports
	buf = binary.LittleEndian.AppendUint16(buf, req.AttrID)
	buf = append(buf, req.DataType)
	buf = binary.LittleEndian.AppendUint16(buf, req.MinInterval)
	buf = binary.LittleEndian.AppendUint16(buf, req.MaxInterval)
	return append(buf, req.ReportChange...)
}

// zclValueLen returns the encoded length of a value of type t at the start
// of data, including any length prefix. ok is false for unknown types or
// truncated data.
func zclValueLen(t uint8, data []byte) (n int, ok bool) {
	switch {
	case t >= 0x08 && t <= 0x0F: // data8..data64
		n = int(t-0x08) + 1
	case t == 0x10, t == 0x18, t == 0x30: // bool, map8, enum8
		n = 1
	case t >= 0x19 && t <= 0x1B: // map16..map32
		n = int(t-0x19) + 2
	case t >= 0x20 && t <= 0x27: // uint8..uint64
		n = int(t-0x20) + 1
	case t >= 0x28 && t <= 0x2F: // int8..int64
		n = int(t-0x28) + 1
	case t == 0x31, t == 0x38, t == 0xE8, t == 0xE9: // enum16, float16, cluster id, attr id
		n = 2
	case t == 0x39, t >= 0xE0 && t <= 0xE2: // float32, ToD, date, UTC
		n = 4
	case t == 0x3A, t == 0xF0: // float64, EUI64
		n = 8
	case t == 0x41, t == 0x42: // octstr, string
		if len(data) < 1 {
			return 0, false
		}
		n = 1 + int(data[0])
		if data[0] == 0xFF {
			n = 1
		}
	case t == 0x43, t == 0x44: // long octstr, long string
		if len(data) < 2 {
			return 0, false
		}
		n = 2 + int(binary.LittleEndian.Uint16(data))
	default:
		return 0, false
	}
	return n, n <= len(data)
}

// parseAttributeResponses parses Read Attributes Response records.
// Parsing stops at the first record whose value cannot be delimited.
func parseAttributeResponses(data []byte) []AttributeResponse {
	var results []AttributeResponse
	for len(data) >= 3 {
		ar := AttributeResponse{AttrID: binary.LittleEndian.Uint16(data), Status: data[2]}
		data = data[3:]
		if ar.Status != 0 {
			results = append(results, ar)
			continue
		}
		if len(data) < 1 {
			break
		}
		ar.DataType = data[0]
		data = data[1:]
		n, ok := zclValueLen(ar.DataType, data)
		if !ok {
			return append(results, ar)
		}
		ar.Value = append([]byte(nil), data[:n]...)
		data = data[n:]
		results = append(results, ar)
	}
	return results
}

// parseWriteResponse returns the failed records of a Write Attributes Response.
func parseWriteResponse(data []byte) []WriteStatus {
	if len(data) == 1 {
		if data[0] == 0 {
			return nil
		}
		return []WriteStatus{{Status: data[0]}}
	}
	var out []WriteStatus
	for len(data) >= 3 {
		out = append(out, WriteStatus{Status: data[0], AttrID: binary.LittleEndian.Uint16(data[1:3])})
		data = data[3:]
	}
	return out
}

// zclParseAttributeReports parses Report Attributes records.
func zclParseAttributeReports(data []byte) []AttributeReportEvent {
	var reports []AttributeReportEvent
	for len(data) >= 3 {
		rpt := AttributeReportEvent{AttrID: binary.LittleEndian.Uint16(data), DataType: data[2]}
		data = data[3:]
		n, ok := zclValueLen(rpt.DataType, data)
		if !ok {
			return reports
		}
		rpt.Value = append([]byte(nil), data[:n]...)
		data = data[n:]
		reports = append(reports, rpt)
	}
	return reports
}

const apsdeReqHeaderSize = 24

// buildAPSDEDataReq builds an APSDE_DATA_REQ payload addressed by short address:
// param_len(1) data_len(2) dst_addr(8) profile(2) cluster(2) dst_ep(1) src_ep(1)
// radius(1) addr_mode(1) tx_options(1) use_alias(1) alias_addr(2) alias_seq(1) data.
func buildAPSDEDataReq(dstAddr uint16, dstEP, srcEP uint8, clusterID uint16, apsData []byte) []byte {
	buf := make([]byte, apsdeReqHeaderSize, apsdeReqHeaderSize+len(apsData))
	buf[0] = apsdeReqHeaderSize - 3
	binary.LittleEndian.PutUint16(buf[1:3], uint16(len(apsData)))
	binary.LittleEndian.PutUint16(buf[3:5], dstAddr)
	binary.LittleEndian.PutUint16(buf[11:13], zclProfileHA)
	binary.LittleEndian.PutUint16(buf[13:15], clusterID)
	buf[15] = dstEP
	buf[16] = srcEP
	buf[17] = 30 // radius
	buf[18] = zbossAddrModeShort
	buf[19] = 0x04 // APS ACK
	return append(buf, apsData...)
}

// apsIndication is the part of an APSDE_DATA_IND the hub uses.
type apsIndication struct {
	SrcAddr   uint16
	SrcEP     uint8
	ClusterID uint16
	LQI       uint8
	RSSI      int8
	Data      []byte
}

const apsdeIndHeaderSize = 24

// parseAPSDEDataInd decodes param_len(1) data_len(2) aps_fc(1) src(2) dst(2)
// group(2) dst_ep(1) src_ep(1) cluster(2) profile(2) aps_counter(1) src_mac(2)
// dst_mac(2) lqi(1) rssi(1) key_attr(1) data.
func parseAPSDEDataInd(payload []byte) (apsIndication, bool) {
	if len(payload) < apsdeIndHeaderSize+1 {
		return apsIndication{}, false
	}
	n := int(binary.LittleEndian.Uint16(payload[1:3]))
	if n == 0 || len(payload) < apsdeIndHeaderSize+n {
		return apsIndication{}, false
	}
	return apsIndication{
		SrcAddr:   binary.LittleEndian.Uint16(payload[4:6]),
		SrcEP:     payload[11],
		ClusterID: binary.LittleEndian.Uint16(payload[12:14]),
		LQI:       payload[21],
		RSSI:      int8(payload[22]),
		Data:      payload[apsdeIndHeaderSize : apsdeIndHeaderSize+n],
	}, true
}

// zclFrame is a parsed ZCL header plus the remaining command payload.
type zclFrame struct {
	FrameType uint8
	Seq       uint8
	Command   uint8
	Payload   []byte
}

func parseZCLFrame(data []byte) (zclFrame, bool) {
	if len(data) < 3 {
		return zclFrame{}, false
	}
	hdr := 3
	if data[0]&zclFlagMfrSpecific != 0 {
		hdr += 2
	}
	if len(data) < hdr {
		return zclFrame{}, false
	}
	return zclFrame{
		FrameType: data[0] & 0x03,
		Seq:       data[hdr-2],
		Command:   data[hdr-1],
		Payload:   data[hdr:],
	}, true
}
