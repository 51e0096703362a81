package ncp

// ZBOSS NCP serial protocol: LL/HL frame codec, CRC8/CRC16, command IDs.

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	zbossSig0         = 0xDE
	zbossSig1         = 0xAD
	zbossLLHeaderSize = 7 // sig(2) + len(2) + type(1) + flags(1) + crc8(1)
	zbossBodyCRCSize  = 2
	zbossMaxFrameSize = 512
)

// LL packet type. ACK vs data is carried in the flags.
const zbossLLType uint8 = 0x06

const (
	zbossFlagACK         = 0x01
	zbossFlagPktSeqMask  = 0x0C
	zbossFlagPktSeqShift = 2
	zbossFlagAckSeqMask  = 0x30
	zbossFlagAckSeqShift = 4
	zbossFlagFirstFrag   = 0x40
	zbossFlagLastFrag    = 0x80
)

const (
	zbossHLVersion    uint8 = 0x00
	zbossHLRequest    uint8 = 0x00
	zbossHLResponse   uint8 = 0x01
	zbossHLIndication uint8 = 0x02
)

const (
	zbossCmdGetModuleVersion    uint16 = 0x0001
	zbossCmdNCPReset            uint16 = 0x0002
	zbossCmdSetZigbeeRole       uint16 = 0x0005
	zbossCmdSetChannelMask      uint16 = 0x0007
	zbossCmdGetChannel          uint16 = 0x0008
	zbossCmdGetPanID            uint16 = 0x0009
	zbossCmdSetPanID            uint16 = 0x000A
	zbossCmdGetLocalIEEE        uint16 = 0x000B
	zbossCmdSetRxOnWhenIdle     uint16 = 0x0013
	zbossCmdSetNwkKey           uint16 = 0x001B
	zbossCmdGetExtPanID         uint16 = 0x0023
	zbossCmdNCPResetInd         uint16 = 0x002B
	zbossCmdSetTCPolicy         uint16 = 0x0032
	zbossCmdSetExtPanID         uint16 = 0x0033
	zbossCmdAFSetSimpleDesc     uint16 = 0x0101
	zbossCmdZDOBindReq          uint16 = 0x0208
	zbossCmdZDODevAnnceInd      uint16 = 0x020C
	zbossCmdAPSDEDataReq        uint16 = 0x0301
	zbossCmdAPSDEDataInd        uint16 = 0x0306
	zbossCmdNwkFormation        uint16 = 0x0401
	zbossCmdNwkLeaveInd         uint16 = 0x040B
	zbossCmdNwkStartWithoutForm uint16 = 0x041D
)

var zbossCmdNames = map[uint16]string{
	zbossCmdGetModuleVersion:    "GetModuleVersion",
	zbossCmdNCPReset:            "NCPReset",
	zbossCmdSetZigbeeRole:       "SetZigbeeRole",
	zbossCmdSetChannelMask:      "SetChannelMask",
	zbossCmdGetChannel:          "GetChannel",
	zbossCmdGetPanID:            "GetPanID",
	zbossCmdSetPanID:            "SetPanID",
	zbossCmdGetLocalIEEE:        "GetLocalIEEE",
	zbossCmdSetRxOnWhenIdle:     "SetRxOnWhenIdle",
	zbossCmdSetNwkKey:           "SetNwkKey",
	zbossCmdGetExtPanID:         "GetExtPanID",
	zbossCmdNCPResetInd:         "NCPResetInd",
	zbossCmdSetTCPolicy:         "SetTCPolicy",
	zbossCmdSetExtPanID:         "SetExtPanID",
	zbossCmdAFSetSimpleDesc:     "AFSetSimpleDesc",
	zbossCmdZDOBindReq:          "ZDO_Bind",
	zbossCmdZDODevAnnceInd:      "ZDO_DevAnnce",
	zbossCmdAPSDEDataReq:        "APSDE_DataReq",
	zbossCmdAPSDEDataInd:        "APSDE_DataInd",
	zbossCmdNwkFormation:        "NwkFormation",
	zbossCmdNwkLeaveInd:         "NwkLeaveInd",
	zbossCmdNwkStartWithoutForm: "NwkStartWithoutForm",
}

func zbossCmdName(id uint16) string {
	if name, ok := zbossCmdNames[id]; ok {
		return name
	}
	return fmt.Sprintf("0x%04X", id)
}

var zbossStatusCategories = [...]string{"Generic", "Generic", "MAC", "NWK", "APS", "ZDO", "CBKE"}

func zbossStatusName(cat, code uint8) string {
	if cat == 0 && code == 0 {
		return "OK"
	}
	name := "Generic"
	if int(cat) < len(zbossStatusCategories) {
		name = zbossStatusCategories[cat]
	}
	return fmt.Sprintf("%s/%d(0x%02X)", name, code, code)
}

const zbossRoleCoordinator uint8 = 0x00

// Trust Center policy types for SetTCPolicy.
const (
	zbossTCPolicyLinkKeysRequired uint16 = 0x0000
	zbossTCPolicyICRequired       uint16 = 0x0001
	zbossTCPolicyTCRejoinEnabled  uint16 = 0x0002
	zbossTCPolicyAPSInsecureJoin  uint16 = 0x0004
)

const (
	zbossAddrModeShort uint8 = 0x02
	zbossAddrModeIEEE  uint8 = 0x03
)

type zbossLLHeader struct {
	Length uint16
	Type   uint8
	Flags  uint8
}

// zbossHLHeader is the high-level header. TSN is only present on
// requests and responses; the status pair only on responses.
type zbossHLHeader struct {
	Version    uint8
	PacketType uint8
	CallID     uint16
	TSN        uint8
	StatusCat  uint8
	StatusCode uint8
}

type zbossFrame struct {
	LL      zbossLLHeader
	HL      zbossHLHeader
	Payload []byte
}

func (f *zbossFrame) ok() bool {
	return f.HL.StatusCat == 0 && f.HL.StatusCode == 0
}

func zbossLLPktSeq(flags uint8) uint8 { return (flags >> zbossFlagPktSeqShift) & 0x03 }
func zbossLLAckSeq(flags uint8) uint8 { return (flags >> zbossFlagAckSeqShift) & 0x03 }
func zbossLLIsACK(flags uint8) bool   { return flags&zbossFlagACK != 0 }

// CRC-8/KOOP over the LL header: reflected poly 0xB2, init 0xFF, xorout 0xFF.
// CRC-16 over the body: reflected poly 0x8408, init 0, no xorout.
var (
	crc8Table  [256]uint8
	crc16Table [256]uint16
)

func init() {
	for i := 0; i < 256; i++ {
		c8 := uint8(i)
		c16 := uint16(i)
		for bit := 0; bit < 8; bit++ {
			if c8&1 != 0 {
				c8 = c8>>1 ^ 0xB2
			} else {
				c8 >>= 1
			}
			if c16&1 != 0 {
				c16 = c16>>1 ^ 0x8408
			} else {
				c16 >>= 1
			}
		}
		crc8Table[i] = c8
		crc16Table[i] = c16
	}
}

func zbossCRC8(data []byte) uint8 {
	crc := uint8(0xFF)
	for _, b := range data {
		crc = crc8Table[crc^b]
	}
	return crc ^ 0xFF
}

func zbossCRC16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc = crc>>8 ^ crc16Table[(crc^uint16(b))&0xFF]
	}
	return crc
}

// zbossEncodeRequest builds a complete LL data frame carrying an HL request.
func zbossEncodeRequest(callID uint16, tsn uint8, pktSeq uint8, payload []byte) []byte {
	hl := make([]byte, 5, 5+len(payload))
	hl[0] = zbossHLVersion
	hl[1] = zbossHLRequest
	binary.LittleEndian.PutUint16(hl[2:4], callID)
	hl[4] = tsn
	return zbossEncodeDataFrame(pktSeq, append(hl, payload...))
}

func zbossEncodeDataFrame(pktSeq uint8, hl []byte) []byte {
	// size counts itself plus type, flags, crc8 and body
	size := 5 + zbossBodyCRCSize + len(hl)
	frame := make([]byte, 2+size)
	frame[0], frame[1] = zbossSig0, zbossSig1
	binary.LittleEndian.PutUint16(frame[2:4], uint16(size))
	frame[4] = zbossLLType
	frame[5] = zbossFlagFirstFrag | zbossFlagLastFrag | (pktSeq<<zbossFlagPktSeqShift)&zbossFlagPktSeqMask
	frame[6] = zbossCRC8(frame[2:6])
	binary.LittleEndian.PutUint16(frame[7:9], zbossCRC16(hl))
	copy(frame[9:], hl)
	return frame
}

// zbossEncodeACK builds a bodyless LL ACK frame.
func zbossEncodeACK(ackSeq uint8) []byte {
	frame := []byte{zbossSig0, zbossSig1, 5, 0, zbossLLType, zbossFlagACK | (ackSeq<<zbossFlagAckSeqShift)&zbossFlagAckSeqMask, 0}
	frame[6] = zbossCRC8(frame[2:6])
	return frame
}

// readRawZBOSSFrame reads the next frame from r, resynchronising on the
// signature. The returned slice includes the signature.
func readRawZBOSSFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != zbossSig0 {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] != zbossSig1 {
			continue
		}
		_, _ = r.ReadByte()

		var sizeBuf [2]byte
		if _, err := io.ReadFull(r, sizeBuf[:]); err != nil {
			return nil, err
		}
		size := int(binary.LittleEndian.Uint16(sizeBuf[:]))
		if size < 5 || size > zbossMaxFrameSize {
			// garbage that happened to contain the signature
			continue
		}
		frame := make([]byte, 2+size)
		frame[0], frame[1] = zbossSig0, zbossSig1
		copy(frame[2:4], sizeBuf[:])
		if _, err := io.ReadFull(r, frame[4:]); err != nil {
			return nil, err
		}
		return frame, nil
	}
}

// zbossDecodeFrame parses and validates one complete frame.
func zbossDecodeFrame(data []byte) (*zbossFrame, error) {
	if len(data) < zbossLLHeaderSize {
		return nil, fmt.Errorf("zboss: frame too short: %d bytes", len(data))
	}
	if data[0] != zbossSig0 || data[1] != zbossSig1 {
		return nil, fmt.Errorf("zboss: bad signature: 0x%02X%02X", data[0], data[1])
	}
	if got := zbossCRC8(data[2:6]); data[6] != got {
		return nil, fmt.Errorf("zboss: LL CRC8 mismatch: got 0x%02X, want 0x%02X", data[6], got)
	}

	f := &zbossFrame{LL: zbossLLHeader{
		Length: binary.LittleEndian.Uint16(data[2:4]),
		Type:   data[4],
		Flags:  data[5],
	}}
	if f.LL.Type != zbossLLType {
		return nil, fmt.Errorf("zboss: unexpected LL type: 0x%02X", f.LL.Type)
	}
	if int(f.LL.Length)+2 > len(data) {
		return nil, fmt.Errorf("zboss: frame truncated: need %d, have %d", f.LL.Length+2, len(data))
	}
	if zbossLLIsACK(f.LL.Flags) {
		return f, nil
	}

	body := data[zbossLLHeaderSize : 2+int(f.LL.Length)]
	if len(body) < zbossBodyCRCSize+4 {
		return nil, fmt.Errorf("zboss: body too short: %d bytes", len(body))
	}
	hl := body[zbossBodyCRCSize:]
	if want, got := binary.LittleEndian.Uint16(body[:2]), zbossCRC16(hl); want != got {
		return nil, fmt.Errorf("zboss: body CRC16 mismatch: got 0x%04X, want 0x%04X", want, got)
	}

	f.HL.Version = hl[0]
	f.HL.PacketType = hl[1]
	f.HL.CallID = binary.LittleEndian.Uint16(hl[2:4])

	var hdr int
	switch f.HL.PacketType {
	case zbossHLRequest:
		hdr = 5
	case zbossHLResponse:
		hdr = 7
	case zbossHLIndication:
		hdr = 4
	default:
		return nil, fmt.Errorf("zboss: unknown HL packet type: 0x%02X", f.HL.PacketType)
	}
	if len(hl) < hdr {
		return nil, fmt.Errorf("zboss: HL header truncated for %s", zbossCmdName(f.HL.CallID))
	}
	if hdr >= 5 {
		f.HL.TSN = hl[4]
	}
	if hdr == 7 {
		f.HL.StatusCat, f.HL.StatusCode = hl[5], hl[6]
	}
	if len(hl) > hdr {
		f.Payload = append([]byte(nil), hl[hdr:]...)
	}
	return f, nil
}
