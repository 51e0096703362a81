package zcl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ZCL data type IDs
const (
	TypeNoData   uint8 = 0x00
	TypeBool     uint8 = 0x10
	TypeBitmap8  uint8 = 0x18
	TypeBitmap16 uint8 = 0x19
	TypeUint8    uint8 = 0x20
	TypeUint16   uint8 = 0x21
	TypeUint32   uint8 = 0x23
	TypeInt8     uint8 = 0x28
	TypeInt16    uint8 = 0x29
	TypeInt32    uint8 = 0x2B
	TypeEnum8    uint8 = 0x30
	TypeEnum16   uint8 = 0x31
	TypeFloat32  uint8 = 0x39
	TypeFloat64  uint8 = 0x3A
	TypeOctetStr uint8 = 0x41
	TypeCharStr  uint8 = 0x42
	TypeUTC      uint8 = 0xE2
)

type typeInfo struct {
	name string
	size int // -1 for length-prefixed
}

var typeTable = map[uint8]typeInfo{
	TypeNoData:   {"nodata", 0},
	TypeBool:     {"bool", 1},
	TypeBitmap8:  {"map8", 1},
	TypeBitmap16: {"map16", 2},
	TypeUint8:    {"uint8", 1},
	TypeUint16:   {"uint16", 2},
	TypeUint32:   {"uint32", 4},
	TypeInt8:     {"int8", 1},
	TypeInt16:    {"int16", 2},
	TypeInt32:    {"int32", 4},
	TypeEnum8:    {"enum8", 1},
	TypeEnum16:   {"enum16", 2},
	TypeFloat32:  {"float32", 4},
	TypeFloat64:  {"float64", 8},
	TypeOctetStr: {"octstr", -1},
	TypeCharStr:  {"string", -1},
	TypeUTC:      {"UTC", 4},
}

// TypeSize returns the fixed wire size of a type, or -1 for
// length-prefixed and unknown types.
func TypeSize(typeID uint8) int {
	if ti, ok := typeTable[typeID]; ok {
		return ti.size
	}
	return -1
}

// TypeName returns a human-readable name for a ZCL type.
func TypeName(typeID uint8) string {
	if ti, ok := typeTable[typeID]; ok {
		return ti.name
	}
	return fmt.Sprintf("0x%02X", typeID)
}

// DecodeValue decodes one typed value and reports how many bytes it consumed.
func DecodeValue(typeID uint8, data []byte) (interface{}, int, error) {
	ti, known := typeTable[typeID]
	if !known {
		return nil, 0, fmt.Errorf("zcl: unsupported type 0x%02X", typeID)
	}
	if ti.size == 0 {
		return nil, 0, nil
	}
	if ti.size < 0 {
		return decodeString(typeID, data)
	}
	if len(data) < ti.size {
		return nil, 0, fmt.Errorf("zcl: not enough data for %s: need %d, have %d", ti.name, ti.size, len(data))
	}

	switch typeID {
	case TypeBool:
		return data[0] != 0, 1, nil
	case TypeUint8, TypeEnum8, TypeBitmap8:
		return data[0], 1, nil
	case TypeUint16, TypeEnum16, TypeBitmap16:
		return binary.LittleEndian.Uint16(data), 2, nil
	case TypeUint32, TypeUTC:
		return binary.LittleEndian.Uint32(data), 4, nil
	case TypeInt8:
		return int8(data[0]), 1, nil
	case TypeInt16:
		return int16(binary.LittleEndian.Uint16(data)), 2, nil
	case TypeInt32:
		return int32(binary.LittleEndian.Uint32(data)), 4, nil
	case TypeFloat32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), 4, nil
	case TypeFloat64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), 8, nil
	}
	return data[:ti.size], ti.size, nil
}

func decodeString(typeID uint8, data []byte) (interface{}, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("zcl: missing length byte for %s", TypeName(typeID))
	}
	n := int(data[0])
	if n == 0xFF {
		// invalid/unset string
		return nil, 1, nil
	}
	if len(data) < 1+n {
		return nil, 0, fmt.Errorf("zcl: %s truncated: need %d, have %d", TypeName(typeID), n, len(data)-1)
	}
	if typeID == TypeCharStr {
		return string(data[1 : 1+n]), 1 + n, nil
	}
	b := make([]byte, n)
	copy(b, data[1:1+n])
	return b, 1 + n, nil
}

// EncodeValue encodes a Go value into ZCL wire format for typeID.
// Numeric Go types are converted with range checks.
func EncodeValue(typeID uint8, val interface{}) ([]byte, error) {
	switch typeID {
	case TypeBool:
		v, ok := toBool(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to bool", val)
		}
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case TypeUint8, TypeEnum8, TypeBitmap8:
		v, err := unsignedInRange(val, math.MaxUint8, typeID)
		if err != nil {
			return nil, err
		}
		return []byte{uint8(v)}, nil

	case TypeUint16, TypeEnum16, TypeBitmap16:
		v, err := unsignedInRange(val, math.MaxUint16, typeID)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(v)), nil

	case TypeUint32, TypeUTC:
		v, err := unsignedInRange(val, math.MaxUint32, typeID)
		if err != nil {
			return nil, err
		}
		return binary.LittleEndian.AppendUint32(nil, uint32(v)), nil

	case TypeInt8, TypeInt16, TypeInt32:
		v, ok := toInt64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, TypeName(typeID))
		}
		bits := uint(8 * TypeSize(typeID))
		lo, hi := -int64(1)<<(bits-1), int64(1)<<(bits-1)-1
		if v < lo || v > hi {
			return nil, fmt.Errorf("zcl: value %d overflows %s (range %d..%d)", v, TypeName(typeID), lo, hi)
		}
		buf := binary.LittleEndian.AppendUint32(nil, uint32(int32(v)))
		return buf[:TypeSize(typeID)], nil

	case TypeFloat32:
		v, ok := toFloat64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to float32", val)
		}
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(v))), nil

	case TypeFloat64:
		v, ok := toFloat64(val)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to float64", val)
		}
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v)), nil

	case TypeCharStr, TypeOctetStr:
		var b []byte
		switch s := val.(type) {
		case string:
			b = []byte(s)
		case []byte:
			b = s
		default:
			return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, TypeName(typeID))
		}
		if len(b) > 254 {
			return nil, fmt.Errorf("zcl: %s too long: %d (max 254)", TypeName(typeID), len(b))
		}
		return append([]byte{uint8(len(b))}, b...), nil
	}

	return nil, fmt.Errorf("zcl: encode not implemented for type 0x%02X", typeID)
}

func unsignedInRange(val interface{}, max uint64, typeID uint8) (uint64, error) {
	v, ok := toUint64(val)
	if !ok {
		return 0, fmt.Errorf("zcl: cannot convert %T to %s", val, TypeName(typeID))
	}
	if v > max {
		return 0, fmt.Errorf("zcl: value %d overflows %s (max %d)", v, TypeName(typeID), max)
	}
	return v, nil
}

func toBool(v interface{}) (bool, bool) {
	switch val := v.(type) {
	case bool:
		return val, true
	case float64:
		return val != 0, true
	case int:
		return val != 0, true
	}
	return false, false
}

func toUint64(v interface{}) (uint64, bool) {
	switch val := v.(type) {
	case uint8:
		return uint64(val), true
	case uint16:
		return uint64(val), true
	case uint32:
		return uint64(val), true
	case uint64:
		return val, true
	case int, int64, float64:
		i, ok := toInt64(val)
		if !ok || i < 0 {
			return 0, false
		}
		return uint64(i), true
	}
	return 0, false
}

func toFloat64(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint8:
		return float64(val), true
	case uint64:
		return float64(val), true
	}
	return 0, false
}

func toInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case float64:
		if math.IsNaN(val) || val > math.MaxInt64 || val < math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	}
	return 0, false
}
