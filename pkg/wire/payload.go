package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// Payload typing errors.
var (
	ErrBadVarType    = errors.New("payload: unknown variable type")
	ErrBadValue      = errors.New("payload: value does not match type")
	ErrShortPayload  = errors.New("payload: too short for type")
	ErrValueOverflow = errors.New("payload: value out of range for type")
)

// VarType enumerates the typed payload encodings devices understand.
// All multi-byte encodings are little-endian.
type VarType uint8

const (
	TypeBool VarType = iota + 1
	TypeInt8
	TypeUint8
	TypeInt16
	TypeUint16
	TypeInt32
	TypeUint32
	TypeFloat
	TypeDouble
	TypeString
	TypeBuffer
)

// String returns the introspection name of the type.
func (t VarType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt8:
		return "int8"
	case TypeUint8:
		return "uint8"
	case TypeInt16:
		return "int16"
	case TypeUint16:
		return "uint16"
	case TypeInt32:
		return "int32"
	case TypeUint32:
		return "uint32"
	case TypeFloat:
		return "float"
	case TypeDouble:
		return "double"
	case TypeString:
		return "string"
	case TypeBuffer:
		return "buffer"
	default:
		return "unknown"
	}
}

// ParseVarType maps an introspection type name to a VarType.
// Unknown names default to string, matching how devices describe
// variables they have no precise type for.
func ParseVarType(name string) VarType {
	switch name {
	case "bool":
		return TypeBool
	case "int8":
		return TypeInt8
	case "uint8", "byte":
		return TypeUint8
	case "int16":
		return TypeInt16
	case "uint16":
		return TypeUint16
	case "int32", "int":
		return TypeInt32
	case "uint32":
		return TypeUint32
	case "float":
		return TypeFloat
	case "double":
		return TypeDouble
	case "buffer":
		return TypeBuffer
	default:
		return TypeString
	}
}

// EncodeValue converts a typed value into its little-endian payload form.
func EncodeValue(t VarType, v any) ([]byte, error) {
	switch t {
	case TypeBool:
		b, ok := v.(bool)
		if !ok {
			return nil, ErrBadValue
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case TypeInt8, TypeUint8:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		return []byte{byte(n)}, nil

	case TypeInt16, TypeUint16:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(n))
		return b, nil

	case TypeInt32, TypeUint32:
		n, err := toInt64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(n))
		return b, nil

	case TypeFloat:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(float32(f)))
		return b, nil

	case TypeDouble:
		f, err := toFloat64(v)
		if err != nil {
			return nil, err
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(f))
		return b, nil

	case TypeString:
		s, ok := v.(string)
		if !ok {
			return nil, ErrBadValue
		}
		return []byte(s), nil

	case TypeBuffer:
		b, ok := v.([]byte)
		if !ok {
			return nil, ErrBadValue
		}
		return b, nil

	default:
		return nil, ErrBadVarType
	}
}

// DecodeValue converts a little-endian payload back into a typed value.
func DecodeValue(t VarType, payload []byte) (any, error) {
	switch t {
	case TypeBool:
		if len(payload) < 1 {
			return nil, ErrShortPayload
		}
		return payload[0] != 0, nil

	case TypeInt8:
		if len(payload) < 1 {
			return nil, ErrShortPayload
		}
		return int8(payload[0]), nil

	case TypeUint8:
		if len(payload) < 1 {
			return nil, ErrShortPayload
		}
		return payload[0], nil

	case TypeInt16:
		if len(payload) < 2 {
			return nil, ErrShortPayload
		}
		return int16(binary.LittleEndian.Uint16(payload)), nil

	case TypeUint16:
		if len(payload) < 2 {
			return nil, ErrShortPayload
		}
		return binary.LittleEndian.Uint16(payload), nil

	case TypeInt32:
		if len(payload) < 4 {
			return nil, ErrShortPayload
		}
		return int32(binary.LittleEndian.Uint32(payload)), nil

	case TypeUint32:
		if len(payload) < 4 {
			return nil, ErrShortPayload
		}
		return binary.LittleEndian.Uint32(payload), nil

	case TypeFloat:
		if len(payload) < 4 {
			return nil, ErrShortPayload
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(payload)), nil

	case TypeDouble:
		if len(payload) < 8 {
			return nil, ErrShortPayload
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(payload)), nil

	case TypeString:
		return string(payload), nil

	case TypeBuffer:
		return append([]byte(nil), payload...), nil

	default:
		return nil, ErrBadVarType
	}
}

// DecodeInt32 reads a little-endian int32, the encoding of every
// FunctionReturn payload. Short payloads are zero-extended because
// older firmware replies with fewer bytes for small values.
func DecodeInt32(payload []byte) int32 {
	var b [4]byte
	copy(b[:], payload)
	return int32(binary.LittleEndian.Uint32(b[:]))
}

// toInt64 accepts the integer forms that reach the codec from API
// callers and JSON decoding.
func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, ErrBadValue
		}
		return int64(n), nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrBadValue, v)
	}
}

// toFloat64 accepts the float forms that reach the codec.
func toFloat64(v any) (float64, error) {
	switch f := v.(type) {
	case float32:
		return float64(f), nil
	case float64:
		return f, nil
	case int:
		return float64(f), nil
	case int32:
		return float64(f), nil
	case int64:
		return float64(f), nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrBadValue, v)
	}
}
