package types

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
)

const (
	typeInvalid = "invalid"
)

// ValueType represents the type of a literal value.
type ValueType uint32

const (
	ValueTypeInvalid ValueType = iota // zero-value is an invalid type

	ValueTypeNull   // NULL value.
	ValueTypeBool   // Boolean value
	ValueTypeFloat  // 64bit floating point value
	ValueTypeInt    // Signed 64bit integer value
	ValueTypeStr    // String value
	ValueTypeBinary // Byte-slice value
)

// String returns the string representation of the ValueType.
func (t ValueType) String() string {
	switch t {
	case ValueTypeInvalid:
		return typeInvalid
	case ValueTypeNull:
		return "null"
	case ValueTypeBool:
		return "bool"
	case ValueTypeFloat:
		return "float"
	case ValueTypeInt:
		return "int"
	case ValueTypeStr:
		return "string"
	case ValueTypeBinary:
		return "[]byte"
	default:
		return typeInvalid
	}
}

// ArrowType returns the Arrow data type used to materialize values of t.
func (t ValueType) ArrowType() arrow.DataType {
	switch t {
	case ValueTypeNull:
		return arrow.Null
	case ValueTypeBool:
		return arrow.FixedWidthTypes.Boolean
	case ValueTypeFloat:
		return arrow.PrimitiveTypes.Float64
	case ValueTypeInt:
		return arrow.PrimitiveTypes.Int64
	case ValueTypeStr:
		return arrow.BinaryTypes.String
	case ValueTypeBinary:
		return arrow.BinaryTypes.Binary
	default:
		return nil
	}
}

// ValueTypeOf returns the ValueType of v. Integer and float widths are
// widened to 64 bits.
func ValueTypeOf(v any) ValueType {
	switch v.(type) {
	case nil:
		return ValueTypeNull
	case bool:
		return ValueTypeBool
	case float32, float64:
		return ValueTypeFloat
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return ValueTypeInt
	case string:
		return ValueTypeStr
	case []byte:
		return ValueTypeBinary
	default:
		return ValueTypeInvalid
	}
}

// NormalizeValue widens v to the canonical Go type of its ValueType (int64,
// float64, bool, string, []byte or nil).
func NormalizeValue(v any) (any, error) {
	switch v := v.(type) {
	case nil, bool, float64, int64, string, []byte:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return int64(v), nil
	case int8:
		return int64(v), nil
	case int16:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case uint8:
		return int64(v), nil
	case uint16:
		return int64(v), nil
	case uint32:
		return int64(v), nil
	default:
		return nil, fmt.Errorf("unsupported literal type %T", v)
	}
}
