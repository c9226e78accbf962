package logical

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/types"
)

// A Literal represents a constant known at plan time.
//
// The zero value of a Literal is a NULL value.
type Literal struct {
	Value any
}

// NewLiteral returns a literal for value. Integer and float values are
// widened to 64 bits. Unsupported types produce a literal that fails type
// resolution.
func NewLiteral(value any) *Literal {
	if normalized, err := types.NormalizeValue(value); err == nil {
		value = normalized
	}
	return &Literal{Value: value}
}

// Kind returns the kind of value represented by the literal.
func (l *Literal) Kind() types.ValueType {
	return types.ValueTypeOf(l.Value)
}

// String returns a printable form of the literal.
func (l *Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "NULL"
	case string:
		return strconv.Quote(v)
	case []byte:
		return fmt.Sprintf("0x%x", v)
	default:
		return fmt.Sprint(v)
	}
}

func (l *Literal) DataType(_ *arrow.Schema) (arrow.DataType, error) {
	dt := l.Kind().ArrowType()
	if dt == nil {
		return nil, errors.InvalidArgument("unsupported literal type %T", l.Value)
	}
	return dt, nil
}

func (l *Literal) isExpr() {}
