package logical

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/types"
)

// An Expr is a scalar expression evaluated per row.
type Expr interface {
	String() string
	// DataType resolves the type of the expression against schema.
	DataType(schema *arrow.Schema) (arrow.DataType, error)

	isExpr()
}

var (
	_ Expr = (*ColumnRef)(nil)
	_ Expr = (*Literal)(nil)
	_ Expr = (*BinOp)(nil)
	_ Expr = (*UnaryOp)(nil)
	_ Expr = (*Alias)(nil)
)

// OutputName returns the column name produced by projecting e.
func OutputName(e Expr) string {
	switch e := e.(type) {
	case *ColumnRef:
		return e.Name
	case *Alias:
		return e.Name
	default:
		return e.String()
	}
}

// A ColumnRef references a column of the input relation by name.
type ColumnRef struct {
	Name string
}

// Col returns a reference to the column name.
func Col(name string) *ColumnRef { return &ColumnRef{Name: name} }

func (c *ColumnRef) String() string { return c.Name }

func (c *ColumnRef) DataType(schema *arrow.Schema) (arrow.DataType, error) {
	indices := schema.FieldIndices(c.Name)
	if len(indices) == 0 {
		return nil, errors.InvalidArgument("column %q not found in schema", c.Name)
	}
	return schema.Field(indices[0]).Type, nil
}

func (c *ColumnRef) isExpr() {}

// A BinOp applies a binary operator to two expressions.
type BinOp struct {
	Left, Right Expr
	Op          types.BinOpKind
}

func (b *BinOp) String() string {
	return fmt.Sprintf("(%s %s %s)", b.Left, b.Op, b.Right)
}

func (b *BinOp) DataType(schema *arrow.Schema) (arrow.DataType, error) {
	left, err := b.Left.DataType(schema)
	if err != nil {
		return nil, err
	}
	right, err := b.Right.DataType(schema)
	if err != nil {
		return nil, err
	}

	switch {
	case b.Op.IsComparison():
		if !canCompare(left, right) {
			return nil, errors.InvalidArgument("cannot compare %s with %s in %s", left, right, b)
		}
	case b.Op.IsLogical():
		if !isBoolean(left) || !isBoolean(right) {
			return nil, errors.InvalidArgument("operands of %s must be boolean, got %s and %s", b.Op, left, right)
		}
	default:
		return nil, errors.Unsupported("binary operator %s", b.Op)
	}
	return arrow.FixedWidthTypes.Boolean, nil
}

func (b *BinOp) isExpr() {}

// A UnaryOp applies a unary operator to an expression.
type UnaryOp struct {
	Value Expr
	Op    types.UnaryOpKind
}

func (u *UnaryOp) String() string {
	return fmt.Sprintf("%s(%s)", u.Op, u.Value)
}

func (u *UnaryOp) DataType(schema *arrow.Schema) (arrow.DataType, error) {
	inner, err := u.Value.DataType(schema)
	if err != nil {
		return nil, err
	}

	switch u.Op {
	case types.UnaryOpKindNot:
		if !isBoolean(inner) {
			return nil, errors.InvalidArgument("operand of NOT must be boolean, got %s", inner)
		}
	case types.UnaryOpKindIsNull:
	default:
		return nil, errors.Unsupported("unary operator %s", u.Op)
	}
	return arrow.FixedWidthTypes.Boolean, nil
}

func (u *UnaryOp) isExpr() {}

// An Alias renames the result of an expression.
type Alias struct {
	Expr Expr
	Name string
}

func (a *Alias) String() string {
	return fmt.Sprintf("%s AS %s", a.Expr, a.Name)
}

func (a *Alias) DataType(schema *arrow.Schema) (arrow.DataType, error) {
	return a.Expr.DataType(schema)
}

func (a *Alias) isExpr() {}

func isBoolean(dt arrow.DataType) bool {
	return dt.ID() == arrow.BOOL || dt.ID() == arrow.NULL
}

func isNumeric(dt arrow.DataType) bool {
	switch dt.ID() {
	case arrow.INT8, arrow.INT16, arrow.INT32, arrow.INT64,
		arrow.UINT8, arrow.UINT16, arrow.UINT32, arrow.UINT64,
		arrow.FLOAT32, arrow.FLOAT64:
		return true
	}
	return false
}

func isString(dt arrow.DataType) bool {
	return dt.ID() == arrow.STRING || dt.ID() == arrow.LARGE_STRING
}

func canCompare(a, b arrow.DataType) bool {
	switch {
	case a.ID() == arrow.NULL || b.ID() == arrow.NULL:
		return true
	case isNumeric(a) && isNumeric(b):
		return true
	case isString(a) && isString(b):
		return true
	default:
		return a.ID() == b.ID() && (a.ID() == arrow.BOOL || a.ID() == arrow.BINARY)
	}
}
