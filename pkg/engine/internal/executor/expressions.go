package executor

import (
	"bytes"
	"cmp"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/planner/logical"
	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/engine/internal/types"
)

type expressionEvaluator struct {
	mem memory.Allocator
}

func newExpressionEvaluator(mem memory.Allocator) expressionEvaluator {
	if mem == nil {
		mem = memory.DefaultAllocator
	}
	return expressionEvaluator{mem: mem}
}

func (e expressionEvaluator) eval(expr logical.Expr, input *table.Table) (ColumnVector, error) {
	switch expr := expr.(type) {
	case *logical.Literal:
		value, err := types.NormalizeValue(expr.Value)
		if err != nil {
			return nil, errors.InvalidArgument("invalid literal %s: %s", expr, err)
		}
		return &Scalar{value: value, rows: input.NumRows()}, nil

	case *logical.ColumnRef:
		arr, ok := input.Column(expr.Name)
		if !ok {
			return nil, errors.InvalidArgument("column %q not found", expr.Name)
		}
		arr.Retain()
		return &Array{array: arr, rows: input.NumRows()}, nil

	case *logical.Alias:
		return e.eval(expr.Expr, input)

	case *logical.UnaryOp:
		val, err := e.eval(expr.Value, input)
		if err != nil {
			return nil, err
		}
		defer val.Release()
		return e.evalUnary(expr.Op, val)

	case *logical.BinOp:
		lhs, err := e.eval(expr.Left, input)
		if err != nil {
			return nil, err
		}
		defer lhs.Release()

		rhs, err := e.eval(expr.Right, input)
		if err != nil {
			return nil, err
		}
		defer rhs.Release()

		return e.evalBinary(expr.Op, lhs, rhs)
	}

	return nil, errors.Unsupported("unsupported expression %T", expr)
}

// evalMask evaluates expr into a boolean array. The caller owns the result.
func (e expressionEvaluator) evalMask(expr logical.Expr, input *table.Table) (arrow.Array, error) {
	vec, err := e.eval(expr, input)
	if err != nil {
		return nil, err
	}
	defer vec.Release()

	switch vec.Type().ID() {
	case arrow.BOOL, arrow.NULL:
	default:
		return nil, errors.InvalidArgument("predicate %s evaluated to %s, expected bool", expr, vec.Type())
	}
	return vec.ToArray(e.mem, arrow.FixedWidthTypes.Boolean), nil
}

func (e expressionEvaluator) evalUnary(op types.UnaryOpKind, val ColumnVector) (ColumnVector, error) {
	switch op {
	case types.UnaryOpKindIsNull:
		return e.buildBool(val.Len(), func(i int) (bool, bool) {
			return val.Value(i) == nil, true
		}), nil

	case types.UnaryOpKindNot:
		if !isBoolType(val.Type()) {
			return nil, errors.InvalidArgument("operand of NOT must be boolean, got %s", val.Type())
		}
		return e.buildBool(val.Len(), func(i int) (bool, bool) {
			v, ok := val.Value(i).(bool)
			return !v, ok
		}), nil
	}
	return nil, errors.Unsupported("unary operator %s", op)
}

func (e expressionEvaluator) evalBinary(op types.BinOpKind, lhs, rhs ColumnVector) (ColumnVector, error) {
	if lhs.Len() != rhs.Len() {
		return nil, errors.InvalidArgument("operands of %s have %d and %d rows", op, lhs.Len(), rhs.Len())
	}

	switch {
	case op.IsLogical():
		if !isBoolType(lhs.Type()) || !isBoolType(rhs.Type()) {
			return nil, errors.InvalidArgument("operands of %s must be boolean, got %s and %s", op, lhs.Type(), rhs.Type())
		}
		return e.buildBool(lhs.Len(), func(i int) (bool, bool) {
			return kleene(op, lhs.Value(i), rhs.Value(i))
		}), nil

	case op.IsComparison():
		var cmpErr error
		res := e.buildBool(lhs.Len(), func(i int) (bool, bool) {
			l, r := lhs.Value(i), rhs.Value(i)
			if l == nil || r == nil {
				return false, false
			}
			c, err := compareValues(l, r)
			if err != nil {
				cmpErr = err
				return false, false
			}
			return applyComparison(op, c), true
		})
		if cmpErr != nil {
			res.Release()
			return nil, errors.InvalidArgument("cannot evaluate %s over %s and %s: %s", op, lhs.Type(), rhs.Type(), cmpErr)
		}
		return res, nil
	}

	return nil, errors.Unsupported("binary operator %s", op)
}

// buildBool materializes n values of fn into a boolean [Array]. fn returns
// false for its second result to produce a null.
func (e expressionEvaluator) buildBool(n int64, fn func(i int) (bool, bool)) *Array {
	builder := array.NewBooleanBuilder(e.mem)
	defer builder.Release()
	builder.Reserve(int(n))

	for i := 0; i < int(n); i++ {
		v, valid := fn(i)
		if !valid {
			builder.AppendNull()
			continue
		}
		builder.Append(v)
	}
	return &Array{array: builder.NewArray(), rows: n}
}

// kleene applies three-valued logic to two nullable booleans.
func kleene(op types.BinOpKind, l, r any) (bool, bool) {
	lv, lok := l.(bool)
	rv, rok := r.(bool)

	switch op {
	case types.BinOpKindAnd:
		if (lok && !lv) || (rok && !rv) {
			return false, true
		}
		return true, lok && rok
	case types.BinOpKindOr:
		if (lok && lv) || (rok && rv) {
			return true, true
		}
		return false, lok && rok
	}
	return false, false
}

func applyComparison(op types.BinOpKind, c int) bool {
	switch op {
	case types.BinOpKindEq:
		return c == 0
	case types.BinOpKindNeq:
		return c != 0
	case types.BinOpKindGt:
		return c > 0
	case types.BinOpKindGte:
		return c >= 0
	case types.BinOpKindLt:
		return c < 0
	case types.BinOpKindLte:
		return c <= 0
	}
	return false
}

// compareValues compares two non-null values as returned by
// [ColumnVector.Value]. Integers compare exactly; mixed numeric operands are
// promoted to float64.
func compareValues(l, r any) (int, error) {
	switch l := l.(type) {
	case int64:
		switch r := r.(type) {
		case int64:
			return cmp.Compare(l, r), nil
		case uint64:
			if l < 0 {
				return -1, nil
			}
			return cmp.Compare(uint64(l), r), nil
		case float64:
			return cmp.Compare(float64(l), r), nil
		}
	case uint64:
		switch r := r.(type) {
		case uint64:
			return cmp.Compare(l, r), nil
		case int64:
			if r < 0 {
				return 1, nil
			}
			return cmp.Compare(l, uint64(r)), nil
		case float64:
			return cmp.Compare(float64(l), r), nil
		}
	case float64:
		switch r := r.(type) {
		case float64:
			return cmp.Compare(l, r), nil
		case int64:
			return cmp.Compare(l, float64(r)), nil
		case uint64:
			return cmp.Compare(l, float64(r)), nil
		}
	case string:
		if r, ok := r.(string); ok {
			return cmp.Compare(l, r), nil
		}
	case []byte:
		if r, ok := r.([]byte); ok {
			return bytes.Compare(l, r), nil
		}
	case bool:
		if r, ok := r.(bool); ok {
			switch {
			case l == r:
				return 0, nil
			case !l:
				return -1, nil
			default:
				return 1, nil
			}
		}
	}
	return 0, errors.InvalidArgument("incompatible values %T and %T", l, r)
}

func isBoolType(dt arrow.DataType) bool {
	return dt.ID() == arrow.BOOL || dt.ID() == arrow.NULL
}

// ColumnVector is the result of evaluating an expression against a table.
type ColumnVector interface {
	// ToArray returns an array of Len values with type dt. The caller owns
	// the returned array.
	ToArray(mem memory.Allocator, dt arrow.DataType) arrow.Array
	// Value returns the value at row i in its canonical Go type (int64,
	// uint64, float64, bool, string, []byte) or nil for null.
	Value(i int) any
	// Type returns the Arrow data type of the vector.
	Type() arrow.DataType
	// Len returns the number of rows of the vector.
	Len() int64
	// Release frees the resources held by the vector.
	Release()
}

// Scalar is a single value repeated for every row of the input.
type Scalar struct {
	value any
	rows  int64
}

var _ ColumnVector = (*Scalar)(nil)

func (v *Scalar) ToArray(mem memory.Allocator, dt arrow.DataType) arrow.Array {
	if dt == nil {
		dt = v.Type()
	}

	builder := array.NewBuilder(mem, dt)
	defer builder.Release()

	for i := int64(0); i < v.rows; i++ {
		appendValue(builder, v.value)
	}
	return builder.NewArray()
}

func (v *Scalar) Value(_ int) any { return v.value }

func (v *Scalar) Type() arrow.DataType {
	return types.ValueTypeOf(v.value).ArrowType()
}

func (v *Scalar) Len() int64 { return v.rows }

func (v *Scalar) Release() {}

// Array is a column backed by an Arrow array.
type Array struct {
	array arrow.Array
	rows  int64
}

var _ ColumnVector = (*Array)(nil)

func (a *Array) ToArray(mem memory.Allocator, dt arrow.DataType) arrow.Array {
	if dt == nil || arrow.TypeEqual(dt, a.array.DataType()) {
		a.array.Retain()
		return a.array
	}

	builder := array.NewBuilder(mem, dt)
	defer builder.Release()
	for i := 0; i < a.array.Len(); i++ {
		appendValue(builder, a.Value(i))
	}
	return builder.NewArray()
}

func (a *Array) Value(i int) any { return valueAt(a.array, i) }

func (a *Array) Type() arrow.DataType { return a.array.DataType() }

func (a *Array) Len() int64 { return a.rows }

func (a *Array) Release() { a.array.Release() }

// valueAt returns the value of arr at row i in its canonical Go type.
func valueAt(arr arrow.Array, i int) any {
	if arr.IsNull(i) {
		return nil
	}

	switch arr := arr.(type) {
	case *array.Boolean:
		return arr.Value(i)
	case *array.Int8:
		return int64(arr.Value(i))
	case *array.Int16:
		return int64(arr.Value(i))
	case *array.Int32:
		return int64(arr.Value(i))
	case *array.Int64:
		return arr.Value(i)
	case *array.Uint8:
		return uint64(arr.Value(i))
	case *array.Uint16:
		return uint64(arr.Value(i))
	case *array.Uint32:
		return uint64(arr.Value(i))
	case *array.Uint64:
		return arr.Value(i)
	case *array.Float32:
		return float64(arr.Value(i))
	case *array.Float64:
		return arr.Value(i)
	case *array.String:
		return arr.Value(i)
	case *array.LargeString:
		return arr.Value(i)
	case *array.Binary:
		return arr.Value(i)
	case *array.LargeBinary:
		return arr.Value(i)
	}
	return arr.ValueStr(i)
}

// appendValue appends v to builder. Values that do not match the builder
// type are appended as null.
func appendValue(builder array.Builder, v any) {
	if v == nil {
		builder.AppendNull()
		return
	}

	switch b := builder.(type) {
	case *array.BooleanBuilder:
		if v, ok := v.(bool); ok {
			b.Append(v)
			return
		}
	case *array.Int64Builder:
		switch v := v.(type) {
		case int64:
			b.Append(v)
			return
		case uint64:
			b.Append(int64(v))
			return
		}
	case *array.Uint64Builder:
		switch v := v.(type) {
		case uint64:
			b.Append(v)
			return
		case int64:
			b.Append(uint64(v))
			return
		}
	case *array.Float64Builder:
		switch v := v.(type) {
		case float64:
			b.Append(v)
			return
		case int64:
			b.Append(float64(v))
			return
		case uint64:
			b.Append(float64(v))
			return
		}
	case *array.StringBuilder:
		if v, ok := v.(string); ok {
			b.Append(v)
			return
		}
	case *array.LargeStringBuilder:
		if v, ok := v.(string); ok {
			b.Append(v)
			return
		}
	case *array.BinaryBuilder:
		if v, ok := v.([]byte); ok {
			b.Append(v)
			return
		}
	}
	builder.AppendNull()
}
