package logical

import (
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/stretchr/testify/require"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
	"github.com/tessera-db/tessera/pkg/engine/internal/types"
)

func usersScan() *Builder {
	return InMemoryScan(&InMemoryInfo{
		SourceSchema:  testSchema,
		CacheKey:      "users",
		NumPartitions: 2,
		SizeBytes:     2048,
		NumRows:       10,
	})
}

func TestBuilder_Immutable(t *testing.T) {
	base := usersScan()
	filtered := base.Filter(&BinOp{Left: Col("id"), Right: NewLiteral(3), Op: types.BinOpKindGt})
	limited := base.Limit(5, false)

	baseNode, err := base.Build()
	require.NoError(t, err)
	require.IsType(t, &Source{}, baseNode)

	filteredNode, err := filtered.Build()
	require.NoError(t, err)
	require.IsType(t, &Filter{}, filteredNode)
	require.Same(t, baseNode, filteredNode.Children()[0])

	limitedNode, err := limited.Build()
	require.NoError(t, err)
	require.Equal(t, int64(5), limitedNode.(*Limit).Limit)
	require.Same(t, baseNode, limitedNode.Children()[0])
}

func TestBuilder_Errors(t *testing.T) {
	for _, tc := range []struct {
		name string
		b    *Builder
		kind errors.Kind
	}{
		{
			name: "unknown column in filter",
			b:    usersScan().Filter(&BinOp{Left: Col("age"), Right: NewLiteral(3), Op: types.BinOpKindGt}),
			kind: errors.KindInvalidArgument,
		},
		{
			name: "non-boolean predicate",
			b:    usersScan().Filter(Col("id")),
			kind: errors.KindInvalidArgument,
		},
		{
			name: "incomparable operands",
			b:    usersScan().Filter(&BinOp{Left: Col("id"), Right: NewLiteral("3"), Op: types.BinOpKindEq}),
			kind: errors.KindInvalidArgument,
		},
		{
			name: "negative limit",
			b:    usersScan().Limit(-1, false),
			kind: errors.KindInvalidArgument,
		},
		{
			name: "duplicate projection",
			b:    usersScan().Select(Col("id"), Col("id")),
			kind: errors.KindInvalidArgument,
		},
		{
			name: "missing cache key",
			b:    InMemoryScan(&InMemoryInfo{SourceSchema: testSchema}),
			kind: errors.KindMissingField,
		},
		{
			name: "missing scan operator",
			b:    TableScan(&PhysicalScanInfo{}),
			kind: errors.KindMissingField,
		},
		{
			name: "error propagates through chain",
			b:    usersScan().Limit(-1, false).Filter(NewLiteral(true)).Select(Col("id")),
			kind: errors.KindInvalidArgument,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			node, err := tc.b.Build()
			require.Error(t, err)
			require.Nil(t, node)
			require.Equal(t, tc.kind, errors.KindOf(err))
			require.Nil(t, tc.b.Schema())
		})
	}
}

func TestBuilder_SelectSchema(t *testing.T) {
	b := usersScan().Select(
		Col("name"),
		&Alias{Expr: &BinOp{Left: Col("id"), Right: NewLiteral(1.5), Op: types.BinOpKindGte}, Name: "big"},
		&UnaryOp{Value: Col("name"), Op: types.UnaryOpKindIsNull},
	)
	require.NoError(t, b.Err())

	schema := b.Schema()
	require.Len(t, schema.Fields(), 3)
	require.Equal(t, "name", schema.Field(0).Name)
	require.Equal(t, arrow.BinaryTypes.String, schema.Field(0).Type)
	require.Equal(t, "big", schema.Field(1).Name)
	require.Equal(t, arrow.FixedWidthTypes.Boolean, schema.Field(1).Type)
	require.Equal(t, "IS_NULL(name)", schema.Field(2).Name)
}

func TestBuilder_Sources(t *testing.T) {
	alloc := NewIDAllocator()
	b := PlaceholderScan(alloc, testSchema, nil).Filter(NewLiteral(true)).Limit(1, true)

	sources := b.Sources()
	require.Len(t, sources, 1)
	require.IsType(t, &PlaceholderInfo{}, sources[0])
}

func TestBuilder_ReplacePlaceholders(t *testing.T) {
	alloc := NewIDAllocator()
	b := PlaceholderScan(alloc, testSchema, nil).Limit(3, false)
	placeholder := b.Sources()[0].(*PlaceholderInfo)

	t.Run("substitutes matching placeholder", func(t *testing.T) {
		replaced := b.ReplacePlaceholders(func(p *PlaceholderInfo) (Node, bool) {
			if !Equal(p, placeholder) {
				return nil, false
			}
			return usersScan().Node(), true
		})
		require.NoError(t, replaced.Err())

		sources := replaced.Sources()
		require.Len(t, sources, 1)
		require.Equal(t, "in_memory:users", sources[0].Key())

		// The original builder still refers to the placeholder.
		require.Equal(t, placeholder.Key(), b.Sources()[0].Key())
	})

	t.Run("keeps placeholder when declined", func(t *testing.T) {
		kept := b.ReplacePlaceholders(func(*PlaceholderInfo) (Node, bool) { return nil, false })
		require.NoError(t, kept.Err())
		require.True(t, Equal(placeholder, kept.Sources()[0]))
	})

	t.Run("rejects schema mismatch", func(t *testing.T) {
		bad := b.ReplacePlaceholders(func(*PlaceholderInfo) (Node, bool) {
			return usersScan().Select(Col("id")).Node(), true
		})
		require.ErrorIs(t, bad.Err(), errors.ErrInvalidArgument)
	})
}

func TestBuilder_String(t *testing.T) {
	b := usersScan().
		Filter(&BinOp{Left: Col("id"), Right: NewLiteral(3), Op: types.BinOpKindGt}).
		Select(Col("name")).
		Limit(5, false)

	expected := `
Limit limit=5 eager=false
└── Project exprs=[name]
    └── Filter predicate=(id GT 3)
        └── Source InMemory(cache_key=users, num_partitions=2, num_rows=10, size=2.0 kB, clustering=None)
`
	require.Equal(t, strings.TrimPrefix(expected, "\n"), b.String())
}
