package logical

import (
	"fmt"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/cespare/xxhash/v2"
	"github.com/dustin/go-humanize"
	"go.uber.org/atomic"

	"github.com/tessera-db/tessera/pkg/engine/internal/scan"
)

// SourceInfo describes where the rows of a [Source] node originate. It is a
// closed set of variants: [*InMemoryInfo], [*PhysicalScanInfo] and
// [*PlaceholderInfo].
//
// Identity is defined by Key: two SourceInfos are equal if and only if their
// keys are equal, and Hash is derived from the key, so equal values always
// hash equally.
type SourceInfo interface {
	// Key returns the canonical identity of the source.
	Key() string
	// Hash returns a hash of Key.
	Hash() uint64
	// Schema returns the schema of the rows produced by the source.
	Schema() *arrow.Schema
	String() string

	isSourceInfo()
}

var (
	_ SourceInfo = (*InMemoryInfo)(nil)
	_ SourceInfo = (*PhysicalScanInfo)(nil)
	_ SourceInfo = (*PlaceholderInfo)(nil)
)

// Equal reports whether a and b identify the same source.
func Equal(a, b SourceInfo) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Key() == b.Key()
}

func hashKey(key string) uint64 { return xxhash.Sum64String(key) }

// InMemoryInfo references materialized partitions held in a partition cache.
// Identity is the cache key alone; the remaining fields are descriptive.
type InMemoryInfo struct {
	SourceSchema   *arrow.Schema
	CacheKey       string
	NumPartitions  int
	SizeBytes      int
	NumRows        int
	ClusteringSpec *ClusteringSpec // Optional.
}

func (i *InMemoryInfo) Key() string           { return "in_memory:" + i.CacheKey }
func (i *InMemoryInfo) Hash() uint64          { return hashKey(i.Key()) }
func (i *InMemoryInfo) Schema() *arrow.Schema { return i.SourceSchema }

func (i *InMemoryInfo) String() string {
	return fmt.Sprintf("InMemory(cache_key=%s, num_partitions=%d, num_rows=%d, size=%s, clustering=%s)",
		i.CacheKey, i.NumPartitions, i.NumRows, humanize.Bytes(uint64(max(i.SizeBytes, 0))), i.ClusteringSpec)
}

func (i *InMemoryInfo) isSourceInfo() {}

// PhysicalScanInfo references data read by a scan operator.
type PhysicalScanInfo struct {
	Operator  scan.Operator
	Pushdowns scan.Pushdowns

	schema *arrow.Schema
}

// NewPhysicalScanInfo returns a PhysicalScanInfo for op. If pushdowns select
// columns, the schema is narrowed to those columns in operator order.
func NewPhysicalScanInfo(op scan.Operator, pushdowns scan.Pushdowns) *PhysicalScanInfo {
	schema := op.Schema()
	if pushdowns.Columns != nil {
		fields := make([]arrow.Field, 0, len(pushdowns.Columns))
		for _, field := range schema.Fields() {
			for _, col := range pushdowns.Columns {
				if field.Name == col {
					fields = append(fields, field)
					break
				}
			}
		}
		schema = arrow.NewSchema(fields, nil)
	}
	return &PhysicalScanInfo{Operator: op, Pushdowns: pushdowns, schema: schema}
}

func (i *PhysicalScanInfo) Key() string {
	return "physical:" + i.Operator.String() + "|" + i.Pushdowns.String()
}

func (i *PhysicalScanInfo) Hash() uint64 { return hashKey(i.Key()) }

func (i *PhysicalScanInfo) Schema() *arrow.Schema {
	if i.schema == nil {
		return i.Operator.Schema()
	}
	return i.schema
}

func (i *PhysicalScanInfo) String() string {
	return fmt.Sprintf("Physical(%s, %s)", i.Operator, i.Pushdowns)
}

func (i *PhysicalScanInfo) isSourceInfo() {}

// PlaceholderInfo stands in for a source that is resolved later, such as
// the output of an earlier stage in multi-stage execution. Every placeholder
// receives a unique SourceID, so no two placeholders compare equal.
type PlaceholderInfo struct {
	SourceSchema   *arrow.Schema
	ClusteringSpec *ClusteringSpec
	SourceID       uint64
}

// NewPlaceholderInfo returns a PlaceholderInfo with the next id of alloc. A
// nil clustering defaults to unknown clustering over one partition.
func NewPlaceholderInfo(alloc *IDAllocator, schema *arrow.Schema, clustering *ClusteringSpec) *PlaceholderInfo {
	if clustering == nil {
		clustering = UnknownClustering(1)
	}
	return &PlaceholderInfo{
		SourceSchema:   schema,
		ClusteringSpec: clustering,
		SourceID:       alloc.Next(),
	}
}

func (i *PlaceholderInfo) Key() string           { return "placeholder:" + strconv.FormatUint(i.SourceID, 10) }
func (i *PlaceholderInfo) Hash() uint64          { return hashKey(i.Key()) }
func (i *PlaceholderInfo) Schema() *arrow.Schema { return i.SourceSchema }

func (i *PlaceholderInfo) String() string {
	return fmt.Sprintf("Placeholder(source_id=%d, clustering=%s)", i.SourceID, i.ClusteringSpec)
}

func (i *PlaceholderInfo) isSourceInfo() {}

// IDAllocator hands out placeholder ids. Ids are unique per allocator and
// strictly increasing; concurrent callers never observe the same id.
type IDAllocator struct {
	next atomic.Uint64
}

// NewIDAllocator returns an allocator whose first id is 0.
func NewIDAllocator() *IDAllocator { return &IDAllocator{} }

// Next returns the next id.
func (a *IDAllocator) Next() uint64 { return a.next.Inc() - 1 }

// DefaultIDAllocator is a process-wide allocator for callers that do not
// need isolated id sequences.
var DefaultIDAllocator = NewIDAllocator()
