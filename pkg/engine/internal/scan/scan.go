// Package scan defines physical scan operators: the sources that produce
// micropartitions from storage or from generators.
package scan

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/tessera-db/tessera/pkg/engine/internal/table"
	"github.com/tessera-db/tessera/pkg/storage/bucket"
)

// Operator describes a physical scan. Operators are immutable and may be
// shared between plans.
type Operator interface {
	// Name returns the name of the operator kind.
	Name() string
	// Schema returns the schema of the rows produced by the scan.
	Schema() *arrow.Schema
	// String returns a description that identifies the scan, including its
	// parameters. Two operators with equal descriptions produce equal data.
	String() string
	// ToTasks splits the scan into independently readable tasks.
	ToTasks(pushdowns Pushdowns) ([]Task, error)
}

// Task is one independently readable unit of a scan.
type Task interface {
	// Open starts reading the task.
	Open(ctx context.Context, mem memory.Allocator) (Reader, error)
	String() string
}

// Reader reads the micropartitions of a Task.
type Reader interface {
	// Read returns the next micropartition, or io.EOF once the task is
	// exhausted.
	Read(ctx context.Context) (*table.MicroPartition, error)
	Close() error
}

// Pushdowns are hints applied by the scan itself rather than by downstream
// operators.
type Pushdowns struct {
	Columns []string // Columns to read. Nil reads all columns.
	Limit   *int64   // Maximum number of rows to read. Nil reads all rows.
}

// String returns a canonical description of p.
func (p Pushdowns) String() string {
	var parts []string
	if p.Columns != nil {
		parts = append(parts, fmt.Sprintf("columns=[%s]", strings.Join(p.Columns, ", ")))
	}
	if p.Limit != nil {
		parts = append(parts, fmt.Sprintf("limit=%d", *p.Limit))
	}
	return "Pushdowns{" + strings.Join(parts, ", ") + "}"
}

// RangeCapability creates range scans. It stands in for the optional
// scripting runtime that provides the range generator; a nil
// RangeCapability means range scans are unavailable.
type RangeCapability interface {
	// NewRangeScan returns an operator that emits the integers in
	// [start, end) with the given step in a column named "id".
	NewRangeScan(start, end int64, step uint64, io *bucket.Config) (Operator, error)
}
