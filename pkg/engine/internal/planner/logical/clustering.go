package logical

import (
	"fmt"
	"strings"
)

// ClusteringKind describes how rows are distributed across partitions.
type ClusteringKind int

// Recognized values of [ClusteringKind].
const (
	ClusteringUnknown ClusteringKind = iota
	ClusteringRandom
	ClusteringHash
	ClusteringRange
)

var clusteringKindStrings = map[ClusteringKind]string{
	ClusteringUnknown: "Unknown",
	ClusteringRandom:  "Random",
	ClusteringHash:    "Hash",
	ClusteringRange:   "Range",
}

func (k ClusteringKind) String() string {
	if s, ok := clusteringKindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("ClusteringKind(%d)", k)
}

// ClusteringSpec describes the partitioning of a data source.
type ClusteringSpec struct {
	Kind          ClusteringKind
	NumPartitions int
	By            []string // Partitioning columns, for Hash and Range.
}

// UnknownClustering returns a spec with unknown clustering over n partitions.
func UnknownClustering(n int) *ClusteringSpec {
	return &ClusteringSpec{Kind: ClusteringUnknown, NumPartitions: n}
}

func (c *ClusteringSpec) String() string {
	if c == nil {
		return "None"
	}
	if len(c.By) == 0 {
		return fmt.Sprintf("%s(num_partitions=%d)", c.Kind, c.NumPartitions)
	}
	return fmt.Sprintf("%s(num_partitions=%d, by=[%s])", c.Kind, c.NumPartitions, strings.Join(c.By, ", "))
}
