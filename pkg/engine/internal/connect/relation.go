// Package connect translates relation messages of the plan input protocol
// into logical plans.
package connect

import (
	"fmt"
	"sort"
	"strings"

	jsoniter "github.com/json-iterator/go"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Relation is a node of the plan input protocol. RelType is required; Common
// carries optional metadata.
type Relation struct {
	Common  *RelationCommon
	RelType RelType
}

// RelationCommon is metadata shared by all relation types.
type RelationCommon struct {
	SourceInfo string `json:"source_info,omitempty"`
	PlanID     *int64 `json:"plan_id,omitempty"`
}

func (c *RelationCommon) String() string {
	if c.PlanID == nil {
		return fmt.Sprintf("source_info=%q", c.SourceInfo)
	}
	return fmt.Sprintf("source_info=%q plan_id=%d", c.SourceInfo, *c.PlanID)
}

// RelType is the tagged payload of a [Relation].
type RelType interface {
	// Tag returns the wire name of the relation type.
	Tag() string

	isRelType()
}

var (
	_ RelType = (*Range)(nil)
	_ RelType = (*Tail)(nil)
	_ RelType = (*Read)(nil)
	_ RelType = (*Project)(nil)
	_ RelType = (*Filter)(nil)
	_ RelType = (*Limit)(nil)
	_ RelType = (*SQL)(nil)
	_ RelType = (*Unknown)(nil)
)

// Range produces the integers in [Start, End) with step Step in a column
// named "id".
type Range struct {
	Start         *int64 `json:"start,omitempty"` // Defaults to 0.
	End           int64  `json:"end"`
	Step          int64  `json:"step"`
	NumPartitions *int32 `json:"num_partitions,omitempty"`
}

// Tail limits Input to Limit rows. It is translated to a limit, which keeps
// the first Limit rows in pipeline order.
type Tail struct {
	Input *Relation `json:"input"`
	Limit int32     `json:"limit"`
}

// Read reads a data source.
type Read struct {
	Format string   `json:"format"`
	Paths  []string `json:"paths"`
}

// Project evaluates expressions over Input.
type Project struct {
	Input       *Relation             `json:"input"`
	Expressions []jsoniter.RawMessage `json:"expressions"`
}

// Filter keeps the rows of Input matching Condition.
type Filter struct {
	Input     *Relation           `json:"input"`
	Condition jsoniter.RawMessage `json:"condition"`
}

// Limit keeps the first Limit rows of Input.
type Limit struct {
	Input *Relation `json:"input"`
	Limit int32     `json:"limit"`
}

// SQL is a relation defined by a query string.
type SQL struct {
	Query string `json:"query"`
}

// Unknown is a relation type not recognized by this package.
type Unknown struct {
	Name string
}

func (*Range) Tag() string   { return "range" }
func (*Tail) Tag() string    { return "tail" }
func (*Read) Tag() string    { return "read" }
func (*Project) Tag() string { return "project" }
func (*Filter) Tag() string  { return "filter" }
func (*Limit) Tag() string   { return "limit" }
func (*SQL) Tag() string     { return "sql" }
func (u *Unknown) Tag() string {
	return u.Name
}

func (*Range) isRelType()   {}
func (*Tail) isRelType()    {}
func (*Read) isRelType()    {}
func (*Project) isRelType() {}
func (*Filter) isRelType()  {}
func (*Limit) isRelType()   {}
func (*SQL) isRelType()     {}
func (*Unknown) isRelType() {}

var relTypes = map[string]func() RelType{
	"range":   func() RelType { return &Range{} },
	"tail":    func() RelType { return &Tail{} },
	"read":    func() RelType { return &Read{} },
	"project": func() RelType { return &Project{} },
	"filter":  func() RelType { return &Filter{} },
	"limit":   func() RelType { return &Limit{} },
	"sql":     func() RelType { return &SQL{} },
}

const commonKey = "common"

// DecodeRelation decodes a relation from its JSON form:
//
//	{"common": {...}, "<tag>": {...}}
//
// The common block is optional. At most one relation type may be present;
// a message without one decodes to a Relation with a nil RelType. Tags not
// known to this package decode to [*Unknown].
func DecodeRelation(data []byte) (*Relation, error) {
	var rel Relation
	if err := rel.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return &rel, nil
}

// UnmarshalJSON implements [json.Unmarshaler].
func (r *Relation) UnmarshalJSON(data []byte) error {
	var fields map[string]jsoniter.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return errors.Wrap(err, "failed to decode relation")
	}

	*r = Relation{}
	if raw, ok := fields[commonKey]; ok {
		var common RelationCommon
		if err := json.Unmarshal(raw, &common); err != nil {
			return errors.Wrap(err, "failed to decode relation common metadata")
		}
		r.Common = &common
		delete(fields, commonKey)
	}

	if len(fields) > 1 {
		tags := make([]string, 0, len(fields))
		for tag := range fields {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		return errors.InvalidArgument("relation has more than one type: %s", strings.Join(tags, ", "))
	}

	for tag, raw := range fields {
		ctor, ok := relTypes[tag]
		if !ok {
			r.RelType = &Unknown{Name: tag}
			return nil
		}

		relType := ctor()
		if err := json.Unmarshal(raw, relType); err != nil {
			return errors.Wrapf(err, "failed to decode %s relation", tag)
		}
		r.RelType = relType
	}
	return nil
}
