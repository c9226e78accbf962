package logical

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/tessera-db/tessera/pkg/engine/internal/errors"
)

// Project evaluates Exprs against each row of Input, producing one column per
// expression named by [OutputName].
type Project struct {
	Input Node
	Exprs []Expr

	schema *arrow.Schema
}

// newProject resolves the output schema of the projection.
func newProject(input Node, exprs []Expr) (*Project, error) {
	if len(exprs) == 0 {
		return nil, errors.InvalidArgument("projection requires at least one expression")
	}

	fields := make([]arrow.Field, 0, len(exprs))
	seen := make(map[string]struct{}, len(exprs))
	for _, expr := range exprs {
		dt, err := expr.DataType(input.Schema())
		if err != nil {
			return nil, err
		}

		name := OutputName(expr)
		if _, ok := seen[name]; ok {
			return nil, errors.InvalidArgument("duplicate output column %q in projection", name)
		}
		seen[name] = struct{}{}
		fields = append(fields, arrow.Field{Name: name, Type: dt, Nullable: true})
	}

	return &Project{
		Input:  input,
		Exprs:  exprs,
		schema: arrow.NewSchema(fields, nil),
	}, nil
}

func (p *Project) Schema() *arrow.Schema { return p.schema }
func (p *Project) Children() []Node      { return []Node{p.Input} }

func (p *Project) String() string {
	exprs := make([]string, len(p.Exprs))
	for i, expr := range p.Exprs {
		exprs[i] = expr.String()
	}
	return fmt.Sprintf("Project exprs=[%s]", strings.Join(exprs, ", "))
}

func (p *Project) isNode() {}
