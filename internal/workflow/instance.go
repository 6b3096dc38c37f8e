package workflow

import (
	"fmt"

	"github.com/bgricker/dispatch/internal/expr"
	"github.com/bgricker/dispatch/internal/matrix"
)

// Instance is one job paired with one matrix combination.
type Instance struct {
	Job         *Job
	Combination matrix.Combination
	Name        string
}

// Context returns base extended with the instance's matrix bindings.
func (in Instance) Context(base expr.Context) expr.Context {
	return base.With("matrix", in.Combination.Map())
}

// Instances expands the job's matrix. A job without a matrix yields a single
// instance. Display names are rendered against base; a name without
// expressions gets the combination appended, as in "test (A, 1)".
func (j *Job) Instances(base expr.Context) ([]Instance, error) {
	if j.Strategy.Matrix.IsZero() {
		in := Instance{Job: j}
		in.Name = instanceName(j.Name, nil, in.Context(base))
		return []Instance{in}, nil
	}
	combos, err := matrix.Expand(j.Strategy.Matrix)
	if err != nil {
		return nil, fmt.Errorf("expand matrix of job %q: %w", j.ID, err)
	}
	out := make([]Instance, 0, len(combos))
	for _, c := range combos {
		in := Instance{Job: j, Combination: c}
		in.Name = instanceName(j.Name, c, in.Context(base))
		out = append(out, in)
	}
	return out, nil
}

func instanceName(name string, c matrix.Combination, ctx expr.Context) string {
	if expr.Contains(name) {
		return expr.Interpolate(name, ctx)
	}
	if len(c) == 0 {
		return name
	}
	return fmt.Sprintf("%s (%s)", name, c.Label())
}
