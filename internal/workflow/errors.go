package workflow

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"
)

// ConfigError reports every problem found while loading one workflow file.
// It is fatal: a definition with a ConfigError never executes.
type ConfigError struct {
	Path string
	Err  error
}

func (e *ConfigError) Error() string {
	problems := e.Problems()
	if len(problems) == 1 {
		return fmt.Sprintf("invalid workflow %q: %v", e.Path, problems[0])
	}
	var b strings.Builder
	fmt.Fprintf(&b, "invalid workflow %q: %d problems", e.Path, len(problems))
	for _, p := range problems {
		b.WriteString("\n  - ")
		b.WriteString(p.Error())
	}
	return b.String()
}

// Unwrap exposes the individual problems to errors.Is and errors.As.
func (e *ConfigError) Unwrap() []error {
	return e.Problems()
}

// Problems returns the aggregated problems in the order they were found.
func (e *ConfigError) Problems() []error {
	return multierr.Errors(e.Err)
}
