package expr

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/valyala/fasttemplate"
)

const (
	startTag = "${{"
	endTag   = "}}"
)

// Roots lists the contexts an expression may reference.
var Roots = []string{"github", "matrix", "inputs", "env"}

var referencePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_-]*(\.[A-Za-z0-9_-]+)+$`)

// Context holds the values expressions are resolved against, keyed by root
// and then by the remainder of the dotted path.
type Context map[string]map[string]string

// With returns a copy of c with root replaced by values.
func (c Context) With(root string, values map[string]string) Context {
	out := make(Context, len(c)+1)
	for k, v := range c {
		out[k] = v
	}
	out[root] = values
	return out
}

// Lookup resolves a dotted reference such as "matrix.os".
func (c Context) Lookup(ref string) (string, bool) {
	root, rest, ok := strings.Cut(ref, ".")
	if !ok {
		return "", false
	}
	values, ok := c[root]
	if !ok {
		return "", false
	}
	v, ok := values[rest]
	return v, ok
}

// Contains reports whether template holds at least one expression.
func Contains(template string) bool {
	return strings.Contains(template, startTag)
}

// Validate checks that every expression in template is terminated and is a
// dotted reference into one of Roots.
func Validate(template string) error {
	if !Contains(template) {
		return nil
	}
	t, err := fasttemplate.NewTemplate(template, startTag, endTag)
	if err != nil {
		return fmt.Errorf("unterminated expression in %q", template)
	}
	var invalid error
	_, err = t.ExecuteFuncStringWithErr(func(w io.Writer, tag string) (int, error) {
		ref := strings.TrimSpace(tag)
		if err := validateReference(ref); err != nil && invalid == nil {
			invalid = err
		}
		return 0, nil
	})
	if err != nil {
		return fmt.Errorf("parse expression %q: %w", template, err)
	}
	return invalid
}

func validateReference(ref string) error {
	if !referencePattern.MatchString(ref) {
		return fmt.Errorf("unsupported expression %q: only context references are allowed", ref)
	}
	root, _, _ := strings.Cut(ref, ".")
	for _, r := range Roots {
		if r == root {
			return nil
		}
	}
	return fmt.Errorf("unknown context %q in expression %q", root, ref)
}

// Interpolate substitutes every expression in template with its value from
// ctx. Unresolved references render as the empty string. An unterminated
// expression is left as written.
func Interpolate(template string, ctx Context) string {
	if !Contains(template) {
		return template
	}
	out, err := fasttemplate.ExecuteFuncStringWithErr(template, startTag, endTag, func(w io.Writer, tag string) (int, error) {
		v, _ := ctx.Lookup(strings.TrimSpace(tag))
		return w.Write([]byte(v))
	})
	if err != nil {
		return template
	}
	return out
}

// InterpolateMap applies Interpolate to every value of m.
func InterpolateMap(m map[string]string, ctx Context) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = Interpolate(v, ctx)
	}
	return out
}

// References returns the distinct references used in template, sorted.
func References(template string) []string {
	if !Contains(template) {
		return nil
	}
	seen := make(map[string]struct{})
	_, _ = fasttemplate.ExecuteFuncStringWithErr(template, startTag, endTag, func(w io.Writer, tag string) (int, error) {
		seen[strings.TrimSpace(tag)] = struct{}{}
		return 0, nil
	})
	out := make([]string, 0, len(seen))
	for ref := range seen {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}
