package matrix

import (
	"errors"
	"fmt"
	"strings"
)

// MaxCombinations bounds the number of instances a single matrix may expand to.
const MaxCombinations = 256

var (
	// ErrEmptyDimension indicates a dimension declared without values.
	ErrEmptyDimension = errors.New("matrix dimension has no values")
	// ErrNoCombinations indicates that expansion produced zero instances.
	ErrNoCombinations = errors.New("matrix expands to zero instances")
	// ErrTooManyCombinations indicates that expansion exceeded MaxCombinations.
	ErrTooManyCombinations = errors.New("matrix expands to too many instances")
)

// Dimension is a named axis of the matrix with its values in declared order.
type Dimension struct {
	Name   string
	Values []string
}

// Matrix describes the parameter space of a job.
type Matrix struct {
	Dimensions []Dimension
	Include    []Combination
	Exclude    []Combination
}

// IsZero reports whether the matrix declares nothing.
func (m Matrix) IsZero() bool {
	return len(m.Dimensions) == 0 && len(m.Include) == 0 && len(m.Exclude) == 0
}

// Binding is a single key/value pair of a combination.
type Binding struct {
	Key   string
	Value string
}

// Combination is an ordered set of bindings.
type Combination []Binding

// Get returns the value bound to key.
func (c Combination) Get(key string) (string, bool) {
	for _, b := range c {
		if b.Key == key {
			return b.Value, true
		}
	}
	return "", false
}

// Map returns the combination as a map.
func (c Combination) Map() map[string]string {
	if len(c) == 0 {
		return nil
	}
	out := make(map[string]string, len(c))
	for _, b := range c {
		out[b.Key] = b.Value
	}
	return out
}

// Values returns the bound values in order.
func (c Combination) Values() []string {
	out := make([]string, 0, len(c))
	for _, b := range c {
		out = append(out, b.Value)
	}
	return out
}

// Label renders the values as "A, 1".
func (c Combination) Label() string {
	return strings.Join(c.Values(), ", ")
}

func (c Combination) set(key, value string) Combination {
	for i := range c {
		if c[i].Key == key {
			c[i].Value = value
			return c
		}
	}
	return append(c, Binding{Key: key, Value: value})
}

func (c Combination) equal(o Combination) bool {
	if len(c) != len(o) {
		return false
	}
	for _, b := range c {
		v, ok := o.Get(b.Key)
		if !ok || v != b.Value {
			return false
		}
	}
	return true
}

func (c Combination) clone() Combination {
	return append(Combination(nil), c...)
}

// Size returns the product of the dimension sizes, ignoring include and
// exclude. The count saturates at MaxCombinations+1.
func (m Matrix) Size() int {
	if len(m.Dimensions) == 0 {
		return 0
	}
	n := 1
	for _, d := range m.Dimensions {
		if len(d.Values) == 0 {
			return 0
		}
		if n > MaxCombinations/len(d.Values) {
			return MaxCombinations + 1
		}
		n *= len(d.Values)
	}
	if n > MaxCombinations {
		return MaxCombinations + 1
	}
	return n
}

// Expand produces the concrete combinations of m in row-major order over the
// declared dimension order: the last dimension varies fastest. Exclusions are
// applied to the cross product first, then include entries either extend
// compatible combinations or are appended as standalone combinations.
func Expand(m Matrix) ([]Combination, error) {
	if err := validate(m); err != nil {
		return nil, err
	}

	var combos []Combination
	if len(m.Dimensions) > 0 {
		if m.Size() > MaxCombinations {
			return nil, fmt.Errorf("%w: more than %d", ErrTooManyCombinations, MaxCombinations)
		}
		combos = product(m.Dimensions)
	}

	combos = applyExclude(combos, m.Exclude)
	combos = applyInclude(combos, m.Include, dimensionNames(m.Dimensions))

	if len(combos) == 0 {
		return nil, ErrNoCombinations
	}
	if len(combos) > MaxCombinations {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyCombinations, len(combos), MaxCombinations)
	}
	return combos, nil
}

func validate(m Matrix) error {
	seen := make(map[string]struct{}, len(m.Dimensions))
	for _, d := range m.Dimensions {
		if d.Name == "" {
			return errors.New("matrix dimension has no name")
		}
		if _, dup := seen[d.Name]; dup {
			return fmt.Errorf("matrix dimension %q declared twice", d.Name)
		}
		seen[d.Name] = struct{}{}

		if len(d.Values) == 0 {
			return fmt.Errorf("%w: %q", ErrEmptyDimension, d.Name)
		}
		values := make(map[string]struct{}, len(d.Values))
		for _, v := range d.Values {
			if _, dup := values[v]; dup {
				return fmt.Errorf("matrix dimension %q lists %q more than once", d.Name, v)
			}
			values[v] = struct{}{}
		}
	}
	for _, ex := range m.Exclude {
		if len(ex) == 0 {
			return errors.New("matrix exclude entry is empty")
		}
		for _, b := range ex {
			if _, ok := seen[b.Key]; !ok {
				return fmt.Errorf("matrix exclude references undeclared dimension %q", b.Key)
			}
		}
	}
	for _, in := range m.Include {
		if len(in) == 0 {
			return errors.New("matrix include entry is empty")
		}
	}
	if len(m.Dimensions) == 0 && len(m.Include) == 0 {
		return ErrNoCombinations
	}
	return nil
}

func product(dims []Dimension) []Combination {
	combos := []Combination{{}}
	for _, d := range dims {
		next := make([]Combination, 0, len(combos)*len(d.Values))
		for _, c := range combos {
			for _, v := range d.Values {
				nc := make(Combination, len(c), len(c)+1)
				copy(nc, c)
				next = append(next, append(nc, Binding{Key: d.Name, Value: v}))
			}
		}
		combos = next
	}
	return combos
}

func applyExclude(combos []Combination, excludes []Combination) []Combination {
	if len(excludes) == 0 {
		return combos
	}
	out := combos[:0:0]
	for _, c := range combos {
		if !excluded(c, excludes) {
			out = append(out, c)
		}
	}
	return out
}

func excluded(c Combination, excludes []Combination) bool {
	for _, ex := range excludes {
		match := true
		for _, b := range ex {
			if v, ok := c.Get(b.Key); !ok || v != b.Value {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

// applyInclude extends only combinations produced by the cross product;
// standalone include entries are never extended by later entries.
func applyInclude(combos []Combination, includes []Combination, original map[string]struct{}) []Combination {
	base := len(combos)
	for _, in := range includes {
		matched := false
		for i, c := range combos[:base] {
			if !compatible(c, in, original) {
				continue
			}
			matched = true
			for _, b := range in {
				if _, orig := original[b.Key]; orig {
					continue
				}
				combos[i] = combos[i].set(b.Key, b.Value)
			}
		}
		if matched {
			continue
		}
		standalone := in.clone()
		if !contains(combos, standalone) {
			combos = append(combos, standalone)
		}
	}
	return combos
}

// compatible reports whether include entry in can extend c: every original
// dimension key named by in must agree with c. Entries naming no original
// dimension extend every combination.
func compatible(c, in Combination, original map[string]struct{}) bool {
	if len(c) == 0 {
		return false
	}
	for _, b := range in {
		if _, orig := original[b.Key]; !orig {
			continue
		}
		if v, ok := c.Get(b.Key); !ok || v != b.Value {
			return false
		}
	}
	return true
}

func contains(combos []Combination, c Combination) bool {
	for _, existing := range combos {
		if existing.equal(c) {
			return true
		}
	}
	return false
}

func dimensionNames(dims []Dimension) map[string]struct{} {
	out := make(map[string]struct{}, len(dims))
	for _, d := range dims {
		out[d.Name] = struct{}{}
	}
	return out
}
