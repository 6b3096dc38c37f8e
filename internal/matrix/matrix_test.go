package matrix

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labels(combos []Combination) []string {
	out := make([]string, 0, len(combos))
	for _, c := range combos {
		out = append(out, c.Label())
	}
	return out
}

func TestExpandRowMajor(t *testing.T) {
	m := Matrix{Dimensions: []Dimension{
		{Name: "os", Values: []string{"A", "B"}},
		{Name: "version", Values: []string{"1", "2"}},
	}}

	combos, err := Expand(m)
	require.NoError(t, err)
	assert.Equal(t, []string{"A, 1", "A, 2", "B, 1", "B, 2"}, labels(combos))

	for _, c := range combos {
		require.Len(t, c, 2)
		assert.Equal(t, "os", c[0].Key)
		assert.Equal(t, "version", c[1].Key)
	}
}

func TestExpandProductSizeAndUniqueness(t *testing.T) {
	sizes := [][]int{{1}, {3}, {2, 3}, {3, 1, 2}, {2, 2, 2, 2}}
	for _, dims := range sizes {
		t.Run(fmt.Sprint(dims), func(t *testing.T) {
			var m Matrix
			want := 1
			for i, n := range dims {
				d := Dimension{Name: fmt.Sprintf("d%d", i)}
				for j := range n {
					d.Values = append(d.Values, fmt.Sprintf("v%d", j))
				}
				m.Dimensions = append(m.Dimensions, d)
				want *= n
			}

			combos, err := Expand(m)
			require.NoError(t, err)
			require.Len(t, combos, want)

			seen := make(map[string]struct{}, len(combos))
			for _, c := range combos {
				_, dup := seen[c.Label()]
				require.False(t, dup, "duplicate combination %s", c.Label())
				seen[c.Label()] = struct{}{}
			}

			again, err := Expand(m)
			require.NoError(t, err)
			assert.Equal(t, labels(combos), labels(again))
		})
	}
}

func TestExpandEmptyDimension(t *testing.T) {
	m := Matrix{Dimensions: []Dimension{
		{Name: "os", Values: []string{"linux"}},
		{Name: "python", Values: nil},
	}}
	_, err := Expand(m)
	require.ErrorIs(t, err, ErrEmptyDimension)
}

func TestExpandDuplicateValue(t *testing.T) {
	m := Matrix{Dimensions: []Dimension{{Name: "os", Values: []string{"linux", "linux"}}}}
	_, err := Expand(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than once")
}

func TestExpandExclude(t *testing.T) {
	m := Matrix{
		Dimensions: []Dimension{
			{Name: "os", Values: []string{"ubuntu", "macos"}},
			{Name: "python", Values: []string{"3.10", "3.11", "3.12"}},
		},
		Exclude: []Combination{
			{{Key: "os", Value: "macos"}, {Key: "python", Value: "3.10"}},
		},
	}
	combos, err := Expand(m)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"ubuntu, 3.10", "ubuntu, 3.11", "ubuntu, 3.12",
		"macos, 3.11", "macos, 3.12",
	}, labels(combos))
}

func TestExpandExcludeUnknownKey(t *testing.T) {
	m := Matrix{
		Dimensions: []Dimension{{Name: "os", Values: []string{"ubuntu"}}},
		Exclude:    []Combination{{{Key: "arch", Value: "arm"}}},
	}
	_, err := Expand(m)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undeclared dimension")
}

func TestExpandExcludeEverything(t *testing.T) {
	m := Matrix{
		Dimensions: []Dimension{{Name: "os", Values: []string{"ubuntu"}}},
		Exclude:    []Combination{{{Key: "os", Value: "ubuntu"}}},
	}
	_, err := Expand(m)
	require.ErrorIs(t, err, ErrNoCombinations)
}

func TestExpandInclude(t *testing.T) {
	m := Matrix{
		Dimensions: []Dimension{
			{Name: "os", Values: []string{"ubuntu", "macos"}},
			{Name: "python", Values: []string{"3.11"}},
		},
		Include: []Combination{
			{{Key: "os", Value: "macos"}, {Key: "arch", Value: "arm64"}},
			{{Key: "os", Value: "windows"}, {Key: "python", Value: "3.12"}},
			{{Key: "os", Value: "ubuntu"}, {Key: "python", Value: "3.9"}},
		},
	}
	combos, err := Expand(m)
	require.NoError(t, err)
	require.Len(t, combos, 4)

	assert.Equal(t, map[string]string{"os": "ubuntu", "python": "3.11"}, combos[0].Map())
	assert.Equal(t, map[string]string{"os": "macos", "python": "3.11", "arch": "arm64"}, combos[1].Map())
	assert.Equal(t, map[string]string{"os": "windows", "python": "3.12"}, combos[2].Map())
	assert.Equal(t, map[string]string{"os": "ubuntu", "python": "3.9"}, combos[3].Map())
}

func TestExpandIncludeExtendsAll(t *testing.T) {
	m := Matrix{
		Dimensions: []Dimension{{Name: "os", Values: []string{"a", "b"}}},
		Include:    []Combination{{{Key: "color", Value: "green"}}},
	}
	combos, err := Expand(m)
	require.NoError(t, err)
	require.Len(t, combos, 2)
	for _, c := range combos {
		v, ok := c.Get("color")
		require.True(t, ok)
		assert.Equal(t, "green", v)
	}
}

func TestExpandIncludeOnly(t *testing.T) {
	m := Matrix{Include: []Combination{
		{{Key: "site", Value: "docs"}},
		{{Key: "site", Value: "api"}},
		{{Key: "site", Value: "docs"}},
	}}
	combos, err := Expand(m)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs", "api"}, labels(combos))
}

func TestExpandTooMany(t *testing.T) {
	var m Matrix
	for i := range 3 {
		d := Dimension{Name: fmt.Sprintf("d%d", i)}
		for j := range 7 {
			d.Values = append(d.Values, fmt.Sprint(j))
		}
		m.Dimensions = append(m.Dimensions, d)
	}
	_, err := Expand(m)
	require.True(t, errors.Is(err, ErrTooManyCombinations))
}

func TestExpandSizeDoesNotOverflow(t *testing.T) {
	var m Matrix
	for i := range 64 {
		m.Dimensions = append(m.Dimensions, Dimension{Name: fmt.Sprintf("d%d", i), Values: []string{"a", "b"}})
	}
	assert.Equal(t, MaxCombinations+1, m.Size())

	_, err := Expand(m)
	require.ErrorIs(t, err, ErrTooManyCombinations)
}

func TestSize(t *testing.T) {
	assert.Equal(t, 0, Matrix{}.Size())
	m := Matrix{Dimensions: []Dimension{
		{Name: "os", Values: []string{"linux", "mac"}},
		{Name: "go", Values: []string{"1.24", "1.25", "1.26"}},
	}}
	assert.Equal(t, 6, m.Size())
}

func TestExpandNothingDeclared(t *testing.T) {
	_, err := Expand(Matrix{})
	require.ErrorIs(t, err, ErrNoCombinations)
}
