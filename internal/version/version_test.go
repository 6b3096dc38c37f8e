package version

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompareMajorMinor(t *testing.T) {
	tests := []struct {
		desired string
		actual  string
		match   bool
	}{
		{"2.6.9", "2.6.3", true},
		{"2.6", "2.6.3", true},
		{"14.17", "14.18.1", false},
		{"20", "20.11.0", true},
		{"", "14.18.1", false},
		{"14.17", "", false},
		{"v1.25", "1.25.1", true},
		{"3.3.0-preview1", "3.3.0", true},
		{"2", "3.0.0", false},
		{"lts/iron", "20.11.0", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.match, CompareMajorMinor(tt.desired, tt.actual), "%s vs %s", tt.desired, tt.actual)
	}
}

func fakeCommands(outputs map[string]string) CommandFunc {
	return func(_ context.Context, name string, _ ...string) (string, error) {
		out, ok := outputs[name]
		if !ok {
			return "", &exec.Error{Name: name, Err: exec.ErrNotFound}
		}
		return out, nil
	}
}

func TestCheck(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, ".ruby-version"), []byte("3.2.2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".nvmrc"), []byte("v20\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".go-version"), []byte("1.25.1\n"), 0o644))

	warnings := Check(context.Background(), root, DefaultProbes, fakeCommands(map[string]string{
		"ruby": "ruby 3.1.4p223 (2023-03-30 revision 957bb7cb81) [x86_64-linux]",
		"node": "v20.11.0",
	}))

	require.Len(t, warnings, 2, fmt.Sprint(warnings))
	assert.Equal(t, "ruby version mismatch: .ruby-version requires 3.2.2 but found 3.1.4", warnings[0])
	assert.Equal(t, "go executable not found; .go-version requires 1.25.1", warnings[1])
}

func TestProbeDetectUnparseable(t *testing.T) {
	p := DefaultProbes[3]
	_, err := p.Detect(context.Background(), fakeCommands(map[string]string{"go": "garbage"}))
	assert.ErrorContains(t, err, "unable to parse go version")
}
