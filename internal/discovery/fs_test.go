package discovery

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func workflowRoot(t *testing.T, names ...string) string {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, ".github", "workflows")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range names {
		writeFile(t, filepath.Join(dir, name))
	}
	return root
}

func TestWorkflowsAuto(t *testing.T) {
	root := workflowRoot(t, "b.yml", "a.yaml", "c.yml", "notes.txt")
	require.NoError(t, os.Mkdir(filepath.Join(root, ".github", "workflows", "dir.yml"), 0o755))

	got, err := Workflows(root, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(".github", "workflows", "a.yaml"),
		filepath.Join(".github", "workflows", "b.yml"),
		filepath.Join(".github", "workflows", "c.yml"),
	}, got)
}

func TestWorkflowsExplicit(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "workflow.yml"))

	absOutside := filepath.Join(t.TempDir(), "external.yml")
	writeFile(t, absOutside)

	got, err := Workflows(root, []string{"workflow.yml", absOutside, "workflow.yml"})
	require.NoError(t, err)
	assert.Equal(t, []string{"workflow.yml", absOutside}, got)
}

func TestWorkflowsExplicitGlob(t *testing.T) {
	root := workflowRoot(t, "ci.yml", "deploy.yml", "docs.yaml")

	got, err := Workflows(root, []string{".github/workflows/d*.{yml,yaml}", ".github/workflows/deploy.yml"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(".github", "workflows", "deploy.yml"),
		filepath.Join(".github", "workflows", "docs.yaml"),
	}, got)

	_, err = Workflows(root, []string{".github/workflows/x*.yml"})
	assert.ErrorContains(t, err, "matched nothing")

	_, err = Workflows(root, []string{".github/workflows/[.yml"})
	assert.Error(t, err)
}

func TestWorkflowsErrors(t *testing.T) {
	root := t.TempDir()

	_, err := Workflows(root, nil)
	assert.ErrorIs(t, err, ErrNoWorkflows)

	_, err = Workflows(root, []string{"missing.yml"})
	assert.ErrorContains(t, err, "not found")

	require.NoError(t, os.Mkdir(filepath.Join(root, "dir.yml"), 0o755))
	_, err = Workflows(root, []string{"dir.yml"})
	assert.ErrorContains(t, err, "is a directory")
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("name: test"), 0o644))
}
