package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distr1/builder/internal/graph"
)

func writeManifest(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workspace.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadBuildsGraphInDependencyOrder(t *testing.T) {
	path := writeManifest(t, `{
		"targets": [
			{"identity": "//a", "kind": "custom", "flags": ["echo", "a"]},
			{"identity": "//b", "kind": "custom", "deps": ["//a"], "flags": ["echo", "b"]}
		]
	}`)

	g := graph.New(graph.Deferred)
	ws, err := Load(path, g)
	require.NoError(t, err)
	require.Len(t, ws.Targets, 2)

	order, err := g.Resolve()
	require.NoError(t, err)
	require.Len(t, order, 2)

	n, ok := g.NodeByIdentity("//b")
	require.True(t, ok)
	assert.Equal(t, []string{"echo", "b"}, n.Target().Flags)
}

func TestLoadRejectsUnknownDependency(t *testing.T) {
	path := writeManifest(t, `{"targets": [{"identity": "//a", "deps": ["//missing"]}]}`)

	g := graph.New(graph.Deferred)
	_, err := Load(path, g)
	require.NoError(t, err) // AddTarget defers unresolved deps

	_, err = g.Resolve()
	require.Error(t, err)
}

func TestLoadRejectsEmptyIdentity(t *testing.T) {
	path := writeManifest(t, `{"targets": [{"identity": ""}]}`)

	g := graph.New(graph.Deferred)
	_, err := Load(path, g)
	require.Error(t, err)
}
