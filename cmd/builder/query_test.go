package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/distr1/builder/internal/cache"
)

// captureStdout redirects os.Stdout through a pipe for the duration of
// fn, draining it on a separate goroutine so fn's writes never block
// on a full pipe buffer.
func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	orig := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	done := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()
	require.NoError(t, w.Close())
	os.Stdout = orig
	return <-done
}

func chainManifest() string {
	return `{
		"targets": [
			{"identity": "//a", "kind": "custom", "flags": ["true"]},
			{"identity": "//b", "kind": "custom", "deps": ["//a"], "flags": ["true"]},
			{"identity": "//c", "kind": "custom", "deps": ["//b"], "flags": ["true"]}
		]
	}`
}

func TestRunQueryDepsListsTransitiveDependencies(t *testing.T) {
	dir := withWorkspace(t)
	writeWorkspaceManifest(t, dir, chainManifest())

	out := captureStdout(t, func() {
		require.NoError(t, runQuery([]string{"deps", "//c"}))
	})
	assert.Contains(t, out, "//a")
	assert.Contains(t, out, "//b")
	assert.NotContains(t, out, "//c\n")
}

func TestRunQueryRdepsListsTransitiveDependents(t *testing.T) {
	dir := withWorkspace(t)
	writeWorkspaceManifest(t, dir, chainManifest())

	out := captureStdout(t, func() {
		require.NoError(t, runQuery([]string{"rdeps", "//a"}))
	})
	assert.Contains(t, out, "//b")
	assert.Contains(t, out, "//c")
}

func TestRunQuerySomepathFindsAPath(t *testing.T) {
	dir := withWorkspace(t)
	writeWorkspaceManifest(t, dir, chainManifest())

	out := captureStdout(t, func() {
		require.NoError(t, runQuery([]string{"somepath", "//c", "//a"}))
	})
	assert.Contains(t, out, "//a")
}

func TestRunQueryRejectsUnknownTargetWithSuggestion(t *testing.T) {
	dir := withWorkspace(t)
	writeWorkspaceManifest(t, dir, chainManifest())

	err := runQuery([]string{"deps", "//cc"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "did you mean")
}

func TestRunCleanRemovesDeclaredOutputs(t *testing.T) {
	dir := withWorkspace(t)
	writeWorkspaceManifest(t, dir, `{
		"targets": [
			{"identity": "//x:a", "kind": "custom", "flags": ["true"], "outputs": ["out.txt"]}
		]
	}`)
	outPath := filepath.Join(dir, "out.txt")
	require.NoError(t, os.WriteFile(outPath, []byte("stale"), 0o644))

	require.NoError(t, runClean(nil))

	_, err := os.Stat(outPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRunCleanCacheWipesActionCache(t *testing.T) {
	dir := withWorkspace(t)
	writeWorkspaceManifest(t, dir, `{
		"targets": [
			{"identity": "//x:a", "kind": "custom", "flags": ["sh", "-c", "echo hi > out.txt"], "outputs": ["out.txt"]}
		]
	}`)
	require.NoError(t, runBuild(nil, false))

	require.NoError(t, runClean([]string{"--cache"}))

	cas, err := cache.OpenCAS(filepath.Join(os.Getenv("BUILDER_CACHE_DIR"), "cas"))
	require.NoError(t, err)
	actions, err := cache.Open(os.Getenv("BUILDER_CACHE_DIR"), cas)
	require.NoError(t, err)
	assert.Empty(t, actions.ReferencedDigests())
}

func TestRunGCKeepsReferencedBlobs(t *testing.T) {
	dir := withWorkspace(t)
	writeWorkspaceManifest(t, dir, `{
		"targets": [
			{"identity": "//x:a", "kind": "custom", "flags": ["sh", "-c", "echo hi > out.txt"], "outputs": ["out.txt"]}
		]
	}`)
	require.NoError(t, runBuild(nil, false))

	require.NoError(t, runGC([]string{"--max-bytes", "0"}))

	cas, err := cache.OpenCAS(filepath.Join(os.Getenv("BUILDER_CACHE_DIR"), "cas"))
	require.NoError(t, err)
	actions, err := cache.Open(os.Getenv("BUILDER_CACHE_DIR"), cas)
	require.NoError(t, err)
	for d := range actions.ReferencedDigests() {
		assert.True(t, cas.Has(d), "referenced digest must survive a GC pass")
	}
}
