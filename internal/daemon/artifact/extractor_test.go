package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agentsdashboard/engine/internal/daemon/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestExtractHonoursCapsAndExclusions(t *testing.T) {
	workspace := t.TempDir()
	store := t.TempDir()

	writeFile(t, filepath.Join(workspace, "a.md"), "small")
	writeFile(t, filepath.Join(workspace, "b.log"), "a bit longer content here")
	writeFile(t, filepath.Join(workspace, "node_modules", "dep.json"), `{"x":1}`)
	writeFile(t, filepath.Join(workspace, "ignored.bin"), "not allowlisted")

	ext := &Extractor{StoreRoot: store}
	policy := model.ArtifactPolicy{MaxArtifacts: 100}

	artifacts, err := ext.Extract("run-1", workspace, policy)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)

	// ascending-by-size ordering: a.md (5 bytes) before b.log (25 bytes)
	require.Equal(t, "a.md", artifacts[0].Filename)
	require.Equal(t, "b.log", artifacts[1].Filename)

	for _, a := range artifacts {
		require.NotEmpty(t, a.SHA256)
		copied := filepath.Join(store, "run-1", filepath.FromSlash(a.RelPath))
		_, statErr := os.Stat(copied)
		require.NoError(t, statErr)
	}
}

func TestExtractEnforcesMaxArtifacts(t *testing.T) {
	workspace := t.TempDir()
	store := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, filepath.Join(workspace, "file"+string(rune('a'+i))+".txt"), "x")
	}

	ext := &Extractor{StoreRoot: store}
	policy := model.ArtifactPolicy{MaxArtifacts: 2}
	artifacts, err := ext.Extract("run-2", workspace, policy)
	require.NoError(t, err)
	require.Len(t, artifacts, 2)
}

func TestExtractEnforcesMaxTotalBytes(t *testing.T) {
	workspace := t.TempDir()
	store := t.TempDir()
	writeFile(t, filepath.Join(workspace, "small.txt"), "12345")
	writeFile(t, filepath.Join(workspace, "big.txt"), "1234567890")

	ext := &Extractor{StoreRoot: store}
	policy := model.ArtifactPolicy{MaxArtifacts: 100, MaxTotalBytes: 5}
	artifacts, err := ext.Extract("run-3", workspace, policy)
	require.NoError(t, err)
	require.Len(t, artifacts, 1)
	require.Equal(t, "small.txt", artifacts[0].Filename)
}
