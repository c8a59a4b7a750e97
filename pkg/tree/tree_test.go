package tree_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/tree"
)

func openTestTree(t *testing.T) *tree.Tree {
	t.Helper()
	root := t.TempDir()
	cfg := luxconfig.Config{TreeRoot: root}
	tr, err := tree.Open(cfg, "5.4", tree.RockLayoutConfig{})
	require.NoError(t, err)
	return tr
}

func TestOpen_CreatesSharedDirectoriesAndGitignore(t *testing.T) {
	root := t.TempDir()
	cfg := luxconfig.Config{TreeRoot: root}
	tr, err := tree.Open(cfg, "5.4", tree.RockLayoutConfig{})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(tr.Root(), "bin"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(tr.Root(), "bin", "unwrapped"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "*\n", string(data))
}

func TestLayout_DependencyGetsPerPackageEtc(t *testing.T) {
	tr := openTestTree(t)
	layout := tr.Layout("abc123", "penlight", "1.9.2", false)

	assert.Equal(t, tr.PackageDir("abc123", "penlight", "1.9.2"), layout.Root)
	assert.Equal(t, filepath.Join(layout.Root, "etc"), layout.Etc)
	assert.Equal(t, filepath.Join(tr.Root(), "bin"), layout.Bin)
}

func TestLayout_EntrypointSharedEtc(t *testing.T) {
	root := t.TempDir()
	cfg := luxconfig.Config{TreeRoot: root}
	tr, err := tree.Open(cfg, "5.4", tree.RockLayoutConfig{EntrypointSharedEtc: true})
	require.NoError(t, err)

	layout := tr.Layout("abc123", "penlight", "1.9.2", true)
	assert.Equal(t, filepath.Join(tr.Root(), "etc", "penlight"), layout.Etc)
}

func TestScratchLayout_SharesBinButIsolatesEverythingElse(t *testing.T) {
	tr := openTestTree(t)
	scratch := tr.ScratchLayout("abc123", "penlight", "1.9.2", false)
	final := tr.Layout("abc123", "penlight", "1.9.2", false)

	assert.Equal(t, final.Bin, scratch.Bin)
	assert.NotEqual(t, final.Root, scratch.Root)
	assert.Equal(t, tr.ScratchDir("abc123"), scratch.Root)
}

func TestCommit_RenamesScratchIntoFinalLocation(t *testing.T) {
	tr := openTestTree(t)
	scratch := tr.ScratchLayout("abc123", "penlight", "1.9.2", false)
	require.NoError(t, scratch.MkdirAll())

	marker := filepath.Join(scratch.Src, "pl.lua")
	require.NoError(t, os.WriteFile(marker, []byte("return {}"), 0o644))

	require.NoError(t, tr.Commit("abc123", "penlight", "1.9.2"))

	assert.True(t, tr.Exists("abc123", "penlight", "1.9.2"))
	_, err := os.Stat(scratch.Root)
	assert.True(t, os.IsNotExist(err))

	finalSrc := filepath.Join(tr.PackageDir("abc123", "penlight", "1.9.2"), "src", "pl.lua")
	_, err = os.Stat(finalSrc)
	assert.NoError(t, err)
}

func TestDiscardScratch_RemovesFetchAndScratchDirs(t *testing.T) {
	tr := openTestTree(t)
	require.NoError(t, os.MkdirAll(tr.FetchDir("abc123"), 0o755))
	require.NoError(t, os.MkdirAll(tr.ScratchDir("abc123"), 0o755))

	require.NoError(t, tr.DiscardScratch("abc123"))

	_, err := os.Stat(tr.FetchDir("abc123"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(tr.ScratchDir("abc123"))
	assert.True(t, os.IsNotExist(err))
}

func TestRemove_DeletesPackageDirectory(t *testing.T) {
	tr := openTestTree(t)
	layout := tr.Layout("abc123", "penlight", "1.9.2", false)
	require.NoError(t, layout.MkdirAll())
	require.True(t, tr.Exists("abc123", "penlight", "1.9.2"))

	require.NoError(t, tr.Remove("abc123", "penlight", "1.9.2"))
	assert.False(t, tr.Exists("abc123", "penlight", "1.9.2"))
}
