package remove_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-pm/lux/pkg/lockfile"
	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/remove"
	"github.com/lux-pm/lux/pkg/rockspec"
	"github.com/lux-pm/lux/pkg/semver"
	"github.com/lux-pm/lux/pkg/tree"
)

func openTestTree(t *testing.T) *tree.Tree {
	t.Helper()
	cfg := luxconfig.Config{TreeRoot: t.TempDir()}
	tr, err := tree.Open(cfg, "5.4", tree.RockLayoutConfig{})
	require.NoError(t, err)
	return tr
}

func mustEntry(t *testing.T, id, name, version string, deps ...string) lockfile.Entry {
	t.Helper()
	v, err := semver.Parse(version)
	require.NoError(t, err)
	return lockfile.Entry{
		ID:           id,
		Name:         name,
		Version:      v,
		Source:       rockspec.SourceSpec{Kind: rockspec.SourceArchive, URL: "https://example.test/" + name},
		Dependencies: deps,
	}
}

func TestRemover_RemovesPackageDirectoryAndBinFiles(t *testing.T) {
	tr := openTestTree(t)
	lock, err := lockfile.Load(tr.Root())
	require.NoError(t, err)

	layout := tr.Layout("pl1", "penlight", "1.9.2", true)
	require.NoError(t, layout.MkdirAll())
	binPath := filepath.Join(layout.Bin, "pl")
	require.NoError(t, os.WriteFile(binPath, []byte("#!/bin/sh\n"), 0o755))

	entry := mustEntry(t, "pl1", "penlight", "1.9.2")
	entry.Entrypoint = true
	entry.BinFiles = []string{binPath}
	lock.AddEntrypoint(lockfile.Regular, entry)

	rm := remove.New(tr, lock, nil)
	require.NoError(t, rm.Remove(lockfile.Regular, []string{"pl1"}))

	assert.False(t, tr.Exists("pl1", "penlight", "1.9.2"))
	_, statErr := os.Stat(binPath)
	assert.True(t, os.IsNotExist(statErr))
	_, ok := lock.Get(lockfile.Regular, "pl1")
	assert.False(t, ok)
}

func TestRemover_PrunesOrphanedDependency(t *testing.T) {
	tr := openTestTree(t)
	lock, err := lockfile.Load(tr.Root())
	require.NoError(t, err)

	lfsLayout := tr.Layout("lfs1", "luafilesystem", "1.8.0", false)
	require.NoError(t, lfsLayout.MkdirAll())
	plLayout := tr.Layout("pl1", "penlight", "1.9.2", true)
	require.NoError(t, plLayout.MkdirAll())

	lfs := mustEntry(t, "lfs1", "luafilesystem", "1.8.0")
	lock.AddDependency(lockfile.Regular, lfs)

	pl := mustEntry(t, "pl1", "penlight", "1.9.2", "lfs1")
	pl.Entrypoint = true
	lock.AddEntrypoint(lockfile.Regular, pl)

	rm := remove.New(tr, lock, nil)
	require.NoError(t, rm.Remove(lockfile.Regular, []string{"pl1"}))

	_, ok := lock.Get(lockfile.Regular, "pl1")
	assert.False(t, ok)
	_, ok = lock.Get(lockfile.Regular, "lfs1")
	assert.False(t, ok, "orphaned dependency should be pruned")
	assert.False(t, tr.Exists("lfs1", "luafilesystem", "1.8.0"))
}

func TestRemover_KeepsDependencyStillReferenced(t *testing.T) {
	tr := openTestTree(t)
	lock, err := lockfile.Load(tr.Root())
	require.NoError(t, err)

	require.NoError(t, tr.Layout("lfs1", "luafilesystem", "1.8.0", false).MkdirAll())
	require.NoError(t, tr.Layout("pl1", "penlight", "1.9.2", true).MkdirAll())
	require.NoError(t, tr.Layout("other1", "other", "1.0.0", true).MkdirAll())

	lock.AddDependency(lockfile.Regular, mustEntry(t, "lfs1", "luafilesystem", "1.8.0"))

	pl := mustEntry(t, "pl1", "penlight", "1.9.2", "lfs1")
	pl.Entrypoint = true
	lock.AddEntrypoint(lockfile.Regular, pl)

	other := mustEntry(t, "other1", "other", "1.0.0", "lfs1")
	other.Entrypoint = true
	lock.AddEntrypoint(lockfile.Regular, other)

	rm := remove.New(tr, lock, nil)
	require.NoError(t, rm.Remove(lockfile.Regular, []string{"pl1"}))

	_, ok := lock.Get(lockfile.Regular, "lfs1")
	assert.True(t, ok, "still referenced by other1")
	assert.True(t, tr.Exists("lfs1", "luafilesystem", "1.8.0"))
}
