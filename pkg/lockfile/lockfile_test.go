package lockfile_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-pm/lux/pkg/lockfile"
	"github.com/lux-pm/lux/pkg/rockspec"
	"github.com/lux-pm/lux/pkg/semver"
)

func mustEntry(t *testing.T, id, name, version string) lockfile.Entry {
	t.Helper()
	v, err := semver.Parse(version)
	require.NoError(t, err)
	return lockfile.Entry{
		ID:      id,
		Name:    name,
		Version: v,
		Source:  rockspec.SourceSpec{Kind: rockspec.SourceArchive, URL: "https://example.test/" + name + ".tar.gz"},
	}
}

func TestLockfile_AddAndQuery(t *testing.T) {
	dir := t.TempDir()
	lf, err := lockfile.Load(dir)
	require.NoError(t, err)

	e := mustEntry(t, "penlight@1.9.2", "penlight", "1.9.2")
	lf.AddEntrypoint(lockfile.Regular, e)

	assert.True(t, lf.IsEntrypoint(lockfile.Regular, "penlight@1.9.2"))
	assert.True(t, lf.IsDependency(lockfile.Regular, "penlight@1.9.2"))
	assert.False(t, lf.IsDependency(lockfile.Build, "penlight@1.9.2"))

	found := lf.FindRocks(lockfile.Regular, "penlight")
	require.Len(t, found, 1)
	assert.Equal(t, "1.9.2", found[0].Version.String())
}

func TestLockfile_AddDependencyPreservesEntrypointFlag(t *testing.T) {
	dir := t.TempDir()
	lf, err := lockfile.Load(dir)
	require.NoError(t, err)

	e := mustEntry(t, "penlight@1.9.2", "penlight", "1.9.2")
	lf.AddEntrypoint(lockfile.Regular, e)
	lf.AddDependency(lockfile.Regular, e)

	assert.True(t, lf.IsEntrypoint(lockfile.Regular, "penlight@1.9.2"))
}

func TestLockfile_WriteAndReload(t *testing.T) {
	dir := t.TempDir()
	lf, err := lockfile.Load(dir)
	require.NoError(t, err)

	lf.AddDependency(lockfile.Build, mustEntry(t, "luafilesystem@1.8.0", "luafilesystem", "1.8.0"))
	require.NoError(t, lf.Write())

	_, statErr := os.Stat(filepath.Join(dir, lockfile.FileName))
	require.NoError(t, statErr)

	reloaded, err := lockfile.Load(dir)
	require.NoError(t, err)

	entry, ok := reloaded.Get(lockfile.Build, "luafilesystem@1.8.0")
	require.True(t, ok)
	assert.Equal(t, "1.8.0", entry.Version.String())
}

func TestLockfile_SyncPlan(t *testing.T) {
	dir := t.TempDir()
	lf, err := lockfile.Load(dir)
	require.NoError(t, err)

	penlight := mustEntry(t, "penlight@1.9.2", "penlight", "1.9.2")
	penlight.Entrypoint = true
	lf.AddEntrypoint(lockfile.Regular, penlight)

	say := mustEntry(t, "say@1.2", "say", "1.2")
	say.Entrypoint = true
	lf.AddEntrypoint(lockfile.Regular, say)

	sayReq, err := semver.ParseReq("1.3")
	require.NoError(t, err)

	toAdd, toRemove := lf.SyncPlan([]semver.PackageReq{
		{Name: semver.NewPackageName("penlight"), Req: semver.Any()},
		{Name: semver.NewPackageName("say"), Req: sayReq},
	}, lockfile.Regular)

	require.Len(t, toAdd, 1)
	assert.Equal(t, "say", toAdd[0].Name.String())
	require.Len(t, toRemove, 1)
	assert.Equal(t, "say@1.2", toRemove[0].ID)
}

func TestLockfile_SyncPlanRemovesUndeclared(t *testing.T) {
	dir := t.TempDir()
	lf, err := lockfile.Load(dir)
	require.NoError(t, err)

	penlight := mustEntry(t, "penlight@1.9.2", "penlight", "1.9.2")
	penlight.Entrypoint = true
	lf.AddEntrypoint(lockfile.Regular, penlight)

	toAdd, toRemove := lf.SyncPlan(nil, lockfile.Regular)
	assert.Empty(t, toAdd)
	require.Len(t, toRemove, 1)
	assert.Equal(t, "penlight@1.9.2", toRemove[0].ID)
}

func TestLockfile_All(t *testing.T) {
	dir := t.TempDir()
	lf, err := lockfile.Load(dir)
	require.NoError(t, err)

	lf.AddDependency(lockfile.Regular, mustEntry(t, "a@1.0", "a", "1.0"))
	lf.AddDependency(lockfile.Regular, mustEntry(t, "b@1.0", "b", "1.0"))

	all := lf.All(lockfile.Regular)
	require.Len(t, all, 2)
	assert.Equal(t, "a@1.0", all[0].ID)
	assert.Equal(t, "b@1.0", all[1].ID)
}

func TestLockfile_FindMatching(t *testing.T) {
	dir := t.TempDir()
	lf, err := lockfile.Load(dir)
	require.NoError(t, err)

	lf.AddDependency(lockfile.Regular, mustEntry(t, "penlight@1.9.2", "penlight", "1.9.2"))

	req, err := semver.ParsePackageReq("Penlight >= 1.5")
	require.NoError(t, err)
	matched := lf.FindMatching(lockfile.Regular, req)
	require.Len(t, matched, 1)
	assert.Equal(t, "penlight@1.9.2", matched[0].ID)

	tight, err := semver.ParsePackageReq("penlight >= 2.0")
	require.NoError(t, err)
	assert.Empty(t, lf.FindMatching(lockfile.Regular, tight))
}

func TestLockfile_SyncCopiesSection(t *testing.T) {
	source, err := lockfile.Load(t.TempDir())
	require.NoError(t, err)
	dest, err := lockfile.Load(t.TempDir())
	require.NoError(t, err)

	e := mustEntry(t, "say@1.3", "say", "1.3")
	e.Entrypoint = true
	source.AddEntrypoint(lockfile.Regular, e)
	source.AddDependency(lockfile.Build, mustEntry(t, "busted@2.0", "busted", "2.0"))

	dest.Sync(source, lockfile.Regular)

	copied, ok := dest.Get(lockfile.Regular, "say@1.3")
	require.True(t, ok)
	assert.True(t, copied.Entrypoint)
	_, ok = dest.Get(lockfile.Build, "busted@2.0")
	assert.False(t, ok, "only the requested lock-type is copied")
}

func TestLockfile_LayoutConfigCapturedOnce(t *testing.T) {
	dir := t.TempDir()
	lf, err := lockfile.Load(dir)
	require.NoError(t, err)

	lf.CaptureLayoutConfig(lockfile.LayoutConfig{EntrypointSharedEtc: true})
	lf.CaptureLayoutConfig(lockfile.LayoutConfig{EntrypointSharedEtc: false})
	assert.True(t, lf.LayoutConfig().EntrypointSharedEtc)

	require.NoError(t, lf.Write())
	reloaded, err := lockfile.Load(dir)
	require.NoError(t, err)
	assert.True(t, reloaded.LayoutConfig().EntrypointSharedEtc)

	reloaded.CaptureLayoutConfig(lockfile.LayoutConfig{EntrypointSharedEtc: false})
	assert.True(t, reloaded.LayoutConfig().EntrypointSharedEtc, "reloaded lockfile keeps its captured policy")
}
