package projsync_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-pm/lux/pkg/lockfile"
	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/platform"
	"github.com/lux-pm/lux/pkg/registry"
	"github.com/lux-pm/lux/pkg/rockspec"
	"github.com/lux-pm/lux/pkg/semver"
	projsync "github.com/lux-pm/lux/pkg/sync"
	"github.com/lux-pm/lux/pkg/tree"
)

type fakeFetcher struct {
	manifests map[string]*rockspec.Manifest
}

func (f *fakeFetcher) FetchManifest(_ context.Context, entry registry.VersionEntry) (*rockspec.Manifest, error) {
	return f.manifests[entry.ManifestURL], nil
}

type fakeSource struct {
	index map[string]*registry.Index
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) FetchIndex(_ context.Context, name string) (*registry.Index, error) {
	if idx, ok := f.index[name]; ok {
		return idx, nil
	}
	return &registry.Index{Name: name}, nil
}

func localSource(t *testing.T) rockspec.SourceSpec {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init.lua"), []byte("return {}"), 0o644))
	return rockspec.SourceSpec{Kind: rockspec.SourceLocal, URL: dir}
}

func leafManifest(t *testing.T, name, version string) *rockspec.Manifest {
	t.Helper()
	v, err := semver.Parse(version)
	require.NoError(t, err)
	return &rockspec.Manifest{
		Package: semver.NewPackageName(name),
		Version: v,
		Lua:     semver.Any(),
		Source:  localSource(t),
		Build: platform.PerPlatform[rockspec.BuildSpec]{Default: rockspec.BuildSpec{
			Kind: rockspec.BackendSource,
			Install: rockspec.InstallSpec{
				Lua: []rockspec.InstallEntry{{Src: "init.lua", Dest: name + ".init"}},
			},
		}},
	}
}

type fixture struct {
	cfg         luxconfig.Config
	db          *registry.Database
	fetcher     *fakeFetcher
	tree        *tree.Tree
	projectLock *lockfile.Lockfile
	treeLock    *lockfile.Lockfile
}

func newFixture(t *testing.T, manifests map[string]*rockspec.Manifest) *fixture {
	t.Helper()
	index := make(map[string]*registry.Index, len(manifests))
	fetcherManifests := make(map[string]*rockspec.Manifest, len(manifests))
	for name, m := range manifests {
		index[name] = &registry.Index{Name: name, Versions: []registry.VersionEntry{{Version: m.Version, ManifestURL: name}}}
		fetcherManifests[name] = m
	}
	src := &fakeSource{index: index}
	db := registry.NewDatabase(nil, []registry.Source{src}, nil)
	fetcher := &fakeFetcher{manifests: fetcherManifests}

	treeRoot := t.TempDir()
	cfg := luxconfig.Config{TreeRoot: treeRoot, TargetPlatform: platform.Linux}
	tr, err := tree.Open(cfg, "5.4", tree.RockLayoutConfig{})
	require.NoError(t, err)

	projectDir := t.TempDir()
	projectLock, err := lockfile.Load(projectDir)
	require.NoError(t, err)
	treeLock, err := lockfile.Load(tr.Root())
	require.NoError(t, err)

	return &fixture{cfg: cfg, db: db, fetcher: fetcher, tree: tr, projectLock: projectLock, treeLock: treeLock}
}

func (f *fixture) engine() *projsync.Engine {
	return projsync.New(f.cfg, f.db, f.fetcher, f.tree, f.projectLock, f.treeLock, nil)
}

// TestSync_AddsNewlyDeclaredDependency covers the common case: a project
// manifest gains a new declared dependency, and sync records it as an
// entrypoint in both lockfiles.
func TestSync_AddsNewlyDeclaredDependency(t *testing.T) {
	say := leafManifest(t, "say", "1.3.0")
	f := newFixture(t, map[string]*rockspec.Manifest{"say": say})

	sayReq, err := semver.ParsePackageReq("say >= 1.3.0")
	require.NoError(t, err)

	err = f.engine().Sync(context.Background(), lockfile.Regular, []semver.PackageReq{sayReq}, projsync.Options{})
	require.NoError(t, err)

	projectEntries := f.projectLock.FindRocks(lockfile.Regular, "say")
	require.Len(t, projectEntries, 1)
	assert.True(t, projectEntries[0].Entrypoint)

	treeEntries := f.treeLock.FindRocks(lockfile.Regular, "say")
	require.Len(t, treeEntries, 1)
	assert.True(t, f.tree.Exists(treeEntries[0].ID, "say", "1.3.0"))
}

// TestSync_RemovesNoLongerDeclaredDependency covers the reverse: a
// previously declared dependency is dropped from the manifest, and a
// second sync call (with no declared deps) tears it out of both
// lockfiles and the tree.
func TestSync_RemovesNoLongerDeclaredDependency(t *testing.T) {
	say := leafManifest(t, "say", "1.3.0")
	f := newFixture(t, map[string]*rockspec.Manifest{"say": say})

	sayReq, err := semver.ParsePackageReq("say >= 1.3.0")
	require.NoError(t, err)
	require.NoError(t, f.engine().Sync(context.Background(), lockfile.Regular, []semver.PackageReq{sayReq}, projsync.Options{}))

	treeEntries := f.treeLock.FindRocks(lockfile.Regular, "say")
	require.Len(t, treeEntries, 1)
	sayID := treeEntries[0].ID

	require.NoError(t, f.engine().Sync(context.Background(), lockfile.Regular, nil, projsync.Options{}))

	assert.Empty(t, f.projectLock.FindRocks(lockfile.Regular, "say"))
	assert.Empty(t, f.treeLock.FindRocks(lockfile.Regular, "say"))
	assert.False(t, f.tree.Exists(sayID, "say", "1.3.0"))
}

// TestSync_IsIdempotent checks that running the same sync twice leaves
// the tree lockfile unchanged on the second invocation.
func TestSync_IsIdempotent(t *testing.T) {
	say := leafManifest(t, "say", "1.3.0")
	f := newFixture(t, map[string]*rockspec.Manifest{"say": say})

	sayReq, err := semver.ParsePackageReq("say >= 1.3.0")
	require.NoError(t, err)

	require.NoError(t, f.engine().Sync(context.Background(), lockfile.Regular, []semver.PackageReq{sayReq}, projsync.Options{}))
	first := f.treeLock.All(lockfile.Regular)

	require.NoError(t, f.engine().Sync(context.Background(), lockfile.Regular, []semver.PackageReq{sayReq}, projsync.Options{}))
	second := f.treeLock.All(lockfile.Regular)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

// A package already installed by some earlier sync call from a
// non-reproducible source, and still declared, must not make a later
// validate-integrity sync fail when this call doesn't install it again:
// only the packages a Sync call actually adds are checked, not every
// entry recorded for the lock-type.
func TestSync_ValidateIntegrityIgnoresHistoricalNonReproducibleEntry(t *testing.T) {
	say := leafManifest(t, "say", "1.3.0")
	f := newFixture(t, map[string]*rockspec.Manifest{"say": say})

	sayReq, err := semver.ParsePackageReq("say >= 1.3.0")
	require.NoError(t, err)
	devtoolReq, err := semver.ParsePackageReq("devtool >= 1.0.0")
	require.NoError(t, err)

	devtoolVersion, err := semver.Parse("1.0.0")
	require.NoError(t, err)
	installed := lockfile.Entry{
		ID:              "installed-devtool",
		Name:            "devtool",
		Version:         devtoolVersion,
		Entrypoint:      true,
		NonReproducible: true,
	}
	f.treeLock.AddEntrypoint(lockfile.Regular, installed)
	f.projectLock.AddEntrypoint(lockfile.Regular, installed)

	err = f.engine().Sync(context.Background(), lockfile.Regular, []semver.PackageReq{sayReq, devtoolReq}, projsync.Options{ValidateIntegrity: true})
	require.NoError(t, err)

	treeEntries := f.treeLock.FindRocks(lockfile.Regular, "devtool")
	require.Len(t, treeEntries, 1)
	assert.True(t, treeEntries[0].NonReproducible)
}
