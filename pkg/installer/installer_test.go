package installer_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-pm/lux/pkg/installer"
	"github.com/lux-pm/lux/pkg/lockfile"
	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/platform"
	"github.com/lux-pm/lux/pkg/registry"
	"github.com/lux-pm/lux/pkg/resolve"
	"github.com/lux-pm/lux/pkg/rockspec"
	"github.com/lux-pm/lux/pkg/semver"
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

// writeLocalSource creates a minimal local source directory containing a
// single Lua module, returning a SourceSpec pointing at it.
func writeLocalSource(t *testing.T, moduleContent string) rockspec.SourceSpec {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "init.lua"), []byte(moduleContent), 0o644))
	return rockspec.SourceSpec{Kind: rockspec.SourceLocal, URL: dir}
}

func leafManifest(t *testing.T) *rockspec.Manifest {
	t.Helper()
	v, err := semver.Parse("1.0.0")
	require.NoError(t, err)
	return &rockspec.Manifest{
		Package: semver.NewPackageName("luafilesystem"),
		Version: v,
		Lua:     semver.Any(),
		Source:  writeLocalSource(t, "return { leaf = true }"),
		Build: platform.PerPlatform[rockspec.BuildSpec]{Default: rockspec.BuildSpec{
			Kind: rockspec.BackendSource,
			Install: rockspec.InstallSpec{
				Lua: []rockspec.InstallEntry{{Src: "init.lua", Dest: "lfs.init"}},
			},
		}},
	}
}

func rootManifest(t *testing.T, depReq string) *rockspec.Manifest {
	t.Helper()
	v, err := semver.Parse("1.9.2")
	require.NoError(t, err)
	dep, err := semver.ParsePackageReq(depReq)
	require.NoError(t, err)
	return &rockspec.Manifest{
		Package:      semver.NewPackageName("penlight"),
		Version:      v,
		Lua:          semver.Any(),
		Deploy:       rockspec.DeploySpec{WrapBinScripts: true},
		Source:       writeLocalSource(t, "return { root = true }"),
		Dependencies: platform.PerPlatform[[]rockspec.DepSpec]{Default: []rockspec.DepSpec{{Req: dep}}},
		Build: platform.PerPlatform[rockspec.BuildSpec]{Default: rockspec.BuildSpec{
			Kind: rockspec.BackendSource,
			Install: rockspec.InstallSpec{
				Lua: []rockspec.InstallEntry{{Src: "init.lua", Dest: "pl.init"}},
				Bin: []rockspec.InstallEntry{{Src: "init.lua", Dest: "pl"}},
			},
		}},
	}
}

func newFixture(t *testing.T) (*installer.Installer, *tree.Tree, *lockfile.Lockfile) {
	t.Helper()
	leaf := leafManifest(t)
	root := rootManifest(t, "luafilesystem >= 1.0.0")

	src := &fakeSource{index: map[string]*registry.Index{
		"penlight":      {Name: "penlight", Versions: []registry.VersionEntry{{Version: root.Version, ManifestURL: "penlight"}}},
		"luafilesystem": {Name: "luafilesystem", Versions: []registry.VersionEntry{{Version: leaf.Version, ManifestURL: "luafilesystem"}}},
	}}
	db := registry.NewDatabase(nil, []registry.Source{src}, nil)
	fetcher := &fakeFetcher{manifests: map[string]*rockspec.Manifest{"penlight": root, "luafilesystem": leaf}}

	treeRoot := t.TempDir()
	cfg := luxconfig.Config{TreeRoot: treeRoot, TargetPlatform: platform.Linux}
	tr, err := tree.Open(cfg, "5.4", tree.RockLayoutConfig{})
	require.NoError(t, err)

	lock, err := lockfile.Load(tr.Root())
	require.NoError(t, err)

	inst := installer.New(cfg, db, fetcher, tr, lock, nil)
	return inst, tr, lock
}

func TestInstaller_InstallsEntrypointAndTransitiveDependency(t *testing.T) {
	inst, tr, lock := newFixture(t)

	penlightReq, err := semver.ParsePackageReq("penlight")
	require.NoError(t, err)

	err = inst.Install(context.Background(), []installer.Request{
		{Req: resolve.Request{Req: penlightReq, LockType: lockfile.Regular, Entrypoint: true}},
	})
	require.NoError(t, err)

	entries := lock.All(lockfile.Regular)
	require.Len(t, entries, 2)

	var penlight, lfs *lockfile.Entry
	for i := range entries {
		switch entries[i].Name {
		case "penlight":
			penlight = &entries[i]
		case "luafilesystem":
			lfs = &entries[i]
		}
	}
	require.NotNil(t, penlight)
	require.NotNil(t, lfs)
	assert.True(t, penlight.Entrypoint)
	assert.False(t, lfs.Entrypoint)
	assert.Contains(t, penlight.Dependencies, lfs.ID)

	require.Len(t, penlight.BinFiles, 1)
	wrapper, readErr := os.ReadFile(penlight.BinFiles[0])
	require.NoError(t, readErr)
	assert.True(t, strings.HasPrefix(string(wrapper), "#!/bin/sh\n"), "bin script should be wrapped")
	unwrapped := filepath.Join(filepath.Dir(penlight.BinFiles[0]), "unwrapped", filepath.Base(penlight.BinFiles[0]))
	_, statErr := os.Stat(unwrapped)
	assert.NoError(t, statErr)

	assert.True(t, tr.Exists(penlight.ID, penlight.Name, penlight.Version.String()))
	assert.True(t, tr.Exists(lfs.ID, lfs.Name, lfs.Version.String()))
}

func TestInstaller_SecondCallIsIdempotent(t *testing.T) {
	inst, _, lock := newFixture(t)

	penlightReq, err := semver.ParsePackageReq("penlight")
	require.NoError(t, err)
	requests := []installer.Request{
		{Req: resolve.Request{Req: penlightReq, LockType: lockfile.Regular, Entrypoint: true}},
	}

	require.NoError(t, inst.Install(context.Background(), requests))
	first := lock.All(lockfile.Regular)

	require.NoError(t, inst.Install(context.Background(), requests))
	second := lock.All(lockfile.Regular)

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].BinFiles, second[i].BinFiles)
	}
}

func TestInstaller_RejectsDuplicateEntrypoints(t *testing.T) {
	inst, _, _ := newFixture(t)
	penlightReq, err := semver.ParsePackageReq("penlight")
	require.NoError(t, err)

	err = inst.Install(context.Background(), []installer.Request{
		{Req: resolve.Request{Req: penlightReq, LockType: lockfile.Regular, Entrypoint: true}},
		{Req: resolve.Request{Req: penlightReq, LockType: lockfile.Regular, Entrypoint: true}},
	})
	require.Error(t, err)
}
