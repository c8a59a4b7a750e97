package resolve_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/platform"
	"github.com/lux-pm/lux/pkg/registry"
	"github.com/lux-pm/lux/pkg/resolve"
	"github.com/lux-pm/lux/pkg/rockspec"
	"github.com/lux-pm/lux/pkg/semver"
)

type fakeFetcher struct {
	manifests map[string]*rockspec.Manifest
}

func (f *fakeFetcher) FetchManifest(_ context.Context, entry registry.VersionEntry) (*rockspec.Manifest, error) {
	return f.manifests[entry.ManifestURL], nil
}

func manifestFor(t *testing.T, name, version string, deps ...string) *rockspec.Manifest {
	t.Helper()
	depSpecs := make([]rockspec.DepSpec, 0, len(deps))
	for _, d := range deps {
		req, err := semver.ParsePackageReq(d)
		require.NoError(t, err)
		depSpecs = append(depSpecs, rockspec.DepSpec{Req: req})
	}
	v, err := semver.Parse(version)
	require.NoError(t, err)
	return &rockspec.Manifest{
		Package:      semver.NewPackageName(name),
		Version:      v,
		Lua:          semver.Any(),
		Dependencies: platform.PerPlatform[[]rockspec.DepSpec]{Default: depSpecs},
		Build:        platform.PerPlatform[rockspec.BuildSpec]{Default: rockspec.BuildSpec{Kind: rockspec.BackendBuiltin}},
	}
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

func TestResolver_ResolvesTransitiveDependency(t *testing.T) {
	leaf := manifestFor(t, "leaf", "1.0.0")
	root := manifestFor(t, "root", "1.0.0", "leaf >= 1.0.0")

	src := &fakeSource{index: map[string]*registry.Index{
		"root": {Name: "root", Versions: []registry.VersionEntry{{Version: root.Version, ManifestURL: "root"}}},
		"leaf": {Name: "leaf", Versions: []registry.VersionEntry{{Version: leaf.Version, ManifestURL: "leaf"}}},
	}}
	db := registry.NewDatabase(nil, []registry.Source{src}, nil)
	fetcher := &fakeFetcher{manifests: map[string]*rockspec.Manifest{"root": root, "leaf": leaf}}

	cfg := luxconfig.Config{TargetPlatform: platform.Linux}
	r := resolve.New(db, fetcher, cfg, nil)

	rootReq, err := semver.ParsePackageReq("root")
	require.NoError(t, err)

	results, errs := r.Resolve(context.Background(), []resolve.Request{{Req: rootReq, Entrypoint: true}})

	var got []resolve.ResolvedInstall
	for res := range results {
		got = append(got, res)
	}
	require.NoError(t, <-errs)

	require.Len(t, got, 2)
	names := map[string]bool{}
	for _, r := range got {
		names[r.Name] = true
	}
	assert.True(t, names["root"])
	assert.True(t, names["leaf"])
}

func TestResolver_DedupesSharedDependency(t *testing.T) {
	shared := manifestFor(t, "shared", "1.0.0")
	a := manifestFor(t, "a", "1.0.0", "shared >= 1.0.0")
	b := manifestFor(t, "b", "1.0.0", "shared >= 1.0.0")

	src := &fakeSource{index: map[string]*registry.Index{
		"a":      {Name: "a", Versions: []registry.VersionEntry{{Version: a.Version, ManifestURL: "a"}}},
		"b":      {Name: "b", Versions: []registry.VersionEntry{{Version: b.Version, ManifestURL: "b"}}},
		"shared": {Name: "shared", Versions: []registry.VersionEntry{{Version: shared.Version, ManifestURL: "shared"}}},
	}}
	db := registry.NewDatabase(nil, []registry.Source{src}, nil)
	fetcher := &fakeFetcher{manifests: map[string]*rockspec.Manifest{"a": a, "b": b, "shared": shared}}

	cfg := luxconfig.Config{TargetPlatform: platform.Linux}
	r := resolve.New(db, fetcher, cfg, nil)

	reqA, _ := semver.ParsePackageReq("a")
	reqB, _ := semver.ParsePackageReq("b")

	results, errs := r.Resolve(context.Background(), []resolve.Request{
		{Req: reqA, Entrypoint: true},
		{Req: reqB, Entrypoint: true},
	})

	count := 0
	sharedCount := 0
	for res := range results {
		count++
		if res.Name == "shared" {
			sharedCount++
		}
	}
	require.NoError(t, <-errs)

	assert.Equal(t, 3, count)
	assert.Equal(t, 1, sharedCount)
}
