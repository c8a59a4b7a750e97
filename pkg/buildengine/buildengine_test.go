package buildengine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-pm/lux/pkg/buildengine"
	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/rockspec"
)

func outputLayout(t *testing.T) (string, buildengine.Layout) {
	t.Helper()
	root := t.TempDir()
	layout := buildengine.Layout{
		Src: filepath.Join(root, "src"),
		Lib: filepath.Join(root, "lib"),
		Bin: filepath.Join(root, "bin"),
		Etc: filepath.Join(root, "etc"),
		Doc: filepath.Join(root, "doc"),
	}
	for _, dir := range []string{layout.Src, layout.Lib, layout.Bin, layout.Etc, layout.Doc} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}
	return root, layout
}

func TestSourceBackend_CopiesInstallTableWithoutCompiling(t *testing.T) {
	buildDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "init.lua"), []byte("return {}"), 0o644))

	_, layout := outputLayout(t)

	args := buildengine.BuildArgs{
		BuildDir: buildDir,
		Output:   layout,
		Spec: rockspec.BuildSpec{
			Kind: rockspec.BackendSource,
			Install: rockspec.InstallSpec{
				Lua: []rockspec.InstallEntry{{Src: "init.lua", Dest: "penlight.init"}},
			},
		},
		Config: luxconfig.Config{},
	}

	info, err := buildengine.Run(context.Background(), args)
	require.NoError(t, err)
	require.Len(t, info.InstalledFiles, 1)

	data, err := os.ReadFile(filepath.Join(layout.Src, "penlight", "init.lua"))
	require.NoError(t, err)
	assert.Equal(t, "return {}", string(data))
}

// An install.lua key is a module name, not a file path: "foo.bar" must
// land at <src>/foo/bar.lua so require("foo.bar") resolves it.
func TestRun_InstallLuaConvertsModuleNameToPath(t *testing.T) {
	buildDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "bar.lua"), []byte("return {}"), 0o644))

	_, layout := outputLayout(t)

	args := buildengine.BuildArgs{
		BuildDir: buildDir,
		Output:   layout,
		Spec: rockspec.BuildSpec{
			Kind: rockspec.BackendSource,
			Install: rockspec.InstallSpec{
				Lua: []rockspec.InstallEntry{{Src: "bar.lua", Dest: "foo.bar"}},
			},
		},
		Config: luxconfig.Config{},
	}

	_, err := buildengine.Run(context.Background(), args)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(layout.Src, "foo", "bar.lua"))
	assert.NoError(t, err)
}

func TestLegacyShimBackend_ReturnsUnsupportedBackendError(t *testing.T) {
	_, layout := outputLayout(t)
	args := buildengine.BuildArgs{
		Output: layout,
		Spec: rockspec.BuildSpec{
			Kind:   rockspec.BackendLegacyShim,
			Legacy: rockspec.LegacyShimSpec{BackendName: "cpan"},
		},
	}

	_, err := buildengine.Run(context.Background(), args)
	require.Error(t, err)

	var unsupported *buildengine.UnsupportedBackendError
	require.ErrorAs(t, err, &unsupported)
	assert.Equal(t, "cpan", unsupported.BackendName)
}

func TestDispatch_UnknownKindErrors(t *testing.T) {
	_, err := buildengine.Dispatch(rockspec.BuildBackendKind(99))
	require.Error(t, err)
}

func TestRun_FlagsDeclaredFileMissingFromInstall(t *testing.T) {
	buildDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "init.lua"), []byte("return {}"), 0o644))

	_, layout := outputLayout(t)

	args := buildengine.BuildArgs{
		BuildDir: buildDir,
		Output:   layout,
		Spec: rockspec.BuildSpec{
			Kind: rockspec.BackendSource,
			Install: rockspec.InstallSpec{
				Lua: []rockspec.InstallEntry{
					{Src: "init.lua", Dest: "penlight.init"},
					{Src: "missing.lua", Dest: "penlight.missing"},
				},
			},
		},
	}

	_, err := buildengine.Run(context.Background(), args)
	require.Error(t, err)
}
