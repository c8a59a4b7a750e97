package rockspec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-pm/lux/pkg/rockspec"
	"github.com/lux-pm/lux/pkg/semver"
)

func TestParseProjectTOML_Minimal(t *testing.T) {
	src := []byte(`
package = "my-lib"
version = "1.0.0"
lua = ">= 5.1"

[dependencies]
penlight = ">= 1.5"
cjson = { version = "2.1.0", opt = true }
`)
	m, err := rockspec.ParseProjectTOML(src)
	require.NoError(t, err)

	assert.Equal(t, "my-lib", m.Package.Normalized())
	assert.Equal(t, "1.0.0", m.Version.String())
	assert.True(t, m.Lua.Matches(semver.MustParse("5.1.0")))

	deps := m.Dependencies.Default
	require.Len(t, deps, 2)

	byName := map[string]rockspec.DepSpec{}
	for _, d := range deps {
		byName[d.Req.Name.Normalized()] = d
	}
	assert.True(t, byName["penlight"].Req.Matches(semver.MustParse("1.5.0")))
	assert.True(t, byName["cjson"].Opt)
}

func TestParseProjectTOML_RejectsUnknownField(t *testing.T) {
	src := []byte(`
package = "my-lib"
version = "1.0.0"
lua = ">= 5.1"
bogus_field = true
`)
	_, err := rockspec.ParseProjectTOML(src)
	assert.Error(t, err)
}

func TestParseProjectTOML_RequiresPackageAndLua(t *testing.T) {
	_, err := rockspec.ParseProjectTOML([]byte(`version = "1.0.0"`))
	assert.Error(t, err)
}

func TestParseProjectTOML_BuildBackendDefaultsToBuiltin(t *testing.T) {
	src := []byte(`
package = "my-lib"
version = "1.0.0"
lua = ">= 5.1"

[build.modules]
"my-lib.init" = "src/init.lua"
`)
	m, err := rockspec.ParseProjectTOML(src)
	require.NoError(t, err)
	assert.Equal(t, rockspec.BackendBuiltin, m.Build.Default.Kind)
	assert.Equal(t, "src/init.lua", m.Build.Default.Modules["my-lib.init"].Path)
}

func TestParseProjectTOML_AcceptsRunTable(t *testing.T) {
	src := []byte(`
package = "my-app"
version = "1.0.0"
lua = ">= 5.1"

[run]
command = "my-app"
args = ["--verbose"]
`)
	m, err := rockspec.ParseProjectTOML(src)
	require.NoError(t, err)
	assert.Equal(t, "my-app", m.Run.Command)
	assert.Equal(t, []string{"--verbose"}, m.Run.Args)
}

func TestLatestTagVersion(t *testing.T) {
	v, ok := rockspec.LatestTagVersion([]string{"v1.2.0", "1.10.0", "v0.9.1", "not-a-version", "scm"})
	require.True(t, ok)
	assert.Equal(t, "1.10.0", v.String())

	_, ok = rockspec.LatestTagVersion([]string{"nightly", "scm"})
	assert.False(t, ok)
}

func TestParseProjectTOML_RejectsUnsupportedFormat(t *testing.T) {
	src := []byte(`
package = "my-lib"
version = "1.0.0"
lua = ">= 5.1"
rockspec_format = "9.9"
`)
	_, err := rockspec.ParseProjectTOML(src)
	require.Error(t, err)
	var unsupported *rockspec.UnsupportedVersionError
	assert.ErrorAs(t, err, &unsupported)
}
