package luxconfig

import (
	"fmt"
	"strings"

	"github.com/lux-pm/lux/pkg/semver"
)

// LuaVersionUnsupportedError is raised when a string naming a Lua runtime
// version doesn't match any of the closed LuaVersion set, whether given
// directly (a `lua` manifest requirement) or detected by probing an actual
// interpreter on PATH.
type LuaVersionUnsupportedError struct {
	Input string
}

func (e *LuaVersionUnsupportedError) Error() string {
	return fmt.Sprintf("unrecognized Lua version %q: allowed versions are 5.1, 5.2, 5.3, 5.4, jit, jit52", e.Input)
}

// LuaVersion is the closed set of scripting-language runtime versions Lux
// knows how to target.
type LuaVersion string

const (
	Lua51    LuaVersion = "5.1"
	Lua52    LuaVersion = "5.2"
	Lua53    LuaVersion = "5.3"
	Lua54    LuaVersion = "5.4"
	LuaJIT   LuaVersion = "jit"
	LuaJIT52 LuaVersion = "jit5.2"
)

// ParseLuaVersion accepts both the canonical and shorthand spellings
// ("5.1"/"51", "jit"/"luajit", ...).
func ParseLuaVersion(s string) (LuaVersion, error) {
	switch strings.ToLower(s) {
	case "5.1", "51":
		return Lua51, nil
	case "5.2", "52":
		return Lua52, nil
	case "5.3", "53":
		return Lua53, nil
	case "5.4", "54":
		return Lua54, nil
	case "jit", "luajit":
		return LuaJIT, nil
	case "jit52", "luajit52":
		return LuaJIT52, nil
	default:
		return "", &LuaVersionUnsupportedError{Input: s}
	}
}

// AsVersion returns the concrete runtime version this LuaVersion implies,
// e.g. for selecting the LUA_INCDIR layout under the tree.
func (v LuaVersion) AsVersion() semver.PackageVersion {
	switch v {
	case Lua51, LuaJIT:
		return semver.MustParse("5.1.0")
	case Lua52, LuaJIT52:
		return semver.MustParse("5.2.0")
	case Lua53:
		return semver.MustParse("5.3.0")
	case Lua54:
		return semver.MustParse("5.4.0")
	default:
		return semver.MustParse("5.1.0")
	}
}

// CompatibilityString returns the "5.x" string used as the tree's
// lua-version-specific subdirectory name.
func (v LuaVersion) CompatibilityString() string {
	switch v {
	case Lua51, LuaJIT:
		return "5.1"
	case Lua52, LuaJIT52:
		return "5.2"
	case Lua53:
		return "5.3"
	case Lua54:
		return "5.4"
	default:
		return string(v)
	}
}

// AsVersionReq returns the pessimistic requirement equivalent to this Lua
// version, used to classify a `lua` dependency entry in a rockspec.
func (v LuaVersion) AsVersionReq() semver.PackageVersionReq {
	req, err := semver.ParseReq("~> " + v.CompatibilityString())
	if err != nil {
		panic(err)
	}
	return req
}

// IsLuaJIT reports whether this version names a LuaJIT runtime.
func (v LuaVersion) IsLuaJIT() bool {
	return v == LuaJIT || v == LuaJIT52
}

// FromRuntimeVersion maps a parsed "lua -v"-style version back to the
// closed LuaVersion enum, special-casing LuaJIT's "2.x.y" self-reported
// version.
func FromRuntimeVersion(v semver.PackageVersion) (LuaVersion, error) {
	luajitReq, _ := semver.ParseReq("~> 2")
	if luajitReq.Matches(v) {
		return LuaJIT, nil
	}
	for _, candidate := range []LuaVersion{Lua51, Lua52, Lua53, Lua54} {
		if candidate.AsVersionReq().Matches(v) {
			return candidate, nil
		}
	}
	return "", &LuaVersionUnsupportedError{Input: v.String()}
}
