// Package rockspec implements the declarative manifest model shared by
// lux.toml (the project manifest) and the legacy rockspec compatibility
// format.
package rockspec

import (
	"fmt"

	"github.com/lux-pm/lux/pkg/platform"
	"github.com/lux-pm/lux/pkg/semver"
)

// DepSpec is one entry in a dependency list: a package requirement plus
// optional pin/opt/git-source hints a project manifest can attach.
type DepSpec struct {
	Req  semver.PackageReq
	Opt  bool
	Pin  bool
	Git  string
	Rev  string
}

// ExternalDependencySpec names the header and/or library an external,
// non-rockspec-managed dependency is expected to provide.
type ExternalDependencySpec struct {
	Header  string
	Library string
}

// SourceURLKind tags the three source kinds a rockspec can name.
type SourceURLKind uint8

const (
	SourceArchive SourceURLKind = iota
	SourceGit
	SourceLocal
)

// SourceSpec describes where to fetch a package's source from.
type SourceSpec struct {
	Kind SourceURLKind

	URL string // archive URL, git URL, or local path depending on Kind

	// Git-specific fields; a branch-only source (no Tag/Rev) is accepted
	// for dev builds and flagged non-reproducible.
	Tag    string
	Branch string
	Rev    string

	// Dev is a templated URL used when the manifest's version is "dev"/
	// "scm", resolved from git tags at read time.
	Dev string

	File string // explicit archive filename override
	Dir  string // explicit unpack directory override

	Integrity string // subresource-integrity value, if pinned
}

// NonReproducible reports whether this git source lacks an explicit tag or
// resolved revision, so there is nothing stable to verify it against.
func (s SourceSpec) NonReproducible() bool {
	return s.Kind == SourceGit && s.Tag == "" && s.Rev == ""
}

// ModulePathSources is the third ModuleSource variant: a native module built
// from explicit sources, include dirs, defines, and extra libraries.
type ModulePathSources struct {
	Sources  []string
	Includes []string
	Defines  []string
	Libraries []string
	LibDirs  []string
}

// ModuleSourceKind tags the ModuleSource union.
type ModuleSourceKind uint8

const (
	ModuleSourcePath ModuleSourceKind = iota
	ModuleSourcePaths
	ModuleModulePaths
)

// ModuleSource is the tagged union {SourcePath, SourcePaths, ModulePaths}.
type ModuleSource struct {
	Kind  ModuleSourceKind
	Path  string   // ModuleSourcePath
	Paths []string // ModuleSourcePaths
	Mod   ModulePathSources
}

// InstallSpec is the `install` table shared by every build backend: source
// modules, native modules to compile, and binaries, keyed by destination
// module-path-or-plain-path.
type InstallSpec struct {
	Lua []InstallEntry
	Lib []InstallEntry
	Bin []InstallEntry
	Conf []InstallEntry
}

// InstallEntry maps a destination (module path or bin name) to a source
// file.
type InstallEntry struct {
	Dest string
	Src  string
}

// BuildBackendKind tags the BuildSpec union.
type BuildBackendKind uint8

const (
	BackendBuiltin BuildBackendKind = iota
	BackendMake
	BackendCMake
	BackendCommand
	BackendSource
	BackendLegacyShim
)

func (k BuildBackendKind) String() string {
	switch k {
	case BackendBuiltin:
		return "builtin"
	case BackendMake:
		return "make"
	case BackendCMake:
		return "cmake"
	case BackendCommand:
		return "command"
	case BackendSource:
		return "source"
	case BackendLegacyShim:
		return "legacy"
	default:
		return "unknown"
	}
}

// MakeSpec carries the Make-backend-specific build fields.
type MakeSpec struct {
	Makefile        string
	BuildTarget     string
	BuildVariables  map[string]string
	InstallVariables map[string]string
	BuildPass   bool
	InstallPass bool
}

// CMakeSpec carries the CMake-backend-specific build fields.
type CMakeSpec struct {
	CMakeListsContent string
	Variables         map[string]string
	BuildPass         bool
	InstallPass       bool
}

// CommandSpec carries the Command-backend-specific build fields.
type CommandSpec struct {
	BuildCommand   string
	InstallCommand string
}

// LegacyShimSpec names an external, third-party build backend a rockspec
// can delegate to.
type LegacyShimSpec struct {
	BackendName string
}

// BuildSpec is the tagged variant over build backends. Every
// variant also carries Install, CopyDirectories, and Patches, shared across
// all backends.
type BuildSpec struct {
	Kind BuildBackendKind

	Modules map[string]ModuleSource // BackendBuiltin

	Make   MakeSpec       // BackendMake
	CMake  CMakeSpec      // BackendCMake
	Command CommandSpec   // BackendCommand
	Legacy LegacyShimSpec // BackendLegacyShim

	Install         InstallSpec
	CopyDirectories []string
	Patches         map[string]string // filename -> unified diff text
}

// TestSpecKind tags the rockspec `test` table's test runner selection.
type TestSpecKind uint8

const (
	TestBusted TestSpecKind = iota
	TestCommand
	TestNone
)

// TestSpec describes how to run a package's test suite.
type TestSpec struct {
	Kind    TestSpecKind
	Command string
	Script  string
}

// DeploySpec governs post-install deployment behaviour.
type DeploySpec struct {
	WrapBinScripts bool
}

// RunSpec is the project manifest's `run` table: the command a `lux run`
// front-end would exec. The core only carries it through parsing; executing
// it is an outer-surface concern.
type RunSpec struct {
	Command string
	Args    []string
}

// Description is the free-text `description` table.
type Description struct {
	Summary  string
	Detailed string
	License  string
	Homepage string
	Issues   string
	Labels   []string
}

// RockspecFormat is the optional format-version marker a rockspec or
// lux.toml can carry.
type RockspecFormat string

const (
	Format1_0 RockspecFormat = "1.0"
	Format2_0 RockspecFormat = "2.0"
	Format3_0 RockspecFormat = "3.0"
)

// UnsupportedVersionError is raised when a manifest carries a
// rockspec_format marker this implementation doesn't understand.
type UnsupportedVersionError struct {
	Format string
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported rockspec_format %q: supported formats are 1.0, 2.0, 3.0", e.Format)
}

func validateFormat(f RockspecFormat) error {
	switch f {
	case "", Format1_0, Format2_0, Format3_0:
		return nil
	default:
		return &UnsupportedVersionError{Format: string(f)}
	}
}

// Manifest is the parsed, not-yet-platform-resolved declarative manifest
// common to both lux.toml and the legacy rockspec format.
type Manifest struct {
	Format  RockspecFormat
	Package semver.PackageName
	Version semver.PackageVersion

	Description Description

	SupportedPlatforms platform.Support

	Lua semver.PackageVersionReq

	Dependencies         platform.PerPlatform[[]DepSpec]
	BuildDependencies    platform.PerPlatform[[]DepSpec]
	TestDependencies     platform.PerPlatform[[]DepSpec]
	ExternalDependencies platform.PerPlatform[map[string]ExternalDependencySpec]

	Build  platform.PerPlatform[BuildSpec]
	Test   TestSpec
	Source SourceSpec
	Deploy DeploySpec
	Run    RunSpec

	// RawContent preserves the original rockspec text, required for
	// round-tripping back to the legacy format for the upload path.
	RawContent string
}

// ResolvedForPlatform is the manifest flattened for a concrete target
// platform, the view every downstream component (resolver, fetcher,
// builder) actually consumes.
type ResolvedForPlatform struct {
	Dependencies         []DepSpec
	BuildDependencies    []DepSpec
	TestDependencies     []DepSpec
	ExternalDependencies map[string]ExternalDependencySpec
	Build                BuildSpec
}

// ResolveForPlatform flattens every PerPlatform field down to one concrete
// platform, folding each override layer over the default.
func (m *Manifest) ResolveForPlatform(id platform.Identifier) ResolvedForPlatform {
	return ResolvedForPlatform{
		Dependencies:      m.Dependencies.Resolve(id, mergeDepList),
		BuildDependencies: m.BuildDependencies.Resolve(id, mergeDepList),
		TestDependencies:  m.TestDependencies.Resolve(id, mergeDepList),
		ExternalDependencies: m.ExternalDependencies.Resolve(id, platform.MergeMap[string, ExternalDependencySpec]),
		Build: m.Build.Resolve(id, mergeBuildSpec),
	}
}

// mergeDepList concatenates and dedupes by (name, requirement string),
// since DepSpec itself is not a comparable type (PackageVersionReq holds a
// slice of atoms), so it cannot use the generic MergeList helper directly.
func mergeDepList(base, override []DepSpec) []DepSpec {
	seen := make(map[string]bool, len(base)+len(override))
	out := make([]DepSpec, 0, len(base)+len(override))
	for _, list := range [][]DepSpec{base, override} {
		for _, d := range list {
			key := d.Req.Name.Normalized() + "|" + d.Req.Req.String()
			if !seen[key] {
				seen[key] = true
				out = append(out, d)
			}
		}
	}
	return out
}

// mergeBuildSpec is the type-directed merge for BuildSpec overrides: the
// override's backend tag wins outright (a platform override cannot change
// backend kind mid-merge in practice, but we still merge the shared
// Install/CopyDirectories/Patches fields additively).
func mergeBuildSpec(base, override BuildSpec) BuildSpec {
	merged := override
	merged.Install.Lua = platform.MergeList(base.Install.Lua, override.Install.Lua)
	merged.Install.Lib = platform.MergeList(base.Install.Lib, override.Install.Lib)
	merged.Install.Bin = platform.MergeList(base.Install.Bin, override.Install.Bin)
	merged.Install.Conf = platform.MergeList(base.Install.Conf, override.Install.Conf)
	merged.CopyDirectories = platform.MergeList(base.CopyDirectories, override.CopyDirectories)
	merged.Patches = platform.MergeMap(base.Patches, override.Patches)
	if merged.Modules == nil {
		merged.Modules = base.Modules
	} else {
		merged.Modules = platform.MergeMap(base.Modules, override.Modules)
	}
	return merged
}
