package rockspec

import (
	"bytes"
	"fmt"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/platform"
	"github.com/lux-pm/lux/pkg/semver"
)

// ManifestParseError is raised when a lux.toml fails to decode, or decodes
// but is missing a field the schema requires.
type ManifestParseError struct {
	Reason string
	Err    error
}

func (e *ManifestParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("lux.toml: %s: %s", e.Reason, e.Err)
	}
	return fmt.Sprintf("lux.toml: %s", e.Reason)
}

func (e *ManifestParseError) Unwrap() error {
	return e.Err
}

// rawDep is the union of the string-shorthand and table forms a
// dependency entry can take in lux.toml: `name = "req-string"` or
// `name = {version = "...", opt = true, pin = true, git = "...", rev = "..."}`.
type rawDep struct {
	shorthand string
	Version   string `toml:"version"`
	Opt       bool   `toml:"opt"`
	Pin       bool   `toml:"pin"`
	Git       string `toml:"git"`
	Rev       string `toml:"rev"`
}

// UnmarshalTOML implements a manual decode so that a bare string value and
// a table value are both accepted for the same key, which go-toml's
// reflection-based decoder cannot express directly.
func (d *rawDep) UnmarshalTOML(value interface{}) error {
	switch v := value.(type) {
	case string:
		d.shorthand = v
		return nil
	case map[string]interface{}:
		if s, ok := v["version"].(string); ok {
			d.Version = s
		}
		if b, ok := v["opt"].(bool); ok {
			d.Opt = b
		}
		if b, ok := v["pin"].(bool); ok {
			d.Pin = b
		}
		if s, ok := v["git"].(string); ok {
			d.Git = s
		}
		if s, ok := v["rev"].(string); ok {
			d.Rev = s
		}
		return nil
	default:
		return &ManifestParseError{Reason: fmt.Sprintf("invalid dependency entry of type %T", value)}
	}
}

func (d rawDep) toDepSpec(name string) (DepSpec, error) {
	reqStr := d.shorthand
	if reqStr == "" {
		reqStr = d.Version
	}
	req, err := semver.ParseReq(reqStr)
	if err != nil {
		return DepSpec{}, errors.Wrapf(err, "parsing requirement for dependency %q", name)
	}
	return DepSpec{
		Req: semver.PackageReq{Name: semver.NewPackageName(name), Req: req},
		Opt: d.Opt,
		Pin: d.Pin,
		Git: d.Git,
		Rev: d.Rev,
	}, nil
}

type rawExternalDep struct {
	Header  string `toml:"header"`
	Library string `toml:"library"`
}

type rawSource struct {
	URL string `toml:"url"`
	Dev string `toml:"dev"`
	File string `toml:"file"`
	Dir  string `toml:"dir"`
	Tag  string `toml:"tag"`
}

type rawDescription struct {
	Summary  string   `toml:"summary"`
	Detailed string   `toml:"detailed"`
	License  string   `toml:"license"`
	Homepage string   `toml:"homepage"`
	Issues   string   `toml:"issues"`
	Labels   []string `toml:"labels"`
}

type rawDeploy struct {
	WrapBinScripts *bool `toml:"wrap_bin_scripts"`
}

type rawRun struct {
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
}

// rawProjectTOML mirrors the lux.toml schema. Unknown top-level keys
// are rejected by go-toml's strict decoder (see ParseProjectTOML).
type rawProjectTOML struct {
	Package        string                    `toml:"package"`
	Version        string                    `toml:"version"`
	Lua            string                    `toml:"lua"`
	RockspecFormat string                    `toml:"rockspec_format"`
	Description    rawDescription            `toml:"description"`
	SupportedPlatforms map[string]bool       `toml:"supported_platforms"`
	Dependencies      map[string]rawDep      `toml:"dependencies"`
	BuildDependencies map[string]rawDep      `toml:"build_dependencies"`
	TestDependencies  map[string]rawDep      `toml:"test_dependencies"`
	ExternalDependencies map[string]rawExternalDep `toml:"external_dependencies"`
	Source rawSource  `toml:"source"`
	Build  rawBuild   `toml:"build"`
	Test   rawTest    `toml:"test"`
	Run    rawRun     `toml:"run"`
	Deploy rawDeploy  `toml:"deploy"`
}

type rawBuild struct {
	Type            string            `toml:"type"`
	Modules         map[string]string `toml:"modules"`
	Makefile        string            `toml:"makefile"`
	BuildTarget     string            `toml:"build_target"`
	BuildVariables  map[string]string `toml:"build_variables"`
	InstallVariables map[string]string `toml:"install_variables"`
	CMakeLists      string            `toml:"cmake_lists"`
	Variables       map[string]string `toml:"variables"`
	BuildCommand    string            `toml:"build_command"`
	InstallCommand  string            `toml:"install_command"`
	BackendName     string            `toml:"backend_name"`
	Install         rawInstall        `toml:"install"`
	CopyDirectories []string          `toml:"copy_directories"`
}

type rawInstall struct {
	Lua  map[string]string `toml:"lua"`
	Lib  map[string]string `toml:"lib"`
	Bin  map[string]string `toml:"bin"`
	Conf map[string]string `toml:"conf"`
}

type rawTest struct {
	Type    string `toml:"type"`
	Command string `toml:"command"`
	Script  string `toml:"script"`
}

// ParseProjectTOML parses the contents of a lux.toml file into a Manifest.
func ParseProjectTOML(data []byte) (*Manifest, error) {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.Strict(true)

	var raw rawProjectTOML
	if err := dec.Decode(&raw); err != nil {
		return nil, &ManifestParseError{Reason: "decoding", Err: err}
	}

	if raw.Package == "" {
		return nil, &ManifestParseError{Reason: "`package` is required"}
	}
	if raw.Lua == "" {
		return nil, &ManifestParseError{Reason: "`lua` is required"}
	}
	if err := validateFormat(RockspecFormat(raw.RockspecFormat)); err != nil {
		return nil, err
	}

	version, err := resolveVersion(raw.Version)
	if err != nil {
		return nil, err
	}

	luaReq, err := semver.ParseReq(raw.Lua)
	if err != nil {
		return nil, errors.Wrap(err, "parsing `lua` requirement")
	}

	deps, err := toDepSpecList(raw.Dependencies)
	if err != nil {
		return nil, errors.Wrap(err, "parsing `dependencies`")
	}
	buildDeps, err := toDepSpecList(raw.BuildDependencies)
	if err != nil {
		return nil, errors.Wrap(err, "parsing `build_dependencies`")
	}
	testDeps, err := toDepSpecList(raw.TestDependencies)
	if err != nil {
		return nil, errors.Wrap(err, "parsing `test_dependencies`")
	}

	extDeps := make(map[string]ExternalDependencySpec, len(raw.ExternalDependencies))
	for name, d := range raw.ExternalDependencies {
		extDeps[name] = ExternalDependencySpec{Header: d.Header, Library: d.Library}
	}

	buildSpec, err := toBuildSpec(raw.Build)
	if err != nil {
		return nil, errors.Wrap(err, "parsing `build`")
	}

	m := &Manifest{
		Format:              RockspecFormat(raw.RockspecFormat),
		Package:             semver.NewPackageName(raw.Package),
		Version:             version,
		Description:         rawDescriptionToModel(raw.Description),
		SupportedPlatforms:  platform.ParseSupport(raw.SupportedPlatforms),
		Lua:                 luaReq,
		Dependencies:        platform.PerPlatform[[]DepSpec]{Default: deps},
		BuildDependencies:   platform.PerPlatform[[]DepSpec]{Default: buildDeps},
		TestDependencies:    platform.PerPlatform[[]DepSpec]{Default: testDeps},
		ExternalDependencies: platform.PerPlatform[map[string]ExternalDependencySpec]{Default: extDeps},
		Build:               platform.PerPlatform[BuildSpec]{Default: buildSpec},
		Source:              toSourceSpec(raw.Source),
		Test:                toTestSpec(raw.Test),
		Deploy:              toDeploySpec(raw.Deploy),
		Run:                 RunSpec{Command: raw.Run.Command, Args: raw.Run.Args},
	}

	return m, nil
}

func toDepSpecList(raw map[string]rawDep) ([]DepSpec, error) {
	out := make([]DepSpec, 0, len(raw))
	for name, d := range raw {
		spec, err := d.toDepSpec(name)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, nil
}

func rawDescriptionToModel(d rawDescription) Description {
	return Description{
		Summary:  d.Summary,
		Detailed: d.Detailed,
		License:  d.License,
		Homepage: d.Homepage,
		Issues:   d.Issues,
		Labels:   d.Labels,
	}
}

func toSourceSpec(s rawSource) SourceSpec {
	spec := SourceSpec{URL: s.URL, Dev: s.Dev, File: s.File, Dir: s.Dir, Tag: s.Tag}
	switch {
	case isGitURL(s.URL):
		spec.Kind = SourceGit
	case isLocalPath(s.URL):
		spec.Kind = SourceLocal
	default:
		spec.Kind = SourceArchive
	}
	return spec
}

func toTestSpec(t rawTest) TestSpec {
	spec := TestSpec{Command: t.Command, Script: t.Script}
	switch t.Type {
	case "command":
		spec.Kind = TestCommand
	case "none", "":
		if t.Command == "" && t.Script == "" {
			spec.Kind = TestNone
		} else {
			spec.Kind = TestBusted
		}
	default:
		spec.Kind = TestBusted
	}
	return spec
}

func toDeploySpec(d rawDeploy) DeploySpec {
	wrap := true
	if d.WrapBinScripts != nil {
		wrap = *d.WrapBinScripts
	}
	return DeploySpec{WrapBinScripts: wrap}
}

func toBuildSpec(b rawBuild) (BuildSpec, error) {
	spec := BuildSpec{
		Install: rawInstallToModel(b.Install),
		CopyDirectories: b.CopyDirectories,
	}

	switch b.Type {
	case "", "builtin":
		spec.Kind = BackendBuiltin
		spec.Modules = make(map[string]ModuleSource, len(b.Modules))
		for name, path := range b.Modules {
			spec.Modules[name] = ModuleSource{Kind: ModuleSourcePath, Path: path}
		}
	case "make":
		spec.Kind = BackendMake
		spec.Make = MakeSpec{
			Makefile:         b.Makefile,
			BuildTarget:      b.BuildTarget,
			BuildVariables:   b.BuildVariables,
			InstallVariables: b.InstallVariables,
			BuildPass:        true,
			InstallPass:      true,
		}
	case "cmake":
		spec.Kind = BackendCMake
		spec.CMake = CMakeSpec{
			CMakeListsContent: b.CMakeLists,
			Variables:         b.Variables,
			BuildPass:         true,
			InstallPass:       true,
		}
	case "command":
		spec.Kind = BackendCommand
		spec.Command = CommandSpec{BuildCommand: b.BuildCommand, InstallCommand: b.InstallCommand}
	case "source":
		spec.Kind = BackendSource
	default:
		spec.Kind = BackendLegacyShim
		spec.Legacy = LegacyShimSpec{BackendName: b.Type}
	}

	return spec, nil
}

func rawInstallToModel(i rawInstall) InstallSpec {
	return InstallSpec{
		Lua:  mapToInstallEntries(i.Lua),
		Lib:  mapToInstallEntries(i.Lib),
		Bin:  mapToInstallEntries(i.Bin),
		Conf: mapToInstallEntries(i.Conf),
	}
}

func mapToInstallEntries(m map[string]string) []InstallEntry {
	out := make([]InstallEntry, 0, len(m))
	for dest, src := range m {
		out = append(out, InstallEntry{Dest: dest, Src: src})
	}
	return out
}

func isGitURL(url string) bool {
	return hasAnyPrefix(url, "git://", "git+", "ssh://git@") || hasSuffix(url, ".git")
}

func isLocalPath(url string) bool {
	return hasAnyPrefix(url, "/", "./", "../", "file://")
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if len(s) >= len(p) && s[:len(p)] == p {
			return true
		}
	}
	return false
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// resolveVersion handles the literal "dev"/"scm" markers as well as a
// concrete SemVer string. Templated versions generated from git tags are
// resolved by a follow-up ResolveVersionFromGit call once the caller knows
// the repository location; here we only parse what's on the page.
func resolveVersion(v string) (semver.PackageVersion, error) {
	if v == "" {
		return semver.Dev(), nil
	}
	parsed, err := semver.Parse(v)
	if err != nil {
		return semver.PackageVersion{}, errors.Wrap(err, "parsing `version`")
	}
	return parsed, nil
}

