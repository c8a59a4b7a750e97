package rockspec

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/platform"
	"github.com/lux-pm/lux/pkg/semver"
)

// luaValue is the result of evaluating one Lua table literal: a string, a
// number (kept as string for round-tripping), a bool, or a table. Table
// literals always carry both an array part (list) and a map part (tbl),
// since the grammar can't tell "array" and "table" apart until a caller
// inspects which part actually holds entries.
type luaValue struct {
	kind luaKind
	str  string
	b    bool
	list []luaValue
	tbl  map[string]luaValue
}

type luaKind uint8

const (
	luaString luaKind = iota
	luaNumber
	luaBool
	luaTable
)

// ParseRockspec evaluates a legacy rockspec's top-level Lua assignments
// through the minimal evaluator: only simple literal
// assignments and table constructors are understood; arbitrary Lua code is
// out of scope.
func ParseRockspec(content string) (*Manifest, error) {
	assignments, err := parseTopLevelAssignments(content)
	if err != nil {
		return nil, &ManifestParseError{Reason: "parsing rockspec", Err: err}
	}

	m := &Manifest{RawContent: content}

	if v, ok := assignments["rockspec_format"]; ok {
		m.Format = RockspecFormat(v.str)
		if err := validateFormat(m.Format); err != nil {
			return nil, err
		}
	}
	pkg, ok := assignments["package"]
	if !ok {
		return nil, &ManifestParseError{Reason: "rockspec: missing `package` field"}
	}
	m.Package = semver.NewPackageName(pkg.str)

	verStr, ok := assignments["version"]
	if !ok {
		return nil, &ManifestParseError{Reason: "rockspec: missing `version` field"}
	}
	version, err := semver.Parse(verStr.str)
	if err != nil {
		return nil, errors.Wrap(err, "rockspec: parsing version")
	}
	m.Version = version

	if desc, ok := assignments["description"]; ok && desc.kind == luaTable {
		m.Description = parseDescriptionTable(desc.tbl)
	}

	if sp, ok := assignments["supported_platforms"]; ok {
		m.SupportedPlatforms = parseSupportedPlatformsList(sp)
	}

	if luaField, ok := findDependency(assignments, "dependencies", "lua"); ok {
		req, err := semver.ParseReq(luaField)
		if err != nil {
			return nil, errors.Wrap(err, "rockspec: parsing lua dependency")
		}
		m.Lua = req
	} else {
		m.Lua = semver.Any()
	}

	m.Dependencies = parsePerPlatformDepList(assignments, "dependencies")
	m.BuildDependencies = parsePerPlatformDepList(assignments, "build_dependencies")
	m.TestDependencies = parsePerPlatformDepList(assignments, "test_dependencies")
	m.ExternalDependencies = parsePerPlatformExternalDeps(assignments, "external_dependencies")

	if src, ok := assignments["source"]; ok && src.kind == luaTable {
		m.Source = parseSourceTable(src.tbl)
	}

	m.Build = parsePerPlatformBuild(assignments, "build")

	if test, ok := assignments["test"]; ok && test.kind == luaTable {
		m.Test = parseTestTable(test.tbl)
	}

	m.Deploy = DeploySpec{WrapBinScripts: true}

	return m, nil
}

func parseDescriptionTable(t map[string]luaValue) Description {
	d := Description{
		Summary:  t["summary"].str,
		Detailed: t["detailed"].str,
		License:  t["license"].str,
		Homepage: t["homepage"].str,
		Issues:   t["issues"].str,
	}
	if labels, ok := t["labels"]; ok {
		for _, v := range labels.list {
			d.Labels = append(d.Labels, v.str)
		}
	}
	return d
}

func parseSupportedPlatformsList(v luaValue) platform.Support {
	var s platform.Support
	for _, item := range v.list {
		name := item.str
		if len(name) > 0 && name[0] == '!' {
			s.Negative = append(s.Negative, pIdentifier(name[1:]))
		} else {
			s.Positive = append(s.Positive, pIdentifier(name))
		}
	}
	return s
}

func pIdentifier(s string) platform.Identifier {
	return platform.Identifier(s)
}

// findDependency looks up a single named dependency (e.g. "lua") inside a
// flat dependencies list, returning its requirement string.
func findDependency(assignments map[string]luaValue, table, name string) (string, bool) {
	v, ok := assignments[table]
	if !ok {
		return "", false
	}
	for _, item := range v.list {
		req, err := semver.ParsePackageReq(item.str)
		if err != nil {
			continue
		}
		if req.Name.Normalized() == name {
			return req.Req.String(), true
		}
	}
	return "", false
}

// parsePerPlatformDepList reads a "<table>" key plus any nested
// "<table>.platforms.<id>" override: "platform overrides live
// under a nested platforms table inside each block".
func parsePerPlatformDepList(assignments map[string]luaValue, key string) platform.PerPlatform[[]DepSpec] {
	v, ok := assignments[key]
	if !ok {
		return platform.PerPlatform[[]DepSpec]{}
	}

	pp := platform.PerPlatform[[]DepSpec]{
		Default:     depListFromLua(v, key == "dependencies"),
		PerPlatform: map[platform.Identifier][]DepSpec{},
	}

	if platforms, ok := v.tbl["platforms"]; ok {
		for id, override := range platforms.tbl {
			pp.PerPlatform[platform.Identifier(id)] = depListFromLua(override, key == "dependencies")
		}
	}
	return pp
}

func depListFromLua(v luaValue, skipLua bool) []DepSpec {
	out := make([]DepSpec, 0, len(v.list))
	for _, item := range v.list {
		req, err := semver.ParsePackageReq(item.str)
		if err != nil {
			continue
		}
		if skipLua && req.Name.Normalized() == "lua" {
			continue
		}
		out = append(out, DepSpec{Req: req})
	}
	return out
}

func parsePerPlatformExternalDeps(assignments map[string]luaValue, key string) platform.PerPlatform[map[string]ExternalDependencySpec] {
	v, ok := assignments[key]
	if !ok {
		return platform.PerPlatform[map[string]ExternalDependencySpec]{}
	}

	pp := platform.PerPlatform[map[string]ExternalDependencySpec]{
		Default:     externalDepsFromLua(v),
		PerPlatform: map[platform.Identifier]map[string]ExternalDependencySpec{},
	}
	if platforms, ok := v.tbl["platforms"]; ok {
		for id, override := range platforms.tbl {
			pp.PerPlatform[platform.Identifier(id)] = externalDepsFromLua(override)
		}
	}
	return pp
}

func externalDepsFromLua(v luaValue) map[string]ExternalDependencySpec {
	out := make(map[string]ExternalDependencySpec, len(v.tbl))
	for name, entry := range v.tbl {
		if name == "platforms" {
			continue
		}
		out[name] = ExternalDependencySpec{Header: entry.tbl["header"].str, Library: entry.tbl["library"].str}
	}
	return out
}

func parseSourceTable(t map[string]luaValue) SourceSpec {
	spec := SourceSpec{
		URL:    t["url"].str,
		Tag:    t["tag"].str,
		Branch: t["branch"].str,
		Dev:    t["dev"].str,
		File:   t["file"].str,
		Dir:    t["dir"].str,
	}
	switch {
	case isGitURL(spec.URL):
		spec.Kind = SourceGit
	case isLocalPath(spec.URL):
		spec.Kind = SourceLocal
	default:
		spec.Kind = SourceArchive
	}
	return spec
}

func parseTestTable(t map[string]luaValue) TestSpec {
	spec := TestSpec{Command: t["command"].str, Script: t["script"].str}
	switch t["type"].str {
	case "command":
		spec.Kind = TestCommand
	case "", "none":
		if spec.Command == "" && spec.Script == "" {
			spec.Kind = TestNone
		} else {
			spec.Kind = TestBusted
		}
	default:
		spec.Kind = TestBusted
	}
	return spec
}

func parsePerPlatformBuild(assignments map[string]luaValue, key string) platform.PerPlatform[BuildSpec] {
	v, ok := assignments[key]
	if !ok {
		return platform.PerPlatform[BuildSpec]{}
	}

	pp := platform.PerPlatform[BuildSpec]{
		Default:     buildSpecFromLua(v),
		PerPlatform: map[platform.Identifier]BuildSpec{},
	}
	if platforms, ok := v.tbl["platforms"]; ok {
		for id, override := range platforms.tbl {
			pp.PerPlatform[platform.Identifier(id)] = buildSpecFromLua(override)
		}
	}
	return pp
}

func buildSpecFromLua(v luaValue) BuildSpec {
	spec := BuildSpec{
		CopyDirectories: stringList(v.tbl["copy_directories"]),
		Patches:         stringMap(v.tbl["patches"]),
	}
	if install, ok := v.tbl["install"]; ok {
		spec.Install = InstallSpec{
			Lua:  stringMapEntries(install.tbl["lua"]),
			Lib:  stringMapEntries(install.tbl["lib"]),
			Bin:  stringMapEntries(install.tbl["bin"]),
			Conf: stringMapEntries(install.tbl["conf"]),
		}
	}

	backendType := v.tbl["type"].str
	switch backendType {
	case "", "builtin":
		spec.Kind = BackendBuiltin
		spec.Modules = modulesFromLua(v.tbl["modules"])
	case "make":
		spec.Kind = BackendMake
		spec.Make = MakeSpec{
			Makefile:         v.tbl["makefile"].str,
			BuildTarget:      v.tbl["build_target"].str,
			BuildVariables:   stringMap(v.tbl["build_variables"]),
			InstallVariables: stringMap(v.tbl["install_variables"]),
			BuildPass:        boolOr(v.tbl["build_pass"], true),
			InstallPass:      boolOr(v.tbl["install_pass"], true),
		}
	case "cmake":
		spec.Kind = BackendCMake
		spec.CMake = CMakeSpec{
			CMakeListsContent: v.tbl["cmake_lists_content"].str,
			Variables:         stringMap(v.tbl["variables"]),
			BuildPass:         boolOr(v.tbl["build_pass"], true),
			InstallPass:       boolOr(v.tbl["install_pass"], true),
		}
	case "command":
		spec.Kind = BackendCommand
		spec.Command = CommandSpec{
			BuildCommand:   v.tbl["build_command"].str,
			InstallCommand: v.tbl["install_command"].str,
		}
	case "none":
		spec.Kind = BackendSource
	default:
		spec.Kind = BackendLegacyShim
		spec.Legacy = LegacyShimSpec{BackendName: backendType}
	}
	return spec
}

// A module entry is one of three shapes: a bare string (single source
// file), an array of strings (several source files sharing one module),
// or a table carrying incdirs/defines/libraries (a full native build
// recipe). The table literal grammar can't distinguish "array" from
// "table" by kind alone (both parse to luaTable), so the array case is
// recognized by having no keyed fields at all.
func modulesFromLua(v luaValue) map[string]ModuleSource {
	out := make(map[string]ModuleSource, len(v.tbl))
	for name, entry := range v.tbl {
		switch {
		case entry.kind == luaString:
			out[name] = ModuleSource{Kind: ModuleSourcePath, Path: entry.str}
		case len(entry.tbl) == 0:
			out[name] = ModuleSource{Kind: ModuleSourcePaths, Paths: stringListValue(entry)}
		default:
			out[name] = ModuleSource{Kind: ModuleModulePaths, Mod: ModulePathSources{
				Sources:   stringListValue(entry.tbl["sources"]),
				Includes:  stringListValue(entry.tbl["incdirs"]),
				Defines:   stringListValue(entry.tbl["defines"]),
				Libraries: stringListValue(entry.tbl["libraries"]),
				LibDirs:   stringListValue(entry.tbl["libdirs"]),
			}}
		}
	}
	return out
}

func stringList(v luaValue) []string {
	return stringListValue(v)
}

func stringListValue(v luaValue) []string {
	out := make([]string, 0, len(v.list))
	for _, item := range v.list {
		out = append(out, item.str)
	}
	return out
}

func stringMap(v luaValue) map[string]string {
	out := make(map[string]string, len(v.tbl))
	for k, val := range v.tbl {
		out[k] = val.str
	}
	return out
}

func stringMapEntries(v luaValue) []InstallEntry {
	out := make([]InstallEntry, 0, len(v.tbl))
	for dest, src := range v.tbl {
		out = append(out, InstallEntry{Dest: dest, Src: src.str})
	}
	return out
}

func boolOr(v luaValue, def bool) bool {
	if v.kind == luaBool {
		return v.b
	}
	return def
}

// OffSpecDependencyError is raised when Marshal is asked to render a
// manifest back into the legacy rockspec form but one of its dependencies
// carries a per-dependency source override (`git`/`rev`) that the legacy
// format has no field for: a legacy dependency entry is a bare requirement
// string, with no way to pin an individual dependency to a different
// repository or revision than whatever its own rockspec declares.
type OffSpecDependencyError struct {
	Section string
	Name    string
}

func (e *OffSpecDependencyError) Error() string {
	return fmt.Sprintf("%s entry %q has a git/rev source override that the legacy rockspec format cannot represent", e.Section, e.Name)
}

// checkOffSpecDeps rejects a dependency list containing any per-dependency
// source override before Marshal attempts to flatten it to a bare
// requirement string.
func checkOffSpecDeps(section string, pp platform.PerPlatform[[]DepSpec]) error {
	for _, d := range pp.Default {
		if d.Git != "" || d.Rev != "" {
			return &OffSpecDependencyError{Section: section, Name: d.Req.Name.String()}
		}
	}
	return nil
}

// Marshal renders the manifest back into the legacy rockspec text form, for
// the round-trip required by the upload path.
func (m *Manifest) Marshal() (string, error) {
	if err := checkOffSpecDeps("dependencies", m.Dependencies); err != nil {
		return "", err
	}
	if err := checkOffSpecDeps("build_dependencies", m.BuildDependencies); err != nil {
		return "", err
	}
	if err := checkOffSpecDeps("test_dependencies", m.TestDependencies); err != nil {
		return "", err
	}

	var w luaWriter
	w.assign("rockspec_format", luaQuote(string(m.Format)))
	w.assign("package", luaQuote(m.Package.String()))
	w.assign("version", luaQuote(m.Version.String()))

	w.raw("description", descriptionToLua(m.Description))
	if len(m.SupportedPlatforms.Positive)+len(m.SupportedPlatforms.Negative) > 0 {
		w.raw("supported_platforms", supportedPlatformsToLua(m.SupportedPlatforms))
	}

	w.raw("dependencies", depListToLua(m.Dependencies, m.Lua))
	if hasAnyDeps(m.BuildDependencies) {
		w.raw("build_dependencies", depListToLua(m.BuildDependencies, semver.Any()))
	}
	if hasAnyDeps(m.TestDependencies) {
		w.raw("test_dependencies", depListToLua(m.TestDependencies, semver.Any()))
	}
	w.raw("source", sourceToLua(m.Source))
	w.raw("build", buildSpecToLua(m.Build.Default))

	return w.String(), nil
}

func hasAnyDeps(pp platform.PerPlatform[[]DepSpec]) bool {
	return len(pp.Default) > 0 || len(pp.PerPlatform) > 0
}

type luaWriter struct {
	buf string
}

func (w *luaWriter) assign(key, value string) {
	w.buf += fmt.Sprintf("%s = %s\n", key, value)
}

func (w *luaWriter) raw(key, value string) {
	w.buf += fmt.Sprintf("%s = %s\n", key, value)
}

func (w *luaWriter) String() string {
	return w.buf
}

func luaQuote(s string) string {
	return fmt.Sprintf("%q", s)
}

func descriptionToLua(d Description) string {
	return fmt.Sprintf("{\n   summary = %s,\n   detailed = %s,\n   license = %s,\n   homepage = %s,\n}",
		luaQuote(d.Summary), luaQuote(d.Detailed), luaQuote(d.License), luaQuote(d.Homepage))
}

func supportedPlatformsToLua(s platform.Support) string {
	var items []string
	for _, p := range s.Positive {
		items = append(items, luaQuote(string(p)))
	}
	for _, p := range s.Negative {
		items = append(items, luaQuote("!"+string(p)))
	}
	return "{" + joinQuoted(items) + "}"
}

func depListToLua(pp platform.PerPlatform[[]DepSpec], lua semver.PackageVersionReq) string {
	var items []string
	if !lua.IsAny() {
		items = append(items, luaQuote("lua "+lua.String()))
	}
	for _, d := range pp.Default {
		items = append(items, luaQuote(d.Req.String()))
	}
	return "{" + joinQuoted(items) + "}"
}

func sourceToLua(s SourceSpec) string {
	return fmt.Sprintf("{\n   url = %s,\n   tag = %s,\n}", luaQuote(s.URL), luaQuote(s.Tag))
}

func buildSpecToLua(b BuildSpec) string {
	return fmt.Sprintf("{\n   type = %s,\n}", luaQuote(b.Kind.String()))
}

func joinQuoted(items []string) string {
	out := ""
	for i, it := range items {
		if i > 0 {
			out += ", "
		}
		out += it
	}
	return out
}
