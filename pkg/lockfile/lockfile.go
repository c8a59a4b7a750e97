// Package lockfile implements the three-section dependency lockfile: the
// regular, build-time, and test-time dependency graphs a tree resolves
// against, persisted as lux.lock next to the tree root.
package lockfile

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/theckman/go-flock"

	"github.com/lux-pm/lux/pkg/integrity"
	"github.com/lux-pm/lux/pkg/luxerr"
	"github.com/lux-pm/lux/pkg/rockspec"
	"github.com/lux-pm/lux/pkg/semver"
)

// FileName is the lockfile's fixed name at the tree root.
const FileName = "lux.lock"

// LockType selects which of the three dependency graphs an operation
// targets: the project's own runtime dependencies, its build-time
// dependencies, or its test-time dependencies.
type LockType uint8

const (
	Regular LockType = iota
	Build
	Test
)

func (t LockType) String() string {
	switch t {
	case Regular:
		return "regular"
	case Build:
		return "build"
	case Test:
		return "test"
	default:
		return "unknown"
	}
}

// Entry is one resolved, installed package as recorded in a lockfile
// section: enough information to skip re-resolution and re-fetch on the
// next sync, and to validate the tree against it.
type Entry struct {
	ID           string // content-addressed install id (resolve.ContentAddressedID)
	Name         string
	Version      semver.PackageVersion
	Source       rockspec.SourceSpec
	Integrity    integrity.Integrity
	Dependencies []string // IDs of direct dependencies within the same section
	Pinned       bool
	Entrypoint   bool // true if a project entrypoint depends on this directly

	// BinFiles lists the shared bin/ wrapper or binary paths this package
	// owns, so removal can unlink exactly the files it wrote
	// to the tree-wide bin/ directory without guessing from its name.
	BinFiles []string

	// NonReproducible marks a source fetched from a moving ref (a git
	// branch, not a tag or pinned rev) rather than a content-addressed
	// archive: there is nothing for a later `validate_integrity` sync to
	// re-check it against.
	NonReproducible bool
}

// rawEntry is the TOML wire form of Entry; semver.PackageVersion and
// rockspec.SourceSpec don't implement TOML (un)marshaling themselves, so the
// lockfile owns the flattening.
type rawEntry struct {
	ID           string   `toml:"id"`
	Name         string   `toml:"name"`
	Version      string   `toml:"version"`
	SourceURL    string   `toml:"source_url,omitempty"`
	SourceKind   string   `toml:"source_kind,omitempty"`
	SourceTag    string   `toml:"source_tag,omitempty"`
	SourceRev    string   `toml:"source_rev,omitempty"`
	Integrity    string   `toml:"integrity,omitempty"`
	Dependencies []string `toml:"dependencies,omitempty"`
	Pinned       bool     `toml:"pinned,omitempty"`
	Entrypoint   bool     `toml:"entrypoint,omitempty"`
	BinFiles     []string `toml:"bin_files,omitempty"`
	NonReproducible bool  `toml:"non_reproducible,omitempty"`
}

// formatVersion is the lockfile format marker written at the top of every
// lux.lock; bump only on an incompatible layout change.
const formatVersion = "1.0"

// LayoutConfig is the tree-wide rock-layout policy captured at the
// lockfile's first write, mirroring tree.RockLayoutConfig without
// this package depending on package tree.
type LayoutConfig struct {
	EntrypointSharedEtc bool `toml:"entrypoint_shared_etc,omitempty"`
}

type rawLockfile struct {
	Version string              `toml:"version"`
	Layout  LayoutConfig        `toml:"layout,omitempty"`
	Regular map[string]rawEntry `toml:"regular"`
	Build   map[string]rawEntry `toml:"build"`
	Test    map[string]rawEntry `toml:"test"`
}

// Lockfile is the in-memory, mutable view of lux.lock. All mutating methods
// are safe for concurrent use; persisting to disk is a separate, explicit
// Write call so a batch of changes commits as one atomic write.
type Lockfile struct {
	path string

	mu        sync.Mutex
	layout    LayoutConfig
	hasLayout bool
	regular   map[string]Entry
	build     map[string]Entry
	test      map[string]Entry
}

func empty(path string) *Lockfile {
	return &Lockfile{
		path:    path,
		regular: make(map[string]Entry),
		build:   make(map[string]Entry),
		test:    make(map[string]Entry),
	}
}

// Load reads lux.lock from dir, returning a fresh empty Lockfile if it
// doesn't exist yet (a brand-new tree has no lockfile until its first
// sync).
func Load(dir string) (*Lockfile, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty(path), nil
		}
		return nil, errors.Wrapf(err, "reading lockfile %q", path)
	}

	var raw rawLockfile
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing lockfile %q", path)
	}

	lf := empty(path)
	lf.layout = raw.Layout
	lf.hasLayout = raw.Version != ""
	for _, sec := range []struct {
		raw map[string]rawEntry
		out map[string]Entry
	}{
		{raw.Regular, lf.regular},
		{raw.Build, lf.build},
		{raw.Test, lf.test},
	} {
		for key, re := range sec.raw {
			entry, err := fromRaw(re)
			if err != nil {
				return nil, errors.Wrapf(err, "decoding lockfile entry %q", key)
			}
			sec.out[key] = entry
		}
	}
	return lf, nil
}

func fromRaw(re rawEntry) (Entry, error) {
	version, err := semver.Parse(re.Version)
	if err != nil {
		return Entry{}, err
	}
	e := Entry{
		ID:           re.ID,
		Name:         re.Name,
		Version:      version,
		Dependencies: re.Dependencies,
		Pinned:       re.Pinned,
		Entrypoint:   re.Entrypoint,
		BinFiles:     re.BinFiles,
		NonReproducible: re.NonReproducible,
		Source: rockspec.SourceSpec{
			URL: re.SourceURL,
			Tag: re.SourceTag,
			Rev: re.SourceRev,
		},
	}
	switch re.SourceKind {
	case "git":
		e.Source.Kind = rockspec.SourceGit
	case "local":
		e.Source.Kind = rockspec.SourceLocal
	default:
		e.Source.Kind = rockspec.SourceArchive
	}
	if re.Integrity != "" {
		e.Integrity, err = integrity.Parse(re.Integrity)
		if err != nil {
			return Entry{}, err
		}
	}
	return e, nil
}

func toRaw(e Entry) rawEntry {
	re := rawEntry{
		ID:           e.ID,
		Name:         e.Name,
		Version:      e.Version.String(),
		SourceURL:    e.Source.URL,
		SourceTag:    e.Source.Tag,
		SourceRev:    e.Source.Rev,
		Dependencies: e.Dependencies,
		Pinned:       e.Pinned,
		Entrypoint:   e.Entrypoint,
		BinFiles:     e.BinFiles,
		NonReproducible: e.NonReproducible,
	}
	switch e.Source.Kind {
	case rockspec.SourceGit:
		re.SourceKind = "git"
	case rockspec.SourceLocal:
		re.SourceKind = "local"
	default:
		re.SourceKind = "archive"
	}
	if e.Integrity.Algorithm != "" {
		re.Integrity = e.Integrity.String()
	}
	return re
}

func (lf *Lockfile) section(t LockType) map[string]Entry {
	switch t {
	case Build:
		return lf.build
	case Test:
		return lf.test
	default:
		return lf.regular
	}
}

// CaptureLayoutConfig records the tree's rock-layout policy the first time
// it is offered; later calls are no-ops, so the policy an existing tree
// was built with can never be
// silently rewritten by a caller configured differently.
func (lf *Lockfile) CaptureLayoutConfig(cfg LayoutConfig) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	if lf.hasLayout {
		return
	}
	lf.layout = cfg
	lf.hasLayout = true
}

// LayoutConfig returns the captured layout policy (the zero value until
// one is captured).
func (lf *Lockfile) LayoutConfig() LayoutConfig {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	return lf.layout
}

// Get returns the entry for id within the given section.
func (lf *Lockfile) Get(t LockType, id string) (Entry, bool) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	e, ok := lf.section(t)[id]
	return e, ok
}

// FindRocks returns every entry across a section whose package name
// matches, regardless of version, for "which versions of X are installed"
// queries.
func (lf *Lockfile) FindRocks(t LockType, name string) []Entry {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	key := normalizedName(name)
	var out []Entry
	for _, e := range lf.section(t) {
		if normalizedName(e.Name) == key {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FindMatching returns every entry in a section whose name matches req's
// package and whose recorded version satisfies req's requirement, the
// "already satisfied" lookup the installer and sync engine share.
// Platform filtering is deliberately not applied here.
func (lf *Lockfile) FindMatching(t LockType, req semver.PackageReq) []Entry {
	var out []Entry
	for _, e := range lf.FindRocks(t, req.Name.String()) {
		if req.Matches(e.Version) {
			out = append(out, e)
		}
	}
	return out
}

// IsEntrypoint reports whether id is recorded as a direct project
// dependency (as opposed to a transitively pulled-in one) in the given
// section.
func (lf *Lockfile) IsEntrypoint(t LockType, id string) bool {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	e, ok := lf.section(t)[id]
	return ok && e.Entrypoint
}

// IsDependency reports whether id is present at all in the given section.
func (lf *Lockfile) IsDependency(t LockType, id string) bool {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	_, ok := lf.section(t)[id]
	return ok
}

// AddEntrypoint records e as a direct project dependency.
func (lf *Lockfile) AddEntrypoint(t LockType, e Entry) {
	e.Entrypoint = true
	lf.mu.Lock()
	defer lf.mu.Unlock()
	lf.section(t)[e.ID] = e
}

// AddDependency records e as a transitively pulled-in package, without
// disturbing an existing Entrypoint flag if e was already present as one.
func (lf *Lockfile) AddDependency(t LockType, e Entry) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	sec := lf.section(t)
	if existing, ok := sec[e.ID]; ok && existing.Entrypoint {
		e.Entrypoint = true
	}
	sec[e.ID] = e
}

// Remove deletes id from the given section.
func (lf *Lockfile) Remove(t LockType, id string) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	delete(lf.section(t), id)
}

// All returns every entry recorded in the given section, in a stable
// id-sorted order.
func (lf *Lockfile) All(t LockType) []Entry {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	out := values(lf.section(t))
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PackageSyncSpec is the minimal shape install/sync compares a lockfile
// entry against a fresh manifest resolution: enough to decide "already
// satisfied" versus "needs reinstall".
type PackageSyncSpec struct {
	ID        string
	Name      string
	Version   semver.PackageVersion
	Integrity integrity.Integrity
}

// PackageSyncSpec reduces an Entry to the fields sync uses for its
// already-satisfied comparison.
func (e Entry) PackageSyncSpec() PackageSyncSpec {
	return PackageSyncSpec{ID: e.ID, Name: e.Name, Version: e.Version, Integrity: e.Integrity}
}

// SyncPlan computes the set-difference between
// a project manifest's declared dependencies for one lock-type and the
// lockfile's recorded entrypoints of that type. An entrypoint whose
// requirement no longer overlaps any recorded version is to_remove; a
// requested dependency without a satisfying entrypoint is to_add.
func (lf *Lockfile) SyncPlan(requested []semver.PackageReq, t LockType) (toAdd []semver.PackageReq, toRemove []Entry) {
	lf.mu.Lock()
	defer lf.mu.Unlock()
	sec := lf.section(t)

	byName := make(map[string][]Entry, len(sec))
	for _, e := range sec {
		if !e.Entrypoint {
			continue
		}
		key := normalizedName(e.Name)
		byName[key] = append(byName[key], e)
	}

	reqNames := make(map[string]bool, len(requested))
	for _, req := range requested {
		reqNames[req.Name.Normalized()] = true
	}

	for name, entries := range byName {
		if !reqNames[name] {
			toRemove = append(toRemove, entries...)
		}
	}
	for _, req := range requested {
		entries := byName[req.Name.Normalized()]
		satisfied := false
		for _, e := range entries {
			if req.Req.Matches(e.Version) {
				satisfied = true
				continue
			}
			toRemove = append(toRemove, e)
		}
		if !satisfied {
			toAdd = append(toAdd, req)
		}
	}

	sort.Slice(toAdd, func(i, j int) bool { return toAdd[i].Name.Normalized() < toAdd[j].Name.Normalized() })
	sort.Slice(toRemove, func(i, j int) bool { return toRemove[i].ID < toRemove[j].ID })
	return toAdd, toRemove
}

func normalizedName(name string) string {
	return semver.NewPackageName(name).Normalized()
}

// Sync copies every entry of source's sub-lock for the given type into this
// lockfile's same sub-lock, overwriting entries whose id already exists
// overwriting entries whose id already exists. Entries only present in
// the destination are left
// alone; removal is the sync engine's decision, not this operation's.
func (lf *Lockfile) Sync(source *Lockfile, t LockType) {
	entries := source.All(t)
	lf.mu.Lock()
	defer lf.mu.Unlock()
	sec := lf.section(t)
	for _, e := range entries {
		sec[e.ID] = e
	}
}

// ValidateIntegrity recomputes the integrity of the on-disk source archive
// for every pinned entry across all sections and reports the first
// mismatch found.
func (lf *Lockfile) ValidateIntegrity(sourceArchive func(id string) (string, error)) error {
	lf.mu.Lock()
	sections := [][]Entry{values(lf.regular), values(lf.build), values(lf.test)}
	lf.mu.Unlock()

	for _, entries := range sections {
		for _, e := range entries {
			if e.Integrity.Algorithm == "" {
				continue
			}
			path, err := sourceArchive(e.ID)
			if err != nil {
				return errors.Wrapf(err, "locating source archive for %q", e.ID)
			}
			f, err := os.Open(path)
			if err != nil {
				return errors.Wrapf(err, "opening source archive for %q", e.ID)
			}
			ok, err := e.Integrity.Verify(f)
			f.Close()
			if err != nil {
				return err
			}
			if !ok {
				return &integrity.MismatchError{Expected: e.Integrity}
			}
		}
	}
	return nil
}

func values(m map[string]Entry) []Entry {
	out := make([]Entry, 0, len(m))
	for _, e := range m {
		out = append(out, e)
	}
	return out
}

// Write persists the lockfile atomically: an exclusive flock guards
// against concurrent writers, and the new content is written to a temp
// file in the same directory before being renamed over the target, so a
// reader never observes a partially written file.
func (lf *Lockfile) Write() error {
	lf.mu.Lock()
	raw := rawLockfile{
		Version: formatVersion,
		Layout:  lf.layout,
		Regular: toRawMap(lf.regular),
		Build:   toRawMap(lf.build),
		Test:    toRawMap(lf.test),
	}
	lf.mu.Unlock()

	data, err := toml.Marshal(raw)
	if err != nil {
		return errors.Wrap(err, "encoding lockfile")
	}

	lockPath := lf.path + ".flock"
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return errors.Wrap(err, "acquiring lockfile write guard")
	}
	if !locked {
		return &luxerr.LockContendedError{Path: lf.path}
	}
	defer fl.Unlock()

	dir := filepath.Dir(lf.path)
	tmp, err := os.CreateTemp(dir, ".lux.lock.*")
	if err != nil {
		return errors.Wrap(err, "creating temp file for lockfile write")
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "writing lockfile temp file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "closing lockfile temp file")
	}

	if err := os.Rename(tmpPath, lf.path); err != nil {
		return errors.Wrap(err, "renaming lockfile temp file into place")
	}
	return nil
}

func toRawMap(m map[string]Entry) map[string]rawEntry {
	out := make(map[string]rawEntry, len(m))
	for k, e := range m {
		out[k] = toRaw(e)
	}
	return out
}
