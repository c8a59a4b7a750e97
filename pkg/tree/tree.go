// Package tree implements the content-addressed on-disk install tree
// mapping a resolved package id to the set of
// directories a build backend writes into, distinct layouts for
// entrypoints versus plain dependencies, and the shared bin/ directory
// every installed package's wrappers and binaries land in.
package tree

import (
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/lux-pm/lux/internal/fsutil"
	"github.com/lux-pm/lux/pkg/buildengine"
	"github.com/lux-pm/lux/pkg/luxconfig"
)

// gitignoreContents is written at the tree root on first use so a tree
// dropped inside a project's working directory by mistake doesn't end up
// tracked by version control.
const gitignoreContents = "*\n"

// RockLayoutConfig is the tree-wide layout policy captured at first
// lockfile write: whether entrypoints collocate their etc/ directory
// under a shared root instead of their own per-package directory.
type RockLayoutConfig struct {
	// EntrypointSharedEtc, when true, routes every entrypoint's Etc
	// directory to a single <tree>/<lua>/etc/<name> instead of
	// <tree>/<lua>/<id>-<name>@<version>/etc, so configuration for the packages a project
	// actually declared is easy to find as a group.
	EntrypointSharedEtc bool
}

// RockLayout is the concrete set of directories one installed package
// writes into and reads from; buildengine.Layout is the narrower subset a
// build backend actually needs, kept free of a dependency on this package.
type RockLayout struct {
	Root string // <tree>/<lua>/<id>-<name>@<version>
	Src  string
	Lib  string
	Bin  string // shared across the whole tree, not per-package
	Etc  string
	Conf string
	Doc  string
}

// ToBuildLayout narrows a RockLayout to the fields a build backend
// consumes.
func (l RockLayout) ToBuildLayout() buildengine.Layout {
	return buildengine.Layout{Src: l.Src, Lib: l.Lib, Bin: l.Bin, Etc: l.Etc, Doc: l.Doc}
}

// Tree is one rooted install tree for a single Lua-compatibility version,
// e.g. <TreeRoot>/5.4/.
type Tree struct {
	root   string // <TreeRoot>/<lua-version>
	binDir string // shared bin/, sibling of every package directory
	cfg    RockLayoutConfig
}

// Open returns the Tree rooted at cfg.TreeRoot for the given Lua
// compatibility version, creating the root, its shared bin/, and the
// tree-wide .gitignore if they don't already exist.
func Open(cfg luxconfig.Config, luaCompat string, layout RockLayoutConfig) (*Tree, error) {
	root := filepath.Join(cfg.TreeRoot, luaCompat)
	bin := filepath.Join(root, "bin")
	for _, dir := range []string{root, bin, filepath.Join(bin, "unwrapped")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "creating tree directory %q", dir)
		}
	}

	gitignore := filepath.Join(cfg.TreeRoot, ".gitignore")
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		if err := os.MkdirAll(cfg.TreeRoot, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(gitignore, []byte(gitignoreContents), 0o644); err != nil {
			return nil, errors.Wrap(err, "writing tree .gitignore")
		}
	}

	return &Tree{root: root, binDir: bin, cfg: layout}, nil
}

// Root returns the tree's lua-version-scoped root directory.
func (t *Tree) Root() string { return t.root }

// LayoutConfig returns the rock-layout policy this tree was opened with.
func (t *Tree) LayoutConfig() RockLayoutConfig { return t.cfg }

// PackageDir returns the directory a package with the given content-
// addressed id and display name/version occupies, e.g.
// <root>/<id>-<name>@<version>.
func (t *Tree) PackageDir(id, name, version string) string {
	return filepath.Join(t.root, id+"-"+name+"@"+version)
}

// Layout returns the RockLayout for one installed package. Dependency-only
// packages always get the id-scoped per-package etc/ directory;
// entrypoints get the shared-etc variant when RockLayoutConfig requests
// it.
func (t *Tree) Layout(id, name, version string, entrypoint bool) RockLayout {
	pkgDir := t.PackageDir(id, name, version)
	etc := filepath.Join(pkgDir, "etc")
	if entrypoint && t.cfg.EntrypointSharedEtc {
		etc = filepath.Join(t.root, "etc", name)
	}
	return RockLayout{
		Root: pkgDir,
		Src:  filepath.Join(pkgDir, "src"),
		Lib:  filepath.Join(pkgDir, "lib"),
		Bin:  t.binDir,
		Etc:  etc,
		Conf: filepath.Join(etc, "conf"),
		Doc:  filepath.Join(etc, "doc"),
	}
}

// MkdirAll creates every directory a RockLayout names.
func (l RockLayout) MkdirAll() error {
	for _, dir := range []string{l.Root, l.Src, l.Lib, l.Bin, l.Etc, l.Conf, l.Doc} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return errors.Wrapf(err, "creating layout directory %q", dir)
		}
	}
	return nil
}

// ScratchDir returns a not-yet-renamed build directory for id, under a
// dedicated temp prefix so a cancelled install's leftovers are trivially
// garbage-collectable on the next run.
func (t *Tree) ScratchDir(id string) string {
	return filepath.Join(t.root, ".lux-scratch-"+id)
}

// FetchDir returns the scratch directory a package's source is fetched
// and unpacked into, distinct from ScratchDir (the final installed-layout
// staging area) so an archive that unpacks into a nested single directory
// doesn't get confused with the layout being assembled around it.
func (t *Tree) FetchDir(id string) string {
	return filepath.Join(t.root, ".lux-fetch-"+id)
}

// ScratchLayout returns the RockLayout a build/install step writes into
// before it is atomically renamed into place: everything but Bin is
// rooted under ScratchDir(id); Bin is always the tree's shared directory,
// since concurrent writers there are mediated by filename, not by
// directory isolation.
func (t *Tree) ScratchLayout(id, name, version string, entrypoint bool) RockLayout {
	root := t.ScratchDir(id)
	etc := filepath.Join(root, "etc")
	return RockLayout{
		Root: root,
		Src:  filepath.Join(root, "src"),
		Lib:  filepath.Join(root, "lib"),
		Bin:  t.binDir,
		Etc:  etc,
		Conf: filepath.Join(etc, "conf"),
		Doc:  filepath.Join(etc, "doc"),
	}
}

// Commit renames a scratch-built package directory into its final,
// content-addressed location, the last step of a successful install.
func (t *Tree) Commit(id, name, version string) error {
	return fsutil.RenameWithFallback(t.ScratchDir(id), t.PackageDir(id, name, version))
}

// DiscardScratch removes a scratch directory without committing it, for
// the cancellation/failure path.
func (t *Tree) DiscardScratch(id string) error {
	if err := os.RemoveAll(t.FetchDir(id)); err != nil {
		return err
	}
	return os.RemoveAll(t.ScratchDir(id))
}

// Remove deletes an installed package's directory. It does not touch
// shared bin/ entries; the caller (the remover in the sync engine) is
// responsible for unlinking any bin wrapper this package owned.
func (t *Tree) Remove(id, name, version string) error {
	return os.RemoveAll(t.PackageDir(id, name, version))
}

// Exists reports whether a package's directory is already present, the
// idempotence check the installer uses for the no-force fast path.
func (t *Tree) Exists(id, name, version string) bool {
	_, err := os.Stat(t.PackageDir(id, name, version))
	return err == nil
}
