// Package remove implements the counterpart to the installer: deleting a
// package's tree directory and unlinking the shared bin/ files it owned,
// then pruning whatever dependencies were only present to satisfy it.
package remove

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/lockfile"
	"github.com/lux-pm/lux/pkg/tree"
)

// Remover deletes installed packages from a tree and its lockfile.
type Remover struct {
	tree   *tree.Tree
	lock   *lockfile.Lockfile
	logger hclog.Logger
}

// New builds a Remover over an already-open tree and tree lockfile.
func New(tr *tree.Tree, lock *lockfile.Lockfile, logger hclog.Logger) *Remover {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Remover{tree: tr, lock: lock, logger: logger.Named("remove")}
}

// Remove deletes every named id from the tree and the lockfile section,
// then repeatedly prunes any dependency left with no remaining referrer.
func (r *Remover) Remove(t lockfile.LockType, ids []string) error {
	for _, id := range ids {
		if err := r.removeOne(t, id); err != nil {
			return err
		}
	}
	return r.pruneOrphans(t)
}

func (r *Remover) removeOne(t lockfile.LockType, id string) error {
	entry, ok := r.lock.Get(t, id)
	if !ok {
		return nil
	}
	if err := r.unlinkBinFiles(entry); err != nil {
		return err
	}
	if err := r.tree.Remove(entry.ID, entry.Name, entry.Version.String()); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing package directory for %q", entry.Name)
	}
	r.lock.Remove(t, id)
	r.logger.Debug("removed package", "id", id, "name", entry.Name)
	return nil
}

// unlinkBinFiles removes every shared bin/ path entry.BinFiles records,
// along with its bin/unwrapped/ counterpart when one was wrapped.
func (r *Remover) unlinkBinFiles(entry lockfile.Entry) error {
	for _, f := range entry.BinFiles {
		if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing bin file %q", f)
		}
		unwrapped := filepath.Join(filepath.Dir(f), "unwrapped", filepath.Base(f))
		if err := os.Remove(unwrapped); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "removing unwrapped bin file %q", unwrapped)
		}
	}
	return nil
}

// pruneOrphans repeatedly removes any non-entrypoint entry that nothing
// else in the section still depends on, until a fixed point: dependencies
// that were only present because of packages already removed are removed
// too.
func (r *Remover) pruneOrphans(t lockfile.LockType) error {
	for {
		entries := r.lock.All(t)
		referenced := make(map[string]bool, len(entries))
		for _, e := range entries {
			for _, dep := range e.Dependencies {
				referenced[dep] = true
			}
		}

		var orphans []string
		for _, e := range entries {
			if e.Entrypoint || referenced[e.ID] {
				continue
			}
			orphans = append(orphans, e.ID)
		}
		if len(orphans) == 0 {
			return nil
		}
		for _, id := range orphans {
			if err := r.removeOne(t, id); err != nil {
				return err
			}
		}
	}
}
