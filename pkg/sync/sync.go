// Package sync implements the project-to-tree reconciliation routine of
// bringing a project's lux.lock in line with its manifest, and the
// tree lockfile in line with the project lockfile. The package's Go
// identifier is projsync, not sync, to avoid shadowing the standard
// library package of the same name in every file that imports it.
package projsync

import (
	"context"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/installer"
	"github.com/lux-pm/lux/pkg/lockfile"
	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/luxerr"
	"github.com/lux-pm/lux/pkg/registry"
	"github.com/lux-pm/lux/pkg/remove"
	"github.com/lux-pm/lux/pkg/resolve"
	"github.com/lux-pm/lux/pkg/semver"
	"github.com/lux-pm/lux/pkg/tree"
)

// Options controls the optional steps of one Sync call.
type Options struct {
	// ValidateIntegrity aborts the sync, before either lockfile is written,
	// if a package that Sync's step 3 adds to the tree (one recorded in the
	// project lockfile but missing from the tree lockfile) was fetched
	// from a non-reproducible source (a git branch with no tag or pinned
	// revision), since there is nothing stable to verify such a package
	// against. Entries already in the tree lockfile are not checked, and
	// neither are the packages step 5 installs for newly declared
	// dependencies.
	ValidateIntegrity bool
}

// Engine drives sync_dependencies/sync_test_dependencies/sync_build_dependencies
// for one project: a project lockfile (the source of truth for what the
// project wants) reconciled first against the manifest, then against a
// tree lockfile (the source of truth for what is actually installed).
type Engine struct {
	cfg         luxconfig.Config
	db          *registry.Database
	fetcher     resolve.ManifestFetcher
	tree        *tree.Tree
	projectLock *lockfile.Lockfile
	treeLock    *lockfile.Lockfile
	logger      hclog.Logger
}

// New builds a sync Engine over an already-loaded project lockfile and
// tree (with its own tree lockfile).
func New(cfg luxconfig.Config, db *registry.Database, fetcher resolve.ManifestFetcher, tr *tree.Tree, projectLock, treeLock *lockfile.Lockfile, logger hclog.Logger) *Engine {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Engine{
		cfg:         cfg,
		db:          db,
		fetcher:     fetcher,
		tree:        tr,
		projectLock: projectLock,
		treeLock:    treeLock,
		logger:      logger.Named("sync"),
	}
}

// Sync reconciles one lock-type end to end. requested is the project
// manifest's declared dependency set for that type, already extended by
// the caller with any implicit extras it owes (computing that set is the
// caller's job; everything else lives here).
func (e *Engine) Sync(ctx context.Context, t lockfile.LockType, requested []semver.PackageReq, opts Options) error {
	// Step 1: diff declared deps against the project lockfile's recorded
	// entrypoints, then drop the to_remove entries.
	toAdd, toRemove := e.projectLock.SyncPlan(requested, t)
	for _, entry := range toRemove {
		e.projectLock.Remove(t, entry.ID)
	}
	e.logger.Debug("computed sync plan", "lock_type", t.String(), "to_add", len(toAdd), "to_remove", len(toRemove))

	// Step 2: diff the project lockfile (now authoritative) against the
	// tree lockfile.
	projectEntries := e.projectLock.All(t)
	projectIDs := make(map[string]lockfile.Entry, len(projectEntries))
	for _, entry := range projectEntries {
		projectIDs[entry.ID] = entry
	}
	treeIDs := make(map[string]bool)
	for _, entry := range e.treeLock.All(t) {
		treeIDs[entry.ID] = true
	}

	var toInstall []installer.Request
	var addedIDs []string
	for id, entry := range projectIDs {
		if treeIDs[id] {
			continue
		}
		req, err := pinnedRequest(entry, t)
		if err != nil {
			return err
		}
		toInstall = append(toInstall, installer.Request{Req: req, Behaviour: installer.Force})
		addedIDs = append(addedIDs, id)
	}

	var toRemoveFromTree []string
	for id := range treeIDs {
		if _, ok := projectIDs[id]; !ok {
			toRemoveFromTree = append(toRemoveFromTree, id)
		}
	}

	// Step 3: execute installations and removals through the installer
	// and the remover, both targeting the tree lockfile.
	inst := installer.New(e.cfg, e.db, e.fetcher, e.tree, e.treeLock, e.logger)
	if len(toInstall) > 0 {
		if err := inst.Install(ctx, toInstall); err != nil {
			return errors.Wrap(err, "installing synced dependencies")
		}
	}
	if len(toRemoveFromTree) > 0 {
		rm := remove.New(e.tree, e.treeLock, e.logger)
		if err := rm.Remove(t, toRemoveFromTree); err != nil {
			return errors.Wrap(err, "removing packages no longer declared by the project")
		}
	}

	// Step 4: refuse the whole sync if integrity validation was requested
	// and any package step 3 just added to the tree for this lock-type came
	// from a non-reproducible source. Only the packages step 3 installed
	// (addedIDs) are checked, not every historical entry in the tree
	// lockfile, so a tree with an old non-reproducible entry and nothing
	// new to install still passes. Packages step 5 installs are not checked.
	if opts.ValidateIntegrity {
		for _, id := range addedIDs {
			entry, ok := e.treeLock.Get(t, id)
			if ok && entry.NonReproducible {
				return &luxerr.NonReproducibleSourceError{Package: entry.Name}
			}
		}
	}

	// Step 5: resolve newly declared dependencies that weren't already
	// pinned in the project lockfile against the default registry, and
	// record the result back into the project lockfile.
	if len(toAdd) > 0 {
		if err := e.installAndPin(ctx, t, toAdd); err != nil {
			return err
		}
	}

	// Step 6: flush both lockfiles atomically.
	if err := e.treeLock.Write(); err != nil {
		return errors.Wrap(err, "flushing tree lockfile")
	}
	if err := e.projectLock.Write(); err != nil {
		return errors.Wrap(err, "flushing project lockfile")
	}
	return nil
}

// pinnedRequest turns an already-recorded project lockfile entry into an
// install request pinned to its exact recorded version: the project
// lockfile is the source of truth here, not whatever the registry
// currently considers latest.
func pinnedRequest(entry lockfile.Entry, t lockfile.LockType) (resolve.Request, error) {
	exact, err := semver.ParseReq(entry.Version.String())
	if err != nil {
		return resolve.Request{}, errors.Wrapf(err, "pinning %q to its recorded version", entry.Name)
	}
	return resolve.Request{
		Req: semver.PackageReq{
			Name: semver.NewPackageName(entry.Name),
			Req:  exact,
		},
		LockType:   t,
		Entrypoint: entry.Entrypoint,
		Pin:        true,
	}, nil
}

// installAndPin resolves each newly declared requirement against the
// default remote database and, once installed, records the resulting
// entry as an entrypoint in the project lockfile.
func (e *Engine) installAndPin(ctx context.Context, t lockfile.LockType, toAdd []semver.PackageReq) error {
	reqs := make([]installer.Request, 0, len(toAdd))
	for _, req := range toAdd {
		reqs = append(reqs, installer.Request{
			Req:       resolve.Request{Req: req, LockType: t, Entrypoint: true},
			Behaviour: installer.NoForce,
		})
	}

	inst := installer.New(e.cfg, e.db, e.fetcher, e.tree, e.treeLock, e.logger)
	if err := inst.Install(ctx, reqs); err != nil {
		return errors.Wrap(err, "installing newly declared dependencies")
	}

	for _, req := range toAdd {
		satisfied := false
		for _, entry := range e.treeLock.FindRocks(t, req.Name.String()) {
			if req.Req.Matches(entry.Version) {
				e.projectLock.AddEntrypoint(t, entry)
				satisfied = true
			}
		}
		if !satisfied {
			return errors.Errorf("no installed version of %q satisfies %q after install", req.Name.String(), req.Req)
		}
	}
	return nil
}
