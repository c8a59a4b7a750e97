// Package installer implements the install orchestrator: it
// drives the resolver, fetcher, build-backend dispatch, and tree layout to
// turn a batch of install requests into on-disk packages, then writes the
// tree lockfile atomically once every task in the batch has settled.
package installer

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/lockfile"
	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/luxerr"
	"github.com/lux-pm/lux/pkg/registry"
	"github.com/lux-pm/lux/pkg/resolve"
	"github.com/lux-pm/lux/pkg/tree"
)

// Behaviour selects whether a request the tree lockfile already satisfies
// is skipped (NoForce, the default) or resolved again (Force). Under either
// behaviour, a resolved package whose id already exists in the tree is
// reused as it is, not rebuilt.
type Behaviour uint8

const (
	NoForce Behaviour = iota
	Force
)

// Request is one install request: a package requirement plus its
// classification and pin/opt/force state.
type Request struct {
	Req       resolve.Request
	Behaviour Behaviour
}

// Installer orchestrates one install/sync batch. It is not safe for two
// concurrent batches to target the same tree lockfile; callers serialize
// batches themselves (the CLI layer, out of scope here).
type Installer struct {
	cfg     luxconfig.Config
	db      *registry.Database
	fetcher resolve.ManifestFetcher
	tree    *tree.Tree
	lock    *lockfile.Lockfile
	logger  hclog.Logger
}

// New builds an Installer over an already-open tree and tree lockfile. A
// nil db builds one from the config's server list.
func New(cfg luxconfig.Config, db *registry.Database, fetcher resolve.ManifestFetcher, tr *tree.Tree, lock *lockfile.Lockfile, logger hclog.Logger) *Installer {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if db == nil {
		db = registry.FromConfig(cfg, logger)
	}
	return &Installer{cfg: cfg, db: db, fetcher: fetcher, tree: tr, lock: lock, logger: logger.Named("installer")}
}

// taskResult is what one scheduled build/install task leaves behind once
// its own dependencies have completed and it has run (or been skipped).
type taskResult struct {
	err   error
	build buildResult
}

// batch is the shared, per-Install-call state every scheduled task reads
// and writes: a done signal and a result slot per node id, so any number
// of dependents (plus the final collector) can observe one task's outcome
// without racing on a single-delivery channel.
type batch struct {
	mu      sync.Mutex
	results map[string]taskResult
	done    map[string]chan struct{}
}

func newBatch(ids []string) *batch {
	b := &batch{
		results: make(map[string]taskResult, len(ids)),
		done:    make(map[string]chan struct{}, len(ids)),
	}
	for _, id := range ids {
		b.done[id] = make(chan struct{})
	}
	return b
}

func (b *batch) finish(id string, res taskResult) {
	b.mu.Lock()
	b.results[id] = res
	b.mu.Unlock()
	close(b.done[id])
}

// await blocks until id's task has finished and returns its result. It is
// safe to call from any number of goroutines for the same id.
func (b *batch) await(ctx context.Context, id string) (taskResult, error) {
	ch, ok := b.done[id]
	if !ok {
		// Not part of this batch (already satisfied by a prior batch, or
		// the Lua pseudo-dependency, which the resolver never emits) —
		// treat as vacuously successful.
		return taskResult{}, nil
	}
	select {
	case <-ch:
	case <-ctx.Done():
		return taskResult{}, ctx.Err()
	}
	b.mu.Lock()
	res := b.results[id]
	b.mu.Unlock()
	return res, nil
}

// Install runs the full pipeline: resolve, then for every resolved
// node schedule a task that waits on its dependencies' completion signals
// before fetching, building, and installing; finally it records every
// package that wasn't itself a failure or a descendant of one into the
// tree lockfile and flushes atomically.
func (inst *Installer) Install(ctx context.Context, requests []Request) error {
	if err := checkDuplicateEntrypoints(requests); err != nil {
		return err
	}

	resolveRequests := make([]resolve.Request, 0, len(requests))
	skipped := 0
	for _, req := range requests {
		if req.Behaviour == NoForce && inst.alreadySatisfied(req.Req) {
			skipped++
			continue
		}
		resolveRequests = append(resolveRequests, req.Req)
	}
	if len(resolveRequests) == 0 {
		inst.logger.Debug("nothing to resolve", "skipped", skipped)
		return nil
	}

	r := resolve.New(inst.db, inst.fetcher, inst.cfg, inst.logger)
	results, errs := r.Resolve(ctx, resolveRequests)

	nodes := make(map[string]resolve.ResolvedInstall)
	for node := range results {
		nodes[node.ID] = node
	}
	if err := <-errs; err != nil {
		return err
	}

	if err := detectCycle(nodes); err != nil {
		return err
	}

	ids := make([]string, 0, len(nodes))
	for id := range nodes {
		ids = append(ids, id)
	}
	b := newBatch(ids)

	var wg sync.WaitGroup
	for _, id := range ids {
		id := id
		node := nodes[id]
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.finish(id, inst.runTask(ctx, node, b))
		}()
	}
	wg.Wait()

	return inst.commit(nodes, b)
}

// runTask waits for every dependency id's completion signal, then fetches,
// builds, and installs this node unless it's already present in the tree.
func (inst *Installer) runTask(ctx context.Context, node resolve.ResolvedInstall, b *batch) taskResult {
	for _, dep := range node.Dependencies {
		res, err := b.await(ctx, dep)
		if err != nil {
			return taskResult{err: err}
		}
		if res.err != nil {
			return taskResult{err: errors.Errorf("dependency of %q failed to build", node.Name)}
		}
	}

	if inst.tree.Exists(node.ID, node.Name, node.Version.String()) {
		inst.logger.Debug("package already present, skipping build", "id", node.ID)
		if existing, ok := inst.lock.Get(node.LockType, node.ID); ok {
			return taskResult{build: buildResult{
				BinFiles:        existing.BinFiles,
				Integrity:       existing.Integrity,
				NonReproducible: existing.NonReproducible,
			}}
		}
		return taskResult{}
	}

	built, err := inst.buildOne(ctx, node)
	if err != nil {
		return taskResult{err: &luxerr.PackageError{Package: node.Name, Phase: luxerr.PhaseBuild, Err: err}}
	}
	return taskResult{build: built}
}

// detectCycle scans the resolved graph before any task is scheduled. A
// versioned registry cannot actually produce a cycle, but one would
// deadlock the per-id completion waits below, so it is rejected up front
// rather than trusted away.
func detectCycle(nodes map[string]resolve.ResolvedInstall) error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(nodes))
	var stack []string

	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case visiting:
			cycle := append([]string(nil), stack...)
			return &luxerr.CyclicDependencyError{Cycle: append(cycle, id)}
		case done:
			return nil
		}
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range nodes[id].Dependencies {
			if _, ok := nodes[dep]; !ok {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for id := range nodes {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// checkDuplicateEntrypoints enforces the precondition that all
// entrypoint requests within a single call name distinct packages.
func checkDuplicateEntrypoints(requests []Request) error {
	seen := make(map[string]bool)
	for _, req := range requests {
		if !req.Req.Entrypoint {
			continue
		}
		name := req.Req.Req.Name.Normalized()
		if seen[name] {
			return &luxerr.DuplicateEntrypointsError{Name: name}
		}
		seen[name] = true
	}
	return nil
}

// alreadySatisfied reports whether a request can be skipped outright:
// when the tree lockfile already records a package of the same name whose
// version satisfies the requirement.
func (inst *Installer) alreadySatisfied(req resolve.Request) bool {
	return len(inst.lock.FindMatching(req.LockType, req.Req)) > 0
}

// commit writes every package that built successfully (and was not the
// transitive ancestor of a failed build) to the tree lockfile; it
// returns the first failure encountered, annotated per package.
func (inst *Installer) commit(nodes map[string]resolve.ResolvedInstall, b *batch) error {
	failed := make(map[string]bool)
	var firstErr error
	for id := range nodes {
		res := b.results[id]
		if res.err != nil {
			failed[id] = true
			if firstErr == nil {
				firstErr = res.err
			}
		}
	}

	// Propagate failure to ancestors: any node that depends, transitively,
	// on a failed id is itself excluded from the lockfile write.
	changed := true
	for changed {
		changed = false
		for id, node := range nodes {
			if failed[id] {
				continue
			}
			for _, dep := range node.Dependencies {
				if failed[dep] {
					failed[id] = true
					changed = true
					break
				}
			}
		}
	}

	for id, node := range nodes {
		if failed[id] {
			continue
		}
		built := b.results[id].build
		entry := lockfile.Entry{
			ID:              id,
			Name:            node.Name,
			Version:         node.Version,
			Source:          node.Manifest.Source,
			Integrity:       built.Integrity,
			Dependencies:    node.Dependencies,
			Pinned:          node.Pin,
			BinFiles:        built.BinFiles,
			NonReproducible: built.NonReproducible,
		}
		if node.Entrypoint {
			inst.lock.AddEntrypoint(node.LockType, entry)
		} else {
			inst.lock.AddDependency(node.LockType, entry)
		}
	}

	inst.lock.CaptureLayoutConfig(lockfile.LayoutConfig{
		EntrypointSharedEtc: inst.tree.LayoutConfig().EntrypointSharedEtc,
	})
	if err := inst.lock.Write(); err != nil {
		return errors.Wrap(err, "flushing tree lockfile")
	}
	return firstErr
}
