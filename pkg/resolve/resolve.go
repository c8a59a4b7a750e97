// Package resolve implements the dependency resolver: given a set of root
// requirements, it walks the dependency graph via the registry, dedupes
// repeated requests that resolve to the same package version (keyed by
// normalized name and version), and streams each resolved install as it becomes available.
package resolve

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/lux-pm/lux/pkg/lockfile"
	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/platform"
	"github.com/lux-pm/lux/pkg/registry"
	"github.com/lux-pm/lux/pkg/rockspec"
	"github.com/lux-pm/lux/pkg/semver"
)

// ManifestFetcher retrieves and parses the manifest for one resolved
// version, decoupling the resolver from the transport used to fetch it
// (registries hand back a manifest URL, not the manifest itself).
type ManifestFetcher interface {
	FetchManifest(ctx context.Context, entry registry.VersionEntry) (*rockspec.Manifest, error)
}

// Request is one root dependency to resolve, e.g. a project's direct
// `dependencies` entry.
type Request struct {
	Req        semver.PackageReq
	LockType   lockfile.LockType
	Entrypoint bool
	Pin        bool
	Opt        bool
}

// ResolvedInstall is one node of the resolved dependency graph: a concrete
// package version plus the platform-resolved manifest view needed to fetch
// and build it.
type ResolvedInstall struct {
	ID           string
	Name         string
	Version      semver.PackageVersion
	Manifest     *rockspec.Manifest
	Resolved     rockspec.ResolvedForPlatform
	LockType     lockfile.LockType
	Dependencies []string
	Entrypoint   bool
	Pin          bool
	Opt          bool
}

// Resolver walks a set of root requests to their full transitive dependency
// graph.
type Resolver struct {
	db       *registry.Database
	fetcher  ManifestFetcher
	platform luxconfig.Config
	logger   hclog.Logger
}

// New builds a Resolver over the given registry database and manifest
// fetcher.
func New(db *registry.Database, fetcher ManifestFetcher, cfg luxconfig.Config, logger hclog.Logger) *Resolver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Resolver{db: db, fetcher: fetcher, platform: cfg, logger: logger.Named("resolve")}
}

// inFlight tracks one id's resolution so concurrent branches of the graph
// that depend on the same package share a single fetch+parse instead of
// racing to do it twice.
type inFlight struct {
	done   chan struct{}
	result ResolvedInstall
	err    error
}

// Resolve walks every request to a fully resolved dependency graph,
// streaming each node on results as it completes and any failure on errs.
// Both channels are closed when the walk finishes.
func (r *Resolver) Resolve(ctx context.Context, requests []Request) (<-chan ResolvedInstall, <-chan error) {
	results := make(chan ResolvedInstall)
	errs := make(chan error, 1)

	go func() {
		defer close(results)
		defer close(errs)

		var mu sync.Mutex
		seen := make(map[string]*inFlight)

		g, gctx := errgroup.WithContext(ctx)
		for _, req := range requests {
			req := req
			g.Go(func() error {
				_, err := r.resolveOne(gctx, req.Req, req.LockType, req.Entrypoint, req.Pin, req.Opt, &mu, seen, results)
				return err
			})
		}

		if err := g.Wait(); err != nil {
			errs <- err
		}
	}()

	return results, errs
}

func (r *Resolver) resolveOne(
	ctx context.Context,
	req semver.PackageReq,
	lockType lockfile.LockType,
	entrypoint, pin, opt bool,
	mu *sync.Mutex,
	seen map[string]*inFlight,
	results chan<- ResolvedInstall,
) (string, error) {
	entry, err := r.db.Latest(ctx, req)
	if err != nil {
		return "", errors.Wrapf(err, "resolving %q", req.Name.String())
	}
	// dedupeKey identifies "the same resolution request" for in-flight
	// sharing, independent of the final content-addressed id (which also
	// depends on the requirement string, pin, and opt, not just the
	// resolved version).
	dedupeKey := req.Name.Normalized() + "@" + entry.Version.String()

	mu.Lock()
	if existing, ok := seen[dedupeKey]; ok {
		mu.Unlock()
		<-existing.done
		return existing.result.ID, existing.err
	}
	fl := &inFlight{done: make(chan struct{})}
	seen[dedupeKey] = fl
	mu.Unlock()

	fl.result, fl.err = r.resolveNode(ctx, req, *entry, lockType, entrypoint, pin, opt, mu, seen, results)
	close(fl.done)
	if fl.err != nil {
		return "", fl.err
	}

	select {
	case results <- fl.result:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return fl.result.ID, nil
}

func (r *Resolver) resolveNode(
	ctx context.Context,
	req semver.PackageReq,
	entry registry.VersionEntry,
	lockType lockfile.LockType,
	entrypoint, pin, opt bool,
	mu *sync.Mutex,
	seen map[string]*inFlight,
	results chan<- ResolvedInstall,
) (ResolvedInstall, error) {
	manifest, err := r.fetcher.FetchManifest(ctx, entry)
	if err != nil {
		return ResolvedInstall{}, errors.Wrapf(err, "fetching manifest for %q", req.Name.String())
	}

	platformID := r.platform.TargetPlatform
	if platformID == "" {
		platformID = platform.Current()
	}
	resolved := manifest.ResolveForPlatform(platformID)

	g, gctx := errgroup.WithContext(ctx)
	depIDs := make([]string, len(resolved.Dependencies))
	for i, dep := range resolved.Dependencies {
		i, dep := i, dep
		if dep.Req.Name.Normalized() == "lua" {
			continue
		}
		g.Go(func() error {
			depID, err := r.resolveOne(gctx, dep.Req, lockType, false, pin, opt, mu, seen, results)
			if err != nil {
				return err
			}
			depIDs[i] = depID
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return ResolvedInstall{}, err
	}

	filtered := depIDs[:0]
	for _, d := range depIDs {
		if d != "" {
			filtered = append(filtered, d)
		}
	}

	id := ContentAddressedID(req.Name.Normalized(), entry.Version, req.Req, pin, opt, manifest.RawContent, manifest.Source)

	return ResolvedInstall{
		ID:           id,
		Name:         req.Name.String(),
		Version:      entry.Version,
		Manifest:     manifest,
		Resolved:     resolved,
		LockType:     lockType,
		Dependencies: filtered,
		Entrypoint:   entrypoint,
		Pin:          pin,
		Opt:          opt,
	}, nil
}
