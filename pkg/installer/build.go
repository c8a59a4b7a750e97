package installer

import (
	"context"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/buildengine"
	"github.com/lux-pm/lux/pkg/fetch"
	"github.com/lux-pm/lux/pkg/integrity"
	"github.com/lux-pm/lux/pkg/resolve"
)

// buildResult is what a successful buildOne leaves behind for its caller
// to fold into the lockfile entry it eventually writes.
type buildResult struct {
	// BinFiles is the subset of BuildInfo.InstalledFiles that landed in
	// the tree's shared bin/ directory — the only install paths that
	// remain valid after the scratch-root rename, and what a later
	// removal needs to unlink cleanly.
	BinFiles []string

	// Integrity is the fetched archive's content digest (zero value for
	// git/local sources, which have no single archive to hash).
	Integrity integrity.Integrity

	// NonReproducible marks a source fetched from a moving ref, per
	// fetch.Result.
	NonReproducible bool
}

// buildOne runs the fetch → build → install pipeline for a single resolved
// node and commits its scratch directory into the tree on success.
func (inst *Installer) buildOne(ctx context.Context, node resolve.ResolvedInstall) (buildResult, error) {
	fetchDir := inst.tree.FetchDir(node.ID)
	defer os.RemoveAll(fetchDir)

	fetchResult, err := fetch.Fetch(ctx, node.Manifest.Source, fetchDir)
	if err != nil {
		return buildResult{}, errors.Wrapf(err, "fetching source for %q", node.Name)
	}

	layout := inst.tree.ScratchLayout(node.ID, node.Name, node.Version.String(), node.Entrypoint)
	if err := layout.MkdirAll(); err != nil {
		return buildResult{}, err
	}

	args := buildengine.BuildArgs{
		BuildDir:             fetchResult.Dir,
		Output:               layout.ToBuildLayout(),
		Spec:                 node.Resolved.Build,
		Deploy:               node.Manifest.Deploy,
		Entrypoint:           node.Entrypoint,
		Config:               inst.cfg,
		ExternalDependencies: node.Resolved.ExternalDependencies,
		Providers:            layoutProviders(layout, inst.cfg),
		Logger:               inst.logger,
	}

	info, err := buildengine.Run(ctx, args)
	if err != nil {
		_ = inst.tree.DiscardScratch(node.ID)
		return buildResult{}, errors.Wrapf(err, "building %q", node.Name)
	}

	if err := inst.tree.Commit(node.ID, node.Name, node.Version.String()); err != nil {
		return buildResult{}, errors.Wrapf(err, "committing %q into tree", node.Name)
	}

	var binFiles []string
	for _, f := range info.InstalledFiles {
		if strings.HasPrefix(f, layout.Bin) {
			binFiles = append(binFiles, f)
		}
	}
	return buildResult{
		BinFiles:        binFiles,
		Integrity:       fetchResult.ArchiveIntegrity,
		NonReproducible: fetchResult.NonReproducible,
	}, nil
}
