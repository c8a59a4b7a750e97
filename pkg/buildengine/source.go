package buildengine

import "context"

// SourceBackend implements the Source build backend: a no-op
// build step. It exists for packages that carry nothing but a prebuilt
// layout to copy into place via the shared install table and
// copy_directories, already handled by runInstallStep.
type SourceBackend struct{}

func (b *SourceBackend) Run(ctx context.Context, args BuildArgs) (*BuildInfo, error) {
	if err := applyPatches(args.BuildDir, args.Spec.Patches); err != nil {
		return nil, err
	}

	info := &BuildInfo{}
	if err := runInstallStep(args, info); err != nil {
		return nil, err
	}
	return info, nil
}
