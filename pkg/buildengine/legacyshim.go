package buildengine

import (
	"context"
	"fmt"
)

// UnsupportedBackendError is raised when a rockspec names a legacy-tool
// build backend this implementation doesn't itself know how to drive.
type UnsupportedBackendError struct {
	BackendName string
}

func (e *UnsupportedBackendError) Error() string {
	return fmt.Sprintf("legacy build backend %q is not supported by this implementation", e.BackendName)
}

// LegacyShimBackend is the dispatch target for rockspecs naming an
// external, third-party build tool. Actually shelling out to an
// arbitrary named tool is out
// of scope here (there is no bundled registry of legacy tool invocations
// to drive it with); every legacy-shim rockspec surfaces a typed,
// actionable error instead of silently no-opping.
type LegacyShimBackend struct{}

func (b *LegacyShimBackend) Run(ctx context.Context, args BuildArgs) (*BuildInfo, error) {
	return nil, &UnsupportedBackendError{BackendName: args.Spec.Legacy.BackendName}
}
