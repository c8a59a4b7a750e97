// Package buildengine dispatches a resolved BuildSpec to the concrete
// backend that knows how to turn a package's unpacked source into an
// installed tree entry: the builtin Lua/C-module backend, Make, CMake, a
// raw shell command pair, a no-op source-only backend, or a named legacy
// shim this implementation doesn't itself understand.
package buildengine

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/luxerr"
	"github.com/lux-pm/lux/pkg/rockspec"
	"github.com/lux-pm/lux/pkg/vars"
)

// Layout is the subset of a rock's on-disk tree layout a build backend
// writes into; it mirrors tree.RockLayout without buildengine depending on
// package tree, which in turn depends on buildengine's BuildInfo.
type Layout struct {
	Src  string
	Lib  string
	Bin  string
	Etc  string
	Doc  string
}

// BuildArgs is everything a Backend needs to do its work: where the source
// was unpacked, where to install into, the resolved build spec, and the
// variable providers used to expand any templated string it reads.
type BuildArgs struct {
	BuildDir   string
	Output     Layout
	Spec       rockspec.BuildSpec
	Deploy     rockspec.DeploySpec
	NoInstall  bool
	Entrypoint bool
	Config     luxconfig.Config

	// ExternalDependencies is the resolved-for-platform external-dependency
	// table from the manifest (headers/libraries required but not managed
	// by this package manager); Run probes each before dispatching.
	ExternalDependencies map[string]rockspec.ExternalDependencySpec

	Providers []vars.Provider
	Logger    hclog.Logger
}

// BuildInfo is what a successful Run reports back: every file the backend
// wrote into the output layout, used by the post-install cross-check
// against the declared install table.
type BuildInfo struct {
	InstalledFiles []string
}

// Backend is the dispatch target for one BuildBackendKind.
type Backend interface {
	Run(ctx context.Context, args BuildArgs) (*BuildInfo, error)
}

// Dispatch returns the Backend that implements kind.
func Dispatch(kind rockspec.BuildBackendKind) (Backend, error) {
	switch kind {
	case rockspec.BackendBuiltin:
		return &BuiltinBackend{}, nil
	case rockspec.BackendMake:
		return &MakeBackend{}, nil
	case rockspec.BackendCMake:
		return &CMakeBackend{}, nil
	case rockspec.BackendCommand:
		return &CommandBackend{}, nil
	case rockspec.BackendSource:
		return &SourceBackend{}, nil
	case rockspec.BackendLegacyShim:
		return &LegacyShimBackend{}, nil
	default:
		return nil, errors.Errorf("unknown build backend kind %d", kind)
	}
}

// Run resolves and invokes the backend named by args.Spec.Kind in one call,
// the entry point the installer uses. It runs the common prelude
// shared by every backend: probing external dependencies, then completing
// the variable-substitution provider chain with the external-deps,
// config, and environment layers (the caller supplies only the
// RockLayout/Lua-installation providers, which it alone knows how to
// build) before dispatching.
func Run(ctx context.Context, args BuildArgs) (*BuildInfo, error) {
	backend, err := Dispatch(args.Spec.Kind)
	if err != nil {
		return nil, err
	}

	probed, err := probeExternalDependencies(args.ExternalDependencies, args.Config.Variables)
	if err != nil {
		return nil, err
	}

	providers := make([]vars.Provider, 0, len(args.Providers)+3)
	providers = append(providers, args.Providers...)
	if len(probed) > 0 {
		providers = append(providers, vars.MapProvider(externalDepsToMap(probed)))
	}
	providers = append(providers, &args.Config, vars.EnvProvider)
	args.Providers = providers

	info, err := backend.Run(ctx, args)
	if err != nil {
		return nil, err
	}
	if err := validateInstallManifest(args, info); err != nil {
		return nil, err
	}
	return info, nil
}

// validateInstallManifest is the post-install cross-check: every file
// the rockspec's install
// table declares must actually have been written by the backend. A backend
// that reports success without writing a declared file is a defect worth
// surfacing, not silently installing a package that's missing a module.
func validateInstallManifest(args BuildArgs, info *BuildInfo) error {
	if args.NoInstall || info == nil {
		return nil
	}

	written := make(map[string]bool, len(info.InstalledFiles))
	for _, f := range info.InstalledFiles {
		written[f] = true
	}

	install := args.Spec.Install
	for _, entry := range install.Lua {
		dest := filepath.Join(args.Output.Src, modulePathToRelPath(entry.Dest)+sourceExt)
		if !written[dest] {
			return &luxerr.FilesystemError{Path: dest, Reason: "declared lua module was not written by the build backend"}
		}
	}
	for _, entry := range install.Bin {
		if dest := filepath.Join(args.Output.Bin, entry.Dest); !written[dest] {
			return &luxerr.FilesystemError{Path: dest, Reason: "declared binary was not written by the build backend"}
		}
	}
	for _, entry := range install.Conf {
		if dest := filepath.Join(args.Output.Etc, "conf", entry.Dest); !written[dest] {
			return &luxerr.FilesystemError{Path: dest, Reason: "declared config file was not written by the build backend"}
		}
	}
	for _, entry := range install.Lib {
		// Native modules gain a platform-specific extension (.so/.dylib/.dll)
		// between the declared dest and the file actually written, so this
		// checks by prefix rather than exact match.
		prefix := filepath.Join(args.Output.Lib, modulePathToRelPath(entry.Dest))
		found := false
		for f := range written {
			if strings.HasPrefix(f, prefix) {
				found = true
				break
			}
		}
		if !found {
			return &luxerr.FilesystemError{Path: prefix, Reason: "declared library module was not written by the build backend"}
		}
	}
	return nil
}

func expand(s string, providers []vars.Provider) (string, error) {
	if s == "" {
		return "", nil
	}
	return vars.Expand(s, providers...)
}

func logger(args BuildArgs) hclog.Logger {
	if args.Logger != nil {
		return args.Logger
	}
	return hclog.NewNullLogger()
}
