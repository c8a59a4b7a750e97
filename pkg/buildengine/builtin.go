package buildengine

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/karrick/godirwalk"
	"github.com/pkg/errors"

	"github.com/lux-pm/lux/internal/fsutil"
	"github.com/lux-pm/lux/pkg/rockspec"
)

// sourceExt is the module file extension autodetection looks for.
const sourceExt = ".lua"

// BuiltinBackend implements the builtin module backend: pure-Lua
// modules are copied into src/, native modules are compiled into lib/.
type BuiltinBackend struct{}

func (b *BuiltinBackend) Run(ctx context.Context, args BuildArgs) (*BuildInfo, error) {
	if err := applyPatches(args.BuildDir, args.Spec.Patches); err != nil {
		return nil, err
	}

	modules, err := autodetectModules(args.BuildDir, args.Spec.Modules)
	if err != nil {
		return nil, err
	}

	tc, err := discoverToolchain(args.Config.Variables)
	if err != nil && hasNativeModule(modules) {
		return nil, err
	}

	info := &BuildInfo{}
	ext := dylibExt(runtimeGOOS(args.Config.Variables))

	for modulePath, mod := range modules {
		switch mod.Kind {
		case rockspec.ModuleSourcePath:
			dest := filepath.Join(args.Output.Src, modulePathToRelPath(modulePath)+sourceExt)
			if isNativeSource(mod.Path) {
				out := filepath.Join(args.Output.Lib, modulePathToRelPath(modulePath)+ext)
				if err := tc.compileModule(ctx, modulePath, rockspec.ModulePathSources{Sources: []string{mod.Path}}, out, args.BuildDir); err != nil {
					return nil, err
				}
				info.InstalledFiles = append(info.InstalledFiles, out)
				continue
			}
			if err := copyModuleFile(args.BuildDir, mod.Path, dest); err != nil {
				return nil, err
			}
			info.InstalledFiles = append(info.InstalledFiles, dest)

		case rockspec.ModuleSourcePaths:
			out := filepath.Join(args.Output.Lib, modulePathToRelPath(modulePath)+ext)
			sources := make([]string, len(mod.Paths))
			copy(sources, mod.Paths)
			if err := tc.compileModule(ctx, modulePath, rockspec.ModulePathSources{Sources: sources}, out, args.BuildDir); err != nil {
				return nil, err
			}
			info.InstalledFiles = append(info.InstalledFiles, out)

		case rockspec.ModuleModulePaths:
			out := filepath.Join(args.Output.Lib, modulePathToRelPath(modulePath)+ext)
			if err := tc.compileModule(ctx, modulePath, mod.Mod, out, args.BuildDir); err != nil {
				return nil, err
			}
			info.InstalledFiles = append(info.InstalledFiles, out)
		}
	}

	binSrc := filepath.Join(args.BuildDir, "src", "bin")
	if entries, err := os.ReadDir(binSrc); err == nil {
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			dest := filepath.Join(args.Output.Bin, e.Name())
			if err := fsutil.CopyFile(filepath.Join(binSrc, e.Name()), dest); err != nil {
				return nil, err
			}
			if err := maybeWrapBinary(args, dest); err != nil {
				return nil, err
			}
			info.InstalledFiles = append(info.InstalledFiles, dest)
		}
	}

	if err := runInstallStep(args, info); err != nil {
		return nil, err
	}

	return info, nil
}

func runtimeGOOS(vars map[string]string) string {
	if goos := vars["GOOS"]; goos != "" {
		return goos
	}
	return runtime.GOOS
}

func hasNativeModule(modules map[string]rockspec.ModuleSource) bool {
	for _, m := range modules {
		switch m.Kind {
		case rockspec.ModuleSourcePaths, rockspec.ModuleModulePaths:
			return true
		case rockspec.ModuleSourcePath:
			if isNativeSource(m.Path) {
				return true
			}
		}
	}
	return false
}

func isNativeSource(path string) bool {
	return strings.HasSuffix(path, ".c") || strings.HasSuffix(path, ".cc") || strings.HasSuffix(path, ".cpp")
}

func modulePathToRelPath(modulePath string) string {
	return strings.ReplaceAll(modulePath, ".", string(filepath.Separator))
}

func copyModuleFile(buildDir, relPath, dest string) error {
	return installFile(filepath.Join(buildDir, relPath), dest)
}

// moduleFromFile builds a single-source ModulePathSources for an
// install.lib entry that names one native source file directly.
func moduleFromFile(absPath string) rockspec.ModulePathSources {
	return rockspec.ModulePathSources{Sources: []string{absPath}}
}

// autodetectModules walks src/, lua/, lib/ under buildDir for files named
// like source-language modules not already declared in declared, adding
// them under a dotted module path derived from their location.
// An "init.<ext>" file names module "<dir>.init".
func autodetectModules(buildDir string, declared map[string]rockspec.ModuleSource) (map[string]rockspec.ModuleSource, error) {
	modules := make(map[string]rockspec.ModuleSource, len(declared))
	for k, v := range declared {
		modules[k] = v
	}

	for _, root := range []string{"src", "lua", "lib"} {
		rootDir := filepath.Join(buildDir, root)
		if _, err := os.Stat(rootDir); err != nil {
			continue
		}
		err := godirwalk.Walk(rootDir, &godirwalk.Options{
			Unsorted: true,
			Callback: func(osPathname string, de *godirwalk.Dirent) error {
				if de.IsDir() || !strings.HasSuffix(osPathname, sourceExt) {
					return nil
				}
				rel, err := filepath.Rel(rootDir, osPathname)
				if err != nil {
					return err
				}
				modPath := relPathToModulePath(rel)
				if _, ok := modules[modPath]; ok {
					return nil
				}
				srcRel, err := filepath.Rel(buildDir, osPathname)
				if err != nil {
					return err
				}
				modules[modPath] = rockspec.ModuleSource{Kind: rockspec.ModuleSourcePath, Path: srcRel}
				return nil
			},
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walking %q for module autodetection", root)
		}
	}
	return modules, nil
}

// relPathToModulePath converts a slash/backslash relative file path to a
// dotted module path, collapsing a trailing "init.<ext>" to "<dir>.init".
func relPathToModulePath(rel string) string {
	rel = strings.TrimSuffix(rel, sourceExt)
	rel = strings.ReplaceAll(rel, string(filepath.Separator), "/")
	parts := strings.Split(rel, "/")
	return strings.Join(parts, ".")
}
