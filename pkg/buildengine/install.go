package buildengine

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/lux-pm/lux/internal/fsutil"
	"github.com/lux-pm/lux/pkg/vars"
)

// runInstallStep implements the install step shared by every backend:
// copy build.install's lua/lib/bin
// entries into the output layout, wrap entrypoint binaries, and copy
// copy_directories (besides doc/docs, handled separately) into etc/.
func runInstallStep(args BuildArgs, info *BuildInfo) error {
	if args.NoInstall {
		return nil
	}

	install := args.Spec.Install
	ext := dylibExt(runtimeGOOS(args.Config.Variables))
	tc, tcErr := discoverToolchain(args.Config.Variables)

	for _, entry := range install.Lua {
		// Install-table keys are module names, not paths: "foo.bar" lands
		// at <src>/foo/bar.lua so require("foo.bar") can load it.
		dest := filepath.Join(args.Output.Src, modulePathToRelPath(entry.Dest)+sourceExt)
		src, err := expandPath(entry.Src, args.Providers)
		if err != nil {
			return err
		}
		if err := installFile(filepath.Join(args.BuildDir, src), dest); err != nil {
			return errors.Wrapf(err, "installing lua module %q", entry.Dest)
		}
		info.InstalledFiles = append(info.InstalledFiles, dest)
	}

	for _, entry := range install.Lib {
		src, err := expandPath(entry.Src, args.Providers)
		if err != nil {
			return err
		}
		abs := filepath.Join(args.BuildDir, src)
		dest := filepath.Join(args.Output.Lib, modulePathToRelPath(entry.Dest)+ext)
		if isNativeSource(abs) {
			if tcErr != nil {
				return tcErr
			}
			if err := tc.compileModule(context.Background(), entry.Dest, moduleFromFile(abs), dest, args.BuildDir); err != nil {
				return err
			}
			info.InstalledFiles = append(info.InstalledFiles, dest)
			continue
		}
		if err := installFile(abs, dest); err != nil {
			return errors.Wrapf(err, "installing native module %q", entry.Dest)
		}
		info.InstalledFiles = append(info.InstalledFiles, dest)
	}

	for _, entry := range install.Bin {
		src, err := expandPath(entry.Src, args.Providers)
		if err != nil {
			return err
		}
		dest := filepath.Join(args.Output.Bin, entry.Dest)
		if err := fsutil.CopyFile(filepath.Join(args.BuildDir, src), dest); err != nil {
			return errors.Wrapf(err, "installing binary %q", entry.Dest)
		}
		if err := os.Chmod(dest, 0o755); err != nil {
			return err
		}
		info.InstalledFiles = append(info.InstalledFiles, dest)

		if err := maybeWrapBinary(args, dest); err != nil {
			return err
		}
	}

	for _, entry := range install.Conf {
		dest := filepath.Join(args.Output.Etc, "conf", entry.Dest)
		src, err := expandPath(entry.Src, args.Providers)
		if err != nil {
			return err
		}
		if err := installFile(filepath.Join(args.BuildDir, src), dest); err != nil {
			return errors.Wrapf(err, "installing config %q", entry.Dest)
		}
		info.InstalledFiles = append(info.InstalledFiles, dest)
	}

	return copyExtraDirectories(args, info)
}

// maybeWrapBinary applies the wrapping policy to one installed binary:
// entrypoints whose manifest asks for wrapped bin scripts get their script
// moved aside and replaced by an interpreter wrapper.
func maybeWrapBinary(args BuildArgs, dest string) error {
	if !args.Entrypoint || !args.Deploy.WrapBinScripts {
		return nil
	}
	unwrappedDir := filepath.Join(args.Output.Bin, "unwrapped")
	interpreter := args.Config.Variables["LUA_INTERPRETER"]
	if interpreter == "" {
		interpreter = "lua"
	}
	return WrapBinary(dest, unwrappedDir, dest, interpreter)
}

// copyExtraDirectories copies every entry in copy_directories (other than
// doc/docs, handled specially) into <etc>/, and either doc/ or docs/ into
// <doc>/.
func copyExtraDirectories(args BuildArgs, info *BuildInfo) error {
	for _, dir := range args.Spec.CopyDirectories {
		name := strings.TrimSuffix(dir, "/")
		if name == "doc" || name == "docs" {
			continue
		}
		src := filepath.Join(args.BuildDir, dir)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dest := filepath.Join(args.Output.Etc, filepath.Base(dir))
		if err := fsutil.CopyDir(src, dest); err != nil {
			return errors.Wrapf(err, "copying directory %q", dir)
		}
	}

	for _, candidate := range []string{"doc", "docs"} {
		src := filepath.Join(args.BuildDir, candidate)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := fsutil.CopyDir(src, args.Output.Doc); err != nil {
			return errors.Wrapf(err, "copying %q", candidate)
		}
		break
	}
	return nil
}

// installFile copies src to dest, creating dest's parent directories
// first; a module name like "foo.bar" resolves to a nested path whose
// directories don't exist until the first module lands there.
func installFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return fsutil.CopyFile(src, dest)
}

func expandPath(src string, providers []vars.Provider) (string, error) {
	if len(providers) == 0 {
		return src, nil
	}
	return vars.Expand(src, providers...)
}
