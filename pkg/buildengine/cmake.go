package buildengine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/vars"
)

// CMakeBackend configures, builds, and installs via CMake.
type CMakeBackend struct{}

func (b *CMakeBackend) Run(ctx context.Context, args BuildArgs) (*BuildInfo, error) {
	if err := applyPatches(args.BuildDir, args.Spec.Patches); err != nil {
		return nil, err
	}

	cm := args.Spec.CMake
	if cm.CMakeListsContent != "" {
		if err := os.WriteFile(filepath.Join(args.BuildDir, "CMakeLists.txt"), []byte(cm.CMakeListsContent), 0o644); err != nil {
			return nil, errors.Wrap(err, "writing CMakeLists.txt")
		}
	}

	outOfSource := filepath.Join(args.BuildDir, "build.lux")
	if err := os.MkdirAll(outOfSource, 0o755); err != nil {
		return nil, err
	}

	configureArgs := []string{"-S", args.BuildDir, "-B", outOfSource}
	if runtime.GOOS == "windows" && runtime.GOARCH == "amd64" && args.Config.Variables["CMAKE_GENERATOR"] == "" {
		configureArgs = append(configureArgs, "-A", "x64")
	}
	cmVars, err := vars.ExpandAll(cm.Variables, args.Providers...)
	if err != nil {
		return nil, err
	}
	for k, v := range cmVars {
		configureArgs = append(configureArgs, "-D"+k+"="+v)
	}
	if err := runCMake(ctx, args, configureArgs); err != nil {
		return nil, errors.Wrap(err, "cmake configure")
	}

	if cm.BuildPass {
		if err := runCMake(ctx, args, []string{"--build", outOfSource, "--config", "Release"}); err != nil {
			return nil, errors.Wrap(err, "cmake build")
		}
	}

	info := &BuildInfo{}
	if cm.InstallPass && !args.NoInstall {
		if err := runCMake(ctx, args, []string{"--build", outOfSource, "--target", "install", "--config", "Release"}); err != nil {
			return nil, errors.Wrap(err, "cmake install")
		}
	}

	if err := runInstallStep(args, info); err != nil {
		return nil, err
	}
	return info, nil
}

func runCMake(ctx context.Context, args BuildArgs, cmakeArgs []string) error {
	bin := args.Config.Variables["CMAKE"]
	if bin == "" {
		bin = "cmake"
	}
	cmd := exec.CommandContext(ctx, bin, cmakeArgs...)
	cmd.Dir = args.BuildDir
	cmd.Env = buildEnv(args)
	return runCommand(cmd, "cmake "+strings.Join(cmakeArgs, " "))
}
