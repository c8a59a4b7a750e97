package buildengine

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/vars"
)

// MakeBackend runs the configured make command with substituted
// variables, then the install target unless NoInstall is set.
type MakeBackend struct{}

func (b *MakeBackend) Run(ctx context.Context, args BuildArgs) (*BuildInfo, error) {
	if err := applyPatches(args.BuildDir, args.Spec.Patches); err != nil {
		return nil, err
	}

	spec := args.Spec.Make
	info := &BuildInfo{}

	if spec.BuildPass {
		buildVars, err := vars.ExpandAll(spec.BuildVariables, args.Providers...)
		if err != nil {
			return nil, err
		}
		buildArgs := []string{}
		if spec.Makefile != "" {
			buildArgs = append(buildArgs, "-f", spec.Makefile)
		}
		if spec.BuildTarget != "" {
			buildArgs = append(buildArgs, spec.BuildTarget)
		}
		buildArgs = append(buildArgs, makeVarArgs(buildVars)...)
		if err := runMake(ctx, args, buildArgs); err != nil {
			return nil, errors.Wrap(err, "make build")
		}
	}

	if spec.InstallPass && !args.NoInstall {
		installVars, err := vars.ExpandAll(spec.InstallVariables, args.Providers...)
		if err != nil {
			return nil, err
		}
		installArgs := []string{}
		if spec.Makefile != "" {
			installArgs = append(installArgs, "-f", spec.Makefile)
		}
		installArgs = append(installArgs, "install")
		installArgs = append(installArgs, makeVarArgs(installVars)...)
		if err := runMake(ctx, args, installArgs); err != nil {
			return nil, errors.Wrap(err, "make install")
		}
	}

	if err := runInstallStep(args, info); err != nil {
		return nil, err
	}
	return info, nil
}

func makeVarArgs(kv map[string]string) []string {
	out := make([]string, 0, len(kv))
	for k, v := range kv {
		out = append(out, k+"="+v)
	}
	return out
}

// runMake invokes make in build_dir with PATH prepended by the build
// tree's bin/ and LUA_PATH/LUA_CPATH set from the output layout, so a
// Makefile can invoke already-installed build dependencies.
func runMake(ctx context.Context, args BuildArgs, makeArgs []string) error {
	makeBin := args.Config.Variables["MAKE"]
	if makeBin == "" {
		makeBin = "make"
	}
	cmd := exec.CommandContext(ctx, makeBin, makeArgs...)
	cmd.Dir = args.BuildDir
	cmd.Env = buildEnv(args)
	return runCommand(cmd, "make "+strings.Join(makeArgs, " "))
}

func buildEnv(args BuildArgs) []string {
	env := os.Environ()
	env = append(env,
		"LUA_PATH="+filepath.Join(args.Output.Src, "?.lua"),
		"LUA_CPATH="+filepath.Join(args.Output.Lib, "?"+dylibExt(runtimeGOOS(args.Config.Variables))),
		"PATH="+args.Output.Bin+string(os.PathListSeparator)+os.Getenv("PATH"),
	)
	return env
}
