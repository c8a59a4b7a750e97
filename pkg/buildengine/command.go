package buildengine

import (
	"bytes"
	"context"
	"os/exec"

	"github.com/pkg/errors"
	"mvdan.cc/sh/v3/shell"
)

// CommandBackend shell-splits the substituted build and install commands
// and runs them in build_dir. Status and both
// output streams are carried on failure.
type CommandBackend struct{}

// CommandError carries a failed command's exit status and captured
// stdout/stderr separately, so callers can surface the streams intact.
type CommandError struct {
	Command string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	return errors.Wrapf(e.Err, "command %q failed: stdout=%q stderr=%q", e.Command, e.Stdout, e.Stderr).Error()
}

func (e *CommandError) Unwrap() error { return e.Err }

func (b *CommandBackend) Run(ctx context.Context, args BuildArgs) (*BuildInfo, error) {
	if err := applyPatches(args.BuildDir, args.Spec.Patches); err != nil {
		return nil, err
	}

	cmdSpec := args.Spec.Command
	if cmdSpec.BuildCommand != "" {
		if err := runShellCommand(ctx, args, cmdSpec.BuildCommand); err != nil {
			return nil, err
		}
	}
	if cmdSpec.InstallCommand != "" && !args.NoInstall {
		if err := runShellCommand(ctx, args, cmdSpec.InstallCommand); err != nil {
			return nil, err
		}
	}

	info := &BuildInfo{}
	if err := runInstallStep(args, info); err != nil {
		return nil, err
	}
	return info, nil
}

func runShellCommand(ctx context.Context, args BuildArgs, command string) error {
	expanded, err := expandPath(command, args.Providers)
	if err != nil {
		return err
	}
	fields, err := shell.Fields(expanded, nil)
	if err != nil {
		return errors.Wrapf(err, "splitting command %q", expanded)
	}
	if len(fields) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Dir = args.BuildDir
	cmd.Env = buildEnv(args)
	stdout, stderr, err := runCaptured(cmd)
	if err != nil {
		return &CommandError{Command: expanded, Stdout: stdout, Stderr: stderr, Err: err}
	}
	return nil
}

func runCaptured(cmd *exec.Cmd) (stdout, stderr string, err error) {
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	err = cmd.Run()
	return outBuf.String(), errBuf.String(), err
}
