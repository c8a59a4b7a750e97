package buildengine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/rockspec"
)

// CommandNotFoundError is raised when a build backend needs an external
// tool (a C compiler, make, cmake) and none of the candidates it probed
// are on PATH.
type CommandNotFoundError struct {
	Tool       string
	Candidates []string
}

func (e *CommandNotFoundError) Error() string {
	if len(e.Candidates) == 0 {
		return fmt.Sprintf("%s not found on PATH", e.Tool)
	}
	return fmt.Sprintf("%s not found on PATH (tried %s)", e.Tool, strings.Join(e.Candidates, ", "))
}

// CompileFailedError is raised when an external build command (a compiler
// invocation, make, cmake) exits non-zero, carrying its captured output and
// exit status separately rather than folding them into a generic wrapped
// string.
type CompileFailedError struct {
	Command string
	Output  string
	Status  int
	Err     error
}

func (e *CompileFailedError) Error() string {
	return fmt.Sprintf("%s: exit status %d: %s", e.Command, e.Status, e.Output)
}

func (e *CompileFailedError) Unwrap() error {
	return e.Err
}

// exitStatus extracts the process exit code from an *exec.ExitError,
// falling back to -1 for failures that never reached exec (e.g. the binary
// itself was missing).
func exitStatus(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// runCommand runs cmd, returning a CommandNotFoundError if the binary
// itself couldn't be located, or a CompileFailedError carrying its combined
// output and exit status on non-zero exit.
func runCommand(cmd *exec.Cmd, label string) error {
	out, err := cmd.CombinedOutput()
	if err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) {
			return &CommandNotFoundError{Tool: cmd.Path}
		}
		return &CompileFailedError{Command: label, Output: string(out), Status: exitStatus(err), Err: err}
	}
	return nil
}

// toolchain abstracts the C compiler invocation needed to turn one or more
// native sources into a shared library a runtime's require() can load,
// with one set of link flags per object format.
type toolchain struct {
	cc     string
	goos   string
	cflags []string
}

// discoverToolchain finds a usable C compiler, honouring an explicit CC
// override from Config.Variables and otherwise taking the first of "cc",
// "gcc", "clang", "musl-gcc" found on PATH. Compile flags default to
// warnings-suppressed -O3 unless CFLAGS overrides them, from config first,
// then the environment.
func discoverToolchain(cfg map[string]string) (*toolchain, error) {
	cflags := []string{"-O3", "-w"}
	if override := firstNonEmptyEnv(cfg["CFLAGS"], os.Getenv("CFLAGS")); override != "" {
		cflags = strings.Fields(override)
	}

	if cc := cfg["CC"]; cc != "" {
		return &toolchain{cc: cc, goos: runtime.GOOS, cflags: cflags}, nil
	}
	candidates := []string{"cc", "gcc", "clang", "musl-gcc"}
	for _, candidate := range candidates {
		if path, err := exec.LookPath(candidate); err == nil {
			return &toolchain{cc: path, goos: runtime.GOOS, cflags: cflags}, nil
		}
	}
	return nil, &CommandNotFoundError{Tool: "C compiler", Candidates: candidates}
}

// dylibExt is the platform-appropriate shared-library extension.
func dylibExt(goos string) string {
	switch goos {
	case "windows":
		return ".dll"
	case "darwin":
		return ".dylib"
	default:
		return ".so"
	}
}

// linkFlags returns the platform-specific flags needed to produce a
// loadable module from object files: -shared on ELF, -bundle
// -undefined dynamic_lookup on Mach-O, /LD on MSVC.
func (t *toolchain) linkFlags() []string {
	switch t.goos {
	case "darwin":
		return []string{"-bundle", "-undefined", "dynamic_lookup"}
	case "windows":
		if base := strings.ToLower(filepath.Base(t.cc)); base == "cl" || base == "cl.exe" {
			return []string{"/LD"}
		}
		return []string{"-shared"}
	default:
		return []string{"-shared", "-fPIC"}
	}
}

// moduleDefName returns the exported luaopen_ entry point for a module
// path, with any leading hyphen stripped so the exported symbol stays a
// valid C identifier.
func moduleDefName(modulePath string) string {
	name := strings.ReplaceAll(modulePath, ".", "_")
	name = strings.TrimPrefix(name, "-")
	return "luaopen_" + name
}

// compileModule links sources (plus includes/defines/extra libs) into one
// shared library at outPath, using the toolchain's compile flags
// (warnings-suppressed -O3 unless CFLAGS overrode them).
func (t *toolchain) compileModule(ctx context.Context, modulePath string, mod rockspec.ModulePathSources, outPath string, workDir string) error {
	args := append([]string{}, t.cflags...)
	for _, inc := range mod.Includes {
		args = append(args, "-I"+inc)
	}
	for _, def := range mod.Defines {
		args = append(args, "-D"+def)
	}
	args = append(args, t.linkFlags()...)
	args = append(args, "-o", outPath)
	args = append(args, mod.Sources...)
	for _, dir := range mod.LibDirs {
		args = append(args, "-L"+dir)
	}
	for _, lib := range mod.Libraries {
		args = append(args, "-l"+lib)
	}

	if t.goos == "windows" {
		defPath := filepath.Join(workDir, filepath.Base(outPath)+".def")
		defContent := "LIBRARY\nEXPORTS\n  " + moduleDefName(modulePath) + "\n"
		if err := os.WriteFile(defPath, []byte(defContent), 0o644); err != nil {
			return errors.Wrap(err, "writing module .def file")
		}
		args = append(args, defPath)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, t.cc, args...)
	cmd.Dir = workDir
	return runCommand(cmd, fmt.Sprintf("compiling module %q", modulePath))
}
