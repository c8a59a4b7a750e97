package buildengine

import (
	"os"
	"os/exec"
	"strings"

	"github.com/lux-pm/lux/pkg/rockspec"
)

// ExternalDependencyNotFoundError is raised by the common prelude when a
// required external dependency cannot be located by any of the
// probe strategies.
type ExternalDependencyNotFoundError struct {
	Name string
}

func (e *ExternalDependencyNotFoundError) Error() string {
	return "external dependency not found: " + e.Name
}

// ExternalDependencyInfo is what a successful probe resolves a named
// external dependency to: its include and library search directories, fed
// back into the variable-substitution providers as <NAME>_INCDIR etc.
type ExternalDependencyInfo struct {
	Prefix string
	IncDir string
	LibDir string
	BinDir string
}

// probeExternalDependencies resolves every entry in deps against pkg-config
// first, falling back to an explicit prefix/inc/lib override carried in
// config or the <NAME>_DIR/<NAME>_INCDIR/<NAME>_LIBDIR environment
// variables. A dependency naming neither a
// header nor a library is treated as optional documentation and skipped.
func probeExternalDependencies(deps map[string]rockspec.ExternalDependencySpec, cfg map[string]string) (map[string]ExternalDependencyInfo, error) {
	out := make(map[string]ExternalDependencyInfo, len(deps))
	for name, spec := range deps {
		if spec.Header == "" && spec.Library == "" {
			continue
		}
		info, ok := probeOne(name, cfg)
		if !ok {
			return nil, &ExternalDependencyNotFoundError{Name: name}
		}
		out[name] = info
	}
	return out, nil
}

func probeOne(name string, cfg map[string]string) (ExternalDependencyInfo, bool) {
	upper := strings.ToUpper(name)

	if info, ok := probePkgConfig(name); ok {
		return info, true
	}

	prefix := firstNonEmptyEnv(cfg[upper+"_DIR"], os.Getenv(upper+"_DIR"))
	incDir := firstNonEmptyEnv(cfg[upper+"_INCDIR"], os.Getenv(upper+"_INCDIR"))
	libDir := firstNonEmptyEnv(cfg[upper+"_LIBDIR"], os.Getenv(upper+"_LIBDIR"))
	binDir := firstNonEmptyEnv(cfg[upper+"_BINDIR"], os.Getenv(upper+"_BINDIR"))

	if prefix == "" && incDir == "" && libDir == "" {
		return ExternalDependencyInfo{}, false
	}
	if prefix != "" {
		if incDir == "" {
			incDir = prefix + "/include"
		}
		if libDir == "" {
			libDir = prefix + "/lib"
		}
	}
	return ExternalDependencyInfo{Prefix: prefix, IncDir: incDir, LibDir: libDir, BinDir: binDir}, true
}

// probePkgConfig shells out to pkg-config, the first probe strategy
// tried for every external dependency.
func probePkgConfig(name string) (ExternalDependencyInfo, bool) {
	path, err := exec.LookPath("pkg-config")
	if err != nil {
		return ExternalDependencyInfo{}, false
	}
	if err := exec.Command(path, "--exists", name).Run(); err != nil {
		return ExternalDependencyInfo{}, false
	}
	incOut, err := exec.Command(path, "--cflags-only-I", name).Output()
	if err != nil {
		return ExternalDependencyInfo{}, false
	}
	libOut, err := exec.Command(path, "--libs-only-L", name).Output()
	if err != nil {
		return ExternalDependencyInfo{}, false
	}
	return ExternalDependencyInfo{
		IncDir: strings.TrimPrefix(strings.TrimSpace(string(incOut)), "-I"),
		LibDir: strings.TrimPrefix(strings.TrimSpace(string(libOut)), "-L"),
	}, true
}

func firstNonEmptyEnv(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// externalDepsToMap flattens a probed ExternalDependencyInfo map down to
// the <NAME>_DIR/<NAME>_INCDIR/<NAME>_LIBDIR/<NAME>_BINDIR keys the
// external-deps variable provider answers from.
func externalDepsToMap(infos map[string]ExternalDependencyInfo) map[string]string {
	out := make(map[string]string, len(infos)*4)
	for name, info := range infos {
		upper := strings.ToUpper(name)
		if info.Prefix != "" {
			out[upper+"_DIR"] = info.Prefix
		}
		if info.IncDir != "" {
			out[upper+"_INCDIR"] = info.IncDir
		}
		if info.LibDir != "" {
			out[upper+"_LIBDIR"] = info.LibDir
		}
		if info.BinDir != "" {
			out[upper+"_BINDIR"] = info.BinDir
		}
	}
	return out
}
