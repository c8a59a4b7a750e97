package luxconfig

import (
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/lux-pm/lux/pkg/platform"
)

// ExternalDependencySearchConfig carries the explicit prefix/inc/lib
// override paths an operator can set per external dependency name, the
// config-driven half of the external-dependency probe the build
// prelude runs.
type ExternalDependencySearchConfig struct {
	Prefix string
	IncDir string
	LibDir string
	BinDir string
}

// Config is the process-wide configuration threaded through the resolver,
// fetcher, and build backends: tree location, cache directory, network
// timeout, Lua runtime selection, and any user-supplied scalar overrides
// (MAKE, CMAKE, CFLAGS, ...) consulted as a last-resort variable
// provider.
type Config struct {
	TreeRoot       string
	CacheDir       string
	LuaVersion     *LuaVersion
	TargetPlatform platform.Identifier

	// Servers lists the remote manifest endpoints consulted in order;
	// DevServer is the optional mirror consulted first when DevServers is
	// on. OnlySources, when set, restricts lookups to servers whose URL
	// contains it; Namespace scopes every index lookup to one registry
	// namespace.
	Servers     []string
	DevServer   string
	DevServers  bool
	OnlySources string
	Namespace   string

	NetworkTimeout time.Duration

	ExternalDeps map[string]ExternalDependencySearchConfig

	// Variables holds arbitrary user-supplied key/value overrides such as
	// MAKE, CMAKE, CFLAGS, LIB_EXTENSION, OBJ_EXTENSION.
	Variables map[string]string

	Logger hclog.Logger
}

// Default returns a Config rooted at the user's cache/data directories,
// mirroring the defaults a fresh `lux` invocation would compute.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	cacheDir := filepath.Join(home, ".cache", "lux")
	treeRoot := filepath.Join(home, ".local", "share", "lux", "tree")

	return &Config{
		TreeRoot:       treeRoot,
		CacheDir:       cacheDir,
		Servers:        []string{"https://luarocks.org"},
		TargetPlatform: platform.Current(),
		NetworkTimeout: 30 * time.Second,
		ExternalDeps:   map[string]ExternalDependencySearchConfig{},
		Variables:      map[string]string{},
		Logger: hclog.New(&hclog.LoggerOptions{
			Name:  "lux",
			Level: hclog.Info,
		}),
	}, nil
}

// Get implements the vars.Provider interface for the Config's Variables map
// plus a handful of well-known scalar keys with sensible OS-derived
// defaults.
func (c *Config) Get(name string) (string, bool) {
	if v, ok := c.Variables[name]; ok {
		return v, true
	}
	switch name {
	case "LIB_EXTENSION":
		return defaultDylibExt(), true
	case "OBJ_EXTENSION":
		return defaultObjExt(), true
	}
	return "", false
}

func defaultDylibExt() string {
	switch goos() {
	case "windows":
		return "dll"
	case "darwin":
		return "dylib"
	default:
		return "so"
	}
}

func defaultObjExt() string {
	if goos() == "windows" {
		return "obj"
	}
	return "o"
}
