package installer

import (
	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/tree"
	"github.com/lux-pm/lux/pkg/vars"
)

// layoutProviders builds the RockLayout and Lua-installation provider
// layers of the ordered provider chain; buildengine.Run appends the
// external-deps, config, and environment layers itself.
func layoutProviders(layout tree.RockLayout, cfg luxconfig.Config) []vars.Provider {
	rockLayout := vars.MapProvider{
		"PREFIX":  layout.Root,
		"LIBDIR":  layout.Lib,
		"LUADIR":  layout.Src,
		"BINDIR":  layout.Bin,
		"CONFDIR": layout.Conf,
		"DOCDIR":  layout.Doc,
	}
	return []vars.Provider{rockLayout, luaInstallationProvider(cfg)}
}

// luaInstallationProvider answers LUA_INCDIR/LUA_LIBDIR/LUA/LUALIB from
// explicit config overrides, falling back to the bare interpreter name so
// an unconfigured build still has something to substitute.
func luaInstallationProvider(cfg luxconfig.Config) vars.Provider {
	interpreter := cfg.Variables["LUA_INTERPRETER"]
	if interpreter == "" {
		interpreter = "lua"
	}
	m := vars.MapProvider{"LUA": interpreter}
	for _, key := range []string{"LUA_INCDIR", "LUA_LIBDIR", "LUALIB"} {
		if v := cfg.Variables[key]; v != "" {
			m[key] = v
		}
	}
	return m
}
