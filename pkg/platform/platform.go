// Package platform implements the PlatformIdentifier subset lattice and the
// PerPlatform<T> override-folding builder used across the manifest and
// build-spec types.
package platform

import (
	"runtime"
	"strings"
)

// Identifier is one of the known platform names a rockspec's platforms
// tables and PlatformSupport entries can reference.
type Identifier string

const (
	Unix      Identifier = "unix"
	Windows   Identifier = "windows"
	Linux     Identifier = "linux"
	MacOSX    Identifier = "macosx"
	FreeBSD   Identifier = "freebsd"
	NetBSD    Identifier = "netbsd"
	OpenBSD   Identifier = "openbsd"
	SunOS     Identifier = "solaris"
	Cygwin    Identifier = "cygwin"
	MinGW     Identifier = "mingw32"
	Win32     Identifier = "win32"
	MSYS      Identifier = "msys"
	RockRobot Identifier = "rock" // generic "no platform" marker, matches any
)

// supertypes maps an identifier to its immediate supertype, per the subset
// relations linux ⊂ unix, macosx ⊂ unix, and win32 ⊂ windows.
var supertypes = map[Identifier]Identifier{
	Linux:   Unix,
	MacOSX:  Unix,
	FreeBSD: Unix,
	NetBSD:  Unix,
	OpenBSD: Unix,
	SunOS:   Unix,
	Cygwin:  Unix,
	Win32:   Windows,
	MinGW:   Windows,
	MSYS:    Windows,
}

// Chain returns id and all of its supertypes, most specific first, e.g.
// Chain(Linux) = [linux, unix].
func Chain(id Identifier) []Identifier {
	chain := []Identifier{id}
	cur := id
	for {
		super, ok := supertypes[cur]
		if !ok {
			break
		}
		chain = append(chain, super)
		cur = super
	}
	return chain
}

// isSubsetOf reports whether a is equal to or a subtype (directly or
// transitively) of b.
func isSubsetOf(a, b Identifier) bool {
	for _, c := range Chain(a) {
		if c == b {
			return true
		}
	}
	return false
}

// Support is a PlatformSupport set: positive and negative platform atoms.
// is_supported(id) is true iff no negative supertype matches, and (no
// positive atoms exist at all, or some positive supertype matches).
type Support struct {
	Positive []Identifier
	Negative []Identifier
}

// IsSupported reports whether this support set admits id.
func (s Support) IsSupported(id Identifier) bool {
	for _, neg := range s.Negative {
		if isSubsetOf(id, neg) {
			return false
		}
	}
	if len(s.Positive) == 0 {
		return true
	}
	for _, pos := range s.Positive {
		if isSubsetOf(id, pos) {
			return true
		}
	}
	return false
}

// Current returns the Identifier for the platform this process is running
// on, the default target for a resolve/build/install unless the caller
// overrides it (e.g. Config.TargetPlatform names a cross-targeted identifier).
func Current() Identifier {
	switch runtime.GOOS {
	case "windows":
		return Windows
	case "darwin":
		return MacOSX
	case "linux":
		return Linux
	case "freebsd":
		return FreeBSD
	case "netbsd":
		return NetBSD
	case "openbsd":
		return OpenBSD
	case "solaris":
		return SunOS
	default:
		return Unix
	}
}

// ParseSupport builds a Support set from a map as read from a manifest's
// `supported_platforms` table: true entries are positive atoms, false
// entries are negative atoms.
func ParseSupport(entries map[string]bool) Support {
	var s Support
	for name, ok := range entries {
		id := Identifier(strings.ToLower(name))
		if ok {
			s.Positive = append(s.Positive, id)
		} else {
			s.Negative = append(s.Negative, id)
		}
	}
	return s
}
