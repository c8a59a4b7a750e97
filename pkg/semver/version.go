package semver

import (
	"fmt"
	"strconv"
	"strings"

	mmsemver "github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// Kind tags the variant a PackageVersion holds.
type Kind uint8

const (
	// KindSemVer is a fully parsed X.Y.Z[-pre][+build][-N] version.
	KindSemVer Kind = iota
	// KindDev is the literal "dev"/"scm"/"git" moving-target version.
	KindDev
	// KindOpaque is a version string that does not parse as SemVer, kept
	// verbatim so that equality still works against a registry's listing.
	KindOpaque
)

// PackageVersion is the tagged union {SemVer, Dev, Opaque} described in the
// data model: a rockspec version is either a real SemVer release (optionally
// carrying a rockspec "-N" revision), the literal dev marker, or some other
// string a source registry hands back unchanged.
type PackageVersion struct {
	kind    Kind
	semver  *mmsemver.Version
	rev     int // 0 means "no revision suffix"
	opaque  string
	display string
}

// Dev is the unordered, always-newest development version.
func Dev() PackageVersion {
	return PackageVersion{kind: KindDev, display: "dev"}
}

var devLiterals = map[string]bool{"scm": true, "dev": true, "git": true}

// Parse parses a version string of the form "X.Y.Z[-pre][+build][-N]",
// or one of the dev literals "scm", "dev", "git". Anything else is kept as
// an Opaque version rather than rejected, since remote manifests are free to
// advertise non-SemVer version strings.
func Parse(s string) (PackageVersion, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return PackageVersion{}, errors.New("empty version string")
	}
	if devLiterals[trimmed] {
		return PackageVersion{kind: KindDev, display: trimmed}, nil
	}

	core, rev, err := splitRevision(trimmed)
	if err != nil {
		return PackageVersion{}, err
	}

	if v, err := mmsemver.NewVersion(core); err == nil {
		return PackageVersion{kind: KindSemVer, semver: v, rev: rev, display: trimmed}, nil
	}

	return PackageVersion{kind: KindOpaque, opaque: trimmed, display: trimmed}, nil
}

// MustParse is Parse but panics on error; intended for literals in tests and
// hard-coded constraints such as a Lua-runtime compatibility floor.
func MustParse(s string) PackageVersion {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// splitRevision detects and strips a trailing "-N" rockspec revision, where N
// is a bare non-negative integer. This only applies after any SemVer
// pre-release/build metadata, so we only look for a final "-<digits>" group
// that isn't itself a pre-release identifier containing letters.
func splitRevision(s string) (core string, rev int, err error) {
	idx := strings.LastIndexByte(s, '-')
	if idx < 0 || idx == len(s)-1 {
		return s, 0, nil
	}
	tail := s[idx+1:]
	n, convErr := strconv.Atoi(tail)
	if convErr != nil || n < 0 {
		return s, 0, nil
	}
	// A purely numeric tail is always taken as the rockspec revision,
	// following the convention "<semver>-<revision>": "1.0.0-1" is release
	// 1.0.0 with revision 1, never a SemVer pre-release "1".
	return s[:idx], n, nil
}

// Kind reports the tag of this version.
func (v PackageVersion) Kind() Kind {
	return v.kind
}

// IsDev reports whether this is the dev/scm/git marker.
func (v PackageVersion) IsDev() bool {
	return v.kind == KindDev
}

// Revision returns the rockspec "-N" suffix, or 0 if none was present.
func (v PackageVersion) Revision() int {
	return v.rev
}

// String renders the canonical display form, including the "-N" revision
// suffix when present.
func (v PackageVersion) String() string {
	switch v.kind {
	case KindDev:
		if v.display != "" {
			return v.display
		}
		return "dev"
	case KindOpaque:
		return v.opaque
	default:
		base := v.semver.String()
		if v.rev > 0 {
			return fmt.Sprintf("%s-%d", base, v.rev)
		}
		return base
	}
}

// Equal reports value equality. Dev versions are only ever equal to other
// Dev versions (they carry no distinguishing payload); Opaque versions
// compare their raw strings; SemVer versions compare numerically including
// the revision suffix.
func (v PackageVersion) Equal(other PackageVersion) bool {
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindDev:
		return true
	case KindOpaque:
		return v.opaque == other.opaque
	default:
		return v.semver.Equal(other.semver) && v.rev == other.rev
	}
}

// Compare orders two versions. ok is false when the ordering is undefined,
// SemVer-vs-Opaque comparisons are undefined (only equality holds),
// and Dev is unordered against everything, including itself, except for
// equality. When ok is true, cmp follows the usual <0/0/>0 convention.
func (v PackageVersion) Compare(other PackageVersion) (cmp int, ok bool) {
	if v.kind == KindDev || other.kind == KindDev {
		return 0, false
	}
	if v.kind != other.kind {
		return 0, false
	}
	if v.kind == KindOpaque {
		return 0, false
	}
	if c := v.semver.Compare(other.semver); c != 0 {
		return c, true
	}
	switch {
	case v.rev < other.rev:
		return -1, true
	case v.rev > other.rev:
		return 1, true
	default:
		return 0, true
	}
}

// NewerForUpgrade reports whether v should be preferred over other when
// picking the "latest" version for an upgrade, honouring the rule that Dev
// is always considered newer than any release.
func (v PackageVersion) NewerForUpgrade(other PackageVersion) bool {
	if v.kind == KindDev && other.kind != KindDev {
		return true
	}
	if v.kind != KindDev && other.kind == KindDev {
		return false
	}
	if c, ok := v.Compare(other); ok {
		return c > 0
	}
	return false
}
