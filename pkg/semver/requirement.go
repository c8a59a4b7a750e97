package semver

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Op is one of the classical comparison operators a requirement atom can
// carry, plus the rockspec-specific "pessimistic" (~>) operator.
type Op uint8

const (
	OpEq Op = iota
	OpGte
	OpLte
	OpGt
	OpLt
	OpPessimistic // ~>
	OpNeq
)

func (o Op) String() string {
	switch o {
	case OpEq:
		return "=="
	case OpGte:
		return ">="
	case OpLte:
		return "<="
	case OpGt:
		return ">"
	case OpLt:
		return "<"
	case OpPessimistic:
		return "~>"
	case OpNeq:
		return "!="
	default:
		return "?"
	}
}

// Atom is a single "op version" comparison.
type Atom struct {
	Op      Op
	Version PackageVersion
}

// PackageVersionReq is a conjunction of Atoms, or the special Any
// requirement that matches everything but a dev version when a release is
// explicitly demanded.
type PackageVersionReq struct {
	any   bool
	atoms []Atom
}

// Any returns the requirement that matches every release version. It never
// matches a Dev version; only an equality atom naming a dev version does
// (see AcceptsDev).
func Any() PackageVersionReq {
	return PackageVersionReq{any: true}
}

// IsAny reports whether this requirement is the unconstrained Any.
func (r PackageVersionReq) IsAny() bool {
	return r.any && len(r.atoms) == 0
}

var opTokens = []struct {
	tok string
	op  Op
}{
	{"~>", OpPessimistic},
	{">=", OpGte},
	{"<=", OpLte},
	{"!=", OpNeq},
	{"==", OpEq},
	{">", OpGt},
	{"<", OpLt},
	{"=", OpEq},
}

// ParseReq parses one atom such as ">= 1.2.0" or "~> 2" or a bare version
// (treated as OpEq), or several comma-separated atoms that must all hold.
// A blank string is Any.
func ParseReq(s string) (PackageVersionReq, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Any(), nil
	}

	parts := strings.Split(s, ",")
	atoms := make([]Atom, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		atom, err := parseAtom(p)
		if err != nil {
			return PackageVersionReq{}, err
		}
		atoms = append(atoms, atom)
	}
	if len(atoms) == 0 {
		return Any(), nil
	}
	return PackageVersionReq{atoms: atoms}, nil
}

func parseAtom(s string) (Atom, error) {
	for _, ot := range opTokens {
		if strings.HasPrefix(s, ot.tok) {
			rest := strings.TrimSpace(s[len(ot.tok):])
			v, err := Parse(rest)
			if err != nil {
				return Atom{}, errors.Wrapf(err, "parsing version in requirement %q", s)
			}
			return Atom{Op: ot.op, Version: v}, nil
		}
	}
	v, err := Parse(s)
	if err != nil {
		return Atom{}, errors.Wrapf(err, "parsing version requirement %q", s)
	}
	return Atom{Op: OpEq, Version: v}, nil
}

func (r PackageVersionReq) String() string {
	if r.IsAny() {
		return ""
	}
	parts := make([]string, len(r.atoms))
	for i, a := range r.atoms {
		parts[i] = fmt.Sprintf("%s %s", a.Op, a.Version)
	}
	return strings.Join(parts, ", ")
}

// AcceptsDev reports whether this requirement explicitly admits the Dev
// version: true only when at least one atom names a Dev version, or the
// requirement is an explicit equality against dev/scm/git.
func (r PackageVersionReq) AcceptsDev() bool {
	for _, a := range r.atoms {
		if a.Version.IsDev() {
			return true
		}
	}
	return false
}

// Matches is total: it returns a definite answer for every version,
// including Opaque ones (which can satisfy only Any and "=="/"!=" atoms,
// compared as raw strings, since ordering is undefined for them).
func (r PackageVersionReq) Matches(v PackageVersion) bool {
	if r.IsAny() {
		return !v.IsDev()
	}
	for _, a := range r.atoms {
		if !matchAtom(a, v) {
			return false
		}
	}
	return true
}

func matchAtom(a Atom, v PackageVersion) bool {
	if v.IsDev() {
		return a.Version.IsDev() && a.Op == OpEq
	}
	if a.Version.IsDev() {
		return false
	}

	switch a.Op {
	case OpEq:
		return v.Equal(a.Version)
	case OpNeq:
		return !v.Equal(a.Version)
	case OpGte, OpLte, OpGt, OpLt:
		c, ok := v.Compare(a.Version)
		if !ok {
			return false
		}
		switch a.Op {
		case OpGte:
			return c >= 0
		case OpLte:
			return c <= 0
		case OpGt:
			return c > 0
		case OpLt:
			return c < 0
		}
	case OpPessimistic:
		return matchesPessimistic(v, a.Version)
	}
	return false
}

// matchesPessimistic implements "~> X[.Y[.Z]]": v must be >= the bound and
// less than the next value obtained by incrementing the last component
// given. "~> 2" allows 2.0.0 through <3.0.0; "~> 2.0" allows 2.0.0 through
// <2.1.0; "~> 2.0.0" allows 2.0.0 through <2.0.1.
func matchesPessimistic(v, bound PackageVersion) bool {
	if bound.kind != KindSemVer || v.kind != KindSemVer {
		return false
	}
	lower, ok := v.Compare(bound)
	if !ok || lower < 0 {
		return false
	}

	upper := pessimisticUpperBound(bound)
	c, ok := v.Compare(upper)
	return ok && c < 0
}

func pessimisticUpperBound(bound PackageVersion) PackageVersion {
	major := bound.semver.Major()
	minor := bound.semver.Minor()
	patch := bound.semver.Patch()

	// Components explicitly present in the original string decide which
	// position gets bumped: "~> 2" -> bump major; "~> 2.1" -> bump minor;
	// "~> 2.1.3" -> bump patch.
	switch strings.Count(bound.display, ".") {
	case 0:
		return MustParse(fmt.Sprintf("%d.0.0", major+1))
	case 1:
		return MustParse(fmt.Sprintf("%d.%d.0", major, minor+1))
	default:
		return MustParse(fmt.Sprintf("%d.%d.%d", major, minor, patch+1))
	}
}
