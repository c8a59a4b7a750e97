package semver

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// InvalidRequirementError is raised when a "name op version" dependency
// string can't be parsed at all: empty, or matching none of the recognized
// shapes.
type InvalidRequirementError struct {
	Input  string
	Reason string
}

func (e *InvalidRequirementError) Error() string {
	if e.Input == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %q", e.Reason, e.Input)
}

// PackageReq is "name op version" or a bare "name" (Any requirement), the
// form used in dependency lists throughout the manifest and lockfile.
type PackageReq struct {
	Name PackageName
	Req  PackageVersionReq
}

// ParsePackageReq parses strings like "penlight >= 1.5" or "say".
func ParsePackageReq(s string) (PackageReq, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return PackageReq{}, &InvalidRequirementError{Reason: "empty package requirement"}
	}

	for _, ot := range opTokens {
		if idx := strings.Index(s, ot.tok); idx > 0 {
			name := strings.TrimSpace(s[:idx])
			req, err := ParseReq(s[idx:])
			if err != nil {
				return PackageReq{}, errors.Wrapf(err, "parsing requirement %q", s)
			}
			return PackageReq{Name: NewPackageName(name), Req: req}, nil
		}
	}

	fields := strings.Fields(s)
	if len(fields) == 1 {
		return PackageReq{Name: NewPackageName(fields[0]), Req: Any()}, nil
	}
	if len(fields) == 2 {
		req, err := ParseReq(fields[1])
		if err != nil {
			return PackageReq{}, err
		}
		return PackageReq{Name: NewPackageName(fields[0]), Req: req}, nil
	}

	return PackageReq{}, &InvalidRequirementError{Input: s, Reason: "malformed package requirement"}
}

func (r PackageReq) String() string {
	if r.Req.IsAny() {
		return r.Name.String()
	}
	return r.Name.String() + " " + r.Req.String()
}

// Matches reports whether the given version satisfies this requirement for
// the named package. Callers are expected to have already checked the name.
func (r PackageReq) Matches(v PackageVersion) bool {
	return r.Req.Matches(v)
}
