// Package semver implements the version, version-requirement, and package
// name primitives shared by every other package in the module.
package semver

import "strings"

// PackageName is a case-insensitively compared package identifier. The
// canonical display form is whatever the caller originally supplied;
// equality and ordering always operate on the lowercased form.
type PackageName string

// NewPackageName wraps s unchanged as a PackageName. The original casing is
// preserved for display; Normalized returns the comparison form.
func NewPackageName(s string) PackageName {
	return PackageName(s)
}

// Normalized returns the lowercase form used for equality and ordering.
func (n PackageName) Normalized() string {
	return strings.ToLower(string(n))
}

// Equal reports whether n and other name the same package.
func (n PackageName) Equal(other PackageName) bool {
	return n.Normalized() == other.Normalized()
}

// Less orders names case-insensitively, for deterministic sorting.
func (n PackageName) Less(other PackageName) bool {
	return n.Normalized() < other.Normalized()
}

func (n PackageName) String() string {
	return string(n)
}
