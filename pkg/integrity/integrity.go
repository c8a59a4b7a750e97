// Package integrity implements subresource-integrity style content hashes:
// an algorithm identifier plus a base64 digest, e.g. "sha256-<base64>".
package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// Integrity is an immutable "<algorithm>-<base64 digest>" value.
type Integrity struct {
	Algorithm string
	Digest    string // base64 standard encoding
}

func newHash(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New(), nil
	case "sha512":
		return sha512.New(), nil
	default:
		return nil, errors.Errorf("unsupported integrity algorithm %q", algorithm)
	}
}

// Compute hashes r with the given algorithm ("sha256" or "sha512") and
// returns the resulting Integrity value.
func Compute(algorithm string, r io.Reader) (Integrity, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return Integrity{}, err
	}
	if _, err := io.Copy(h, r); err != nil {
		return Integrity{}, errors.Wrap(err, "hashing content for integrity")
	}
	return Integrity{
		Algorithm: algorithm,
		Digest:    base64.StdEncoding.EncodeToString(h.Sum(nil)),
	}, nil
}

// ComputeBytes is Compute over an in-memory byte slice.
func ComputeBytes(algorithm string, b []byte) (Integrity, error) {
	h, err := newHash(algorithm)
	if err != nil {
		return Integrity{}, err
	}
	h.Write(b)
	return Integrity{
		Algorithm: algorithm,
		Digest:    base64.StdEncoding.EncodeToString(h.Sum(nil)),
	}, nil
}

// Parse reads the "sha256-<base64>" text form used in lockfiles and
// rockspecs.
func Parse(s string) (Integrity, error) {
	idx := strings.IndexByte(s, '-')
	if idx <= 0 {
		return Integrity{}, errors.Errorf("malformed integrity value %q", s)
	}
	return Integrity{Algorithm: s[:idx], Digest: s[idx+1:]}, nil
}

func (i Integrity) String() string {
	return fmt.Sprintf("%s-%s", i.Algorithm, i.Digest)
}

// Equal compares two integrity values for exact algorithm+digest match.
func (i Integrity) Equal(other Integrity) bool {
	return i.Algorithm == other.Algorithm && i.Digest == other.Digest
}

// Verify recomputes the integrity of r using i's algorithm and reports
// whether it matches.
func (i Integrity) Verify(r io.Reader) (bool, error) {
	got, err := Compute(i.Algorithm, r)
	if err != nil {
		return false, err
	}
	return i.Equal(got), nil
}

// MismatchError is returned by callers (fetch, lockfile validation) that
// need to report a failed Verify with both sides for diagnostics.
type MismatchError struct {
	Expected Integrity
	Actual   Integrity
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("integrity mismatch: expected %s, got %s", e.Expected, e.Actual)
}
