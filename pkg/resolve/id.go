package resolve

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/lux-pm/lux/pkg/rockspec"
	"github.com/lux-pm/lux/pkg/semver"
)

// ContentAddressedID computes the deterministic LocalPackageId:
// a digest over every field that defines a package's installed identity
// (name, version, the requirement that selected it, pin/opt state, the
// rockspec's content, and the source location), independent of when or in
// what order resolution happened. It does not hash the
// fetched source bytes themselves — those aren't available until after
// fetch, and the source's declared location is already identity-defining.
func ContentAddressedID(name string, version semver.PackageVersion, req semver.PackageVersionReq, pin, opt bool, rockspecContent string, source rockspec.SourceSpec) string {
	h := sha256.New()
	fmt.Fprintf(h, "name=%s\x00version=%s\x00req=%s\x00pin=%t\x00opt=%t\x00",
		name, version.String(), req.String(), pin, opt)
	fmt.Fprintf(h, "rockspec=%x\x00", sha256.Sum256([]byte(rockspecContent)))
	fmt.Fprintf(h, "source_kind=%d\x00source_url=%s\x00source_tag=%s\x00source_branch=%s\x00source_rev=%s",
		source.Kind, source.URL, source.Tag, source.Branch, source.Rev)
	return hex.EncodeToString(h.Sum(nil))[:16]
}
