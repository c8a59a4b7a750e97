package rockspec

import (
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/semver"
)

// ResolveVersionFromGit fills in a templated manifest version from the
// enclosing repository's tags: a lux.toml version of "dev"/"scm"
// (or an omitted one) is generated from git tags at read time. When the
// repository has no release tag, the dev marker is kept as-is — a project
// that has never been tagged is a dev project.
func ResolveVersionFromGit(m *Manifest, repoDir string) error {
	if !m.Version.IsDev() {
		return nil
	}

	repo, err := git.PlainOpenWithOptions(repoDir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return nil
		}
		return errors.Wrapf(err, "opening repository at %q", repoDir)
	}

	iter, err := repo.Tags()
	if err != nil {
		return errors.Wrap(err, "listing repository tags")
	}

	var tags []string
	if err := iter.ForEach(func(ref *plumbing.Reference) error {
		tags = append(tags, ref.Name().Short())
		return nil
	}); err != nil {
		return errors.Wrap(err, "iterating repository tags")
	}

	if v, ok := LatestTagVersion(tags); ok {
		m.Version = v
	}
	return nil
}

// LatestTagVersion picks the newest release version among a repository's
// tag names, tolerating the conventional "v" prefix and skipping tags that
// don't parse as versions at all.
func LatestTagVersion(tags []string) (semver.PackageVersion, bool) {
	var best semver.PackageVersion
	found := false
	for _, tag := range tags {
		v, err := semver.Parse(strings.TrimPrefix(tag, "v"))
		if err != nil || v.IsDev() || v.Kind() != semver.KindSemVer {
			continue
		}
		if !found || v.NewerForUpgrade(best) {
			best = v
			found = true
		}
	}
	return best, found
}
