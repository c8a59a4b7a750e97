// Package fetch retrieves a package's source per its SourceSpec: archive
// download and unpack, git clone and checkout, or a plain local directory
// copy, each verified against the manifest's pinned integrity when present.
package fetch

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/bzip2"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/Masterminds/vcs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/klauspost/compress/gzip"
	pkgerrors "github.com/pkg/errors"
	"github.com/ulikunitz/xz"

	"github.com/lux-pm/lux/internal/fsutil"
	"github.com/lux-pm/lux/pkg/integrity"
	"github.com/lux-pm/lux/pkg/rockspec"
)

// FetchFailedError wraps a transport-level failure retrieving a package's
// source, distinct from a TimeoutError or
// ServerStatusError so callers can classify what actually went wrong.
type FetchFailedError struct {
	URL string
	Err error
}

func (e *FetchFailedError) Error() string {
	return fmt.Sprintf("fetching %q: %s", e.URL, e.Err)
}

func (e *FetchFailedError) Unwrap() error {
	return e.Err
}

// ServerStatusError is raised when a source archive's server responds with
// a non-2xx status.
type ServerStatusError struct {
	URL        string
	StatusCode int
}

func (e *ServerStatusError) Error() string {
	return fmt.Sprintf("downloading %q: status %d", e.URL, e.StatusCode)
}

// TimeoutError is raised when a network operation exceeds the configured
// network timeout.
type TimeoutError struct {
	URL string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("fetching %q timed out", e.URL)
}

// wrapNetErr classifies a transport failure as a TimeoutError when the
// context deadline was exceeded or the underlying net.Error says so, and
// as a FetchFailedError otherwise.
func wrapNetErr(url string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{URL: url}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{URL: url}
	}
	return &FetchFailedError{URL: url, Err: err}
}

// Result is what a successful fetch leaves behind: the directory the
// source was unpacked/checked out/copied into, and the integrity of the
// archive actually retrieved (zero value for git/local sources, which have
// no single archive to hash).
type Result struct {
	Dir            string
	ArchiveIntegrity integrity.Integrity
	NonReproducible bool
}

// Fetch retrieves spec's source into destDir (which must not already
// exist), dispatching on spec.Kind.
func Fetch(ctx context.Context, spec rockspec.SourceSpec, destDir string) (Result, error) {
	switch spec.Kind {
	case rockspec.SourceGit:
		return fetchGit(ctx, spec, destDir)
	case rockspec.SourceLocal:
		return fetchLocal(spec, destDir)
	default:
		return fetchArchive(ctx, spec, destDir)
	}
}

// shorthandRe matches a bare "owner/repo" git shorthand, expanded to a full
// GitHub URL before fetch, since Lua rockspecs frequently use this shorthand
// even though it was never formally part of the rockspec grammar.
var shorthandRe = regexp.MustCompile(`^[\w.-]+/[\w.-]+$`)

// ExpandGitShorthand expands an "owner/repo" source URL to a full HTTPS git
// URL. URLs that already carry a scheme are returned unchanged.
func ExpandGitShorthand(url string) string {
	if shorthandRe.MatchString(url) {
		return "https://github.com/" + url + ".git"
	}
	return url
}

func fetchGit(ctx context.Context, spec rockspec.SourceSpec, destDir string) (Result, error) {
	url := ExpandGitShorthand(spec.URL)

	repo, err := git.PlainCloneContext(ctx, destDir, false, &git.CloneOptions{
		URL:           url,
		ReferenceName: gitReferenceName(spec),
		SingleBranch:  true,
		Depth:         1,
	})
	if err == nil {
		if spec.Rev != "" {
			if checkoutErr := checkoutRevision(repo, spec.Rev); checkoutErr != nil {
				return Result{}, pkgerrors.Wrapf(checkoutErr, "checking out revision %q", spec.Rev)
			}
		}
		return Result{Dir: destDir, NonReproducible: spec.NonReproducible()}, nil
	}

	// Any go-git clone failure falls back to Masterminds/vcs's multi-VCS
	// Repo; that is also the path a non-git VCS scheme a rockspec might
	// still name (e.g. "hg+http://" or "svn://") takes.
	return fetchWithVCS(url, spec, destDir)
}

func gitReferenceName(spec rockspec.SourceSpec) plumbing.ReferenceName {
	switch {
	case spec.Tag != "":
		return plumbing.NewTagReferenceName(spec.Tag)
	case spec.Branch != "":
		return plumbing.NewBranchReferenceName(spec.Branch)
	default:
		return ""
	}
}

func checkoutRevision(repo *git.Repository, rev string) error {
	wt, err := repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(rev)})
}

// fetchWithVCS handles the non-git VCS schemes a rockspec might still name
// ("hg+", "svn+", "bzr+"); the scheme prefix only exists to route here and
// is stripped before handing the URL to Masterminds/vcs, which does its own
// remote-type detection from the remaining URL.
func fetchWithVCS(url string, spec rockspec.SourceSpec, destDir string) (Result, error) {
	cleanURL := strings.TrimPrefix(strings.TrimPrefix(strings.TrimPrefix(url, "hg+"), "svn+"), "bzr+")

	repo, err := vcs.NewRepo(cleanURL, destDir)
	if err != nil {
		return Result{}, pkgerrors.Wrapf(err, "constructing VCS repo for %q", cleanURL)
	}
	if err := repo.Get(); err != nil {
		return Result{}, pkgerrors.Wrapf(err, "fetching %q via %s", cleanURL, repo.Vcs())
	}
	if ref := firstNonEmpty(spec.Rev, spec.Tag, spec.Branch); ref != "" {
		if err := repo.UpdateVersion(ref); err != nil {
			return Result{}, pkgerrors.Wrapf(err, "checking out %q", ref)
		}
	}
	return Result{Dir: destDir, NonReproducible: spec.NonReproducible()}, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func fetchLocal(spec rockspec.SourceSpec, destDir string) (Result, error) {
	if err := fsutil.CopyDir(spec.URL, destDir); err != nil {
		return Result{}, pkgerrors.Wrapf(err, "copying local source %q", spec.URL)
	}
	return Result{Dir: destDir}, nil
}

func fetchArchive(ctx context.Context, spec rockspec.SourceSpec, destDir string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.URL, nil)
	if err != nil {
		return Result{}, pkgerrors.Wrapf(err, "building request for %q", spec.URL)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Result{}, wrapNetErr(spec.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Result{}, &ServerStatusError{URL: spec.URL, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, pkgerrors.Wrapf(err, "reading archive body for %q", spec.URL)
	}

	archiveIntegrity, err := integrity.ComputeBytes("sha256", body)
	if err != nil {
		return Result{}, err
	}
	if spec.Integrity != "" {
		pinned, err := integrity.Parse(spec.Integrity)
		if err != nil {
			return Result{}, err
		}
		if !pinned.Equal(archiveIntegrity) {
			return Result{}, &integrity.MismatchError{Expected: pinned, Actual: archiveIntegrity}
		}
	}

	name := spec.File
	if name == "" {
		name = spec.URL
	}
	if err := unpack(name, spec.URL, body, destDir); err != nil {
		return Result{}, pkgerrors.Wrapf(err, "unpacking %q", spec.URL)
	}

	return Result{Dir: resolveBuildDir(destDir), ArchiveIntegrity: archiveIntegrity}, nil
}

// resolveBuildDir picks the directory the build will run in: when the
// archive unpacked into exactly one top-level directory (and nothing
// else), that directory is the build dir; otherwise destDir itself is.
func resolveBuildDir(destDir string) string {
	entries, err := os.ReadDir(destDir)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return destDir
	}
	return filepath.Join(destDir, entries[0].Name())
}

func unpack(name, url string, body []byte, destDir string) error {
	// The sniffed content type decides first; the name's extension covers
	// the formats the sniffer does not recognize (plain tar, xz, bzip2).
	switch http.DetectContentType(body) {
	case "application/zip", "application/x-gzip":
		return sniffAndUnpack(url, body, destDir)
	}
	switch {
	case strings.HasSuffix(name, ".zip"):
		return unpackZip(body, destDir)
	case strings.HasSuffix(name, ".tar.xz") || strings.HasSuffix(name, ".txz"):
		xr, err := xz.NewReader(bytes.NewReader(body))
		if err != nil {
			return pkgerrors.Wrap(err, "opening xz stream")
		}
		return unpackTar(xr, destDir)
	case strings.HasSuffix(name, ".tar.bz2") || strings.HasSuffix(name, ".tbz2"):
		return unpackTar(bzip2.NewReader(bytes.NewReader(body)), destDir)
	case strings.HasSuffix(name, ".tar.gz") || strings.HasSuffix(name, ".tgz"):
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return pkgerrors.Wrap(err, "opening gzip stream")
		}
		defer gr.Close()
		return unpackTar(gr, destDir)
	case strings.HasSuffix(name, ".tar"):
		return unpackTar(bytes.NewReader(body), destDir)
	default:
		return sniffAndUnpack(url, body, destDir)
	}
}

// sniffAndUnpack dispatches on the sniffed content type (zip, or a
// gzip-compressed tar). unpack calls it first, and again as the fallback
// for names whose extension doesn't name a known archive format (a
// registry-hosted tarball served from an opaque path, for instance).
func sniffAndUnpack(url string, body []byte, destDir string) error {
	contentType := http.DetectContentType(body)
	switch contentType {
	case "application/zip":
		return unpackZip(body, destDir)
	case "application/x-gzip":
		gr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return pkgerrors.Wrap(err, "opening gzip stream")
		}
		defer gr.Close()
		return unpackTar(gr, destDir)
	default:
		return &FetchFailedError{URL: url, Err: fmt.Errorf("unrecognized archive content type %q", contentType)}
	}
}

// UnsafeArchivePathError is raised when an archive entry's name would
// escape the destination directory it is being unpacked into (a "Zip
// Slip"/path-traversal entry, e.g. "../../etc/passwd"; an absolute entry
// name is joined under the destination rather than rejected) — a
// malicious or corrupt source archive from an untrusted
// registry mirror must never be allowed to write outside destDir.
type UnsafeArchivePathError struct {
	Name string
}

func (e *UnsafeArchivePathError) Error() string {
	return fmt.Sprintf("archive entry %q escapes the destination directory", e.Name)
}

// safeJoin joins destDir and name the way filepath.Join would, but rejects
// any entry whose resolved path is not contained within destDir.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	rel, err := filepath.Rel(destDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &UnsafeArchivePathError{Name: name}
	}
	return target, nil
}

func unpackTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return pkgerrors.Wrap(err, "reading tar entry")
		}

		target, err := safeJoin(destDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			f.Close()
		}
	}
}

func unpackZip(body []byte, destDir string) error {
	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return pkgerrors.Wrap(err, "opening zip archive")
	}
	for _, f := range zr.File {
		target, err := safeJoin(destDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, f.Mode())
		if err != nil {
			rc.Close()
			return err
		}
		if _, err := io.Copy(out, rc); err != nil {
			rc.Close()
			out.Close()
			return err
		}
		rc.Close()
		out.Close()
	}
	return nil
}
