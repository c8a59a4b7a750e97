package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/karrick/godirwalk"
	pkgerrors "github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/integrity"
	"github.com/lux-pm/lux/pkg/registry"
	"github.com/lux-pm/lux/pkg/rockspec"
)

// RockspecFetcher retrieves and parses the manifest for one registry
// version entry, preferring a manifest-hosted rockspec and falling back to
// downloading the source archive and locating the rockspec embedded in it.
// It satisfies the resolver's ManifestFetcher seam.
type RockspecFetcher struct {
	Client *http.Client
}

func (f *RockspecFetcher) FetchManifest(ctx context.Context, entry registry.VersionEntry) (*rockspec.Manifest, error) {
	body, err := f.download(ctx, entry.ManifestURL)
	if err != nil {
		return nil, err
	}

	if entry.Integrity.Algorithm != "" {
		actual, err := integrity.ComputeBytes(entry.Integrity.Algorithm, body)
		if err != nil {
			return nil, err
		}
		if !entry.Integrity.Equal(actual) {
			return nil, &integrity.MismatchError{Expected: entry.Integrity, Actual: actual}
		}
	}

	if !isArchiveName(entry.ManifestURL) {
		return rockspec.ParseRockspec(string(body))
	}

	// The registry hosts only the source archive for this version; unpack
	// it somewhere disposable and read the rockspec shipped inside.
	scratch, err := os.MkdirTemp("", "lux-rockspec-")
	if err != nil {
		return nil, pkgerrors.Wrap(err, "creating scratch directory for embedded rockspec")
	}
	defer os.RemoveAll(scratch)

	if err := unpack(entry.ManifestURL, entry.ManifestURL, body, scratch); err != nil {
		return nil, pkgerrors.Wrapf(err, "unpacking archive for %q", entry.ManifestURL)
	}

	path, err := findRockspec(resolveBuildDir(scratch))
	if err != nil {
		return nil, err
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "reading embedded rockspec %q", path)
	}
	return rockspec.ParseRockspec(string(content))
}

func (f *RockspecFetcher) download(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "building request for %q", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, wrapNetErr(url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &ServerStatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "reading manifest body for %q", url)
	}
	return body, nil
}

func isArchiveName(name string) bool {
	for _, suffix := range []string{".zip", ".tar", ".tar.gz", ".tgz", ".tar.bz2", ".tbz2", ".tar.xz", ".txz", ".src.rock"} {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

// findRockspec locates the first *.rockspec file under dir, shallowest
// match first, so a vendored dependency's own rockspec deeper in the tree
// never shadows the package's.
func findRockspec(dir string) (string, error) {
	var best string
	bestDepth := -1
	err := godirwalk.Walk(dir, &godirwalk.Options{
		Unsorted: true,
		Callback: func(osPathname string, de *godirwalk.Dirent) error {
			if de.IsDir() || !strings.HasSuffix(osPathname, ".rockspec") {
				return nil
			}
			rel, err := filepath.Rel(dir, osPathname)
			if err != nil {
				return err
			}
			depth := strings.Count(rel, string(filepath.Separator))
			if bestDepth == -1 || depth < bestDepth {
				best, bestDepth = osPathname, depth
			}
			return nil
		},
	})
	if err != nil {
		return "", pkgerrors.Wrap(err, "searching for embedded rockspec")
	}
	if best == "" {
		return "", &FetchFailedError{URL: dir, Err: pkgerrors.New("archive contains no rockspec")}
	}
	return best, nil
}
