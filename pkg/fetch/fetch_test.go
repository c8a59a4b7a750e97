package fetch_test

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lux-pm/lux/pkg/fetch"
	"github.com/lux-pm/lux/pkg/integrity"
	"github.com/lux-pm/lux/pkg/registry"
	"github.com/lux-pm/lux/pkg/rockspec"
)

func buildTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(content))}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestFetch_ArchiveUnpacksTarGz(t *testing.T) {
	archive := buildTarGz(t, map[string]string{"pkg-1.0/init.lua": "return {}"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out")
	spec := rockspec.SourceSpec{Kind: rockspec.SourceArchive, URL: srv.URL + "/pkg-1.0.tar.gz"}

	res, err := fetch.Fetch(context.Background(), spec, dest)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "pkg-1.0", "init.lua"))
	require.NoError(t, err)
	assert.Equal(t, "return {}", string(got))
	assert.NotEmpty(t, res.ArchiveIntegrity.Digest)
}

func TestFetch_ArchiveRejectsIntegrityMismatch(t *testing.T) {
	archive := buildTarGz(t, map[string]string{"f": "x"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	wrong, err := integrity.ComputeBytes("sha256", []byte("not the archive"))
	require.NoError(t, err)

	dest := filepath.Join(t.TempDir(), "out")
	spec := rockspec.SourceSpec{Kind: rockspec.SourceArchive, URL: srv.URL + "/f.tar.gz", Integrity: wrong.String()}

	_, err = fetch.Fetch(context.Background(), spec, dest)
	assert.Error(t, err)
}

func TestFetch_LocalCopiesDirectory(t *testing.T) {
	srcDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(srcDir, "a.lua"), []byte("a"), 0o644))

	dest := filepath.Join(t.TempDir(), "out")
	spec := rockspec.SourceSpec{Kind: rockspec.SourceLocal, URL: srcDir}

	_, err := fetch.Fetch(context.Background(), spec, dest)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(dest, "a.lua"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
}

func TestExpandGitShorthand(t *testing.T) {
	assert.Equal(t, "https://github.com/foo/bar.git", fetch.ExpandGitShorthand("foo/bar"))
	assert.Equal(t, "https://example.test/foo.git", fetch.ExpandGitShorthand("https://example.test/foo.git"))
}

func TestRockspecFetcher_ManifestHostedRockspec(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`
package = "say"
version = "1.3-1"
source = { url = "https://example.test/say-1.3.tar.gz" }
`))
	}))
	defer srv.Close()

	f := &fetch.RockspecFetcher{}
	m, err := f.FetchManifest(context.Background(), registry.VersionEntry{ManifestURL: srv.URL + "/say-1.3-1.rockspec"})
	require.NoError(t, err)
	assert.Equal(t, "say", m.Package.Normalized())
	assert.Equal(t, "1.3.0-1", m.Version.String())
}

func TestRockspecFetcher_FallsBackToEmbeddedRockspec(t *testing.T) {
	archive := buildTarGz(t, map[string]string{
		"say-1.3/say-1.3-1.rockspec": `
package = "say"
version = "1.3-1"
source = { url = "https://example.test/say-1.3.tar.gz" }
`,
		"say-1.3/src/say.lua": "return {}",
	})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	}))
	defer srv.Close()

	f := &fetch.RockspecFetcher{}
	m, err := f.FetchManifest(context.Background(), registry.VersionEntry{ManifestURL: srv.URL + "/say-1.3.tar.gz"})
	require.NoError(t, err)
	assert.Equal(t, "say", m.Package.Normalized())
}
