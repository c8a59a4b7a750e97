// Package registry implements the remote package database: one or more
// manifest sources are consulted for a package's available versions, with
// results cached for the lifetime of one resolve/install batch so that two
// branches of a dependency graph referencing the same package never refetch
// it.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pkg/errors"

	"github.com/lux-pm/lux/pkg/integrity"
	"github.com/lux-pm/lux/pkg/luxconfig"
	"github.com/lux-pm/lux/pkg/semver"
)

// PackageNotFoundError is raised when none of a Database's configured
// sources advertise any version of the requested package name.
type PackageNotFoundError struct {
	Name string
}

func (e *PackageNotFoundError) Error() string {
	return fmt.Sprintf("package %q not found in any configured source", e.Name)
}

// VersionUnsatisfiableError is raised when a package is known but no
// published version satisfies the requested range.
type VersionUnsatisfiableError struct {
	Name string
	Req  string
}

func (e *VersionUnsatisfiableError) Error() string {
	return fmt.Sprintf("no version of %q satisfies %s", e.Name, e.Req)
}

// ServerStatusError is raised when a manifest source responds with any
// status other than 200 or 404 while fetching a package's index.
type ServerStatusError struct {
	URL        string
	StatusCode int
}

func (e *ServerStatusError) Error() string {
	return fmt.Sprintf("fetching package index from %s: status %d", e.URL, e.StatusCode)
}

// VersionEntry is one published version of a package as advertised by a
// Source: where to fetch its manifest, and the expected integrity of its
// source archive, if the registry pins one.
type VersionEntry struct {
	Version     semver.PackageVersion
	ManifestURL string
	Integrity   integrity.Integrity
}

// Index is the full set of published versions for one package name, as
// returned by a single Source.
type Index struct {
	Name     string
	Versions []VersionEntry
}

// Source is one remote manifest endpoint a Database polls. The dev mirror
// and every configured upstream implement the same interface.
type Source interface {
	FetchIndex(ctx context.Context, name string) (*Index, error)
	Name() string
}

// HTTPSource fetches a package's index as a JSON document at
// "<BaseURL>/[<namespace>/]<name>.json", the layout every example manifest
// source in this corpus assumes for a static package index.
type HTTPSource struct {
	BaseURL   string
	Namespace string
	Client    *http.Client
}

type httpIndexDoc struct {
	Versions []struct {
		Version     string `json:"version"`
		ManifestURL string `json:"manifest_url"`
		Integrity   string `json:"integrity"`
	} `json:"versions"`
}

func (s *HTTPSource) Name() string {
	return s.BaseURL
}

func (s *HTTPSource) FetchIndex(ctx context.Context, name string) (*Index, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	url := strings.TrimRight(s.BaseURL, "/") + "/"
	if s.Namespace != "" {
		url += s.Namespace + "/"
	}
	url += name + ".json"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", url)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching package index from %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return &Index{Name: name}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &ServerStatusError{URL: url, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading package index body from %s", url)
	}

	var doc httpIndexDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrapf(err, "decoding package index from %s", url)
	}

	idx := &Index{Name: name, Versions: make([]VersionEntry, 0, len(doc.Versions))}
	for _, v := range doc.Versions {
		version, err := semver.Parse(v.Version)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing version %q for %q", v.Version, name)
		}
		entry := VersionEntry{Version: version, ManifestURL: v.ManifestURL}
		if v.Integrity != "" {
			entry.Integrity, err = integrity.Parse(v.Integrity)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing integrity for %q %s", name, v.Version)
			}
		}
		idx.Versions = append(idx.Versions, entry)
	}
	return idx, nil
}

// Database aggregates an ordered list of upstream Sources plus an optional
// dev mirror consulted first, and caches each package's merged index for
// the lifetime of one batch.
type Database struct {
	dev      Source
	upstream []Source
	logger   hclog.Logger

	mu    sync.RWMutex
	cache map[string]*Index
}

// NewDatabase builds a Database. dev may be nil.
func NewDatabase(dev Source, upstream []Source, logger hclog.Logger) *Database {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Database{
		dev:      dev,
		upstream: upstream,
		logger:   logger.Named("registry"),
		cache:    make(map[string]*Index),
	}
}

// FromConfig builds a Database from the config's server list: one
// HTTPSource per configured server URL (filtered down by OnlySources when
// set), the optional dev mirror consulted first when DevServers is on, and
// every source sharing one HTTP client carrying the configured network
// timeout (zero disables the limit).
func FromConfig(cfg luxconfig.Config, logger hclog.Logger) *Database {
	client := &http.Client{Timeout: cfg.NetworkTimeout}

	var upstream []Source
	for _, server := range cfg.Servers {
		if cfg.OnlySources != "" && !strings.Contains(server, cfg.OnlySources) {
			continue
		}
		upstream = append(upstream, &HTTPSource{BaseURL: server, Namespace: cfg.Namespace, Client: client})
	}

	var dev Source
	if cfg.DevServers && cfg.DevServer != "" {
		dev = &HTTPSource{BaseURL: cfg.DevServer, Namespace: cfg.Namespace, Client: client}
	}
	return NewDatabase(dev, upstream, logger)
}

// ResetBatch clears the in-memory index cache, starting a fresh fetch-once
// window for the next resolve/install batch.
func (d *Database) ResetBatch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cache = make(map[string]*Index)
}

// index returns the merged index for name, fetching and caching it on
// first access within the current batch.
func (d *Database) index(ctx context.Context, name string) (*Index, error) {
	key := strings.ToLower(name)

	d.mu.RLock()
	if idx, ok := d.cache[key]; ok {
		d.mu.RUnlock()
		return idx, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if idx, ok := d.cache[key]; ok {
		return idx, nil
	}

	merged := &Index{Name: name}
	sources := d.sourcesFor()
	for _, src := range sources {
		idx, err := src.FetchIndex(ctx, name)
		if err != nil {
			d.logger.Warn("fetching package index failed", "package", name, "source", src.Name(), "error", err)
			continue
		}
		merged.Versions = append(merged.Versions, idx.Versions...)
	}
	if len(merged.Versions) == 0 {
		return nil, &PackageNotFoundError{Name: name}
	}

	d.cache[key] = merged
	return merged, nil
}

func (d *Database) sourcesFor() []Source {
	if d.dev == nil {
		return d.upstream
	}
	return append([]Source{d.dev}, d.upstream...)
}

// AllVersions returns every version of name known across all sources,
// newest first.
func (d *Database) AllVersions(ctx context.Context, name string) ([]VersionEntry, error) {
	idx, err := d.index(ctx, name)
	if err != nil {
		return nil, err
	}
	out := append([]VersionEntry(nil), idx.Versions...)
	sort.Slice(out, func(i, j int) bool {
		return out[i].Version.NewerForUpgrade(out[j].Version)
	})
	return out, nil
}

// Latest returns the newest version of name satisfying req, per the
// NewerForUpgrade ordering (Dev always wins unless req excludes it).
func (d *Database) Latest(ctx context.Context, req semver.PackageReq) (*VersionEntry, error) {
	versions, err := d.AllVersions(ctx, req.Name.String())
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if req.Matches(versions[i].Version) {
			return &versions[i], nil
		}
	}
	return nil, &VersionUnsatisfiableError{Name: req.Name.String(), Req: req.Req.String()}
}

// Integrity looks up the pinned integrity value for a specific version of
// name, if the registry advertises one.
func (d *Database) Integrity(ctx context.Context, name string, version semver.PackageVersion) (integrity.Integrity, bool, error) {
	idx, err := d.index(ctx, name)
	if err != nil {
		return integrity.Integrity{}, false, err
	}
	for _, v := range idx.Versions {
		if v.Version.Equal(version) {
			return v.Integrity, v.Integrity.Algorithm != "", nil
		}
	}
	return integrity.Integrity{}, false, nil
}
