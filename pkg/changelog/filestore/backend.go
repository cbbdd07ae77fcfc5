// Package filestore is the durable changelog backend. Each domain owns a
// directory holding an append-only record log and its metadata; the
// change number index lives next to the domains.
package filestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"

	"github.com/dd0wney/cluso-changelog/pkg/changelog"
	"github.com/dd0wney/cluso-changelog/pkg/logging"
	"github.com/dd0wney/cluso-changelog/pkg/wal"
)

const (
	domainsDir    = "domains"
	changesFile   = "changes.log"
	domainMeta    = "domain.json"
	indexFile     = "cn_index.log"
	indexMetaFile = "cn_index.json"
)

// Options configures the file backend.
type Options struct {
	// Compress stores records snappy-compressed.
	Compress bool
	// NoSync skips fsync after appends. Tests only.
	NoSync bool
	Logger logging.Logger
}

// Backend stores changelog data under one directory.
type Backend struct {
	dir    string
	opts   Options
	logger logging.Logger
}

var _ changelog.Backend = (*Backend)(nil)

// Open prepares dir for use as a changelog directory.
func Open(dir string, opts Options) (*Backend, error) {
	if err := os.MkdirAll(filepath.Join(dir, domainsDir), 0755); err != nil {
		return nil, fmt.Errorf("create changelog directory: %w", err)
	}
	return &Backend{
		dir:    dir,
		opts:   opts,
		logger: logging.OrDefault(opts.Logger).With(logging.Component("filestore")),
	}, nil
}

func (b *Backend) Name() string { return "file" }

// Dir returns the changelog directory.
func (b *Backend) Dir() string { return b.dir }

func (b *Backend) walOptions() wal.Options {
	return wal.Options{Compress: b.opts.Compress, NoSync: b.opts.NoSync, Logger: b.logger}
}

func (b *Backend) domainDir(baseDN string) string {
	return filepath.Join(b.dir, domainsDir, url.PathEscape(baseDN))
}

func (b *Backend) OpenDomain(baseDN string) (changelog.Store, error) {
	dir := b.domainDir(baseDN)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create domain directory: %w", err)
	}
	return openStore(dir, baseDN, b.walOptions())
}

func (b *Backend) ListDomains() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.dir, domainsDir))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		baseDN, err := url.PathUnescape(e.Name())
		if err != nil {
			b.logger.Warn("ignoring unexpected directory", logging.Path(e.Name()))
			continue
		}
		out = append(out, baseDN)
	}
	slices.Sort(out)
	return out, nil
}

func (b *Backend) RemoveDomain(baseDN string) error {
	return os.RemoveAll(b.domainDir(baseDN))
}

func (b *Backend) OpenIndex() (changelog.IndexStore, error) {
	return openIndex(filepath.Join(b.dir, indexFile), filepath.Join(b.dir, indexMetaFile), b.walOptions())
}

func (b *Backend) Close() error { return nil }

// writeJSON replaces path atomically with the JSON encoding of v.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}
