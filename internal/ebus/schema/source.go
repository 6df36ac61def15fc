// Package schema implements the SchemaResolver of spec.md §4.3: given a
// scanned device identification, it selects and loads the matching CSV
// message-definition files into a message.Catalog, from either a local
// filesystem directory or an HTTPS config server.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/nerrad567/ebusd-go/internal/ebuserr"
)

// Source abstracts over the two backends a schema directory can live on
// (spec.md §4.3 "Abstracts over two backends: local-filesystem or HTTPS").
// The load algorithm in Resolver does not depend on which is active.
type Source interface {
	// List returns the file names (not full paths) directly inside dir.
	List(ctx context.Context, dir string) ([]string, error)
	// Fetch returns the contents and modification time of dir/name.
	Fetch(ctx context.Context, dir, name string) ([]byte, time.Time, error)
}

// LocalSource reads schema files from a local filesystem directory tree.
type LocalSource struct {
	Root string
}

// List implements Source.
func (s LocalSource) List(_ context.Context, dir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.Root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("listing %s: %w", dir, ebuserr.ErrNotFound)
		}
		return nil, fmt.Errorf("listing %s: %w", dir, ebuserr.ErrGenericIO)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Fetch implements Source.
func (s LocalSource) Fetch(_ context.Context, dir, name string) ([]byte, time.Time, error) {
	full := filepath.Join(s.Root, dir, name)
	data, err := os.ReadFile(full) //nolint:gosec // schema path is operator-configured, not user input
	if err != nil {
		if os.IsNotExist(err) {
			return nil, time.Time{}, fmt.Errorf("fetching %s: %w", full, ebuserr.ErrNotFound)
		}
		return nil, time.Time{}, fmt.Errorf("fetching %s: %w", full, ebuserr.ErrGenericIO)
	}
	info, err := os.Stat(full)
	if err != nil {
		return data, time.Now(), nil
	}
	return data, info.ModTime(), nil
}

// HTTPSSource fetches schema files from an HTTPS config server. The server
// is expected to answer a directory listing as a JSON array of file names
// at <BaseURL>/<dir>/?a=ZZ&i=IDENT&h=HW&s=SW (the query lets the server
// pre-filter, per spec.md §4.3) and individual files at <BaseURL>/<dir>/<name>.
type HTTPSSource struct {
	BaseURL string
	Client  *http.Client
	// Filter, when set, is appended as the a/i/h/s query string on List
	// requests so the server can pre-filter its directory listing.
	Filter func() url.Values
}

func (s HTTPSSource) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return http.DefaultClient
}

// List implements Source.
func (s HTTPSSource) List(ctx context.Context, dir string) ([]string, error) {
	u := fmt.Sprintf("%s/%s/", s.BaseURL, path.Clean(dir))
	if s.Filter != nil {
		q := s.Filter()
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", ebuserr.ErrInvalidArg)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, ebuserr.ErrGenericIO)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("listing %s: %w", dir, ebuserr.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("listing %s: status %d: %w", dir, resp.StatusCode, ebuserr.ErrGenericIO)
	}
	var names []string
	if err := json.NewDecoder(resp.Body).Decode(&names); err != nil {
		return nil, fmt.Errorf("decoding listing for %s: %w", dir, ebuserr.ErrGenericIO)
	}
	return names, nil
}

// Fetch implements Source.
func (s HTTPSSource) Fetch(ctx context.Context, dir, name string) ([]byte, time.Time, error) {
	u := fmt.Sprintf("%s/%s/%s", s.BaseURL, path.Clean(dir), name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("building request: %w", ebuserr.ErrInvalidArg)
	}
	resp, err := s.client().Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("fetching %s/%s: %w", dir, name, ebuserr.ErrGenericIO)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, time.Time{}, fmt.Errorf("fetching %s/%s: %w", dir, name, ebuserr.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, time.Time{}, fmt.Errorf("fetching %s/%s: status %d: %w", dir, name, resp.StatusCode, ebuserr.ErrGenericIO)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("reading %s/%s: %w", dir, name, ebuserr.ErrGenericIO)
	}
	mtime := time.Now()
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			mtime = t
		}
	}
	return data, mtime, nil
}
