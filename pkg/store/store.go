// Package store implements the content-addressed cache for downloaded
// configuration resources and remote executables, and resolves every
// Executable descriptor to a concrete local path.
package store

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/unit"
	"github.com/LGUG2Z/wpm/pkg/wpmerror"
)

// Store resolves executables and resources against the on-disk cache rooted
// at <data>/store and <data>/pkg. Resolution is idempotent; concurrent
// resolutions of the same target coalesce into a single fetch.
type Store struct {
	storeDir string
	pkgDir   string
	index    *Index
	fetch    FetchFunc
	scoop    ScoopFunc
	flight   singleflight.Group
	home     string
}

// Config carries the store's construction inputs. Fetch and Scoop default to
// the HTTP fetcher and the scoop shim runner.
type Config struct {
	StoreDir string
	PkgDir   string
	Home     string
	Fetch    FetchFunc
	Scoop    ScoopFunc
}

// New opens the store and its download index.
func New(cfg Config) (*Store, error) {
	index, err := OpenIndex(filepath.Join(cfg.StoreDir, "store.db"))
	if err != nil {
		return nil, fmt.Errorf("open store index: %w", err)
	}

	fetch := cfg.Fetch
	if fetch == nil {
		fetch = HTTPFetch
	}

	scoop := cfg.Scoop
	if scoop == nil {
		scoop = RunScoop
	}

	return &Store{
		storeDir: cfg.StoreDir,
		pkgDir:   cfg.PkgDir,
		index:    index,
		fetch:    fetch,
		scoop:    scoop,
		home:     cfg.Home,
	}, nil
}

// Close releases the download index.
func (s *Store) Close() error {
	return s.index.Close()
}

// ResolveExecutable maps an executable descriptor to a local path, fetching
// or installing on a cold cache.
func (s *Store) ResolveExecutable(ctx context.Context, unitName string, executable unit.Executable) (string, error) {
	switch {
	case executable.Local != "":
		return s.resolveLocal(executable.Local)
	case executable.Remote != nil:
		return s.resolveRemote(ctx, unitName, executable.Remote)
	case executable.Scoop != nil:
		return s.resolveScoop(ctx, unitName, executable.Scoop)
	default:
		return "", fmt.Errorf("%s: executable descriptor is empty", unitName)
	}
}

// ResolveResource downloads a unit resource url into the store and returns
// its local path. Resources carry no integrity pin; HTTP success is the only
// check.
func (s *Store) ResolveResource(ctx context.Context, unitName string, key string, rawURL string) (string, error) {
	target, err := s.storePath(rawURL)
	if err != nil {
		return "", &wpmerror.ResourceUnavailable{Name: key, Err: err}
	}

	_, err, _ = s.flight.Do(rawURL, func() (any, error) {
		if s.cached(rawURL, target) {
			log.WithUnit(unitName).Debug().Str("resource", key).Str("path", target).Msg("found resource in store")
			return nil, nil
		}

		log.WithUnit(unitName).Info().Str("resource", key).Str("url", rawURL).Msg("adding resource to store")

		body, err := s.fetch(ctx, rawURL)
		if err != nil {
			return nil, err
		}

		if err := writeAtomic(target, body); err != nil {
			return nil, err
		}

		return nil, s.index.Record(Record{Url: rawURL, Size: int64(len(body))})
	})

	if err != nil {
		return "", &wpmerror.ResourceUnavailable{Name: key, Err: err}
	}

	return target, nil
}

// Evict removes the cached artifacts behind every remote descriptor of a
// definition so the next start re-resolves them.
func (s *Store) Evict(definition *unit.Definition) error {
	var urls []string

	for _, resourceURL := range definition.Resources {
		urls = append(urls, resourceURL)
	}

	collect := func(commands []unit.ServiceCommand) {
		for i := range commands {
			if remote := commands[i].Executable.Remote; remote != nil {
				urls = append(urls, remote.Url)
			}
		}
	}

	collect([]unit.ServiceCommand{definition.Service.ExecStart})
	collect(definition.Service.ExecStartPre)
	collect(definition.Service.ExecStartPost)
	collect(definition.Service.ExecStop)
	collect(definition.Service.ExecStopPost)

	for _, rawURL := range urls {
		target, err := s.storePath(rawURL)
		if err != nil {
			continue
		}

		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			return err
		}

		if err := s.index.Forget(rawURL); err != nil {
			return err
		}
	}

	return nil
}

func (s *Store) resolveLocal(path string) (string, error) {
	expanded := strings.ReplaceAll(path, "$USERPROFILE", s.home)
	if filepath.IsAbs(expanded) {
		if _, err := os.Stat(expanded); err != nil {
			return "", err
		}

		return expanded, nil
	}

	found, ok := FindExe(expanded)
	if !ok {
		return "", fmt.Errorf("could not find %s in $PATH", expanded)
	}

	return found, nil
}

func (s *Store) resolveRemote(ctx context.Context, unitName string, remote *unit.RemoteExecutable) (string, error) {
	target, err := s.storePath(remote.Url)
	if err != nil {
		return "", &wpmerror.ResourceUnavailable{Name: unitName, Err: err}
	}

	_, err, _ = s.flight.Do(remote.Url, func() (any, error) {
		if s.cached(remote.Url, target) {
			log.WithUnit(unitName).Debug().Str("path", target).Msg("using cached executable")
			return nil, nil
		}

		log.WithUnit(unitName).Info().Str("url", remote.Url).Msg("downloading and caching executable")

		body, err := s.fetch(ctx, remote.Url)
		if err != nil {
			return nil, err
		}

		digest := sha256Hex(body)
		if !strings.EqualFold(digest, remote.Hash) {
			return nil, &wpmerror.HashMismatch{Expected: remote.Hash, Actual: digest}
		}

		if err := writeAtomic(target, body); err != nil {
			return nil, err
		}

		return nil, s.index.Record(Record{Url: remote.Url, Sha256: digest, Size: int64(len(body))})
	})

	if err != nil {
		return "", &wpmerror.ResourceUnavailable{Name: unitName, Err: err}
	}

	return target, nil
}

// cached reports a warm cache hit: the file exists and the index agrees the
// url was fetched. A file without an index record is treated as cold so that
// Rebuild evictions cannot be shadowed by stray files.
func (s *Store) cached(rawURL string, target string) bool {
	info, err := os.Stat(target)
	if err != nil || info.IsDir() {
		return false
	}

	_, ok, err := s.index.Lookup(rawURL)
	return err == nil && ok
}

// storePath derives the on-disk location for a url: the final path segment
// is the filename and everything before it, scheme stripped and slashes
// replaced by underscores, is the parent directory.
func (s *Store) storePath(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("url %s has no host", rawURL)
	}

	trimmed := parsed.Host + parsed.Path
	filename := trimmed[strings.LastIndex(trimmed, "/")+1:]
	if filename == "" {
		return "", fmt.Errorf("url %s has no filename segment", rawURL)
	}

	parent := strings.TrimSuffix(trimmed, filename)
	parent = strings.Trim(strings.ReplaceAll(parent, "/", "_"), "_")

	dir := filepath.Join(s.storeDir, parent)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	return filepath.Join(dir, filename), nil
}

func writeAtomic(target string, body []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".partial-*")
	if err != nil {
		return err
	}

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		return err
	}

	return nil
}
