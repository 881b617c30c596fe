package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LGUG2Z/wpm/pkg/unit"
	"github.com/LGUG2Z/wpm/pkg/wpmerror"
)

func testStore(t *testing.T, fetch FetchFunc) *Store {
	t.Helper()

	root := t.TempDir()
	s, err := New(Config{
		StoreDir: root,
		PkgDir:   filepath.Join(root, "pkg"),
		Home:     root,
		Fetch:    fetch,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestResolveResourceDownloadsOnce(t *testing.T) {
	var downloads atomic.Int32
	s := testStore(t, func(ctx context.Context, url string) ([]byte, error) {
		downloads.Add(1)
		return []byte("payload"), nil
	})

	const url = "https://example.com/configs/app/config.json"

	var wg sync.WaitGroup
	paths := make([]string, 8)
	errs := make([]error, 8)
	for i := range paths {
		wg.Add(1)
		go func() {
			defer wg.Done()
			paths[i], errs[i] = s.ResolveResource(context.Background(), "svc", "CONFIG", url)
		}()
	}

	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	for _, path := range paths {
		assert.Equal(t, paths[0], path)
	}

	// a later resolve is served from the cache
	again, err := s.ResolveResource(context.Background(), "svc", "CONFIG", url)
	require.NoError(t, err)
	assert.Equal(t, paths[0], again)
	assert.Equal(t, int32(1), downloads.Load())

	body, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))
}

func TestResolveResourcePathDerivation(t *testing.T) {
	s := testStore(t, func(ctx context.Context, url string) ([]byte, error) {
		return []byte("x"), nil
	})

	path, err := s.ResolveResource(context.Background(), "svc", "KBD", "https://example.com/dotfiles/kbd/minimal.kbd")
	require.NoError(t, err)

	assert.Equal(t, "minimal.kbd", filepath.Base(path))
	assert.Equal(t, "example.com_dotfiles_kbd", filepath.Base(filepath.Dir(path)))
}

func TestResolveRemoteVerifiesHash(t *testing.T) {
	body := []byte("binary contents")
	digest := sha256.Sum256(body)

	s := testStore(t, func(ctx context.Context, url string) ([]byte, error) {
		return body, nil
	})

	remote := &unit.RemoteExecutable{
		Url:  "https://example.com/releases/tool.exe",
		Hash: hex.EncodeToString(digest[:]),
	}

	path, err := s.ResolveExecutable(context.Background(), "svc", unit.Executable{Remote: remote})
	require.NoError(t, err)

	cached, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, body, cached)
}

func TestResolveRemoteHashMismatchLeavesNoFile(t *testing.T) {
	s := testStore(t, func(ctx context.Context, url string) ([]byte, error) {
		return []byte("tampered"), nil
	})

	remote := &unit.RemoteExecutable{
		Url:  "https://example.com/releases/tool.exe",
		Hash: "deadbeef",
	}

	_, err := s.ResolveExecutable(context.Background(), "svc", unit.Executable{Remote: remote})
	require.Error(t, err)

	var unavailable *wpmerror.ResourceUnavailable
	require.ErrorAs(t, err, &unavailable)

	var mismatch *wpmerror.HashMismatch
	assert.True(t, errors.As(err, &mismatch))

	entries, err := os.ReadDir(filepath.Join(s.storeDir, "example.com_releases"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestResolveResourceFetchFailure(t *testing.T) {
	s := testStore(t, func(ctx context.Context, url string) ([]byte, error) {
		return nil, errors.New("connection refused")
	})

	_, err := s.ResolveResource(context.Background(), "svc", "CONFIG", "https://example.com/a/b.json")
	require.Error(t, err)

	var unavailable *wpmerror.ResourceUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "CONFIG", unavailable.Name)
}

func TestEvictForcesRedownload(t *testing.T) {
	var downloads atomic.Int32
	s := testStore(t, func(ctx context.Context, url string) ([]byte, error) {
		downloads.Add(1)
		return []byte("v"), nil
	})

	definition := &unit.Definition{
		Unit:      unit.Unit{Name: "svc"},
		Resources: map[string]string{"CONFIG": "https://example.com/a/config.json"},
		Service: unit.Service{
			ExecStart: unit.ServiceCommand{Executable: unit.Executable{Local: "svc"}},
		},
	}

	_, err := s.ResolveResource(context.Background(), "svc", "CONFIG", definition.Resources["CONFIG"])
	require.NoError(t, err)
	require.Equal(t, int32(1), downloads.Load())

	require.NoError(t, s.Evict(definition))

	_, err = s.ResolveResource(context.Background(), "svc", "CONFIG", definition.Resources["CONFIG"])
	require.NoError(t, err)
	assert.Equal(t, int32(2), downloads.Load())
}

func TestResolveLocalAbsolute(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))

	s := testStore(t, nil)

	resolved, err := s.ResolveExecutable(context.Background(), "svc", unit.Executable{Local: path})
	require.NoError(t, err)
	assert.Equal(t, path, resolved)

	_, err = s.ResolveExecutable(context.Background(), "svc", unit.Executable{Local: filepath.Join(dir, "missing")})
	assert.Error(t, err)
}

func TestFindExe(t *testing.T) {
	dir := t.TempDir()
	name := "wpm-test-tool"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("bin"), 0o755))
	t.Setenv("PATH", dir)

	found, ok := FindExe("wpm-test-tool")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, name), found)

	_, ok = FindExe("definitely-not-present")
	assert.False(t, ok)
}

func TestIndexRoundTrip(t *testing.T) {
	index, err := OpenIndex(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer index.Close()

	require.NoError(t, index.Record(Record{Url: "https://x/y", Sha256: "abc", Size: 3}))

	record, found, err := index.Lookup("https://x/y")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "abc", record.Sha256)
	assert.False(t, record.FetchedAt.IsZero())

	records, err := index.List()
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, index.Forget("https://x/y"))
	_, found, err = index.Lookup("https://x/y")
	require.NoError(t, err)
	assert.False(t, found)
}
