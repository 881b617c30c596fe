package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LGUG2Z/wpm/pkg/unit"
	"github.com/LGUG2Z/wpm/pkg/wpmerror"
)

func scoopStore(t *testing.T, home string, scoop ScoopFunc) *Store {
	t.Helper()

	root := t.TempDir()
	s, err := New(Config{
		StoreDir: root,
		PkgDir:   filepath.Join(root, "pkg"),
		Home:     home,
		Scoop:    scoop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestResolveScoopInstallsWhenMissing(t *testing.T) {
	home := t.TempDir()
	binary := filepath.Join(home, "scoop", "apps", "kanata", "1.8.0", "kanata.exe")

	var installs atomic.Int32
	s := scoopStore(t, home, func(ctx context.Context, installArg string) error {
		installs.Add(1)
		assert.Equal(t, "https://example.com/bucket/kanata.json", installArg)

		require.NoError(t, os.MkdirAll(filepath.Dir(binary), 0o755))
		return os.WriteFile(binary, []byte("bin"), 0o755)
	})

	executable := unit.Executable{Scoop: &unit.ScoopExecutable{
		Package:  "kanata",
		Version:  "1.8.0",
		Manifest: "https://example.com/bucket/kanata.json",
	}}

	path, err := s.ResolveExecutable(context.Background(), "kanata", executable)
	require.NoError(t, err)
	assert.Equal(t, binary, path)
	assert.Equal(t, int32(1), installs.Load())

	// a second resolve is served from the installed tree
	path, err = s.ResolveExecutable(context.Background(), "kanata", executable)
	require.NoError(t, err)
	assert.Equal(t, binary, path)
	assert.Equal(t, int32(1), installs.Load())
}

func TestResolveScoopCustomTarget(t *testing.T) {
	home := t.TempDir()
	binary := filepath.Join(home, "scoop", "apps", "kanata", "1.8.0", "kanata_gui.exe")
	require.NoError(t, os.MkdirAll(filepath.Dir(binary), 0o755))
	require.NoError(t, os.WriteFile(binary, []byte("bin"), 0o755))

	s := scoopStore(t, home, func(ctx context.Context, installArg string) error {
		t.Fatal("install must not run when the binary exists")
		return nil
	})

	path, err := s.ResolveExecutable(context.Background(), "kanata", unit.Executable{Scoop: &unit.ScoopExecutable{
		Package:  "kanata",
		Version:  "1.8.0",
		Manifest: "https://example.com/bucket/kanata.json",
		Target:   "kanata_gui.exe",
	}})
	require.NoError(t, err)
	assert.Equal(t, binary, path)
}

func TestResolveScoopInstallFailure(t *testing.T) {
	s := scoopStore(t, t.TempDir(), func(ctx context.Context, installArg string) error {
		return errors.New("bucket unreachable")
	})

	_, err := s.ResolveExecutable(context.Background(), "kanata", unit.Executable{Scoop: &unit.ScoopExecutable{
		Package: "kanata",
		Version: "1.8.0",
		Bucket:  "extras",
	}})
	require.Error(t, err)

	var unavailable *wpmerror.ResourceUnavailable
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, "kanata", unavailable.Name)
}
