// Package paths resolves the per-user directories used by wpm: the unit
// definition directory and the local state root holding downloads, installed
// packages, logs and the control socket.
package paths

import (
	"os"
	"path/filepath"
	"sync"
)

var (
	dataDirOnce sync.Once
	dataDir     string
)

// HomeDir returns the current user's home directory.
func HomeDir() (string, error) {
	return os.UserHomeDir()
}

// UnitsDir returns the unit definition directory, <home>/.config/wpm,
// creating it if absent.
func UnitsDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	dir := filepath.Join(home, ".config", "wpm")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	return dir, nil
}

// DataDir returns the local state root, <local-data>/wpm, creating it and its
// logs/, store/ and pkg/ subtrees if absent. On Windows the local data root
// is %LOCALAPPDATA%; elsewhere it is $XDG_DATA_HOME or ~/.local/share.
func DataDir() (string, error) {
	var err error
	dataDirOnce.Do(func() {
		var root string
		root, err = localDataRoot()
		if err != nil {
			return
		}

		dir := filepath.Join(root, "wpm")
		for _, sub := range []string{dir, filepath.Join(dir, "logs"), filepath.Join(dir, "store"), filepath.Join(dir, "pkg")} {
			if err = os.MkdirAll(sub, 0o755); err != nil {
				return
			}
		}

		dataDir = dir
	})

	if err != nil {
		return "", err
	}

	return dataDir, nil
}

func localDataRoot() (string, error) {
	if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
		return localAppData, nil
	}

	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return xdg, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(home, ".local", "share"), nil
}

// StoreDir returns the content-addressed download cache, <data>/store.
func StoreDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "store"), nil
}

// PkgDir returns the installed package tree, <data>/pkg.
func PkgDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "pkg"), nil
}

// LogDir returns the per-unit log capture directory, <data>/logs.
func LogDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "logs"), nil
}

// UnitLogPath returns the log capture file for a unit.
func UnitLogPath(unit string) (string, error) {
	dir, err := LogDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, unit+".log"), nil
}

// DaemonLogPath returns the daemon's own log file.
func DaemonLogPath() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, "wpmd.log"), nil
}
