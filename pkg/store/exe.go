package store

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// FindExe resolves a bare executable name against $PATH, appending .exe on
// Windows when the name carries no extension.
func FindExe(name string) (string, bool) {
	candidates := []string{name}
	if runtime.GOOS == "windows" && filepath.Ext(name) == "" {
		candidates = []string{name + ".exe", name}
	}

	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		if dir == "" {
			continue
		}

		for _, candidate := range candidates {
			full := filepath.Join(dir, candidate)
			info, err := os.Stat(full)
			if err != nil || info.IsDir() {
				continue
			}

			return full, true
		}
	}

	// a relative path such as .\tool.exe still resolves against the cwd
	if strings.ContainsRune(name, os.PathSeparator) || strings.ContainsRune(name, '/') {
		if info, err := os.Stat(name); err == nil && !info.IsDir() {
			abs, err := filepath.Abs(name)
			if err == nil {
				return abs, true
			}
		}
	}

	return "", false
}
