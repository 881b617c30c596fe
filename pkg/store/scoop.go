package store

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/unit"
	"github.com/LGUG2Z/wpm/pkg/wpmerror"
)

// ScoopFunc installs a scoop package. The default implementation shells out
// to the user's scoop shim; tests substitute fakes.
type ScoopFunc func(ctx context.Context, installArg string) error

// RunScoop invokes `scoop install <arg>` through the user's shim.
func RunScoop(ctx context.Context, installArg string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}

	shim := filepath.Join(home, "scoop", "shims", "scoop.cmd")
	cmd := exec.CommandContext(ctx, shim, "install", installArg)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("scoop install %s: %w: %s", installArg, err, output)
	}

	return nil
}

// resolveScoop locates the package's binary under the scoop apps tree,
// installing the requested version first when it is missing.
func (s *Store) resolveScoop(ctx context.Context, unitName string, scoop *unit.ScoopExecutable) (string, error) {
	target := scoop.Target
	if target == "" {
		target = scoop.Package + ".exe"
	}

	binary := filepath.Join(s.home, "scoop", "apps", scoop.Package, scoop.Version, target)
	if _, err := os.Stat(binary); err == nil {
		log.WithUnit(unitName).Debug().Str("path", binary).Msg("using scoop executable")
		return binary, nil
	}

	installArg := scoop.Manifest
	if installArg == "" {
		installArg = fmt.Sprintf("%s/%s@%s", scoop.Bucket, scoop.Package, scoop.Version)
	}

	_, err, _ := s.flight.Do("scoop:"+installArg, func() (any, error) {
		log.WithUnit(unitName).Info().Str("package", scoop.Package).Str("version", scoop.Version).Msg("installing scoop package")
		return nil, s.scoop(ctx, installArg)
	})
	if err != nil {
		return "", &wpmerror.ResourceUnavailable{Name: scoop.Package, Err: err}
	}

	if _, err := os.Stat(binary); err != nil {
		return "", &wpmerror.ResourceUnavailable{Name: scoop.Package, Err: err}
	}

	return binary, nil
}
