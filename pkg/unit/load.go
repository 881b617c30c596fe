package unit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Load parses a single unit document from path. The format is chosen by file
// extension: .json or .toml. The returned definition is normalized but not
// validated against the rest of the registry.
func Load(path string) (*Definition, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var definition Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(raw, &definition); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	case ".toml":
		if err := toml.Unmarshal(raw, &definition); err != nil {
			return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported unit file extension", filepath.Base(path))
	}

	definition.Normalize()

	if err := definition.Validate(); err != nil {
		return nil, err
	}

	return &definition, nil
}

// DiscoverPaths lists the unit files in dir: every *.json and *.toml entry,
// skipping the taplo formatter's own configuration files.
func DiscoverPaths(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		switch strings.ToLower(filepath.Ext(name)) {
		case ".json":
			paths = append(paths, filepath.Join(dir, name))
		case ".toml":
			if name == "taplo.toml" || name == ".taplo.toml" {
				continue
			}

			paths = append(paths, filepath.Join(dir, name))
		}
	}

	return paths, nil
}

// Normalize applies the defaulting rules: a missing Kind is Simple, the
// Oneshot spelling is accepted for OneShot, a Simple service without a
// healthcheck receives the default process healthcheck, and a OneShot
// service's healthcheck is discarded.
func (d *Definition) Normalize() {
	switch d.Service.Kind {
	case "", "simple":
		d.Service.Kind = KindSimple
	case "Oneshot", "oneshot":
		d.Service.Kind = KindOneShot
	}

	if d.Service.Restart == "" {
		d.Service.Restart = RestartNever
	}

	switch d.Service.Kind {
	case KindSimple:
		if d.Service.Healthcheck == nil {
			d.Service.Healthcheck = DefaultHealthcheck()
		}
	case KindOneShot:
		d.Service.Healthcheck = nil
	}
}

// Validate enforces the shape rules local to one definition. Cross-unit
// rules (dependency existence, acyclicity, name uniqueness) belong to the
// registry.
func (d *Definition) Validate() error {
	name := d.Unit.Name
	if name == "" {
		return fmt.Errorf("unit definition is missing a name")
	}

	if !d.Service.ExecStart.Executable.IsSet() {
		return fmt.Errorf("%s: ExecStart must name an executable", name)
	}

	for _, command := range d.allCommands() {
		if err := command.Executable.validate(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}

	switch d.Service.Kind {
	case KindSimple, KindOneShot, KindForking:
	default:
		return fmt.Errorf("%s: unknown service kind %q", name, d.Service.Kind)
	}

	switch d.Service.Restart {
	case RestartNever, RestartAlways, RestartOnFailure:
	default:
		return fmt.Errorf("%s: unknown restart strategy %q", name, d.Service.Restart)
	}

	if hc := d.Service.Healthcheck; hc != nil {
		if (hc.Command == nil) == (hc.Process == nil) {
			return fmt.Errorf("%s: healthcheck must be exactly one of Command or Process", name)
		}

		if hc.Command != nil && hc.Command.Executable == "" {
			return fmt.Errorf("%s: command healthcheck must name an executable", name)
		}
	}

	// a forking service's original process exits; liveness can only be
	// established by finding the surviving descendant by image name
	if d.Service.Kind == KindForking {
		hc := d.Service.Healthcheck
		if hc == nil || hc.Process == nil || hc.Process.Target == "" {
			return fmt.Errorf("%s: a forking service must have a process healthcheck target defined", name)
		}
	}

	if d.Service.Kind == KindSimple {
		hc := d.Service.Healthcheck
		if hc != nil && hc.Process != nil && hc.Process.Target != "" {
			return fmt.Errorf("%s: a simple service cannot have a separate process healthcheck target", name)
		}
	}

	seen := make(map[string]bool, len(d.Unit.Requires))
	for _, dep := range d.Unit.Requires {
		if dep == name {
			return fmt.Errorf("%s: unit requires itself", name)
		}

		if seen[dep] {
			return fmt.Errorf("%s: duplicate dependency %s", name, dep)
		}

		seen[dep] = true
	}

	return nil
}

func (e *Executable) validate() error {
	set := 0
	if e.Local != "" {
		set++
	}

	if e.Remote != nil {
		set++
		if e.Remote.Url == "" || e.Remote.Hash == "" {
			return fmt.Errorf("remote executable requires both Url and Hash")
		}
	}

	if e.Scoop != nil {
		set++
		if e.Scoop.Package == "" || e.Scoop.Version == "" {
			return fmt.Errorf("scoop executable requires both Package and Version")
		}

		if e.Scoop.Manifest == "" && e.Scoop.Bucket == "" {
			return fmt.Errorf("scoop executable requires a Manifest url or a Bucket")
		}
	}

	switch set {
	case 0:
		return fmt.Errorf("executable must be one of Local, Remote or Scoop")
	case 1:
		return nil
	default:
		return fmt.Errorf("executable must be exactly one of Local, Remote or Scoop")
	}
}

func (d *Definition) allCommands() []*ServiceCommand {
	commands := []*ServiceCommand{&d.Service.ExecStart}
	for _, group := range [][]ServiceCommand{
		d.Service.ExecStartPre,
		d.Service.ExecStartPost,
		d.Service.ExecStop,
		d.Service.ExecStopPost,
	} {
		for i := range group {
			commands = append(commands, &group[i])
		}
	}

	return commands
}

// HookCommands returns the named auxiliary command sequences, in the order
// they run across a start/stop cycle.
func (s *Service) HookCommands() map[string][]ServiceCommand {
	return map[string][]ServiceCommand{
		"ExecStartPre":  s.ExecStartPre,
		"ExecStartPost": s.ExecStartPost,
		"ExecStop":      s.ExecStop,
		"ExecStopPost":  s.ExecStopPost,
	}
}
