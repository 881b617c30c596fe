package daemon

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration read from <units-dir>/wpmd.yaml. Every
// field is optional; the zero value runs with defaults.
type Config struct {
	// LogLevel is one of debug, info, warn, error (default: info)
	LogLevel string `yaml:"log_level"`
	// UnitDir overrides the unit definition directory
	UnitDir string `yaml:"unit_dir"`
	// MetricsAddr enables the Prometheus listener when set, e.g.
	// 127.0.0.1:9640
	MetricsAddr string `yaml:"metrics_addr"`
	// Watch reloads the registry when the unit directory changes
	Watch bool `yaml:"watch"`
	// GraceSec overrides the termination grace period
	GraceSec uint64 `yaml:"grace_sec"`
}

// LoadConfig reads the configuration file at path. A missing file yields
// the zero configuration.
func LoadConfig(path string) (Config, error) {
	var cfg Config

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}

		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}
