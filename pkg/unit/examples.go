package unit

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

const exampleSchemaURL = "https://raw.githubusercontent.com/LGUG2Z/wpm/refs/heads/master/schema.unit.json"

// Examples returns a set of canned unit definitions showcasing local,
// remote and scoop executables, healthchecks, hooks and dependencies.
func Examples() []Definition {
	return []Definition{
		{
			Unit: Unit{
				Name:        "kanata",
				Description: "Software keyboard remapper",
			},
			Service: Service{
				Kind: KindSimple,
				ExecStart: ServiceCommand{
					Executable: Executable{Scoop: &ScoopExecutable{
						Package:  "kanata",
						Version:  "1.8.0",
						Manifest: "https://raw.githubusercontent.com/ScoopInstaller/Extras/653cfbfc224e40343a49510b2f47dd30c5ca7790/bucket/kanata.json",
					}},
					Arguments: []string{"-c", "$USERPROFILE/minimal.kbd", "--port", "9999"},
				},
				Healthcheck: DefaultHealthcheck(),
			},
		},
		{
			Unit: Unit{
				Name:        "whkd",
				Description: "Simple hotkey daemon for Windows",
			},
			Service: Service{
				Kind: KindSimple,
				ExecStart: ServiceCommand{
					Executable: Executable{Local: "whkd.exe"},
				},
				Healthcheck: DefaultHealthcheck(),
				Restart:     RestartOnFailure,
				RestartSec:  2,
			},
		},
		{
			Unit: Unit{
				Name:        "komorebi",
				Description: "Tiling window management for Windows",
				Requires:    []string{"whkd", "kanata"},
			},
			Service: Service{
				Kind: KindSimple,
				ExecStart: ServiceCommand{
					Executable: Executable{Local: "komorebi.exe"},
					Arguments:  []string{"--config", "$USERPROFILE/.config/komorebi/komorebi.json"},
					Environment: []EnvVar{
						{Name: "KOMOREBI_CONFIG_HOME", Value: "$USERPROFILE/.config/komorebi"},
					},
				},
				Healthcheck: &Healthcheck{Command: &CommandHealthcheck{
					Executable: "komorebic.exe",
					Arguments:  []string{"state"},
					DelaySec:   1,
				}},
				ExecStop: []ServiceCommand{
					{Executable: Executable{Local: "komorebic.exe"}, Arguments: []string{"stop"}},
				},
				ExecStopPost: []ServiceCommand{
					{Executable: Executable{Local: "komorebic.exe"}, Arguments: []string{"restore-windows"}},
				},
			},
		},
		{
			Unit: Unit{
				Name:        "komorebi-bar",
				Description: "Status bar for komorebi",
				Requires:    []string{"komorebi"},
			},
			Service: Service{
				Kind: KindSimple,
				Environment: []EnvVar{
					{Name: "KOMOREBI_CONFIG_HOME", Value: "$USERPROFILE/.config/komorebi"},
				},
				ExecStart: ServiceCommand{
					Executable: Executable{Local: "komorebi-bar.exe"},
					Arguments:  []string{"--config", "$USERPROFILE/.config/komorebi/komorebi.bar.json"},
				},
				Healthcheck: DefaultHealthcheck(),
			},
		},
		{
			Unit: Unit{
				Name:        "mousemaster",
				Description: "A keyboard driven interface for mouseless mouse manipulation",
				Requires:    []string{"whkd", "kanata"},
			},
			Service: Service{
				Kind: KindSimple,
				ExecStart: ServiceCommand{
					Executable: Executable{Remote: &RemoteExecutable{
						Url:  "https://github.com/petoncle/mousemaster/releases/download/69/mousemaster.exe",
						Hash: "fb01d97beaa9b84ce312e5c5fe2976124c5cb4316a10b4541f985566731a36ab",
					}},
					Arguments: []string{
						"--configuration-file=$USERPROFILE/Downloads/mousemaster.properties",
						"--pause-on-error=false",
					},
				},
				Healthcheck: &Healthcheck{Process: &ProcessHealthcheck{DelaySec: 2}},
				Restart:     RestartOnFailure,
				RestartSec:  2,
			},
		},
		{
			Unit: Unit{
				Name:        "desktop",
				Description: "Everything I need to work on Windows",
				Requires:    []string{"komorebi", "komorebi-bar", "mousemaster"},
			},
			Service: Service{
				Kind:      KindOneShot,
				Autostart: true,
				ExecStart: ServiceCommand{
					Executable: Executable{Local: "msg.exe"},
					Arguments:  []string{"*", "Desktop recipe completed!"},
				},
			},
		},
	}
}

// WriteExamples renders the canned examples into dir as both JSON and TOML
// documents.
func WriteExamples(dir string) error {
	for _, format := range []string{"json", "toml"} {
		parent := filepath.Join(dir, format)
		if err := os.MkdirAll(parent, 0o755); err != nil {
			return err
		}

		for _, example := range Examples() {
			var (
				data []byte
				err  error
			)

			switch format {
			case "json":
				example.Schema = exampleSchemaURL
				data, err = json.MarshalIndent(&example, "", "  ")
			case "toml":
				data, err = toml.Marshal(&example)
			}

			if err != nil {
				return err
			}

			path := filepath.Join(parent, example.Unit.Name+"."+format)
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
		}
	}

	return nil
}
