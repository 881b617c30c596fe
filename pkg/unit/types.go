package unit

import "time"

// Definition is a wpm unit document: identity and dependencies, remote
// resources, and the service the unit executes.
type Definition struct {
	// JSON Schema reference for editor completions
	Schema string `json:"Schema,omitempty" toml:"Schema,omitempty"`
	// Information about this definition and its dependencies
	Unit Unit `json:"Unit" toml:"Unit"`
	// Remote resources used by this definition, keyed by the symbolic name
	// exposed to templates as Resources.<key>
	Resources map[string]string `json:"Resources,omitempty" toml:"Resources,omitempty"`
	// Information about what this definition executes
	Service Service `json:"Service" toml:"Service"`
}

// Unit identifies a definition and names its dependencies.
type Unit struct {
	// Name of this definition, must be unique
	Name string `json:"Name" toml:"Name"`
	// Description of this definition
	Description string `json:"Description,omitempty" toml:"Description,omitempty"`
	// Dependencies of this definition, validated at load
	Requires []string `json:"Requires,omitempty" toml:"Requires,omitempty"`
}

// ServiceKind classifies how a service's process lifetime maps to unit
// health.
type ServiceKind string

const (
	// KindSimple is a long-lived process; success means the process is alive
	// after the healthcheck passes
	KindSimple ServiceKind = "Simple"
	// KindOneShot is expected to run to completion; success is exit 0
	KindOneShot ServiceKind = "OneShot"
	// KindForking launches a process which forks and exits; the surviving
	// descendant is the service
	KindForking ServiceKind = "Forking"
)

// RestartStrategy controls what happens when a running unit's process exits
// without a stop having been requested.
type RestartStrategy string

const (
	RestartNever     RestartStrategy = "Never"
	RestartAlways    RestartStrategy = "Always"
	RestartOnFailure RestartStrategy = "OnFailure"
)

// Service describes what a definition executes and how it is supervised.
type Service struct {
	// Kind of service definition; a Type key is not recognised as an alias
	Kind ServiceKind `json:"Kind,omitempty" toml:"Kind,omitempty"`
	// Autostart this definition with wpmd
	Autostart bool `json:"Autostart,omitempty" toml:"Autostart,omitempty"`
	// Commands executed before ExecStart
	ExecStartPre []ServiceCommand `json:"ExecStartPre,omitempty" toml:"ExecStartPre,omitempty"`
	// Command executed by this service definition
	ExecStart ServiceCommand `json:"ExecStart" toml:"ExecStart"`
	// Commands executed after ExecStart
	ExecStartPost []ServiceCommand `json:"ExecStartPost,omitempty" toml:"ExecStartPost,omitempty"`
	// Shutdown commands
	ExecStop []ServiceCommand `json:"ExecStop,omitempty" toml:"ExecStop,omitempty"`
	// Post-shutdown cleanup commands
	ExecStopPost []ServiceCommand `json:"ExecStopPost,omitempty" toml:"ExecStopPost,omitempty"`
	// Environment variables inherited by all commands in this service
	Environment []EnvVar `json:"Environment,omitempty" toml:"Environment,omitempty"`
	// Path to an environment file inherited by all commands in this service
	EnvironmentFile string `json:"EnvironmentFile,omitempty" toml:"EnvironmentFile,omitempty"`
	// Working directory for this service
	WorkingDirectory string `json:"WorkingDirectory,omitempty" toml:"WorkingDirectory,omitempty"`
	// Healthcheck for this service
	Healthcheck *Healthcheck `json:"Healthcheck,omitempty" toml:"Healthcheck,omitempty"`
	// Restart strategy for this service
	Restart RestartStrategy `json:"Restart,omitempty" toml:"Restart,omitempty"`
	// Seconds to sleep before attempting a restart (default: 1)
	RestartSec uint64 `json:"RestartSec,omitempty" toml:"RestartSec,omitempty"`
}

// EnvVar is one environment variable; values are template-expandable.
type EnvVar struct {
	Name  string `json:"Name" toml:"Name"`
	Value string `json:"Value" toml:"Value"`
}

// ServiceCommand is one invocable command within a service definition.
type ServiceCommand struct {
	// Executable to invoke
	Executable Executable `json:"Executable" toml:"Executable"`
	// Arguments passed to the executable, each template-expandable
	Arguments []string `json:"Arguments,omitempty" toml:"Arguments,omitempty"`
	// Environment variables for this command
	Environment []EnvVar `json:"Environment,omitempty" toml:"Environment,omitempty"`
	// Path to an environment file for this command
	EnvironmentFile string `json:"EnvironmentFile,omitempty" toml:"EnvironmentFile,omitempty"`
	// Maximum start attempts for ExecStart (default: 5)
	RetryLimit int `json:"RetryLimit,omitempty" toml:"RetryLimit,omitempty"`
}

// Executable names a binary as a local path, a hash-pinned remote file, or a
// Scoop package. Exactly one field must be set.
type Executable struct {
	// Local file path, or a bare name resolved on $PATH
	Local string `json:"Local,omitempty" toml:"Local,omitempty"`
	// Remote executable verified by sha256
	Remote *RemoteExecutable `json:"Remote,omitempty" toml:"Remote,omitempty"`
	// Executable installed through the Scoop package manager
	Scoop *ScoopExecutable `json:"Scoop,omitempty" toml:"Scoop,omitempty"`
}

// RemoteExecutable is a remote file pinned by its sha256 hash.
type RemoteExecutable struct {
	// Url to a remote executable
	Url string `json:"Url" toml:"Url"`
	// Sha256 hash of the remote executable
	Hash string `json:"Hash" toml:"Hash"`
}

// ScoopExecutable is a package whose installation and binary location are
// delegated to Scoop, identified either by a raw manifest url or by a
// well-known bucket.
type ScoopExecutable struct {
	// Name of the package
	Package string `json:"Package" toml:"Package"`
	// Version of the package
	Version string `json:"Version" toml:"Version"`
	// Url to a Scoop manifest
	Manifest string `json:"Manifest,omitempty" toml:"Manifest,omitempty"`
	// Bucket that the package is found in, when no manifest url is given
	Bucket string `json:"Bucket,omitempty" toml:"Bucket,omitempty"`
	// Target executable in the package (default: <package>.exe)
	Target string `json:"Target,omitempty" toml:"Target,omitempty"`
}

// Healthcheck decides whether a newly spawned unit is healthy. Exactly one
// field must be set.
type Healthcheck struct {
	// Liveness decided by the successful exit of a command
	Command *CommandHealthcheck `json:"Command,omitempty" toml:"Command,omitempty"`
	// Liveness decided by the presence of a process
	Process *ProcessHealthcheck `json:"Process,omitempty" toml:"Process,omitempty"`
}

// CommandHealthcheck passes when the command exits 0, retried after DelaySec
// on failure up to RetryLimit times.
type CommandHealthcheck struct {
	// Executable name or absolute path to an executable
	Executable string `json:"Executable" toml:"Executable"`
	// Arguments passed to the executable
	Arguments []string `json:"Arguments,omitempty" toml:"Arguments,omitempty"`
	// Environment variables for this command
	Environment []EnvVar `json:"Environment,omitempty" toml:"Environment,omitempty"`
	// Seconds to delay before checking for liveness
	DelaySec uint64 `json:"DelaySec" toml:"DelaySec"`
	// Maximum number of retries (default: 5)
	RetryLimit int `json:"RetryLimit,omitempty" toml:"RetryLimit,omitempty"`
}

// ProcessHealthcheck passes when, after DelaySec, either the spawned pid is
// still alive or, when Target is set, at least one process with that image
// name exists.
type ProcessHealthcheck struct {
	// An optional binary image name with which to check process liveness
	Target string `json:"Target,omitempty" toml:"Target,omitempty"`
	// Seconds to delay before checking for liveness
	DelaySec uint64 `json:"DelaySec" toml:"DelaySec"`
}

const (
	// DefaultRetryLimit bounds start attempts and healthcheck retries
	DefaultRetryLimit = 5
	// DefaultRestartSec is the pause before a policy-driven restart
	DefaultRestartSec = 1
)

// DefaultHealthcheck is the healthcheck assigned to Simple services that do
// not declare one.
func DefaultHealthcheck() *Healthcheck {
	return &Healthcheck{Process: &ProcessHealthcheck{DelaySec: 1}}
}

// RestartDelay returns the configured restart pause.
func (s *Service) RestartDelay() time.Duration {
	sec := s.RestartSec
	if sec == 0 {
		sec = DefaultRestartSec
	}

	return time.Duration(sec) * time.Second
}

// StartRetryLimit returns the retry budget for the start sequence.
func (c *ServiceCommand) StartRetryLimit() int {
	if c.RetryLimit <= 0 {
		return DefaultRetryLimit
	}

	return c.RetryLimit
}

// Retries returns the healthcheck retry budget.
func (h *CommandHealthcheck) Retries() int {
	if h.RetryLimit <= 0 {
		return DefaultRetryLimit
	}

	return h.RetryLimit
}

// IsSet reports whether any variant of the executable is populated.
func (e *Executable) IsSet() bool {
	return e.Local != "" || e.Remote != nil || e.Scoop != nil
}

// State is a unit's supervisory state.
type State string

const (
	StateStopped   State = "Stopped"
	StateStarting  State = "Starting"
	StateRunning   State = "Running"
	StateStopping  State = "Stopping"
	StateCompleted State = "Completed"
	StateFailed    State = "Failed"
)

// Terminal reports whether a state admits no further transitions without an
// explicit command.
func (s State) Terminal() bool {
	switch s {
	case StateStopped, StateCompleted, StateFailed:
		return true
	default:
		return false
	}
}

// Status is the lock-free snapshot record for one unit.
type Status struct {
	Name      string      `json:"name"`
	Kind      ServiceKind `json:"kind"`
	State     State       `json:"state"`
	Pid       int         `json:"pid,omitempty"`
	Timestamp time.Time   `json:"timestamp,omitempty"`
	LastError string      `json:"last_error,omitempty"`
	LogPath   string      `json:"log_path,omitempty"`
}
