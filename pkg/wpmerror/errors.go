package wpmerror

import "fmt"

// UnknownUnit is returned when a control command names a unit that is not
// present in the registry.
type UnknownUnit struct {
	Name string
}

func (e *UnknownUnit) Error() string {
	return fmt.Sprintf("%s is not a registered unit", e.Name)
}

// UnknownResourceKey is returned by the template expander when a
// {{ Resources.KEY }} token names a key absent from the unit's resource map.
type UnknownResourceKey struct {
	Unit string
	Key  string
}

func (e *UnknownResourceKey) Error() string {
	return fmt.Sprintf("%s: unknown resource key %q", e.Unit, e.Key)
}

// ResourceUnavailable is returned when a remote resource or executable cannot
// be fetched or fails integrity verification.
type ResourceUnavailable struct {
	Name string
	Err  error
}

func (e *ResourceUnavailable) Error() string {
	return fmt.Sprintf("resource %s unavailable: %v", e.Name, e.Err)
}

func (e *ResourceUnavailable) Unwrap() error {
	return e.Err
}

// HashMismatch is returned when a downloaded executable does not match its
// pinned sha256.
type HashMismatch struct {
	Expected string
	Actual   string
}

func (e *HashMismatch) Error() string {
	return fmt.Sprintf("hash mismatch (expected %s, actual %s)", e.Expected, e.Actual)
}

// SpawnFailure is returned when the OS refuses to create a process.
type SpawnFailure struct {
	Unit string
	Err  error
}

func (e *SpawnFailure) Error() string {
	return fmt.Sprintf("%s: failed to spawn process: %v", e.Unit, e.Err)
}

func (e *SpawnFailure) Unwrap() error {
	return e.Err
}

// HookFailure is returned when a pre/stop/post hook command exits non-zero.
// Pre-start failures abort the start sequence; stop and post failures are
// logged and non-fatal.
type HookFailure struct {
	Unit     string
	Hook     string
	ExitCode int
}

func (e *HookFailure) Error() string {
	return fmt.Sprintf("%s: %s hook exited with code %d", e.Unit, e.Hook, e.ExitCode)
}

// HealthcheckFailure is returned when a unit's healthcheck does not pass
// within its retry budget.
type HealthcheckFailure struct {
	Unit    string
	Retries int
}

func (e *HealthcheckFailure) Error() string {
	return fmt.Sprintf("%s failed its healthcheck after %d retries; reset unit before trying again", e.Unit, e.Retries)
}

// UnexpectedExit records an exit of a running unit's process that was not
// requested through a stop; it drives the restart policy.
type UnexpectedExit struct {
	Unit     string
	ExitCode int
}

func (e *UnexpectedExit) Error() string {
	return fmt.Sprintf("%s: process terminated unexpectedly with exit code %d", e.Unit, e.ExitCode)
}

// DependencyFailed is assigned by the scheduler to every unit transitively
// blocked by a failed dependency.
type DependencyFailed struct {
	Unit       string
	Dependency string
}

func (e *DependencyFailed) Error() string {
	return fmt.Sprintf("%s: dependency %s failed", e.Unit, e.Dependency)
}

// LoadError is returned by registry load/reload when the unit directory
// contains an invalid set of definitions. The previous registry contents are
// retained.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("unit load failed: %v", e.Err)
	}

	return fmt.Sprintf("unit load failed for %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}
