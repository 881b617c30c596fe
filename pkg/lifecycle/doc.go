// Package lifecycle drives each unit through its supervisory state machine.
//
// # State Machine
//
//	Stopped ──start()──► Starting ──ok──► Running ──stop()──► Stopping ──► Stopped
//	                       │                 │                 │
//	                       │ fail            │ exit            │
//	                       ▼                 ▼                 ▼
//	                   Failed            Failed/Completed   Stopped/Failed
//
// Stopped is the initial state. Completed is terminal for oneshot units;
// Failed is terminal until an explicit reset or restart.
//
// # Start Sequence
//
// A start resolves the unit's remote resources first, so that every
// {{ Resources.KEY }} token in later commands expands to a concrete local
// path. ExecStartPre hooks then run sequentially; any non-zero exit aborts
// the start. The main process is spawned with its merged environment
// (environment file first, then service variables, then command variables,
// later entries shadowing earlier ones) and its stdout and stderr appended
// to the unit's log file. The healthcheck gates the transition to Running:
// a Command healthcheck passes when its probe exits zero within the retry
// budget, a Process healthcheck verifies pid or image-name liveness after a
// delay. ExecStartPost hooks run after the healthcheck passes; their
// failures are logged but non-fatal.
//
// The whole spawn-and-probe pass is retried up to the ExecStart RetryLimit
// within a single start command. Hook failures and resource resolution
// failures are not retried.
//
// # Supervision and Restart
//
// A goroutine waits on every running unit's process. When the process exits
// without a stop having been requested, ExecStopPost hooks run and the
// restart strategy decides what happens next: Never records Stopped or
// Failed by exit code, Always re-enters the start sequence after RestartSec,
// OnFailure does the same for non-zero exits only. Consecutive failures are
// budgeted by the ExecStart RetryLimit; the counter resets once a run
// survives past its healthcheck long enough to be considered healthy.
//
// # Stop Sequence
//
// A stop runs ExecStop hooks, asks the process to terminate, force-kills it
// if it survives the grace period, and always runs ExecStopPost hooks before
// recording Stopped.
//
// # Concurrency
//
// Every unit carries a transition lock; at most one of Starting or Stopping
// is in flight per unit, and redundant start or stop commands return success
// without side effects. Hook and probe invocations are one-shot commands
// with timeouts; they never enter the supervision loop.
package lifecycle
