package lifecycle

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/LGUG2Z/wpm/pkg/events"
	"github.com/LGUG2Z/wpm/pkg/health"
	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/metrics"
	"github.com/LGUG2Z/wpm/pkg/proc"
	"github.com/LGUG2Z/wpm/pkg/registry"
	"github.com/LGUG2Z/wpm/pkg/template"
	"github.com/LGUG2Z/wpm/pkg/unit"
	"github.com/LGUG2Z/wpm/pkg/wpmerror"
)

// Resolver maps executable descriptors and resource urls to local paths.
// Implemented by the resource store; tests substitute fakes.
type Resolver interface {
	ResolveExecutable(ctx context.Context, unitName string, executable unit.Executable) (string, error)
	ResolveResource(ctx context.Context, unitName string, key string, url string) (string, error)
}

const (
	// hookTimeout bounds one hook invocation
	hookTimeout = 60 * time.Second
	// defaultGrace is the pause between graceful termination and force kill
	defaultGrace = 5 * time.Second
	// healthyRunThreshold is how long a run must survive past its
	// healthcheck for the restart failure counter to reset
	healthyRunThreshold = 10 * time.Second
)

// Config carries the engine's construction inputs.
type Config struct {
	Registry *registry.Registry
	Resolver Resolver
	Broker   *events.Broker
	// Home is the $USERPROFILE substitution value
	Home string
	// LogDir receives per-unit capture files
	LogDir string
	// Grace overrides the termination grace period
	Grace time.Duration
	// OnRestartRequest is invoked when the restart policy wants a unit
	// started again; the scheduler enqueues it like any other command
	OnRestartRequest func(name string)
}

// Engine owns every unit's supervisory state transitions. At most one
// transition per unit is in flight at any time.
type Engine struct {
	registry *registry.Registry
	resolver Resolver
	broker   *events.Broker
	home     string
	logDir   string
	grace    time.Duration
	restart  func(name string)

	mu       sync.Mutex
	sessions map[string]*session
	failures map[string]int
}

const (
	exitUnclaimed int32 = iota
	exitOwnedByStop
	exitOwnedBySupervisor
)

// session tracks one supervised run of a unit. The supervising goroutine is
// the only caller of Wait on the handle; everyone else observes the exit
// through the exited channel. Exactly one of the stop sequence and the
// supervisor claims the exit and drives the transitions that follow it.
type session struct {
	handle  *proc.Handle
	logFile *os.File
	// owner records who claimed the process exit
	owner atomic.Int32
	// exited is closed once exitCode is recorded
	exited   chan struct{}
	exitCode int
}

func newSession(handle *proc.Handle, logFile *os.File) *session {
	return &session{
		handle:  handle,
		logFile: logFile,
		exited:  make(chan struct{}),
	}
}

// claimStop marks the exit as owned by a stop sequence.
func (s *session) claimStop() {
	s.owner.CompareAndSwap(exitUnclaimed, exitOwnedByStop)
}

// claimSupervisor reports whether the supervisor owns the exit handling.
func (s *session) claimSupervisor() bool {
	return s.owner.CompareAndSwap(exitUnclaimed, exitOwnedBySupervisor)
}

// New constructs the engine.
func New(cfg Config) *Engine {
	grace := cfg.Grace
	if grace == 0 {
		grace = defaultGrace
	}

	restart := cfg.OnRestartRequest
	if restart == nil {
		restart = func(string) {}
	}

	return &Engine{
		registry: cfg.Registry,
		resolver: cfg.Resolver,
		broker:   cfg.Broker,
		home:     cfg.Home,
		logDir:   cfg.LogDir,
		grace:    grace,
		restart:  restart,
		sessions: make(map[string]*session),
		failures: make(map[string]int),
	}
}

// Start drives a unit through the start sequence. Calls against a unit that
// is already Starting, Running or Completed return nil without side effect.
func (e *Engine) Start(ctx context.Context, name string) error {
	handle, err := e.registry.Lookup(name)
	if err != nil {
		return err
	}

	handle.BeginTransition()
	defer handle.EndTransition()

	switch handle.Snapshot().State {
	case unit.StateRunning, unit.StateStarting, unit.StateCompleted:
		return nil
	}

	definition := handle.Def()
	logger := log.WithUnit(name)
	logger.Info().Msg("starting unit")

	e.setState(handle, name, unit.StateStarting, 0, "")

	retries := definition.Service.ExecStart.StartRetryLimit()
	var lastErr error
	for attempt := 0; attempt < retries; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		lastErr = e.startOnce(ctx, handle, definition, logger)
		if lastErr == nil {
			metrics.UnitStarts.WithLabelValues(name, "success").Inc()
			return nil
		}

		// hook and resource failures are not retried; respawning cannot
		// change their outcome
		var hookErr *wpmerror.HookFailure
		var resourceErr *wpmerror.ResourceUnavailable
		var keyErr *wpmerror.UnknownResourceKey
		if errorsAs(lastErr, &hookErr) || errorsAs(lastErr, &resourceErr) || errorsAs(lastErr, &keyErr) {
			break
		}

		logger.Warn().Err(lastErr).Int("attempt", attempt+1).Msg("start attempt failed")
	}

	metrics.UnitStarts.WithLabelValues(name, "failure").Inc()
	metrics.UnitFailures.WithLabelValues(name, failureKind(lastErr)).Inc()
	e.setState(handle, name, unit.StateFailed, 0, lastErr.Error())
	logger.Error().Err(lastErr).Msg("unit failed to start")

	return lastErr
}

// startOnce performs one pass of the start sequence: resources, pre hooks,
// spawn, healthcheck, post hooks.
func (e *Engine) startOnce(ctx context.Context, handle *registry.Handle, definition *unit.Definition, logger *zerolog.Logger) error {
	name := definition.Unit.Name

	// resources resolve before any command expands so every
	// {{ Resources.KEY }} token has a concrete path
	templates, err := e.resolveResources(ctx, definition)
	if err != nil {
		return err
	}

	if err := e.runHooks(ctx, definition, templates, "ExecStartPre", definition.Service.ExecStartPre, true, logger); err != nil {
		return err
	}

	command, err := e.buildCommand(ctx, definition, &definition.Service.ExecStart, templates)
	if err != nil {
		return err
	}

	logPath, logFile, err := e.openLog(name)
	if err != nil {
		return err
	}

	command.Stdout = logFile
	command.Stderr = logFile

	child, err := proc.Start(*command)
	if err != nil {
		logFile.Close()
		return &wpmerror.SpawnFailure{Unit: name, Err: err}
	}

	handle.Update(func(record *registry.Record) {
		record.LogPath = logPath
	})

	if definition.Service.Kind == unit.KindOneShot {
		return e.completeOneShot(ctx, handle, definition, templates, child, logFile, logger)
	}

	sess := newSession(child, logFile)

	checker := e.checker(definition, templates, child.Pid())
	result := checker.Check(ctx)
	if !result.Healthy {
		logger.Warn().Str("reason", result.Message).Msg("failed healthcheck")
		sess.claimStop()
		child.Kill()
		child.Wait()
		logFile.Close()

		retryLimit := unit.DefaultRetryLimit
		if hc := definition.Service.Healthcheck; hc != nil && hc.Command != nil {
			retryLimit = hc.Command.Retries()
		}

		return &wpmerror.HealthcheckFailure{Unit: name, Retries: retryLimit}
	}

	logger.Info().Msg("passed healthcheck")

	supervised := child
	if result.AdoptedPid != 0 {
		// the spawned process forked and exited; supervise the survivor
		supervised = proc.Adopt(result.AdoptedPid)
		sess.handle = supervised

		// reap the original child in the background
		go child.Wait()
	}

	e.storeSession(name, sess)
	e.setState(handle, name, unit.StateRunning, supervised.Pid(), "")

	e.runHooks(ctx, definition, templates, "ExecStartPost", definition.Service.ExecStartPost, false, logger)

	go e.supervise(handle, definition, sess, time.Now())

	return nil
}

// completeOneShot waits for a oneshot process to run to completion.
func (e *Engine) completeOneShot(ctx context.Context, handle *registry.Handle, definition *unit.Definition, templates *template.Context, child *proc.Handle, logFile *os.File, logger *zerolog.Logger) error {
	defer logFile.Close()

	name := definition.Unit.Name
	code, err := child.Wait()
	if err != nil {
		return &wpmerror.SpawnFailure{Unit: name, Err: err}
	}

	if code != 0 {
		logger.Warn().Int("code", code).Msg("oneshot unit terminated with failure exit code")
		return &wpmerror.UnexpectedExit{Unit: name, ExitCode: code}
	}

	logger.Info().Int("code", code).Msg("oneshot unit terminated with successful exit code")

	e.runHooks(ctx, definition, templates, "ExecStartPost", definition.Service.ExecStartPost, false, logger)
	e.runHooks(ctx, definition, templates, "ExecStop", definition.Service.ExecStop, false, logger)

	handle.Update(func(record *registry.Record) {
		record.CompletionTime = time.Now()
	})

	e.setState(handle, name, unit.StateCompleted, 0, "")
	return nil
}

// checker builds the healthcheck prober for a definition. Absent
// healthchecks were defaulted at load for Simple services; Forking services
// always carry a process target.
func (e *Engine) checker(definition *unit.Definition, templates *template.Context, pid int) health.Checker {
	hc := definition.Service.Healthcheck
	if hc == nil {
		return &health.ProcessChecker{Pid: pid}
	}

	if hc.Process != nil {
		return &health.ProcessChecker{
			Pid:    pid,
			Target: hc.Process.Target,
			Delay:  time.Duration(hc.Process.DelaySec) * time.Second,
		}
	}

	probe := hc.Command
	executable := probe.Executable
	if expanded, err := templates.Expand(executable); err == nil {
		executable = expanded
	}

	path := executable
	if resolved, ok := lookupExecutable(executable); ok {
		path = resolved
	}

	arguments, _ := templates.ExpandAll(probe.Arguments)

	env, err := e.baseEnvironment(definition, templates)
	if err != nil {
		env = os.Environ()
	}

	for _, pair := range probe.Environment {
		value, err := templates.Expand(pair.Value)
		if err != nil {
			value = pair.Value
		}

		env = append(env, pair.Name+"="+value)
	}

	return &health.CommandChecker{
		Command: proc.Command{Path: path, Args: arguments, Env: env},
		Delay:   time.Duration(probe.DelaySec) * time.Second,
		Retries: probe.Retries(),
	}
}

func (e *Engine) openLog(name string) (string, *os.File, error) {
	path := filepath.Join(e.logDir, name+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", nil, err
	}

	return path, file, nil
}

func (e *Engine) storeSession(name string, sess *session) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessions[name] = sess
}

func (e *Engine) takeSession(name string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess := e.sessions[name]
	delete(e.sessions, name)
	return sess
}

// setState commits a state transition and publishes it.
func (e *Engine) setState(handle *registry.Handle, name string, state unit.State, pid int, lastError string) {
	handle.Update(func(record *registry.Record) {
		record.State = state
		record.Pid = pid
		record.LastError = lastError
	})

	if e.broker != nil {
		e.broker.Publish(events.Event{Unit: name, State: state, Pid: pid, Err: lastError})
	}
}

func failureKind(err error) string {
	switch {
	case errorsAsAny[*wpmerror.SpawnFailure](err):
		return "spawn"
	case errorsAsAny[*wpmerror.HealthcheckFailure](err):
		return "healthcheck"
	case errorsAsAny[*wpmerror.HookFailure](err):
		return "hook"
	case errorsAsAny[*wpmerror.ResourceUnavailable](err):
		return "resource"
	case errorsAsAny[*wpmerror.UnknownResourceKey](err):
		return "resource"
	case errorsAsAny[*wpmerror.UnexpectedExit](err):
		return "exit"
	default:
		return "other"
	}
}
