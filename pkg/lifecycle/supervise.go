package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/metrics"
	"github.com/LGUG2Z/wpm/pkg/registry"
	"github.com/LGUG2Z/wpm/pkg/template"
	"github.com/LGUG2Z/wpm/pkg/unit"
	"github.com/LGUG2Z/wpm/pkg/wpmerror"
)

// supervise waits for a running unit's process to exit and applies the
// restart policy. It is the sole caller of Wait on the session's handle; a
// stop sequence observes the exit through the session's exited channel.
func (e *Engine) supervise(handle *registry.Handle, definition *unit.Definition, sess *session, healthyAt time.Time) {
	name := definition.Unit.Name
	logger := log.WithUnit(name)

	code, err := sess.handle.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("wait failed")
	}

	sess.exitCode = code
	close(sess.exited)
	sess.logFile.Close()

	if !sess.claimSupervisor() {
		// a stop sequence owns the remaining transitions
		return
	}

	e.mu.Lock()
	if e.sessions[name] == sess {
		delete(e.sessions, name)
	}
	e.mu.Unlock()

	if !e.handleUnexpectedExit(handle, definition, code, healthyAt, logger) {
		return
	}

	delay := definition.Service.RestartDelay()
	logger.Info().Dur("delay", delay).Msg("restarting terminated process")

	time.Sleep(delay)
	metrics.UnitRestarts.WithLabelValues(name).Inc()
	e.restart(name)
}

// handleUnexpectedExit applies the restart policy under the unit's
// transition lock and reports whether a restart should follow.
func (e *Engine) handleUnexpectedExit(handle *registry.Handle, definition *unit.Definition, code int, healthyAt time.Time, logger *zerolog.Logger) bool {
	name := definition.Unit.Name

	// serialize against any transition that raced the exit; if one absorbed
	// it, the unit is no longer Running and there is nothing left to do
	handle.BeginTransition()
	defer handle.EndTransition()

	if handle.Snapshot().State != unit.StateRunning {
		return false
	}

	if code == 0 {
		logger.Warn().Int("code", code).Msg("process terminated with success exit code")
	} else {
		logger.Warn().Int("code", code).Msg("process terminated with failure exit code")
	}

	templates := e.exitTemplates(definition)
	e.runHooks(context.Background(), definition, templates, "ExecStopPost", definition.Service.ExecStopPost, false, logger)

	strategy := definition.Service.Restart
	shouldRestart := strategy == unit.RestartAlways ||
		(strategy == unit.RestartOnFailure && code != 0)

	if !shouldRestart {
		if code == 0 {
			e.setState(handle, name, unit.StateStopped, 0, "")
			return false
		}

		exit := &wpmerror.UnexpectedExit{Unit: name, ExitCode: code}
		metrics.UnitFailures.WithLabelValues(name, "exit").Inc()
		e.setState(handle, name, unit.StateFailed, 0, exit.Error())
		return false
	}

	if time.Since(healthyAt) >= healthyRunThreshold {
		e.resetFailures(name)
	}

	budget := definition.Service.ExecStart.StartRetryLimit()
	if count := e.bumpFailures(name); count > budget {
		logger.Error().Int("failures", count-1).Msg("restart budget exhausted")
		exit := &wpmerror.UnexpectedExit{Unit: name, ExitCode: code}
		metrics.UnitFailures.WithLabelValues(name, "exit").Inc()
		e.setState(handle, name, unit.StateFailed, 0, exit.Error())
		return false
	}

	e.setState(handle, name, unit.StateStopped, 0, fmt.Sprintf("restarting after unexpected exit with code %d", code))
	return true
}

// exitTemplates rebuilds the template context for hooks run at process
// exit. The resource cache is warm at this point, so no network traffic is
// expected; on any failure hooks degrade to the bare context.
func (e *Engine) exitTemplates(definition *unit.Definition) *template.Context {
	templates, err := e.resolveResources(context.Background(), definition)
	if err != nil {
		return &template.Context{Unit: definition.Unit.Name, Home: e.home}
	}

	return templates
}

func (e *Engine) bumpFailures(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[name]++
	return e.failures[name]
}

func (e *Engine) resetFailures(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, name)
}
