package lifecycle

import (
	"context"
	"time"

	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/metrics"
	"github.com/LGUG2Z/wpm/pkg/registry"
	"github.com/LGUG2Z/wpm/pkg/unit"
	"github.com/LGUG2Z/wpm/pkg/wpmerror"
)

// Stop drives a running unit through the stop sequence. Calls against a
// unit that is not Running return nil without side effect.
func (e *Engine) Stop(ctx context.Context, name string) error {
	handle, err := e.registry.Lookup(name)
	if err != nil {
		return err
	}

	return e.stopHandle(ctx, name, handle)
}

// StopRemoved stops a unit whose handle has already left the registry,
// which happens when a reload drops its definition.
func (e *Engine) StopRemoved(ctx context.Context, handle *registry.Handle) error {
	return e.stopHandle(ctx, handle.Def().Unit.Name, handle)
}

func (e *Engine) stopHandle(ctx context.Context, name string, handle *registry.Handle) error {
	handle.BeginTransition()
	defer handle.EndTransition()

	record := handle.Snapshot()
	if record.State != unit.StateRunning {
		return nil
	}

	definition := handle.Def()
	logger := log.WithUnit(name)
	logger.Info().Msg("stopping unit")

	e.setState(handle, name, unit.StateStopping, record.Pid, "")

	// claim the exit before the stop hooks run so a self-exiting process is
	// not mistaken for an unexpected termination mid-stop
	sess := e.takeSession(name)
	if sess != nil {
		sess.claimStop()
	}

	templates := e.exitTemplates(definition)
	e.runHooks(ctx, definition, templates, "ExecStop", definition.Service.ExecStop, false, logger)

	if sess != nil {
		pid := sess.handle.Pid()
		logger.Info().Int("pid", pid).Msg("sending kill signal")

		if err := sess.handle.Terminate(); err != nil {
			logger.Warn().Err(err).Msg("graceful termination failed")
		}

		timer := time.NewTimer(e.grace)
		select {
		case <-sess.exited:
			timer.Stop()
		case <-timer.C:
			logger.Warn().Int("pid", pid).Dur("grace", e.grace).Msg("process survived grace period, force killing")
			if err := sess.handle.Kill(); err != nil {
				logger.Warn().Err(err).Msg("force kill failed")
			}

			<-sess.exited
		}

		logger.Info().Int("pid", pid).Msg("process successfully terminated")
	}

	e.runHooks(ctx, definition, templates, "ExecStopPost", definition.Service.ExecStopPost, false, logger)

	e.setState(handle, name, unit.StateStopped, 0, "")
	return nil
}

// Reset clears a terminal Failed or Completed state back to Stopped without
// executing anything.
func (e *Engine) Reset(name string) error {
	handle, err := e.registry.Lookup(name)
	if err != nil {
		return err
	}

	handle.BeginTransition()
	defer handle.EndTransition()

	switch handle.Snapshot().State {
	case unit.StateFailed, unit.StateCompleted:
		log.WithUnit(name).Info().Msg("resetting unit")
		e.resetFailures(name)
		e.setState(handle, name, unit.StateStopped, 0, "")
	}

	return nil
}

// MarkDependencyFailed records a unit as Failed because a transitive
// dependency failed, without it ever having been spawned.
func (e *Engine) MarkDependencyFailed(name string, dependency string) {
	handle, err := e.registry.Lookup(name)
	if err != nil {
		return
	}

	handle.BeginTransition()
	defer handle.EndTransition()

	switch handle.Snapshot().State {
	case unit.StateRunning, unit.StateCompleted:
		return
	}

	failure := &wpmerror.DependencyFailed{Unit: name, Dependency: dependency}
	metrics.UnitFailures.WithLabelValues(name, "dependency").Inc()
	e.setState(handle, name, unit.StateFailed, 0, failure.Error())
	log.WithUnit(name).Warn().Str("dependency", dependency).Msg("failed because of a dependency")
}
