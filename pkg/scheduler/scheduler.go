package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/LGUG2Z/wpm/pkg/lifecycle"
	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/registry"
	"github.com/LGUG2Z/wpm/pkg/unit"
)

// Scheduler owns the command queue and the dependency planning for start
// and stop batches.
type Scheduler struct {
	registry *registry.Registry
	engine   *lifecycle.Engine
	queue    chan *task
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type taskKind string

const (
	taskStart   taskKind = "start"
	taskStop    taskKind = "stop"
	taskRestart taskKind = "restart"
	taskReset   taskKind = "reset"
)

type task struct {
	kind  taskKind
	names []string
	done  chan error
}

// New constructs the scheduler.
func New(reg *registry.Registry, engine *lifecycle.Engine) *Scheduler {
	return &Scheduler{
		registry: reg,
		engine:   engine,
		queue:    make(chan *task, 64),
		stopCh:   make(chan struct{}),
	}
}

// Run starts the background worker.
func (s *Scheduler) Run() {
	s.wg.Add(1)
	go s.worker()
}

// Shutdown stops the worker after the in-flight batch completes.
func (s *Scheduler) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	logger := log.WithComponent("scheduler")
	for {
		select {
		case t := <-s.queue:
			err := s.process(t)
			if err != nil {
				logger.Warn().Err(err).Str("command", string(t.kind)).Msg("batch finished with errors")
			}

			if t.done != nil {
				t.done <- err
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Scheduler) process(t *task) error {
	switch t.kind {
	case taskStart:
		return s.runStart(t.names)
	case taskStop:
		return s.runStop(t.names)
	case taskRestart:
		stopErr := s.runStop(t.names)
		for _, name := range t.names {
			s.engine.Reset(name)
		}

		return errors.Join(stopErr, s.runStart(t.names))
	case taskReset:
		var errs []error
		for _, name := range t.names {
			errs = append(errs, s.engine.Reset(name))
		}

		return errors.Join(errs...)
	default:
		return fmt.Errorf("unknown scheduler task %q", t.kind)
	}
}

// submit enqueues a batch and waits for it to complete.
func (s *Scheduler) submit(kind taskKind, names []string) error {
	t := &task{kind: kind, names: names, done: make(chan error, 1)}

	select {
	case s.queue <- t:
	case <-s.stopCh:
		return errors.New("scheduler is shutting down")
	}

	select {
	case err := <-t.done:
		return err
	case <-s.stopCh:
		return errors.New("scheduler is shutting down")
	}
}

// Start starts the units and everything they require.
func (s *Scheduler) Start(names []string) error {
	return s.submit(taskStart, names)
}

// Stop stops the units and everything that depends on them.
func (s *Scheduler) Stop(names []string) error {
	return s.submit(taskStop, names)
}

// Restart stops and then starts the units' closures.
func (s *Scheduler) Restart(names []string) error {
	return s.submit(taskRestart, names)
}

// Reset clears the units' terminal failure states.
func (s *Scheduler) Reset(names []string) error {
	return s.submit(taskReset, names)
}

// RequestStart enqueues a start without waiting; used by the restart policy.
func (s *Scheduler) RequestStart(name string) {
	t := &task{kind: taskStart, names: []string{name}}
	select {
	case s.queue <- t:
	case <-s.stopCh:
	}
}

// StopAll performs the ordered shutdown of every unit that is not already
// in a terminal state.
func (s *Scheduler) StopAll() error {
	var active []string
	for _, status := range s.registry.Snapshot() {
		switch status.State {
		case unit.StateStopped, unit.StateFailed, unit.StateCompleted:
		default:
			active = append(active, status.Name)
		}
	}

	if len(active) == 0 {
		return nil
	}

	return s.runStop(active)
}

// runStart walks the forward closure in topological levels. A unit begins
// Starting only when every dependency is Running or Completed; everything
// transitively behind a failed unit is marked failed without being spawned.
func (s *Scheduler) runStart(names []string) error {
	closure, err := s.forwardClosure(names)
	if err != nil {
		return err
	}

	remaining := make(map[string]bool, len(closure))
	for _, name := range closure {
		remaining[name] = true
	}

	var errs []error
	for len(remaining) > 0 {
		// propagate failures before planning the next level
		for _, name := range sortedKeys(remaining) {
			if dep, failed := s.failedDependency(name); failed {
				s.engine.MarkDependencyFailed(name, dep)
				delete(remaining, name)
			}
		}

		var ready []string
		for _, name := range sortedKeys(remaining) {
			if s.dependenciesSatisfied(name) {
				ready = append(ready, name)
			}
		}

		if len(ready) == 0 {
			if len(remaining) > 0 {
				errs = append(errs, fmt.Errorf("no startable units among %v", sortedKeys(remaining)))
			}

			break
		}

		var g errgroup.Group
		for _, name := range ready {
			g.Go(func() error {
				return s.engine.Start(context.Background(), name)
			})
		}

		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}

		for _, name := range ready {
			delete(remaining, name)
		}
	}

	return errors.Join(errs...)
}

// runStop walks the reverse closure so that every dependent stops before
// the unit it depends on.
func (s *Scheduler) runStop(names []string) error {
	closure, err := s.reverseClosure(names)
	if err != nil {
		return err
	}

	inSet := make(map[string]bool, len(closure))
	for _, name := range closure {
		inSet[name] = true
	}

	remaining := make(map[string]bool, len(closure))
	for _, name := range closure {
		remaining[name] = true
	}

	var errs []error
	for len(remaining) > 0 {
		// a unit may stop once no other unit in the set still depends on it
		var ready []string
		for _, name := range sortedKeys(remaining) {
			blocked := false
			for _, dependent := range s.registry.Dependents(name) {
				if remaining[dependent] && inSet[dependent] {
					blocked = true
					break
				}
			}

			if !blocked {
				ready = append(ready, name)
			}
		}

		if len(ready) == 0 {
			errs = append(errs, fmt.Errorf("no stoppable units among %v", sortedKeys(remaining)))
			break
		}

		var g errgroup.Group
		for _, name := range ready {
			g.Go(func() error {
				return s.engine.Stop(context.Background(), name)
			})
		}

		if err := g.Wait(); err != nil {
			errs = append(errs, err)
		}

		for _, name := range ready {
			delete(remaining, name)
		}
	}

	return errors.Join(errs...)
}

// dependenciesSatisfied reports whether every direct dependency of name is
// Running or Completed.
func (s *Scheduler) dependenciesSatisfied(name string) bool {
	requires, err := s.registry.Requires(name)
	if err != nil {
		return false
	}

	for _, dep := range requires {
		handle, err := s.registry.Lookup(dep)
		if err != nil {
			return false
		}

		switch handle.Snapshot().State {
		case unit.StateRunning, unit.StateCompleted:
		default:
			return false
		}
	}

	return true
}

// failedDependency reports whether any direct dependency of name is Failed.
func (s *Scheduler) failedDependency(name string) (string, bool) {
	requires, err := s.registry.Requires(name)
	if err != nil {
		return "", false
	}

	for _, dep := range requires {
		handle, err := s.registry.Lookup(dep)
		if err != nil {
			return "", false
		}

		if handle.Snapshot().State == unit.StateFailed {
			return dep, true
		}
	}

	return "", false
}

// forwardClosure returns the requested units plus everything they
// transitively require, deduplicated and sorted.
func (s *Scheduler) forwardClosure(names []string) ([]string, error) {
	seen := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}

		requires, err := s.registry.Requires(name)
		if err != nil {
			return err
		}

		seen[name] = true
		for _, dep := range requires {
			if err := visit(dep); err != nil {
				return err
			}
		}

		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return sortedKeys(seen), nil
}

// reverseClosure returns the requested units plus everything that
// transitively depends on them. Units the requested set merely depends on
// are not included.
func (s *Scheduler) reverseClosure(names []string) ([]string, error) {
	seen := make(map[string]bool)
	var visit func(name string) error
	visit = func(name string) error {
		if seen[name] {
			return nil
		}

		if _, err := s.registry.Lookup(name); err != nil {
			return err
		}

		seen[name] = true
		for _, dependent := range s.registry.Dependents(name) {
			if err := visit(dependent); err != nil {
				return err
			}
		}

		return nil
	}

	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}

	return sortedKeys(seen), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}

	sort.Strings(keys)
	return keys
}
