// Package registry holds the loaded unit definitions and, per unit, the
// mutable runtime record the lifecycle engine drives through the state
// machine.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/LGUG2Z/wpm/pkg/log"
	"github.com/LGUG2Z/wpm/pkg/unit"
	"github.com/LGUG2Z/wpm/pkg/wpmerror"
)

// Record is the copyable runtime state of one unit.
type Record struct {
	State          unit.State
	Pid            int
	LastTransition time.Time
	LastError      string
	LogPath        string
	CompletionTime time.Time
}

// Handle pairs an immutable definition with its independently-lockable
// runtime record. The transition lock serializes lifecycle work; the record
// lock guards only the small snapshot copy.
type Handle struct {
	transition sync.Mutex

	mu     sync.RWMutex
	def    *unit.Definition
	record Record
}

// Def returns the unit's current definition.
func (h *Handle) Def() *unit.Definition {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.def
}

// Snapshot copies the runtime record without blocking transitions.
func (h *Handle) Snapshot() Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.record
}

// Update applies fn to the runtime record under the record lock.
func (h *Handle) Update(fn func(*Record)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	fn(&h.record)
	h.record.LastTransition = time.Now()
}

// TryBeginTransition acquires the transition lock without blocking,
// reporting whether this caller owns the unit's next transition.
func (h *Handle) TryBeginTransition() bool {
	return h.transition.TryLock()
}

// BeginTransition blocks until the transition lock is held.
func (h *Handle) BeginTransition() {
	h.transition.Lock()
}

// EndTransition releases the transition lock.
func (h *Handle) EndTransition() {
	h.transition.Unlock()
}

func (h *Handle) setDef(def *unit.Definition) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.def = def
}

// Registry is the name-keyed unit set. Writes happen only during load and
// reload; all other access is read-locked.
type Registry struct {
	mu    sync.RWMutex
	units map[string]*Handle
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{units: make(map[string]*Handle)}
}

// LoadAll reads every unit file in dir, validates the resulting set, and
// atomically swaps it in. On any error the previous contents are retained
// and a LoadError is returned. Handles for surviving units keep their
// runtime records; the returned slice holds the handles of removed units so
// the caller can stop them.
func (r *Registry) LoadAll(dir string) ([]*Handle, error) {
	paths, err := unit.DiscoverPaths(dir)
	if err != nil {
		return nil, &wpmerror.LoadError{Path: dir, Err: err}
	}

	definitions := make(map[string]*unit.Definition, len(paths))
	for _, path := range paths {
		definition, err := unit.Load(path)
		if err != nil {
			return nil, &wpmerror.LoadError{Path: path, Err: err}
		}

		if _, dup := definitions[definition.Unit.Name]; dup {
			return nil, &wpmerror.LoadError{Path: path, Err: fmt.Errorf("duplicate unit name %s", definition.Unit.Name)}
		}

		definitions[definition.Unit.Name] = definition
	}

	if err := validateGraph(definitions); err != nil {
		return nil, &wpmerror.LoadError{Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[string]*Handle, len(definitions))
	for name, definition := range definitions {
		if existing, ok := r.units[name]; ok {
			existing.setDef(definition)
			next[name] = existing
			continue
		}

		handle := &Handle{def: definition, record: Record{State: unit.StateStopped}}
		next[name] = handle
		log.WithUnit(name).Info().Msg("registered unit")
	}

	var removed []*Handle
	for name, handle := range r.units {
		if _, ok := next[name]; !ok {
			removed = append(removed, handle)
			log.WithUnit(name).Info().Msg("unregistered unit")
		}
	}

	r.units = next
	return removed, nil
}

// Lookup returns the handle for a unit name.
func (r *Registry) Lookup(name string) (*Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handle, ok := r.units[name]
	if !ok {
		return nil, &wpmerror.UnknownUnit{Name: name}
	}

	return handle, nil
}

// Names returns every registered unit name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// Snapshot returns the status of every unit, sorted by name, without
// blocking any in-flight transition.
func (r *Registry) Snapshot() []unit.Status {
	r.mu.RLock()
	handles := make(map[string]*Handle, len(r.units))
	for name, handle := range r.units {
		handles[name] = handle
	}
	r.mu.RUnlock()

	statuses := make([]unit.Status, 0, len(handles))
	for name, handle := range handles {
		record := handle.Snapshot()
		statuses = append(statuses, unit.Status{
			Name:      name,
			Kind:      handle.Def().Service.Kind,
			State:     record.State,
			Pid:       record.Pid,
			Timestamp: record.LastTransition,
			LastError: record.LastError,
			LogPath:   record.LogPath,
		})
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// Requires returns the dependency list of a unit.
func (r *Registry) Requires(name string) ([]string, error) {
	handle, err := r.Lookup(name)
	if err != nil {
		return nil, err
	}

	return handle.Def().Unit.Requires, nil
}

// Dependents returns the names of units that directly require name.
func (r *Registry) Dependents(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var dependents []string
	for candidate, handle := range r.units {
		for _, dep := range handle.def.Unit.Requires {
			if dep == name {
				dependents = append(dependents, candidate)
				break
			}
		}
	}

	sort.Strings(dependents)
	return dependents
}

// validateGraph checks dependency existence and acyclicity with a
// three-color depth-first search over the name-keyed adjacency map.
func validateGraph(definitions map[string]*unit.Definition) error {
	const (
		white = iota
		gray
		black
	)

	color := make(map[string]int, len(definitions))

	var visit func(name string, stack []string) error
	visit = func(name string, stack []string) error {
		color[name] = gray
		stack = append(stack, name)

		for _, dep := range definitions[name].Unit.Requires {
			if _, ok := definitions[dep]; !ok {
				return fmt.Errorf("%s requires %s, which is not a registered unit", name, dep)
			}

			switch color[dep] {
			case gray:
				return fmt.Errorf("dependency cycle: %s", cycleString(stack, dep))
			case white:
				if err := visit(dep, stack); err != nil {
					return err
				}
			}
		}

		color[name] = black
		return nil
	}

	names := make([]string, 0, len(definitions))
	for name := range definitions {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		if color[name] == white {
			if err := visit(name, nil); err != nil {
				return err
			}
		}
	}

	return nil
}

func cycleString(stack []string, repeat string) string {
	start := 0
	for i, name := range stack {
		if name == repeat {
			start = i
			break
		}
	}

	cycle := append(append([]string{}, stack[start:]...), repeat)
	out := ""
	for i, name := range cycle {
		if i > 0 {
			out += " -> "
		}

		out += name
	}

	return out
}
