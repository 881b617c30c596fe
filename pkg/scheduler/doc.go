// Package scheduler translates control commands into a safe ordering of
// per-unit lifecycle transitions across the Requires graph.
//
// # Command Queue
//
// A single background worker services the command queue in receipt order,
// so control commands are applied one batch at a time. Within a batch,
// independent units at the same dependency depth start or stop in parallel;
// parallel candidates are launched in alphabetical order for deterministic
// logs.
//
// # Start Planning
//
// A start computes the transitive closure of Requires for the requested
// units and walks it in topological levels: a unit begins Starting only
// once every dependency is Running, or Completed for oneshot dependencies.
// When a unit ends up Failed, every unit transitively depending on it is
// marked failed with the dependency's name and is never spawned; branches
// that do not pass through the failure keep starting.
//
// # Stop Planning
//
// A stop computes the reverse closure: everything that transitively depends
// on a requested unit stops first, in reverse topological order. Units the
// requested set merely depends on are left running. Restart stops and then
// starts the same closure; Reset clears terminal failure states without
// executing anything.
package scheduler
