package health

import (
	"context"
	"fmt"
	"time"

	"github.com/LGUG2Z/wpm/pkg/proc"
)

// ProcessChecker passes when, after the delay, either the spawned pid is
// still alive or, when Target is set, some running process carries that
// image name. The located pid of a target match is reported so forking
// services can adopt their surviving descendant.
type ProcessChecker struct {
	// Pid is the spawned child to verify when no Target is set
	Pid int

	// Target is an image name to search for instead of the spawned pid
	Target string

	// Delay applies before the liveness check
	Delay time.Duration
}

// Check performs the process health check
func (p *ProcessChecker) Check(ctx context.Context) Result {
	if err := sleep(ctx, p.Delay); err != nil {
		return Result{Message: err.Error()}
	}

	if p.Target != "" {
		pid, ok := proc.FindByImageName(p.Target)
		if !ok {
			return Result{Message: fmt.Sprintf("no running process named %s", p.Target)}
		}

		return Result{Healthy: true, AdoptedPid: pid}
	}

	if !proc.Alive(p.Pid) {
		return Result{Message: fmt.Sprintf("pid %d is no longer alive", p.Pid)}
	}

	return Result{Healthy: true}
}

// Type returns the health check type
func (p *ProcessChecker) Type() CheckType {
	return CheckTypeProcess
}
