package health

import (
	"context"
	"fmt"
	"time"

	"github.com/LGUG2Z/wpm/pkg/proc"
)

// CommandChecker passes when its probe command exits zero. Failed probes are
// retried after the delay, up to the retry budget.
type CommandChecker struct {
	// Command is the fully resolved, fully expanded probe invocation
	Command proc.Command

	// Delay applies before the first probe and between retries
	Delay time.Duration

	// Retries is the number of additional probes after the first failure
	Retries int

	// Timeout bounds a single probe execution (default: 30 seconds)
	Timeout time.Duration
}

// Check performs the command health check
func (c *CommandChecker) Check(ctx context.Context) Result {
	timeout := c.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	probes := 0
	attempts := c.Retries
	for {
		if err := sleep(ctx, c.Delay); err != nil {
			return Result{Message: err.Error(), Probes: probes}
		}

		probes++
		code, err := c.probe(ctx, timeout)
		if err == nil && code == 0 {
			return Result{Healthy: true, Probes: probes}
		}

		if attempts <= 0 {
			message := fmt.Sprintf("probe exited with code %d", code)
			if err != nil {
				message = err.Error()
			}

			return Result{Message: message, Probes: probes}
		}

		attempts--
	}
}

func (c *CommandChecker) probe(ctx context.Context, timeout time.Duration) (int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return proc.Run(probeCtx, c.Command)
}

// Type returns the health check type
func (c *CommandChecker) Type() CheckType {
	return CheckTypeCommand
}
