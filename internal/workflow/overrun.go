package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Overrun policy names. An overrun is a scheduled launch coming due while
// a prior instance of the same workflow is still active.
const (
	PolicySkip          = "skip"
	PolicyStartNew      = "start_new"
	PolicyDelay         = "delay"
	PolicyAbortAndStart = "abort_and_start"
)

// ErrUnknownPolicy is returned when an overrun policy name has no
// registered behavior.
var ErrUnknownPolicy = errors.New("workflow: unknown overrun policy")

// PolicyFunc decides an overrun. It returns whether the launch may
// proceed and whether the schedule trigger should advance to the next
// occurrence regardless.
type PolicyFunc func(ctx context.Context, s *Schedule, d RunDeps) (launch, advance bool, err error)

var (
	policyMu sync.RWMutex
	policies = map[string]PolicyFunc{
		// Skip this occurrence while an instance is active.
		PolicySkip: func(ctx context.Context, s *Schedule, d RunDeps) (bool, bool, error) {
			running, err := s.IsRunning(ctx, d.Status)
			return !running, true, err
		},
		// Launch regardless of overlap.
		PolicyStartNew: func(ctx context.Context, s *Schedule, d RunDeps) (bool, bool, error) {
			return true, true, nil
		},
		// Hold the trigger in the past until the running instance
		// finishes, then fire it.
		PolicyDelay: func(ctx context.Context, s *Schedule, d RunDeps) (bool, bool, error) {
			running, err := s.IsRunning(ctx, d.Status)
			return !running, !running, err
		},
		// Abort whatever is running, then launch. If any abort signal
		// fails to record, the launch is refused and retried next cycle.
		PolicyAbortAndStart: func(ctx context.Context, s *Schedule, d RunDeps) (bool, bool, error) {
			running, err := s.IsRunning(ctx, d.Status)
			if err != nil {
				return false, false, err
			}
			if !running {
				return true, true, nil
			}
			aborted, err := s.AbortRunning(ctx, d.Status, d.Signals)
			if err != nil {
				return false, false, err
			}
			return aborted, aborted, nil
		},
	}
)

// RegisterOverrunPolicy adds or replaces a policy behavior under the given
// configuration name.
func RegisterOverrunPolicy(name string, fn PolicyFunc) {
	policyMu.Lock()
	defer policyMu.Unlock()
	policies[name] = fn
}

// OverrunPolicies lists the registered policy names, sorted.
func OverrunPolicies() []string {
	policyMu.RLock()
	defer policyMu.RUnlock()
	names := make([]string, 0, len(policies))
	for name := range policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func resolvePolicy(name string) (PolicyFunc, error) {
	policyMu.RLock()
	defer policyMu.RUnlock()
	fn, ok := policies[name]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownPolicy, name)
	}
	return fn, nil
}
