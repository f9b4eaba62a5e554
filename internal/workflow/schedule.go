package workflow

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"tokenflow/internal/token"
)

// DefaultMaxRunningInstances caps concurrent instances of a workflow when
// its schedule does not say otherwise.
const DefaultMaxRunningInstances = 3

// Status of a workflow or one of its instances, as reported by the
// status-query collaborator.
type Status string

const (
	StatusRunning Status = "RUNNING"
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
	StatusUnknown Status = "UNKNOWN"
)

// Signal kinds understood by the signaling collaborator.
type Signal string

const (
	SignalAbort Signal = "ABORT"
	SignalDrain Signal = "DRAIN"
	SignalExit  Signal = "EXIT"
)

// StatusQuerier reports externally tracked workflow state.
type StatusQuerier interface {
	RunningInstances(ctx context.Context, workflow string) ([]string, error)
	WorkflowStatus(ctx context.Context, workflow string) (Status, error)
}

// Signaller records control signals for workflow instances.
type Signaller interface {
	SetSignal(ctx context.Context, workflow, instance string, kind Signal) error
	IsSignalSet(ctx context.Context, workflow, instance string, kind Signal) (bool, error)
}

// Emailer delivers operator notifications. Delivery is fire-and-forget;
// implementations log failures rather than returning them.
type Emailer interface {
	NotifyTooManyRunningInstances(emails []string, workflow string, running, maxAllowed int)
}

// TokenSource produces the full executable token batch for one workflow
// launch. A nil batch with a nil error means the workflow is not
// configured.
type TokenSource interface {
	WorkflowTokens(ctx context.Context, workflow string) ([]token.Token, error)
}

// RunDeps are the external collaborators a schedule needs to decide and
// perform a launch.
type RunDeps struct {
	Tokens  TokenSource
	Status  StatusQuerier
	Signals Signaller
	Emails  Emailer
}

// Schedule owns the recurrence state of one workflow. It is mutated only
// by Advance; each scheduling cycle re-emits a fresh schedule token that
// supersedes the previous one in the external store.
type Schedule struct {
	Workflow            string   `json:"workflow"`
	NextRunTime         int64    `json:"next_run_time"`
	RecurrenceSeconds   int64    `json:"recurrence_seconds,omitempty"`
	CronExpr            string   `json:"cron_expr,omitempty"`
	OverrunPolicy       string   `json:"overrun_policy"`
	NotifyEmails        []string `json:"notify_emails,omitempty"`
	MaxRunningInstances int      `json:"max_running_instances"`

	cronSched cron.Schedule
}

// NewSchedule validates invariant-bearing fields and parses the cron
// expression once, if any.
func NewSchedule(s Schedule) (*Schedule, error) {
	if s.Workflow == "" {
		return nil, fmt.Errorf("workflow: schedule without workflow name")
	}
	if s.MaxRunningInstances <= 0 {
		s.MaxRunningInstances = DefaultMaxRunningInstances
	}
	if _, err := resolvePolicy(s.OverrunPolicy); err != nil {
		return nil, err
	}
	if s.CronExpr != "" {
		sched, err := cron.ParseStandard(s.CronExpr)
		if err != nil {
			return nil, fmt.Errorf("workflow %s: invalid cron expression %q: %w", s.Workflow, s.CronExpr, err)
		}
		s.cronSched = sched
	}
	return &s, nil
}

// Advance moves NextRunTime past now. For interval schedules the new value
// stays reachable from the old one by an integer multiple of
// RecurrenceSeconds; cron schedules take the expression's next firing.
// A recurring schedule that cannot establish NextRunTime > now is an error.
func (s *Schedule) Advance(now int64) error {
	if s.NextRunTime > now {
		return nil
	}
	if s.cronSched != nil {
		next := s.cronSched.Next(time.Unix(now, 0).UTC()).Unix()
		if next <= now {
			return fmt.Errorf("workflow %s: cron %q did not advance past %d", s.Workflow, s.CronExpr, now)
		}
		s.NextRunTime = next
		return nil
	}
	if s.RecurrenceSeconds <= 0 {
		return fmt.Errorf("workflow %s: schedule at %d is due but has no recurrence", s.Workflow, s.NextRunTime)
	}
	deltaRuns := (now - s.NextRunTime + s.RecurrenceSeconds - 1) / s.RecurrenceSeconds
	s.NextRunTime += deltaRuns * s.RecurrenceSeconds
	if s.NextRunTime == now {
		s.NextRunTime += s.RecurrenceSeconds
	}
	if s.NextRunTime <= now {
		return fmt.Errorf("workflow %s: failed to advance schedule past %d", s.Workflow, now)
	}
	return nil
}

// CorrespondsTo reports whether other is the same logical schedule, merely
// time-shifted: all fields besides NextRunTime match and the shift is an
// exact multiple of the recurrence. Used when reconciling configuration
// changes against the previously emitted schedule token.
func (s *Schedule) CorrespondsTo(other *Schedule) bool {
	if other == nil ||
		s.Workflow != other.Workflow ||
		s.RecurrenceSeconds != other.RecurrenceSeconds ||
		s.CronExpr != other.CronExpr ||
		s.OverrunPolicy != other.OverrunPolicy ||
		s.MaxRunningInstances != other.MaxRunningInstances ||
		!slices.Equal(s.NotifyEmails, other.NotifyEmails) {
		return false
	}
	if s.CronExpr != "" {
		// Both run times derive from the same expression.
		return true
	}
	diff := s.NextRunTime - other.NextRunTime
	if s.RecurrenceSeconds == 0 {
		return diff == 0
	}
	return diff%s.RecurrenceSeconds == 0
}

// CheckInstanceBudget reports whether another instance may launch. A
// refusal notifies the configured emails; notification failure never
// blocks the decision.
func (s *Schedule) CheckInstanceBudget(running int, emails Emailer) bool {
	if running < s.MaxRunningInstances {
		return true
	}
	log.Warn().
		Str("workflow", s.Workflow).
		Int("running", running).
		Int("max", s.MaxRunningInstances).
		Msg("instance budget exhausted, refusing launch")
	if emails != nil {
		emails.NotifyTooManyRunningInstances(s.NotifyEmails, s.Workflow, running, s.MaxRunningInstances)
	}
	return false
}

// IsRunning reports whether the workflow currently has a RUNNING status.
func (s *Schedule) IsRunning(ctx context.Context, status StatusQuerier) (bool, error) {
	st, err := status.WorkflowStatus(ctx, s.Workflow)
	if err != nil {
		return false, err
	}
	return st == StatusRunning, nil
}

// IsFailed reports whether the workflow status is neither RUNNING nor
// SUCCESS.
func (s *Schedule) IsFailed(ctx context.Context, status StatusQuerier) (bool, error) {
	st, err := status.WorkflowStatus(ctx, s.Workflow)
	if err != nil {
		return false, err
	}
	return st != StatusRunning && st != StatusSuccess, nil
}

// AbortRunning sets the ABORT signal on every running instance and
// verifies it was recorded. It reports true only if all instances were
// signaled successfully. There is no internal retry; callers needing
// backoff wrap this.
func (s *Schedule) AbortRunning(ctx context.Context, status StatusQuerier, signals Signaller) (bool, error) {
	instances, err := status.RunningInstances(ctx, s.Workflow)
	if err != nil {
		return false, err
	}
	all := true
	for _, instance := range instances {
		if err := signals.SetSignal(ctx, s.Workflow, instance, SignalAbort); err != nil {
			log.Error().Err(err).Str("workflow", s.Workflow).Str("instance", instance).Msg("failed to set abort signal")
			all = false
			continue
		}
		set, err := signals.IsSignalSet(ctx, s.Workflow, instance, SignalAbort)
		if err != nil || !set {
			log.Error().Err(err).Str("workflow", s.Workflow).Str("instance", instance).Msg("abort signal not recorded")
			all = false
		}
	}
	return all, nil
}

// Run drives one scheduling decision: apply the overrun policy, check the
// instance budget, then ask the token source for the launch batch. The
// returned bool reports whether the trigger should advance to the next
// occurrence; the delay policy keeps it in the past so the launch is
// retried once the running instance finishes.
//
// A nil token batch with a nil error is a normal refusal (policy, budget,
// or unknown workflow), never an exception.
func (s *Schedule) Run(ctx context.Context, d RunDeps) ([]token.Token, bool, error) {
	policy, err := resolvePolicy(s.OverrunPolicy)
	if err != nil {
		return nil, false, err
	}
	launch, advance, err := policy(ctx, s, d)
	if err != nil {
		return nil, false, err
	}
	if !launch {
		log.Info().Str("workflow", s.Workflow).Str("policy", s.OverrunPolicy).Msg("overrun policy refused launch")
		return nil, advance, nil
	}

	running, err := d.Status.RunningInstances(ctx, s.Workflow)
	if err != nil {
		return nil, false, err
	}
	if !s.CheckInstanceBudget(len(running), d.Emails) {
		return nil, true, nil
	}

	tokens, err := d.Tokens.WorkflowTokens(ctx, s.Workflow)
	if err != nil {
		return nil, false, err
	}
	if tokens == nil {
		log.Warn().Str("workflow", s.Workflow).Msg("workflow not found, nothing to launch")
		return nil, true, nil
	}
	return tokens, true, nil
}
