// Package parser turns workflow configuration into schedule tokens and
// per-launch executable token batches.
package parser

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"tokenflow/internal/config"
	"tokenflow/internal/template"
	"tokenflow/internal/token"
	"tokenflow/internal/workflow"
)

// DefaultOwner marks tokens produced by a parser.
const DefaultOwner = "parser"

// FinalJob is the name of the synthetic terminal job appended by the
// static parser.
const FinalJob = "final"

// Parser is the configuration-to-token interface. All three operations
// return nil (with a nil error) when the workflow is not configured.
type Parser interface {
	// ScheduleToken builds the workflow's schedule, advances it past the
	// current time and wraps it with the schedule address. The token
	// expires at the advanced next run time.
	ScheduleToken(ctx context.Context, workflowName string) (*token.Token, error)
	// WorkflowTokens materializes one launch of the workflow: a fresh
	// instance id, one job token per member of the verified transitive
	// closure, and one start-trigger event per top-level job.
	WorkflowTokens(ctx context.Context, workflowName string) ([]token.Token, error)
	// WorkflowNames enumerates all configured workflows.
	WorkflowNames(ctx context.Context) ([]string, error)
}

// InstanceIDs allocates launch instance identifiers, unique across
// concurrent callers.
type InstanceIDs interface {
	Next(ctx context.Context) (string, error)
}

// UUIDInstanceIDs allocates instance ids without external coordination.
type UUIDInstanceIDs struct{}

func (UUIDInstanceIDs) Next(context.Context) (string, error) {
	return uuid.NewString(), nil
}

// ConfigStore is the remote config store contract consumed by the
// store-backed parser. Lookups return nil results, not errors, for
// unknown workflows and jobs.
type ConfigStore interface {
	JobNames(ctx context.Context, workflowName string) ([]string, error)
	Job(ctx context.Context, workflowName, jobName string) (*config.JobConfig, error)
	Schedule(ctx context.Context, workflowName string) (*config.ScheduleConfig, error)
	WorkflowNames(ctx context.Context) ([]string, error)
}

// Event is the payload of a start-trigger event token.
type Event struct {
	Workflow  string `json:"workflow"`
	Instance  string `json:"instance"`
	Job       string `json:"job"`
	Input     string `json:"input"`
	CreatedAt int64  `json:"created_at"`
}

// splitParent interprets a parent reference. A reference of the form
// "workflow:job" names a job in another workflow, inspected one hop deep.
func splitParent(ref, localWorkflow string) (wf, job string) {
	if before, after, ok := strings.Cut(ref, ":"); ok {
		return before, after
	}
	return localWorkflow, ref
}

// scheduleFromConfig builds an engine schedule from a validated schedule
// record, anchored at the configured start date and wall time.
func scheduleFromConfig(c *config.ScheduleConfig, now time.Time) (*workflow.Schedule, error) {
	next, err := config.ScheduleToTimestamp(c.Time, c.StartDate, now)
	if err != nil {
		return nil, &config.ValidationError{Workflow: c.Workflow, Reason: err.Error()}
	}
	return workflow.NewSchedule(workflow.Schedule{
		Workflow:            c.Workflow,
		NextRunTime:         next,
		RecurrenceSeconds:   config.RecurrenceToSeconds(c.Recurrence),
		CronExpr:            c.Cron,
		OverrunPolicy:       c.OverrunPolicy,
		NotifyEmails:        c.Emails,
		MaxRunningInstances: c.MaxRunningInstances,
	})
}

// scheduleToken advances the schedule past now and wraps it under the
// schedule address, expiring at the next run time.
func scheduleToken(s *workflow.Schedule, now time.Time, owner string) (*token.Token, error) {
	if err := s.Advance(now.Unix()); err != nil {
		return nil, err
	}
	data, err := token.Wrap(token.KindSchedule, s)
	if err != nil {
		return nil, err
	}
	return &token.Token{
		Name:           token.Name{Workflow: s.Workflow}.ScheduleToken(),
		Data:           data,
		Owner:          owner,
		ExpirationTime: s.NextRunTime,
	}, nil
}

// materialize emits the token batch for one launch of a verified
// workflow: job tokens for every closure member owned by the workflow,
// plus one start event per top-level job. The batch is internally
// consistent: addresses are checked for uniqueness before return.
func materialize(wf *workflow.Workflow, instance, owner string, now time.Time) ([]token.Token, error) {
	closure, err := wf.TransitiveDependencies()
	if err != nil {
		return nil, err
	}
	top, err := wf.TopLevelJobs()
	if err != nil {
		return nil, err
	}

	var tokens []token.Token
	for _, j := range closure {
		if j.Workflow != wf.Name {
			// Cross-workflow dependencies are addressed in their own
			// workflow's namespace; they are not materialized here.
			continue
		}
		score, err := wf.Score(j.Name)
		if err != nil {
			return nil, err
		}
		data, err := j.Template.Materialize(template.Request{
			Workflow:        wf.Name,
			Job:             j.Name,
			Instance:        instance,
			Emails:          j.Emails,
			MaxAttempts:     j.MaxAttempts,
			RetryDelaySec:   j.RetryDelaySec,
			WarnTimeoutSec:  j.WarnTimeoutSec,
			AbortTimeoutSec: j.AbortTimeoutSec,
		})
		if err != nil {
			return nil, fmt.Errorf("parser: materialize job %q: %w", j.Name, err)
		}
		tokens = append(tokens, token.Token{
			Name:     token.Name{Workflow: wf.Name, Instance: instance, Job: j.Name}.JobToken(),
			Data:     data,
			Owner:    owner,
			Priority: score,
		})
	}

	for _, j := range top {
		event := Event{
			Workflow:  wf.Name,
			Instance:  instance,
			Job:       j.Name,
			Input:     token.StartInput,
			CreatedAt: now.Unix(),
		}
		data, err := token.Wrap(token.KindEvent, event)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token.Token{
			Name: token.Name{
				Workflow: wf.Name,
				Instance: instance,
				Job:      j.Name,
				Input:    token.StartInput,
				Event:    "start_" + uuid.NewString(),
			}.EventToken(),
			Data:  data,
			Owner: owner,
		})
	}

	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		if seen[t.Name] {
			return nil, fmt.Errorf("parser: duplicate token address %q in batch", t.Name)
		}
		seen[t.Name] = true
	}
	return tokens, nil
}
