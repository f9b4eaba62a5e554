package parser

import (
	"context"
	"fmt"
	"time"

	"tokenflow/internal/config"
	"tokenflow/internal/template"
	"tokenflow/internal/token"
	"tokenflow/internal/workflow"
)

// StoreParser serves workflow definitions held in a remote config store.
// Malformed records are fatal for the whole workflow: no partial token
// set is ever returned.
type StoreParser struct {
	store     ConfigStore
	templates *template.Registry
	ids       InstanceIDs
	owner     string
	now       func() time.Time
}

// NewStoreParser creates a parser over the given config store.
func NewStoreParser(store ConfigStore, templates *template.Registry, ids InstanceIDs) *StoreParser {
	return &StoreParser{
		store:     store,
		templates: templates,
		ids:       ids,
		owner:     DefaultOwner,
		now:       time.Now,
	}
}

// WithClock overrides the wall clock, for tests.
func (p *StoreParser) WithClock(now func() time.Time) *StoreParser {
	p.now = now
	return p
}

func (p *StoreParser) WorkflowNames(ctx context.Context) ([]string, error) {
	return p.store.WorkflowNames(ctx)
}

func (p *StoreParser) ScheduleToken(ctx context.Context, workflowName string) (*token.Token, error) {
	s, err := p.WorkflowSchedule(ctx, workflowName)
	if err != nil || s == nil {
		return nil, err
	}
	return scheduleToken(s, p.now(), p.owner)
}

// WorkflowSchedule builds the engine schedule from the stored record,
// without advancing it.
func (p *StoreParser) WorkflowSchedule(ctx context.Context, workflowName string) (*workflow.Schedule, error) {
	rec, err := p.store.Schedule(ctx, workflowName)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}
	return scheduleFromConfig(rec, p.now())
}

func (p *StoreParser) WorkflowTokens(ctx context.Context, workflowName string) ([]token.Token, error) {
	wf, err := p.Build(ctx, workflowName)
	if err != nil || wf == nil {
		return nil, err
	}
	instance, err := p.ids.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("parser: allocate instance id: %w", err)
	}
	return materialize(wf, instance, p.owner, p.now())
}

// Build fetches every job record of a workflow, validates it, resolves
// templates and assembles the verified graph. Jobs with no declared
// parents become top-level and receive the start trigger.
func (p *StoreParser) Build(ctx context.Context, workflowName string) (*workflow.Workflow, error) {
	jobNames, err := p.store.JobNames(ctx, workflowName)
	if err != nil {
		return nil, err
	}
	if len(jobNames) == 0 {
		return nil, nil
	}

	wf := workflow.New(workflowName)
	records := make([]*config.JobConfig, 0, len(jobNames))
	for _, jobName := range jobNames {
		rec, err := p.store.Job(ctx, workflowName, jobName)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, &config.ValidationError{Workflow: workflowName, Job: jobName, Reason: "job listed but record missing"}
		}
		tmpl, err := p.templates.Resolve(rec.Template, rec.TemplateParams)
		if err != nil {
			return nil, err
		}
		if tmpl.IsCondition() != rec.IsCondition {
			return nil, &config.ValidationError{
				Workflow: workflowName,
				Job:      jobName,
				Reason:   fmt.Sprintf("is_condition=%v does not match template %q", rec.IsCondition, rec.Template),
			}
		}
		if err := wf.AddJob(&workflow.Job{
			Name:            rec.Job,
			Template:        tmpl,
			Priority:        rec.Priority,
			Emails:          rec.Emails,
			MaxAttempts:     rec.MaxAttempts,
			RetryDelaySec:   rec.RetryDelaySec,
			WarnTimeoutSec:  rec.WarnTimeoutSec,
			AbortTimeoutSec: rec.AbortTimeoutSec,
		}); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	for _, rec := range records {
		for _, ref := range rec.Parents {
			parentWf, parentJob := splitParent(ref, workflowName)
			if parentWf != workflowName {
				if _, ok := wf.Jobs[parentJob]; !ok {
					if err := wf.AddJob(&workflow.Job{Name: parentJob, Workflow: parentWf}); err != nil {
						return nil, err
					}
				}
			}
			if err := wf.AddDependency(rec.Job, parentJob); err != nil {
				return nil, err
			}
		}
	}

	if err := wf.Verify(); err != nil {
		return nil, err
	}
	return wf, nil
}
