package parser

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"tokenflow/internal/config"
	"tokenflow/internal/template"
	"tokenflow/internal/token"
	"tokenflow/internal/workflow"
)

// ScheduleSpec is the declarative form of a workflow schedule.
type ScheduleSpec struct {
	StartDate           string   `yaml:"start_date" json:"start_date"`
	Time                string   `yaml:"time" json:"time"`
	Recurrence          string   `yaml:"recurrence" json:"recurrence"`
	Cron                string   `yaml:"cron,omitempty" json:"cron,omitempty"`
	OverrunPolicy       string   `yaml:"overrun_policy" json:"overrun_policy"`
	MaxRunningInstances int      `yaml:"max_running_instances,omitempty" json:"max_running_instances,omitempty"`
	Emails              []string `yaml:"emails,omitempty" json:"emails,omitempty"`
}

// JobSpec is the declarative form of one job. Parents of the form
// "workflow:job" reference a job in another workflow.
type JobSpec struct {
	Template        string         `yaml:"template" json:"template"`
	Params          map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	Parents         []string       `yaml:"parents,omitempty" json:"parents,omitempty"`
	Priority        float64        `yaml:"priority,omitempty" json:"priority,omitempty"`
	Emails          []string       `yaml:"emails,omitempty" json:"emails,omitempty"`
	MaxAttempts     int            `yaml:"max_attempts,omitempty" json:"max_attempts,omitempty"`
	RetryDelaySec   int            `yaml:"retry_delay_sec,omitempty" json:"retry_delay_sec,omitempty"`
	WarnTimeoutSec  int            `yaml:"warn_timeout_sec,omitempty" json:"warn_timeout_sec,omitempty"`
	AbortTimeoutSec int            `yaml:"abort_timeout_sec,omitempty" json:"abort_timeout_sec,omitempty"`
}

// WorkflowSpec is the declarative form of one workflow: a schedule plus a
// job-name-to-definition mapping.
type WorkflowSpec struct {
	Schedule ScheduleSpec       `yaml:"schedule" json:"schedule"`
	Emails   []string           `yaml:"emails,omitempty" json:"emails,omitempty"`
	Jobs     map[string]JobSpec `yaml:"jobs" json:"jobs"`
}

// LoadWorkflowFile reads a YAML file mapping workflow names to specs.
func LoadWorkflowFile(path string) (map[string]WorkflowSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parser: read %s: %w", path, err)
	}
	var specs map[string]WorkflowSpec
	if err := yaml.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("parser: parse %s: %w", path, err)
	}
	return specs, nil
}

// StaticParser serves in-process declarative workflow definitions. It
// always appends one synthetic final job depending on every leaf, so the
// single-terminal invariant holds by construction.
type StaticParser struct {
	workflows map[string]WorkflowSpec
	templates *template.Registry
	ids       InstanceIDs
	owner     string
	now       func() time.Time
}

// NewStaticParser creates a parser over the given workflow specs.
func NewStaticParser(workflows map[string]WorkflowSpec, templates *template.Registry, ids InstanceIDs) *StaticParser {
	return &StaticParser{
		workflows: workflows,
		templates: templates,
		ids:       ids,
		owner:     DefaultOwner,
		now:       time.Now,
	}
}

// WithClock overrides the wall clock, for tests.
func (p *StaticParser) WithClock(now func() time.Time) *StaticParser {
	p.now = now
	return p
}

func (p *StaticParser) WorkflowNames(context.Context) ([]string, error) {
	names := make([]string, 0, len(p.workflows))
	for name := range p.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (p *StaticParser) ScheduleToken(ctx context.Context, workflowName string) (*token.Token, error) {
	s, err := p.WorkflowSchedule(ctx, workflowName)
	if err != nil || s == nil {
		return nil, err
	}
	return scheduleToken(s, p.now(), p.owner)
}

// WorkflowSchedule builds the engine schedule from the declarative spec,
// without advancing it.
func (p *StaticParser) WorkflowSchedule(_ context.Context, workflowName string) (*workflow.Schedule, error) {
	spec, ok := p.workflows[workflowName]
	if !ok {
		return nil, nil
	}
	return scheduleFromConfig(&config.ScheduleConfig{
		Workflow:            workflowName,
		StartDate:           spec.Schedule.StartDate,
		Time:                spec.Schedule.Time,
		Recurrence:          spec.Schedule.Recurrence,
		Cron:                spec.Schedule.Cron,
		OverrunPolicy:       spec.Schedule.OverrunPolicy,
		Emails:              spec.Schedule.Emails,
		MaxRunningInstances: spec.Schedule.MaxRunningInstances,
	}, p.now())
}

func (p *StaticParser) WorkflowTokens(ctx context.Context, workflowName string) ([]token.Token, error) {
	spec, ok := p.workflows[workflowName]
	if !ok {
		return nil, nil
	}
	wf, err := p.build(workflowName, spec)
	if err != nil {
		return nil, err
	}
	instance, err := p.ids.Next(ctx)
	if err != nil {
		return nil, fmt.Errorf("parser: allocate instance id: %w", err)
	}
	return materialize(wf, instance, p.owner, p.now())
}

// Build constructs and verifies the workflow graph for a spec, exposed so
// callers can inspect structure without emitting tokens.
func (p *StaticParser) Build(workflowName string) (*workflow.Workflow, error) {
	spec, ok := p.workflows[workflowName]
	if !ok {
		return nil, nil
	}
	return p.build(workflowName, spec)
}

func (p *StaticParser) build(name string, spec WorkflowSpec) (*workflow.Workflow, error) {
	wf := workflow.New(name)
	wf.NotifyEmails = spec.Emails

	jobNames := make([]string, 0, len(spec.Jobs))
	for jobName := range spec.Jobs {
		jobNames = append(jobNames, jobName)
	}
	sort.Strings(jobNames)

	for _, jobName := range jobNames {
		js := spec.Jobs[jobName]
		tmpl, err := p.templates.Resolve(js.Template, js.Params)
		if err != nil {
			return nil, err
		}
		if tmpl.IsCondition() && len(js.Parents) > 0 {
			return nil, &config.ValidationError{Workflow: name, Job: jobName, Reason: "condition job must have no parents"}
		}
		maxAttempts := js.MaxAttempts
		if maxAttempts == 0 {
			maxAttempts = 1
		}
		if err := wf.AddJob(&workflow.Job{
			Name:            jobName,
			Template:        tmpl,
			Priority:        js.Priority,
			Emails:          js.Emails,
			MaxAttempts:     maxAttempts,
			RetryDelaySec:   js.RetryDelaySec,
			WarnTimeoutSec:  js.WarnTimeoutSec,
			AbortTimeoutSec: js.AbortTimeoutSec,
		}); err != nil {
			return nil, err
		}
	}

	for _, jobName := range jobNames {
		for _, ref := range spec.Jobs[jobName].Parents {
			parentWf, parentJob := splitParent(ref, name)
			if parentWf != name {
				if _, ok := wf.Jobs[parentJob]; !ok {
					if err := wf.AddJob(&workflow.Job{Name: parentJob, Workflow: parentWf}); err != nil {
						return nil, err
					}
				}
			}
			if err := wf.AddDependency(jobName, parentJob); err != nil {
				return nil, err
			}
		}
	}

	final := &workflow.Job{Name: FinalJob, Template: template.NoOp{}, MaxAttempts: 1}
	leaves := wf.LeafJobs()
	if err := wf.AddJob(final); err != nil {
		return nil, err
	}
	for _, leaf := range leaves {
		if err := wf.AddDependency(FinalJob, leaf.Name); err != nil {
			return nil, err
		}
	}

	if err := wf.Verify(); err != nil {
		return nil, err
	}
	return wf, nil
}
