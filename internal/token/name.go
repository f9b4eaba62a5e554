package token

import (
	"fmt"
	"strings"
)

// StartInput is the reserved input name used for jobs with no real parent.
const StartInput = "__WORKFLOW_START__"

// StateWaiting is the state segment under which freshly materialized job
// tokens are addressed.
const StateWaiting = "waiting"

const (
	workflowPrefix = "/workflow/"
	schedulePrefix = "/schedule/workflow/"
)

// Name identifies a token slot in the hierarchical address tree. Empty
// fields are simply absent from the rendered path; a Name is only as deep
// as its last populated segment.
type Name struct {
	Workflow string
	Instance string
	Job      string
	Input    string
	Event    string
}

// ScheduleConfigPath addresses a workflow's schedule definition in the
// config store: /workflow/<workflow>/schedule
func ScheduleConfigPath(workflow string) string {
	return workflowPrefix + workflow + "/schedule"
}

// JobConfigPath addresses a job definition in the config store:
// /workflow/<workflow>/job/<job>
func JobConfigPath(workflow, job string) string {
	return workflowPrefix + workflow + "/job/" + job
}

// ScheduleToken addresses the materialized schedule token of a workflow:
// /schedule/workflow/<workflow>
func (n Name) ScheduleToken() string {
	return schedulePrefix + n.Workflow
}

// JobToken addresses a materialized job token:
// /workflow/<workflow>/<instance>/job/waiting/<job>
func (n Name) JobToken() string {
	return fmt.Sprintf("%s%s/%s/job/%s/%s", workflowPrefix, n.Workflow, n.Instance, StateWaiting, n.Job)
}

// EventToken addresses a materialized trigger event:
// /workflow/<workflow>/<instance>/input/<job>/<input>/<event>
func (n Name) EventToken() string {
	return fmt.Sprintf("%s%s/%s/input/%s/%s/%s", workflowPrefix, n.Workflow, n.Instance, n.Job, n.Input, n.Event)
}

// ParseScheduleToken extracts the workflow from a materialized schedule
// token address.
func ParseScheduleToken(path string) (Name, error) {
	rest, ok := strings.CutPrefix(path, schedulePrefix)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return Name{}, fmt.Errorf("token: %q is not a schedule token address", path)
	}
	return Name{Workflow: rest}, nil
}

// ParseJobToken extracts workflow, instance and job from a materialized job
// token address.
func ParseJobToken(path string) (Name, error) {
	parts, err := split(path, 5)
	if err != nil || parts[2] != "job" || parts[3] != StateWaiting {
		return Name{}, fmt.Errorf("token: %q is not a job token address", path)
	}
	return Name{Workflow: parts[0], Instance: parts[1], Job: parts[4]}, nil
}

// ParseEventToken extracts workflow, instance, job, input and event from an
// event token address.
func ParseEventToken(path string) (Name, error) {
	parts, err := split(path, 6)
	if err != nil || parts[2] != "input" {
		return Name{}, fmt.Errorf("token: %q is not an event token address", path)
	}
	return Name{Workflow: parts[0], Instance: parts[1], Job: parts[3], Input: parts[4], Event: parts[5]}, nil
}

func split(path string, want int) ([]string, error) {
	rest, ok := strings.CutPrefix(path, workflowPrefix)
	if !ok {
		return nil, fmt.Errorf("token: %q lacks workflow prefix", path)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != want {
		return nil, fmt.Errorf("token: %q has %d segments, want %d", path, len(parts), want)
	}
	for _, p := range parts {
		if p == "" {
			return nil, fmt.Errorf("token: %q has an empty segment", path)
		}
	}
	return parts, nil
}
