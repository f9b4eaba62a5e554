package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ValidationError is a fatal configuration error for a single workflow or
// job record. No tokens are ever emitted for a workflow whose records fail
// validation.
type ValidationError struct {
	Workflow string
	Job      string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Job != "" {
		return fmt.Sprintf("config: workflow %q job %q: %s", e.Workflow, e.Job, e.Reason)
	}
	return fmt.Sprintf("config: workflow %q: %s", e.Workflow, e.Reason)
}

// ScheduleConfig is the schedule record shape held in the config store.
// StartDate may be empty, in which case the current UTC date applies. Cron
// is an optional standard cron expression; when set it takes precedence
// over Recurrence for computing run times.
type ScheduleConfig struct {
	Workflow            string   `json:"workflow" validate:"required"`
	StartDate           string   `json:"start_date"`
	Time                string   `json:"time" validate:"required"`
	Recurrence          string   `json:"recurrence" validate:"required"`
	OverrunPolicy       string   `json:"overrun_policy" validate:"required"`
	Emails              []string `json:"emails"`
	Cron                string   `json:"cron,omitempty"`
	MaxRunningInstances int      `json:"max_running_instances,omitempty" validate:"omitempty,min=1"`
}

var scheduleKeys = []string{"workflow", "start_date", "time", "recurrence", "overrun_policy", "emails"}

// JobConfig is the job record shape held in the config store.
type JobConfig struct {
	Workflow        string         `json:"workflow" validate:"required"`
	Job             string         `json:"job" validate:"required"`
	IsCondition     bool           `json:"is_condition"`
	Template        string         `json:"template" validate:"required"`
	TemplateParams  map[string]any `json:"template_params"`
	Parents         []string       `json:"parents"`
	Emails          []string       `json:"emails"`
	MaxAttempts     int            `json:"max_attempts" validate:"min=1"`
	RetryDelaySec   int            `json:"retry_delay_sec" validate:"min=0"`
	Priority        float64        `json:"priority" validate:"min=0"`
	WarnTimeoutSec  int            `json:"warn_timeout_sec,omitempty" validate:"min=0"`
	AbortTimeoutSec int            `json:"abort_timeout_sec,omitempty" validate:"min=0"`
}

var jobKeys = []string{"workflow", "job", "is_condition", "template", "template_params", "parents", "emails", "max_attempts", "retry_delay_sec", "priority"}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ScheduleFromJSON decodes and validates a schedule record. Unknown and
// missing required fields are fatal.
func ScheduleFromJSON(data []byte) (*ScheduleConfig, error) {
	var c ScheduleConfig
	if err := decodeStrict(data, &c, scheduleKeys); err != nil {
		return nil, &ValidationError{Workflow: c.Workflow, Reason: err.Error()}
	}
	if err := validate.Struct(&c); err != nil {
		return nil, &ValidationError{Workflow: c.Workflow, Reason: err.Error()}
	}
	return &c, nil
}

// ToJSON renders the record back to its store form.
func (c *ScheduleConfig) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// JobFromJSON decodes and validates a job record. A condition job must not
// declare parents; unknown and missing required fields are fatal.
func JobFromJSON(data []byte) (*JobConfig, error) {
	var c JobConfig
	if err := decodeStrict(data, &c, jobKeys); err != nil {
		return nil, &ValidationError{Workflow: c.Workflow, Job: c.Job, Reason: err.Error()}
	}
	if err := validate.Struct(&c); err != nil {
		return nil, &ValidationError{Workflow: c.Workflow, Job: c.Job, Reason: err.Error()}
	}
	if c.IsCondition && len(c.Parents) > 0 {
		return nil, &ValidationError{Workflow: c.Workflow, Job: c.Job, Reason: "condition job must have no parents"}
	}
	return &c, nil
}

// ToJSON renders the record back to its store form.
func (c *JobConfig) ToJSON() ([]byte, error) {
	return json.Marshal(c)
}

// decodeStrict unmarshals into v, rejecting unknown fields and requiring
// every key in required to be present in the document.
func decodeStrict(data []byte, v any, required []string) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("malformed record: %v", err)
	}
	for _, key := range required {
		if _, ok := raw[key]; !ok {
			return fmt.Errorf("missing required field %q", key)
		}
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("malformed record: %v", err)
	}
	return nil
}
