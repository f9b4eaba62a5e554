// Package template resolves symbolic job template identifiers into
// producers of executable job and condition payloads.
package template

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"tokenflow/internal/token"
)

// ErrUnknownTemplate is returned when a template identifier has no
// registered factory. Resolution failure is fatal for the workflow being
// parsed, never a silent fallback.
var ErrUnknownTemplate = errors.New("template: unknown template")

// Request carries everything a template needs to materialize one job of
// one workflow launch.
type Request struct {
	Workflow        string
	Job             string
	Instance        string
	Emails          []string
	MaxAttempts     int
	RetryDelaySec   int
	WarnTimeoutSec  int
	AbortTimeoutSec int
}

// Template produces the payload for a job token. Exactly one of the two
// capabilities applies per template: executable job or condition.
type Template interface {
	// IsCondition reports whether the template produces a condition
	// rather than an executable job.
	IsCondition() bool
	// Materialize returns the payload envelope for the given request.
	Materialize(req Request) ([]byte, error)
}

// Factory builds a template from its configured parameters.
type Factory func(params map[string]any) (Template, error)

// Registry maps template identifiers to factories. It is populated at
// process start.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Builtin returns a registry with the built-in templates registered.
func Builtin() *Registry {
	r := NewRegistry()
	r.Register("shell", NewShell)
	r.Register("noop", NewNoOp)
	r.Register("path_exists", NewPathExists)
	return r
}

// Register adds a factory under the given identifier.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Resolve constructs a template from an identifier and its parameters.
func (r *Registry) Resolve(name string, params map[string]any) (Template, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownTemplate, name)
	}
	t, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", name, err)
	}
	return t, nil
}

// List returns sorted names of all registered templates.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JobPayload is the executable-job form carried inside a job token.
type JobPayload struct {
	Workflow        string   `json:"workflow"`
	Job             string   `json:"job"`
	Instance        string   `json:"instance"`
	Command         string   `json:"command,omitempty"`
	Args            []string `json:"args,omitempty"`
	Emails          []string `json:"emails,omitempty"`
	MaxAttempts     int      `json:"max_attempts"`
	RetryDelaySec   int      `json:"retry_delay_sec"`
	WarnTimeoutSec  int      `json:"warn_timeout_sec,omitempty"`
	AbortTimeoutSec int      `json:"abort_timeout_sec,omitempty"`
}

// ConditionPayload is the condition form carried inside a job token.
type ConditionPayload struct {
	Workflow      string `json:"workflow"`
	Job           string `json:"job"`
	Instance      string `json:"instance"`
	Kind          string `json:"kind"`
	Path          string `json:"path,omitempty"`
	MaxAttempts   int    `json:"max_attempts"`
	RetryDelaySec int    `json:"retry_delay_sec"`
}

func stringParam(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required param %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("param %q must be a string", key)
	}
	return s, nil
}

func stringSliceParam(params map[string]any, key string) ([]string, error) {
	v, ok := params[key]
	if !ok {
		return nil, nil
	}
	switch vv := v.(type) {
	case []string:
		return vv, nil
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("param %q must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("param %q must be a list of strings", key)
	}
}

// Shell runs a command with arguments in the execution tier.
type Shell struct {
	Command string
	Args    []string
}

// NewShell builds a shell template from params "command" and "args".
func NewShell(params map[string]any) (Template, error) {
	command, err := stringParam(params, "command")
	if err != nil {
		return nil, err
	}
	args, err := stringSliceParam(params, "args")
	if err != nil {
		return nil, err
	}
	return &Shell{Command: command, Args: args}, nil
}

func (t *Shell) IsCondition() bool { return false }

func (t *Shell) Materialize(req Request) ([]byte, error) {
	return token.Wrap(token.KindJob, JobPayload{
		Workflow:        req.Workflow,
		Job:             req.Job,
		Instance:        req.Instance,
		Command:         t.Command,
		Args:            t.Args,
		Emails:          req.Emails,
		MaxAttempts:     req.MaxAttempts,
		RetryDelaySec:   req.RetryDelaySec,
		WarnTimeoutSec:  req.WarnTimeoutSec,
		AbortTimeoutSec: req.AbortTimeoutSec,
	})
}

// NoOp produces a job that does nothing. Used for synthetic final jobs.
type NoOp struct{}

// NewNoOp builds a no-op template; it takes no parameters.
func NewNoOp(map[string]any) (Template, error) { return NoOp{}, nil }

func (NoOp) IsCondition() bool { return false }

func (NoOp) Materialize(req Request) ([]byte, error) {
	return token.Wrap(token.KindJob, JobPayload{
		Workflow:      req.Workflow,
		Job:           req.Job,
		Instance:      req.Instance,
		Emails:        req.Emails,
		MaxAttempts:   req.MaxAttempts,
		RetryDelaySec: req.RetryDelaySec,
	})
}

// PathExists is a condition satisfied when a filesystem path exists on the
// worker that evaluates it.
type PathExists struct {
	Path string
}

// NewPathExists builds a path_exists condition from param "path".
func NewPathExists(params map[string]any) (Template, error) {
	path, err := stringParam(params, "path")
	if err != nil {
		return nil, err
	}
	return &PathExists{Path: path}, nil
}

func (t *PathExists) IsCondition() bool { return true }

func (t *PathExists) Materialize(req Request) ([]byte, error) {
	return token.Wrap(token.KindCondition, ConditionPayload{
		Workflow:      req.Workflow,
		Job:           req.Job,
		Instance:      req.Instance,
		Kind:          "path_exists",
		Path:          t.Path,
		MaxAttempts:   req.MaxAttempts,
		RetryDelaySec: req.RetryDelaySec,
	})
}
