package workflow

import (
	"fmt"
	"sort"

	"tokenflow/internal/template"
)

// VerificationError is a fatal graph-structure error. Job names the
// offending job where one can be identified (for cycles, the job whose
// revisit closed the cycle).
type VerificationError struct {
	Workflow string
	Job      string
	Reason   string
}

func (e *VerificationError) Error() string {
	if e.Job != "" {
		return fmt.Sprintf("workflow %q: job %q: %s", e.Workflow, e.Job, e.Reason)
	}
	return fmt.Sprintf("workflow %q: %s", e.Workflow, e.Reason)
}

// DefaultJobPriority is the base weight of a job that does not configure
// one.
const DefaultJobPriority = 1.0

// Job is one node of a workflow DAG. Inputs and Outputs hold job names
// resolved through the owning Workflow's job map; edges never own their
// endpoints. A job whose Workflow differs from the graph being built is a
// cross-workflow dependency, inspected exactly one hop deep.
type Job struct {
	Name     string
	Workflow string
	Template template.Template
	Priority float64

	Emails          []string
	MaxAttempts     int
	RetryDelaySec   int
	WarnTimeoutSec  int
	AbortTimeoutSec int

	Inputs  []string
	Outputs []string

	// Memoized dependents closure and derived score; populated on first
	// Score call, after which the graph is frozen.
	dependents []string
	score      float64
	scored     bool
}

// Workflow is a named DAG of jobs plus its recurrence schedule. Jobs maps
// job name to definition and exclusively owns every node, including
// one-hop cross-workflow dependencies.
type Workflow struct {
	Name         string
	Schedule     *Schedule
	NotifyEmails []string
	Jobs         map[string]*Job

	frozen bool
}

// New creates an empty workflow graph.
func New(name string) *Workflow {
	return &Workflow{Name: name, Jobs: make(map[string]*Job)}
}

// AddJob inserts a job into the graph. Inserting a duplicate name or
// mutating a graph after score computation is an error.
func (w *Workflow) AddJob(j *Job) error {
	if w.frozen {
		return &VerificationError{Workflow: w.Name, Job: j.Name, Reason: "graph is frozen after score computation"}
	}
	if _, ok := w.Jobs[j.Name]; ok {
		return &VerificationError{Workflow: w.Name, Job: j.Name, Reason: "duplicate job name"}
	}
	if j.Workflow == "" {
		j.Workflow = w.Name
	}
	if j.Priority == 0 {
		j.Priority = DefaultJobPriority
	}
	w.Jobs[j.Name] = j
	return nil
}

// AddDependency records that child depends on parent. Cycle detection is
// deferred to Verify.
func (w *Workflow) AddDependency(child, parent string) error {
	if w.frozen {
		return &VerificationError{Workflow: w.Name, Job: child, Reason: "graph is frozen after score computation"}
	}
	c, ok := w.Jobs[child]
	if !ok {
		return &VerificationError{Workflow: w.Name, Job: child, Reason: "dependency references unknown job"}
	}
	p, ok := w.Jobs[parent]
	if !ok {
		return &VerificationError{Workflow: w.Name, Job: parent, Reason: "dependency references unknown job"}
	}
	c.Inputs = append(c.Inputs, parent)
	p.Outputs = append(p.Outputs, child)
	return nil
}

// LeafJobs returns the jobs nothing else depends on, sorted by name. A
// valid workflow has exactly one.
func (w *Workflow) LeafJobs() []*Job {
	var leaves []*Job
	for _, j := range w.Jobs {
		if len(j.Outputs) == 0 {
			leaves = append(leaves, j)
		}
	}
	sort.Slice(leaves, func(i, k int) bool { return leaves[i].Name < leaves[k].Name })
	return leaves
}

// Verify checks the single-leaf invariant and walks the graph from the
// leaf along input edges looking for cycles. Traversal does not descend
// into the inputs of a job owned by another workflow.
func (w *Workflow) Verify() error {
	_, err := w.traverse()
	return err
}

// TransitiveDependencies returns every job reachable from the single leaf
// along input edges, in depth-first visit order. The same walk backs
// Verify.
func (w *Workflow) TransitiveDependencies() ([]*Job, error) {
	return w.traverse()
}

func (w *Workflow) traverse() ([]*Job, error) {
	leaves := w.LeafJobs()
	if len(leaves) != 1 {
		names := make([]string, len(leaves))
		for i, j := range leaves {
			names[i] = j.Name
		}
		return nil, &VerificationError{
			Workflow: w.Name,
			Reason:   fmt.Sprintf("expected exactly one terminal job, found %d %v", len(leaves), names),
		}
	}

	var visited []*Job
	seen := make(map[string]bool)
	onPath := make(map[string]bool)

	var walk func(j *Job) error
	walk = func(j *Job) error {
		if onPath[j.Name] {
			return &VerificationError{Workflow: w.Name, Job: j.Name, Reason: "dependency cycle"}
		}
		if seen[j.Name] {
			return nil
		}
		seen[j.Name] = true
		visited = append(visited, j)
		if j.Workflow != w.Name {
			// Cross-workflow edges are one hop deep; the external job's
			// own ancestors are not inspected.
			return nil
		}
		onPath[j.Name] = true
		defer delete(onPath, j.Name)
		for _, name := range j.Inputs {
			parent, ok := w.Jobs[name]
			if !ok {
				return &VerificationError{Workflow: w.Name, Job: j.Name, Reason: fmt.Sprintf("input %q not in graph", name)}
			}
			if err := walk(parent); err != nil {
				return err
			}
		}
		return nil
	}

	if err := walk(leaves[0]); err != nil {
		return nil, err
	}
	return visited, nil
}

// TopLevelJobs returns the members of the transitive set that have no
// inputs or belong to another workflow; these receive the synthetic
// start trigger.
func (w *Workflow) TopLevelJobs() ([]*Job, error) {
	deps, err := w.traverse()
	if err != nil {
		return nil, err
	}
	var top []*Job
	for _, j := range deps {
		if len(j.Inputs) == 0 || j.Workflow != w.Name {
			top = append(top, j)
		}
	}
	return top, nil
}

// Score returns the job's scheduling priority: the sum of base priorities
// over the job itself and every direct or transitive dependent. The value
// is computed once per job and freezes the graph against further edge
// mutation.
func (w *Workflow) Score(name string) (float64, error) {
	j, ok := w.Jobs[name]
	if !ok {
		return 0, &VerificationError{Workflow: w.Name, Job: name, Reason: "no such job"}
	}
	if j.scored {
		return j.score, nil
	}
	w.frozen = true

	closure := make(map[string]bool)
	var collect func(cur *Job) error
	collect = func(cur *Job) error {
		if closure[cur.Name] {
			return nil
		}
		closure[cur.Name] = true
		for _, name := range cur.Outputs {
			child, ok := w.Jobs[name]
			if !ok {
				return &VerificationError{Workflow: w.Name, Job: cur.Name, Reason: fmt.Sprintf("output %q not in graph", name)}
			}
			if err := collect(child); err != nil {
				return err
			}
		}
		return nil
	}
	if err := collect(j); err != nil {
		return 0, err
	}

	var score float64
	dependents := make([]string, 0, len(closure))
	for name := range closure {
		score += w.Jobs[name].Priority
		dependents = append(dependents, name)
	}
	sort.Strings(dependents)
	j.dependents = dependents
	j.score = score
	j.scored = true
	return score, nil
}

// Dependents returns the memoized dependents closure of a job, computing
// it if needed.
func (w *Workflow) Dependents(name string) ([]string, error) {
	if _, err := w.Score(name); err != nil {
		return nil, err
	}
	return w.Jobs[name].dependents, nil
}
