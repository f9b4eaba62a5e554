package parser

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenflow/internal/template"
	"tokenflow/internal/token"
	"tokenflow/internal/workflow"
)

type seqIDs struct{ n int }

func (s *seqIDs) Next(context.Context) (string, error) {
	s.n++
	return fmt.Sprintf("%d", s.n), nil
}

func testClock() time.Time {
	return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func shellJob(parents ...string) JobSpec {
	return JobSpec{
		Template: "shell",
		Params:   map[string]any{"command": "true"},
		Parents:  parents,
	}
}

func staticSpecs() map[string]WorkflowSpec {
	return map[string]WorkflowSpec{
		"etl": {
			Schedule: ScheduleSpec{
				StartDate:     "2024-01-01",
				Time:          "04.30.00.000",
				Recurrence:    "1d",
				OverrunPolicy: workflow.PolicySkip,
			},
			Jobs: map[string]JobSpec{
				"A": shellJob(),
				"B": shellJob("A"),
				"C": shellJob("other:upstream"),
				"D": shellJob("C"),
			},
		},
	}
}

func newStatic(t *testing.T) *StaticParser {
	t.Helper()
	return NewStaticParser(staticSpecs(), template.Builtin(), &seqIDs{}).WithClock(testClock)
}

func TestStaticWorkflowNames(t *testing.T) {
	names, err := newStatic(t).WorkflowNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"etl"}, names)
}

func TestStaticAppendsFinalJob(t *testing.T) {
	wf, err := newStatic(t).Build("etl")
	require.NoError(t, err)
	require.NotNil(t, wf)

	leaves := wf.LeafJobs()
	require.Len(t, leaves, 1)
	assert.Equal(t, FinalJob, leaves[0].Name)
	assert.ElementsMatch(t, []string{"B", "D"}, wf.Jobs[FinalJob].Inputs)
}

func TestStaticWorkflowTokens(t *testing.T) {
	// 4 local jobs + 1 cross-workflow dependency + the final job, with 2
	// top-level jobs, yields 4 + 1 + 2 = 7 tokens.
	tokens, err := newStatic(t).WorkflowTokens(context.Background(), "etl")
	require.NoError(t, err)
	require.Len(t, tokens, 7)

	var jobs, events int
	seen := make(map[string]bool)
	for _, tk := range tokens {
		assert.False(t, seen[tk.Name], "duplicate address %s", tk.Name)
		seen[tk.Name] = true
		assert.Equal(t, DefaultOwner, tk.Owner)
		if n, err := token.ParseJobToken(tk.Name); err == nil {
			jobs++
			assert.Equal(t, "etl", n.Workflow)
			assert.Equal(t, "1", n.Instance)
			assert.Greater(t, tk.Priority, 0.0)
		} else if n, err := token.ParseEventToken(tk.Name); err == nil {
			events++
			assert.Equal(t, token.StartInput, n.Input)
			assert.Contains(t, []string{"A", "upstream"}, n.Job)
		} else {
			t.Fatalf("unexpected token address %s", tk.Name)
		}
	}
	assert.Equal(t, 5, jobs, "4 local jobs plus final")
	assert.Equal(t, 2, events, "one start trigger per top-level job")
}

func TestStaticJobTokenPayloadAndPriority(t *testing.T) {
	p := newStatic(t)
	tokens, err := p.WorkflowTokens(context.Background(), "etl")
	require.NoError(t, err)

	byJob := make(map[string]token.Token)
	for _, tk := range tokens {
		if n, err := token.ParseJobToken(tk.Name); err == nil {
			byJob[n.Job] = tk
		}
	}

	// A feeds B and final: score 3. The final job only carries itself.
	assert.Equal(t, 3.0, byJob["A"].Priority)
	assert.Equal(t, 1.0, byJob[FinalJob].Priority)

	var payload template.JobPayload
	require.NoError(t, token.Unwrap(byJob["A"].Data, token.KindJob, &payload))
	assert.Equal(t, "true", payload.Command)
	assert.Equal(t, "A", payload.Job)
	assert.Equal(t, "1", payload.Instance)
}

func TestStaticFreshInstancePerLaunch(t *testing.T) {
	p := newStatic(t)
	first, err := p.WorkflowTokens(context.Background(), "etl")
	require.NoError(t, err)
	second, err := p.WorkflowTokens(context.Background(), "etl")
	require.NoError(t, err)

	n1, err := token.ParseJobToken(first[0].Name)
	require.NoError(t, err)
	n2, err := token.ParseJobToken(second[0].Name)
	require.NoError(t, err)
	assert.NotEqual(t, n1.Instance, n2.Instance)
}

func TestStaticUnknownWorkflow(t *testing.T) {
	p := newStatic(t)
	tokens, err := p.WorkflowTokens(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, tokens)

	tk, err := p.ScheduleToken(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, tk)
}

func TestStaticScheduleToken(t *testing.T) {
	tk, err := newStatic(t).ScheduleToken(context.Background(), "etl")
	require.NoError(t, err)
	require.NotNil(t, tk)
	assert.Equal(t, "/schedule/workflow/etl", tk.Name)

	var sched workflow.Schedule
	require.NoError(t, token.Unwrap(tk.Data, token.KindSchedule, &sched))
	assert.Equal(t, "etl", sched.Workflow)
	assert.Equal(t, int64(24*3600), sched.RecurrenceSeconds)
	assert.Greater(t, sched.NextRunTime, testClock().Unix(), "schedule is advanced past now")
	assert.Equal(t, sched.NextRunTime, tk.ExpirationTime)
}

func TestStaticUnknownTemplateFatal(t *testing.T) {
	specs := staticSpecs()
	wf := specs["etl"]
	wf.Jobs["E"] = JobSpec{Template: "teleport"}
	specs["etl"] = wf

	p := NewStaticParser(specs, template.Builtin(), &seqIDs{}).WithClock(testClock)
	_, err := p.WorkflowTokens(context.Background(), "etl")
	require.ErrorIs(t, err, template.ErrUnknownTemplate)
}

func TestLoadWorkflowFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflows.yaml")
	doc := `
etl:
  schedule:
    start_date: "2024-01-01"
    time: "04.30.00.000"
    recurrence: "1d"
    overrun_policy: skip
  jobs:
    A:
      template: shell
      params:
        command: "true"
    B:
      template: shell
      params:
        command: "true"
      parents: [A]
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))

	specs, err := LoadWorkflowFile(path)
	require.NoError(t, err)
	require.Contains(t, specs, "etl")
	assert.Equal(t, []string{"A"}, specs["etl"].Jobs["B"].Parents)

	p := NewStaticParser(specs, template.Builtin(), &seqIDs{}).WithClock(testClock)
	tokens, err := p.WorkflowTokens(context.Background(), "etl")
	require.NoError(t, err)
	// A, B, final plus one start trigger.
	assert.Len(t, tokens, 4)
}
