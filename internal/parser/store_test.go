package parser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenflow/internal/config"
	"tokenflow/internal/template"
	"tokenflow/internal/token"
)

type fakeConfigStore struct {
	schedules map[string]*config.ScheduleConfig
	jobs      map[string]map[string]*config.JobConfig
}

func (f *fakeConfigStore) JobNames(_ context.Context, wf string) ([]string, error) {
	var names []string
	for name := range f.jobs[wf] {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeConfigStore) Job(_ context.Context, wf, job string) (*config.JobConfig, error) {
	return f.jobs[wf][job], nil
}

func (f *fakeConfigStore) Schedule(_ context.Context, wf string) (*config.ScheduleConfig, error) {
	return f.schedules[wf], nil
}

func (f *fakeConfigStore) WorkflowNames(context.Context) ([]string, error) {
	var names []string
	for name := range f.jobs {
		names = append(names, name)
	}
	return names, nil
}

func jobRecord(wf, job, tmpl string, params map[string]any, parents []string) *config.JobConfig {
	if params == nil {
		params = map[string]any{"command": "true"}
	}
	return &config.JobConfig{
		Workflow:       wf,
		Job:            job,
		IsCondition:    tmpl == "path_exists",
		Template:       tmpl,
		TemplateParams: params,
		Parents:        parents,
		MaxAttempts:    1,
		Priority:       1,
	}
}

func storeFixture() *fakeConfigStore {
	return &fakeConfigStore{
		schedules: map[string]*config.ScheduleConfig{
			"pipeline": {
				Workflow:      "pipeline",
				StartDate:     "2024-01-01",
				Time:          "00.00.00.000",
				Recurrence:    "6H",
				OverrunPolicy: "start_new",
			},
		},
		jobs: map[string]map[string]*config.JobConfig{
			"pipeline": {
				"ready":     jobRecord("pipeline", "ready", "path_exists", map[string]any{"path": "/data/ready"}, nil),
				"extract":   jobRecord("pipeline", "extract", "shell", nil, []string{"ready"}),
				"transform": jobRecord("pipeline", "transform", "shell", nil, []string{"extract"}),
				"load":      jobRecord("pipeline", "load", "shell", nil, []string{"transform"}),
			},
		},
	}
}

func newStore(t *testing.T, fs *fakeConfigStore) *StoreParser {
	t.Helper()
	return NewStoreParser(fs, template.Builtin(), &seqIDs{}).WithClock(testClock)
}

func TestStoreWorkflowTokens(t *testing.T) {
	p := newStore(t, storeFixture())
	tokens, err := p.WorkflowTokens(context.Background(), "pipeline")
	require.NoError(t, err)
	// 4 jobs plus one start trigger for the condition.
	require.Len(t, tokens, 5)

	var kinds []string
	for _, tk := range tokens {
		kind, err := token.Kind(tk.Data)
		require.NoError(t, err)
		kinds = append(kinds, kind)
	}
	assert.ElementsMatch(t, []string{
		token.KindJob, token.KindJob, token.KindJob, token.KindCondition, token.KindEvent,
	}, kinds)
}

func TestStoreConditionPayload(t *testing.T) {
	p := newStore(t, storeFixture())
	tokens, err := p.WorkflowTokens(context.Background(), "pipeline")
	require.NoError(t, err)

	for _, tk := range tokens {
		n, err := token.ParseJobToken(tk.Name)
		if err != nil || n.Job != "ready" {
			continue
		}
		var payload template.ConditionPayload
		require.NoError(t, token.Unwrap(tk.Data, token.KindCondition, &payload))
		assert.Equal(t, "path_exists", payload.Kind)
		assert.Equal(t, "/data/ready", payload.Path)
		return
	}
	t.Fatal("condition token not found")
}

func TestStoreUnknownWorkflow(t *testing.T) {
	p := newStore(t, storeFixture())
	tokens, err := p.WorkflowTokens(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, tokens)

	tk, err := p.ScheduleToken(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, tk)
}

func TestStoreInvalidRecordAbortsBatch(t *testing.T) {
	fs := storeFixture()
	fs.jobs["pipeline"]["rogue"] = jobRecord("pipeline", "rogue", "teleport", map[string]any{}, nil)

	p := newStore(t, fs)
	tokens, err := p.WorkflowTokens(context.Background(), "pipeline")
	require.ErrorIs(t, err, template.ErrUnknownTemplate)
	assert.Nil(t, tokens, "no partial token set for an invalid workflow")
}

func TestStoreConditionMismatchFatal(t *testing.T) {
	fs := storeFixture()
	rec := jobRecord("pipeline", "sneaky", "shell", nil, nil)
	rec.IsCondition = true
	fs.jobs["pipeline"]["sneaky"] = rec

	p := newStore(t, fs)
	_, err := p.WorkflowTokens(context.Background(), "pipeline")
	var ve *config.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Contains(t, ve.Error(), "is_condition")
}

func TestStoreMissingRecordFatal(t *testing.T) {
	fs := storeFixture()
	fs.jobs["pipeline"]["ghost"] = nil

	p := newStore(t, fs)
	_, err := p.WorkflowTokens(context.Background(), "pipeline")
	var ve *config.ValidationError
	require.ErrorAs(t, err, &ve)
}

func TestStoreTwoTerminalsFatal(t *testing.T) {
	fs := storeFixture()
	fs.jobs["pipeline"]["stray"] = jobRecord("pipeline", "stray", "shell", nil, nil)

	p := newStore(t, fs)
	_, err := p.WorkflowTokens(context.Background(), "pipeline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminal job")
}

func TestStoreScheduleToken(t *testing.T) {
	p := newStore(t, storeFixture())
	tk, err := p.ScheduleToken(context.Background(), "pipeline")
	require.NoError(t, err)
	require.NotNil(t, tk)
	assert.Equal(t, "/schedule/workflow/pipeline", tk.Name)
	assert.Greater(t, tk.ExpirationTime, testClock().Unix())
}

func TestStoreWorkflowNames(t *testing.T) {
	p := newStore(t, storeFixture())
	names, err := p.WorkflowNames(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"pipeline"}, names)
}
