package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokenflow/internal/token"
)

func TestBuiltinList(t *testing.T) {
	r := Builtin()
	assert.Equal(t, []string{"noop", "path_exists", "shell"}, r.List())
}

func TestResolveUnknownTemplate(t *testing.T) {
	r := Builtin()
	_, err := r.Resolve("carrier_pigeon", nil)
	assert.ErrorIs(t, err, ErrUnknownTemplate)
}

func TestShellMaterialize(t *testing.T) {
	r := Builtin()
	tpl, err := r.Resolve("shell", map[string]any{
		"command": "/usr/bin/rsync",
		"args":    []any{"-a", "/src", "/dst"},
	})
	require.NoError(t, err)
	assert.False(t, tpl.IsCondition())

	data, err := tpl.Materialize(Request{
		Workflow:    "mirror",
		Job:         "sync",
		Instance:    "inst-1",
		MaxAttempts: 3,
	})
	require.NoError(t, err)

	var p JobPayload
	require.NoError(t, token.Unwrap(data, token.KindJob, &p))
	assert.Equal(t, "/usr/bin/rsync", p.Command)
	assert.Equal(t, []string{"-a", "/src", "/dst"}, p.Args)
	assert.Equal(t, "mirror", p.Workflow)
	assert.Equal(t, 3, p.MaxAttempts)
}

func TestShellRequiresCommand(t *testing.T) {
	r := Builtin()
	_, err := r.Resolve("shell", map[string]any{"args": []any{"-a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command")
}

func TestPathExistsCondition(t *testing.T) {
	r := Builtin()
	tpl, err := r.Resolve("path_exists", map[string]any{"path": "/data/ready"})
	require.NoError(t, err)
	assert.True(t, tpl.IsCondition())

	data, err := tpl.Materialize(Request{Workflow: "mirror", Job: "gate", Instance: "inst-1"})
	require.NoError(t, err)

	var p ConditionPayload
	require.NoError(t, token.Unwrap(data, token.KindCondition, &p))
	assert.Equal(t, "path_exists", p.Kind)
	assert.Equal(t, "/data/ready", p.Path)
}

func TestRegisterCustomFactory(t *testing.T) {
	r := NewRegistry()
	r.Register("noop", NewNoOp)
	tpl, err := r.Resolve("noop", nil)
	require.NoError(t, err)

	data, err := tpl.Materialize(Request{Workflow: "w", Job: "final", Instance: "i"})
	require.NoError(t, err)
	assert.Equal(t, token.KindJob, mustKind(t, data))
}

func mustKind(t *testing.T, data []byte) string {
	t.Helper()
	k, err := token.Kind(data)
	require.NoError(t, err)
	return k
}
