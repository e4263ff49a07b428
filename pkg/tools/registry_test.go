package tools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/policy"
)

func echoHandler(_ context.Context, input map[string]any, _ contracts.ExecutionMode, _ *policy.Profile) (map[string]any, error) {
	return map[string]any{"echo": input}, nil
}

func TestRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	for _, v := range []string{"1.0.0", "1.2.0", "2.0.0"} {
		require.NoError(t, r.Register(Definition{Name: "echo", Version: v}, echoHandler, nil))
	}

	def, err := r.Resolve(contracts.ToolRef{Name: "echo"})
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", def.Version, "empty version resolves to the highest")

	def, err = r.Resolve(contracts.ToolRef{Name: "echo", Version: "^1.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", def.Version, "constraint resolves to the highest satisfying")

	def, err = r.Resolve(contracts.ToolRef{Name: "echo", Version: "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", def.Version)

	_, err = r.Resolve(contracts.ToolRef{Name: "echo", Version: "^3.0"})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeToolNotFound, contracts.CodeOf(err))

	_, err = r.Resolve(contracts.ToolRef{Name: "missing"})
	assert.Equal(t, contracts.CodeToolNotFound, contracts.CodeOf(err))
}

func TestRegisterRejectsDuplicatesAndBadVersions(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "echo", Version: "1.0.0"}, echoHandler, nil))
	assert.Error(t, r.Register(Definition{Name: "echo", Version: "1.0.0"}, echoHandler, nil))
	assert.Error(t, r.Register(Definition{Name: "echo", Version: "not-semver"}, echoHandler, nil))
	assert.Error(t, r.Register(Definition{Version: "1.0.0"}, echoHandler, nil))
}

func TestValidateInput(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{
		Name:    "read_file",
		Version: "1.0.0",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
	}, echoHandler, nil))

	ref := contracts.ToolRef{Name: "read_file"}
	assert.NoError(t, r.ValidateInput(ref, map[string]any{"path": "/tmp/x"}))

	err := r.ValidateInput(ref, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidInput, contracts.CodeOf(err))

	err = r.ValidateInput(ref, map[string]any{"path": 42})
	assert.Equal(t, contracts.CodeInvalidInput, contracts.CodeOf(err))
}

func TestRegisterRejectsBadSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Definition{
		Name:        "bad",
		Version:     "1.0.0",
		InputSchema: map[string]any{"type": 42},
	}, echoHandler, nil)
	assert.Error(t, err)
}

func TestNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Definition{Name: "b", Version: "1.0.0"}, echoHandler, nil))
	require.NoError(t, r.Register(Definition{Name: "a", Version: "1.0.0"}, echoHandler, nil))
	assert.Equal(t, []string{"a", "b"}, r.Names())
	assert.True(t, r.Has("a"))
	assert.False(t, r.Has("c"))
}
