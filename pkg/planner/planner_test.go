package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-run/corral/pkg/contracts"
)

func TestScriptedReplaysInOrder(t *testing.T) {
	p1 := &contracts.Plan{Goal: "first"}
	p2 := &contracts.Plan{Goal: "second"}
	s := NewScripted(p1, p2)

	session := &contracts.Session{SessionID: "s1"}
	resp, err := s.Plan(context.Background(), Request{Session: session, Round: 1})
	require.NoError(t, err)
	assert.Equal(t, "first", resp.Plan.Goal)
	assert.Equal(t, "s1", resp.Plan.SessionID)
	assert.NotEmpty(t, resp.Plan.PlanID)

	resp, err = s.Plan(context.Background(), Request{Session: session, Round: 2})
	require.NoError(t, err)
	assert.Equal(t, "second", resp.Plan.Goal)

	_, err = s.Plan(context.Background(), Request{Session: session, Round: 3})
	assert.Error(t, err, "exhausted planner fails")
	assert.Equal(t, 3, s.Calls())
}

func TestScriptedQueuedError(t *testing.T) {
	s := NewScripted().QueueError(assert.AnError)
	_, err := s.Plan(context.Background(), Request{})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestCriteriaEvaluator(t *testing.T) {
	e, err := NewCriteriaEvaluator()
	require.NoError(t, err)

	ok, err := e.Check(`output.status == "done"`, map[string]any{"status": "done"}, nil)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Check(`output.status == "done"`, map[string]any{"status": "pending"}, nil)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Check(`output.count >= 3 && input.strict == true`,
		map[string]any{"count": 5}, map[string]any{"strict": true})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Check("", nil, nil)
	require.NoError(t, err)
	assert.True(t, ok, "empty criteria passes")

	_, err = e.Check(`output.status ==`, nil, nil)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidInput, contracts.CodeOf(err))

	_, err = e.Check(`"not a bool"`, nil, nil)
	require.Error(t, err)
	assert.Equal(t, contracts.CodeInvalidInput, contracts.CodeOf(err))

	_, err = e.Check(`output.missing.deep == 1`, map[string]any{}, nil)
	require.Error(t, err, "runtime errors surface")
	assert.Equal(t, contracts.CodeExecutionError, contracts.CodeOf(err))
}
