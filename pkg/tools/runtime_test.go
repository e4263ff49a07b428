package tools

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/journal"
	"github.com/corral-run/corral/pkg/policy"
)

func newTestRuntime(t *testing.T, reg *Registry) (*Runtime, *journal.Journal) {
	t.Helper()
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.jsonl"), journal.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return NewRuntime(reg, j, nil), j
}

func TestExecuteSuccessEmitsLifecycle(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name: "echo", Version: "1.0.0",
	}, func(_ context.Context, input map[string]any, _ contracts.ExecutionMode, _ *policy.Profile) (map[string]any, error) {
		return map[string]any{
			"echo":  input["msg"],
			"usage": map[string]any{"input_tokens": 10, "output_tokens": 5, "cost_usd": 0.01},
		}, nil
	}, nil))
	rt, j := newTestRuntime(t, reg)

	res := rt.Execute(context.Background(), ExecutionRequest{
		SessionID: "s1",
		Tool:      contracts.ToolRef{Name: "echo"},
		Input:     map[string]any{"msg": "hi"},
		Mode:      contracts.ModeReal,
	})
	require.Nil(t, res.Error)
	assert.Equal(t, "hi", res.Output["echo"])

	usage := rt.Usage("s1")
	assert.Equal(t, int64(15), usage.TotalTokens)
	assert.Equal(t, 0.01, usage.TotalCostUSD)
	assert.Equal(t, 1, usage.CallCount)

	events, err := j.ReadSession("s1", journal.ReadOptions{})
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventRequested, EventStarted, EventSucceeded}, types)
}

func TestExecuteFailureReturnsTypedError(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name: "flaky", Version: "1.0.0",
	}, func(context.Context, map[string]any, contracts.ExecutionMode, *policy.Profile) (map[string]any, error) {
		return nil, errors.New("boom")
	}, nil))
	rt, j := newTestRuntime(t, reg)

	res := rt.Execute(context.Background(), ExecutionRequest{
		SessionID: "s1",
		Tool:      contracts.ToolRef{Name: "flaky"},
		Mode:      contracts.ModeReal,
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, contracts.CodeExecutionError, res.Error.Code)

	events, err := j.ReadSession("s1", journal.ReadOptions{})
	require.NoError(t, err)
	assert.Equal(t, EventFailed, events[len(events)-1].Type)
}

func TestExecuteUnknownTool(t *testing.T) {
	rt, _ := newTestRuntime(t, NewRegistry())
	res := rt.Execute(context.Background(), ExecutionRequest{
		SessionID: "s1",
		Tool:      contracts.ToolRef{Name: "nope"},
		Mode:      contracts.ModeReal,
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, contracts.CodeToolNotFound, res.Error.Code)
}

func TestModeSupport(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name: "real_only", Version: "1.0.0",
	}, echoHandler, nil))
	require.NoError(t, reg.Register(Definition{
		Name: "mockable", Version: "1.0.0",
		Supports:     Supports{Mock: true},
		MockResponse: map[string]any{"canned": true},
	}, echoHandler, nil))
	rt, _ := newTestRuntime(t, reg)
	ctx := context.Background()

	res := rt.Execute(ctx, ExecutionRequest{
		SessionID: "s1", Tool: contracts.ToolRef{Name: "real_only"}, Mode: contracts.ModeMock,
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, contracts.CodeInvalidInput, res.Error.Code)

	res = rt.Execute(ctx, ExecutionRequest{
		SessionID: "s1", Tool: contracts.ToolRef{Name: "real_only"}, Mode: contracts.ModeDryRun,
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, contracts.CodeInvalidInput, res.Error.Code)

	res = rt.Execute(ctx, ExecutionRequest{
		SessionID: "s1", Tool: contracts.ToolRef{Name: "mockable"}, Mode: contracts.ModeMock,
	})
	require.Nil(t, res.Error)
	assert.Equal(t, true, res.Output["canned"], "mock mode returns the canned response")
}

func TestExecuteTimeout(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name: "slow", Version: "1.0.0",
	}, func(ctx context.Context, _ map[string]any, _ contracts.ExecutionMode, _ *policy.Profile) (map[string]any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil))
	rt, _ := newTestRuntime(t, reg)

	res := rt.Execute(context.Background(), ExecutionRequest{
		SessionID: "s1",
		Tool:      contracts.ToolRef{Name: "slow"},
		Mode:      contracts.ModeReal,
		Timeout:   10 * time.Millisecond,
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, contracts.CodeTimeout, res.Error.Code)
}

func TestExecutePanicRecovered(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name: "panics", Version: "1.0.0",
	}, func(context.Context, map[string]any, contracts.ExecutionMode, *policy.Profile) (map[string]any, error) {
		panic("bad handler")
	}, nil))
	rt, _ := newTestRuntime(t, reg)

	res := rt.Execute(context.Background(), ExecutionRequest{
		SessionID: "s1", Tool: contracts.ToolRef{Name: "panics"}, Mode: contracts.ModeReal,
	})
	require.NotNil(t, res.Error)
	assert.Equal(t, contracts.CodeExecutionError, res.Error.Code)
	assert.Contains(t, res.Error.Message, "panicked")
}

func TestCircuitBreakerTripsAndRecovers(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	healthy := false

	reg := NewRegistry()
	require.NoError(t, reg.Register(Definition{
		Name: "flaky", Version: "1.0.0",
	}, func(context.Context, map[string]any, contracts.ExecutionMode, *policy.Profile) (map[string]any, error) {
		if healthy {
			return map[string]any{"ok": true}, nil
		}
		return nil, errors.New("down")
	}, nil))

	rt, _ := newTestRuntime(t, reg)
	rt.WithBreakerConfig(BreakerConfig{
		FailureThreshold: 3,
		FailureWindow:    time.Minute,
		Cooldown:         30 * time.Second,
	}).WithClock(func() time.Time { return now })

	req := ExecutionRequest{SessionID: "s1", Tool: contracts.ToolRef{Name: "flaky"}, Mode: contracts.ModeReal}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res := rt.Execute(ctx, req)
		require.NotNil(t, res.Error)
		assert.Equal(t, contracts.CodeExecutionError, res.Error.Code)
	}

	res := rt.Execute(ctx, req)
	require.NotNil(t, res.Error)
	assert.Equal(t, contracts.CodeCircuitBreakerOpen, res.Error.Code, "breaker open after threshold")

	// After the cooldown a half-open probe is admitted and, succeeding,
	// closes the breaker.
	now = now.Add(31 * time.Second)
	healthy = true
	res = rt.Execute(ctx, req)
	require.Nil(t, res.Error)

	res = rt.Execute(ctx, req)
	require.Nil(t, res.Error, "breaker closed again")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	b := newBreaker(BreakerConfig{FailureThreshold: 1, FailureWindow: time.Minute, Cooldown: time.Second}, clock)

	require.True(t, b.allow())
	b.recordFailure()
	assert.False(t, b.allow(), "open")

	now = now.Add(2 * time.Second)
	assert.True(t, b.allow(), "half-open probe admitted")
	assert.False(t, b.allow(), "only one probe at a time")
	b.recordFailure()

	assert.False(t, b.allow(), "failed probe reopens for another cooldown")
	now = now.Add(2 * time.Second)
	assert.True(t, b.allow())
	b.recordSuccess()
	assert.True(t, b.allow(), "closed after successful probe")
}
