package permission

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-run/corral/pkg/journal"
)

func promptReturning(d Decision) PromptFunc {
	return func(_ context.Context, _ PromptRequest) (Decision, error) {
		return d, nil
	}
}

func fsReadReq(sessionID string) Request {
	return Request{
		SessionID:   sessionID,
		ToolName:    "read_file",
		StepID:      "step-1",
		Permissions: []Requirement{{Scope: "fs:read:/tmp/data", Reason: "read input"}},
	}
}

func TestCheckPromptsAndGrants(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(promptReturning(Decision{Type: DecisionAllowSession}), nil)

	res, err := e.Check(ctx, fsReadReq("s1"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	assert.True(t, e.IsGranted(ctx, "fs:read:/tmp/data", "s1"))
	assert.False(t, e.IsGranted(ctx, "fs:read:/tmp/data", "s2"), "grants are session-local")
}

func TestCheckDeny(t *testing.T) {
	e := NewEngine(promptReturning(Decision{Type: DecisionDeny, Reason: "nope"}), nil)
	res, err := e.Check(context.Background(), fsReadReq("s1"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, "nope", res.Reason)
}

func TestCheckDenyWithAlternative(t *testing.T) {
	alt := &Alternative{ToolName: "read_file_head", SuggestedInput: map[string]any{"lines": 100}}
	e := NewEngine(promptReturning(Decision{
		Type: DecisionDenyWithAlternative, Reason: "too broad", Alternative: alt,
	}), nil)

	res, err := e.Check(context.Background(), fsReadReq("s1"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	require.NotNil(t, res.Alternative)
	assert.Equal(t, "read_file_head", res.Alternative.ToolName)
}

func TestCheckNoPromptChannelDenies(t *testing.T) {
	e := NewEngine(nil, nil)
	res, err := e.Check(context.Background(), fsReadReq("s1"))
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestApprovalRacePromptsOnce(t *testing.T) {
	var prompts atomic.Int32
	release := make(chan struct{})
	prompt := func(_ context.Context, _ PromptRequest) (Decision, error) {
		prompts.Add(1)
		<-release
		return Decision{Type: DecisionAllowSession}, nil
	}
	e := NewEngine(prompt, nil)

	var wg sync.WaitGroup
	results := make([]CheckResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := e.Check(context.Background(), fsReadReq("s1"))
			require.NoError(t, err)
			results[i] = res
		}(i)
	}

	// Let both goroutines reach the prompt lock, then release the approver.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), prompts.Load(), "second check re-checks after the lock and finds the grant")
	assert.True(t, results[0].Allowed)
	assert.True(t, results[1].Allowed)
}

func TestAllowOnceExpiresAtStepEnd(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(promptReturning(Decision{Type: DecisionAllowOnce}), nil)

	res, err := e.Check(ctx, fsReadReq("s1"))
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.True(t, e.IsGranted(ctx, "fs:read:/tmp/data", "s1"))

	e.EndStep("s1")
	assert.False(t, e.IsGranted(ctx, "fs:read:/tmp/data", "s1"))
}

func TestAllowAlwaysSurvivesStepEnd(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(promptReturning(Decision{Type: DecisionAllowAlways}), nil)

	_, err := e.Check(ctx, fsReadReq("s1"))
	require.NoError(t, err)

	e.EndStep("s1")
	assert.True(t, e.IsGranted(ctx, "fs:read:/tmp/data", "s1"))

	e.ClearSession(ctx, "s1")
	assert.False(t, e.IsGranted(ctx, "fs:read:/tmp/data", "s1"), "global grants still die with the session")
}

func TestAllowConstrainedReturnsConstraints(t *testing.T) {
	ctx := context.Background()
	c := &Constraints{ReadonlyPaths: []string{"/tmp"}, MaxDuration: time.Second}
	e := NewEngine(promptReturning(Decision{Type: DecisionAllowConstrained, Constraints: c}), nil)

	res, err := e.Check(ctx, fsReadReq("s1"))
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.NotNil(t, res.Constraints)
	assert.Equal(t, []string{"/tmp"}, res.Constraints.ReadonlyPaths)

	// A later check for the same tool returns the cached constraints.
	res, err = e.Check(ctx, fsReadReq("s1"))
	require.NoError(t, err)
	require.NotNil(t, res.Constraints)
}

func TestAllowObservedInvokesAuditHook(t *testing.T) {
	ctx := context.Background()
	var records []AuditRecord
	e := NewEngine(promptReturning(Decision{Type: DecisionAllowObserved}), nil).
		WithAuditHook(func(r AuditRecord) { records = append(records, r) })

	res, err := e.Check(ctx, fsReadReq("s1"))
	require.NoError(t, err)
	require.True(t, res.Allowed)
	assert.True(t, res.Observed)

	e.Audit("s1", "read_file", map[string]any{"path": "/tmp/data"})
	require.Len(t, records, 1)
	assert.Equal(t, "read_file", records[0].ToolName)
}

func TestAuditHookPanicSwallowed(t *testing.T) {
	e := NewEngine(nil, nil).WithAuditHook(func(AuditRecord) { panic("boom") })
	assert.NotPanics(t, func() {
		e.Audit("s1", "read_file", nil)
	})
}

func TestAllowRateLimitedExhausts(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(promptReturning(Decision{
		Type: DecisionAllowRateLimited, MaxCallsPerWindow: 2, Window: time.Hour,
	}), nil)

	res, err := e.Check(ctx, fsReadReq("s1"))
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// The granting check did not consume a token; each IsGranted does.
	assert.True(t, e.IsGranted(ctx, "fs:read:/tmp/data", "s1"))
	assert.True(t, e.IsGranted(ctx, "fs:read:/tmp/data", "s1"))
	assert.False(t, e.IsGranted(ctx, "fs:read:/tmp/data", "s1"), "bucket exhausted")
}

func TestAllowTimeBoundedOutsideWindow(t *testing.T) {
	ctx := context.Background()
	// 09:40 is 40 minutes past the hourly fire, outside a 15 minute window.
	now := time.Date(2026, 3, 1, 9, 40, 0, 0, time.UTC)
	e := NewEngine(promptReturning(Decision{
		Type:           DecisionAllowTimeBounded,
		CronExpression: "0 * * * *",
		WindowDuration: 15 * time.Minute,
	}), nil).WithClock(func() time.Time { return now })

	res, err := e.Check(ctx, fsReadReq("s1"))
	require.NoError(t, err)
	// The grant installs, but the bound is not satisfied right now.
	assert.False(t, res.Allowed)
}

func TestDCTBoundaryDenial(t *testing.T) {
	ctx := context.Background()
	var prompts atomic.Int32
	e := NewEngine(func(_ context.Context, _ PromptRequest) (Decision, error) {
		prompts.Add(1)
		return Decision{Type: DecisionAllowSession}, nil
	}, nil)

	e.SetDCTBoundary("s1", []string{"fs:read:*"})

	res, err := e.Check(ctx, Request{
		SessionID:   "s1",
		ToolName:    "write_file",
		Permissions: []Requirement{{Scope: "fs:write:/tmp/out"}},
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Contains(t, res.Reason, "outside DCT boundary")
	assert.Equal(t, int32(0), prompts.Load(), "boundary denials never reach the prompt")

	// Inside the boundary the normal flow applies.
	res, err = e.Check(ctx, fsReadReq("s1"))
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestPreGrant(t *testing.T) {
	ctx := context.Background()
	e := NewEngine(nil, nil)
	require.NoError(t, e.PreGrant("s1", []string{"fs:read:*"}, "dct"))
	assert.True(t, e.IsGranted(ctx, "fs:read:/any/path", "s1"))

	assert.Error(t, e.PreGrant("s1", []string{"*:read:x"}, "dct"))
}

func TestCheckEmitsJournalEvents(t *testing.T) {
	dir := t.TempDir()
	j, err := journal.Open(filepath.Join(dir, "journal.jsonl"), journal.Options{})
	require.NoError(t, err)
	defer j.Close()

	e := NewEngine(promptReturning(Decision{Type: DecisionAllowSession}), j)
	_, err = e.Check(context.Background(), fsReadReq("s1"))
	require.NoError(t, err)

	events, err := j.ReadSession("s1", journal.ReadOptions{})
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{EventRequested, EventGranted}, types)
}

func TestRestoreSessionFromJournal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "journal.jsonl")
	j, err := journal.Open(path, journal.Options{})
	require.NoError(t, err)

	src := NewEngine(promptReturning(Decision{Type: DecisionAllowSession}), j)
	_, err = src.Check(context.Background(), fsReadReq("s1"))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := journal.Open(path, journal.Options{})
	require.NoError(t, err)
	defer j2.Close()

	restored := NewEngine(nil, j2)
	require.NoError(t, restored.RestoreSession(j2, "s1"))
	assert.True(t, restored.IsGranted(context.Background(), "fs:read:/tmp/data", "s1"))
}
