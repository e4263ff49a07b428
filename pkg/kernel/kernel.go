// Package kernel drives a session from task text through planning and step
// execution to a terminal state. One goroutine owns a session at a time;
// sessions run in parallel, shared services are injected.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/critic"
	"github.com/corral-run/corral/pkg/futility"
	"github.com/corral-run/corral/pkg/journal"
	"github.com/corral-run/corral/pkg/observability"
	"github.com/corral-run/corral/pkg/permission"
	"github.com/corral-run/corral/pkg/planner"
	"github.com/corral-run/corral/pkg/tools"
)

// Journal event types emitted by the kernel.
const (
	EventSessionCreated   = "session.created"
	EventSessionStarted   = "session.started"
	EventSessionCompleted = "session.completed"
	EventSessionFailed    = "session.failed"
	EventSessionAborted   = "session.aborted"
	EventStatusChanged    = "session.status_changed"
	EventPlannerRequested = "planner.requested"
	EventPlanReceived     = "planner.plan_received"
	EventPlanAccepted     = "plan.accepted"
	EventPlanRejected     = "plan.rejected"
	EventStepStarted      = "step.started"
	EventStepSucceeded    = "step.succeeded"
	EventStepFailed       = "step.failed"
	EventLimitExceeded    = "limit.exceeded"
	EventFutilityDetected = "futility.detected"
)

// RespondToolName marks the step that delivers the session's final answer.
// Its success completes the session even if later steps remain.
const RespondToolName = "respond"

// Config tunes the kernel.
type Config struct {
	MaxPlanRounds int
	BackoffBase   time.Duration
	Futility      futility.Config
	// Obs instruments session runs and step execution; nil disables tracking.
	Obs *observability.Provider
}

// DefaultConfig matches the runtime defaults.
func DefaultConfig() Config {
	return Config{
		MaxPlanRounds: 3,
		BackoffBase:   500 * time.Millisecond,
	}
}

// Kernel executes sessions against the injected services.
type Kernel struct {
	mu       sync.Mutex
	sessions map[string]*sessionState

	emitter  journal.Emitter
	runtime  *tools.Runtime
	registry *tools.Registry
	planner  planner.Planner
	perm     *permission.Engine
	critics  *critic.Suite
	criteria *planner.CriteriaEvaluator

	cfg    Config
	clock  func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

type sessionState struct {
	mu        sync.Mutex
	session   *contracts.Session
	plan      *contracts.Plan
	results   map[string]contracts.StepResult
	lessons   []string
	monitor   *futility.Monitor
	cancel    context.CancelFunc
	aborted   bool
	reason    string
	lastUsage contracts.UsageSummary
}

// New wires a kernel. The critic suite defaults to critic.DefaultSuite and
// the criteria evaluator is built internally.
func New(emitter journal.Emitter, runtime *tools.Runtime, registry *tools.Registry, p planner.Planner, perm *permission.Engine, cfg Config) (*Kernel, error) {
	if cfg.MaxPlanRounds <= 0 {
		cfg.MaxPlanRounds = DefaultConfig().MaxPlanRounds
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	criteria, err := planner.NewCriteriaEvaluator()
	if err != nil {
		return nil, fmt.Errorf("kernel: %w", err)
	}
	return &Kernel{
		sessions: make(map[string]*sessionState),
		emitter:  emitter,
		runtime:  runtime,
		registry: registry,
		planner:  p,
		perm:     perm,
		critics:  critic.DefaultSuite(),
		criteria: criteria,
		cfg:      cfg,
		clock:    time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
		logger: slog.Default(),
	}, nil
}

// WithCritics swaps the critic suite.
func (k *Kernel) WithCritics(s *critic.Suite) *Kernel {
	k.critics = s
	return k
}

// WithClock overrides time for deterministic tests.
func (k *Kernel) WithClock(clock func() time.Time) *Kernel {
	k.clock = clock
	return k
}

// WithSleep overrides the backoff sleeper for tests.
func (k *Kernel) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Kernel {
	k.sleep = sleep
	return k
}

// CreateSession registers a new session in the created state.
func (k *Kernel) CreateSession(task string, mode contracts.ExecutionMode, limits contracts.SessionLimits) *contracts.Session {
	now := k.clock()
	s := &contracts.Session{
		SessionID: uuid.New().String(),
		Status:    contracts.SessionCreated,
		Mode:      mode,
		Task:      task,
		Limits:    limits,
		CreatedAt: now,
		UpdatedAt: now,
	}
	st := &sessionState{
		session: s,
		results: make(map[string]contracts.StepResult),
		monitor: futility.NewMonitor(k.cfg.Futility),
	}
	k.mu.Lock()
	k.sessions[s.SessionID] = st
	k.mu.Unlock()

	k.emit(s.SessionID, EventSessionCreated, map[string]any{
		"task": task,
		"mode": string(mode),
	})
	return s
}

// Session returns a copy of the session record.
func (k *Kernel) Session(sessionID string) (contracts.Session, bool) {
	st := k.state(sessionID)
	if st == nil {
		return contracts.Session{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return *st.session, true
}

// Results returns the step results recorded so far.
func (k *Kernel) Results(sessionID string) map[string]contracts.StepResult {
	st := k.state(sessionID)
	if st == nil {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(map[string]contracts.StepResult, len(st.results))
	for id, r := range st.results {
		out[id] = r
	}
	return out
}

// Abort cancels a session from any state. Terminal sessions are unaffected.
func (k *Kernel) Abort(sessionID, reason string) {
	st := k.state(sessionID)
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.session.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	st.aborted = true
	st.reason = reason
	cancel := st.cancel
	st.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the session to a terminal state. It must be called at most once
// per session; the per-session state lock enforces no interleaving of kernel
// operations within the session.
func (k *Kernel) Run(ctx context.Context, sessionID string) error {
	st := k.state(sessionID)
	if st == nil {
		return contracts.NewError(contracts.CodeExecutionError, "unknown session %s", sessionID)
	}

	var runErr error
	ctx, done := k.track(ctx, "kernel.run_session",
		observability.AttrSessionID.String(sessionID))
	defer func() { done(runErr) }()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	st.mu.Lock()
	if st.session.Status != contracts.SessionCreated {
		st.mu.Unlock()
		runErr = contracts.NewError(contracts.CodeExecutionError,
			"session %s already started (status %s)", sessionID, st.session.Status)
		return runErr
	}
	st.cancel = cancel
	st.mu.Unlock()

	k.emit(sessionID, EventSessionStarted, map[string]any{"task": st.session.Task})

	deadline := time.Time{}
	if st.session.Limits.MaxDuration > 0 {
		deadline = k.clock().Add(st.session.Limits.MaxDuration)
	}

	iteration := 0
	for round := 1; ; round++ {
		if k.checkAbort(st) {
			return nil
		}
		if round > k.maxPlanRounds(st) {
			k.finish(st, contracts.SessionFailed, "planning rounds exhausted")
			return nil
		}

		plan, ok := k.planOnce(runCtx, st, round)
		if !ok {
			return nil // terminal state already recorded
		}

		outcome := k.executePlan(runCtx, st, plan, deadline, &iteration)
		switch outcome {
		case outcomeCompleted, outcomeFailed, outcomeAborted:
			return nil
		case outcomeReplan:
			continue
		}
	}
}

type planOutcome int

const (
	outcomeCompleted planOutcome = iota
	outcomeFailed
	outcomeAborted
	outcomeReplan
)

// planOnce runs one planning round: planner call, critics, acceptance.
// Returns (plan, true) on acceptance; on terminal failure it records the
// state and returns false.
func (k *Kernel) planOnce(ctx context.Context, st *sessionState, round int) (*contracts.Plan, bool) {
	sessionID := st.session.SessionID
	k.setStatus(st, contracts.SessionPlanning)

	st.mu.Lock()
	req := planner.Request{
		Session:      st.session,
		Task:         st.session.Task,
		PriorResults: copyResults(st.results),
		Lessons:      append([]string(nil), st.lessons...),
		Round:        round,
	}
	st.mu.Unlock()

	k.emit(sessionID, EventPlannerRequested, map[string]any{"round": round})
	resp, err := k.planner.Plan(ctx, req)
	if err != nil {
		if k.checkAbort(st) {
			return nil, false
		}
		k.finish(st, contracts.SessionFailed, fmt.Sprintf("planner: %v", err))
		return nil, false
	}
	k.runtime.AddUsage(sessionID, resp.Usage)
	k.emit(sessionID, EventPlanReceived, map[string]any{
		"plan_id": resp.Plan.PlanID,
		"goal":    resp.Plan.Goal,
		"steps":   len(resp.Plan.Steps),
	})

	report := k.critics.Review(critic.Input{Plan: resp.Plan, Session: st.session, Registry: k.registry})
	if !report.Passed() {
		var msgs []string
		for _, f := range report.Failures() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", f.Name, f.Message))
		}
		k.emit(sessionID, EventPlanRejected, map[string]any{
			"plan_id":  resp.Plan.PlanID,
			"failures": msgs,
		})
		st.mu.Lock()
		st.lessons = append(st.lessons, msgs...)
		st.mu.Unlock()
		if round >= k.maxPlanRounds(st) {
			k.finish(st, contracts.SessionFailed, "no plan passed the critics")
			return nil, false
		}
		return k.planOnce(ctx, st, round+1)
	}

	st.mu.Lock()
	st.plan = resp.Plan
	st.session.ActivePlanID = resp.Plan.PlanID
	st.mu.Unlock()
	k.emit(sessionID, EventPlanAccepted, map[string]any{"plan_id": resp.Plan.PlanID})
	k.setStatus(st, contracts.SessionRunning)
	return resp.Plan, true
}

func (k *Kernel) executePlan(ctx context.Context, st *sessionState, plan *contracts.Plan, deadline time.Time, iteration *int) planOutcome {
	sessionID := st.session.SessionID

	for _, step := range plan.Steps {
		if k.checkAbort(st) {
			return outcomeAborted
		}
		if !deadline.IsZero() && k.clock().After(deadline) {
			k.emit(sessionID, EventLimitExceeded, map[string]any{
				"limit": "max_duration_ms",
			})
			k.finish(st, contracts.SessionFailed, "session duration limit exceeded")
			return outcomeFailed
		}

		// Budget gate before the step runs.
		usage := k.runtime.Usage(sessionID)
		if st.session.Limits.MaxTokens > 0 && usage.TotalTokens+step.EstimatedTokens > st.session.Limits.MaxTokens {
			k.emit(sessionID, EventLimitExceeded, map[string]any{
				"limit":       "max_tokens",
				"tokens_used": usage.TotalTokens,
				"estimate":    step.EstimatedTokens,
			})
			k.finish(st, contracts.SessionFailed, "token budget exceeded")
			return outcomeFailed
		}
		if st.session.Limits.MaxCostUSD > 0 && usage.TotalCostUSD >= st.session.Limits.MaxCostUSD {
			k.emit(sessionID, EventLimitExceeded, map[string]any{
				"limit":    "max_cost_usd",
				"cost_usd": usage.TotalCostUSD,
			})
			k.finish(st, contracts.SessionFailed, "cost budget exceeded")
			return outcomeFailed
		}

		result := k.executeStep(ctx, st, step)
		st.mu.Lock()
		st.results[step.StepID] = result
		st.mu.Unlock()

		*iteration++
		cumulative := k.runtime.Usage(sessionID)
		st.mu.Lock()
		delta := usageDelta(cumulative, st.lastUsage)
		st.lastUsage = cumulative
		st.mu.Unlock()
		verdict := st.monitor.RecordIteration(futility.Iteration{
			Iteration:       *iteration,
			PlanGoal:        plan.Goal,
			StepResults:     resultsSlice(k.Results(sessionID)),
			IterationUsage:  &delta,
			CumulativeUsage: usagePtr(cumulative),
			MaxCostUSD:      st.session.Limits.MaxCostUSD,
		})
		if verdict.Action == futility.ActionHalt {
			k.emit(sessionID, EventFutilityDetected, map[string]any{"reason": verdict.Reason})
			k.finish(st, contracts.SessionFailed, "futility: "+verdict.Reason)
			return outcomeFailed
		}

		if result.Status == contracts.StepFailed {
			switch step.FailurePolicy {
			case contracts.FailContinue:
				continue
			case contracts.FailReplan:
				st.mu.Lock()
				if result.Error != nil {
					st.lessons = append(st.lessons, fmt.Sprintf("step %s failed: %s", step.StepID, result.Error.Message))
				}
				st.mu.Unlock()
				return outcomeReplan
			default: // abort
				reason := "step failed"
				if result.Error != nil {
					reason = result.Error.Message
				}
				k.finish(st, contracts.SessionFailed, reason)
				return outcomeFailed
			}
		}

		if k.checkAbort(st) {
			return outcomeAborted
		}
		if step.Tool.Name == RespondToolName && result.Status == contracts.StepSucceeded {
			k.finish(st, contracts.SessionCompleted, "final answer delivered")
			return outcomeCompleted
		}
	}

	k.finish(st, contracts.SessionCompleted, "all steps terminated")
	return outcomeCompleted
}

// executeStep runs one step with permission gating, input binding, retries
// with exponential backoff, and success-criteria evaluation.
func (k *Kernel) executeStep(ctx context.Context, st *sessionState, step contracts.Step) contracts.StepResult {
	sessionID := st.session.SessionID
	var stepErr error
	ctx, done := k.track(ctx, "kernel.execute_step",
		observability.AttrSessionID.String(sessionID),
		observability.AttrStepID.String(step.StepID),
		observability.AttrToolName.String(step.Tool.Name))
	defer func() { done(stepErr) }()

	result := contracts.StepResult{
		StepID:    step.StepID,
		Status:    contracts.StepRunning,
		StartedAt: k.clock(),
	}
	fail := func(err error) contracts.StepResult {
		stepErr = err
		result.Status = contracts.StepFailed
		result.Error = contracts.InfoOf(err)
		result.FinishedAt = k.clock()
		k.emit(sessionID, EventStepFailed, map[string]any{
			"step_id": step.StepID,
			"code":    result.Error.Code,
			"message": result.Error.Message,
		})
		return result
	}

	k.emit(sessionID, EventStepStarted, map[string]any{
		"step_id": step.StepID,
		"tool":    step.Tool.Name,
	})

	input, err := k.bindInput(st, step)
	if err != nil {
		return fail(err)
	}

	if allowed, reason := k.checkPermissions(ctx, st, step, input); !allowed {
		return fail(contracts.NewError(contracts.CodePermissionDenied, "%s", reason))
	}
	defer func() {
		if k.perm != nil {
			k.perm.EndStep(sessionID)
		}
	}()

	attempts := 0
	for {
		attempts++
		result.Attempts = attempts

		res := k.runtime.Execute(ctx, tools.ExecutionRequest{
			SessionID: sessionID,
			StepID:    step.StepID,
			Tool:      step.Tool,
			Input:     input,
			Mode:      st.session.Mode,
			Timeout:   step.Timeout,
		})
		if res.Error == nil {
			ok, err := k.criteria.Check(step.SuccessCriteria, res.Output, input)
			if err != nil {
				return fail(err)
			}
			if !ok {
				res.Error = &contracts.ErrorInfo{
					Code:    contracts.CodeInvalidOutput,
					Message: fmt.Sprintf("success criteria %q not met", step.SuccessCriteria),
				}
			}
		}

		if res.Error == nil {
			result.Status = contracts.StepSucceeded
			result.Output = res.Output
			result.FinishedAt = k.clock()
			k.emit(sessionID, EventStepSucceeded, map[string]any{
				"step_id":  step.StepID,
				"attempts": attempts,
			})
			return result
		}

		if k.checkAborted(st) {
			res.Error = &contracts.ErrorInfo{Code: contracts.CodeExecutionError, Message: "aborted"}
			stepErr = contracts.NewError(res.Error.Code, "%s", res.Error.Message)
			result.Status = contracts.StepFailed
			result.Error = res.Error
			result.FinishedAt = k.clock()
			k.emit(sessionID, EventStepFailed, map[string]any{
				"step_id": step.StepID,
				"code":    res.Error.Code,
				"message": res.Error.Message,
			})
			return result
		}

		if attempts > step.MaxRetries || !retryable(res.Error.Code) {
			stepErr = contracts.NewError(res.Error.Code, "%s", res.Error.Message)
			result.Status = contracts.StepFailed
			result.Error = res.Error
			result.FinishedAt = k.clock()
			k.emit(sessionID, EventStepFailed, map[string]any{
				"step_id":  step.StepID,
				"code":     res.Error.Code,
				"message":  res.Error.Message,
				"attempts": attempts,
			})
			return result
		}

		backoff := k.cfg.BackoffBase * time.Duration(1<<(attempts-1))
		if err := k.sleep(ctx, backoff); err != nil {
			return fail(contracts.NewError(contracts.CodeExecutionError, "aborted during backoff"))
		}
	}
}

// retryable reports whether a failure code is worth retrying. Policy and
// validation failures are deterministic; retrying them burns budget.
func retryable(code string) bool {
	switch code {
	case contracts.CodePolicyViolation,
		contracts.CodePermissionDenied,
		contracts.CodeInvalidInput,
		contracts.CodeInvalidOutput,
		contracts.CodeToolNotFound,
		contracts.CodeNoRuntime,
		contracts.CodeSessionLimitReached:
		return false
	}
	return true
}

// bindInput resolves input_from references against prior step outputs.
func (k *Kernel) bindInput(st *sessionState, step contracts.Step) (map[string]any, error) {
	input := make(map[string]any, len(step.Input)+len(step.InputFrom))
	for key, v := range step.Input {
		input[key] = v
	}
	if len(step.InputFrom) == 0 {
		return input, nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	for field, fromStep := range step.InputFrom {
		prior, ok := st.results[fromStep]
		if !ok || prior.Status != contracts.StepSucceeded {
			return nil, contracts.NewError(contracts.CodeInvalidInput,
				"step %s: input_from references step %q with no successful result", step.StepID, fromStep)
		}
		if v, ok := prior.Output[field]; ok {
			input[field] = v
		} else {
			input[field] = prior.Output
		}
	}
	return input, nil
}

// checkPermissions gates the step on the tool's required scopes. The session
// shows awaiting_approval while a prompt may be outstanding.
func (k *Kernel) checkPermissions(ctx context.Context, st *sessionState, step contracts.Step, input map[string]any) (bool, string) {
	if k.perm == nil {
		return true, ""
	}
	def, err := k.registry.Resolve(step.Tool)
	if err != nil || len(def.RequiredScopes) == 0 {
		return true, ""
	}

	reqs := make([]permission.Requirement, 0, len(def.RequiredScopes))
	for _, s := range def.RequiredScopes {
		reqs = append(reqs, permission.Requirement{Scope: s})
	}

	k.setStatus(st, contracts.SessionAwaitingApproval)
	res, err := k.perm.Check(ctx, permission.Request{
		SessionID:   st.session.SessionID,
		ToolName:    step.Tool.Name,
		StepID:      step.StepID,
		Permissions: reqs,
	})
	k.setStatus(st, contracts.SessionRunning)
	if err != nil {
		return false, err.Error()
	}
	if !res.Allowed {
		return false, res.Reason
	}
	if res.Observed {
		k.perm.Audit(st.session.SessionID, step.Tool.Name, input)
	}
	return true, ""
}

func (k *Kernel) maxPlanRounds(st *sessionState) int {
	if st.session.Limits.MaxPlanRounds > 0 {
		return st.session.Limits.MaxPlanRounds
	}
	return k.cfg.MaxPlanRounds
}

func (k *Kernel) setStatus(st *sessionState, status contracts.SessionStatus) {
	st.mu.Lock()
	if st.session.Status.Terminal() || st.session.Status == status {
		st.mu.Unlock()
		return
	}
	from := st.session.Status
	st.session.Status = status
	st.session.UpdatedAt = k.clock()
	if status != contracts.SessionRunning && status != contracts.SessionAwaitingApproval && status != contracts.SessionPaused {
		st.session.ActivePlanID = ""
	} else if st.plan != nil {
		st.session.ActivePlanID = st.plan.PlanID
	}
	st.mu.Unlock()

	k.emit(st.session.SessionID, EventStatusChanged, map[string]any{
		"from": string(from),
		"to":   string(status),
	})
}

// finish records a terminal state and emits the final event with its reason.
func (k *Kernel) finish(st *sessionState, status contracts.SessionStatus, reason string) {
	st.mu.Lock()
	if st.session.Status.Terminal() {
		st.mu.Unlock()
		return
	}
	st.session.Status = status
	st.session.ActivePlanID = ""
	st.session.UpdatedAt = k.clock()
	st.reason = reason
	st.mu.Unlock()

	eventType := EventSessionFailed
	switch status {
	case contracts.SessionCompleted:
		eventType = EventSessionCompleted
	case contracts.SessionAborted:
		eventType = EventSessionAborted
	}
	k.emit(st.session.SessionID, eventType, map[string]any{"reason": reason})

	if k.perm != nil {
		k.perm.ClearSession(context.Background(), st.session.SessionID)
	}
}

// checkAbort finalizes an externally aborted session. Returns true when the
// session is (now) terminal.
func (k *Kernel) checkAbort(st *sessionState) bool {
	st.mu.Lock()
	aborted := st.aborted
	terminal := st.session.Status.Terminal()
	reason := st.reason
	st.mu.Unlock()
	if terminal {
		return true
	}
	if aborted {
		if reason == "" {
			reason = "aborted"
		}
		k.finish(st, contracts.SessionAborted, reason)
		return true
	}
	return false
}

func (k *Kernel) checkAborted(st *sessionState) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.aborted
}

func (k *Kernel) state(sessionID string) *sessionState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.sessions[sessionID]
}

func (k *Kernel) emit(sessionID, eventType string, payload map[string]any) {
	if k.emitter == nil {
		return
	}
	if _, err := k.emitter.Emit(sessionID, eventType, payload); err != nil {
		k.logger.Error("journal emit failed", "type", eventType, "error", err)
	}
}

func copyResults(in map[string]contracts.StepResult) map[string]contracts.StepResult {
	out := make(map[string]contracts.StepResult, len(in))
	for id, r := range in {
		out[id] = r
	}
	return out
}

func resultsSlice(in map[string]contracts.StepResult) []contracts.StepResult {
	out := make([]contracts.StepResult, 0, len(in))
	for _, r := range in {
		out = append(out, r)
	}
	return out
}

func usagePtr(u contracts.UsageSummary) *contracts.UsageSummary {
	return &u
}

// track wraps one kernel operation in a span plus RED metrics. With no
// provider configured it is a no-op.
func (k *Kernel) track(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	if k.cfg.Obs == nil {
		return ctx, func(error) {}
	}
	return k.cfg.Obs.TrackOperation(ctx, name, attrs...)
}

// usageDelta is the usage attributable to one iteration: the cumulative
// summary minus the snapshot taken after the previous iteration.
func usageDelta(cumulative, prev contracts.UsageSummary) contracts.UsageSummary {
	return contracts.UsageSummary{
		InputTokens:  cumulative.InputTokens - prev.InputTokens,
		OutputTokens: cumulative.OutputTokens - prev.OutputTokens,
		TotalTokens:  cumulative.TotalTokens - prev.TotalTokens,
		TotalCostUSD: cumulative.TotalCostUSD - prev.TotalCostUSD,
		CallCount:    cumulative.CallCount - prev.CallCount,
	}
}
