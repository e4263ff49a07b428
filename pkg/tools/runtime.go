package tools

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/journal"
	"github.com/corral-run/corral/pkg/policy"
)

// Journal event types emitted per tool call.
const (
	EventRequested = "tool.requested"
	EventStarted   = "tool.started"
	EventSucceeded = "tool.succeeded"
	EventFailed    = "tool.failed"
)

// ExecutionRequest is one tool invocation.
type ExecutionRequest struct {
	RequestID string                 `json:"request_id"`
	SessionID string                 `json:"session_id"`
	StepID    string                 `json:"step_id,omitempty"`
	Tool      contracts.ToolRef      `json:"tool"`
	Input     map[string]any         `json:"input"`
	Mode      contracts.ExecutionMode `json:"mode"`
	Timeout   time.Duration          `json:"timeout_ms,omitempty"`
}

// ExecutionResult is the runtime's outcome for one call.
type ExecutionResult struct {
	RequestID string                 `json:"request_id"`
	Output    map[string]any         `json:"output,omitempty"`
	Error     *contracts.ErrorInfo   `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Usage     contracts.UsageSummary `json:"usage"`
}

// Runtime dispatches execution requests against the registry under a policy
// profile, journaling the tool lifecycle and aggregating usage per session.
type Runtime struct {
	mu       sync.Mutex
	registry *Registry
	emitter  journal.Emitter
	profile  *policy.Profile
	breakers map[string]*breaker
	usage    map[string]*contracts.UsageSummary // per session
	cfg      BreakerConfig
	clock    func() time.Time
	logger   *slog.Logger
}

// NewRuntime wires the runtime. emitter and profile may be nil in tests.
func NewRuntime(registry *Registry, emitter journal.Emitter, profile *policy.Profile) *Runtime {
	return &Runtime{
		registry: registry,
		emitter:  emitter,
		profile:  profile,
		breakers: make(map[string]*breaker),
		usage:    make(map[string]*contracts.UsageSummary),
		cfg:      DefaultBreakerConfig(),
		clock:    time.Now,
		logger:   slog.Default(),
	}
}

// WithBreakerConfig overrides circuit breaker tuning.
func (rt *Runtime) WithBreakerConfig(cfg BreakerConfig) *Runtime {
	rt.cfg = cfg
	return rt
}

// WithClock overrides time for deterministic tests.
func (rt *Runtime) WithClock(clock func() time.Time) *Runtime {
	rt.clock = clock
	return rt
}

// Execute runs one tool call end to end: resolve, validate, gate on the
// breaker, enforce mode support, dispatch with timeout, journal, aggregate.
// Tool failures come back as a populated Error on the result, not as the
// returned error, so callers apply failure policy without unwrapping.
func (rt *Runtime) Execute(ctx context.Context, req ExecutionRequest) ExecutionResult {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	res := ExecutionResult{RequestID: req.RequestID}

	rt.emit(req.SessionID, EventRequested, map[string]any{
		"request_id": req.RequestID,
		"tool":       req.Tool.Name,
		"step_id":    req.StepID,
		"mode":       string(req.Mode),
	})

	def, err := rt.registry.Resolve(req.Tool)
	if err != nil {
		return rt.fail(req, res, err)
	}

	switch req.Mode {
	case contracts.ModeMock:
		if !def.Supports.Mock {
			return rt.fail(req, res, contracts.NewError(contracts.CodeInvalidInput,
				"tool %s does not support mock mode", def.Name))
		}
	case contracts.ModeDryRun:
		if !def.Supports.DryRun {
			return rt.fail(req, res, contracts.NewError(contracts.CodeInvalidInput,
				"tool %s does not support dry_run mode", def.Name))
		}
	case contracts.ModeReal:
	default:
		return rt.fail(req, res, contracts.NewError(contracts.CodeInvalidInput,
			"unknown execution mode %q", req.Mode))
	}

	if err := rt.registry.ValidateInput(req.Tool, req.Input); err != nil {
		return rt.fail(req, res, err)
	}

	br := rt.breakerFor(def.Name)
	if !br.allow() {
		return rt.fail(req, res, contracts.NewError(contracts.CodeCircuitBreakerOpen,
			"circuit breaker open for tool %s", def.Name))
	}

	if def.Handler.Handle == nil {
		br.recordFailure()
		return rt.fail(req, res, contracts.NewError(contracts.CodeNoRuntime,
			"tool %s has no handler", def.Name))
	}

	rt.emit(req.SessionID, EventStarted, map[string]any{
		"request_id": req.RequestID,
		"tool":       def.Name,
		"version":    def.Version,
	})

	callCtx := ctx
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	start := rt.clock()
	output, handlerErr := rt.dispatch(callCtx, def, req)
	res.Duration = rt.clock().Sub(start)

	if handlerErr != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			handlerErr = contracts.NewError(contracts.CodeTimeout,
				"tool %s timed out after %s", def.Name, req.Timeout)
		}
		br.recordFailure()
		return rt.fail(req, res, handlerErr)
	}
	br.recordSuccess()

	res.Output = output
	res.Usage = usageFromOutput(output)
	rt.addUsage(req.SessionID, res.Usage)

	rt.emit(req.SessionID, EventSucceeded, map[string]any{
		"request_id":  req.RequestID,
		"tool":        def.Name,
		"duration_ms": res.Duration.Milliseconds(),
	})
	return res
}

func (rt *Runtime) dispatch(ctx context.Context, def Definition, req ExecutionRequest) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = contracts.NewError(contracts.CodeExecutionError, "tool %s panicked: %v", def.Name, r)
		}
	}()

	if req.Mode == contracts.ModeMock && def.MockResponse != nil {
		return def.MockResponse, nil
	}
	return def.Handler.Handle(ctx, req.Input, req.Mode, rt.profile)
}

// Cancel invokes the tool's cancel hook for an aborted in-flight call.
func (rt *Runtime) Cancel(ctx context.Context, ref contracts.ToolRef) error {
	def, err := rt.registry.Resolve(ref)
	if err != nil {
		return err
	}
	if def.Handler.Cancel == nil {
		return nil
	}
	return def.Handler.Cancel(ctx)
}

// Usage returns the accumulated usage summary for a session.
func (rt *Runtime) Usage(sessionID string) contracts.UsageSummary {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if u, ok := rt.usage[sessionID]; ok {
		return *u
	}
	return contracts.UsageSummary{}
}

// AddUsage folds an external usage record (e.g. a planner call) into the
// session's summary.
func (rt *Runtime) AddUsage(sessionID string, u contracts.UsageSummary) {
	rt.addUsage(sessionID, u)
}

// ClearSession drops the session's usage accumulator.
func (rt *Runtime) ClearSession(sessionID string) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	delete(rt.usage, sessionID)
}

func (rt *Runtime) fail(req ExecutionRequest, res ExecutionResult, err error) ExecutionResult {
	res.Error = contracts.InfoOf(err)
	rt.emit(req.SessionID, EventFailed, map[string]any{
		"request_id": req.RequestID,
		"tool":       req.Tool.Name,
		"step_id":    req.StepID,
		"code":       res.Error.Code,
		"message":    res.Error.Message,
	})
	return res
}

func (rt *Runtime) breakerFor(name string) *breaker {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	br, ok := rt.breakers[name]
	if !ok {
		br = newBreaker(rt.cfg, rt.clock)
		rt.breakers[name] = br
	}
	return br
}

func (rt *Runtime) addUsage(sessionID string, u contracts.UsageSummary) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	acc, ok := rt.usage[sessionID]
	if !ok {
		acc = &contracts.UsageSummary{}
		rt.usage[sessionID] = acc
	}
	acc.Add(u)
}

func (rt *Runtime) emit(sessionID, eventType string, payload map[string]any) {
	if rt.emitter == nil {
		return
	}
	if _, err := rt.emitter.Emit(sessionID, eventType, payload); err != nil {
		rt.logger.Error("journal emit failed", "type", eventType, "error", err)
	}
}

// usageFromOutput lifts well-known usage fields from a tool's output. Tools
// report usage under a "usage" key with token/cost fields.
func usageFromOutput(output map[string]any) contracts.UsageSummary {
	u := contracts.UsageSummary{CallCount: 1}
	raw, ok := output["usage"].(map[string]any)
	if !ok {
		return u
	}
	u.InputTokens = asInt64(raw["input_tokens"])
	u.OutputTokens = asInt64(raw["output_tokens"])
	u.TotalTokens = asInt64(raw["total_tokens"])
	if u.TotalTokens == 0 {
		u.TotalTokens = u.InputTokens + u.OutputTokens
	}
	if c, ok := raw["cost_usd"].(float64); ok {
		u.TotalCostUSD = c
	}
	return u
}

func asInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
