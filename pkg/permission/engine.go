package permission

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/journal"
)

// Journal event types emitted by the engine.
const (
	EventRequested = "permission.requested"
	EventGranted   = "permission.granted"
	EventDenied    = "permission.denied"
)

// Requirement is one scope a tool invocation needs.
type Requirement struct {
	Scope  string `json:"scope"`
	Reason string `json:"reason,omitempty"`
}

// Request asks whether a session may invoke a tool.
type Request struct {
	SessionID   string        `json:"session_id"`
	ToolName    string        `json:"tool_name"`
	StepID      string        `json:"step_id,omitempty"`
	Permissions []Requirement `json:"permissions"`
}

// CheckResult is the typed outcome of a permission check. Denials are values,
// not errors, so callers can unwind prompt locks and in-flight tool state
// predictably.
type CheckResult struct {
	Allowed     bool         `json:"allowed"`
	Reason      string       `json:"reason,omitempty"`
	Constraints *Constraints `json:"constraints,omitempty"`
	Observed    bool         `json:"observed,omitempty"`
	Alternative *Alternative `json:"alternative,omitempty"`
}

// PromptRequest is handed to the approval channel.
type PromptRequest struct {
	SessionID string        `json:"session_id"`
	ToolName  string        `json:"tool_name"`
	StepID    string        `json:"step_id,omitempty"`
	Missing   []Requirement `json:"missing"`
}

// PromptFunc is the host-provided approval channel. The engine guarantees
// at most one outstanding prompt per session.
type PromptFunc func(ctx context.Context, req PromptRequest) (Decision, error)

// AuditRecord is delivered to the external audit hook for observed grants.
type AuditRecord struct {
	SessionID string         `json:"session_id"`
	ToolName  string         `json:"tool_name"`
	Input     map[string]any `json:"input"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditHook receives observed-tool telemetry. Failures are swallowed.
type AuditHook func(AuditRecord)

// Engine is the per-process permission engine.
type Engine struct {
	mu       sync.Mutex
	grants   map[string]map[string]contracts.PermissionGrant // session -> scope -> grant
	locks    map[string]*sync.Mutex                          // per-session prompt locks
	boundary map[string][]string                             // session -> DCT allowed scopes

	prompt  PromptFunc
	emitter journal.Emitter
	buckets BucketStore
	bounds  *timeBoundTable

	constraints *boundedCache[*Constraints]
	observed    *boundedCache[string]

	audit  AuditHook
	clock  func() time.Time
	logger *slog.Logger
}

// NewEngine builds an engine. prompt may be nil, in which case missing scopes
// are denied without prompting. emitter may be nil in tests.
func NewEngine(prompt PromptFunc, emitter journal.Emitter) *Engine {
	return &Engine{
		grants:      make(map[string]map[string]contracts.PermissionGrant),
		locks:       make(map[string]*sync.Mutex),
		boundary:    make(map[string][]string),
		prompt:      prompt,
		emitter:     emitter,
		buckets:     NewMemoryBucketStore(),
		bounds:      newTimeBoundTable(),
		constraints: newBoundedCache[*Constraints](MaxConstraintCache),
		observed:    newBoundedCache[string](MaxObservedCache),
		clock:       time.Now,
		logger:      slog.Default(),
	}
}

// WithBucketStore swaps the rate-bucket backend (e.g. Redis).
func (e *Engine) WithBucketStore(store BucketStore) *Engine {
	e.buckets = store
	return e
}

// WithAuditHook installs the external audit hook for observed grants.
func (e *Engine) WithAuditHook(hook AuditHook) *Engine {
	e.audit = hook
	return e
}

// WithClock overrides time for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	e.bounds.clock = clock
	return e
}

// WithLogger overrides the engine's logger.
func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	e.logger = l
	return e
}

// SetDCTBoundary installs the active delegation capability boundary for a
// session. Every subsequent check must stay inside these scopes.
func (e *Engine) SetDCTBoundary(sessionID string, allowedScopes []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.boundary[sessionID] = append([]string(nil), allowedScopes...)
}

// PreGrant installs session-TTL grants without prompting. Used by DCT
// application and plugin bootstrapping.
func (e *Engine) PreGrant(sessionID string, scopes []string, grantedBy string) error {
	for _, s := range scopes {
		if err := ValidateGrantScope(s); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range scopes {
		e.installGrantLocked(sessionID, s, contracts.PermissionGrant{
			Scope:     s,
			Decision:  string(DecisionAllowSession),
			GrantedBy: grantedBy,
			GrantedAt: e.clock(),
			TTL:       contracts.TTLSession,
		})
	}
	return nil
}

func (e *Engine) installGrantLocked(sessionID, scope string, g contracts.PermissionGrant) {
	m, ok := e.grants[sessionID]
	if !ok {
		if len(e.grants) >= MaxSessionCaches {
			// Drop an arbitrary session rather than grow without bound.
			for k := range e.grants {
				delete(e.grants, k)
				break
			}
		}
		m = make(map[string]contracts.PermissionGrant)
		e.grants[sessionID] = m
	}
	m[scope] = g
}

// IsGranted reports whether scope is covered for the session. A matching
// grant consumes one rate-bucket token (if installed) and must satisfy any
// time bound.
func (e *Engine) IsGranted(ctx context.Context, scope, sessionID string) bool {
	e.mu.Lock()
	var matched string
	for grantScope := range e.grants[sessionID] {
		if ScopeMatchesGrant(grantScope, scope) {
			matched = grantScope
			break
		}
	}
	e.mu.Unlock()
	if matched == "" {
		return false
	}

	allowed, _, err := e.buckets.Take(ctx, sessionID, matched)
	if err != nil {
		e.logger.Warn("rate bucket check failed", "session_id", sessionID, "scope", matched, "error", err)
		return false // fail closed
	}
	if !allowed {
		return false
	}

	within, _, err := e.bounds.Satisfied(sessionID, matched)
	if err != nil {
		e.logger.Warn("time bound check failed", "session_id", sessionID, "scope", matched, "error", err)
		return false
	}
	return within
}

// Check decides whether the request may proceed, prompting for approval when
// scopes are missing. Concurrent checks for one session serialize on the
// session's prompt lock and re-check before prompting.
func (e *Engine) Check(ctx context.Context, req Request) (CheckResult, error) {
	// DCT boundary is evaluated before anything else; scopes outside the
	// delegation envelope can never be granted interactively.
	if reason, outside := e.outsideBoundary(req); outside {
		e.emit(req.SessionID, EventDenied, map[string]any{
			"tool_name": req.ToolName,
			"step_id":   req.StepID,
			"reason":    reason,
		})
		return CheckResult{Allowed: false, Reason: reason}, nil
	}

	missing := e.missingScopes(ctx, req)
	if len(missing) == 0 {
		return e.allowedResult(req), nil
	}

	lock := e.sessionLock(req.SessionID)
	lock.Lock()
	defer lock.Unlock()

	// A concurrent prompt may have installed the grant while we waited.
	missing = e.missingScopes(ctx, req)
	if len(missing) == 0 {
		return e.allowedResult(req), nil
	}

	e.emit(req.SessionID, EventRequested, map[string]any{
		"tool_name": req.ToolName,
		"step_id":   req.StepID,
		"missing":   scopeStrings(missing),
	})

	if e.prompt == nil {
		e.emit(req.SessionID, EventDenied, map[string]any{
			"tool_name": req.ToolName,
			"reason":    "no approval channel configured",
		})
		return CheckResult{Allowed: false, Reason: "no approval channel configured"}, nil
	}

	decision, err := e.prompt(ctx, PromptRequest{
		SessionID: req.SessionID,
		ToolName:  req.ToolName,
		StepID:    req.StepID,
		Missing:   missing,
	})
	if err != nil {
		return CheckResult{}, fmt.Errorf("permission: prompt: %w", err)
	}

	return e.applyDecision(ctx, req, missing, decision)
}

func (e *Engine) outsideBoundary(req Request) (string, bool) {
	e.mu.Lock()
	allowed, bounded := e.boundary[req.SessionID]
	e.mu.Unlock()
	if !bounded {
		return "", false
	}
	for _, p := range req.Permissions {
		covered := false
		for _, g := range allowed {
			if ScopeMatchesGrant(g, p.Scope) {
				covered = true
				break
			}
		}
		if !covered {
			return fmt.Sprintf("scope %s outside DCT boundary", p.Scope), true
		}
	}
	return "", false
}

func (e *Engine) missingScopes(ctx context.Context, req Request) []Requirement {
	var missing []Requirement
	for _, p := range req.Permissions {
		if !e.IsGranted(ctx, p.Scope, req.SessionID) {
			missing = append(missing, p)
		}
	}
	return missing
}

func (e *Engine) allowedResult(req Request) CheckResult {
	res := CheckResult{Allowed: true}
	if c, ok := e.constraints.Get(cacheKey(req.SessionID, req.ToolName, req.StepID)); ok {
		res.Constraints = c
	} else if c, ok := e.constraints.Get(cacheKey(req.SessionID, req.ToolName, "")); ok {
		res.Constraints = c
	}
	if _, ok := e.observed.Get(cacheKey(req.SessionID, req.ToolName, "")); ok {
		res.Observed = true
	}
	return res
}

func (e *Engine) applyDecision(ctx context.Context, req Request, missing []Requirement, d Decision) (CheckResult, error) {
	deny := func(reason string, alt *Alternative) (CheckResult, error) {
		e.emit(req.SessionID, EventDenied, map[string]any{
			"tool_name": req.ToolName,
			"step_id":   req.StepID,
			"decision":  string(d.Type),
			"reason":    reason,
		})
		return CheckResult{Allowed: false, Reason: reason, Alternative: alt}, nil
	}

	switch d.Type {
	case DecisionDeny:
		reason := d.Reason
		if reason == "" {
			reason = "denied by approver"
		}
		return deny(reason, nil)

	case DecisionDenyWithAlternative:
		return deny(d.Reason, d.Alternative)

	case DecisionAllowOnce, DecisionAllowSession, DecisionAllowAlways:
		ttl := ttlForDecision(d.Type)
		if err := e.grantMissing(req, missing, d.Type, ttl); err != nil {
			return deny(err.Error(), nil)
		}

	case DecisionAllowConstrained:
		if err := e.grantMissing(req, missing, d.Type, contracts.TTLSession); err != nil {
			return deny(err.Error(), nil)
		}
		if d.Constraints != nil {
			e.constraints.Put(req.SessionID, cacheKey(req.SessionID, req.ToolName, req.StepID), d.Constraints)
			e.constraints.Put(req.SessionID, cacheKey(req.SessionID, req.ToolName, ""), d.Constraints)
		}

	case DecisionAllowObserved:
		if err := e.grantMissing(req, missing, d.Type, contracts.TTLSession); err != nil {
			return deny(err.Error(), nil)
		}
		level := d.TelemetryLevel
		if level == "" {
			level = "standard"
		}
		e.observed.Put(req.SessionID, cacheKey(req.SessionID, req.ToolName, ""), level)

	case DecisionAllowRateLimited:
		if err := e.grantMissing(req, missing, d.Type, contracts.TTLSession); err != nil {
			return deny(err.Error(), nil)
		}
		for _, p := range missing {
			if err := e.buckets.Install(ctx, req.SessionID, p.Scope, d.MaxCallsPerWindow, d.Window); err != nil {
				return deny(fmt.Sprintf("rate bucket install failed: %v", err), nil)
			}
		}

	case DecisionAllowTimeBounded:
		tb := TimeBound{CronExpression: d.CronExpression, WindowDuration: d.WindowDuration, Timezone: d.Timezone}
		for _, p := range missing {
			if err := e.bounds.Install(req.SessionID, p.Scope, tb); err != nil {
				return deny(err.Error(), nil)
			}
		}
		if err := e.grantMissing(req, missing, d.Type, contracts.TTLSession); err != nil {
			return deny(err.Error(), nil)
		}
		// The grant persists for later windows, but the current call still
		// has to land inside one.
		for _, p := range missing {
			within, _, err := e.bounds.Satisfied(req.SessionID, p.Scope)
			if err != nil {
				return deny(err.Error(), nil)
			}
			if !within {
				return deny(fmt.Sprintf("scope %s granted but outside its time window", p.Scope), nil)
			}
		}

	default:
		return deny(fmt.Sprintf("unrecognized decision type %q", d.Type), nil)
	}

	e.emit(req.SessionID, EventGranted, map[string]any{
		"tool_name": req.ToolName,
		"step_id":   req.StepID,
		"decision":  string(d.Type),
		"scopes":    scopeStrings(missing),
	})
	return e.allowedResult(req), nil
}

func (e *Engine) grantMissing(req Request, missing []Requirement, dt DecisionType, ttl contracts.GrantTTL) error {
	for _, p := range missing {
		if err := ValidateGrantScope(p.Scope); err != nil {
			return err
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	for _, p := range missing {
		e.installGrantLocked(req.SessionID, p.Scope, contracts.PermissionGrant{
			Scope:     p.Scope,
			Decision:  string(dt),
			GrantedBy: "approver",
			GrantedAt: now,
			TTL:       ttl,
		})
	}
	return nil
}

func ttlForDecision(dt DecisionType) contracts.GrantTTL {
	switch dt {
	case DecisionAllowOnce:
		return contracts.TTLStep
	case DecisionAllowAlways:
		// "global" survives step boundaries but still dies with the
		// session; there is no cross-session grant store.
		return contracts.TTLGlobal
	default:
		return contracts.TTLSession
	}
}

// EndStep removes step-TTL grants for the session.
func (e *Engine) EndStep(sessionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for scope, g := range e.grants[sessionID] {
		if g.TTL == contracts.TTLStep {
			delete(e.grants[sessionID], scope)
		}
	}
}

// ClearSession removes all session-local state: grants (including "global"
// ones — process isolation), caches, rate buckets, time bounds, boundary,
// and the prompt lock.
func (e *Engine) ClearSession(ctx context.Context, sessionID string) {
	e.mu.Lock()
	delete(e.grants, sessionID)
	delete(e.boundary, sessionID)
	delete(e.locks, sessionID)
	e.mu.Unlock()

	e.constraints.ClearOwner(sessionID)
	e.observed.ClearOwner(sessionID)
	e.bounds.ClearSession(sessionID)
	if err := e.buckets.ClearSession(ctx, sessionID); err != nil {
		e.logger.Warn("rate bucket clear failed", "session_id", sessionID, "error", err)
	}
}

// Audit invokes the external audit hook for an observed tool run. Hook
// panics and errors never block execution.
func (e *Engine) Audit(sessionID, toolName string, input map[string]any) {
	if e.audit == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("audit hook panicked", "tool_name", toolName, "panic", r)
		}
	}()
	e.audit(AuditRecord{
		SessionID: sessionID,
		ToolName:  toolName,
		Input:     input,
		Timestamp: e.clock(),
	})
}

// RestoreSession rebuilds durable grants for a session from the journal.
// The chain is verified before replay so a poisoned history cannot smuggle
// grants into the engine.
func (e *Engine) RestoreSession(j *journal.Journal, sessionID string) error {
	report, err := j.VerifyIntegrity()
	if err != nil {
		return fmt.Errorf("permission: restore: %w", err)
	}
	if !report.Valid {
		return fmt.Errorf("permission: restore: journal chain broken at seq %d", report.FirstBrokenSeq)
	}
	events, err := j.ReadSession(sessionID, journal.ReadOptions{})
	if err != nil {
		return fmt.Errorf("permission: restore: %w", err)
	}
	for _, ev := range events {
		if ev.Type != EventGranted {
			continue
		}
		dt, _ := ev.Payload["decision"].(string)
		if dt != string(DecisionAllowSession) && dt != string(DecisionAllowAlways) {
			continue
		}
		scopes, _ := ev.Payload["scopes"].([]any)
		for _, s := range scopes {
			scope, ok := s.(string)
			if !ok || ValidateGrantScope(scope) != nil {
				continue
			}
			e.mu.Lock()
			e.installGrantLocked(sessionID, scope, contracts.PermissionGrant{
				Scope:     scope,
				Decision:  dt,
				GrantedBy: "journal",
				GrantedAt: ev.Timestamp,
				TTL:       ttlForDecision(DecisionType(dt)),
			})
			e.mu.Unlock()
		}
	}
	return nil
}

func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[sessionID]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[sessionID] = lock
	}
	return lock
}

func (e *Engine) emit(sessionID, eventType string, payload map[string]any) {
	if e.emitter == nil {
		return
	}
	if _, err := e.emitter.Emit(sessionID, eventType, payload); err != nil {
		e.logger.Error("journal emit failed", "type", eventType, "error", err)
	}
}

func cacheKey(sessionID, toolName, stepID string) string {
	return sessionID + "\x00" + toolName + "\x00" + stepID
}

func scopeStrings(reqs []Requirement) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.Scope)
	}
	return out
}
