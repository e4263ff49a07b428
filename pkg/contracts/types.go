// Package contracts defines the shared data model of the corral runtime:
// sessions, plans, journal events, permission grants, delegation capability
// tokens, and the swarm-side records (peers, contracts, escrow, consensus).
//
// Everything here is plain data. Behavior lives in the subsystem packages.
package contracts

import "time"

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionCreated          SessionStatus = "created"
	SessionPlanning         SessionStatus = "planning"
	SessionRunning          SessionStatus = "running"
	SessionAwaitingApproval SessionStatus = "awaiting_approval"
	SessionPaused           SessionStatus = "paused"
	SessionCompleted        SessionStatus = "completed"
	SessionFailed           SessionStatus = "failed"
	SessionAborted          SessionStatus = "aborted"
)

// Terminal reports whether the status is in the absorbing terminal set.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionAborted
}

// ExecutionMode controls side-effect semantics for tool execution.
type ExecutionMode string

const (
	ModeReal   ExecutionMode = "real"
	ModeDryRun ExecutionMode = "dry_run"
	ModeMock   ExecutionMode = "mock"
)

// SessionLimits bounds a session's resource consumption.
type SessionLimits struct {
	MaxSteps      int           `json:"max_steps"`
	MaxTokens     int64         `json:"max_tokens"`
	MaxCostUSD    float64       `json:"max_cost_usd"`
	MaxDuration   time.Duration `json:"max_duration_ms"`
	MaxPlanRounds int           `json:"max_plan_rounds"`
}

// Session is the unit of work driven by the kernel.
type Session struct {
	SessionID    string        `json:"session_id"`
	Status       SessionStatus `json:"status"`
	Mode         ExecutionMode `json:"mode"`
	Task         string        `json:"task"`
	ActivePlanID string        `json:"active_plan_id,omitempty"`
	Limits       SessionLimits `json:"limits"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// FailurePolicy tells the kernel how to react to a failed step.
type FailurePolicy string

const (
	FailAbort    FailurePolicy = "abort"
	FailReplan   FailurePolicy = "replan"
	FailContinue FailurePolicy = "continue"
)

// ToolRef identifies a registered tool, optionally pinned to a version
// or semver constraint.
type ToolRef struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Step is one plan node bound to a tool invocation.
type Step struct {
	StepID          string         `json:"step_id"`
	Tool            ToolRef        `json:"tool"`
	Input           map[string]any `json:"input"`
	InputFrom       map[string]string `json:"input_from,omitempty"` // field -> prior step_id
	SuccessCriteria string         `json:"success_criteria,omitempty"` // CEL over step output
	FailurePolicy   FailurePolicy  `json:"failure_policy"`
	MaxRetries      int            `json:"max_retries"`
	Timeout         time.Duration  `json:"timeout_ms"`
	DependsOn       []string       `json:"depends_on,omitempty"`
	EstimatedTokens int64          `json:"estimated_tokens,omitempty"`
}

// Plan is an ordered list of steps produced by the planner.
type Plan struct {
	PlanID    string    `json:"plan_id"`
	SessionID string    `json:"session_id"`
	Goal      string    `json:"goal"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
}

// StepStatus is the terminal (or in-flight) state of a step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ErrorInfo carries a stable error code across boundaries.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// StepResult records the outcome of one step execution.
type StepResult struct {
	StepID     string         `json:"step_id"`
	Status     StepStatus     `json:"status"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Attempts   int            `json:"attempts"`
}

// UsageSummary accumulates tokens, cost, and call counts across tool and
// planner invocations for a session.
type UsageSummary struct {
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
	CallCount    int     `json:"call_count"`
}

// Add folds another usage record into the summary.
func (u *UsageSummary) Add(other UsageSummary) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
	u.TotalCostUSD += other.TotalCostUSD
	u.CallCount += other.CallCount
}

// JournalEvent is one hash-chained record in the append-only journal.
// Seq is strictly monotonic per process; HashPrev is the hex SHA-256 of
// the canonical JSON of the previous event (zero hash for the first).
type JournalEvent struct {
	EventID   string         `json:"event_id"`
	Timestamp time.Time      `json:"timestamp"`
	SessionID string         `json:"session_id"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload"`
	Seq       uint64         `json:"seq"`
	HashPrev  string         `json:"hash_prev"`
}

// GrantTTL bounds the lifetime of a permission grant.
type GrantTTL string

const (
	TTLStep    GrantTTL = "step"
	TTLSession GrantTTL = "session"
	// TTLGlobal survives step boundaries but is still removed on session
	// clear; there is no cross-session grant store.
	TTLGlobal GrantTTL = "global"
)

// PermissionGrant is one granted scope for a session.
type PermissionGrant struct {
	Scope     string    `json:"scope"`
	Decision  string    `json:"decision"`
	GrantedBy string    `json:"granted_by"`
	GrantedAt time.Time `json:"granted_at"`
	TTL       GrantTTL  `json:"ttl"`
}

// DelegationCapabilityToken is a signed, attenuated scope grant issued to a
// child session. Derived tokens may only narrow AllowedScopes.
type DelegationCapabilityToken struct {
	DCTID           string    `json:"dct_id"`
	ParentSessionID string    `json:"parent_session_id"`
	ChildSessionID  string    `json:"child_session_id"`
	AllowedScopes   []string  `json:"allowed_scopes"`
	CreatedAt       time.Time `json:"created_at"`
	ExpiresAt       time.Time `json:"expires_at"`
	Signature       string    `json:"signature"`
}
