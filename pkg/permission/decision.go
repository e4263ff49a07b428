package permission

import (
	"fmt"
	"time"
)

// DecisionType discriminates the approval decision union.
type DecisionType string

const (
	DecisionAllowOnce           DecisionType = "allow_once"
	DecisionAllowSession        DecisionType = "allow_session"
	DecisionAllowAlways         DecisionType = "allow_always"
	DecisionDeny                DecisionType = "deny"
	DecisionAllowConstrained    DecisionType = "allow_constrained"
	DecisionAllowObserved       DecisionType = "allow_observed"
	DecisionAllowRateLimited    DecisionType = "allow_rate_limited"
	DecisionAllowTimeBounded    DecisionType = "allow_time_bounded"
	DecisionDenyWithAlternative DecisionType = "deny_with_alternative"
)

// Constraints narrows how an approved tool may run.
type Constraints struct {
	ReadonlyPaths      []string       `json:"readonly_paths,omitempty"`
	WritablePaths      []string       `json:"writable_paths,omitempty"`
	MaxDuration        time.Duration  `json:"max_duration_ms,omitempty"`
	InputOverrides     map[string]any `json:"input_overrides,omitempty"`
	OutputRedactFields []string       `json:"output_redact_fields,omitempty"`
}

// Alternative names a substitute tool offered alongside a denial.
type Alternative struct {
	ToolName       string         `json:"tool_name"`
	SuggestedInput map[string]any `json:"suggested_input,omitempty"`
}

// Decision is the tagged approval decision returned by the prompt channel.
type Decision struct {
	Type  DecisionType `json:"type"`
	Scope string       `json:"scope,omitempty"`

	// allow_constrained
	Constraints *Constraints `json:"constraints,omitempty"`

	// allow_observed
	TelemetryLevel string `json:"telemetry_level,omitempty"`

	// allow_rate_limited
	MaxCallsPerWindow int           `json:"max_calls_per_window,omitempty"`
	Window            time.Duration `json:"window_ms,omitempty"`

	// allow_time_bounded
	CronExpression string        `json:"cron_expression,omitempty"`
	WindowDuration time.Duration `json:"window_duration_ms,omitempty"`
	Timezone       string        `json:"timezone,omitempty"`

	// deny / deny_with_alternative
	Reason      string       `json:"reason,omitempty"`
	Alternative *Alternative `json:"alternative,omitempty"`
}

// FromLegacy maps the four legacy string literals into structured decisions.
// Unknown strings are treated as deny, fail-closed.
func FromLegacy(s string) Decision {
	switch s {
	case "allow_once":
		return Decision{Type: DecisionAllowOnce}
	case "allow_session":
		return Decision{Type: DecisionAllowSession}
	case "allow_always":
		return Decision{Type: DecisionAllowAlways}
	case "deny":
		return Decision{Type: DecisionDeny}
	default:
		return Decision{Type: DecisionDeny, Reason: fmt.Sprintf("unrecognized decision %q", s)}
	}
}

// Allows reports whether the decision admits execution.
func (d Decision) Allows() bool {
	switch d.Type {
	case DecisionDeny, DecisionDenyWithAlternative:
		return false
	default:
		return true
	}
}
