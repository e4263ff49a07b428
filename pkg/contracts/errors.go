package contracts

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced across subsystem boundaries. Names match the
// wire-level contract and never change, even if messages do.
const (
	// Validation
	CodeInvalidInput  = "INVALID_INPUT"
	CodeInvalidOutput = "INVALID_OUTPUT"

	// Policy
	CodePolicyViolation  = "POLICY_VIOLATION"
	CodePermissionDenied = "PERMISSION_DENIED"

	// Limits
	CodeTimeout             = "TIMEOUT"
	CodeDurationLimit       = "DURATION_LIMIT"
	CodeSessionLimitReached = "SESSION_LIMIT_REACHED"
	CodeCircuitBreakerOpen  = "CIRCUIT_BREAKER_OPEN"

	// Infrastructure
	CodeToolNotFound        = "TOOL_NOT_FOUND"
	CodeNoRuntime           = "NO_RUNTIME"
	CodeExecutionError      = "EXECUTION_ERROR"
	CodeScheduleNotFound    = "SCHEDULE_NOT_FOUND"
	CodeScheduleInvalid     = "SCHEDULE_INVALID"
	CodeSchedulerNotRunning = "SCHEDULER_NOT_RUNNING"

	// Swarm
	CodeSwarmNoPeers               = "SWARM_NO_PEERS"
	CodeSwarmContractViolated      = "SWARM_CONTRACT_VIOLATED"
	CodeSwarmAttestationInvalid    = "SWARM_ATTESTATION_INVALID"
	CodeSwarmRedelegationExhausted = "SWARM_REDELEGATION_EXHAUSTED"
)

// CodedError is an error carrying a stable code and optional detail data.
type CodedError struct {
	Info ErrorInfo
}

func (e *CodedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Info.Code, e.Info.Message)
}

// NewError builds a CodedError with the given code and formatted message.
func NewError(code, format string, args ...any) *CodedError {
	return &CodedError{Info: ErrorInfo{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// WithData attaches detail data to the error.
func (e *CodedError) WithData(data map[string]any) *CodedError {
	e.Info.Data = data
	return e
}

// CodeOf extracts the stable code from an error, or EXECUTION_ERROR when the
// error carries none.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		return ce.Info.Code
	}
	return CodeExecutionError
}

// InfoOf extracts the ErrorInfo from an error, synthesizing one when needed.
func InfoOf(err error) *ErrorInfo {
	if err == nil {
		return nil
	}
	var ce *CodedError
	if errors.As(err, &ce) {
		info := ce.Info
		return &info
	}
	return &ErrorInfo{Code: CodeExecutionError, Message: err.Error()}
}
