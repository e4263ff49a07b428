package contracts

import "time"

// PeerStatus is the failure-detector state of a mesh peer.
type PeerStatus string

const (
	PeerActive      PeerStatus = "active"
	PeerSuspected   PeerStatus = "suspected"
	PeerUnreachable PeerStatus = "unreachable"
	PeerLeft        PeerStatus = "left"
)

// PeerIdentity is the self-describing identity a node advertises.
type PeerIdentity struct {
	NodeID       string   `json:"node_id"`
	DisplayName  string   `json:"display_name,omitempty"`
	APIURL       string   `json:"api_url"`
	Capabilities []string `json:"capabilities,omitempty"`
	Version      string   `json:"version,omitempty"`
	Credentials  string   `json:"credentials,omitempty"`
}

// PeerEntry is one row of the peer table.
type PeerEntry struct {
	Identity        PeerIdentity `json:"identity"`
	Status          PeerStatus   `json:"status"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	LastLatencyMs   int64        `json:"last_latency_ms"`
	JoinedAt        time.Time    `json:"joined_at"`
}

// ContractStatus is the lifecycle state of a delegation contract.
type ContractStatus string

const (
	ContractPending       ContractStatus = "pending"
	ContractActive        ContractStatus = "active"
	ContractCompleted     ContractStatus = "completed"
	ContractViolated      ContractStatus = "violated"
	ContractCancelled     ContractStatus = "cancelled"
	ContractRenegotiating ContractStatus = "renegotiating"
)

// Terminal reports whether the contract status admits no further transitions.
func (s ContractStatus) Terminal() bool {
	return s == ContractCompleted || s == ContractViolated || s == ContractCancelled
}

// ContractSLO is the cost/duration/capability commitment of a delegation.
type ContractSLO struct {
	MaxCostUSD           float64       `json:"max_cost_usd,omitempty"`
	MaxDuration          time.Duration `json:"max_duration_ms,omitempty"`
	RequiredCapabilities []string      `json:"required_capabilities,omitempty"`
}

// ContractMonitoring configures originator-side checkpoint polling.
type ContractMonitoring struct {
	CheckpointInterval time.Duration `json:"checkpoint_interval_ms"`
	MaxMissed          int           `json:"max_missed"`
}

// Renegotiation is one entry in a contract's renegotiation history.
type Renegotiation struct {
	RequestedAt time.Time   `json:"requested_at"`
	RequestedBy string      `json:"requested_by"`
	Proposed    ContractSLO `json:"proposed"`
	Accepted    bool        `json:"accepted"`
	Reason      string      `json:"reason,omitempty"`
}

// DelegationContract binds a delegated task to a peer under signed terms.
type DelegationContract struct {
	ContractID           string             `json:"contract_id"`
	TaskID               string             `json:"task_id"`
	OriginatorSessionID  string             `json:"originator_session_id"`
	PeerNodeID           string             `json:"peer_node_id"`
	PermissionBoundary   []string           `json:"permission_boundary"`
	SLO                  ContractSLO        `json:"slo"`
	Monitoring           ContractMonitoring `json:"monitoring"`
	Status               ContractStatus     `json:"status"`
	CreatedAt            time.Time          `json:"created_at"`
	RenegotiationHistory []Renegotiation    `json:"renegotiation_history,omitempty"`
	Signature            string             `json:"signature,omitempty"`
}

// AttestationHop is one signed hop in a delegation attestation chain.
type AttestationHop struct {
	NodeID    string    `json:"node_id"`
	PrevHash  string    `json:"prev_hash"`
	Timestamp time.Time `json:"timestamp"`
	Signature string    `json:"signature"`
}

// EscrowTransaction is one ledger entry on an escrow account.
type EscrowTransaction struct {
	TxID      string    `json:"tx_id"`
	Kind      string    `json:"kind"` // deposit, hold, release, slash
	TaskID    string    `json:"task_id,omitempty"`
	Amount    float64   `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// EscrowAccount tracks a node's bonded balance. Held never exceeds Balance.
type EscrowAccount struct {
	NodeID       string              `json:"node_id"`
	Balance      float64             `json:"balance"`
	Held         float64             `json:"held"`
	Transactions []EscrowTransaction `json:"transactions"`
}

// RoundStatus is the lifecycle state of a consensus round.
type RoundStatus string

const (
	RoundOpen       RoundStatus = "open"
	RoundEvaluating RoundStatus = "evaluating"
	RoundAgreed     RoundStatus = "agreed"
	RoundDisagreed  RoundStatus = "disagreed"
	RoundExpired    RoundStatus = "expired"
)

// Terminal reports whether the round can no longer change.
func (s RoundStatus) Terminal() bool {
	return s == RoundAgreed || s == RoundDisagreed || s == RoundExpired
}

// ConsensusVote is one node's vote on a task result.
type ConsensusVote struct {
	ResultHash   string    `json:"result_hash"`
	OutcomeScore float64   `json:"outcome_score"`
	Timestamp    time.Time `json:"timestamp"`
}

// ConsensusOutcome records the evaluation of a round.
type ConsensusOutcome struct {
	Agreed            bool     `json:"agreed"`
	AgreementRatio    float64  `json:"agreement_ratio"`
	MajorityResultHash string  `json:"majority_result_hash"`
	DissentingNodeIDs []string `json:"dissenting_node_ids"`
}

// ConsensusRound collects votes on a delegated task's result.
type ConsensusRound struct {
	RoundID           string                   `json:"round_id"`
	TaskID            string                   `json:"task_id"`
	RequiredVoters    int                      `json:"required_voters"`
	RequiredAgreement float64                  `json:"required_agreement"`
	Votes             map[string]ConsensusVote `json:"votes"`
	Status            RoundStatus              `json:"status"`
	CreatedAt         time.Time                `json:"created_at"`
	ExpiresAt         time.Time                `json:"expires_at"`
	Outcome           *ConsensusOutcome        `json:"outcome,omitempty"`
}

// TaskState is the checkpoint status of a delegated task.
type TaskState string

const (
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
)

// SwarmTaskRequest is the wire payload delivered to a peer on delegation.
type SwarmTaskRequest struct {
	TaskID           string                     `json:"task_id"`
	TaskText         string                     `json:"task_text"`
	OriginatorNodeID string                     `json:"originator_node_id"`
	SessionID        string                     `json:"session_id"`
	Contract         *DelegationContract        `json:"contract,omitempty"`
	Capability       *DelegationCapabilityToken `json:"capability,omitempty"`
	Attestations     []AttestationHop           `json:"attestations,omitempty"`
	ChainDepth       int                        `json:"chain_depth"`
	Constraints      map[string]any             `json:"constraints,omitempty"`
}

// SwarmTaskResult is the wire payload a peer returns on completion.
type SwarmTaskResult struct {
	TaskID     string         `json:"task_id"`
	NodeID     string         `json:"node_id"`
	State      TaskState      `json:"state"`
	ResultHash string         `json:"result_hash,omitempty"`
	Output     map[string]any `json:"output,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	CostUSD    float64        `json:"cost_usd"`
	DurationMs int64          `json:"duration_ms"`
}

// Checkpoint is one progress report for a delegated task.
type Checkpoint struct {
	TaskID      string    `json:"task_id"`
	NodeID      string    `json:"node_id"`
	State       TaskState `json:"state"`
	ProgressPct float64   `json:"progress_pct"`
	Detail      string    `json:"detail,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
}

// Heartbeat is the liveness payload peers exchange.
type Heartbeat struct {
	NodeID         string    `json:"node_id"`
	Timestamp      time.Time `json:"timestamp"`
	ActiveSessions int       `json:"active_sessions"`
	Load           float64   `json:"load"`
}
