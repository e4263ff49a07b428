// Package contract manages delegation contracts: HMAC-signed terms between
// an originator and a peer, the lifecycle state machine including
// renegotiation, and the attestation chain that records every hop a task
// took through the swarm.
package contract

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corral-run/corral/pkg/canonical"
	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/crypto"
)

// Manager holds the contracts this node originated or accepted.
type Manager struct {
	mu        sync.Mutex
	contracts map[string]*contracts.DelegationContract
	signer    *crypto.SecretSigner
	clock     func() time.Time
	logger    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager derives the contract signing key from the node secret.
func NewManager(nodeSecret []byte, opts ...Option) (*Manager, error) {
	signer, err := crypto.NewSecretSigner(nodeSecret, "contract")
	if err != nil {
		return nil, err
	}
	m := &Manager{
		contracts: make(map[string]*contracts.DelegationContract),
		signer:    signer,
		clock:     time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// signedTerms is the canonical signing input. Renegotiation history and
// status are deliberately outside the signature; the terms are what bind.
type signedTerms struct {
	ContractID          string               `json:"contract_id"`
	TaskID              string               `json:"task_id"`
	OriginatorSessionID string               `json:"originator_session_id"`
	PeerNodeID          string               `json:"peer_node_id"`
	PermissionBoundary  []string             `json:"permission_boundary"`
	SLO                 contracts.ContractSLO `json:"slo"`
}

func terms(c *contracts.DelegationContract) signedTerms {
	return signedTerms{
		ContractID:          c.ContractID,
		TaskID:              c.TaskID,
		OriginatorSessionID: c.OriginatorSessionID,
		PeerNodeID:          c.PeerNodeID,
		PermissionBoundary:  c.PermissionBoundary,
		SLO:                 c.SLO,
	}
}

func (m *Manager) sign(c *contracts.DelegationContract) error {
	payload, err := canonical.JSON(terms(c))
	if err != nil {
		return err
	}
	c.Signature = m.signer.Sign(payload)
	return nil
}

// Create opens a new pending contract and signs its terms.
func (m *Manager) Create(taskID, originatorSessionID, peerNodeID string, boundary []string, slo contracts.ContractSLO, monitoring contracts.ContractMonitoring) (*contracts.DelegationContract, error) {
	if taskID == "" || peerNodeID == "" {
		return nil, contracts.NewError(contracts.CodeInvalidInput, "contract requires task_id and peer_node_id")
	}
	c := &contracts.DelegationContract{
		ContractID:          uuid.New().String(),
		TaskID:              taskID,
		OriginatorSessionID: originatorSessionID,
		PeerNodeID:          peerNodeID,
		PermissionBoundary:  boundary,
		SLO:                 slo,
		Monitoring:          monitoring,
		Status:              contracts.ContractPending,
		CreatedAt:           m.clock(),
	}
	if err := m.sign(c); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.contracts[c.ContractID] = c
	m.mu.Unlock()
	copied := *c
	return &copied, nil
}

// Accept validates an inbound contract's signature and stores it active.
// Used on the recipient side; both ends share the mesh secret.
func (m *Manager) Accept(c contracts.DelegationContract) error {
	if err := m.VerifySignature(&c); err != nil {
		return err
	}
	c.Status = contracts.ContractActive
	m.mu.Lock()
	m.contracts[c.ContractID] = &c
	m.mu.Unlock()
	return nil
}

// VerifySignature checks the contract's terms against its signature.
func (m *Manager) VerifySignature(c *contracts.DelegationContract) error {
	payload, err := canonical.JSON(terms(c))
	if err != nil {
		return err
	}
	if !m.signer.Verify(payload, c.Signature) {
		return contracts.NewError(contracts.CodeSwarmContractViolated,
			"contract %s signature invalid", c.ContractID)
	}
	return nil
}

// Get returns a copy of one contract.
func (m *Manager) Get(contractID string) (contracts.DelegationContract, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return contracts.DelegationContract{}, false
	}
	return *c, true
}

// transition moves a contract between statuses, enforcing the machine:
// terminal states absorb, renegotiating only reaches active.
func (m *Manager) transition(contractID string, from []contracts.ContractStatus, to contracts.ContractStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return contracts.NewError(contracts.CodeInvalidInput, "contract %s not found", contractID)
	}
	if c.Status.Terminal() {
		return contracts.NewError(contracts.CodeSwarmContractViolated,
			"contract %s is %s; terminal states are absorbing", contractID, c.Status)
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			return nil
		}
	}
	return contracts.NewError(contracts.CodeSwarmContractViolated,
		"contract %s cannot move %s -> %s", contractID, c.Status, to)
}

// Activate moves a pending contract to active.
func (m *Manager) Activate(contractID string) error {
	return m.transition(contractID, []contracts.ContractStatus{contracts.ContractPending}, contracts.ContractActive)
}

// Complete closes an active contract.
func (m *Manager) Complete(contractID string) error {
	return m.transition(contractID,
		[]contracts.ContractStatus{contracts.ContractActive, contracts.ContractRenegotiating},
		contracts.ContractCompleted)
}

// MarkViolated records an SLO breach.
func (m *Manager) MarkViolated(contractID, reason string) error {
	err := m.transition(contractID,
		[]contracts.ContractStatus{contracts.ContractPending, contracts.ContractActive, contracts.ContractRenegotiating},
		contracts.ContractViolated)
	if err == nil {
		m.logger.Warn("contract violated", "contract_id", contractID, "reason", reason)
	}
	return err
}

// Cancel cancels a non-terminal contract.
func (m *Manager) Cancel(contractID string) error {
	return m.transition(contractID,
		[]contracts.ContractStatus{contracts.ContractPending, contracts.ContractActive, contracts.ContractRenegotiating},
		contracts.ContractCancelled)
}

// RequestRenegotiation moves an active contract to renegotiating and
// records the proposal in its history.
func (m *Manager) RequestRenegotiation(contractID, requestedBy, reason string, proposed contracts.ContractSLO) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return contracts.NewError(contracts.CodeInvalidInput, "contract %s not found", contractID)
	}
	if c.Status != contracts.ContractActive {
		return contracts.NewError(contracts.CodeSwarmContractViolated,
			"contract %s is %s; only active contracts renegotiate", contractID, c.Status)
	}
	c.Status = contracts.ContractRenegotiating
	c.RenegotiationHistory = append(c.RenegotiationHistory, contracts.Renegotiation{
		RequestedAt: m.clock(),
		RequestedBy: requestedBy,
		Proposed:    proposed,
		Reason:      reason,
	})
	return nil
}

// ResolveRenegotiation returns a renegotiating contract to active. On
// accept the proposed SLO becomes the contract's terms and the contract is
// re-signed; on reject the terms stay as they were.
func (m *Manager) ResolveRenegotiation(contractID string, accept bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contracts[contractID]
	if !ok {
		return contracts.NewError(contracts.CodeInvalidInput, "contract %s not found", contractID)
	}
	if c.Status != contracts.ContractRenegotiating {
		return contracts.NewError(contracts.CodeSwarmContractViolated,
			"contract %s is %s, not renegotiating", contractID, c.Status)
	}
	if len(c.RenegotiationHistory) == 0 {
		return contracts.NewError(contracts.CodeSwarmContractViolated,
			"contract %s has no renegotiation pending", contractID)
	}
	last := &c.RenegotiationHistory[len(c.RenegotiationHistory)-1]
	last.Accepted = accept
	if accept {
		c.SLO = last.Proposed
		if err := m.sign(c); err != nil {
			return err
		}
	}
	c.Status = contracts.ContractActive
	return nil
}
