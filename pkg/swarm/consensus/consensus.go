// Package consensus runs result-verification rounds: peers vote with the
// hash of the result they computed, and a round settles once the required
// number of voters is in. The majority hash wins; agreement is the majority
// share of all votes cast.
package consensus

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corral-run/corral/pkg/contracts"
)

const (
	maxRequiredVoters = 100
	defaultExpiry     = 10 * time.Minute
)

// Engine holds the open and recently settled rounds.
type Engine struct {
	mu     sync.Mutex
	rounds map[string]*contracts.ConsensusRound

	expiry time.Duration
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithExpiry sets how long a round stays open for votes.
func WithExpiry(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.expiry = d
		}
	}
}

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds a consensus engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		rounds: make(map[string]*contracts.ConsensusRound),
		expiry: defaultExpiry,
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateRound opens a round for a task. Required voters clamp to [1,100] and
// required agreement to [0,1].
func (e *Engine) CreateRound(taskID string, requiredVoters int, requiredAgreement float64) (*contracts.ConsensusRound, error) {
	if taskID == "" {
		return nil, contracts.NewError(contracts.CodeInvalidInput, "consensus round requires task_id")
	}
	if requiredVoters < 1 {
		requiredVoters = 1
	}
	if requiredVoters > maxRequiredVoters {
		requiredVoters = maxRequiredVoters
	}
	if requiredAgreement < 0 {
		requiredAgreement = 0
	}
	if requiredAgreement > 1 {
		requiredAgreement = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	round := &contracts.ConsensusRound{
		RoundID:           uuid.New().String(),
		TaskID:            taskID,
		RequiredVoters:    requiredVoters,
		RequiredAgreement: requiredAgreement,
		Votes:             make(map[string]contracts.ConsensusVote),
		Status:            contracts.RoundOpen,
		CreatedAt:         now,
		ExpiresAt:         now.Add(e.expiry),
	}
	e.rounds[round.RoundID] = round
	return copyRound(round), nil
}

// Vote records one node's vote. The round settles as soon as the required
// voter count is reached; a settled or expired round rejects further votes.
func (e *Engine) Vote(roundID, nodeID string, vote contracts.ConsensusVote) (*contracts.ConsensusRound, error) {
	if nodeID == "" || vote.ResultHash == "" {
		return nil, contracts.NewError(contracts.CodeInvalidInput, "vote requires node_id and result_hash")
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	round, ok := e.rounds[roundID]
	if !ok {
		return nil, contracts.NewError(contracts.CodeInvalidInput, "unknown consensus round %s", roundID)
	}
	now := e.clock()
	if round.Status == contracts.RoundOpen && now.After(round.ExpiresAt) {
		round.Status = contracts.RoundExpired
	}
	if round.Status.Terminal() {
		return nil, contracts.NewError(contracts.CodeInvalidInput, "round %s is %s", roundID, round.Status)
	}
	if _, voted := round.Votes[nodeID]; voted {
		return nil, contracts.NewError(contracts.CodeInvalidInput, "node %s already voted in round %s", nodeID, roundID)
	}

	if vote.Timestamp.IsZero() {
		vote.Timestamp = now
	}
	round.Votes[nodeID] = vote
	if len(round.Votes) >= round.RequiredVoters {
		e.evaluateLocked(round)
	}
	return copyRound(round), nil
}

// evaluateLocked settles the round exactly once. The majority hash is the
// most voted one; hash order breaks ties so the outcome is deterministic.
func (e *Engine) evaluateLocked(round *contracts.ConsensusRound) {
	round.Status = contracts.RoundEvaluating

	counts := make(map[string]int)
	for _, v := range round.Votes {
		counts[v.ResultHash]++
	}
	majority := ""
	for hash, n := range counts {
		if majority == "" || n > counts[majority] || (n == counts[majority] && hash < majority) {
			majority = hash
		}
	}

	var dissenters []string
	for nodeID, v := range round.Votes {
		if v.ResultHash != majority {
			dissenters = append(dissenters, nodeID)
		}
	}
	sort.Strings(dissenters)

	ratio := float64(counts[majority]) / float64(len(round.Votes))
	agreed := ratio >= round.RequiredAgreement
	round.Outcome = &contracts.ConsensusOutcome{
		Agreed:             agreed,
		AgreementRatio:     ratio,
		MajorityResultHash: majority,
		DissentingNodeIDs:  dissenters,
	}
	if agreed {
		round.Status = contracts.RoundAgreed
	} else {
		round.Status = contracts.RoundDisagreed
	}
	e.logger.Info("consensus round settled",
		"round_id", round.RoundID, "task_id", round.TaskID,
		"agreed", agreed, "ratio", ratio, "dissenters", len(dissenters))
}

// Get returns a copy of one round.
func (e *Engine) Get(roundID string) (*contracts.ConsensusRound, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	round, ok := e.rounds[roundID]
	if !ok {
		return nil, false
	}
	return copyRound(round), true
}

// List returns copies of all rounds, newest first.
func (e *Engine) List() []contracts.ConsensusRound {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]contracts.ConsensusRound, 0, len(e.rounds))
	for _, round := range e.rounds {
		out = append(out, *copyRound(round))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].RoundID < out[j].RoundID
	})
	return out
}

// Sweep expires overdue open rounds and drops terminal rounds older than
// twice the expiry window. Returns the IDs that expired this pass.
func (e *Engine) Sweep() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()

	var expired []string
	for id, round := range e.rounds {
		if round.Status == contracts.RoundOpen && now.After(round.ExpiresAt) {
			round.Status = contracts.RoundExpired
			expired = append(expired, id)
			continue
		}
		if round.Status.Terminal() && now.Sub(round.CreatedAt) > 2*e.expiry {
			delete(e.rounds, id)
		}
	}
	sort.Strings(expired)
	return expired
}

func copyRound(round *contracts.ConsensusRound) *contracts.ConsensusRound {
	copied := *round
	copied.Votes = make(map[string]contracts.ConsensusVote, len(round.Votes))
	for k, v := range round.Votes {
		copied.Votes[k] = v
	}
	if round.Outcome != nil {
		outcome := *round.Outcome
		outcome.DissentingNodeIDs = append([]string(nil), round.Outcome.DissentingNodeIDs...)
		copied.Outcome = &outcome
	}
	return &copied
}
