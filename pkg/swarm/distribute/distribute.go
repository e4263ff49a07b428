// Package distribute selects peers for delegated tasks: weighted scoring
// over trust, latency, cost, and capability match, with a Pareto-front
// variant for callers that want diverse alternatives.
package distribute

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/swarm/mesh"
)

// PeerStats feeds reputation-derived signals into selection. The reputation
// package satisfies it.
type PeerStats interface {
	Trust(nodeID string) float64
	AvgCostUSD(nodeID string) float64
	Quarantined(nodeID string) bool
}

// Weights tunes the selection score.
type Weights struct {
	Trust      float64 `json:"trust"`
	Latency    float64 `json:"latency"`
	Cost       float64 `json:"cost"`
	Capability float64 `json:"capability"`
}

// DefaultSelectionWeights is the stock weighting.
var DefaultSelectionWeights = Weights{Trust: 0.4, Latency: 0.25, Cost: 0.15, Capability: 0.2}

// Requirements constrains one selection.
type Requirements struct {
	RequiredCapabilities []string
	ExcludedPeers        map[string]struct{}
	// Pareto switches from the weighted score to Pareto-front selection
	// with crowding distance.
	Pareto bool
}

// Candidate is one scored peer.
type Candidate struct {
	Peer            contracts.PeerEntry
	Score           float64
	Trust           float64
	LatencyMs       int64
	AvgCostUSD      float64
	CapabilityMatch float64
}

// ActiveDelegation tracks one in-flight delegated task.
type ActiveDelegation struct {
	TaskID            string                       `json:"task_id"`
	PeerNodeID        string                       `json:"peer_node_id"`
	SessionID         string                       `json:"session_id"`
	TaskText          string                       `json:"task_text"`
	Contract          *contracts.DelegationContract `json:"contract,omitempty"`
	Score             float64                      `json:"score"`
	StartedAt         time.Time                    `json:"started_at"`
	LastRedelegatedAt time.Time                    `json:"last_redelegated_at,omitempty"`
}

// Distributor scores peers and opens delegations.
type Distributor struct {
	mu     sync.Mutex
	active map[string]*ActiveDelegation

	table           *mesh.Table
	client          *mesh.Client
	stats           PeerStats
	weights         Weights
	reputationFloor float64
	clock           func() time.Time
	logger          *slog.Logger
}

// Option configures a Distributor.
type Option func(*Distributor)

// WithWeights overrides the selection weights.
func WithWeights(w Weights) Option {
	return func(d *Distributor) { d.weights = w }
}

// WithReputationFloor excludes peers whose trust drops below the floor.
func WithReputationFloor(floor float64) Option {
	return func(d *Distributor) { d.reputationFloor = floor }
}

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(d *Distributor) { d.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Distributor) { d.logger = l }
}

// New builds a distributor over the mesh table and transport.
func New(table *mesh.Table, client *mesh.Client, stats PeerStats, opts ...Option) *Distributor {
	d := &Distributor{
		active:  make(map[string]*ActiveDelegation),
		table:   table,
		client:  client,
		stats:   stats,
		weights: DefaultSelectionWeights,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Candidates scores every eligible active peer, best first. Ties break by
// node_id so selection is deterministic.
func (d *Distributor) Candidates(req Requirements) []Candidate {
	peers := d.table.List(contracts.PeerActive)
	out := make([]Candidate, 0, len(peers))
	for _, peer := range peers {
		nodeID := peer.Identity.NodeID
		if _, excluded := req.ExcludedPeers[nodeID]; excluded {
			continue
		}
		if d.stats != nil && d.stats.Quarantined(nodeID) {
			continue
		}
		match := capabilityMatch(peer.Identity.Capabilities, req.RequiredCapabilities)
		if len(req.RequiredCapabilities) > 0 && match < 1 {
			continue
		}
		trust, cost := 0.5, 0.0
		if d.stats != nil {
			trust = d.stats.Trust(nodeID)
			cost = d.stats.AvgCostUSD(nodeID)
		}
		if trust < d.reputationFloor {
			continue
		}
		c := Candidate{
			Peer:            peer,
			Trust:           trust,
			LatencyMs:       peer.LastLatencyMs,
			AvgCostUSD:      cost,
			CapabilityMatch: match,
		}
		c.Score = d.score(c)
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Peer.Identity.NodeID < out[j].Peer.Identity.NodeID
	})
	return out
}

// SelectPeer picks the best candidate, or the most diverse Pareto-optimal
// one when the requirements ask for it.
func (d *Distributor) SelectPeer(req Requirements) (Candidate, error) {
	candidates := d.Candidates(req)
	if len(candidates) == 0 {
		return Candidate{}, contracts.NewError(contracts.CodeSwarmNoPeers, "no eligible peers")
	}
	if req.Pareto {
		return paretoPick(candidates), nil
	}
	return candidates[0], nil
}

func (d *Distributor) score(c Candidate) float64 {
	w := d.weights
	latency := 1 - math.Min(float64(c.LatencyMs)/10000, 1)
	cost := 1 - math.Min(c.AvgCostUSD/1.0, 1)
	return w.Trust*c.Trust + w.Latency*latency + w.Cost*cost + w.Capability*c.CapabilityMatch
}

// Delegate selects a peer, opens an ActiveDelegation record, and sends the
// task over the transport. A transport failure closes the record.
func (d *Distributor) Delegate(ctx context.Context, task contracts.SwarmTaskRequest, req Requirements) (*ActiveDelegation, mesh.Response, error) {
	candidate, err := d.SelectPeer(req)
	if err != nil {
		return nil, mesh.Response{}, err
	}

	del := &ActiveDelegation{
		TaskID:     task.TaskID,
		PeerNodeID: candidate.Peer.Identity.NodeID,
		SessionID:  task.SessionID,
		TaskText:   task.TaskText,
		Contract:   task.Contract,
		Score:      candidate.Score,
		StartedAt:  d.clock(),
	}
	d.mu.Lock()
	d.active[task.TaskID] = del
	d.mu.Unlock()

	resp := d.client.SendTask(ctx, candidate.Peer.Identity.APIURL, task)
	if !resp.OK {
		d.mu.Lock()
		delete(d.active, task.TaskID)
		d.mu.Unlock()
		d.logger.Warn("delegation send failed",
			"task_id", task.TaskID, "peer", del.PeerNodeID, "status", resp.Status)
		return nil, resp, contracts.NewError(contracts.CodeExecutionError,
			"task delivery to %s failed: %s", del.PeerNodeID, resp.Error)
	}
	return del, resp, nil
}

// Open records a delegation established out of band, e.g. restored after a
// restart or created by a remote originator we act for.
func (d *Distributor) Open(del ActiveDelegation) {
	if del.StartedAt.IsZero() {
		del.StartedAt = d.clock()
	}
	d.mu.Lock()
	d.active[del.TaskID] = &del
	d.mu.Unlock()
}

// Reassign moves an active delegation to a new peer, for the optimization
// loop and the redelegation monitor.
func (d *Distributor) Reassign(taskID, newPeerID string, score float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	del, ok := d.active[taskID]
	if !ok {
		return false
	}
	del.PeerNodeID = newPeerID
	del.Score = score
	del.LastRedelegatedAt = d.clock()
	return true
}

// Close removes a finished delegation.
func (d *Distributor) Close(taskID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active, taskID)
}

// Active returns copies of all in-flight delegations.
func (d *Distributor) Active() []ActiveDelegation {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ActiveDelegation, 0, len(d.active))
	for _, del := range d.active {
		out = append(out, *del)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}

// Get returns one delegation by task.
func (d *Distributor) Get(taskID string) (ActiveDelegation, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	del, ok := d.active[taskID]
	if !ok {
		return ActiveDelegation{}, false
	}
	return *del, true
}

func capabilityMatch(have, want []string) float64 {
	if len(want) == 0 {
		return 1
	}
	haveSet := make(map[string]struct{}, len(have))
	for _, c := range have {
		haveSet[c] = struct{}{}
	}
	matched := 0
	for _, c := range want {
		if _, ok := haveSet[c]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(want))
}

// paretoPick returns the candidate on the Pareto front over
// (trust, -latency, -cost, capability) with the largest crowding distance.
func paretoPick(candidates []Candidate) Candidate {
	front := paretoFront(candidates)
	if len(front) == 1 {
		return front[0]
	}
	crowding := crowdingDistances(front)
	best := 0
	for i := 1; i < len(front); i++ {
		if crowding[i] > crowding[best] ||
			(crowding[i] == crowding[best] &&
				front[i].Peer.Identity.NodeID < front[best].Peer.Identity.NodeID) {
			best = i
		}
	}
	return front[best]
}

func objectives(c Candidate) [4]float64 {
	return [4]float64{c.Trust, -float64(c.LatencyMs), -c.AvgCostUSD, c.CapabilityMatch}
}

func dominates(a, b Candidate) bool {
	oa, ob := objectives(a), objectives(b)
	strictly := false
	for i := range oa {
		if oa[i] < ob[i] {
			return false
		}
		if oa[i] > ob[i] {
			strictly = true
		}
	}
	return strictly
}

func paretoFront(candidates []Candidate) []Candidate {
	var front []Candidate
	for i, c := range candidates {
		dominated := false
		for j, other := range candidates {
			if i != j && dominates(other, c) {
				dominated = true
				break
			}
		}
		if !dominated {
			front = append(front, c)
		}
	}
	return front
}

func crowdingDistances(front []Candidate) []float64 {
	n := len(front)
	dist := make([]float64, n)
	idx := make([]int, n)
	for dim := 0; dim < 4; dim++ {
		for i := range idx {
			idx[i] = i
		}
		sort.Slice(idx, func(a, b int) bool {
			return objectives(front[idx[a]])[dim] < objectives(front[idx[b]])[dim]
		})
		lo := objectives(front[idx[0]])[dim]
		hi := objectives(front[idx[n-1]])[dim]
		span := hi - lo
		dist[idx[0]] = math.Inf(1)
		dist[idx[n-1]] = math.Inf(1)
		if span == 0 {
			continue
		}
		for i := 1; i < n-1; i++ {
			prev := objectives(front[idx[i-1]])[dim]
			next := objectives(front[idx[i+1]])[dim]
			dist[idx[i]] += (next - prev) / span
		}
	}
	return dist
}
