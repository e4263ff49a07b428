// Package optimize periodically re-scores active delegations and decides
// whether to keep, re-delegate, or escalate each one. Decisions are applied
// by the caller; this loop only measures drift.
package optimize

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/corral-run/corral/pkg/swarm/distribute"
)

// Config tunes the loop. Zero values take defaults.
type Config struct {
	DriftThreshold          float64
	OverheadFactor          float64
	MinTimeBeforeRedelegate time.Duration
	EscalateAfterMisses     int
}

// DefaultConfig matches the runtime defaults.
func DefaultConfig() Config {
	return Config{
		DriftThreshold:          0.3,
		OverheadFactor:          0.1,
		MinTimeBeforeRedelegate: 5 * time.Minute,
		EscalateAfterMisses:     3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = d.DriftThreshold
	}
	if c.OverheadFactor <= 0 {
		c.OverheadFactor = d.OverheadFactor
	}
	if c.MinTimeBeforeRedelegate <= 0 {
		c.MinTimeBeforeRedelegate = d.MinTimeBeforeRedelegate
	}
	if c.EscalateAfterMisses <= 0 {
		c.EscalateAfterMisses = d.EscalateAfterMisses
	}
	return c
}

// DecisionKind is the verdict for one delegation.
type DecisionKind string

const (
	Keep       DecisionKind = "keep"
	Redelegate DecisionKind = "redelegate"
	Escalate   DecisionKind = "escalate"
)

// Decision is one evaluation result.
type Decision struct {
	TaskID      string       `json:"task_id"`
	Kind        DecisionKind `json:"kind"`
	CurrentPeer string       `json:"current_peer"`
	Alternative string       `json:"alternative,omitempty"`
	Drift       float64      `json:"drift"`
	Reason      string       `json:"reason,omitempty"`
}

// Loop re-scores active delegations against the live candidate set.
type Loop struct {
	mu     sync.Mutex
	misses map[string]int

	dist   *distribute.Distributor
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(l *Loop) { l.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(lg *slog.Logger) Option {
	return func(l *Loop) { l.logger = lg }
}

// New builds an optimization loop over the distributor.
func New(dist *distribute.Distributor, cfg Config, opts ...Option) *Loop {
	l := &Loop{
		misses: make(map[string]int),
		dist:   dist,
		cfg:    cfg.withDefaults(),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordMiss counts a missed-checkpoint signal for a task. Wire this to the
// task monitor's OnCheckpointsMissed callback.
func (l *Loop) RecordMiss(taskID, peerNodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.misses[taskID]++
}

// ClearMisses resets the miss count, typically after a healthy checkpoint.
func (l *Loop) ClearMisses(taskID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.misses, taskID)
}

// Evaluate re-scores every active delegation once and returns the decisions.
func (l *Loop) Evaluate() []Decision {
	now := l.clock()
	active := l.dist.Active()
	candidates := l.dist.Candidates(distribute.Requirements{})

	scoreOf := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		scoreOf[c.Peer.Identity.NodeID] = c.Score
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Decision, 0, len(active))
	for _, del := range active {
		d := Decision{TaskID: del.TaskID, Kind: Keep, CurrentPeer: del.PeerNodeID}

		if l.misses[del.TaskID] >= l.cfg.EscalateAfterMisses {
			d.Kind = Escalate
			d.Reason = "checkpoint misses exceeded"
			out = append(out, d)
			continue
		}

		current, assignedEligible := scoreOf[del.PeerNodeID]
		if !assignedEligible {
			// Peer fell out of the candidate set (quarantine, eviction,
			// trust floor). Score it as worthless.
			current = 0
		}
		best, bestID := 0.0, ""
		for _, c := range candidates {
			nodeID := c.Peer.Identity.NodeID
			if nodeID == del.PeerNodeID {
				continue
			}
			if c.Score > best || (c.Score == best && bestID != "" && nodeID < bestID) {
				best, bestID = c.Score, nodeID
			}
		}

		d.Drift = (best-current)/math.Max(current, 0.01) - l.cfg.OverheadFactor
		since := del.StartedAt
		if !del.LastRedelegatedAt.IsZero() {
			since = del.LastRedelegatedAt
		}
		if d.Drift > l.cfg.DriftThreshold && bestID != "" &&
			now.Sub(since) >= l.cfg.MinTimeBeforeRedelegate {
			d.Kind = Redelegate
			d.Alternative = bestID
			d.Reason = "better peer available"
		}
		out = append(out, d)
	}
	return out
}

// Run evaluates on a fixed interval until the context ends, feeding
// decisions to apply.
func (l *Loop) Run(ctx context.Context, interval time.Duration, apply func(Decision)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range l.Evaluate() {
				if d.Kind != Keep {
					l.logger.Info("optimization decision",
						"task_id", d.TaskID, "kind", d.Kind, "drift", d.Drift, "alternative", d.Alternative)
				}
				if apply != nil {
					apply(d)
				}
			}
		}
	}
}
