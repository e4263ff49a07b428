// Package reputation scores swarm peers from delegated-task outcomes.
// Trust is an exponentially weighted average of outcome quality that decays
// toward neutral while a peer is idle. Anomaly and sybil signals feed a
// quarantine set the work distributor consults before selection. Every
// outcome is appended to a JSON-lines log and replayed on startup.
package reputation

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/corral-run/corral/pkg/contracts"
)

const (
	neutralTrust    = 0.5
	maxObservations = 200
)

// Outcome is one delegated task's result attributed to a peer.
type Outcome struct {
	NodeID       string    `json:"node_id"`
	TaskID       string    `json:"task_id"`
	Success      bool      `json:"success"`
	OutcomeScore float64   `json:"outcome_score"` // quality in [0,1]
	CostUSD      float64   `json:"cost_usd"`
	DurationMs   int64     `json:"duration_ms"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Config tunes the tracker. Zero values take defaults.
type Config struct {
	// Alpha is the EWMA weight of the newest outcome.
	Alpha float64
	// DecayHalfLife pulls an idle peer's trust halfway back to neutral.
	DecayHalfLife time.Duration
	// QuarantineAfterFailures is the consecutive-failure streak that
	// quarantines a peer.
	QuarantineAfterFailures int
	QuarantineFor           time.Duration
	// SybilWindow and SybilMaxJoins flag join bursts: joins beyond the max
	// inside the window are quarantined on arrival.
	SybilWindow   time.Duration
	SybilMaxJoins int
}

// DefaultConfig matches the runtime defaults.
func DefaultConfig() Config {
	return Config{
		Alpha:                   0.2,
		DecayHalfLife:           24 * time.Hour,
		QuarantineAfterFailures: 3,
		QuarantineFor:           10 * time.Minute,
		SybilWindow:             time.Minute,
		SybilMaxJoins:           5,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Alpha <= 0 || c.Alpha > 1 {
		c.Alpha = d.Alpha
	}
	if c.DecayHalfLife <= 0 {
		c.DecayHalfLife = d.DecayHalfLife
	}
	if c.QuarantineAfterFailures <= 0 {
		c.QuarantineAfterFailures = d.QuarantineAfterFailures
	}
	if c.QuarantineFor <= 0 {
		c.QuarantineFor = d.QuarantineFor
	}
	if c.SybilWindow <= 0 {
		c.SybilWindow = d.SybilWindow
	}
	if c.SybilMaxJoins <= 0 {
		c.SybilMaxJoins = d.SybilMaxJoins
	}
	return c
}

type peerRecord struct {
	trust            float64
	lastUpdatedAt    time.Time
	failureStreak    int
	totalCost        float64
	costSamples      int
	observations     []Outcome
	quarantinedUntil time.Time
	sybilFlagged     bool
}

// Summary is a read-only view of one peer's standing.
type Summary struct {
	NodeID        string    `json:"node_id"`
	Trust         float64   `json:"trust"`
	AvgCostUSD    float64   `json:"avg_cost_usd"`
	FailureStreak int       `json:"failure_streak"`
	Quarantined   bool      `json:"quarantined"`
	SybilFlagged  bool      `json:"sybil_flagged"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Tracker is the reputation store. It satisfies the work distributor's
// PeerStats interface.
type Tracker struct {
	mu    sync.Mutex
	peers map[string]*peerRecord
	joins []time.Time

	path   string
	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(t *Tracker) { t.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) { t.logger = l }
}

// Open loads (or creates) the reputation log at path and replays it.
func Open(path string, cfg Config, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		peers:  make(map[string]*peerRecord),
		path:   path,
		cfg:    cfg.withDefaults(),
		clock:  time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if err := t.replay(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) replay() error {
	f, err := os.Open(t.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reputation log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var o Outcome
		if err := json.Unmarshal(scanner.Bytes(), &o); err != nil || o.NodeID == "" {
			continue
		}
		t.applyLocked(o)
	}
	return scanner.Err()
}

// RecordOutcome applies one outcome and appends it to the log.
func (t *Tracker) RecordOutcome(o Outcome) error {
	if o.NodeID == "" {
		return contracts.NewError(contracts.CodeInvalidInput, "outcome requires node_id")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if o.RecordedAt.IsZero() {
		o.RecordedAt = t.clock()
	}
	t.applyLocked(o)
	return t.appendLocked(o)
}

func (t *Tracker) applyLocked(o Outcome) {
	rec := t.peerLocked(o.NodeID)
	t.decayLocked(rec, o.RecordedAt)

	quality := 0.0
	if o.Success {
		quality = math.Max(0, math.Min(1, o.OutcomeScore))
		rec.failureStreak = 0
	} else {
		rec.failureStreak++
		if rec.failureStreak >= t.cfg.QuarantineAfterFailures {
			rec.quarantinedUntil = o.RecordedAt.Add(t.cfg.QuarantineFor)
			t.logger.Warn("peer quarantined",
				"node_id", o.NodeID, "failure_streak", rec.failureStreak,
				"until", rec.quarantinedUntil)
		}
	}
	rec.trust = (1-t.cfg.Alpha)*rec.trust + t.cfg.Alpha*quality
	rec.lastUpdatedAt = o.RecordedAt

	if o.CostUSD > 0 {
		rec.totalCost += o.CostUSD
		rec.costSamples++
	}
	rec.observations = append(rec.observations, o)
	if len(rec.observations) > maxObservations {
		rec.observations = rec.observations[len(rec.observations)-maxObservations:]
	}
}

func (t *Tracker) appendLocked(o Outcome) error {
	if err := os.MkdirAll(filepath.Dir(t.path), 0o755); err != nil {
		return fmt.Errorf("reputation log: %w", err)
	}
	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reputation log: %w", err)
	}
	defer f.Close()
	line, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("reputation log: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("reputation log: %w", err)
	}
	return f.Sync()
}

// NoteJoin feeds the sybil detector. Joins beyond the per-window budget are
// quarantined immediately and flagged.
func (t *Tracker) NoteJoin(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()

	cutoff := now.Add(-t.cfg.SybilWindow)
	kept := t.joins[:0]
	for _, ts := range t.joins {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.joins = append(kept, now)

	if len(t.joins) > t.cfg.SybilMaxJoins {
		rec := t.peerLocked(nodeID)
		rec.sybilFlagged = true
		rec.quarantinedUntil = now.Add(t.cfg.QuarantineFor)
		t.logger.Warn("join burst detected, peer quarantined",
			"node_id", nodeID, "joins_in_window", len(t.joins))
	}
}

// Quarantine manually quarantines a peer.
func (t *Tracker) Quarantine(nodeID string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerLocked(nodeID).quarantinedUntil = t.clock().Add(d)
}

// Trust returns the peer's decayed trust; unknown peers are neutral.
func (t *Tracker) Trust(nodeID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[nodeID]
	if !ok {
		return neutralTrust
	}
	t.decayLocked(rec, t.clock())
	return rec.trust
}

// AvgCostUSD returns the peer's mean reported task cost.
func (t *Tracker) AvgCostUSD(nodeID string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[nodeID]
	if !ok || rec.costSamples == 0 {
		return 0
	}
	return rec.totalCost / float64(rec.costSamples)
}

// Quarantined reports whether a peer is currently quarantined.
func (t *Tracker) Quarantined(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.peers[nodeID]
	return ok && t.clock().Before(rec.quarantinedUntil)
}

// Summaries returns every known peer's standing, node_id ascending.
func (t *Tracker) Summaries() []Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	out := make([]Summary, 0, len(t.peers))
	for nodeID, rec := range t.peers {
		t.decayLocked(rec, now)
		out = append(out, Summary{
			NodeID:        nodeID,
			Trust:         rec.trust,
			AvgCostUSD:    avgCost(rec),
			FailureStreak: rec.failureStreak,
			Quarantined:   now.Before(rec.quarantinedUntil),
			SybilFlagged:  rec.sybilFlagged,
			LastUpdatedAt: rec.lastUpdatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (t *Tracker) peerLocked(nodeID string) *peerRecord {
	rec, ok := t.peers[nodeID]
	if !ok {
		rec = &peerRecord{trust: neutralTrust}
		t.peers[nodeID] = rec
	}
	return rec
}

// decayLocked pulls trust toward neutral by the elapsed half-lives since
// the last update.
func (t *Tracker) decayLocked(rec *peerRecord, now time.Time) {
	if rec.lastUpdatedAt.IsZero() || !now.After(rec.lastUpdatedAt) {
		return
	}
	halfLives := float64(now.Sub(rec.lastUpdatedAt)) / float64(t.cfg.DecayHalfLife)
	factor := math.Pow(0.5, halfLives)
	rec.trust = neutralTrust + (rec.trust-neutralTrust)*factor
	rec.lastUpdatedAt = now
}

func avgCost(rec *peerRecord) float64 {
	if rec.costSamples == 0 {
		return 0
	}
	return rec.totalCost / float64(rec.costSamples)
}
