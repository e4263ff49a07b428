// Package friction decides how much ceremony an action deserves. Risk
// signals combine into a composite score, the score maps to an escalation
// level, and a fatigue reducer tones down back-to-back escalations so
// operators keep paying attention to the ones that matter.
package friction

import (
	"log/slog"
	"math"
	"sync"
	"time"
)

// Level is the escalation demanded before an action proceeds.
type Level string

const (
	LevelNone           Level = "none"
	LevelInfo           Level = "info"
	LevelConfirm        Level = "confirm"
	LevelMandatoryHuman Level = "mandatory_human"
)

// Signals are the risk inputs, each in [0,1]. Out-of-range values clamp.
type Signals struct {
	Criticality     float64 `json:"criticality"`
	Irreversibility float64 `json:"irreversibility"`
	Uncertainty     float64 `json:"uncertainty"`
	DepthRatio      float64 `json:"depth_ratio"`
	TrustDeficit    float64 `json:"trust_deficit"`
}

// Weights scales each signal's contribution to the composite score.
type Weights struct {
	Criticality     float64 `json:"criticality"`
	Irreversibility float64 `json:"irreversibility"`
	Uncertainty     float64 `json:"uncertainty"`
	DepthRatio      float64 `json:"depth_ratio"`
	TrustDeficit    float64 `json:"trust_deficit"`
}

// DefaultWeights is the stock weighting.
var DefaultWeights = Weights{
	Criticality:     0.3,
	Irreversibility: 0.25,
	Uncertainty:     0.15,
	DepthRatio:      0.15,
	TrustDeficit:    0.15,
}

// Thresholds maps the composite score to a level. A score below Info yields
// LevelNone.
type Thresholds struct {
	Info           float64 `json:"info"`
	Confirm        float64 `json:"confirm"`
	MandatoryHuman float64 `json:"mandatory_human"`
}

// DefaultThresholds is the stock mapping.
var DefaultThresholds = Thresholds{Info: 0.3, Confirm: 0.55, MandatoryHuman: 0.8}

// Config tunes the engine. Zero values take defaults.
type Config struct {
	Weights    Weights
	Thresholds Thresholds
	// AntiFatigueWindow and AntiFatigueMaxEscalations bound the reducer:
	// once that many escalations fired within the window, info drops to
	// none and confirm to info. Mandatory human review never reduces.
	AntiFatigueWindow         time.Duration
	AntiFatigueMaxEscalations int
}

// DefaultConfig matches the runtime defaults.
func DefaultConfig() Config {
	return Config{
		Weights:                   DefaultWeights,
		Thresholds:                DefaultThresholds,
		AntiFatigueWindow:         time.Minute,
		AntiFatigueMaxEscalations: 3,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	if c.Thresholds == (Thresholds{}) {
		c.Thresholds = d.Thresholds
	}
	if c.AntiFatigueWindow <= 0 {
		c.AntiFatigueWindow = d.AntiFatigueWindow
	}
	if c.AntiFatigueMaxEscalations <= 0 {
		c.AntiFatigueMaxEscalations = d.AntiFatigueMaxEscalations
	}
	return c
}

// Assessment is the result of one evaluation.
type Assessment struct {
	Score      float64 `json:"score"`
	Level      Level   `json:"level"`
	RawLevel   Level   `json:"raw_level"`
	Suppressed bool    `json:"suppressed"`
}

// Engine computes friction levels and tracks recent escalations.
type Engine struct {
	mu          sync.Mutex
	escalations []time.Time

	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New builds a friction engine.
func New(cfg Config, opts ...Option) *Engine {
	e := &Engine{cfg: cfg.withDefaults(), clock: time.Now, logger: slog.Default()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate scores the signals, maps them to a level, and applies the
// fatigue reducer. Escalations above LevelNone count toward the window.
func (e *Engine) Evaluate(s Signals) Assessment {
	score := e.score(s)
	raw := e.level(score)

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock()
	e.pruneLocked(now)

	final := raw
	if len(e.escalations) >= e.cfg.AntiFatigueMaxEscalations {
		switch raw {
		case LevelInfo:
			final = LevelNone
		case LevelConfirm:
			final = LevelInfo
		}
	}
	if final != LevelNone {
		e.escalations = append(e.escalations, now)
	}
	if final != raw {
		e.logger.Debug("friction level reduced",
			"raw", raw, "final", final, "recent_escalations", len(e.escalations))
	}
	return Assessment{Score: score, Level: final, RawLevel: raw, Suppressed: final != raw}
}

func (e *Engine) score(s Signals) float64 {
	w := e.cfg.Weights
	total := w.Criticality*clamp01(s.Criticality) +
		w.Irreversibility*clamp01(s.Irreversibility) +
		w.Uncertainty*clamp01(s.Uncertainty) +
		w.DepthRatio*clamp01(s.DepthRatio) +
		w.TrustDeficit*clamp01(s.TrustDeficit)
	sum := w.Criticality + w.Irreversibility + w.Uncertainty + w.DepthRatio + w.TrustDeficit
	if sum <= 0 {
		return 0
	}
	return total / sum
}

func (e *Engine) level(score float64) Level {
	t := e.cfg.Thresholds
	switch {
	case score >= t.MandatoryHuman:
		return LevelMandatoryHuman
	case score >= t.Confirm:
		return LevelConfirm
	case score >= t.Info:
		return LevelInfo
	default:
		return LevelNone
	}
}

func (e *Engine) pruneLocked(now time.Time) {
	cutoff := now.Add(-e.cfg.AntiFatigueWindow)
	kept := e.escalations[:0]
	for _, ts := range e.escalations {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	e.escalations = kept
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
