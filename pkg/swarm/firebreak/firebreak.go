// Package firebreak caps how deep a delegation chain may grow. Risky tasks
// get a shorter leash: high criticality and low reversibility each shrink
// the effective maximum depth, never below the configured floor.
package firebreak

import (
	"log/slog"

	"github.com/corral-run/corral/pkg/contracts"
)

// Mode selects what happens when the cap is hit.
type Mode string

const (
	// Strict halts the delegation outright.
	Strict Mode = "strict"
	// Advisory asks the originator for explicit authority instead.
	Advisory Mode = "advisory"
)

// Verdict is the outcome of one depth check.
type Verdict string

const (
	Allow            Verdict = "allow"
	Halt             Verdict = "halt"
	RequestAuthority Verdict = "request_authority"
)

// TaskAttributes carries the risk signals of a task being delegated.
type TaskAttributes struct {
	Criticality   string `json:"criticality,omitempty"`   // low | normal | high
	Reversibility string `json:"reversibility,omitempty"` // low | normal | high
}

// Config tunes the firebreak. Zero values take defaults.
type Config struct {
	BaseMaxDepth           int
	MinDepth               int
	CriticalityReduction   int
	ReversibilityReduction int
	// HighCostUSD marks an SLO budget at or above this as high criticality
	// even when the task attributes say otherwise.
	HighCostUSD float64
	Mode        Mode
}

// DefaultConfig matches the runtime defaults.
func DefaultConfig() Config {
	return Config{
		BaseMaxDepth:           5,
		MinDepth:               1,
		CriticalityReduction:   2,
		ReversibilityReduction: 1,
		HighCostUSD:            10,
		Mode:                   Strict,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseMaxDepth <= 0 {
		c.BaseMaxDepth = d.BaseMaxDepth
	}
	if c.MinDepth <= 0 {
		c.MinDepth = d.MinDepth
	}
	if c.CriticalityReduction <= 0 {
		c.CriticalityReduction = d.CriticalityReduction
	}
	if c.ReversibilityReduction <= 0 {
		c.ReversibilityReduction = d.ReversibilityReduction
	}
	if c.HighCostUSD <= 0 {
		c.HighCostUSD = d.HighCostUSD
	}
	if c.Mode != Advisory {
		c.Mode = Strict
	}
	return c
}

// Decision explains one depth check.
type Decision struct {
	Verdict           Verdict  `json:"verdict"`
	ChainDepth        int      `json:"chain_depth"`
	EffectiveMaxDepth int      `json:"effective_max_depth"`
	Reductions        []string `json:"reductions,omitempty"`
}

// Firebreak evaluates delegation depth against the risk-adjusted cap.
type Firebreak struct {
	cfg    Config
	logger *slog.Logger
}

// Option configures a Firebreak.
type Option func(*Firebreak)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Firebreak) { f.logger = l }
}

// New builds a firebreak.
func New(cfg Config, opts ...Option) *Firebreak {
	f := &Firebreak{cfg: cfg.withDefaults(), logger: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Check computes the effective maximum depth for a task and decides whether
// a delegation at chainDepth may proceed.
func (f *Firebreak) Check(chainDepth int, attrs *TaskAttributes, slo *contracts.ContractSLO) Decision {
	effective := f.cfg.BaseMaxDepth
	var reductions []string

	if f.highCriticality(attrs, slo) {
		effective -= f.cfg.CriticalityReduction
		reductions = append(reductions, "high_criticality")
	}
	if attrs != nil && attrs.Reversibility == "low" {
		effective -= f.cfg.ReversibilityReduction
		reductions = append(reductions, "low_reversibility")
	}
	if effective < f.cfg.MinDepth {
		effective = f.cfg.MinDepth
	}

	d := Decision{ChainDepth: chainDepth, EffectiveMaxDepth: effective, Reductions: reductions}
	if chainDepth < effective {
		d.Verdict = Allow
		return d
	}
	if f.cfg.Mode == Advisory {
		d.Verdict = RequestAuthority
	} else {
		d.Verdict = Halt
	}
	f.logger.Warn("delegation depth cap hit",
		"chain_depth", chainDepth, "effective_max_depth", effective, "verdict", d.Verdict)
	return d
}

func (f *Firebreak) highCriticality(attrs *TaskAttributes, slo *contracts.ContractSLO) bool {
	if attrs != nil && attrs.Criticality == "high" {
		return true
	}
	return slo != nil && slo.MaxCostUSD >= f.cfg.HighCostUSD
}
