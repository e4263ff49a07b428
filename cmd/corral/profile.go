package main

import (
	"time"

	"github.com/corral-run/corral/pkg/config"
	"github.com/corral-run/corral/pkg/friction"
	"github.com/corral-run/corral/pkg/swarm/distribute"
	"github.com/corral-run/corral/pkg/swarm/firebreak"
	"github.com/corral-run/corral/pkg/swarm/mesh"
)

// The profile mappers translate an optional NodeProfile into subsystem
// configs. A nil profile or a zero-valued section field keeps the
// subsystem's own default.

func meshTimeouts(prof *config.NodeProfile) mesh.Timeouts {
	t := mesh.DefaultTimeouts()
	if prof == nil {
		return t
	}
	if ms := prof.Mesh.SuspectAfterMs; ms > 0 {
		t.Suspect = time.Duration(ms) * time.Millisecond
	}
	if ms := prof.Mesh.UnreachableAfterMs; ms > 0 {
		t.Unreachable = time.Duration(ms) * time.Millisecond
	}
	if ms := prof.Mesh.EvictAfterMs; ms > 0 {
		t.Evict = time.Duration(ms) * time.Millisecond
	}
	return t
}

func firebreakConfig(prof *config.NodeProfile) firebreak.Config {
	c := firebreak.DefaultConfig()
	if prof == nil {
		return c
	}
	if prof.Firebreak.BaseMaxDepth > 0 {
		c.BaseMaxDepth = prof.Firebreak.BaseMaxDepth
	}
	if prof.Firebreak.MinDepth > 0 {
		c.MinDepth = prof.Firebreak.MinDepth
	}
	if prof.Firebreak.CriticalityReduction > 0 {
		c.CriticalityReduction = prof.Firebreak.CriticalityReduction
	}
	if prof.Firebreak.ReversibilityReduction > 0 {
		c.ReversibilityReduction = prof.Firebreak.ReversibilityReduction
	}
	if prof.Firebreak.Mode == string(firebreak.Advisory) {
		c.Mode = firebreak.Advisory
	}
	return c
}

func frictionConfig(prof *config.NodeProfile) friction.Config {
	c := friction.DefaultConfig()
	if prof == nil {
		return c
	}
	if prof.Friction.InfoThreshold > 0 {
		c.Thresholds.Info = prof.Friction.InfoThreshold
	}
	if prof.Friction.ConfirmThreshold > 0 {
		c.Thresholds.Confirm = prof.Friction.ConfirmThreshold
	}
	if prof.Friction.MandatoryHumanThreshold > 0 {
		c.Thresholds.MandatoryHuman = prof.Friction.MandatoryHumanThreshold
	}
	if ms := prof.Friction.AntiFatigueWindowMs; ms > 0 {
		c.AntiFatigueWindow = time.Duration(ms) * time.Millisecond
	}
	if prof.Friction.AntiFatigueMaxEscalations > 0 {
		c.AntiFatigueMaxEscalations = prof.Friction.AntiFatigueMaxEscalations
	}
	return c
}

func selectionOptions(prof *config.NodeProfile) []distribute.Option {
	if prof == nil {
		return nil
	}
	var opts []distribute.Option
	s := prof.Selection
	if s.TrustWeight+s.LatencyWeight+s.CostWeight+s.CapabilityWeight > 0 {
		opts = append(opts, distribute.WithWeights(distribute.Weights{
			Trust:      s.TrustWeight,
			Latency:    s.LatencyWeight,
			Cost:       s.CostWeight,
			Capability: s.CapabilityWeight,
		}))
	}
	if s.ReputationFloor > 0 {
		opts = append(opts, distribute.WithReputationFloor(s.ReputationFloor))
	}
	return opts
}
