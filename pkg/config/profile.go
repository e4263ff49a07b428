package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// NodeProfile is a named tuning profile loaded from YAML. Profiles bundle
// the knobs an operator adjusts together: selection weights, firebreak
// depths, friction thresholds, mesh timing, and outbound networking policy.
type NodeProfile struct {
	Name       string           `yaml:"name" json:"name"`
	Selection  SelectionConfig  `yaml:"selection" json:"selection"`
	Firebreak  FirebreakConfig  `yaml:"firebreak" json:"firebreak"`
	Friction   FrictionConfig   `yaml:"friction" json:"friction"`
	Mesh       MeshConfig       `yaml:"mesh" json:"mesh"`
	Networking NetworkingConfig `yaml:"networking" json:"networking"`
}

// SelectionConfig holds the work distributor's scoring weights.
type SelectionConfig struct {
	TrustWeight      float64 `yaml:"trust_weight" json:"trust_weight"`
	LatencyWeight    float64 `yaml:"latency_weight" json:"latency_weight"`
	CostWeight       float64 `yaml:"cost_weight" json:"cost_weight"`
	CapabilityWeight float64 `yaml:"capability_weight" json:"capability_weight"`
	ReputationFloor  float64 `yaml:"reputation_floor" json:"reputation_floor"`
}

// FirebreakConfig caps delegation depth.
type FirebreakConfig struct {
	BaseMaxDepth           int    `yaml:"base_max_depth" json:"base_max_depth"`
	MinDepth               int    `yaml:"min_depth" json:"min_depth"`
	CriticalityReduction   int    `yaml:"criticality_reduction" json:"criticality_reduction"`
	ReversibilityReduction int    `yaml:"reversibility_reduction" json:"reversibility_reduction"`
	Mode                   string `yaml:"mode" json:"mode"` // "strict" | "advisory"
}

// FrictionConfig holds the escalation thresholds.
type FrictionConfig struct {
	InfoThreshold             float64 `yaml:"info_threshold" json:"info_threshold"`
	ConfirmThreshold          float64 `yaml:"confirm_threshold" json:"confirm_threshold"`
	MandatoryHumanThreshold   float64 `yaml:"mandatory_human_threshold" json:"mandatory_human_threshold"`
	AntiFatigueWindowMs       int     `yaml:"anti_fatigue_window_ms" json:"anti_fatigue_window_ms"`
	AntiFatigueMaxEscalations int     `yaml:"anti_fatigue_max_escalations" json:"anti_fatigue_max_escalations"`
}

// MeshConfig holds the failure-detector timeouts.
type MeshConfig struct {
	SuspectAfterMs     int `yaml:"suspect_after_ms" json:"suspect_after_ms"`
	UnreachableAfterMs int `yaml:"unreachable_after_ms" json:"unreachable_after_ms"`
	EvictAfterMs       int `yaml:"evict_after_ms" json:"evict_after_ms"`
}

// NetworkingConfig controls outbound networking policy.
type NetworkingConfig struct {
	OutboundMode string   `yaml:"outbound_mode" json:"outbound_mode"` // "allowlist" | "denylist" | "island"
	Allowlist    []string `yaml:"allowlist,omitempty" json:"allowlist,omitempty"`
	Denylist     []string `yaml:"denylist,omitempty" json:"denylist,omitempty"`
	IslandMode   bool     `yaml:"island_mode" json:"island_mode"` // if true, block all outbound
}

// LoadProfile loads profile_<name>.yaml from the profiles directory.
func LoadProfile(profilesDir, name string) (*NodeProfile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile NodeProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// LoadAllProfiles loads every profile_*.yaml in the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*NodeProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*NodeProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile NodeProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Name == "" {
			// profile_lab.yaml -> lab
			base := filepath.Base(path)
			profile.Name = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profiles[profile.Name] = &profile
	}
	return profiles, nil
}

// IsIslandMode reports whether the profile blocks all outbound networking.
func (p *NodeProfile) IsIslandMode() bool {
	return p.Networking.IslandMode || p.Networking.OutboundMode == "island"
}

// IsAllowed checks a hostname against the networking policy.
func (p *NodeProfile) IsAllowed(hostname string) bool {
	if p.IsIslandMode() {
		return false
	}

	switch p.Networking.OutboundMode {
	case "allowlist":
		for _, h := range p.Networking.Allowlist {
			if h == hostname {
				return true
			}
		}
		return false
	case "denylist":
		for _, h := range p.Networking.Denylist {
			if h == hostname {
				return false
			}
		}
		return true
	default:
		return true
	}
}
