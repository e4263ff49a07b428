package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-run/corral/pkg/config"
	"github.com/corral-run/corral/pkg/friction"
	"github.com/corral-run/corral/pkg/swarm/firebreak"
	"github.com/corral-run/corral/pkg/swarm/mesh"
)

func TestProfileMappersKeepDefaultsWithoutProfile(t *testing.T) {
	assert.Equal(t, mesh.DefaultTimeouts(), meshTimeouts(nil))
	assert.Equal(t, firebreak.DefaultConfig(), firebreakConfig(nil))
	assert.Equal(t, friction.DefaultConfig(), frictionConfig(nil))
	assert.Nil(t, selectionOptions(nil))
}

func TestProfileMappersApplySections(t *testing.T) {
	prof := &config.NodeProfile{
		Name: "lab",
		Selection: config.SelectionConfig{
			TrustWeight: 0.5, LatencyWeight: 0.2, CostWeight: 0.2, CapabilityWeight: 0.1,
			ReputationFloor: 0.3,
		},
		Firebreak: config.FirebreakConfig{
			BaseMaxDepth: 3, MinDepth: 2, CriticalityReduction: 1, Mode: "advisory",
		},
		Friction: config.FrictionConfig{
			ConfirmThreshold: 0.4, MandatoryHumanThreshold: 0.7, AntiFatigueWindowMs: 30000,
		},
		Mesh: config.MeshConfig{SuspectAfterMs: 5000, EvictAfterMs: 20000},
	}

	timeouts := meshTimeouts(prof)
	assert.Equal(t, 5*time.Second, timeouts.Suspect)
	assert.Equal(t, mesh.DefaultTimeouts().Unreachable, timeouts.Unreachable)
	assert.Equal(t, 20*time.Second, timeouts.Evict)

	fb := firebreakConfig(prof)
	assert.Equal(t, 3, fb.BaseMaxDepth)
	assert.Equal(t, 2, fb.MinDepth)
	assert.Equal(t, 1, fb.CriticalityReduction)
	assert.Equal(t, firebreak.DefaultConfig().ReversibilityReduction, fb.ReversibilityReduction)
	assert.Equal(t, firebreak.Advisory, fb.Mode)

	fr := frictionConfig(prof)
	assert.Equal(t, friction.DefaultThresholds.Info, fr.Thresholds.Info)
	assert.Equal(t, 0.4, fr.Thresholds.Confirm)
	assert.Equal(t, 0.7, fr.Thresholds.MandatoryHuman)
	assert.Equal(t, 30*time.Second, fr.AntiFatigueWindow)

	assert.Len(t, selectionOptions(prof), 2)
}

func TestProfileNetworkingGatesOutboundHosts(t *testing.T) {
	prof := &config.NodeProfile{
		Networking: config.NetworkingConfig{
			OutboundMode: "allowlist",
			Allowlist:    []string{"peer-a.internal"},
		},
	}
	assert.True(t, prof.IsAllowed("peer-a.internal"))
	assert.False(t, prof.IsAllowed("peer-b.internal"))

	island := &config.NodeProfile{Networking: config.NetworkingConfig{IslandMode: true}}
	assert.False(t, island.IsAllowed("peer-a.internal"))
}

func TestBuildNodeAppliesProfile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "profile_lab.yaml"),
		[]byte("name: lab\nfirebreak:\n  base_max_depth: 2\n"), 0o644))

	cfg := &config.Config{
		Port: "0", DataDir: dir, Profile: "lab", ProfileDir: dir,
		NodeSecret: "test-secret", GossipEvery: time.Second,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n, err := buildNode(context.Background(), cfg, logger)
	require.NoError(t, err)
	t.Cleanup(func() { n.shutdown(logger) })

	d := n.firebreak.Check(2, nil, nil)
	assert.Equal(t, 2, d.EffectiveMaxDepth)
	assert.NotEqual(t, firebreak.Allow, d.Verdict)
}

func TestBuildNodeRejectsMissingProfile(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Port: "0", DataDir: dir, Profile: "nope", ProfileDir: dir,
		NodeSecret: "test-secret",
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := buildNode(context.Background(), cfg, logger)
	require.Error(t, err)
}
