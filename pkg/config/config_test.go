package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-run/corral/pkg/config"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CORRAL_PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("CORRAL_DATA_DIR", "")
	t.Setenv("CORRAL_SEED_PEERS", "")
	t.Setenv("CORRAL_SWARM_ENABLED", "")
	t.Setenv("CORRAL_GOSSIP_EVERY_MS", "")
	t.Setenv("CORRAL_PROFILE", "")
	t.Setenv("CORRAL_PROFILE_DIR", "")

	cfg := config.Load()

	assert.Equal(t, "8420", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Empty(t, cfg.SeedPeers)
	assert.False(t, cfg.SwarmEnabled)
	assert.Equal(t, 10*time.Second, cfg.GossipEvery)
	assert.Empty(t, cfg.Profile)
	assert.Equal(t, cfg.DataDir, cfg.ProfileDir)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CORRAL_PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CORRAL_NODE_ID", "node-1")
	t.Setenv("CORRAL_SEED_PEERS", "https://a.example.com, https://b.example.com,")
	t.Setenv("CORRAL_SWARM_ENABLED", "true")
	t.Setenv("CORRAL_GOSSIP_EVERY_MS", "2500")
	t.Setenv("CORRAL_PROFILE", "lab")
	t.Setenv("CORRAL_PROFILE_DIR", "/etc/corral/profiles")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "node-1", cfg.NodeID)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.SeedPeers)
	assert.True(t, cfg.SwarmEnabled)
	assert.Equal(t, 2500*time.Millisecond, cfg.GossipEvery)
	assert.Equal(t, "lab", cfg.Profile)
	assert.Equal(t, "/etc/corral/profiles", cfg.ProfileDir)
}

const labProfile = `
name: lab
selection:
  trust_weight: 0.5
  latency_weight: 0.2
  cost_weight: 0.1
  capability_weight: 0.2
  reputation_floor: 0.2
firebreak:
  base_max_depth: 4
  min_depth: 1
  criticality_reduction: 2
  reversibility_reduction: 1
  mode: advisory
mesh:
  suspect_after_ms: 15000
  unreachable_after_ms: 30000
  evict_after_ms: 60000
networking:
  outbound_mode: allowlist
  allowlist:
    - peers.example.com
`

func writeProfile(t *testing.T, dir, name, body string) {
	t.Helper()
	path := filepath.Join(dir, "profile_"+name+".yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoadProfile(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "lab", labProfile)

	p, err := config.LoadProfile(dir, "LAB")
	require.NoError(t, err)

	assert.Equal(t, "lab", p.Name)
	assert.Equal(t, 0.5, p.Selection.TrustWeight)
	assert.Equal(t, "advisory", p.Firebreak.Mode)
	assert.Equal(t, 15000, p.Mesh.SuspectAfterMs)
	assert.True(t, p.IsAllowed("peers.example.com"))
	assert.False(t, p.IsAllowed("evil.example.com"))
}

func TestLoadProfileMissing(t *testing.T) {
	_, err := config.LoadProfile(t.TempDir(), "nope")
	assert.Error(t, err)
}

func TestLoadAllProfiles(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "lab", labProfile)
	writeProfile(t, dir, "island", "networking:\n  island_mode: true\n")

	profiles, err := config.LoadAllProfiles(dir)
	require.NoError(t, err)
	require.Len(t, profiles, 2)

	assert.Equal(t, "island", profiles["island"].Name, "name falls back to the filename")
	assert.True(t, profiles["island"].IsIslandMode())
	assert.False(t, profiles["island"].IsAllowed("anything.example.com"))
	assert.False(t, profiles["lab"].IsIslandMode())
}

func TestDenylistMode(t *testing.T) {
	dir := t.TempDir()
	writeProfile(t, dir, "deny", "networking:\n  outbound_mode: denylist\n  denylist:\n    - blocked.example.com\n")

	p, err := config.LoadProfile(dir, "deny")
	require.NoError(t, err)
	assert.False(t, p.IsAllowed("blocked.example.com"))
	assert.True(t, p.IsAllowed("fine.example.com"))
}
