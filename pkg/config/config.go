// Package config loads node configuration from environment variables and
// optional YAML node profiles.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds node configuration.
type Config struct {
	NodeID       string
	DisplayName  string
	Port         string
	LogLevel     string
	DataDir      string
	NodeSecret   string
	BearerToken  string
	JWTSecret    string
	SeedPeers    []string
	SwarmEnabled bool
	GossipEvery  time.Duration
	OTLPEndpoint string
	Profile      string
	ProfileDir   string
}

// Load reads configuration from environment variables with safe defaults.
func Load() *Config {
	port := os.Getenv("CORRAL_PORT")
	if port == "" {
		port = "8420"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	dataDir := os.Getenv("CORRAL_DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}

	var seeds []string
	for _, s := range strings.Split(os.Getenv("CORRAL_SEED_PEERS"), ",") {
		if s = strings.TrimSpace(s); s != "" {
			seeds = append(seeds, s)
		}
	}

	gossipEvery := 10 * time.Second
	if raw := os.Getenv("CORRAL_GOSSIP_EVERY_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			gossipEvery = time.Duration(ms) * time.Millisecond
		}
	}

	profileDir := os.Getenv("CORRAL_PROFILE_DIR")
	if profileDir == "" {
		profileDir = dataDir
	}

	return &Config{
		NodeID:       os.Getenv("CORRAL_NODE_ID"),
		DisplayName:  os.Getenv("CORRAL_DISPLAY_NAME"),
		Port:         port,
		LogLevel:     logLevel,
		DataDir:      dataDir,
		NodeSecret:   os.Getenv("CORRAL_NODE_SECRET"),
		BearerToken:  os.Getenv("CORRAL_BEARER_TOKEN"),
		JWTSecret:    os.Getenv("CORRAL_JWT_SECRET"),
		SeedPeers:    seeds,
		SwarmEnabled: os.Getenv("CORRAL_SWARM_ENABLED") == "true",
		GossipEvery:  gossipEvery,
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		Profile:      os.Getenv("CORRAL_PROFILE"),
		ProfileDir:   profileDir,
	}
}
