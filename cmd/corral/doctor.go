package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/corral-run/corral/pkg/config"
	"github.com/corral-run/corral/pkg/journal"
)

// runDoctorCmd checks the node's local state: data directory writability,
// journal hash-chain integrity, and the secrets required for swarm duty.
func runDoctorCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	failed := false

	check := func(name string, err error) {
		if err != nil {
			failed = true
			fmt.Fprintf(stdout, "  FAIL  %s: %v\n", name, err)
			return
		}
		fmt.Fprintf(stdout, "  ok    %s\n", name)
	}

	fmt.Fprintln(stdout, "corral doctor")

	check("data directory", func() error {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return err
		}
		probe := filepath.Join(cfg.DataDir, ".doctor-probe")
		if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
			return err
		}
		return os.Remove(probe)
	}())

	check("journal integrity", func() error {
		path := filepath.Join(cfg.DataDir, "journal.jsonl")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return nil // fresh node
		}
		jr, err := journal.Open(path, journal.Options{})
		if err != nil {
			return err
		}
		defer jr.Close()
		report, err := jr.VerifyIntegrity()
		if err != nil {
			return err
		}
		if !report.Valid {
			return fmt.Errorf("hash chain broken at seq %d", report.FirstBrokenSeq)
		}
		return nil
	}())

	check("node secret", func() error {
		if cfg.NodeSecret == "" {
			return fmt.Errorf("CORRAL_NODE_SECRET not set (contracts will not survive restarts)")
		}
		return nil
	}())

	if cfg.SwarmEnabled && cfg.BearerToken == "" && cfg.JWTSecret == "" {
		fmt.Fprintln(stdout, "  warn  swarm enabled without inbound auth")
	}

	if failed {
		fmt.Fprintln(stderr, "doctor found problems")
		return 1
	}
	fmt.Fprintln(stdout, "all checks passed")
	return 0
}

// runHealthCmd probes a running node over HTTP.
func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get("http://localhost:" + cfg.Port + "/healthz")
	if err != nil {
		fmt.Fprintf(stderr, "node unreachable: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "node unhealthy: HTTP %d\n", resp.StatusCode)
		return 1
	}
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "bad health response: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "node healthy: %v\n", body["node_id"])
	return 0
}
