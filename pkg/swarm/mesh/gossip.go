package mesh

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corral-run/corral/pkg/contracts"
)

// Gossiper periodically shares a subset of the local peer view with a random
// sample of active peers, and keeps heartbeats flowing. Eventually
// consistent; no coordination.
type Gossiper struct {
	self   contracts.PeerIdentity
	table  *Table
	client *Client
	fanout int
	sample int
	load   func() (activeSessions int, load float64)
	clock  func() time.Time
	logger *slog.Logger
}

// GossiperConfig tunes the gossip exchange.
type GossiperConfig struct {
	// Fanout is how many peers receive each round. Default 3.
	Fanout int
	// Sample is how many entries of the local view are shared. Default 8.
	Sample int
	// Load reports the local load advertised in heartbeats.
	Load func() (activeSessions int, load float64)
}

// NewGossiper builds a gossiper over the table and transport.
func NewGossiper(self contracts.PeerIdentity, table *Table, client *Client, cfg GossiperConfig) *Gossiper {
	g := &Gossiper{
		self:   self,
		table:  table,
		client: client,
		fanout: cfg.Fanout,
		sample: cfg.Sample,
		load:   cfg.Load,
		clock:  time.Now,
		logger: slog.Default(),
	}
	if g.fanout <= 0 {
		g.fanout = 3
	}
	if g.sample <= 0 {
		g.sample = 8
	}
	if g.load == nil {
		g.load = func() (int, float64) { return 0, 0 }
	}
	return g
}

// Round performs one gossip exchange: the shared view goes to each target in
// parallel. A failed target only logs; the failure detector handles it.
func (g *Gossiper) Round(ctx context.Context) {
	targets := g.targets(g.fanout)
	if len(targets) == 0 {
		return
	}
	view := g.table.ActiveSample(g.sample)

	eg, ctx := errgroup.WithContext(ctx)
	for _, target := range targets {
		target := target
		eg.Go(func() error {
			resp := g.client.SendGossip(ctx, target.Identity.APIURL, g.self.NodeID, view)
			if !resp.OK {
				g.logger.Debug("gossip send failed",
					"peer", target.Identity.NodeID, "status", resp.Status, "error", resp.Error)
			}
			return nil
		})
	}
	eg.Wait()
}

// HeartbeatRound sends a heartbeat to every active peer in parallel.
func (g *Gossiper) HeartbeatRound(ctx context.Context) {
	peers := g.table.List(contracts.PeerActive)
	sessions, load := g.load()
	hb := contracts.Heartbeat{
		NodeID:         g.self.NodeID,
		Timestamp:      g.clock(),
		ActiveSessions: sessions,
		Load:           load,
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, peer := range peers {
		if peer.Identity.NodeID == g.self.NodeID {
			continue
		}
		peer := peer
		eg.Go(func() error {
			resp := g.client.SendHeartbeat(ctx, peer.Identity.APIURL, hb)
			if !resp.OK {
				g.logger.Debug("heartbeat send failed",
					"peer", peer.Identity.NodeID, "status", resp.Status, "error", resp.Error)
			}
			return nil
		})
	}
	eg.Wait()
}

// Run drives gossip, heartbeats, and failure-detector sweeps until the
// context ends.
func (g *Gossiper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.HeartbeatRound(ctx)
			g.Round(ctx)
			g.table.Sweep()
		}
	}
}

func (g *Gossiper) targets(n int) []contracts.PeerEntry {
	sample := g.table.ActiveSample(n + 1)
	out := sample[:0]
	for _, peer := range sample {
		if peer.Identity.NodeID == g.self.NodeID {
			continue
		}
		out = append(out, peer)
	}
	if len(out) > n {
		out = out[:n]
	}
	return out
}
