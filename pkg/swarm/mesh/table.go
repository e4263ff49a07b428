// Package mesh maintains the peer view of a swarm node: the peer table with
// its failure detector, gossip exchange, and the HTTP transport both sides
// of the wire.
package mesh

import (
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/corral-run/corral/pkg/contracts"
)

// Timeouts drive the failure detector. Each stage is measured from
// last_heartbeat_at; the stages are cumulative.
type Timeouts struct {
	Suspect     time.Duration
	Unreachable time.Duration
	Evict       time.Duration
}

// DefaultTimeouts matches the runtime defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Suspect:     15 * time.Second,
		Unreachable: 30 * time.Second,
		Evict:       60 * time.Second,
	}
}

// Table is the indexed peer map. All mutation goes through the table so the
// per-status index never drifts from the primary map.
type Table struct {
	mu       sync.Mutex
	peers    map[string]*contracts.PeerEntry
	byStatus map[contracts.PeerStatus]map[string]struct{}
	timeouts Timeouts
	clock    func() time.Time
	logger   *slog.Logger
}

// TableOption configures a Table.
type TableOption func(*Table)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) TableOption {
	return func(t *Table) { t.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) TableOption {
	return func(t *Table) { t.logger = l }
}

// NewTable builds an empty peer table.
func NewTable(timeouts Timeouts, opts ...TableOption) *Table {
	t := &Table{
		peers:    make(map[string]*contracts.PeerEntry),
		byStatus: make(map[contracts.PeerStatus]map[string]struct{}),
		timeouts: timeouts,
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Join inserts or refreshes a peer from its advertised identity. A joining
// peer is active.
func (t *Table) Join(identity contracts.PeerIdentity) contracts.PeerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()

	entry, ok := t.peers[identity.NodeID]
	if !ok {
		entry = &contracts.PeerEntry{JoinedAt: now}
		t.peers[identity.NodeID] = entry
	}
	entry.Identity = identity
	entry.LastHeartbeatAt = now
	t.setStatusLocked(identity.NodeID, entry, contracts.PeerActive)
	return *entry
}

// Heartbeat records liveness. Any inbound heartbeat returns the peer to
// active and resets its timers; unknown peers are ignored.
func (t *Table) Heartbeat(nodeID string, latencyMs int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	entry.LastHeartbeatAt = t.clock()
	if latencyMs > 0 {
		entry.LastLatencyMs = latencyMs
	}
	t.setStatusLocked(nodeID, entry, contracts.PeerActive)
	return true
}

// Leave marks a peer as departed; the entry is evicted on the next sweep
// past the evict timeout.
func (t *Table) Leave(nodeID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.peers[nodeID]
	if !ok {
		return false
	}
	t.setStatusLocked(nodeID, entry, contracts.PeerLeft)
	return true
}

// Get returns a copy of one entry.
func (t *Table) Get(nodeID string) (contracts.PeerEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.peers[nodeID]
	if !ok {
		return contracts.PeerEntry{}, false
	}
	return *entry, true
}

// List returns copies of all entries, optionally filtered by status,
// ordered by node_id for determinism.
func (t *Table) List(statuses ...contracts.PeerStatus) []contracts.PeerEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	match := func(s contracts.PeerStatus) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}

	out := make([]contracts.PeerEntry, 0, len(t.peers))
	for _, entry := range t.peers {
		if match(entry.Status) {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity.NodeID < out[j].Identity.NodeID
	})
	return out
}

// Sweep downgrades every entry exactly once based on heartbeat age and
// evicts entries past the final timeout. Returns the evicted node IDs.
func (t *Table) Sweep() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()

	var evicted []string
	for nodeID, entry := range t.peers {
		age := now.Sub(entry.LastHeartbeatAt)
		evictAt := t.timeouts.Suspect + t.timeouts.Unreachable + t.timeouts.Evict
		switch {
		case entry.Status == contracts.PeerLeft:
			if age >= t.timeouts.Evict {
				t.evictLocked(nodeID, entry)
				evicted = append(evicted, nodeID)
			}
		case age >= evictAt:
			t.evictLocked(nodeID, entry)
			evicted = append(evicted, nodeID)
		case age >= t.timeouts.Suspect+t.timeouts.Unreachable:
			t.setStatusLocked(nodeID, entry, contracts.PeerUnreachable)
		case age >= t.timeouts.Suspect:
			t.setStatusLocked(nodeID, entry, contracts.PeerSuspected)
		default:
			t.setStatusLocked(nodeID, entry, contracts.PeerActive)
		}
	}
	if len(evicted) > 0 {
		t.logger.Info("peers evicted", "node_ids", evicted)
	}
	return evicted
}

// Merge folds a gossiped peer view into the table: per node the max
// joined_at and the most recent heartbeat win. Unknown peers are added in
// their gossiped state; the local failure detector takes over from there.
func (t *Table) Merge(peers []contracts.PeerEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, remote := range peers {
		nodeID := remote.Identity.NodeID
		if nodeID == "" {
			continue
		}
		local, ok := t.peers[nodeID]
		if !ok {
			copied := remote
			t.peers[nodeID] = &copied
			t.indexLocked(nodeID, copied.Status)
			continue
		}
		if remote.JoinedAt.After(local.JoinedAt) {
			local.JoinedAt = remote.JoinedAt
			local.Identity = remote.Identity
		}
		if remote.LastHeartbeatAt.After(local.LastHeartbeatAt) {
			local.LastHeartbeatAt = remote.LastHeartbeatAt
			local.LastLatencyMs = remote.LastLatencyMs
		}
	}
}

// ActiveSample returns up to n random active peers, for gossip fan-out.
func (t *Table) ActiveSample(n int) []contracts.PeerEntry {
	active := t.List(contracts.PeerActive)
	rand.Shuffle(len(active), func(i, j int) {
		active[i], active[j] = active[j], active[i]
	})
	if len(active) > n {
		active = active[:n]
	}
	return active
}

// Len reports the table size.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peers)
}

func (t *Table) setStatusLocked(nodeID string, entry *contracts.PeerEntry, status contracts.PeerStatus) {
	if entry.Status == status {
		return
	}
	if idx, ok := t.byStatus[entry.Status]; ok {
		delete(idx, nodeID)
	}
	entry.Status = status
	t.indexLocked(nodeID, status)
}

func (t *Table) indexLocked(nodeID string, status contracts.PeerStatus) {
	idx, ok := t.byStatus[status]
	if !ok {
		idx = make(map[string]struct{})
		t.byStatus[status] = idx
	}
	idx[nodeID] = struct{}{}
}

func (t *Table) evictLocked(nodeID string, entry *contracts.PeerEntry) {
	if idx, ok := t.byStatus[entry.Status]; ok {
		delete(idx, nodeID)
	}
	delete(t.peers, nodeID)
}
