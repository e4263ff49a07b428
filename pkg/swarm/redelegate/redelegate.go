// Package redelegate tracks in-flight delegations so degraded peers can be
// drained: when a peer goes unhealthy, tracked tasks below their
// redelegation budget and past their cooldown are offered back to the
// distributor with the former assignees excluded.
package redelegate

import (
	"container/list"
	"log/slog"
	"sync"
	"time"
)

// Tracked is the record kept per delegated task.
type Tracked struct {
	TaskID            string         `json:"task_id"`
	PeerNodeID        string         `json:"peer_node_id"`
	TaskText          string         `json:"task_text"`
	SessionID         string         `json:"session_id"`
	Constraints       map[string]any `json:"constraints,omitempty"`
	RedelegationCount int            `json:"redelegation_count"`
	ExcludedPeers     []string       `json:"excluded_peers,omitempty"`
	LastRedelegatedAt time.Time      `json:"last_redelegated_at,omitempty"`
}

// Candidate is one task eligible for redelegation. ExcludedPeers carries
// every former assignee plus the degraded current one.
type Candidate struct {
	Tracked
	OldPeer string `json:"old_peer"`
}

// Config tunes the monitor. Zero values take defaults.
type Config struct {
	MaxRedelegations int
	Cooldown         time.Duration
	MaxTracked       int
}

// DefaultConfig matches the runtime defaults.
func DefaultConfig() Config {
	return Config{MaxRedelegations: 3, Cooldown: time.Minute, MaxTracked: 10000}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRedelegations <= 0 {
		c.MaxRedelegations = d.MaxRedelegations
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxTracked <= 0 {
		c.MaxTracked = d.MaxTracked
	}
	return c
}

type entry struct {
	tracked  Tracked
	excluded map[string]struct{}
	elem     *list.Element
}

// Monitor is the redelegation tracker. Capacity is bounded; least recently
// touched tasks are evicted first.
type Monitor struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = least recently used

	cfg    Config
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// New builds a redelegation monitor.
func New(cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		entries: make(map[string]*entry),
		order:   list.New(),
		cfg:     cfg.withDefaults(),
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Track registers (or refreshes) a delegation.
func (m *Monitor) Track(t Tracked) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.entries[t.TaskID]; ok {
		e.tracked = t
		for _, p := range t.ExcludedPeers {
			e.excluded[p] = struct{}{}
		}
		m.order.MoveToBack(e.elem)
		return
	}
	if len(m.entries) >= m.cfg.MaxTracked {
		m.evictOldestLocked()
	}
	e := &entry{tracked: t, excluded: make(map[string]struct{})}
	for _, p := range t.ExcludedPeers {
		e.excluded[p] = struct{}{}
	}
	e.elem = m.order.PushBack(t.TaskID)
	m.entries[t.TaskID] = e
}

// Untrack removes a finished delegation.
func (m *Monitor) Untrack(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[taskID]; ok {
		m.order.Remove(e.elem)
		delete(m.entries, taskID)
	}
}

// CheckPeerHealth returns every tracked delegation whose peer is degraded,
// whose redelegation budget is not exhausted, and whose cooldown elapsed.
func (m *Monitor) CheckPeerHealth(degradedPeerIDs []string) []Candidate {
	degraded := make(map[string]struct{}, len(degradedPeerIDs))
	for _, id := range degradedPeerIDs {
		degraded[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()

	var out []Candidate
	for _, e := range m.entries {
		t := e.tracked
		if _, ok := degraded[t.PeerNodeID]; !ok {
			continue
		}
		if t.RedelegationCount >= m.cfg.MaxRedelegations {
			continue
		}
		if !t.LastRedelegatedAt.IsZero() && now.Sub(t.LastRedelegatedAt) < m.cfg.Cooldown {
			continue
		}
		c := Candidate{Tracked: t, OldPeer: t.PeerNodeID}
		c.ExcludedPeers = make([]string, 0, len(e.excluded)+1)
		for p := range e.excluded {
			c.ExcludedPeers = append(c.ExcludedPeers, p)
		}
		c.ExcludedPeers = appendUnique(c.ExcludedPeers, t.PeerNodeID)
		out = append(out, c)
	}
	return out
}

// RecordRedelegation moves a tracked task to a new peer: the count bumps,
// the old peer joins the excluded set, and the cooldown restarts.
func (m *Monitor) RecordRedelegation(taskID, newPeerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return false
	}
	e.excluded[e.tracked.PeerNodeID] = struct{}{}
	e.tracked.PeerNodeID = newPeerID
	e.tracked.RedelegationCount++
	e.tracked.LastRedelegatedAt = m.clock()
	syncExcluded(e)
	m.order.MoveToBack(e.elem)
	m.logger.Info("redelegation recorded",
		"task_id", taskID, "new_peer", newPeerID, "count", e.tracked.RedelegationCount)
	return true
}

// Get returns a copy of one tracked delegation.
func (m *Monitor) Get(taskID string) (Tracked, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return Tracked{}, false
	}
	return e.tracked, true
}

// Len reports how many delegations are tracked.
func (m *Monitor) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *Monitor) evictOldestLocked() {
	front := m.order.Front()
	if front == nil {
		return
	}
	taskID := front.Value.(string)
	m.order.Remove(front)
	delete(m.entries, taskID)
}

func syncExcluded(e *entry) {
	e.tracked.ExcludedPeers = e.tracked.ExcludedPeers[:0]
	for p := range e.excluded {
		e.tracked.ExcludedPeers = append(e.tracked.ExcludedPeers, p)
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
