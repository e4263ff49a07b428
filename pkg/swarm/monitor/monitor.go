package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/swarm/mesh"
)

// StatusClient polls one task's checkpoint status. *mesh.Client satisfies it.
type StatusClient interface {
	TaskStatus(ctx context.Context, baseURL, taskID string) (contracts.Checkpoint, mesh.Response)
}

// Callbacks receive monitoring outcomes. Nil fields are skipped.
type Callbacks struct {
	OnCheckpoint        func(cp contracts.Checkpoint)
	OnCheckpointsMissed func(taskID, peerNodeID string)
	OnTerminal          func(taskID string, state contracts.TaskState)
}

type watch struct {
	taskID     string
	peerNodeID string
	baseURL    string
	interval   time.Duration
	maxMissed  int
	missed     int
	cancel     context.CancelFunc
}

// Monitor is the originator-side checkpoint poller.
type Monitor struct {
	mu      sync.Mutex
	watches map[string]*watch

	client StatusClient
	store  *CheckpointStore
	cb     Callbacks
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

// New builds a monitor. The store may be nil for transient monitoring.
func New(client StatusClient, store *CheckpointStore, cb Callbacks, opts ...Option) *Monitor {
	m := &Monitor{
		watches: make(map[string]*watch),
		client:  client,
		store:   store,
		cb:      cb,
		clock:   time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Watch starts polling a delegated task until it reaches a terminal state,
// is stopped, or the context ends.
func (m *Monitor) Watch(ctx context.Context, taskID, peerNodeID, baseURL string, interval time.Duration, maxMissed int) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if maxMissed <= 0 {
		maxMissed = 3
	}
	ctx, cancel := context.WithCancel(ctx)
	w := &watch{
		taskID:     taskID,
		peerNodeID: peerNodeID,
		baseURL:    baseURL,
		interval:   interval,
		maxMissed:  maxMissed,
		cancel:     cancel,
	}

	m.mu.Lock()
	if prev, ok := m.watches[taskID]; ok {
		prev.cancel()
	}
	m.watches[taskID] = w
	m.mu.Unlock()

	go m.loop(ctx, w)
}

func (m *Monitor) loop(ctx context.Context, w *watch) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if done := m.pollOnce(ctx, w); done {
				m.Stop(w.taskID)
				return
			}
		}
	}
}

// Poll performs one poll of a watched task, for deterministic tests and
// manual refresh. Returns true when monitoring finished.
func (m *Monitor) Poll(ctx context.Context, taskID string) bool {
	m.mu.Lock()
	w, ok := m.watches[taskID]
	m.mu.Unlock()
	if !ok {
		return true
	}
	if done := m.pollOnce(ctx, w); done {
		m.Stop(taskID)
		return true
	}
	return false
}

// pollOnce polls the peer once. A transport failure or an explicit missed
// outcome counts against max_missed; a real checkpoint resets the count.
func (m *Monitor) pollOnce(ctx context.Context, w *watch) bool {
	cp, resp := m.client.TaskStatus(ctx, w.baseURL, w.taskID)
	if !resp.OK || cp.Detail == "checkpoint:missed" {
		w.missed++
		m.logger.Debug("checkpoint missed",
			"task_id", w.taskID, "peer", w.peerNodeID, "missed", w.missed, "status", resp.Status)
		if w.missed >= w.maxMissed {
			w.missed = 0
			if m.cb.OnCheckpointsMissed != nil {
				m.cb.OnCheckpointsMissed(w.taskID, w.peerNodeID)
			}
		}
		return false
	}

	w.missed = 0
	if cp.RecordedAt.IsZero() {
		cp.RecordedAt = m.clock()
	}
	if m.store != nil {
		if err := m.store.Record(cp); err != nil {
			m.logger.Warn("checkpoint persist failed", "task_id", w.taskID, "error", err)
		}
	}
	if m.cb.OnCheckpoint != nil {
		m.cb.OnCheckpoint(cp)
	}
	if cp.State == contracts.TaskCompleted || cp.State == contracts.TaskFailed {
		if m.cb.OnTerminal != nil {
			m.cb.OnTerminal(w.taskID, cp.State)
		}
		return true
	}
	return false
}

// Stop ends monitoring of one task.
func (m *Monitor) Stop(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[taskID]; ok {
		w.cancel()
		delete(m.watches, taskID)
	}
}

// StopAll ends all monitoring.
func (m *Monitor) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for taskID, w := range m.watches {
		w.cancel()
		delete(m.watches, taskID)
	}
}

// Watching reports whether a task is currently monitored.
func (m *Monitor) Watching(taskID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.watches[taskID]
	return ok
}
