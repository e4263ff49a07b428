// Package scheduler fires scheduled jobs deterministically: one-shot,
// fixed-interval, and cron triggers, with a configurable missed-fire policy
// and a durable JSON-lines store.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/journal"
)

// maxCatchup caps catchup_all firing after long downtime.
const maxCatchup = 100

// TriggerType selects the firing rule of a schedule.
type TriggerType string

const (
	TriggerAt    TriggerType = "at"
	TriggerEvery TriggerType = "every"
	TriggerCron  TriggerType = "cron"
)

// Trigger defines when a schedule fires. Exactly the fields of its type are
// meaningful: At for one-shots, Interval/StartAt for every, Expression and
// optional Timezone for cron.
type Trigger struct {
	Type       TriggerType   `json:"type"`
	At         time.Time     `json:"at,omitempty"`
	Interval   time.Duration `json:"interval_ms,omitempty"`
	StartAt    time.Time     `json:"start_at,omitempty"`
	Expression string        `json:"expression,omitempty"`
	Timezone   string        `json:"timezone,omitempty"`
}

// JobType selects what a schedule does when it fires.
type JobType string

const (
	JobCreateSession JobType = "create_session"
	JobEmitEvent     JobType = "emit_event"
)

// Job is the action bound to a schedule.
type Job struct {
	Type JobType `json:"type"`

	// create_session
	TaskText    string                  `json:"task_text,omitempty"`
	Mode        contracts.ExecutionMode `json:"mode,omitempty"`
	Constraints map[string]any          `json:"constraints,omitempty"`
	Agentic     bool                    `json:"agentic,omitempty"`

	// emit_event
	EventType string         `json:"event_type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// MissedPolicy controls behavior when fires were missed (clock jump or
// process downtime).
type MissedPolicy string

const (
	MissedSkip       MissedPolicy = "skip"
	MissedCatchupOne MissedPolicy = "catchup_one"
	MissedCatchupAll MissedPolicy = "catchup_all"
)

// Status is the lifecycle state of a schedule.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Schedule is one durable scheduling record.
type Schedule struct {
	ScheduleID          string       `json:"schedule_id"`
	Trigger             Trigger      `json:"trigger"`
	Job                 Job          `json:"job"`
	MissedPolicy        MissedPolicy `json:"missed_policy"`
	Status              Status       `json:"status"`
	NextRunAt           time.Time    `json:"next_run_at"`
	LastRunAt           time.Time    `json:"last_run_at,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	MaxFailures         int          `json:"max_failures"`
	CreatedAt           time.Time    `json:"created_at"`
}

// SessionRequest carries the create_session job fields to the host.
type SessionRequest struct {
	TaskText    string
	Mode        contracts.ExecutionMode
	Constraints map[string]any
	Agentic     bool
}

// SessionFactory is supplied by the host to spawn sessions from schedules.
type SessionFactory func(ctx context.Context, req SessionRequest) (string, error)

// Event type names emitted by the scheduler.
const (
	EventFired  = "schedule.fired"
	EventFailed = "schedule.failed"
)

// Scheduler ticks active schedules and fires their jobs. All firing happens
// on the tick goroutine; the public API only mutates the schedule table.
type Scheduler struct {
	mu        sync.Mutex
	schedules map[string]*Schedule
	store     *Store
	factory   SessionFactory
	emitter   journal.Emitter
	gron      *gronx.Gronx

	tickInterval time.Duration
	clock        func() time.Time
	logger       *slog.Logger

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock replaces the wall clock, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

// WithTickInterval overrides the default 1s tick.
func WithTickInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.tickInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New builds a scheduler over the given store. Persisted schedules are loaded
// immediately; Start begins ticking.
func New(store *Store, factory SessionFactory, emitter journal.Emitter, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		schedules:    make(map[string]*Schedule),
		store:        store,
		factory:      factory,
		emitter:      emitter,
		gron:         gronx.New(),
		tickInterval: time.Second,
		clock:        time.Now,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if store != nil {
		loaded, err := store.Load()
		if err != nil {
			return nil, err
		}
		for _, sch := range loaded {
			s.schedules[sch.ScheduleID] = sch
		}
	}
	return s, nil
}

// Create validates and registers a new schedule. The first fire time is
// computed from the trigger; invalid triggers fail with SCHEDULE_INVALID.
func (s *Scheduler) Create(trigger Trigger, job Job, policy MissedPolicy, maxFailures int) (*Schedule, error) {
	now := s.clock()
	if err := s.validateTrigger(trigger); err != nil {
		return nil, err
	}
	if err := validateJob(job); err != nil {
		return nil, err
	}
	if policy == "" {
		policy = MissedSkip
	}
	switch policy {
	case MissedSkip, MissedCatchupOne, MissedCatchupAll:
	default:
		return nil, contracts.NewError(contracts.CodeScheduleInvalid, "unknown missed policy %q", policy)
	}

	sch := &Schedule{
		ScheduleID:   uuid.New().String(),
		Trigger:      trigger,
		Job:          job,
		MissedPolicy: policy,
		Status:       StatusActive,
		MaxFailures:  maxFailures,
		CreatedAt:    now,
	}
	next, ok := s.nextFire(sch, now)
	if !ok {
		return nil, contracts.NewError(contracts.CodeScheduleInvalid, "trigger never fires after %s", now.Format(time.RFC3339))
	}
	sch.NextRunAt = next

	s.mu.Lock()
	s.schedules[sch.ScheduleID] = sch
	err := s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	copied := *sch
	return &copied, nil
}

// Get returns a copy of the schedule.
func (s *Scheduler) Get(scheduleID string) (*Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return nil, contracts.NewError(contracts.CodeScheduleNotFound, "schedule %s not found", scheduleID)
	}
	copied := *sch
	return &copied, nil
}

// List returns copies of all schedules.
func (s *Scheduler) List() []*Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		copied := *sch
		out = append(out, &copied)
	}
	return out
}

// Pause stops an active schedule from firing until resumed.
func (s *Scheduler) Pause(scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return contracts.NewError(contracts.CodeScheduleNotFound, "schedule %s not found", scheduleID)
	}
	if sch.Status != StatusActive {
		return contracts.NewError(contracts.CodeScheduleInvalid, "schedule %s is %s, not active", scheduleID, sch.Status)
	}
	sch.Status = StatusPaused
	return s.persistLocked()
}

// Resume reactivates a paused schedule. The next fire is recomputed strictly
// after now so the pause window is never replayed.
func (s *Scheduler) Resume(scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.schedules[scheduleID]
	if !ok {
		return contracts.NewError(contracts.CodeScheduleNotFound, "schedule %s not found", scheduleID)
	}
	if sch.Status != StatusPaused {
		return contracts.NewError(contracts.CodeScheduleInvalid, "schedule %s is %s, not paused", scheduleID, sch.Status)
	}
	now := s.clock()
	next, ok := s.nextFire(sch, now)
	if !ok {
		sch.Status = StatusCompleted
		return s.persistLocked()
	}
	sch.Status = StatusActive
	sch.NextRunAt = next
	return s.persistLocked()
}

// Delete removes a schedule permanently.
func (s *Scheduler) Delete(scheduleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.schedules[scheduleID]; !ok {
		return contracts.NewError(contracts.CodeScheduleNotFound, "schedule %s not found", scheduleID)
	}
	delete(s.schedules, scheduleID)
	return s.persistLocked()
}

// RunNow fires a schedule immediately, outside its trigger. The scheduler
// must be ticking.
func (s *Scheduler) RunNow(ctx context.Context, scheduleID string) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return contracts.NewError(contracts.CodeSchedulerNotRunning, "scheduler is not running")
	}
	sch, ok := s.schedules[scheduleID]
	if !ok {
		s.mu.Unlock()
		return contracts.NewError(contracts.CodeScheduleNotFound, "schedule %s not found", scheduleID)
	}
	copied := *sch
	s.mu.Unlock()

	err := s.runJob(ctx, &copied)

	s.mu.Lock()
	defer s.mu.Unlock()
	if live, ok := s.schedules[scheduleID]; ok {
		s.recordOutcomeLocked(live, err)
		if perr := s.persistLocked(); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

// Start launches the tick loop. Stop or ctx cancellation ends it.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				s.tickOnce(ctx, s.clock())
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to drain.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()
	<-done
}

// tickOnce advances every due schedule. Exposed to tests via the package.
func (s *Scheduler) tickOnce(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*Schedule, 0)
	for _, sch := range s.schedules {
		if sch.Status == StatusActive && !sch.NextRunAt.After(now) {
			due = append(due, sch)
		}
	}
	s.mu.Unlock()

	for _, sch := range due {
		s.advance(ctx, sch, now)
	}

	if len(due) > 0 {
		s.mu.Lock()
		if err := s.persistLocked(); err != nil {
			s.logger.Error("schedule store save failed", "error", err)
		}
		s.mu.Unlock()
	}
}

// advance fires a due schedule per its missed policy and moves next_run_at
// strictly past now.
func (s *Scheduler) advance(ctx context.Context, sch *Schedule, now time.Time) {
	slots := s.dueSlots(sch, now)
	fires := len(slots)
	if fires > 1 {
		switch sch.MissedPolicy {
		case MissedSkip:
			fires = 0
		case MissedCatchupOne:
			fires = 1
		case MissedCatchupAll:
			if fires > maxCatchup {
				fires = maxCatchup
			}
		}
	}

	for i := 0; i < fires; i++ {
		err := s.runJob(ctx, sch)
		s.mu.Lock()
		s.recordOutcomeLocked(sch, err)
		failed := sch.Status == StatusFailed
		s.mu.Unlock()
		if failed {
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if fires > 0 {
		sch.LastRunAt = now
	}
	if sch.Trigger.Type == TriggerAt {
		sch.Status = StatusCompleted
		return
	}
	next, ok := s.nextFire(sch, now)
	if !ok {
		sch.Status = StatusCompleted
		return
	}
	sch.NextRunAt = next
}

func (s *Scheduler) recordOutcomeLocked(sch *Schedule, err error) {
	if err == nil {
		sch.ConsecutiveFailures = 0
		return
	}
	sch.ConsecutiveFailures++
	s.logger.Warn("scheduled job failed",
		"schedule_id", sch.ScheduleID, "failures", sch.ConsecutiveFailures, "error", err)
	if sch.MaxFailures > 0 && sch.ConsecutiveFailures >= sch.MaxFailures {
		sch.Status = StatusFailed
		if s.emitter != nil {
			s.emitter.Emit(sch.ScheduleID, EventFailed, map[string]any{
				"schedule_id":          sch.ScheduleID,
				"consecutive_failures": sch.ConsecutiveFailures,
				"error":                err.Error(),
			})
		}
	}
}

// runJob executes the schedule's job once.
func (s *Scheduler) runJob(ctx context.Context, sch *Schedule) error {
	switch sch.Job.Type {
	case JobCreateSession:
		if s.factory == nil {
			return contracts.NewError(contracts.CodeNoRuntime, "no session factory configured")
		}
		sessionID, err := s.factory(ctx, SessionRequest{
			TaskText:    sch.Job.TaskText,
			Mode:        sch.Job.Mode,
			Constraints: sch.Job.Constraints,
			Agentic:     sch.Job.Agentic,
		})
		if err != nil {
			return err
		}
		if s.emitter != nil {
			s.emitter.Emit(sessionID, EventFired, map[string]any{
				"schedule_id": sch.ScheduleID,
				"session_id":  sessionID,
			})
		}
		return nil
	case JobEmitEvent:
		if s.emitter == nil {
			return contracts.NewError(contracts.CodeNoRuntime, "no journal configured")
		}
		sessionID := sch.Job.SessionID
		if sessionID == "" {
			sessionID = sch.ScheduleID
		}
		_, err := s.emitter.Emit(sessionID, sch.Job.EventType, sch.Job.Payload)
		return err
	default:
		return contracts.NewError(contracts.CodeScheduleInvalid, "unknown job type %q", sch.Job.Type)
	}
}

// dueSlots enumerates fire times in (previous next, now], capped just past
// the catchup limit.
func (s *Scheduler) dueSlots(sch *Schedule, now time.Time) []time.Time {
	slots := []time.Time{}
	t := sch.NextRunAt
	for !t.After(now) {
		slots = append(slots, t)
		if len(slots) > maxCatchup {
			break
		}
		next, ok := s.nextFire(sch, t)
		if !ok {
			break
		}
		t = next
	}
	return slots
}

// nextFire computes the first fire time strictly after the reference.
func (s *Scheduler) nextFire(sch *Schedule, after time.Time) (time.Time, bool) {
	tr := sch.Trigger
	switch tr.Type {
	case TriggerAt:
		if tr.At.After(after) {
			return tr.At, true
		}
		return time.Time{}, false
	case TriggerEvery:
		anchor := tr.StartAt
		if anchor.IsZero() {
			// Unanchored schedules fire one interval after creation.
			anchor = sch.CreatedAt.Add(tr.Interval)
		}
		if anchor.After(after) {
			return anchor, true
		}
		k := after.Sub(anchor)/tr.Interval + 1
		return anchor.Add(k * tr.Interval), true
	case TriggerCron:
		loc := time.UTC
		if tr.Timezone != "" {
			l, err := time.LoadLocation(tr.Timezone)
			if err != nil {
				return time.Time{}, false
			}
			loc = l
		}
		next, err := gronx.NextTickAfter(tr.Expression, after.In(loc), false)
		if err != nil {
			return time.Time{}, false
		}
		return next, true
	}
	return time.Time{}, false
}

func (s *Scheduler) validateTrigger(tr Trigger) error {
	switch tr.Type {
	case TriggerAt:
		if tr.At.IsZero() {
			return contracts.NewError(contracts.CodeScheduleInvalid, "at trigger requires an instant")
		}
	case TriggerEvery:
		if tr.Interval <= 0 {
			return contracts.NewError(contracts.CodeScheduleInvalid, "every trigger requires a positive interval")
		}
	case TriggerCron:
		if !s.gron.IsValid(tr.Expression) {
			return contracts.NewError(contracts.CodeScheduleInvalid, "invalid cron expression %q", tr.Expression)
		}
		if tr.Timezone != "" {
			if _, err := time.LoadLocation(tr.Timezone); err != nil {
				return contracts.NewError(contracts.CodeScheduleInvalid, "unknown timezone %q", tr.Timezone)
			}
		}
	default:
		return contracts.NewError(contracts.CodeScheduleInvalid, "unknown trigger type %q", tr.Type)
	}
	return nil
}

func validateJob(job Job) error {
	switch job.Type {
	case JobCreateSession:
		if job.TaskText == "" {
			return contracts.NewError(contracts.CodeScheduleInvalid, "create_session job requires task_text")
		}
	case JobEmitEvent:
		if job.EventType == "" {
			return contracts.NewError(contracts.CodeScheduleInvalid, "emit_event job requires event_type")
		}
	default:
		return contracts.NewError(contracts.CodeScheduleInvalid, "unknown job type %q", job.Type)
	}
	return nil
}

func (s *Scheduler) persistLocked() error {
	if s.store == nil {
		return nil
	}
	list := make([]*Schedule, 0, len(s.schedules))
	for _, sch := range s.schedules {
		list = append(list, sch)
	}
	return s.store.Save(list)
}
