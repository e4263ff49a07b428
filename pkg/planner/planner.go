// Package planner defines the planning contract between the kernel and any
// plan source, plus the success-criteria evaluator applied to step outputs.
package planner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/corral-run/corral/pkg/contracts"
)

// Request carries everything a planner may use to produce a plan.
type Request struct {
	Session *contracts.Session
	// Task is the free-form task text.
	Task string
	// PriorResults holds step results accumulated so far, for replanning.
	PriorResults map[string]contracts.StepResult
	// Lessons are excerpts from failed attempts handed back as context.
	Lessons []string
	// Round counts planning attempts for this session, starting at 1.
	Round int
}

// Response is a plan candidate plus the usage the planning call consumed.
type Response struct {
	Plan  *contracts.Plan
	Usage contracts.UsageSummary
}

// Planner produces plan candidates. Implementations must be safe for
// concurrent use by multiple sessions.
type Planner interface {
	Plan(ctx context.Context, req Request) (Response, error)
}

// Scripted replays a fixed sequence of plans, one per call. Used by tests
// and by hosts that precompute plans.
type Scripted struct {
	mu    sync.Mutex
	plans []*contracts.Plan
	errs  []error
	calls int
	clock func() time.Time
}

// NewScripted queues the given plans in order.
func NewScripted(plans ...*contracts.Plan) *Scripted {
	return &Scripted{plans: plans, clock: time.Now}
}

// QueueError makes the nth call (0-based, after queued plans are exhausted
// order is positional) fail with err.
func (s *Scripted) QueueError(err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
	return s
}

// Calls reports how many times Plan was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *Scripted) Plan(_ context.Context, req Request) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if len(s.plans) == 0 {
		if len(s.errs) > 0 {
			err := s.errs[0]
			s.errs = s.errs[1:]
			return Response{}, err
		}
		return Response{}, contracts.NewError(contracts.CodeExecutionError, "scripted planner exhausted")
	}

	plan := s.plans[0]
	s.plans = s.plans[1:]
	if plan.PlanID == "" {
		plan.PlanID = uuid.New().String()
	}
	if plan.SessionID == "" && req.Session != nil {
		plan.SessionID = req.Session.SessionID
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = s.clock()
	}
	return Response{Plan: plan}, nil
}
