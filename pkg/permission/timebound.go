package permission

import (
	"fmt"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// TimeBound restricts a grant to a window following each cron fire: the grant
// is satisfied iff now minus the previous cron fire is inside the window.
type TimeBound struct {
	CronExpression string        `json:"cron_expression"`
	WindowDuration time.Duration `json:"window_duration_ms"`
	Timezone       string        `json:"timezone,omitempty"`
}

// timeBoundTable holds per-(session, scope) time bounds.
type timeBoundTable struct {
	mu     sync.Mutex
	bounds map[string]TimeBound
	clock  func() time.Time
}

func newTimeBoundTable() *timeBoundTable {
	return &timeBoundTable{
		bounds: make(map[string]TimeBound),
		clock:  time.Now,
	}
}

func (t *timeBoundTable) Install(sessionID, scope string, tb TimeBound) error {
	if !gronx.New().IsValid(tb.CronExpression) {
		return fmt.Errorf("permission: invalid cron expression %q", tb.CronExpression)
	}
	if tb.Timezone != "" {
		if _, err := time.LoadLocation(tb.Timezone); err != nil {
			return fmt.Errorf("permission: invalid timezone %q: %w", tb.Timezone, err)
		}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bounds[bucketKey(sessionID, scope)] = tb
	return nil
}

// Satisfied reports (withinWindow, installed). When no bound exists for the
// pair the grant is unrestricted in time.
func (t *timeBoundTable) Satisfied(sessionID, scope string) (bool, bool, error) {
	t.mu.Lock()
	tb, ok := t.bounds[bucketKey(sessionID, scope)]
	clock := t.clock
	t.mu.Unlock()
	if !ok {
		return true, false, nil
	}

	now := clock()
	if tb.Timezone != "" {
		loc, err := time.LoadLocation(tb.Timezone)
		if err != nil {
			return false, true, fmt.Errorf("permission: timezone %q: %w", tb.Timezone, err)
		}
		now = now.In(loc)
	}
	prev, err := gronx.PrevTickBefore(tb.CronExpression, now, true)
	if err != nil {
		return false, true, fmt.Errorf("permission: cron %q: %w", tb.CronExpression, err)
	}
	return now.Sub(prev) < tb.WindowDuration, true, nil
}

func (t *timeBoundTable) ClearSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prefix := sessionID + "\x00"
	for k := range t.bounds {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(t.bounds, k)
		}
	}
}
