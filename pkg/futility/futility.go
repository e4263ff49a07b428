// Package futility detects unproductive session loops: repeated errors,
// identical plans, stagnation, spend without progress, and budget burn.
package futility

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/corral-run/corral/pkg/contracts"
)

// maxHistory bounds the internal iteration log; older entries drop FIFO.
const maxHistory = 100

// Action is the monitor's verdict for one iteration.
type Action string

const (
	ActionContinue Action = "continue"
	ActionHalt     Action = "halt"
)

// Verdict is returned from every RecordIteration call.
type Verdict struct {
	Action Action `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// Config tunes the five checks. Zero values take defaults.
type Config struct {
	MaxRepeatedErrors      int
	MaxIdenticalPlans      int
	MaxStagnantIterations  int
	MaxCostWithoutProgress int
	BudgetBurnThreshold    float64
}

// DefaultConfig matches the runtime defaults.
func DefaultConfig() Config {
	return Config{
		MaxRepeatedErrors:      3,
		MaxIdenticalPlans:      3,
		MaxStagnantIterations:  5,
		MaxCostWithoutProgress: 4,
		BudgetBurnThreshold:    0.8,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxRepeatedErrors <= 0 {
		c.MaxRepeatedErrors = d.MaxRepeatedErrors
	}
	if c.MaxIdenticalPlans <= 0 {
		c.MaxIdenticalPlans = d.MaxIdenticalPlans
	}
	if c.MaxStagnantIterations <= 0 {
		c.MaxStagnantIterations = d.MaxStagnantIterations
	}
	if c.MaxCostWithoutProgress <= 0 {
		c.MaxCostWithoutProgress = d.MaxCostWithoutProgress
	}
	if c.BudgetBurnThreshold <= 0 {
		c.BudgetBurnThreshold = d.BudgetBurnThreshold
	}
	return c
}

// Iteration is one kernel loop observation.
type Iteration struct {
	Iteration       int
	PlanGoal        string
	StepResults     []contracts.StepResult
	IterationUsage  *contracts.UsageSummary
	CumulativeUsage *contracts.UsageSummary
	MaxCostUSD      float64
}

type record struct {
	normalizedError string
	planGoal        string
	succeeded       int
}

// Monitor holds per-session futility state. One monitor per session.
type Monitor struct {
	mu      sync.Mutex
	cfg     Config
	history []record

	repeatedErrorRun int
	identicalGoalRun int
	bestSucceeded    int
	stagnantRun      int
	costNoProgress   int
}

// NewMonitor creates a monitor with the given config.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{cfg: cfg.withDefaults()}
}

// RecordIteration evaluates the checks in priority order; the first match
// halts.
func (m *Monitor) RecordIteration(it Iteration) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := record{planGoal: it.PlanGoal}
	succeededSteps := 0
	var lastError string
	anyFailed := false
	for _, sr := range it.StepResults {
		switch sr.Status {
		case contracts.StepSucceeded:
			succeededSteps++
		case contracts.StepFailed:
			anyFailed = true
			if sr.Error != nil {
				lastError = NormalizeError(sr.Error.Message)
			}
		}
	}
	rec.succeeded = succeededSteps
	rec.normalizedError = lastError

	prev := m.last()
	m.push(rec)

	// 1. Repeated errors. Any succeeded step resets the run.
	if succeededSteps > 0 {
		m.repeatedErrorRun = 0
	} else if anyFailed && lastError != "" {
		if prev != nil && prev.normalizedError == lastError {
			m.repeatedErrorRun++
		} else {
			m.repeatedErrorRun = 1
		}
		if m.repeatedErrorRun >= m.cfg.MaxRepeatedErrors {
			return Verdict{Action: ActionHalt,
				Reason: fmt.Sprintf("Same error repeated %d times", m.repeatedErrorRun)}
		}
	} else {
		m.repeatedErrorRun = 0
	}

	// 2. Identical plan goal, consecutive only.
	if prev != nil && it.PlanGoal != "" && prev.planGoal == it.PlanGoal {
		m.identicalGoalRun++
	} else {
		m.identicalGoalRun = 1
	}
	if m.identicalGoalRun >= m.cfg.MaxIdenticalPlans {
		return Verdict{Action: ActionHalt,
			Reason: fmt.Sprintf("Identical plan goal %q for %d consecutive iterations", it.PlanGoal, m.identicalGoalRun)}
	}

	// 3. Stagnation on succeeded-step count.
	if succeededSteps > m.bestSucceeded {
		m.bestSucceeded = succeededSteps
		m.stagnantRun = 0
		m.costNoProgress = 0
	} else {
		m.stagnantRun++
		if m.stagnantRun >= m.cfg.MaxStagnantIterations {
			return Verdict{Action: ActionHalt,
				Reason: fmt.Sprintf("No progress (stuck at %d succeeded steps)", m.bestSucceeded)}
		}

		// 4. Cost without progress.
		if it.IterationUsage != nil {
			m.costNoProgress++
			if m.costNoProgress >= m.cfg.MaxCostWithoutProgress {
				return Verdict{Action: ActionHalt,
					Reason: "budget spent without new successful steps"}
			}
		}
	}

	// 5. Budget burn with a failing success rate.
	if it.CumulativeUsage != nil && it.MaxCostUSD > 0 {
		burn := it.CumulativeUsage.TotalCostUSD / it.MaxCostUSD
		total := len(it.StepResults)
		successRate := 1.0
		if total > 0 {
			successRate = float64(succeededSteps) / float64(total)
		}
		if burn >= m.cfg.BudgetBurnThreshold && successRate < 0.5 {
			return Verdict{Action: ActionHalt,
				Reason: fmt.Sprintf("Budget %.0f%% consumed with success rate %.0f%%", burn*100, successRate*100)}
		}
	}

	return Verdict{Action: ActionContinue}
}

func (m *Monitor) last() *record {
	if len(m.history) < 2 {
		return nil
	}
	return &m.history[len(m.history)-2]
}

func (m *Monitor) push(rec record) {
	m.history = append(m.history, rec)
	if len(m.history) > maxHistory {
		m.history = m.history[len(m.history)-maxHistory:]
	}
}

// HistoryLen reports the bounded history size.
func (m *Monitor) HistoryLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history)
}

// NormalizeError canonicalizes an error message for comparison: trim,
// collapse whitespace, lowercase, truncate to 200 characters.
func NormalizeError(msg string) string {
	msg = strings.ToLower(strings.TrimSpace(msg))
	msg = strings.Join(strings.Fields(msg), " ")
	if len(msg) > 200 {
		cut := 200
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		msg = msg[:cut]
	}
	return msg
}
