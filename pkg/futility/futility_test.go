package futility

import (
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/corral-run/corral/pkg/contracts"
)

func failedStep(msg string) contracts.StepResult {
	return contracts.StepResult{
		Status: contracts.StepFailed,
		Error:  &contracts.ErrorInfo{Code: contracts.CodeExecutionError, Message: msg},
	}
}

func succeededStep() contracts.StepResult {
	return contracts.StepResult{Status: contracts.StepSucceeded}
}

func TestRepeatedErrorsHalt(t *testing.T) {
	m := NewMonitor(Config{MaxRepeatedErrors: 3})

	for i := 1; i <= 2; i++ {
		v := m.RecordIteration(Iteration{
			Iteration:   i,
			PlanGoal:    fmt.Sprintf("goal-%d", i),
			StepResults: []contracts.StepResult{failedStep("Connection  REFUSED ")},
		})
		assert.Equal(t, ActionContinue, v.Action, "iteration %d", i)
	}

	v := m.RecordIteration(Iteration{
		Iteration:   3,
		PlanGoal:    "goal-3",
		StepResults: []contracts.StepResult{failedStep("connection refused")},
	})
	assert.Equal(t, ActionHalt, v.Action, "normalization makes the messages equal")
	assert.Contains(t, v.Reason, "Same error repeated 3 times")
}

func TestRepeatedErrorsResetOnSuccess(t *testing.T) {
	m := NewMonitor(Config{MaxRepeatedErrors: 2})

	m.RecordIteration(Iteration{Iteration: 1, StepResults: []contracts.StepResult{failedStep("boom")}})
	m.RecordIteration(Iteration{Iteration: 2, StepResults: []contracts.StepResult{succeededStep(), failedStep("boom")}})

	v := m.RecordIteration(Iteration{Iteration: 3, StepResults: []contracts.StepResult{failedStep("boom")}})
	assert.Equal(t, ActionContinue, v.Action, "success reset the counter; run restarts")
}

func TestIdenticalPlanGoalHalt(t *testing.T) {
	m := NewMonitor(Config{MaxIdenticalPlans: 3, MaxStagnantIterations: 100})

	assert.Equal(t, ActionContinue, m.RecordIteration(Iteration{Iteration: 1, PlanGoal: "fix the build"}).Action)
	assert.Equal(t, ActionContinue, m.RecordIteration(Iteration{Iteration: 2, PlanGoal: "fix the build"}).Action)
	v := m.RecordIteration(Iteration{Iteration: 3, PlanGoal: "fix the build"})
	assert.Equal(t, ActionHalt, v.Action)
	assert.Contains(t, v.Reason, "Identical plan goal")
	assert.Contains(t, v.Reason, "consecutive")
}

func TestNonConsecutiveGoalsDoNotHalt(t *testing.T) {
	m := NewMonitor(Config{MaxIdenticalPlans: 2, MaxStagnantIterations: 100})

	m.RecordIteration(Iteration{Iteration: 1, PlanGoal: "a"})
	m.RecordIteration(Iteration{Iteration: 2, PlanGoal: "b"})
	v := m.RecordIteration(Iteration{Iteration: 3, PlanGoal: "a"})
	assert.Equal(t, ActionContinue, v.Action, "repetition must be consecutive")
}

func TestStagnationHalt(t *testing.T) {
	m := NewMonitor(Config{MaxStagnantIterations: 3, MaxIdenticalPlans: 100})

	m.RecordIteration(Iteration{Iteration: 1, PlanGoal: "g1", StepResults: []contracts.StepResult{succeededStep()}})
	for i := 2; i <= 3; i++ {
		v := m.RecordIteration(Iteration{Iteration: i, PlanGoal: fmt.Sprintf("g%d", i),
			StepResults: []contracts.StepResult{succeededStep()}})
		assert.Equal(t, ActionContinue, v.Action)
	}
	v := m.RecordIteration(Iteration{Iteration: 4, PlanGoal: "g4",
		StepResults: []contracts.StepResult{succeededStep()}})
	assert.Equal(t, ActionHalt, v.Action)
	assert.Contains(t, v.Reason, "No progress (stuck at 1 succeeded steps)")
}

func TestProgressResetsStagnation(t *testing.T) {
	m := NewMonitor(Config{MaxStagnantIterations: 2, MaxIdenticalPlans: 100})

	m.RecordIteration(Iteration{Iteration: 1, PlanGoal: "g1", StepResults: []contracts.StepResult{succeededStep()}})
	m.RecordIteration(Iteration{Iteration: 2, PlanGoal: "g2", StepResults: []contracts.StepResult{succeededStep()}})
	v := m.RecordIteration(Iteration{Iteration: 3, PlanGoal: "g3",
		StepResults: []contracts.StepResult{succeededStep(), succeededStep()}})
	assert.Equal(t, ActionContinue, v.Action, "growing succeeded count resets the run")
}

func TestCostWithoutProgressHalt(t *testing.T) {
	m := NewMonitor(Config{MaxCostWithoutProgress: 2, MaxStagnantIterations: 100, MaxIdenticalPlans: 100})
	usage := &contracts.UsageSummary{TotalCostUSD: 0.5}

	m.RecordIteration(Iteration{Iteration: 1, PlanGoal: "g1", StepResults: []contracts.StepResult{succeededStep()}})
	m.RecordIteration(Iteration{Iteration: 2, PlanGoal: "g2", IterationUsage: usage,
		StepResults: []contracts.StepResult{succeededStep()}})
	v := m.RecordIteration(Iteration{Iteration: 3, PlanGoal: "g3", IterationUsage: usage,
		StepResults: []contracts.StepResult{succeededStep()}})
	assert.Equal(t, ActionHalt, v.Action)
	assert.Contains(t, v.Reason, "budget spent without new successful steps")
}

func TestBudgetBurnHalt(t *testing.T) {
	m := NewMonitor(Config{BudgetBurnThreshold: 0.8, MaxStagnantIterations: 100, MaxIdenticalPlans: 100})

	v := m.RecordIteration(Iteration{
		Iteration:       1,
		PlanGoal:        "g1",
		StepResults:     []contracts.StepResult{succeededStep(), failedStep("a"), failedStep("b"), failedStep("c")},
		CumulativeUsage: &contracts.UsageSummary{TotalCostUSD: 8.5},
		MaxCostUSD:      10,
	})
	assert.Equal(t, ActionHalt, v.Action)
	assert.Contains(t, v.Reason, "Budget 85%")
}

func TestBudgetBurnNeedsLowSuccessRate(t *testing.T) {
	m := NewMonitor(Config{BudgetBurnThreshold: 0.8, MaxStagnantIterations: 100, MaxIdenticalPlans: 100})

	v := m.RecordIteration(Iteration{
		Iteration:       1,
		PlanGoal:        "g1",
		StepResults:     []contracts.StepResult{succeededStep(), succeededStep(), failedStep("a")},
		CumulativeUsage: &contracts.UsageSummary{TotalCostUSD: 9},
		MaxCostUSD:      10,
	})
	assert.Equal(t, ActionContinue, v.Action, "high burn with a healthy success rate continues")
}

func TestHistoryBounded(t *testing.T) {
	m := NewMonitor(Config{MaxStagnantIterations: 1000, MaxIdenticalPlans: 1000})
	for i := 0; i < 250; i++ {
		m.RecordIteration(Iteration{Iteration: i, PlanGoal: fmt.Sprintf("g%d", i)})
	}
	assert.Equal(t, maxHistory, m.HistoryLen())
}

func TestNormalizeError(t *testing.T) {
	assert.Equal(t, "connection refused", NormalizeError("  Connection\t\tREFUSED  "))
	long := NormalizeError(string(make([]byte, 0, 0)) + fmt.Sprintf("%0*d", 300, 1))
	assert.Len(t, long, 200)
}

func TestNormalizeErrorTruncatesOnRuneBoundary(t *testing.T) {
	// 199 ASCII bytes followed by a 3-byte rune straddling the cap.
	msg := strings.Repeat("x", 199) + "é世界"
	out := NormalizeError(msg)
	assert.True(t, utf8.ValidString(out))
	assert.LessOrEqual(t, len(out), 200)
	assert.Equal(t, strings.Repeat("x", 199), out)
}
