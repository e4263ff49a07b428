// Package critic validates plan candidates before execution. Critics are
// pure functions; the suite always runs every critic so the aggregate report
// enumerates every issue, not just the first.
package critic

import (
	"fmt"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/tools"
)

// Severity grades a finding.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Finding is one critic's verdict on a plan.
type Finding struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Message  string   `json:"message,omitempty"`
	Severity Severity `json:"severity"`
}

// Input is the evaluation context handed to every critic.
type Input struct {
	Plan     *contracts.Plan
	Session  *contracts.Session
	Registry *tools.Registry
}

// Critic inspects a plan and reports a finding.
type Critic interface {
	Name() string
	Review(in Input) Finding
}

// Report aggregates every critic's finding for one plan candidate.
type Report struct {
	Findings []Finding `json:"findings"`
}

// Passed reports whether no error-severity finding failed.
func (r Report) Passed() bool {
	for _, f := range r.Findings {
		if !f.Passed && f.Severity == SeverityError {
			return false
		}
	}
	return true
}

// Failures returns the failed findings.
func (r Report) Failures() []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if !f.Passed {
			out = append(out, f)
		}
	}
	return out
}

// Suite is an ordered set of critics. Registration order is the running
// order, independent of outcomes.
type Suite struct {
	critics []Critic
}

// DefaultSuite wires the standard four critics.
func DefaultSuite() *Suite {
	s := &Suite{}
	s.Register(UnknownToolCritic{})
	s.Register(ToolInputCritic{})
	s.Register(StepLimitCritic{})
	s.Register(SelfReferenceCritic{})
	return s
}

// Register appends a critic to the suite.
func (s *Suite) Register(c Critic) {
	s.critics = append(s.critics, c)
}

// Review runs every critic in order.
func (s *Suite) Review(in Input) Report {
	report := Report{Findings: make([]Finding, 0, len(s.critics))}
	for _, c := range s.critics {
		report.Findings = append(report.Findings, c.Review(in))
	}
	return report
}

func pass(name string) Finding {
	return Finding{Name: name, Passed: true, Severity: SeverityError}
}

func fail(name, format string, args ...any) Finding {
	return Finding{Name: name, Passed: false, Message: fmt.Sprintf(format, args...), Severity: SeverityError}
}

// UnknownToolCritic requires every referenced tool to exist in the registry.
type UnknownToolCritic struct{}

func (UnknownToolCritic) Name() string { return "unknown_tool" }

func (c UnknownToolCritic) Review(in Input) Finding {
	if in.Registry == nil {
		return fail(c.Name(), "no tool registry configured")
	}
	for _, step := range in.Plan.Steps {
		if !in.Registry.Has(step.Tool.Name) {
			return fail(c.Name(), "step %s references unknown tool %q", step.StepID, step.Tool.Name)
		}
	}
	return pass(c.Name())
}

// ToolInputCritic validates every step's input against the referenced tool's
// input schema.
type ToolInputCritic struct{}

func (ToolInputCritic) Name() string { return "tool_input" }

func (c ToolInputCritic) Review(in Input) Finding {
	if in.Registry == nil {
		return fail(c.Name(), "no tool registry configured")
	}
	for _, step := range in.Plan.Steps {
		if !in.Registry.Has(step.Tool.Name) {
			continue // unknownToolCritic owns this failure
		}
		// Fields bound at runtime from prior outputs are injected before
		// validation would matter; stub them so required checks pass.
		input := step.Input
		if len(step.InputFrom) > 0 {
			input = make(map[string]any, len(step.Input)+len(step.InputFrom))
			for k, v := range step.Input {
				input[k] = v
			}
			for field := range step.InputFrom {
				if _, present := input[field]; !present {
					input[field] = ""
				}
			}
		}
		if err := in.Registry.ValidateInput(step.Tool, input); err != nil {
			return fail(c.Name(), "step %s: %v", step.StepID, err)
		}
	}
	return pass(c.Name())
}

// StepLimitCritic bounds plan size by the session's limits.
type StepLimitCritic struct{}

func (StepLimitCritic) Name() string { return "step_limit" }

func (c StepLimitCritic) Review(in Input) Finding {
	if in.Session == nil || in.Session.Limits.MaxSteps <= 0 {
		return pass(c.Name())
	}
	if n := len(in.Plan.Steps); n > in.Session.Limits.MaxSteps {
		return fail(c.Name(), "plan has %d steps, limit is %d", n, in.Session.Limits.MaxSteps)
	}
	return pass(c.Name())
}

// SelfReferenceCritic rejects self-dependencies and cycles in depends_on.
type SelfReferenceCritic struct{}

func (SelfReferenceCritic) Name() string { return "self_reference" }

func (c SelfReferenceCritic) Review(in Input) Finding {
	ids := make(map[string]bool, len(in.Plan.Steps))
	deps := make(map[string][]string, len(in.Plan.Steps))
	for _, step := range in.Plan.Steps {
		ids[step.StepID] = true
		deps[step.StepID] = step.DependsOn
	}

	for _, step := range in.Plan.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.StepID {
				return fail(c.Name(), "step %s depends on itself", step.StepID)
			}
			if !ids[dep] {
				return fail(c.Name(), "step %s depends on unknown step %q", step.StepID, dep)
			}
		}
	}

	// DFS with a recursion stack.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(ids))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range deps[id] {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if cycle := visit(dep); cycle != "" {
					return cycle
				}
			}
		}
		color[id] = black
		return ""
	}
	for _, step := range in.Plan.Steps {
		if color[step.StepID] == white {
			if cycle := visit(step.StepID); cycle != "" {
				return fail(c.Name(), "dependency cycle through step %s", cycle)
			}
		}
	}
	return pass(c.Name())
}
