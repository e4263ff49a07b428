package critic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/corral-run/corral/pkg/contracts"
	"github.com/corral-run/corral/pkg/tools"
)

func testRegistry(t *testing.T) *tools.Registry {
	t.Helper()
	r := tools.NewRegistry()
	require.NoError(t, r.Register(tools.Definition{
		Name: "read_file", Version: "1.0.0",
		InputSchema: map[string]any{
			"type":     "object",
			"required": []any{"path"},
			"properties": map[string]any{
				"path": map[string]any{"type": "string"},
			},
		},
	}, nil, nil))
	require.NoError(t, r.Register(tools.Definition{Name: "respond", Version: "1.0.0"}, nil, nil))
	return r
}

func planWith(steps ...contracts.Step) *contracts.Plan {
	return &contracts.Plan{PlanID: "p1", SessionID: "s1", Goal: "test", Steps: steps}
}

func TestSuitePassesValidPlan(t *testing.T) {
	in := Input{
		Plan: planWith(
			contracts.Step{StepID: "a", Tool: contracts.ToolRef{Name: "read_file"}, Input: map[string]any{"path": "/tmp/x"}},
			contracts.Step{StepID: "b", Tool: contracts.ToolRef{Name: "respond"}, DependsOn: []string{"a"}},
		),
		Session:  &contracts.Session{Limits: contracts.SessionLimits{MaxSteps: 10}},
		Registry: testRegistry(t),
	}
	report := DefaultSuite().Review(in)
	assert.True(t, report.Passed())
	assert.Len(t, report.Findings, 4, "all critics run")
}

func TestAllCriticsRunEvenAfterFailure(t *testing.T) {
	in := Input{
		Plan: planWith(
			contracts.Step{StepID: "a", Tool: contracts.ToolRef{Name: "ghost"}},
			contracts.Step{StepID: "b", Tool: contracts.ToolRef{Name: "respond"}, DependsOn: []string{"b"}},
		),
		Session:  &contracts.Session{Limits: contracts.SessionLimits{MaxSteps: 1}},
		Registry: testRegistry(t),
	}
	report := DefaultSuite().Review(in)
	assert.False(t, report.Passed())
	assert.Len(t, report.Findings, 4, "failure does not short-circuit the suite")
	assert.Len(t, report.Failures(), 3, "unknown tool, step limit, and self reference all reported")
}

func TestUnknownToolCritic(t *testing.T) {
	c := UnknownToolCritic{}
	in := Input{
		Plan:     planWith(contracts.Step{StepID: "a", Tool: contracts.ToolRef{Name: "ghost"}}),
		Registry: testRegistry(t),
	}
	f := c.Review(in)
	assert.False(t, f.Passed)
	assert.Contains(t, f.Message, "ghost")
}

func TestToolInputCriticRequiredFields(t *testing.T) {
	c := ToolInputCritic{}
	reg := testRegistry(t)

	f := c.Review(Input{
		Plan:     planWith(contracts.Step{StepID: "a", Tool: contracts.ToolRef{Name: "read_file"}, Input: map[string]any{}}),
		Registry: reg,
	})
	assert.False(t, f.Passed, "missing required field fails")

	f = c.Review(Input{
		Plan: planWith(contracts.Step{
			StepID: "a",
			Tool:   contracts.ToolRef{Name: "read_file"},
			Input:  map[string]any{},
			InputFrom: map[string]string{"path": "prior-step"},
		}),
		Registry: reg,
	})
	assert.True(t, f.Passed, "field bound at runtime satisfies the requirement")
}

func TestStepLimitCritic(t *testing.T) {
	c := StepLimitCritic{}
	plan := planWith(
		contracts.Step{StepID: "a", Tool: contracts.ToolRef{Name: "respond"}},
		contracts.Step{StepID: "b", Tool: contracts.ToolRef{Name: "respond"}},
	)

	f := c.Review(Input{Plan: plan, Session: &contracts.Session{Limits: contracts.SessionLimits{MaxSteps: 1}}})
	assert.False(t, f.Passed)

	f = c.Review(Input{Plan: plan, Session: &contracts.Session{Limits: contracts.SessionLimits{MaxSteps: 2}}})
	assert.True(t, f.Passed)

	f = c.Review(Input{Plan: plan, Session: &contracts.Session{}})
	assert.True(t, f.Passed, "zero limit means unlimited")
}

func TestSelfReferenceCritic(t *testing.T) {
	c := SelfReferenceCritic{}

	f := c.Review(Input{Plan: planWith(
		contracts.Step{StepID: "a", DependsOn: []string{"a"}},
	)})
	assert.False(t, f.Passed, "self dependency")

	f = c.Review(Input{Plan: planWith(
		contracts.Step{StepID: "a", DependsOn: []string{"b"}},
		contracts.Step{StepID: "b", DependsOn: []string{"c"}},
		contracts.Step{StepID: "c", DependsOn: []string{"a"}},
	)})
	assert.False(t, f.Passed, "three-node cycle")
	assert.Contains(t, f.Message, "cycle")

	f = c.Review(Input{Plan: planWith(
		contracts.Step{StepID: "a", DependsOn: []string{"missing"}},
	)})
	assert.False(t, f.Passed, "unknown dependency")

	f = c.Review(Input{Plan: planWith(
		contracts.Step{StepID: "a"},
		contracts.Step{StepID: "b", DependsOn: []string{"a"}},
		contracts.Step{StepID: "c", DependsOn: []string{"a", "b"}},
	)})
	assert.True(t, f.Passed, "diamond-free DAG passes")
}
