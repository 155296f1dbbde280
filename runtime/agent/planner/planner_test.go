package planner

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codemate/gateway/runtime/agent/task"
)

func TestPlan_LowRiskReadmeAndCommit(t *testing.T) {
	steps, err := Plan("create README and commit", map[string]any{"repo_path": "."}, 8)
	require.NoError(t, err)

	var names []string
	for _, s := range steps {
		names = append(names, s.ToolName)
	}
	assert.Equal(t, []string{"git_status", "generate_readme", "git_commit", "summarize_task"}, names)

	for _, s := range steps {
		if s.ToolName == "git_commit" {
			assert.Equal(t, task.RiskMedium, s.RiskLevel)
			assert.False(t, s.Idempotent)
		}
	}
}

func TestPlan_HighRiskPush(t *testing.T) {
	steps, err := Plan("push latest changes to remote", nil, 8)
	require.NoError(t, err)

	found := false
	for _, s := range steps {
		if s.ToolName == "git_push" {
			found = true
			assert.Equal(t, task.RiskHigh, s.RiskLevel)
			assert.False(t, s.Idempotent)
		}
	}
	assert.True(t, found, "expected git_push in plan")
}

func TestPlan_TruncatesToMaxSteps(t *testing.T) {
	steps, err := Plan("create README, write main.go, run tests, commit, push, create repository", map[string]any{"repo_path": "."}, 3)
	require.NoError(t, err)
	assert.Len(t, steps, 3)
	assert.Equal(t, 1, steps[0].StepIndex)
	assert.Equal(t, "git_status", steps[0].ToolName)
}

func TestPlan_StepIndexContiguous(t *testing.T) {
	steps, err := Plan("create README, write main.go, run tests, commit, push", map[string]any{"repo_path": "."}, 30)
	require.NoError(t, err)
	for i, s := range steps {
		assert.Equal(t, i+1, s.StepIndex)
	}
}

func TestStepID(t *testing.T) {
	assert.Equal(t, "abc_step_01", StepID("abc", 1))
	assert.Equal(t, "abc_step_12", StepID("abc", 12))
}

// TestPlanProperty_NeverExceedsMaxSteps exercises the property from the
// testable-properties list: Planner output length <= max_steps for all
// inputs.
func TestPlanProperty_NeverExceedsMaxSteps(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	goalWords := []string{"create", "write", "readme", "test", "commit", "push", "publish", "create repo", "main.go", "thing"}

	properties.Property("plan length never exceeds max_steps", prop.ForAll(
		func(words []string, maxSteps int) bool {
			goal := ""
			for i, w := range words {
				if i > 0 {
					goal += " "
				}
				goal += w
			}
			if goal == "" {
				goal = "do something"
			}
			steps, err := Plan(goal, map[string]any{"repo_path": "."}, maxSteps)
			if err != nil {
				return false
			}
			return len(steps) <= maxSteps
		},
		gen.SliceOf(gen.OneConstOf(goalWords[0], goalWords[1], goalWords[2], goalWords[3], goalWords[4],
			goalWords[5], goalWords[6], goalWords[7], goalWords[8], goalWords[9])),
		gen.IntRange(2, 30),
	))

	properties.TestingRun(t)
}
