// Package planner synthesizes an ordered step list from a goal. It is a
// pure, deterministic function: the same (goal, context, max_steps)
// always produces the same plan.
package planner

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/codemate/gateway/runtime/agent/risk"
	"github.com/codemate/gateway/runtime/agent/task"
)

// ErrEmptyPlan indicates the rule set produced zero steps for a goal; the
// engine treats this as a planning error.
var ErrEmptyPlan = fmt.Errorf("planner produced zero steps")

var filePathRe = regexp.MustCompile(`\b([\w\-./\\]+\.[A-Za-z0-9]{1,8})\b`)

var createVerbs = []string{"create", "write", "generate", "make"}

type stepDraft struct {
	role       task.Role
	action     string
	toolName   string
	input      map[string]any
	idempotent bool
}

// Plan synthesizes an ordered list of steps for goal given context and a
// cap of maxSteps. Rules are evaluated in a fixed order against the
// lowercased goal; each rule that matches appends one step. The result is
// truncated to maxSteps. Producing zero steps is a planning error.
func Plan(goal string, context map[string]any, maxSteps int) ([]task.Step, error) {
	lower := strings.ToLower(goal)
	repoPath := "."
	if v, ok := context["repo_path"]; ok {
		if s, ok := v.(string); ok && s != "" {
			repoPath = s
		}
	}

	var drafts []stepDraft

	// Rule 1: always first, git_status.
	drafts = append(drafts, stepDraft{
		role:       task.RolePlanner,
		action:     "Check working tree status",
		toolName:   "git_status",
		input:      map[string]any{"repo_path": repoPath},
		idempotent: true,
	})

	// Rule 2: readme.
	if strings.Contains(lower, "readme") {
		drafts = append(drafts, stepDraft{
			role:       task.RoleCoder,
			action:     "Generate README",
			toolName:   "generate_readme",
			input:      map[string]any{"repo_path": repoPath},
			idempotent: true,
		})
	}

	// Rule 3: file path token + create verb => write_file.
	if m := filePathRe.FindString(goal); m != "" && containsAny(lower, createVerbs) {
		rel := strings.ReplaceAll(m, `\`, "/")
		drafts = append(drafts, stepDraft{
			role:       task.RoleCoder,
			action:     fmt.Sprintf("Write file %s", rel),
			toolName:   "write_file",
			input:      map[string]any{"repo_path": repoPath, "relative_path": rel},
			idempotent: true,
		})
	}

	// Rule 4: tests.
	if strings.Contains(lower, "test") || strings.Contains(lower, "pytest") || strings.Contains(lower, "unit test") {
		drafts = append(drafts, stepDraft{
			role:       task.RoleExecutor,
			action:     "Run test suite",
			toolName:   "run_tests",
			input:      map[string]any{"command": "pytest -q"},
			idempotent: true,
		})
	}

	// Rule 5: commit.
	if strings.Contains(lower, "commit") {
		drafts = append(drafts, stepDraft{
			role:       task.RoleGitAgent,
			action:     "Commit changes",
			toolName:   "git_commit",
			input:      map[string]any{"message": commitMessage(goal)},
			idempotent: false,
		})
	}

	// Rule 6: push/publish.
	if strings.Contains(lower, "push") || strings.Contains(lower, "publish") {
		drafts = append(drafts, stepDraft{
			role:       task.RoleGitAgent,
			action:     "Push to origin/main",
			toolName:   "git_push",
			input:      map[string]any{"remote": "origin", "branch": "main"},
			idempotent: false,
		})
	}

	// Rule 7: create repo.
	if strings.Contains(lower, "create repo") || strings.Contains(lower, "create repository") {
		drafts = append(drafts, stepDraft{
			role:       task.RoleGitAgent,
			action:     "Create remote repository",
			toolName:   "github_create_repo",
			input:      map[string]any{"name": path.Base(repoPath)},
			idempotent: false,
		})
	}

	// Rule 8: always last, summarize_task.
	drafts = append(drafts, stepDraft{
		role:       task.RoleReviewer,
		action:     "Summarize task outcome",
		toolName:   "summarize_task",
		input:      map[string]any{},
		idempotent: true,
	})

	if len(drafts) > maxSteps {
		drafts = drafts[:maxSteps]
	}
	if len(drafts) == 0 {
		return nil, ErrEmptyPlan
	}

	steps := make([]task.Step, len(drafts))
	for i, d := range drafts {
		steps[i] = task.Step{
			StepIndex:  i + 1,
			Role:       d.role,
			Action:     d.action,
			ToolName:   d.toolName,
			RiskLevel:  risk.Level(d.toolName),
			Idempotent: d.idempotent,
			Status:     task.StepPending,
			Input:      d.input,
		}
	}
	return steps, nil
}

// StepID returns the deterministic, 2-digit zero-padded step identifier
// for the Nth (1-based) step of taskID.
func StepID(taskID string, stepIndex int) string {
	return fmt.Sprintf("%s_step_%02d", taskID, stepIndex)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// commitMessage derives a conventional-commit-style message from a free
// form goal: trim and collapse whitespace, take the first 72 characters,
// lowercase the first rune, and prefix with "feat: ".
func commitMessage(goal string) string {
	fields := strings.Fields(goal)
	r := []rune(strings.Join(fields, " "))
	if len(r) > 72 {
		r = r[:72]
	}
	if len(r) == 0 {
		return "feat: "
	}
	r[0] = []rune(strings.ToLower(string(r[0])))[0]
	return "feat: " + string(r)
}
