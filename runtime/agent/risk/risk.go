// Package risk holds the fixed tool_name -> risk_level classification that
// gates human approval in the engine.
package risk

import "github.com/codemate/gateway/runtime/agent/task"

// table is the compile-time risk classification for known tools. It is not
// exported directly so callers always go through Level, which applies the
// default for unknown tools.
var table = map[string]task.RiskLevel{
	"git_status":              task.RiskLow,
	"run_tests":               task.RiskLow,
	"summarize_task":          task.RiskLow,
	"write_file":              task.RiskMedium,
	"generate_readme":         task.RiskMedium,
	"git_commit":              task.RiskMedium,
	"git_push":                task.RiskHigh,
	"github_create_repo":      task.RiskHigh,
	"github_update_description": task.RiskHigh,
}

// DefaultLevel is the risk assigned to any tool_name absent from the table.
// Defaulting to medium rather than low is a deliberate safety bias: an
// unrecognized tool should not silently bypass any human oversight.
const DefaultLevel = task.RiskMedium

// Level returns the risk level for toolName, defaulting to DefaultLevel
// for tools absent from the table.
func Level(toolName string) task.RiskLevel {
	if lvl, ok := table[toolName]; ok {
		return lvl
	}
	return DefaultLevel
}

// Table returns a copy of the full tool_name -> risk_level mapping, for
// the read-only diagnostic endpoint.
func Table() map[string]task.RiskLevel {
	out := make(map[string]task.RiskLevel, len(table))
	for k, v := range table {
		out[k] = v
	}
	return out
}
