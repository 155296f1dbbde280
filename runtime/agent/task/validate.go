package task

import "fmt"

const (
	defaultMaxSteps      = 8
	defaultTimeBudgetSec = 300
	defaultTokenBudget   = 12000

	minMaxSteps, maxMaxSteps           = 2, 30
	minTimeBudgetSec, maxTimeBudgetSec = 30, 3600
	minTokenBudget, maxTokenBudget     = 1000, 250000
)

// ValidateCreateRequest applies defaults for zero-valued optional fields
// and rejects a request that falls outside the bounds in the data model.
// Callers surface the returned error as an HTTP 400.
func ValidateCreateRequest(req CreateRequest) (CreateRequest, error) {
	if len(req.Goal) < 3 {
		return req, fmt.Errorf("goal must be at least 3 characters")
	}
	if req.Context == nil {
		req.Context = map[string]any{}
	}
	if req.MaxSteps == 0 {
		req.MaxSteps = defaultMaxSteps
	}
	if req.MaxSteps < minMaxSteps || req.MaxSteps > maxMaxSteps {
		return req, fmt.Errorf("max_steps must be between %d and %d", minMaxSteps, maxMaxSteps)
	}
	if req.TimeBudgetSec == 0 {
		req.TimeBudgetSec = defaultTimeBudgetSec
	}
	if req.TimeBudgetSec < minTimeBudgetSec || req.TimeBudgetSec > maxTimeBudgetSec {
		return req, fmt.Errorf("time_budget_sec must be between %d and %d", minTimeBudgetSec, maxTimeBudgetSec)
	}
	if req.TokenBudget == 0 {
		req.TokenBudget = defaultTokenBudget
	}
	if req.TokenBudget < minTokenBudget || req.TokenBudget > maxTokenBudget {
		return req, fmt.Errorf("token_budget must be between %d and %d", minTokenBudget, maxTokenBudget)
	}
	return req, nil
}
