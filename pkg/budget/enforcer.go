package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pario-ai/parley/pkg/models"
)

// ErrBudgetExceeded is returned when a request exceeds the budget.
var ErrBudgetExceeded = errors.New("budget exceeded")

// ExceededError carries the policy that was exhausted and when it resets.
type ExceededError struct {
	Policy  models.BudgetPolicy
	Used    int64
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("budget exceeded: %d/%d tokens (%s)", e.Used, e.Policy.MaxTokens, e.Policy.Period)
}

// Is reports ErrBudgetExceeded.
func (e *ExceededError) Is(target error) bool { return target == ErrBudgetExceeded }

// Usage is the slice of the usage tracker the enforcer reads.
type Usage interface {
	TotalByUser(ctx context.Context, userID string, since time.Time) (int64, error)
	TotalByUserAndModel(ctx context.Context, userID, model string, since time.Time) (int64, error)
}

// Enforcer checks token usage against budget policies.
type Enforcer struct {
	policies []models.BudgetPolicy
	usage    Usage
	now      func() time.Time
}

// New creates an Enforcer with the given policies and usage source.
func New(policies []models.BudgetPolicy, u Usage) *Enforcer {
	return &Enforcer{policies: policies, usage: u, now: time.Now}
}

// SetClock replaces the time source. Used by tests.
func (e *Enforcer) SetClock(now func() time.Time) { e.now = now }

// Check returns an *ExceededError (matching ErrBudgetExceeded) if the user
// has exhausted any policy that applies to this tier and model.
func (e *Enforcer) Check(ctx context.Context, userID, tier, model string) error {
	now := e.now().UTC()
	for _, p := range e.policiesFor(userID, tier) {
		if p.Model != "" && p.Model != model {
			continue
		}
		used, err := e.used(ctx, userID, p, now)
		if err != nil {
			return fmt.Errorf("budget check: %w", err)
		}
		if used >= p.MaxTokens {
			return &ExceededError{Policy: p, Used: used, ResetAt: periodEnd(p.Period, now)}
		}
	}
	return nil
}

// Status returns the budget status for a user across all applicable policies.
func (e *Enforcer) Status(ctx context.Context, userID, tier string) ([]models.BudgetStatus, error) {
	now := e.now().UTC()
	policies := e.policiesFor(userID, tier)
	statuses := make([]models.BudgetStatus, 0, len(policies))

	for _, p := range policies {
		used, err := e.used(ctx, userID, p, now)
		if err != nil {
			return nil, fmt.Errorf("budget status: %w", err)
		}
		statuses = append(statuses, models.BudgetStatus{
			Policy:    p,
			Used:      used,
			Remaining: max(p.MaxTokens-used, 0),
			ResetAt:   periodEnd(p.Period, now),
		})
	}
	return statuses, nil
}

func (e *Enforcer) used(ctx context.Context, userID string, p models.BudgetPolicy, now time.Time) (int64, error) {
	since := periodStart(p.Period, now)
	if p.Model != "" {
		return e.usage.TotalByUserAndModel(ctx, userID, p.Model, since)
	}
	return e.usage.TotalByUser(ctx, userID, since)
}

// policiesFor returns policies matching a user and tier (ignoring model filter).
// An empty tier matches only tier-less policies.
func (e *Enforcer) policiesFor(userID, tier string) []models.BudgetPolicy {
	var result []models.BudgetPolicy
	for _, p := range e.policies {
		if p.User != "*" && p.User != userID {
			continue
		}
		if p.Tier != "" && p.Tier != tier {
			continue
		}
		result = append(result, p)
	}
	return result
}

func periodStart(period models.BudgetPeriod, now time.Time) time.Time {
	switch period {
	case models.BudgetMonthly:
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	default: // daily
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}
}

func periodEnd(period models.BudgetPeriod, now time.Time) time.Time {
	start := periodStart(period, now)
	if period == models.BudgetMonthly {
		return start.AddDate(0, 1, 0)
	}
	return start.AddDate(0, 0, 1)
}
