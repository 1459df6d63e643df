package models

import "time"

// BudgetPeriod defines the time window for a budget policy.
type BudgetPeriod string

const (
	BudgetDaily   BudgetPeriod = "daily"
	BudgetMonthly BudgetPeriod = "monthly"
)

// BudgetPolicy caps tokens per user per period. A policy applies to a
// user when User matches (or is "*") and, if Tier is set, the caller's
// tier matches.
type BudgetPolicy struct {
	User      string       `json:"user" yaml:"user"`
	Tier      string       `json:"tier,omitempty" yaml:"tier,omitempty"`
	Model     string       `json:"model,omitempty" yaml:"model,omitempty"`
	MaxTokens int64        `json:"max_tokens" yaml:"max_tokens"`
	Period    BudgetPeriod `json:"period" yaml:"period"`
}

// BudgetStatus shows current usage against a policy.
type BudgetStatus struct {
	Policy    BudgetPolicy `json:"policy"`
	Used      int64        `json:"used"`
	Remaining int64        `json:"remaining"`
	ResetAt   time.Time    `json:"reset_at"`
}
