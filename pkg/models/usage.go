package models

import "time"

// UsageRecord tracks token usage and cost for one completed turn.
type UsageRecord struct {
	ID               int64     `json:"id"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id,omitempty"`
	Tier             string    `json:"tier,omitempty"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	Cost             float64   `json:"cost"`
	Cached           bool      `json:"cached"`
	CreatedAt        time.Time `json:"created_at"`
}

// Session groups the turns of one (user, session) conversation.
type Session struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
	RequestCount int       `json:"request_count"`
	TotalTokens  int       `json:"total_tokens"`
}

// SessionRequest is a single turn within a session, with context growth info.
type SessionRequest struct {
	Seq              int       `json:"seq"`
	CreatedAt        time.Time `json:"created_at"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	ContextGrowth    int       `json:"context_growth"`
	Cached           bool      `json:"cached"`
}

// UsageSummary aggregates usage across turns.
type UsageSummary struct {
	UserID          string `json:"user_id"`
	Model           string `json:"model"`
	RequestCount    int    `json:"request_count"`
	CachedCount     int    `json:"cached_count"`
	TotalPrompt     int    `json:"total_prompt"`
	TotalCompletion int    `json:"total_completion"`
	TotalTokens     int    `json:"total_tokens"`
}

// CostReport is an aggregated cost row grouped by tier, user and model.
type CostReport struct {
	Tier          string  `json:"tier"`
	UserID        string  `json:"user_id"`
	Model         string  `json:"model"`
	RequestCount  int     `json:"request_count"`
	TotalTokens   int64   `json:"total_tokens"`
	EstimatedCost float64 `json:"estimated_cost"`
}
