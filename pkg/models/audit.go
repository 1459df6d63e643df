package models

import "time"

// AuditEntry represents a single audited conversation turn.
type AuditEntry struct {
	RequestID        string    `json:"request_id"`
	UserID           string    `json:"user_id"`
	SessionID        string    `json:"session_id"`
	Tier             string    `json:"tier"`
	Model            string    `json:"model"`
	Provider         string    `json:"provider"`
	Prompt           string    `json:"prompt,omitempty"`
	Response         string    `json:"response,omitempty"`
	Outcome          string    `json:"outcome"`
	Cached           bool      `json:"cached"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	TotalTokens      int       `json:"total_tokens"`
	LatencyMs        int64     `json:"latency_ms"`
	CreatedAt        time.Time `json:"created_at"`
}

// AuditConfig controls the audit logging subsystem.
type AuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	DBPath        string   `yaml:"db_path"`
	RetentionDays int      `yaml:"retention_days"`
	Include       []string `yaml:"include"` // "prompts", "responses"
	ExcludeModels []string `yaml:"exclude_models"`
	MaxBodySize   int      `yaml:"max_body_size"` // bytes
}

// AuditQueryOpts specifies filters for querying audit entries.
type AuditQueryOpts struct {
	Model     string
	Since     time.Time
	UserID    string
	SessionID string
	RequestID string
	Limit     int
}

// AuditStat holds aggregate audit counts for a model/day combination.
type AuditStat struct {
	Model  string
	Day    string
	Count  int
	Errors int
}
