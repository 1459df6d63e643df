package models

import "time"

// TierLimit is one row of the tier configuration table.
type TierLimit struct {
	RequestsPerWindow int           `json:"requests_per_window" yaml:"requests_per_window"`
	Window            time.Duration `json:"window" yaml:"window"`
}

// WindowState is what a backing store reports after an atomic
// sliding-window admission attempt.
type WindowState struct {
	Admitted bool
	// Count is the number of entries inside the window after the attempt.
	Count int
	// Oldest is the timestamp of the oldest entry still in the window.
	Oldest time.Time
}

// RateLimitResult is the machine-readable admission decision.
type RateLimitResult struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"resetAt"`
	RetryAfter *int      `json:"retryAfter"`
}
