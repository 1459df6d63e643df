package models

import "time"

// CacheEntry stores a completed response under a request fingerprint.
type CacheEntry struct {
	Fingerprint string        `json:"fingerprint"`
	Response    LLMResponse   `json:"response"`
	ProducedAt  time.Time     `json:"produced_at"`
	TTL         time.Duration `json:"ttl"`
}

// CacheStats reports cache performance metrics.
type CacheStats struct {
	Entries   int64 `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Produced  int64 `json:"produced"`
	Contended int64 `json:"contended"`
}
