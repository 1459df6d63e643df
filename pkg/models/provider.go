package models

// ProviderModel is static reference data describing a model.
type ProviderModel struct {
	ID              string  `json:"id" yaml:"id"`
	Provider        string  `json:"provider" yaml:"provider"`
	ContextWindow   int     `json:"context_window" yaml:"context_window"`
	MaxOutputTokens int     `json:"max_output_tokens" yaml:"max_output_tokens"`
	CostPerKTokens  float64 `json:"cost_per_1k_tokens" yaml:"cost_per_1k_tokens"`
}

// Cost returns the estimated cost of tokens at this model's rate.
func (m ProviderModel) Cost(tokens int) float64 {
	return float64(tokens) / 1000 * m.CostPerKTokens
}
