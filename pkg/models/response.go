package models

// Finish reasons normalized across providers.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishContentFilter = "content_filter"
	FinishToolUse       = "tool_use"
)

// LLMResponse is the uniform result of a provider call.
type LLMResponse struct {
	Content          string `json:"content"`
	Model            string `json:"model"`
	Provider         string `json:"provider,omitempty"`
	TokensUsed       int    `json:"tokens_used"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	FinishReason     string `json:"finish_reason"`
	Cached           bool   `json:"cached,omitempty"`
}

// Chunk is one element of a streamed turn. Exactly one terminal chunk
// is delivered: it carries either Response or Err.
type Chunk struct {
	Delta    string       `json:"delta,omitempty"`
	Response *LLMResponse `json:"response,omitempty"`
	Err      error        `json:"-"`
}

// Done reports whether c is the terminal chunk of a stream.
func (c Chunk) Done() bool {
	return c.Response != nil || c.Err != nil
}
