package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/tokens"
)

const (
	defaultOpenAIURL     = "https://api.openai.com"
	openAIMaxTemperature = 2.0
)

// OpenAI speaks the Chat Completions API. The system preamble travels
// as the first message.
type OpenAI struct {
	name   string
	url    string
	apiKey string
	client *http.Client
}

// NewOpenAI creates an OpenAI-style adapter. An empty url selects the
// public endpoint.
func NewOpenAI(name, url, apiKey string, client *http.Client) *OpenAI {
	if url == "" {
		url = defaultOpenAIURL
	}
	return &OpenAI{
		name:   name,
		url:    strings.TrimRight(url, "/"),
		apiKey: apiKey,
		client: client,
	}
}

// Name returns the provider name.
func (p *OpenAI) Name() string { return p.name }

func (p *OpenAI) endpoint() string { return p.url + "/v1/chat/completions" }

func (p *OpenAI) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.apiKey}
}

func (p *OpenAI) buildRequest(req Request, stream bool) openaiRequest {
	all := req.Context.All()
	msgs := make([]openaiMessage, len(all))
	for i, m := range all {
		msgs[i] = openaiMessage{Role: string(m.Role), Content: m.Content}
	}
	wire := openaiRequest{
		Model:       req.Model.ID,
		Messages:    msgs,
		Temperature: clampTemperature(req.Temperature, openAIMaxTemperature),
		MaxTokens:   clampMaxTokens(req.MaxTokens, req.Model, 0),
		Stream:      stream,
	}
	if stream {
		wire.StreamOptions = &openaiStreamOptions{IncludeUsage: true}
	}
	return wire
}

// Generate sends a non-streaming completion.
func (p *OpenAI) Generate(ctx context.Context, req Request) (*models.LLMResponse, error) {
	resp, err := doRequest(ctx, p.client, p.name, p.endpoint(), p.headers(), p.buildRequest(req, false), false)
	if err != nil {
		return nil, err
	}
	var wire openaiResponse
	if err := decode(p.name, resp, &wire); err != nil {
		return nil, err
	}
	if len(wire.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Kind: KindUnavailable, Message: "response has no choices"}
	}

	out := &models.LLMResponse{
		Content:      wire.Choices[0].Message.Content,
		Model:        wire.Model,
		Provider:     p.name,
		FinishReason: openaiFinishReason(wire.Choices[0].FinishReason),
	}
	if out.Model == "" {
		out.Model = req.Model.ID
	}
	if wire.Usage != nil {
		out.PromptTokens = wire.Usage.PromptTokens
		out.CompletionTokens = wire.Usage.CompletionTokens
	} else {
		out.PromptTokens = tokens.Messages(req.Context.All())
		out.CompletionTokens = tokens.Estimate(out.Content)
	}
	out.TokensUsed = out.PromptTokens + out.CompletionTokens
	return out, nil
}

// Stream sends a streaming completion with usage reporting enabled.
func (p *OpenAI) Stream(ctx context.Context, req Request) (*Stream, error) {
	resp, err := doRequest(ctx, p.client, p.name, p.endpoint(), p.headers(), p.buildRequest(req, true), true)
	if err != nil {
		return nil, err
	}
	s := newStream(p.name, req, resp.Body)
	scanner := newSSEScanner(resp.Body)

	s.next = func() (string, error) {
		for {
			if !scanner.Next() {
				if err := scanner.Err(); err != nil {
					return "", transportError(p.name, err)
				}
				return "", io.EOF
			}
			data := scanner.Event().Data
			if data == "[DONE]" {
				return "", io.EOF
			}

			var chunk openaiStreamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				return "", &ProviderError{Provider: p.name, Kind: KindUnavailable,
					Message: "malformed stream chunk", Err: err}
			}
			if chunk.Error != nil {
				return "", streamError(p.name, chunk.Error.Type, chunk.Error.Message)
			}
			s.setModel(chunk.Model)
			if chunk.Usage != nil {
				s.setPromptTokens(chunk.Usage.PromptTokens)
				s.setCompletionTokens(chunk.Usage.CompletionTokens)
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if choice.FinishReason != nil {
				s.setFinishReason(openaiFinishReason(*choice.FinishReason))
			}
			if choice.Delta.Content != "" {
				return choice.Delta.Content, nil
			}
		}
	}
	return s, nil
}

func openaiFinishReason(reason string) string {
	switch reason {
	case "length":
		return models.FinishLength
	case "content_filter":
		return models.FinishContentFilter
	case "tool_calls", "function_call":
		return models.FinishToolUse
	case "", "stop":
		return models.FinishStop
	}
	return reason
}

type openaiRequest struct {
	Model         string               `json:"model"`
	Messages      []openaiMessage      `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *openaiStreamOptions `json:"stream_options,omitempty"`
}

type openaiStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type openaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type openaiResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      openaiMessage `json:"message"`
		FinishReason string        `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
}

type openaiStreamChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta        openaiMessage `json:"delta"`
		FinishReason *string       `json:"finish_reason"`
	} `json:"choices"`
	Usage *openaiUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

var _ Adapter = (*OpenAI)(nil)
