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
	defaultAnthropicURL     = "https://api.anthropic.com"
	defaultAnthropicVersion = "2023-06-01"
	anthropicMaxTemperature = 1.0
	// max_tokens is mandatory on the Messages API.
	anthropicDefaultMaxTokens = 1024
)

// Anthropic speaks the Messages API. System text goes in a separate
// field and the message list must alternate user and assistant turns.
type Anthropic struct {
	name    string
	url     string
	apiKey  string
	version string
	client  *http.Client
}

// NewAnthropic creates an Anthropic-style adapter. Empty url and
// version select the public endpoint and a stable API version.
func NewAnthropic(name, url, apiKey, version string, client *http.Client) *Anthropic {
	if url == "" {
		url = defaultAnthropicURL
	}
	if version == "" {
		version = defaultAnthropicVersion
	}
	return &Anthropic{
		name:    name,
		url:     strings.TrimRight(url, "/"),
		apiKey:  apiKey,
		version: version,
		client:  client,
	}
}

// Name returns the provider name.
func (p *Anthropic) Name() string { return p.name }

func (p *Anthropic) endpoint() string { return p.url + "/v1/messages" }

func (p *Anthropic) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": p.version,
	}
}

func (p *Anthropic) buildRequest(req Request, stream bool) anthropicRequest {
	var system []string
	var msgs []anthropicMessage
	for _, m := range req.Context.All() {
		if m.Role == models.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		// Truncation can leave an assistant reply at the head.
		if len(msgs) == 0 && m.Role != models.RoleUser {
			continue
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == string(m.Role) {
			msgs[n-1].Content += "\n\n" + m.Content
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return anthropicRequest{
		Model:       req.Model.ID,
		System:      strings.Join(system, "\n\n"),
		Messages:    msgs,
		Temperature: clampTemperature(req.Temperature, anthropicMaxTemperature),
		MaxTokens:   clampMaxTokens(req.MaxTokens, req.Model, anthropicDefaultMaxTokens),
		Stream:      stream,
	}
}

// Generate sends a non-streaming message request.
func (p *Anthropic) Generate(ctx context.Context, req Request) (*models.LLMResponse, error) {
	resp, err := doRequest(ctx, p.client, p.name, p.endpoint(), p.headers(), p.buildRequest(req, false), false)
	if err != nil {
		return nil, err
	}
	var wire anthropicResponse
	if err := decode(p.name, resp, &wire); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range wire.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	out := &models.LLMResponse{
		Content:      text.String(),
		Model:        wire.Model,
		Provider:     p.name,
		FinishReason: anthropicStopReason(wire.StopReason),
	}
	if out.Model == "" {
		out.Model = req.Model.ID
	}
	if wire.Usage != nil {
		out.PromptTokens = wire.Usage.InputTokens
		out.CompletionTokens = wire.Usage.OutputTokens
	} else {
		out.PromptTokens = tokens.Messages(req.Context.All())
		out.CompletionTokens = tokens.Estimate(out.Content)
	}
	out.TokensUsed = out.PromptTokens + out.CompletionTokens
	return out, nil
}

// Stream sends a streaming message request.
func (p *Anthropic) Stream(ctx context.Context, req Request) (*Stream, error) {
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

			var evt anthropicStreamEvent
			if err := json.Unmarshal([]byte(scanner.Event().Data), &evt); err != nil {
				return "", &ProviderError{Provider: p.name, Kind: KindUnavailable,
					Message: "malformed stream event", Err: err}
			}

			switch evt.Type {
			case "message_start":
				if evt.Message != nil {
					s.setModel(evt.Message.Model)
					if evt.Message.Usage != nil && evt.Message.Usage.InputTokens > 0 {
						s.setPromptTokens(evt.Message.Usage.InputTokens)
					}
				}
			case "content_block_delta":
				if evt.Delta != nil && evt.Delta.Type == "text_delta" && evt.Delta.Text != "" {
					return evt.Delta.Text, nil
				}
			case "message_delta":
				if evt.Delta != nil && evt.Delta.StopReason != "" {
					s.setFinishReason(anthropicStopReason(evt.Delta.StopReason))
				}
				if evt.Usage != nil {
					s.setCompletionTokens(evt.Usage.OutputTokens)
				}
			case "message_stop":
				return "", io.EOF
			case "error":
				if evt.Error != nil {
					return "", streamError(p.name, evt.Error.Type, evt.Error.Message)
				}
				return "", &ProviderError{Provider: p.name, Kind: KindUnavailable, Message: "stream error"}
			}
		}
	}
	return s, nil
}

func anthropicStopReason(reason string) string {
	switch reason {
	case "", "end_turn", "stop_sequence":
		return models.FinishStop
	case "max_tokens":
		return models.FinishLength
	case "tool_use":
		return models.FinishToolUse
	case "refusal":
		return models.FinishContentFilter
	}
	return reason
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	} `json:"content"`
	StopReason string          `json:"stop_reason"`
	Usage      *anthropicUsage `json:"usage,omitempty"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Model string          `json:"model"`
		Usage *anthropicUsage `json:"usage,omitempty"`
	} `json:"message,omitempty"`
	Delta *struct {
		Type       string `json:"type"`
		Text       string `json:"text"`
		StopReason string `json:"stop_reason"`
	} `json:"delta,omitempty"`
	Usage *anthropicUsage `json:"usage,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

var _ Adapter = (*Anthropic)(nil)
