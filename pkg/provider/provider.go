// Package provider adapts the uniform conversation context to upstream
// LLM APIs and normalizes their replies into models.LLMResponse.
//
// Each adapter is a thin HTTP client. Streaming replies are exposed as a
// pull iterator: call Stream.Next until it returns io.EOF, then read the
// accumulated Stream.Response.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/pario-ai/parley/pkg/config"
	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/tokens"
)

// Adapter is implemented by every provider backend.
type Adapter interface {
	// Name is the configured provider name.
	Name() string

	// Generate sends the request and waits for the full reply.
	Generate(ctx context.Context, req Request) (*models.LLMResponse, error)

	// Stream sends the request and returns an iterator over content
	// deltas. The caller must Close the stream.
	Stream(ctx context.Context, req Request) (*Stream, error)
}

// Request is one provider call.
type Request struct {
	Context     models.ConversationContext
	Model       models.ProviderModel
	Temperature *float64
	MaxTokens   int
}

// New builds the adapter for a provider entry. A nil client uses
// http.DefaultClient.
func New(cfg config.ProviderConfig, client *http.Client) (Adapter, error) {
	if client == nil {
		client = http.DefaultClient
	}
	switch cfg.Type {
	case "", config.ProviderOpenAI:
		return NewOpenAI(cfg.Name, cfg.URL, cfg.APIKey, client), nil
	case config.ProviderAnthropic:
		return NewAnthropic(cfg.Name, cfg.URL, cfg.APIKey, cfg.Version, client), nil
	default:
		return nil, fmt.Errorf("provider %s: unknown type %q", cfg.Name, cfg.Type)
	}
}

// clampTemperature bounds t to [0, maxTemp]. nil stays nil so the
// provider default applies.
func clampTemperature(t *float64, maxTemp float64) *float64 {
	if t == nil {
		return nil
	}
	v := min(max(*t, 0), maxTemp)
	return &v
}

// clampMaxTokens bounds n to the model's output limit. Zero or negative
// n resolves to fallback.
func clampMaxTokens(n int, model models.ProviderModel, fallback int) int {
	if n <= 0 {
		n = fallback
	}
	if model.MaxOutputTokens > 0 && n > model.MaxOutputTokens {
		n = model.MaxOutputTokens
	}
	return n
}

// doRequest POSTs body as JSON and returns the response. Non-200
// replies are converted to *ProviderError and the body is closed.
func doRequest(ctx context.Context, client *http.Client, provider, endpoint string, headers map[string]string, body any, streaming bool) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", provider, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, transportError(provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, readError(provider, resp)
	}
	return resp, nil
}

// decode reads a JSON body into v and closes it.
func decode(provider string, resp *http.Response, v any) error {
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &ProviderError{Provider: provider, Kind: KindUnavailable, StatusCode: resp.StatusCode,
			Message: "malformed response", Err: err}
	}
	return nil
}

// Stream iterates over a streamed reply while accumulating the full
// response. It is not safe for concurrent use, except Response.
type Stream struct {
	next   func() (string, error)
	closer io.Closer

	mu           sync.Mutex
	content      strings.Builder
	counter      tokens.Counter
	resp         models.LLMResponse
	promptTokens int
	promptUsage  bool
	outputUsage  bool
	done         bool
}

func newStream(provider string, req Request, closer io.Closer) *Stream {
	return &Stream{
		closer: closer,
		resp: models.LLMResponse{
			Model:    req.Model.ID,
			Provider: provider,
		},
		promptTokens: tokens.Estimate(req.Context.SystemPreamble) + tokens.Messages(req.Context.Messages),
	}
}

// Next returns the next content delta. It returns io.EOF once the reply
// is complete.
func (s *Stream) Next() (string, error) {
	if s.done {
		return "", io.EOF
	}
	delta, err := s.next()
	if err != nil {
		if err == io.EOF {
			s.done = true
		}
		return "", err
	}
	s.mu.Lock()
	s.content.WriteString(delta)
	s.counter.Add(delta)
	s.mu.Unlock()
	return delta, nil
}

// Response returns the reply accumulated so far. Usage reported by the
// provider at the end of the stream takes precedence over the estimate.
func (s *Stream) Response() *models.LLMResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.resp
	r.Content = s.content.String()
	if !s.promptUsage {
		r.PromptTokens = s.promptTokens
	}
	if !s.outputUsage {
		r.CompletionTokens = s.counter.Tokens()
	}
	r.TokensUsed = r.PromptTokens + r.CompletionTokens
	if r.FinishReason == "" {
		r.FinishReason = models.FinishStop
	}
	return &r
}

// Close releases the underlying connection.
func (s *Stream) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *Stream) setModel(model string) {
	if model == "" {
		return
	}
	s.mu.Lock()
	s.resp.Model = model
	s.mu.Unlock()
}

func (s *Stream) setFinishReason(reason string) {
	s.mu.Lock()
	s.resp.FinishReason = reason
	s.mu.Unlock()
}

func (s *Stream) setPromptTokens(n int) {
	s.mu.Lock()
	s.resp.PromptTokens = n
	s.promptUsage = true
	s.mu.Unlock()
}

func (s *Stream) setCompletionTokens(n int) {
	s.mu.Lock()
	s.resp.CompletionTokens = n
	s.outputUsage = true
	s.mu.Unlock()
}

// Collect drains s and returns the full response. It is used when a
// caller asked for a complete reply from a streaming-only path.
func Collect(s *Stream) (*models.LLMResponse, error) {
	defer s.Close()
	for {
		if _, err := s.Next(); err != nil {
			if err == io.EOF {
				return s.Response(), nil
			}
			return nil, err
		}
	}
}
