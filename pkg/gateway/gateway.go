// Package gateway runs conversation turns through admission, context
// construction, the response cache and a provider adapter, and records
// successful exchanges in history.
package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/pario-ai/parley/pkg/audit"
	"github.com/pario-ai/parley/pkg/budget"
	"github.com/pario-ai/parley/pkg/cache"
	"github.com/pario-ai/parley/pkg/config"
	"github.com/pario-ai/parley/pkg/history"
	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/prompt"
	"github.com/pario-ai/parley/pkg/provider"
	"github.com/pario-ai/parley/pkg/ratelimit"
	"github.com/pario-ai/parley/pkg/router"
	"github.com/pario-ai/parley/pkg/tokens"
	"github.com/pario-ai/parley/pkg/tracker"
)

// Deps are the collaborators of a Gateway. Router and History are
// required; a nil Limiter, Cache, Budget, Tracker or Audit disables
// that stage.
type Deps struct {
	Router  *router.Router
	History *history.History
	Limiter *ratelimit.Limiter
	Cache   *cache.Cache
	Budget  *budget.Enforcer
	Tracker tracker.Tracker
	Audit   *audit.Logger
}

// Options tune prompt construction and caching.
type Options struct {
	SystemPreamble   string
	MaxContextTokens int
	DefaultMaxTokens int
	RecentLimit      int
	CacheTTL         time.Duration
}

// OptionsFromConfig extracts gateway options from the loaded config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		SystemPreamble:   cfg.Context.SystemPreamble,
		MaxContextTokens: cfg.Context.MaxContextTokens,
		DefaultMaxTokens: cfg.Context.DefaultMaxTokens,
		RecentLimit:      cfg.History.RecentLimit,
		CacheTTL:         cfg.Cache.TTL,
	}
}

// TurnRequest is one user turn. UserID and Tier come from an already
// authenticated caller.
type TurnRequest struct {
	RequestID   string
	UserID      string
	SessionID   string
	Tier        string
	Model       string
	Text        string
	Temperature *float64
	MaxTokens   int
}

// Result is a completed turn.
type Result struct {
	RequestID string
	Response  *models.LLMResponse
	RateLimit models.RateLimitResult
	// Dropped is the number of history messages left out of the prompt.
	Dropped int
}

// TurnStream delivers a streamed turn. C is closed after the terminal
// chunk, or early if the caller's context is cancelled.
type TurnStream struct {
	RequestID string
	C         <-chan models.Chunk
	RateLimit models.RateLimitResult
}

// Gateway orchestrates conversation turns.
type Gateway struct {
	router  *router.Router
	history *history.History
	limiter *ratelimit.Limiter
	cache   *cache.Cache
	budget  *budget.Enforcer
	tracker tracker.Tracker
	auditor *audit.Logger
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
	pending sync.WaitGroup
}

// New creates a Gateway.
func New(deps Deps, opts Options, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 50
	}
	if opts.DefaultMaxTokens <= 0 {
		opts.DefaultMaxTokens = 1024
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	return &Gateway{
		router:  deps.Router,
		history: deps.History,
		limiter: deps.Limiter,
		cache:   deps.Cache,
		budget:  deps.Budget,
		tracker: deps.Tracker,
		auditor: deps.Audit,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// SetClock replaces the time source used for budget reset hints.
func (g *Gateway) SetClock(now func() time.Time) { g.now = now }

// AvailableModels lists catalog models whose provider has credentials.
func (g *Gateway) AvailableModels() []models.ProviderModel {
	return g.router.Available()
}

// ClearHistory deletes a session's history.
func (g *Gateway) ClearHistory(ctx context.Context, userID, sessionID string) error {
	if userID == "" || sessionID == "" {
		return invalid("user and session are required")
	}
	if err := g.history.Clear(ctx, userID, sessionID); err != nil {
		return &Error{Kind: KindInternalDegraded, Err: err}
	}
	return nil
}

// Wait blocks until background audit writes have finished.
func (g *Gateway) Wait() { g.pending.Wait() }

// turn carries the per-turn state built before the provider call.
type turn struct {
	req         TurnRequest
	target      router.Target
	context     models.ConversationContext
	maxTokens   int
	fingerprint string
	rate        models.RateLimitResult
	start       time.Time
}

func (t *turn) providerRequest() provider.Request {
	return provider.Request{
		Context:     t.context,
		Model:       t.target.Model,
		Temperature: t.req.Temperature,
		MaxTokens:   t.maxTokens,
	}
}

// Turn runs one non-streaming turn. If ctx is cancelled while the
// provider call is running, Turn returns ctx.Err() and the call
// finishes in the background so the cache and history are still
// populated.
func (g *Gateway) Turn(ctx context.Context, req TurnRequest) (*Result, error) {
	t, err := g.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	type outcome struct {
		resp *models.LLMResponse
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.target.Timeout)
		defer cancel()
		produce := func(ctx context.Context) (*models.LLMResponse, error) {
			return t.target.Adapter.Generate(ctx, t.providerRequest())
		}
		resp, err := g.execute(callCtx, t, produce)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return nil, o.err
		}
		return &Result{
			RequestID: t.req.RequestID,
			Response:  o.resp,
			RateLimit: t.rate,
			Dropped:   t.context.Dropped,
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// StreamTurn starts a streaming turn. Admission and validation errors
// are returned directly; provider errors arrive as the terminal chunk.
// When the caller goes away the provider call continues detached so the
// cache and history are still populated.
func (g *Gateway) StreamTurn(ctx context.Context, req TurnRequest) (*TurnStream, error) {
	t, err := g.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make(chan models.Chunk, 16)
	go g.stream(ctx, t, out)
	return &TurnStream{RequestID: t.req.RequestID, C: out, RateLimit: t.rate}, nil
}

func (g *Gateway) stream(clientCtx context.Context, t *turn, out chan<- models.Chunk) {
	defer close(out)

	send := func(c models.Chunk) bool {
		if clientCtx.Err() != nil {
			return false
		}
		select {
		case out <- c:
			return true
		case <-clientCtx.Done():
			return false
		}
	}

	callCtx, cancel := context.WithTimeout(context.WithoutCancel(clientCtx), t.target.Timeout)
	defer cancel()

	produced := false
	produce := func(ctx context.Context) (*models.LLMResponse, error) {
		produced = true
		s, err := t.target.Adapter.Stream(ctx, t.providerRequest())
		if err != nil {
			return nil, err
		}
		defer s.Close()
		for {
			delta, err := s.Next()
			if err == io.EOF {
				return s.Response(), nil
			}
			if err != nil {
				return nil, err
			}
			if delta != "" {
				send(models.Chunk{Delta: delta})
			}
		}
	}

	resp, err := g.execute(callCtx, t, produce)
	if err != nil {
		send(models.Chunk{Err: err})
		return
	}
	if !produced && resp.Content != "" {
		send(models.Chunk{Delta: resp.Content})
	}
	send(models.Chunk{Response: resp})
}

// prepare validates the request and runs the stages that precede the
// provider call, in order: admission, budget, model resolution, context
// construction and fingerprinting.
func (g *Gateway) prepare(ctx context.Context, req TurnRequest) (*turn, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	switch {
	case req.UserID == "":
		return nil, invalid("user is required")
	case req.SessionID == "":
		return nil, invalid("session is required")
	case strings.TrimSpace(req.Text) == "":
		return nil, invalid("text is required")
	case req.Model == "":
		return nil, invalid("model is required")
	case req.MaxTokens < 0:
		return nil, invalid("max_tokens must not be negative")
	case req.Temperature != nil && (*req.Temperature < 0 || math.IsNaN(*req.Temperature)):
		return nil, invalid("temperature must not be negative")
	}
	if req.RequestID == "" {
		req.RequestID = shortuuid.New()
	}
	t := &turn{req: req, start: time.Now()}

	if g.limiter != nil {
		t.rate = g.limiter.Allow(ctx, req.UserID, ratelimit.ClassTurn, req.Tier)
		if !t.rate.Allowed {
			return nil, rateLimited(t.rate, "too many requests")
		}
	} else {
		t.rate = models.RateLimitResult{Allowed: true, Remaining: -1, ResetAt: g.now()}
	}

	target, err := g.router.Resolve(req.Model)
	if err != nil {
		return nil, routeError(err)
	}
	t.target = target

	if err := g.checkBudget(ctx, t); err != nil {
		return nil, err
	}

	t.maxTokens = req.MaxTokens
	if t.maxTokens == 0 {
		t.maxTokens = g.opts.DefaultMaxTokens
	}
	if m := target.Model.MaxOutputTokens; m > 0 && t.maxTokens > m {
		t.maxTokens = m
	}

	recent := g.history.Recent(ctx, req.UserID, req.SessionID, g.opts.RecentLimit)
	t.context = prompt.Build(recent, req.Text, g.contextBudget(target.Model, t.maxTokens), g.opts.SystemPreamble)
	t.fingerprint = cache.Fingerprint(t.context.All(), target.Model.ID, req.Temperature, t.maxTokens)

	g.logger.Debug("turn prepared",
		"request", req.RequestID, "user", req.UserID, "session", req.SessionID,
		"model", target.Model.ID, "provider", target.Adapter.Name(),
		"context_tokens", t.context.EstimatedTokens, "dropped", t.context.Dropped)
	return t, nil
}

// contextBudget is the prompt budget for model when maxTokens are
// reserved for the reply.
func (g *Gateway) contextBudget(m models.ProviderModel, maxTokens int) int {
	window := m.ContextWindow
	if window <= 0 {
		window = router.DefaultContextWindow
	}
	budget := window - maxTokens
	if g.opts.MaxContextTokens > 0 && g.opts.MaxContextTokens < budget {
		budget = g.opts.MaxContextTokens
	}
	return budget
}

// checkBudget reports an exhausted token budget as a rate limit whose
// retry hint is the end of the budget period.
func (g *Gateway) checkBudget(ctx context.Context, t *turn) error {
	if g.budget == nil {
		return nil
	}
	err := g.budget.Check(ctx, t.req.UserID, t.req.Tier, t.target.Model.ID)
	if err == nil {
		return nil
	}
	var exceeded *budget.ExceededError
	if errors.As(err, &exceeded) {
		wait := int(math.Ceil(exceeded.ResetAt.Sub(g.now()).Seconds()))
		rl := t.rate
		rl.Allowed = false
		rl.Remaining = 0
		rl.ResetAt = exceeded.ResetAt
		rl.RetryAfter = &wait
		g.logger.Info("token budget exhausted",
			"user", t.req.UserID, "tier", t.req.Tier, "used", exceeded.Used, "max", exceeded.Policy.MaxTokens)
		return rateLimited(rl, "token budget exceeded")
	}
	g.logger.Warn("budget check unavailable, admitting", "err", err, "user", t.req.UserID)
	return nil
}

// execute runs produce through the response cache and records the
// outcome. Only successful exchanges reach history.
func (g *Gateway) execute(ctx context.Context, t *turn, produce cache.ProduceFunc) (*models.LLMResponse, error) {
	var (
		resp *models.LLMResponse
		err  error
	)
	if g.cache != nil {
		resp, _, err = g.cache.GetOrCompute(ctx, t.fingerprint, g.opts.CacheTTL, produce)
	} else {
		resp, err = produce(ctx)
	}
	if err != nil {
		gerr := callError(err)
		g.logger.Error("turn failed",
			"request", t.req.RequestID, "user", t.req.UserID, "session", t.req.SessionID,
			"model", t.target.Model.ID, "kind", gerr.Kind, "err", err)
		g.audit(t, nil, string(gerr.Kind))
		return nil, gerr
	}
	if resp.Provider == "" {
		resp.Provider = t.target.Adapter.Name()
	}
	g.complete(ctx, t, resp)
	return resp, nil
}

// complete appends the exchange to history, user message first, and
// records usage.
func (g *Gateway) complete(ctx context.Context, t *turn, resp *models.LLMResponse) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()

	user := models.Message{Role: models.RoleUser, Content: t.req.Text, CreatedAt: now}
	if err := g.history.Append(ctx, t.req.UserID, t.req.SessionID, user); err != nil {
		g.logger.Warn("history append failed", "err", err, "user", t.req.UserID, "session", t.req.SessionID)
	}
	reply := models.Message{
		Role:         models.RoleAssistant,
		Content:      resp.Content,
		ApproxTokens: tokens.Estimate(resp.Content),
		CreatedAt:    now.Add(time.Millisecond),
	}
	if err := g.history.Append(ctx, t.req.UserID, t.req.SessionID, reply); err != nil {
		g.logger.Warn("history append failed", "err", err, "user", t.req.UserID, "session", t.req.SessionID)
	}

	if g.tracker != nil {
		total := resp.TokensUsed
		if total == 0 {
			total = resp.PromptTokens + resp.CompletionTokens
		}
		rec := models.UsageRecord{
			UserID:           t.req.UserID,
			SessionID:        t.req.SessionID,
			Tier:             t.req.Tier,
			Model:            t.target.Model.ID,
			Provider:         resp.Provider,
			PromptTokens:     resp.PromptTokens,
			CompletionTokens: resp.CompletionTokens,
			TotalTokens:      total,
			Cached:           resp.Cached,
			CreatedAt:        now,
		}
		if !resp.Cached {
			rec.Cost = t.target.Model.Cost(total)
		}
		if err := g.tracker.Record(ctx, rec); err != nil {
			g.logger.Warn("usage record failed", "err", err, "user", t.req.UserID)
		}
	}

	g.logger.Info("turn completed",
		"request", t.req.RequestID, "user", t.req.UserID, "session", t.req.SessionID,
		"model", t.target.Model.ID, "provider", resp.Provider, "cached", resp.Cached,
		"tokens", resp.TokensUsed, "latency", time.Since(t.start))
	g.audit(t, resp, "ok")
}

func (g *Gateway) audit(t *turn, resp *models.LLMResponse, outcome string) {
	if g.auditor == nil {
		return
	}
	entry := models.AuditEntry{
		RequestID: t.req.RequestID,
		UserID:    t.req.UserID,
		SessionID: t.req.SessionID,
		Tier:      t.req.Tier,
		Model:     t.target.Model.ID,
		Provider:  t.target.Adapter.Name(),
		Prompt:    t.req.Text,
		Outcome:   outcome,
		LatencyMs: time.Since(t.start).Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if resp != nil {
		entry.Response = resp.Content
		entry.Cached = resp.Cached
		entry.PromptTokens = resp.PromptTokens
		entry.CompletionTokens = resp.CompletionTokens
		entry.TotalTokens = resp.TokensUsed
	}
	g.pending.Add(1)
	go func() {
		defer g.pending.Done()
		if err := g.auditor.Log(context.Background(), entry); err != nil {
			g.logger.Warn("audit log failed", "err", err, "request", entry.RequestID)
		}
	}()
}
