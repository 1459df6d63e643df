// Package server exposes the gateway over HTTP. Identity is taken from
// headers set by the authenticating layer in front of it.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/lithammer/shortuuid/v4"

	"github.com/pario-ai/parley/pkg/gateway"
	"github.com/pario-ai/parley/pkg/models"
)

// Identity headers.
const (
	HeaderUser      = "X-Parley-User"
	HeaderTier      = "X-Parley-Tier"
	HeaderRequestID = "X-Request-ID"
	HeaderCache     = "X-Parley-Cache"
)

const maxBodyBytes = 1 << 20

// Pinger reports whether the shared store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server is the Parley HTTP front end.
type Server struct {
	listen string
	gw     *gateway.Gateway
	store  Pinger
	logger *slog.Logger
	mux    *http.ServeMux
}

// New creates a Server. store may be nil, in which case /healthz only
// reports that the process is up.
func New(listen string, gw *gateway.Gateway, store Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{
		listen: listen,
		gw:     gw,
		store:  store,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.mux.HandleFunc("POST /v1/turns", s.handleTurn)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("DELETE /v1/sessions/{session}/history", s.handleClearHistory)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe starts the server with graceful shutdown support.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("parley listening", "addr", s.listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutCtx)
		s.gw.Wait()
		return err
	case err := <-errCh:
		return err
	}
}

// turnRequest is the POST /v1/turns body.
type turnRequest struct {
	SessionID   string   `json:"session_id"`
	Model       string   `json:"model"`
	Text        string   `json:"text"`
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Stream      bool     `json:"stream,omitempty"`
}

type turnResponse struct {
	RequestID string              `json:"request_id"`
	Response  *models.LLMResponse `json:"response"`
	Dropped   int                 `json:"dropped_messages"`
}

func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	user := r.Header.Get(HeaderUser)
	if user == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "missing "+HeaderUser+" header")
		return
	}
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" {
		requestID = shortuuid.New()
	}
	w.Header().Set(HeaderRequestID, requestID)

	var body turnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, string(gateway.KindInvalidRequest), "invalid request body")
		return
	}

	req := gateway.TurnRequest{
		RequestID:   requestID,
		UserID:      user,
		SessionID:   body.SessionID,
		Tier:        r.Header.Get(HeaderTier),
		Model:       body.Model,
		Text:        body.Text,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
	}

	if body.Stream {
		s.streamTurn(w, r, req)
		return
	}

	res, err := s.gw.Turn(r.Context(), req)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	setRateLimitHeaders(w, res.RateLimit)
	w.Header().Set(HeaderCache, cacheHeader(res.Response))
	writeJSON(w, http.StatusOK, turnResponse{RequestID: res.RequestID, Response: res.Response, Dropped: res.Dropped})
}

func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, req gateway.TurnRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, string(gateway.KindInternalDegraded), "streaming unsupported")
		return
	}

	ts, err := s.gw.StreamTurn(r.Context(), req)
	if err != nil {
		s.writeGatewayError(w, r, err)
		return
	}

	setRateLimitHeaders(w, ts.RateLimit)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for c := range ts.C {
		switch {
		case c.Err != nil:
			writeEvent(w, "error", errorBody(c.Err))
		case c.Response != nil:
			writeEvent(w, "done", c.Response)
		default:
			writeEvent(w, "chunk", map[string]string{"delta": c.Delta})
		}
		flusher.Flush()
	}
}

func (s *Server) handleModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.gw.AvailableModels()})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	user := r.Header.Get(HeaderUser)
	if user == "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "missing "+HeaderUser+" header")
		return
	}
	if err := s.gw.ClearHistory(r.Context(), user, r.PathValue("session")); err != nil {
		s.writeGatewayError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store != nil {
		if err := s.store.Ping(r.Context()); err != nil {
			s.logger.Warn("health check: store unreachable", "err", err)
			writeJSON(w, http.StatusOK, map[string]string{"status": "degraded", "store": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	if r.Context().Err() != nil {
		// Client went away; nobody is listening.
		return
	}
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		s.logger.Error("unexpected gateway error", "err", err)
		writeJSONError(w, http.StatusInternalServerError, string(gateway.KindInternalDegraded), "internal error")
		return
	}
	if gerr.RateLimit != nil {
		setRateLimitHeaders(w, *gerr.RateLimit)
		if wait := gerr.RetryAfter(); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait/time.Second)))
		}
	}
	writeJSON(w, statusFor(gerr.Kind), errorBody(gerr))
}

// statusFor maps a gateway error kind to an HTTP status.
func statusFor(kind gateway.Kind) int {
	switch kind {
	case gateway.KindRateLimited:
		return http.StatusTooManyRequests
	case gateway.KindInvalidRequest:
		return http.StatusBadRequest
	case gateway.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case gateway.KindProviderError:
		return http.StatusBadGateway
	case gateway.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

type errorDetail struct {
	Message    string `json:"message"`
	Type       string `json:"type"`
	Code       int    `json:"code"`
	Temporary  bool   `json:"temporary"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type errorEnvelope struct {
	Error     errorDetail             `json:"error"`
	RateLimit *models.RateLimitResult `json:"rate_limit,omitempty"`
}

func errorBody(err error) errorEnvelope {
	var gerr *gateway.Error
	if !errors.As(err, &gerr) {
		return errorEnvelope{Error: errorDetail{
			Message: err.Error(),
			Type:    string(gateway.KindInternalDegraded),
			Code:    http.StatusInternalServerError,
		}}
	}
	return errorEnvelope{
		Error: errorDetail{
			Message:    gerr.Error(),
			Type:       string(gerr.Kind),
			Code:       statusFor(gerr.Kind),
			Temporary:  gerr.Temporary(),
			RetryAfter: int(gerr.RetryAfter() / time.Second),
		},
		RateLimit: gerr.RateLimit,
	}
}

func setRateLimitHeaders(w http.ResponseWriter, rl models.RateLimitResult) {
	if rl.Limit <= 0 {
		return
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
}

func cacheHeader(resp *models.LLMResponse) string {
	if resp.Cached {
		return "hit"
	}
	return "miss"
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data = []byte(`{}`)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, code int, typ, message string) {
	writeJSON(w, code, errorEnvelope{Error: errorDetail{Message: message, Type: typ, Code: code}})
}
