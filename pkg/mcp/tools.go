package mcp

import (
	"context"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/pario-ai/parley/pkg/models"
)

func (s *Server) registerTools() {
	userFilter := mcp.WithString("user", mcp.Description("Filter by user ID (optional, omit for all users)"))

	s.mcp.AddTools(
		server.ServerTool{
			Tool: mcp.NewTool("parley_stats",
				mcp.WithDescription("Show aggregated token usage per user and model, including cache hits."),
				userFilter,
			),
			Handler: s.handleStats,
		},
		server.ServerTool{
			Tool: mcp.NewTool("parley_sessions",
				mcp.WithDescription("List conversation sessions with request and token counts."),
				userFilter,
			),
			Handler: s.handleSessions,
		},
		server.ServerTool{
			Tool: mcp.NewTool("parley_session_detail",
				mcp.WithDescription("Show per-turn detail for one session, including context growth."),
				mcp.WithString("user", mcp.Required(), mcp.Description("User that owns the session")),
				mcp.WithString("session_id", mcp.Required(), mcp.Description("The session ID to inspect")),
			),
			Handler: s.handleSessionDetail,
		},
		server.ServerTool{
			Tool: mcp.NewTool("parley_budget",
				mcp.WithDescription("Show token budget usage against every policy that applies to a user."),
				mcp.WithString("user", mcp.Required(), mcp.Description("User ID")),
				mcp.WithString("tier", mcp.Description("Caller tier (optional)")),
			),
			Handler: s.handleBudget,
		},
		server.ServerTool{
			Tool: mcp.NewTool("parley_cache_stats",
				mcp.WithDescription("Show response cache statistics (entries, hits, misses, hit rate)."),
			),
			Handler: s.handleCacheStats,
		},
		server.ServerTool{
			Tool: mcp.NewTool("parley_models",
				mcp.WithDescription("List models whose provider has credentials configured."),
			),
			Handler: s.handleModels,
		},
		server.ServerTool{
			Tool: mcp.NewTool("parley_cost_report",
				mcp.WithDescription("Show estimated cost grouped by tier, user and model."),
				mcp.WithString("tier", mcp.Description("Filter by tier (optional)")),
				userFilter,
				mcp.WithString("since", mcp.Description("Start date in YYYY-MM-DD format (optional, defaults to start of month)")),
			),
			Handler: s.handleCostReport,
		},
		server.ServerTool{
			Tool: mcp.NewTool("parley_audit_search",
				mcp.WithDescription("Search the turn audit log with optional filters."),
				mcp.WithString("model", mcp.Description("Filter by model (optional)")),
				mcp.WithString("since", mcp.Description("Start date in YYYY-MM-DD format (optional)")),
				userFilter,
				mcp.WithString("session_id", mcp.Description("Filter by session ID (optional)")),
			),
			Handler: s.handleAuditSearch,
		},
	)
}

func (s *Server) handleStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rows, err := s.tracker.Summary(ctx, req.GetString("user", ""))
	if err != nil {
		return mcp.NewToolResultError("Error fetching stats: " + err.Error()), nil
	}
	return mcp.NewToolResultText(formatSummary(rows)), nil
}

func (s *Server) handleSessions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessions, err := s.tracker.ListSessions(ctx, req.GetString("user", ""))
	if err != nil {
		return mcp.NewToolResultError("Error fetching sessions: " + err.Error()), nil
	}
	return mcp.NewToolResultText(formatSessions(sessions)), nil
}

func (s *Server) handleSessionDetail(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user := req.GetString("user", "")
	sessionID := req.GetString("session_id", "")
	if user == "" || sessionID == "" {
		return mcp.NewToolResultError("user and session_id are required"), nil
	}
	reqs, err := s.tracker.SessionRequests(ctx, user, sessionID)
	if err != nil {
		return mcp.NewToolResultError("Error fetching session detail: " + err.Error()), nil
	}
	return mcp.NewToolResultText(formatSessionRequests(reqs)), nil
}

func (s *Server) handleBudget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.enforcer == nil {
		return mcp.NewToolResultText("Budget enforcement is not configured."), nil
	}
	user := req.GetString("user", "")
	if user == "" {
		return mcp.NewToolResultError("user is required"), nil
	}
	statuses, err := s.enforcer.Status(ctx, user, req.GetString("tier", ""))
	if err != nil {
		return mcp.NewToolResultError("Error fetching budget status: " + err.Error()), nil
	}
	return mcp.NewToolResultText(formatBudgetStatus(user, statuses)), nil
}

func (s *Server) handleCacheStats(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.cache == nil {
		return mcp.NewToolResultText("Cache is not configured."), nil
	}
	stats, err := s.cache.Stats(ctx)
	if err != nil {
		return mcp.NewToolResultError("Error fetching cache stats: " + err.Error()), nil
	}
	return mcp.NewToolResultText(formatCacheStats(stats)), nil
}

func (s *Server) handleModels(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.models == nil {
		return mcp.NewToolResultText("No model registry configured."), nil
	}
	return mcp.NewToolResultText(formatModels(s.models.Available())), nil
}

func (s *Server) handleCostReport(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	since := beginningOfMonth()
	if v := req.GetString("since", ""); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return mcp.NewToolResultError("Invalid since date (use YYYY-MM-DD): " + err.Error()), nil
		}
		since = t
	}

	reports, err := s.tracker.CostReport(ctx, since, req.GetString("tier", ""), req.GetString("user", ""))
	if err != nil {
		return mcp.NewToolResultError("Error fetching cost report: " + err.Error()), nil
	}
	return mcp.NewToolResultText(formatCostReport(reports)), nil
}

func beginningOfMonth() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func (s *Server) handleAuditSearch(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.auditor == nil {
		return mcp.NewToolResultText("Audit logging is not configured."), nil
	}

	opts := models.AuditQueryOpts{
		Model:     req.GetString("model", ""),
		UserID:    req.GetString("user", ""),
		SessionID: req.GetString("session_id", ""),
		Limit:     50,
	}
	if v := req.GetString("since", ""); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			return mcp.NewToolResultError("Invalid since date (use YYYY-MM-DD): " + err.Error()), nil
		}
		opts.Since = t
	}

	entries, err := s.auditor.Query(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError("Error searching audit log: " + err.Error()), nil
	}
	return mcp.NewToolResultText(formatAuditEntries(entries)), nil
}
