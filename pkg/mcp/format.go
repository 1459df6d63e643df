package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/parley/pkg/models"
)

const timeLayout = "2006-01-02 15:04:05"

// shorten keeps long identifiers readable in fixed-width columns.
func shorten(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-11] + "..." + s[len(s)-8:]
}

// formatSummary formats usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-25s %8s %8s %10s %10s %10s\n",
		"User", "Model", "Requests", "Cached", "Prompt", "Completion", "Total")
	b.WriteString(strings.Repeat("-", 96) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-20s %-25s %8d %8d %10d %10d %10d\n",
			shorten(r.UserID, 20), r.Model, r.RequestCount, r.CachedCount,
			r.TotalPrompt, r.TotalCompletion, r.TotalTokens)
	}
	return b.String()
}

// formatSessions formats sessions as a text table.
func formatSessions(sessions []models.Session) string {
	if len(sessions) == 0 {
		return "No sessions found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-38s %-20s %-20s %-20s %8s %10s\n",
		"Session ID", "User", "Started", "Last Activity", "Requests", "Tokens")
	b.WriteString(strings.Repeat("-", 120) + "\n")
	for _, s := range sessions {
		fmt.Fprintf(&b, "%-38s %-20s %-20s %-20s %8d %10d\n",
			shorten(s.ID, 38), shorten(s.UserID, 20),
			s.StartedAt.Format(timeLayout),
			s.LastActivity.Format(timeLayout),
			s.RequestCount, s.TotalTokens)
	}
	return b.String()
}

func formatSessionRequests(reqs []models.SessionRequest) string {
	if len(reqs) == 0 {
		return "No requests found for this session."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%4s  %-20s %-20s %10s %10s %10s %10s %6s\n",
		"Seq", "Time", "Model", "Prompt", "Completion", "Total", "Ctx Growth", "Cached")
	b.WriteString(strings.Repeat("-", 100) + "\n")
	for _, r := range reqs {
		cached := ""
		if r.Cached {
			cached = "yes"
		}
		fmt.Fprintf(&b, "%4d  %-20s %-20s %10d %10d %10d %+10d %6s\n",
			r.Seq, r.CreatedAt.Format(timeLayout), shorten(r.Model, 20),
			r.PromptTokens, r.CompletionTokens, r.TotalTokens, r.ContextGrowth, cached)
	}
	return b.String()
}

// formatBudgetStatus formats the budget statuses of one user as a text table.
func formatBudgetStatus(user string, statuses []models.BudgetStatus) string {
	if len(statuses) == 0 {
		return fmt.Sprintf("No budget policies apply to %s.", user)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Budget for %s\n", user)
	fmt.Fprintf(&b, "%-10s %-20s %-8s %12s %12s %12s %6s  %s\n",
		"Tier", "Model", "Period", "Max Tokens", "Used", "Remaining", "Usage%", "Resets")
	b.WriteString(strings.Repeat("-", 110) + "\n")
	for _, s := range statuses {
		pct := float64(0)
		if s.Policy.MaxTokens > 0 {
			pct = float64(s.Used) / float64(s.Policy.MaxTokens) * 100
		}
		tier, model := s.Policy.Tier, s.Policy.Model
		if tier == "" {
			tier = "*"
		}
		if model == "" {
			model = "*"
		}
		fmt.Fprintf(&b, "%-10s %-20s %-8s %12d %12d %12d %5.1f%%  %s\n",
			tier, shorten(model, 20), s.Policy.Period, s.Policy.MaxTokens,
			s.Used, s.Remaining, pct, s.ResetAt.Format(timeLayout))
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:   %d\n"+
		"  Hits:      %d\n"+
		"  Misses:    %d\n"+
		"  Produced:  %d\n"+
		"  Contended: %d\n"+
		"  Hit Rate:  %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, stats.Produced, stats.Contended, hitRate)
}

func formatModels(list []models.ProviderModel) string {
	if len(list) == 0 {
		return "No models available."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-30s %-12s %10s %10s %12s\n",
		"Model", "Provider", "Context", "Max Out", "$/1K tokens")
	b.WriteString(strings.Repeat("-", 78) + "\n")
	for _, m := range list {
		fmt.Fprintf(&b, "%-30s %-12s %10d %10d %12.4f\n",
			m.ID, m.Provider, m.ContextWindow, m.MaxOutputTokens, m.CostPerKTokens)
	}
	return b.String()
}

func formatCostReport(reports []models.CostReport) string {
	if len(reports) == 0 {
		return "No usage in this period."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-10s %-20s %-25s %8s %12s %12s\n",
		"Tier", "User", "Model", "Requests", "Tokens", "Cost ($)")
	b.WriteString(strings.Repeat("-", 92) + "\n")
	var total float64
	for _, r := range reports {
		fmt.Fprintf(&b, "%-10s %-20s %-25s %8d %12d %12.4f\n",
			r.Tier, shorten(r.UserID, 20), r.Model, r.RequestCount, r.TotalTokens, r.EstimatedCost)
		total += r.EstimatedCost
	}
	fmt.Fprintf(&b, "%-77s %12.4f\n", "Total", total)
	return b.String()
}

func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-20s %-24s %-20s %-25s %-22s %8s %8s\n",
		"Time", "Request ID", "User", "Model", "Outcome", "Tokens", "Latency")
	b.WriteString(strings.Repeat("-", 133) + "\n")
	for _, e := range entries {
		outcome := e.Outcome
		if e.Cached {
			outcome += " (cached)"
		}
		fmt.Fprintf(&b, "%-20s %-24s %-20s %-25s %-22s %8d %6dms\n",
			e.CreatedAt.Format(timeLayout), shorten(e.RequestID, 24), shorten(e.UserID, 20),
			e.Model, outcome, e.TotalTokens, e.LatencyMs)
	}
	return b.String()
}
