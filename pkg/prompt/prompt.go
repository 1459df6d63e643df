// Package prompt assembles the message sequence sent to a provider from
// a session's history and the new user turn, within a token budget.
package prompt

import (
	"slices"
	"time"

	"github.com/pario-ai/parley/pkg/models"
	"github.com/pario-ai/parley/pkg/tokens"
)

// Build returns the context for one turn.
//
// The preamble and the new user text are always included and counted
// first, followed by any system messages in history. Remaining history
// is taken newest first until the next message would overflow budget;
// that message and everything older are dropped whole. Messages are
// never split. If the preamble and user text alone exceed budget, the
// context holds only those two and the provider is left to reject it.
func Build(history []models.Message, newUserText string, budget int, preamble string) models.ConversationContext {
	user := models.Message{
		Role:         models.RoleUser,
		Content:      newUserText,
		ApproxTokens: tokens.Estimate(newUserText),
		CreatedAt:    time.Now().UTC(),
	}
	ctx := models.ConversationContext{
		SystemPreamble: preamble,
		TokenBudget:    budget,
	}

	used := tokens.Estimate(preamble) + user.ApproxTokens
	if used > budget {
		ctx.Messages = []models.Message{user}
		ctx.EstimatedTokens = used
		ctx.Dropped = len(history)
		return ctx
	}

	keep := make([]bool, len(history))
	for i, m := range history {
		if m.Role == models.RoleSystem {
			keep[i] = true
			used += tokens.Message(m)
		}
	}

	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m.Role == models.RoleSystem {
			continue
		}
		cost := tokens.Message(m)
		if used+cost > budget {
			break
		}
		used += cost
		keep[i] = true
	}

	msgs := make([]models.Message, 0, len(history)+1)
	for i, m := range history {
		if keep[i] {
			msgs = append(msgs, m)
		}
	}
	ctx.Dropped = len(history) - len(msgs)
	ctx.Messages = append(slices.Clip(msgs), user)
	ctx.EstimatedTokens = used
	return ctx
}
