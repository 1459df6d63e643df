// Package tokens approximates the token cost of text.
//
// The estimate is provider-agnostic: one token per four
// characters, rounded up. It is used to decide when to truncate
// history and to report usage for streamed responses, never to
// reproduce a provider's tokenizer exactly.
package tokens

import (
	"unicode/utf8"

	"github.com/pario-ai/parley/pkg/models"
)

// CharsPerToken is the approximation ratio.
const CharsPerToken = 4

// Estimate returns the approximate token count of text.
func Estimate(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + CharsPerToken - 1) / CharsPerToken
}

// Message returns the token cost of m, preferring the count recorded
// when the message was appended.
func Message(m models.Message) int {
	if m.ApproxTokens > 0 {
		return m.ApproxTokens
	}
	return Estimate(m.Content)
}

// Messages sums the token cost of msgs.
func Messages(msgs []models.Message) int {
	total := 0
	for _, m := range msgs {
		total += Message(m)
	}
	return total
}

// Counter accumulates an estimate over streamed text. Chunk boundaries
// may split characters across calls, so the count is derived from the
// running rune total rather than summed per chunk.
type Counter struct {
	runes int
}

// Add records another fragment of text.
func (c *Counter) Add(text string) {
	c.runes += utf8.RuneCountInString(text)
}

// Tokens returns the estimate for everything added so far.
func (c *Counter) Tokens() int {
	return (c.runes + CharsPerToken - 1) / CharsPerToken
}
