package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/pario-ai/parley/pkg/models"
)

type canonicalMessage struct {
	Role    models.Role `json:"r"`
	Content string      `json:"c"`
}

type canonicalRequest struct {
	Messages    []canonicalMessage `json:"m"`
	Model       string             `json:"model"`
	Temperature string             `json:"t"`
	MaxTokens   int                `json:"max"`
}

// Fingerprint returns a stable hash of a request. Only role and content
// of each message take part, with runs of whitespace collapsed and the
// ends trimmed, so incidental formatting does not change the key. A nil
// temperature means the provider default.
func Fingerprint(messages []models.Message, model string, temperature *float64, maxTokens int) string {
	req := canonicalRequest{
		Messages:    make([]canonicalMessage, len(messages)),
		Model:       model,
		Temperature: "default",
		MaxTokens:   maxTokens,
	}
	for i, m := range messages {
		req.Messages[i] = canonicalMessage{Role: m.Role, Content: normalizeSpace(m.Content)}
	}
	if temperature != nil {
		req.Temperature = strconv.FormatFloat(*temperature, 'f', -1, 64)
	}

	// Marshalling a struct of strings and ints cannot fail.
	data, _ := json.Marshal(req)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func normalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
