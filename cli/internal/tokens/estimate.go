// Package tokens counts prompt tokens for chat conversations. Counting
// delegates to a Tokenizer (tiktoken for known OpenAI models, or a byte-based
// chars/4 estimator when no encoding is available) and applies the fixed
// per-message framing overhead of the chat format.
package tokens

import (
	"fmt"
	"math"
)

// charsPerToken is the divisor for the simple byte-based estimator
// (roughly 4 bytes per token for typical English/code).
const charsPerToken = 4

// DefaultResponseReserve is the default number of tokens reserved for the
// model reply when checking total context against the model window.
const DefaultResponseReserve = 1024

// Estimate returns an estimated token count for text: (len(text)+3)/4 bytes,
// so 1–4 bytes map to 1 token, 5–8 to 2, etc. Empty string returns 0.
// It equals len(ByteTokenizer{}.Encode(text)).
func Estimate(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	return (n + charsPerToken - 1) / charsPerToken
}

// WarnIfOver returns a non-empty warning when promptTokens + responseReserve
// meet or exceed warnThreshold of contextLimit. If contextLimit <= 0, returns "".
func WarnIfOver(promptTokens, responseReserve, contextLimit int, warnThreshold float64) string {
	if contextLimit <= 0 {
		return ""
	}
	if promptTokens < 0 || responseReserve < 0 {
		return ""
	}
	if responseReserve > math.MaxInt-promptTokens {
		return fmt.Sprintf("token count overflow (prompt %d + reserve %d)", promptTokens, responseReserve)
	}
	total := promptTokens + responseReserve
	limit := float64(contextLimit) * warnThreshold
	threshold := int(limit)
	if limit > float64(threshold) {
		threshold++
	}
	if total < threshold {
		return ""
	}
	return fmt.Sprintf("conversation tokens %d (prompt %d + reserve %d) exceed %.0f%% of model context %d",
		total, promptTokens, responseReserve, warnThreshold*100, contextLimit)
}
