package buffer

import (
	"log/slog"

	"apo/cli/internal/message"
	"apo/cli/internal/tokens"
)

// Truncate cuts m's content so that TokensPerMessage plus the tokens of
// m.Text() fit maxMessageTokens. A text message keeps the decoded token
// prefix in Content. A function-call message (empty Content) keeps its call
// and has the arguments shortened until name(arguments) fits; when even the
// bare call is too long, the call is dropped and Content holds the decoded
// prefix of its text. The second return value reports whether m changed.
// When the framing overhead alone exceeds the ceiling the content becomes
// empty; the message itself is kept.
func Truncate(tok tokens.Tokenizer, m message.Message, maxMessageTokens int) (message.Message, bool) {
	ids := tok.Encode(m.Text())
	running := tokens.TokensPerMessage + len(ids)
	if running <= maxMessageTokens {
		return m, false
	}
	isCall := m.Content == "" && m.FunctionCall != nil
	if isCall {
		if fc, ok := truncateCall(tok, *m.FunctionCall, maxMessageTokens); ok {
			m.FunctionCall = &fc
			return m, true
		}
		m.FunctionCall = nil
	}
	content := tok.Decode(ids[:prefixLen(len(ids), running-maxMessageTokens)])
	if !isCall && content == m.Content {
		return m, false
	}
	m.Content = content
	return m, true
}

// truncateCall shortens fc.Arguments so that the framed call fits
// maxMessageTokens. It reports false when the call with empty arguments
// still does not fit.
func truncateCall(tok tokens.Tokenizer, fc message.FunctionCall, maxMessageTokens int) (message.FunctionCall, bool) {
	fits := func(c message.FunctionCall) bool {
		return tokens.TokensPerMessage+len(tok.Encode(c.String())) <= maxMessageTokens
	}
	budget := maxMessageTokens - tokens.TokensPerMessage - len(tok.Encode(fc.Name+"()"))
	if budget < 0 {
		return fc, false
	}
	args := tok.Encode(fc.Arguments)
	keep := min(budget, len(args))
	// Token boundaries can shift once name and arguments are joined.
	for ; keep >= 0; keep-- {
		fc.Arguments = tok.Decode(args[:keep])
		if fits(fc) {
			return fc, true
		}
	}
	return fc, false
}

func prefixLen(n, excess int) int {
	if excess >= n {
		return 0
	}
	return n - excess
}

// truncateAll applies Truncate in place to msgs (a private copy) and returns
// how many messages were cut.
func truncateAll(counter *tokens.Counter, msgs []message.Message, maxMessageTokens int, logger *slog.Logger) int {
	tok := counter.Tokenizer()
	n := 0
	for i := range msgs {
		before := msgs[i]
		after, cut := Truncate(tok, before, maxMessageTokens)
		if !cut {
			continue
		}
		msgs[i] = after
		n++
		logger.Warn("message truncated",
			"index", i,
			"role", before.Role,
			"tokens_before", counter.Count(before.Text()),
			"tokens_after", counter.Count(after.Text()),
			"max_message_tokens", maxMessageTokens,
		)
	}
	return n
}
