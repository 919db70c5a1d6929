package tokens

import "apo/cli/internal/message"

// Overhead of the chat message framing, in tokens.
const (
	// TokensPerMessage frames every message (<|start|>{role/name}\n{content}<|end|>\n).
	TokensPerMessage = 3
	// TokensPerName is added when a message carries a name.
	TokensPerName = 1
	// ReplyPrimingTokens primes the assistant reply (<|start|>assistant<|message|>).
	ReplyPrimingTokens = 3
)

// Counter counts tokens with a fixed Tokenizer. A Counter holds no mutable
// state and is safe for concurrent use if its Tokenizer is.
type Counter struct {
	tok Tokenizer
}

// NewCounter returns a Counter using tok. A nil tok uses ByteTokenizer.
func NewCounter(tok Tokenizer) *Counter {
	if tok == nil {
		tok = ByteTokenizer{}
	}
	return &Counter{tok: tok}
}

// Tokenizer returns the tokenizer the counter uses.
func (c *Counter) Tokenizer() Tokenizer {
	return c.tok
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	if text == "" {
		return 0
	}
	return len(c.tok.Encode(text))
}

// CountMessage returns the framed size of one message: TokensPerMessage plus
// the tokens of its string fields (role, content, name), plus TokensPerName
// when a name is set. The function-call payload is not counted.
func (c *Counter) CountMessage(m message.Message) int {
	n := TokensPerMessage
	n += c.Count(string(m.Role))
	n += c.Count(m.Content)
	if m.Name != "" {
		n += c.Count(m.Name)
		n += TokensPerName
	}
	return n
}

// CountConversation returns the prompt size of msgs: the sum of
// CountMessage plus ReplyPrimingTokens. An empty conversation costs
// ReplyPrimingTokens.
func (c *Counter) CountConversation(msgs []message.Message) int {
	n := ReplyPrimingTokens
	for _, m := range msgs {
		n += c.CountMessage(m)
	}
	return n
}
