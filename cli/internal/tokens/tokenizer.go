package tokens

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/pkoukk/tiktoken-go"
)

// fallbackEncoding is used for models tiktoken does not map to an encoding.
const fallbackEncoding = "cl100k_base"

// Tokenizer maps text to token ids and back.
type Tokenizer interface {
	Encode(text string) []int
	Decode(ids []int) string
}

// tiktokenTokenizer adapts *tiktoken.Tiktoken to Tokenizer. Special tokens
// in the input are encoded as ordinary text.
type tiktokenTokenizer struct {
	enc *tiktoken.Tiktoken
}

func (t tiktokenTokenizer) Encode(text string) []int {
	return t.enc.Encode(text, nil, nil)
}

func (t tiktokenTokenizer) Decode(ids []int) string {
	return t.enc.Decode(ids)
}

// ForModel returns the tiktoken encoding for model. Models tiktoken does not
// know use cl100k_base. Loading an encoding may fetch its BPE ranks on first
// use; that failure is returned.
func ForModel(model string) (Tokenizer, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return tiktokenTokenizer{enc: enc}, nil
	}
	enc, err = tiktoken.GetEncoding(fallbackEncoding)
	if err != nil {
		return nil, fmt.Errorf("tokens: encoding for model %q: %w", model, err)
	}
	return tiktokenTokenizer{enc: enc}, nil
}

// ForModelOrEstimate is ForModel, falling back to ByteTokenizer (with a
// warning on logger) when no encoding can be loaded.
func ForModelOrEstimate(model string, logger *slog.Logger) Tokenizer {
	tok, err := ForModel(model)
	if err == nil {
		return tok
	}
	if logger != nil {
		logger.Warn("tokenizer unavailable; using byte estimate", "model", model, "err", err)
	}
	return ByteTokenizer{}
}

// Tokenizer kinds accepted by ForKind.
const (
	KindTiktoken = "tiktoken"
	KindEstimate = "estimate"
)

// ForKind returns the tokenizer named by kind: KindTiktoken (or "") uses
// ForModelOrEstimate, KindEstimate uses ByteTokenizer and never touches the
// network.
func ForKind(kind, model string, logger *slog.Logger) (Tokenizer, error) {
	switch kind {
	case "", KindTiktoken:
		return ForModelOrEstimate(model, logger), nil
	case KindEstimate:
		if strconv.IntSize < 64 {
			return nil, fmt.Errorf("tokens: %s tokenizer needs a 64-bit platform", KindEstimate)
		}
		return ByteTokenizer{}, nil
	}
	return nil, fmt.Errorf("tokens: unknown tokenizer %q", kind)
}

// ByteTokenizer is a reversible estimator: each token covers up to 4 bytes of
// input, so token counts match Estimate. Ids pack the chunk length in the
// high 32 bits and the chunk bytes (little-endian) in the low 32 bits, so
// Encode and Decode need a 64-bit int. On 32-bit platforms counts stay right
// but decoded text is not. Truncating a token sequence may split a
// multi-byte rune.
type ByteTokenizer struct{}

func (ByteTokenizer) Encode(text string) []int {
	if text == "" {
		return nil
	}
	ids := make([]int, 0, Estimate(text))
	for i := 0; i < len(text); i += charsPerToken {
		end := i + charsPerToken
		if end > len(text) {
			end = len(text)
		}
		var packed uint64
		for j := end - 1; j >= i; j-- {
			packed = packed<<8 | uint64(text[j])
		}
		ids = append(ids, int(uint64(end-i)<<32|packed))
	}
	return ids
}

func (ByteTokenizer) Decode(ids []int) string {
	buf := make([]byte, 0, len(ids)*charsPerToken)
	for _, id := range ids {
		n := int(uint64(id) >> 32)
		packed := uint64(id) & 0xffffffff
		for j := 0; j < n && j < charsPerToken; j++ {
			buf = append(buf, byte(packed>>(8*j)))
		}
	}
	return string(buf)
}
