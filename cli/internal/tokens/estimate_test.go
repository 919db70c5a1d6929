package tokens

import (
	"math"
	"strings"
	"testing"
)

func TestEstimate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"one_char", "x", 1},
		{"four_chars", "abcd", 1},
		{"five_chars", "abcde", 2},
		{"eight_chars", "abcdefgh", 2},
		{"100_chars", strings.Repeat("x", 100), 25},
		{"unicode_multi_byte", "café", 2}, // é is 2 bytes in UTF-8; total 5 bytes → 2 tokens
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
			if got := len(ByteTokenizer{}.Encode(tt.text)); got != tt.want {
				t.Errorf("len(ByteTokenizer.Encode(%q)) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestWarnIfOver(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name            string
		promptTokens    int
		responseReserve int
		contextLimit    int
		warnThreshold   float64
		wantEmpty       bool
		wantContains    []string
	}{
		{"under_threshold", 1000, 500, 16385, 0.9, true, nil},
		{"at_threshold", 13723, 1024, 16385, 0.9, false, []string{"14747", "90", "16385"}},
		{"over_threshold", 30000, 2048, 32768, 0.9, false, []string{"32048", "prompt 30000", "reserve 2048"}},
		{"context_limit_zero", 100, 0, 0, 0.9, true, nil},
		{"context_limit_negative", 100, 0, -1, 0.9, true, nil},
		{"negative_prompt", -1, 0, 100, 0.9, true, nil},
		{"warn_threshold_one_at_limit", 4096, 0, 4096, 1.0, false, []string{"4096", "100"}},
		{"warn_threshold_one_under_limit", 4095, 0, 4096, 1.0, true, nil},
		{"overflow_returns_warning", math.MaxInt, 1, 32768, 0.9, false, []string{"overflow", "prompt", "reserve"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := WarnIfOver(tt.promptTokens, tt.responseReserve, tt.contextLimit, tt.warnThreshold)
			if tt.wantEmpty {
				if got != "" {
					t.Errorf("WarnIfOver(...) = %q, want empty", got)
				}
				return
			}
			if got == "" {
				t.Fatalf("WarnIfOver(...) = %q, want non-empty containing %v", got, tt.wantContains)
			}
			for _, sub := range tt.wantContains {
				if !strings.Contains(got, sub) {
					t.Errorf("WarnIfOver(...) = %q, want to contain %q", got, sub)
				}
			}
		})
	}
}
