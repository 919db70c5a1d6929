// Package buffer fits a conversation into a token budget before it is sent
// to the completion endpoint.
//
// Buffering runs in three steps:
//  1. Per-message truncation (Options.PruneMessages): every message whose
//     framed size exceeds MaxMessageTokens has its content cut to the token
//     prefix that fits.
//  2. System partition (Options.KeepSystemMessage): system messages move to
//     the front and are exempt from eviction.
//  3. Aggregate eviction: while the conversation exceeds MaxTokens, the
//     oldest evictable message is dropped and the total is recounted.
//
// Truncation and eviction never fail; they are reported through the logger
// and the Result counters. MaxTokens is a soft target: when system messages
// alone exceed it, only they are returned.
package buffer

import (
	"io"
	"log/slog"

	"apo/cli/internal/message"
	"apo/cli/internal/tokens"
)

// Defaults for the budget options.
const (
	DefaultMaxTokens        = 4500
	DefaultMaxMessageTokens = 2000
)

// Options is the token budget for one Buffer call.
type Options struct {
	// MaxTokens is the aggregate ceiling for the whole conversation.
	MaxTokens int
	// MaxMessageTokens is the per-message ceiling applied before aggregate accounting.
	MaxMessageTokens int
	// KeepSystemMessage exempts system messages from eviction and moves them first.
	KeepSystemMessage bool
	// PruneMessages enables per-message truncation.
	PruneMessages bool
	// Logger receives truncation and eviction events. Nil discards them.
	Logger *slog.Logger
}

// DefaultOptions returns the default budget: 4500 aggregate, 2000 per
// message, pruning on, system messages evictable.
func DefaultOptions() Options {
	return Options{
		MaxTokens:        DefaultMaxTokens,
		MaxMessageTokens: DefaultMaxMessageTokens,
		PruneMessages:    true,
	}
}

// Result is the buffered conversation and what it took to get there.
type Result struct {
	Messages  []message.Message
	Tokens    int // CountConversation(Messages)
	Truncated int // messages whose content was cut in step 1
	Evicted   int // messages dropped in step 3
}

// Buffer returns a new conversation that fits opts. msgs is not modified.
func Buffer(counter *tokens.Counter, msgs []message.Message, opts Options) Result {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	out := message.Clone(msgs)

	var res Result
	if opts.PruneMessages {
		res.Truncated = truncateAll(counter, out, opts.MaxMessageTokens, logger)
	}

	var system, rest []message.Message
	if opts.KeepSystemMessage {
		system, rest = partition(out)
	} else {
		rest = out
	}

	systemTokens := 0
	for _, m := range system {
		systemTokens += counter.CountMessage(m)
	}
	total := systemTokens + counter.CountConversation(rest)
	// Each pass drops one message, so the loop runs at most len(rest) times.
	for total > opts.MaxTokens && len(rest) > 0 {
		dropped := rest[0]
		rest = rest[1:]
		res.Evicted++
		next := systemTokens + counter.CountConversation(rest)
		logger.Info("message evicted",
			"role", dropped.Role,
			"tokens_before", total,
			"tokens_after", next,
			"max_tokens", opts.MaxTokens,
		)
		total = next
	}
	if total > opts.MaxTokens {
		logger.Warn("conversation still exceeds token budget after eviction",
			"tokens", total, "max_tokens", opts.MaxTokens, "system_messages", len(system))
	}

	res.Messages = make([]message.Message, 0, len(system)+len(rest))
	res.Messages = append(res.Messages, system...)
	res.Messages = append(res.Messages, rest...)
	res.Tokens = total
	return res
}

func partition(msgs []message.Message) (system, rest []message.Message) {
	for _, m := range msgs {
		if m.Role == message.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	return system, rest
}
