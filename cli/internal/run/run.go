// Package run implements the apo call flows: buffer a conversation to its
// token budget, warn when it nears the model context window, and send it to
// the completion endpoint. Batch fans the same flow out over many
// conversations. Used by the CLI and by tests.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"apo/cli/internal/buffer"
	"apo/cli/internal/completion"
	"apo/cli/internal/config"
	"apo/cli/internal/message"
	"apo/cli/internal/tokens"
	"apo/cli/internal/trace"
)

// DefaultConcurrency is the number of calls Batch keeps in flight when
// BatchOptions.Concurrency is not set.
const DefaultConcurrency = 10

// ErrNothingToSend indicates buffering evicted every message, so there is no
// conversation left to send.
var ErrNothingToSend = errors.New("buffered conversation is empty")

// Completer sends a buffered conversation. *completion.Client implements it.
type Completer interface {
	Complete(ctx context.Context, req completion.Request) (message.Message, error)
}

// Deps holds everything a call flow needs. Counter and Config are required;
// Client is required for Complete and Batch.
type Deps struct {
	Counter *tokens.Counter
	Client  Completer
	Config  config.Config
	// Logger receives buffer and context-window warnings. Nil discards.
	Logger *slog.Logger
	// Trace receives per-conversation dumps when enabled. May be nil.
	Trace *trace.Tracer
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Result is the outcome of one conversation.
type Result struct {
	// Index is the position of the conversation in the Batch input.
	Index    int
	Buffered buffer.Result
	// Warning is set when the buffered conversation plus the response
	// reserve nears the configured context limit.
	Warning string
	Reply   message.Message
	Err     error
}

// Prepare buffers msgs with the budget from deps.Config and checks the
// result against the context limit. It never fails; the input is not modified.
func Prepare(deps Deps, msgs []message.Message) Result {
	logger := deps.logger()
	cfg := deps.Config
	buffered := buffer.Buffer(deps.Counter, msgs, cfg.BufferOptions(logger))

	if deps.Trace.Enabled() {
		deps.Trace.Conversation("Input", msgs, deps.Counter)
		deps.Trace.Conversation("Buffered", buffered.Messages, deps.Counter)
		deps.Trace.Printf("truncated=%d evicted=%d tokens=%d max_tokens=%d\n",
			buffered.Truncated, buffered.Evicted, buffered.Tokens, cfg.MaxTokens)
	}

	res := Result{Buffered: buffered}
	if cfg.ContextLimit > 0 {
		res.Warning = tokens.WarnIfOver(buffered.Tokens, cfg.ResponseReserve, cfg.ContextLimit, cfg.WarnThreshold)
		if res.Warning != "" {
			logger.Warn(res.Warning, "model", cfg.Model)
		}
	}
	return res
}

// Complete buffers msgs and sends the result to deps.Client. The returned
// Result carries the buffered conversation even when the call fails.
func Complete(ctx context.Context, deps Deps, msgs []message.Message) (Result, error) {
	res := Prepare(deps, msgs)
	if len(res.Buffered.Messages) == 0 {
		return res, ErrNothingToSend
	}
	cfg := deps.Config
	reply, err := deps.Client.Complete(ctx, completion.Request{
		Messages:    res.Buffered.Messages,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Seed:        cfg.Seed,
	})
	if err != nil {
		return res, fmt.Errorf("run: %w", err)
	}
	res.Reply = reply
	if deps.Trace.Enabled() {
		deps.Trace.Conversation("Reply", []message.Message{reply}, deps.Counter)
	}
	return res, nil
}

// BatchOptions bounds Batch fan-out.
type BatchOptions struct {
	// Concurrency is the max number of conversations in flight. <= 0 uses DefaultConcurrency.
	Concurrency int
	// RatePerSecond limits how fast calls start. <= 0 means unlimited.
	RatePerSecond float64
}

// Batch runs Complete for every conversation and returns one Result per
// input, in input order. A failing conversation does not stop the others;
// its error is in Result.Err. Once ctx is done no new calls start and the
// remaining results carry the context error.
func Batch(ctx context.Context, deps Deps, convs [][]message.Message, opts BatchOptions) []Result {
	results := make([]Result, len(convs))
	limit := opts.Concurrency
	if limit <= 0 {
		limit = DefaultConcurrency
	}
	var limiter *rate.Limiter
	if opts.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
	}
	logger := deps.logger()

	var g errgroup.Group
	g.SetLimit(limit)
	for i, conv := range convs {
		i, conv := i, conv
		if err := ctx.Err(); err != nil {
			results[i] = Result{Index: i, Err: err}
			continue
		}
		g.Go(func() error {
			if limiter != nil {
				if err := limiter.Wait(ctx); err != nil {
					results[i] = Result{Index: i, Err: err}
					return nil
				}
			}
			convDeps := deps
			convDeps.Logger = logger.With("conversation", i)
			res, err := Complete(ctx, convDeps, conv)
			res.Index = i
			res.Err = err
			results[i] = res
			if err != nil {
				convDeps.Logger.Error("conversation failed", "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Stats summarises a batch.
type Stats struct {
	Conversations int
	Succeeded     int
	Failed        int
	Truncated     int // messages truncated across all conversations
	Evicted       int // messages evicted across all conversations
}

// Summarize aggregates results.
func Summarize(results []Result) Stats {
	s := Stats{Conversations: len(results)}
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
		} else {
			s.Succeeded++
		}
		s.Truncated += r.Buffered.Truncated
		s.Evicted += r.Buffered.Evicted
	}
	return s
}
