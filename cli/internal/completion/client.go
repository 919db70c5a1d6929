// Package completion calls an OpenAI-compatible chat completion endpoint.
// Every Complete call runs under a retry.Policy: timeouts, generic API
// errors, connection errors, rate limits and server errors are retried with
// backoff; anything else fails on the first attempt. Failures are returned as
// *Error carrying their Class.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"apo/cli/internal/message"
	"apo/cli/internal/retry"
	"apo/cli/internal/version"
)

// DefaultBaseURL is the OpenAI API root.
const DefaultBaseURL = "https://api.openai.com/v1"

const _defaultAttemptTimeout = 2 * time.Minute

// Config configures a Client. Zero values use defaults.
type Config struct {
	// BaseURL is the API root (e.g. https://api.openai.com/v1). Trailing slash is trimmed.
	BaseURL string
	APIKey  string
	// HTTPClient is used for requests; nil uses a client without a global
	// timeout (each attempt is bounded by AttemptTimeout).
	HTTPClient *http.Client
	// AttemptTimeout bounds a single attempt. Default 2m.
	AttemptTimeout time.Duration
	// Retry is the retry policy. Zero fields take their retry.Default value;
	// a nil Retryable uses IsRetryable and a nil Logger uses Logger.
	Retry retry.Policy
	// Logger receives retry warnings. Nil discards.
	Logger *slog.Logger
}

// Client calls the chat completion endpoint. It holds no per-call state and
// is safe for concurrent use. Zero value is not valid; use NewClient.
type Client struct {
	api            *openai.Client
	attemptTimeout time.Duration
	policy         retry.Policy
	logger         *slog.Logger
}

// Request is one chat completion call.
type Request struct {
	Messages    []message.Message
	Model       string
	Temperature float64
	// Seed requests deterministic sampling when non-nil.
	Seed *int
	// MaxTokens caps the reply length; 0 leaves it to the server.
	MaxTokens int
}

// CheckResult is the result of a reachability/model check.
type CheckResult struct {
	Reachable    bool     // Endpoint answered the model list.
	ModelPresent bool     // Requested model appears in the list.
	ModelNames   []string // All model ids (for diagnostics).
}

// NewClient builds a Client from cfg.
func NewClient(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = baseURL
	apiCfg.HTTPClient = statusDoer{client: httpClient}

	policy := cfg.Retry
	def := retry.Default(IsRetryable, logger)
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = def.MaxAttempts
	}
	if policy.InitialDelay == 0 {
		policy.InitialDelay = def.InitialDelay
	}
	if policy.MaxDelay == 0 {
		policy.MaxDelay = def.MaxDelay
	}
	if policy.Retryable == nil {
		policy.Retryable = def.Retryable
	}
	if policy.Logger == nil {
		policy.Logger = def.Logger
	}
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = _defaultAttemptTimeout
	}
	return &Client{
		api:            openai.NewClientWithConfig(apiCfg),
		attemptTimeout: timeout,
		policy:         policy,
		logger:         logger,
	}
}

// Complete sends req and returns the first choice as an assistant message.
// The messages are sent as given; budgeting is the caller's job.
func (c *Client) Complete(ctx context.Context, req Request) (message.Message, error) {
	apiReq := toChatRequest(req)
	callID := uuid.NewString()
	logger := c.logger.With("call_id", callID, "model", req.Model)
	policy := c.policy
	policy.Logger = policy.Logger.With("call_id", callID, "model", req.Model)

	resp, err := retry.Do(ctx, policy, func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
		defer cancel()
		resp, err := c.api.CreateChatCompletion(attemptCtx, apiReq)
		if err != nil {
			return resp, classify(ctx, err)
		}
		if len(resp.Choices) == 0 {
			return resp, &Error{Class: ClassAPI, Err: ErrNoChoices}
		}
		return resp, nil
	})
	if err != nil {
		var cerr *Error
		if !errors.As(err, &cerr) {
			// Cancelled before any attempt ran.
			err = &Error{Class: ClassFatal, Err: err}
		}
		return message.Message{}, fmt.Errorf("completion: %w", err)
	}
	logger.Debug("completion done",
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens,
		"finish_reason", resp.Choices[0].FinishReason,
	)
	return fromChatMessage(resp.Choices[0].Message), nil
}

// Check verifies the endpoint is reachable and whether model is listed.
// It is not retried. On connection/HTTP error returns ErrUnreachable (via %w).
func (c *Client) Check(ctx context.Context, model string) (*CheckResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.attemptTimeout)
	defer cancel()
	list, err := c.api.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("completion models: %w", errors.Join(ErrUnreachable, err))
	}
	names := make([]string, 0, len(list.Models))
	present := false
	for _, m := range list.Models {
		names = append(names, m.ID)
		if m.ID == model {
			present = true
		}
	}
	return &CheckResult{Reachable: true, ModelPresent: present, ModelNames: names}, nil
}

// maxErrorBody bounds how much of a non-JSON error body is kept.
const maxErrorBody = 4096

// statusDoer tags requests with the apo User-Agent and returns *StatusError
// for error responses that are not JSON, so that gateway failures (e.g. an
// HTML 502) keep their status code.
type statusDoer struct {
	client *http.Client
}

func (d statusDoer) Do(req *http.Request) (*http.Response, error) {
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := d.client.Do(req)
	if err != nil || resp.StatusCode < http.StatusBadRequest ||
		strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return resp, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

func toChatRequest(req Request) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
			Name:    m.Name,
		}
		if m.FunctionCall != nil {
			msgs[i].FunctionCall = &openai.FunctionCall{Name: m.FunctionCall.Name, Arguments: m.FunctionCall.Arguments}
		}
	}
	temp := float32(req.Temperature)
	if temp == 0 {
		// temperature is omitempty in the wire struct; a zero would fall back to the server default.
		temp = math.SmallestNonzeroFloat32
	}
	return openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: temp,
		Seed:        req.Seed,
		MaxTokens:   req.MaxTokens,
	}
}

func fromChatMessage(m openai.ChatCompletionMessage) message.Message {
	out := message.Message{
		Role:    message.Role(m.Role),
		Content: m.Content,
		Name:    m.Name,
	}
	if m.FunctionCall != nil {
		out.FunctionCall = &message.FunctionCall{Name: m.FunctionCall.Name, Arguments: m.FunctionCall.Arguments}
	}
	return out
}
