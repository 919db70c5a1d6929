// Package config provides apo configuration with a defined load order:
// CLI flags > environment variables > repo config > global config > defaults.
//
// Paths:
//   - Repo: .apo/config.toml (relative to the working directory passed as RepoRoot)
//   - Global: XDG config dir, e.g. ~/.config/apo/config.toml (see os.UserConfigDir)
//
// Environment variables (override config files when set):
//   - APO_MODEL, APO_BASE_URL, APO_TEMPERATURE, APO_SEED (integer or "none").
//   - APO_MAX_TOKENS, APO_MAX_MESSAGE_TOKENS (token budget).
//   - APO_KEEP_SYSTEM_MESSAGE, APO_PRUNE_MESSAGES (1/true/yes/on or 0/false/no/off).
//   - APO_TIMEOUT (per-attempt; Go duration string or integer seconds).
//   - APO_CONCURRENCY, APO_RATE_PER_SECOND (fan-out limits for batch).
//   - APO_CONTEXT_LIMIT, APO_WARN_THRESHOLD, APO_RESPONSE_RESERVE (context-window warning).
//   - APO_TOKENIZER (tiktoken or estimate).
//   - APO_API_KEY, or OPENAI_API_KEY when APO_API_KEY is unset. The key is never read from files.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"apo/cli/internal/buffer"
	"apo/cli/internal/erruser"
	"apo/cli/internal/tokens"
)

// Config holds all apo configuration.
type Config struct {
	Model   string `toml:"model"`
	BaseURL string `toml:"base_url"`
	// APIKey comes from the environment only.
	APIKey      string  `toml:"-"`
	Temperature float64 `toml:"temperature"`
	// Seed is sent for reproducible sampling; nil sends no seed.
	Seed *int `toml:"seed"`
	// MaxTokens is the aggregate token budget of a buffered conversation.
	MaxTokens int `toml:"max_tokens"`
	// MaxMessageTokens is the per-message ceiling applied before aggregate accounting.
	MaxMessageTokens int `toml:"max_message_tokens"`
	// KeepSystemMessage exempts system messages from eviction.
	KeepSystemMessage bool `toml:"keep_system_message"`
	// PruneMessages enables per-message truncation.
	PruneMessages bool `toml:"prune_messages"`
	// Timeout bounds a single attempt against the endpoint.
	Timeout time.Duration `toml:"timeout"`
	// Concurrency is the max number of in-flight calls in batch mode.
	Concurrency int `toml:"concurrency"`
	// RatePerSecond limits batch call starts (0 = unlimited).
	RatePerSecond float64 `toml:"rate_per_second"`
	// ContextLimit is the model context window used for warnings (0 = no warning).
	ContextLimit  int     `toml:"context_limit"`
	WarnThreshold float64 `toml:"warn_threshold"`
	// ResponseReserve is the reply size assumed when checking ContextLimit.
	ResponseReserve int `toml:"response_reserve"`
	// Tokenizer is "tiktoken" (model encoding) or "estimate" (offline, chars/4).
	Tokenizer string `toml:"tokenizer"`
}

// Overrides represents optional CLI flag overrides. Non-nil pointer means
// "override with this value".
type Overrides struct {
	Model             *string
	BaseURL           *string
	Temperature       *float64
	Seed              *string // integer or "none"
	MaxTokens         *int
	MaxMessageTokens  *int
	KeepSystemMessage *bool
	PruneMessages     *bool
	Timeout           *time.Duration
	Concurrency       *int
	RatePerSecond     *float64
	Tokenizer         *string
}

// LoadOptions configures Load. All fields are optional.
type LoadOptions struct {
	// RepoRoot is the project directory; if set, repo config is RepoRoot/.apo/config.toml.
	RepoRoot string
	// GlobalConfigPath is the global config file path; if empty, XDG path is used.
	GlobalConfigPath string
	// Env is the environment key=value slice; if nil, os.Environ() is used.
	Env []string
	// Overrides are applied last (highest precedence).
	Overrides *Overrides
}

const (
	_defaultModel            = "gpt-3.5-turbo"
	_defaultBaseURL          = "https://api.openai.com/v1"
	_defaultTemperature      = 0.0
	_defaultSeed             = 42
	_defaultTimeout          = 2 * time.Minute
	_defaultConcurrency      = 10
	_defaultContextLimit     = 16385
	_defaultWarnThreshold    = 0.9
	_defaultKeepSystem       = false
	_defaultPruneMessages    = true
	_defaultRatePerSecond    = 0
	_defaultResponseReserve  = tokens.DefaultResponseReserve
	_defaultMaxTokens        = buffer.DefaultMaxTokens
	_defaultMaxMessageTokens = buffer.DefaultMaxMessageTokens
	_defaultTokenizer        = tokens.KindTiktoken
)

// errIntOverflow is returned when an int64 value does not fit in int.
var errIntOverflow = errors.New("value out of range for int")

func int64ToInt(n int64) (int, error) {
	if n < int64(math.MinInt) || n > int64(math.MaxInt) {
		return 0, errIntOverflow
	}
	return int(n), nil
}

// DefaultConfig returns the default configuration (no I/O).
func DefaultConfig() Config {
	seed := _defaultSeed
	return Config{
		Model:             _defaultModel,
		BaseURL:           _defaultBaseURL,
		Temperature:       _defaultTemperature,
		Seed:              &seed,
		MaxTokens:         _defaultMaxTokens,
		MaxMessageTokens:  _defaultMaxMessageTokens,
		KeepSystemMessage: _defaultKeepSystem,
		PruneMessages:     _defaultPruneMessages,
		Timeout:           _defaultTimeout,
		Concurrency:       _defaultConcurrency,
		RatePerSecond:     _defaultRatePerSecond,
		ContextLimit:      _defaultContextLimit,
		WarnThreshold:     _defaultWarnThreshold,
		ResponseReserve:   _defaultResponseReserve,
		Tokenizer:         _defaultTokenizer,
	}
}

// BufferOptions returns the token budget described by c.
func (c Config) BufferOptions(logger *slog.Logger) buffer.Options {
	return buffer.Options{
		MaxTokens:         c.MaxTokens,
		MaxMessageTokens:  c.MaxMessageTokens,
		KeepSystemMessage: c.KeepSystemMessage,
		PruneMessages:     c.PruneMessages,
		Logger:            logger,
	}
}

// Load loads configuration with precedence: defaults < global file < repo file < env < overrides.
// Missing config files are ignored. Invalid TOML or invalid values return an erruser error.
func Load(ctx context.Context, opts LoadOptions) (*Config, error) {
	if opts.Env == nil {
		opts.Env = os.Environ()
	}
	cfg := DefaultConfig()

	globalPath := opts.GlobalConfigPath
	if globalPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, erruser.New("Could not determine config directory.", err)
		}
		globalPath = filepath.Join(dir, "apo", "config.toml")
	}
	if err := mergeFile(&cfg, globalPath); err != nil {
		return nil, err
	}

	if opts.RepoRoot != "" {
		repoPath := filepath.Join(opts.RepoRoot, ".apo", "config.toml")
		if err := mergeFile(&cfg, repoPath); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(&cfg, opts.Env); err != nil {
		return nil, err
	}

	if err := applyOverrides(&cfg, opts.Overrides); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ErrInvalid is the cause of every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Validate checks ranges that would make buffering or calls meaningless.
func (c Config) Validate() error {
	invalid := func(msg, format string, v any) error {
		return erruser.New(msg, fmt.Errorf("%w: "+format, ErrInvalid, v))
	}
	switch {
	case c.MaxTokens <= 0:
		return invalid("max_tokens must be positive.", "max_tokens=%d", c.MaxTokens)
	case c.MaxMessageTokens <= 0:
		return invalid("max_message_tokens must be positive.", "max_message_tokens=%d", c.MaxMessageTokens)
	case c.Temperature < 0 || c.Temperature > 2:
		return invalid("temperature must be between 0 and 2.", "temperature=%v", c.Temperature)
	case c.Concurrency < 1:
		return invalid("concurrency must be at least 1.", "concurrency=%d", c.Concurrency)
	case c.RatePerSecond < 0:
		return invalid("rate_per_second must be non-negative.", "rate_per_second=%v", c.RatePerSecond)
	case c.WarnThreshold < 0 || c.WarnThreshold > 1:
		return invalid("warn_threshold must be between 0 and 1.", "warn_threshold=%v", c.WarnThreshold)
	case c.Tokenizer != tokens.KindTiktoken && c.Tokenizer != tokens.KindEstimate:
		return invalid("tokenizer must be tiktoken or estimate.", "tokenizer=%q", c.Tokenizer)
	}
	return nil
}

// mergeFile reads path and merges into cfg. Only overwrites fields present in
// the file. Missing file is skipped (no error).
func mergeFile(cfg *Config, path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return erruser.New("Invalid configuration file.", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return erruser.New("Could not read configuration file.", err)
	}
	var file struct {
		Model             *string  `toml:"model"`
		BaseURL           *string  `toml:"base_url"`
		Temperature       *float64 `toml:"temperature"`
		Seed              any      `toml:"seed"`
		MaxTokens         *int64   `toml:"max_tokens"`
		MaxMessageTokens  *int64   `toml:"max_message_tokens"`
		KeepSystemMessage *bool    `toml:"keep_system_message"`
		PruneMessages     *bool    `toml:"prune_messages"`
		Timeout           *string  `toml:"timeout"`
		Concurrency       *int64   `toml:"concurrency"`
		RatePerSecond     *float64 `toml:"rate_per_second"`
		ContextLimit      *int64   `toml:"context_limit"`
		WarnThreshold     *float64 `toml:"warn_threshold"`
		ResponseReserve   *int64   `toml:"response_reserve"`
		Tokenizer         *string  `toml:"tokenizer"`
	}
	if _, err := toml.Decode(string(data), &file); err != nil {
		return erruser.New(fmt.Sprintf("Invalid configuration in %s.", path), err)
	}
	if file.Model != nil && *file.Model != "" {
		cfg.Model = *file.Model
	}
	if file.BaseURL != nil && *file.BaseURL != "" {
		cfg.BaseURL = *file.BaseURL
	}
	if file.Temperature != nil {
		cfg.Temperature = *file.Temperature
	}
	if file.Seed != nil {
		seed, err := seedFromTOML(file.Seed)
		if err != nil {
			return erruser.New("Configuration seed must be an integer or \"none\".", err)
		}
		cfg.Seed = seed
	}
	ints := []struct {
		v    *int64
		dst  *int
		name string
	}{
		{file.MaxTokens, &cfg.MaxTokens, "max_tokens"},
		{file.MaxMessageTokens, &cfg.MaxMessageTokens, "max_message_tokens"},
		{file.Concurrency, &cfg.Concurrency, "concurrency"},
		{file.ContextLimit, &cfg.ContextLimit, "context_limit"},
		{file.ResponseReserve, &cfg.ResponseReserve, "response_reserve"},
	}
	for _, f := range ints {
		if f.v == nil {
			continue
		}
		v, err := int64ToInt(*f.v)
		if err != nil {
			return erruser.New(fmt.Sprintf("Configuration %s value out of range.", f.name), err)
		}
		*f.dst = v
	}
	if file.KeepSystemMessage != nil {
		cfg.KeepSystemMessage = *file.KeepSystemMessage
	}
	if file.PruneMessages != nil {
		cfg.PruneMessages = *file.PruneMessages
	}
	if file.Timeout != nil && *file.Timeout != "" {
		d, err := parseDuration(*file.Timeout)
		if err != nil {
			return erruser.New("Configuration timeout is invalid.", err)
		}
		cfg.Timeout = d
	}
	if file.RatePerSecond != nil {
		cfg.RatePerSecond = *file.RatePerSecond
	}
	if file.WarnThreshold != nil {
		cfg.WarnThreshold = *file.WarnThreshold
	}
	if file.Tokenizer != nil && *file.Tokenizer != "" {
		cfg.Tokenizer = *file.Tokenizer
	}
	return nil
}

func seedFromTOML(v any) (*int, error) {
	switch s := v.(type) {
	case int64:
		n, err := int64ToInt(s)
		if err != nil {
			return nil, err
		}
		return &n, nil
	case string:
		return ParseSeed(s)
	default:
		return nil, fmt.Errorf("unexpected seed type %T", v)
	}
}

// ParseSeed parses an integer seed; "none" or "" means no seed (nil).
func ParseSeed(s string) (*int, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return nil, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return nil, fmt.Errorf("invalid seed %q: %w", s, err)
	}
	return &n, nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}
	d, err := time.ParseDuration(s)
	if err == nil {
		return d, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return time.Duration(n) * time.Second, nil
}

// env key names for config
const (
	envModel             = "APO_MODEL"
	envBaseURL           = "APO_BASE_URL"
	envTemperature       = "APO_TEMPERATURE"
	envSeed              = "APO_SEED"
	envMaxTokens         = "APO_MAX_TOKENS"
	envMaxMessageTokens  = "APO_MAX_MESSAGE_TOKENS"
	envKeepSystemMessage = "APO_KEEP_SYSTEM_MESSAGE"
	envPruneMessages     = "APO_PRUNE_MESSAGES"
	envTimeout           = "APO_TIMEOUT"
	envConcurrency       = "APO_CONCURRENCY"
	envRatePerSecond     = "APO_RATE_PER_SECOND"
	envContextLimit      = "APO_CONTEXT_LIMIT"
	envWarnThreshold     = "APO_WARN_THRESHOLD"
	envResponseReserve   = "APO_RESPONSE_RESERVE"
	envTokenizer         = "APO_TOKENIZER"
	envAPIKey            = "APO_API_KEY"
	envOpenAIAPIKey      = "OPENAI_API_KEY"
)

func applyEnv(cfg *Config, env []string) error {
	vals := make(map[string]string)
	for _, e := range env {
		idx := strings.Index(e, "=")
		if idx <= 0 {
			continue
		}
		vals[strings.TrimSpace(e[:idx])] = strings.TrimSpace(e[idx+1:])
	}
	if v := vals[envModel]; v != "" {
		cfg.Model = v
	}
	if v := vals[envBaseURL]; v != "" {
		cfg.BaseURL = v
	}
	if v := vals[envTokenizer]; v != "" {
		cfg.Tokenizer = strings.ToLower(v)
	}
	if v := vals[envAPIKey]; v != "" {
		cfg.APIKey = v
	} else if v := vals[envOpenAIAPIKey]; v != "" {
		cfg.APIKey = v
	}
	if v := vals[envTemperature]; v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return erruser.New("APO_TEMPERATURE must be a valid number.", err)
		}
		cfg.Temperature = f
	}
	if v := vals[envSeed]; v != "" {
		seed, err := ParseSeed(v)
		if err != nil {
			return erruser.New("APO_SEED must be an integer or \"none\".", err)
		}
		cfg.Seed = seed
	}
	ints := []struct {
		key string
		dst *int
	}{
		{envMaxTokens, &cfg.MaxTokens},
		{envMaxMessageTokens, &cfg.MaxMessageTokens},
		{envConcurrency, &cfg.Concurrency},
		{envContextLimit, &cfg.ContextLimit},
		{envResponseReserve, &cfg.ResponseReserve},
	}
	for _, f := range ints {
		v := vals[f.key]
		if v == "" {
			continue
		}
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return erruser.New(f.key+" must be a valid number.", err)
		}
		if *f.dst, err = int64ToInt(n); err != nil {
			return erruser.New(f.key+" value out of range.", err)
		}
	}
	bools := []struct {
		key string
		dst *bool
	}{
		{envKeepSystemMessage, &cfg.KeepSystemMessage},
		{envPruneMessages, &cfg.PruneMessages},
	}
	for _, f := range bools {
		v := vals[f.key]
		if v == "" {
			continue
		}
		b, err := parseBool(v)
		if err != nil {
			return erruser.New(f.key+" must be 1/true/yes/on or 0/false/no/off.", err)
		}
		*f.dst = b
	}
	if v := vals[envTimeout]; v != "" {
		d, err := parseDuration(v)
		if err != nil {
			return erruser.New("APO_TIMEOUT must be a valid duration.", err)
		}
		cfg.Timeout = d
	}
	floats := []struct {
		key string
		dst *float64
	}{
		{envRatePerSecond, &cfg.RatePerSecond},
		{envWarnThreshold, &cfg.WarnThreshold},
	}
	for _, f := range floats {
		v := vals[f.key]
		if v == "" {
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return erruser.New(f.key+" must be a valid number.", err)
		}
		*f.dst = x
	}
	return nil
}

// parseBool parses common boolean env values: 1/true/yes/on = true, 0/false/no/off = false (case-insensitive).
func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean %q", s)
	}
}

func applyOverrides(cfg *Config, o *Overrides) error {
	if o == nil {
		return nil
	}
	if o.Model != nil && *o.Model != "" {
		cfg.Model = *o.Model
	}
	if o.BaseURL != nil && *o.BaseURL != "" {
		cfg.BaseURL = *o.BaseURL
	}
	if o.Temperature != nil {
		cfg.Temperature = *o.Temperature
	}
	if o.Seed != nil {
		seed, err := ParseSeed(*o.Seed)
		if err != nil {
			return erruser.New("--seed must be an integer or \"none\".", err)
		}
		cfg.Seed = seed
	}
	if o.MaxTokens != nil {
		cfg.MaxTokens = *o.MaxTokens
	}
	if o.MaxMessageTokens != nil {
		cfg.MaxMessageTokens = *o.MaxMessageTokens
	}
	if o.KeepSystemMessage != nil {
		cfg.KeepSystemMessage = *o.KeepSystemMessage
	}
	if o.PruneMessages != nil {
		cfg.PruneMessages = *o.PruneMessages
	}
	if o.Timeout != nil {
		cfg.Timeout = *o.Timeout
	}
	if o.Concurrency != nil {
		cfg.Concurrency = *o.Concurrency
	}
	if o.RatePerSecond != nil {
		cfg.RatePerSecond = *o.RatePerSecond
	}
	if o.Tokenizer != nil && *o.Tokenizer != "" {
		cfg.Tokenizer = *o.Tokenizer
	}
	return nil
}
