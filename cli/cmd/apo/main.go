package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"apo/cli/internal/completion"
	"apo/cli/internal/config"
	"apo/cli/internal/erruser"
	"apo/cli/internal/message"
	"apo/cli/internal/run"
	"apo/cli/internal/tokens"
	"apo/cli/internal/trace"
	"apo/cli/internal/version"
)

// errExit is an error that carries an exit code for the CLI. Use errors.As to detect it.
type errExit int

func (e errExit) Error() string {
	return "exit " + strconv.Itoa(int(e))
}

func main() {
	os.Exit(Run())
}

// Run is the entry point for the CLI.
func Run() int {
	return runCLI(os.Args[1:])
}

func runCLI(args []string) int {
	return execute(args, os.Stdout, os.Stderr)
}

// execute runs the root command with the given output streams. Errors are
// printed to stderr with a Details line for user errors that carry a cause.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	rootCmd := newRootCmd()
	rootCmd.SetArgs(args)
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exitErr errExit
		if errors.As(err, &exitErr) {
			return int(exitErr)
		}
		fmt.Fprintln(stderr, err)
		if d := erruser.Details(err); d != "" {
			fmt.Fprintf(stderr, "Details: %s\n", d)
		}
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "apo",
		Short:   "Token-budgeted chat completions",
		Version: version.String(),
	}
	addConfigFlags(rootCmd.PersistentFlags())
	rootCmd.AddCommand(newCountCmd())
	rootCmd.AddCommand(newBufferCmd())
	rootCmd.AddCommand(newCompleteCmd())
	rootCmd.AddCommand(newBatchCmd())
	rootCmd.AddCommand(newDoctorCmd())
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	return rootCmd
}

// addConfigFlags registers the flags that override config files and env.
func addConfigFlags(fs *pflag.FlagSet) {
	fs.String("model", "", "Model name (overrides config and APO_MODEL)")
	fs.String("base-url", "", "Completion API root, e.g. https://api.openai.com/v1")
	fs.Float64("temperature", 0, "Sampling temperature (0-2)")
	fs.String("seed", "", `Sampling seed, or "none" to send no seed`)
	fs.Int("max-tokens", 0, "Token budget for the whole conversation")
	fs.Int("max-message-tokens", 0, "Token ceiling for a single message")
	fs.Bool("keep-system-message", false, "Never evict system messages")
	fs.Bool("prune-messages", true, "Truncate messages over --max-message-tokens")
	fs.Duration("timeout", 0, "Timeout for a single call attempt")
	fs.Int("concurrency", 0, "Max conversations in flight (batch)")
	fs.Float64("rate", 0, "Max calls started per second (batch; 0 = unlimited)")
	fs.String("tokenizer", "", "Token counting: tiktoken (model encoding) or estimate (offline)")
	fs.Bool("trace", false, "Print conversations before and after buffering to stderr")
	fs.BoolP("verbose", "v", false, "Debug logging (same as APO_DEBUG=1)")
}

// overridesFromFlags returns config overrides for every flag the user set.
func overridesFromFlags(fs *pflag.FlagSet) *config.Overrides {
	o := &config.Overrides{}
	if fs.Changed("model") {
		v, _ := fs.GetString("model")
		o.Model = &v
	}
	if fs.Changed("base-url") {
		v, _ := fs.GetString("base-url")
		o.BaseURL = &v
	}
	if fs.Changed("temperature") {
		v, _ := fs.GetFloat64("temperature")
		o.Temperature = &v
	}
	if fs.Changed("seed") {
		v, _ := fs.GetString("seed")
		o.Seed = &v
	}
	if fs.Changed("max-tokens") {
		v, _ := fs.GetInt("max-tokens")
		o.MaxTokens = &v
	}
	if fs.Changed("max-message-tokens") {
		v, _ := fs.GetInt("max-message-tokens")
		o.MaxMessageTokens = &v
	}
	if fs.Changed("keep-system-message") {
		v, _ := fs.GetBool("keep-system-message")
		o.KeepSystemMessage = &v
	}
	if fs.Changed("prune-messages") {
		v, _ := fs.GetBool("prune-messages")
		o.PruneMessages = &v
	}
	if fs.Changed("timeout") {
		v, _ := fs.GetDuration("timeout")
		o.Timeout = &v
	}
	if fs.Changed("concurrency") {
		v, _ := fs.GetInt("concurrency")
		o.Concurrency = &v
	}
	if fs.Changed("rate") {
		v, _ := fs.GetFloat64("rate")
		o.RatePerSecond = &v
	}
	if fs.Changed("tokenizer") {
		v, _ := fs.GetString("tokenizer")
		o.Tokenizer = &v
	}
	return o
}

// newLogger returns a text logger on w. Debug level when verbose or
// APO_DEBUG is set, info otherwise.
func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose || os.Getenv("APO_DEBUG") != "" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// env is what every command needs: resolved config, logger, tracer and
// token counter.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	tracer  *trace.Tracer
	counter *tokens.Counter
}

func loadEnv(cmd *cobra.Command) (*env, error) {
	fs := cmd.Flags()
	verbose, _ := fs.GetBool("verbose")
	traceOn, _ := fs.GetBool("trace")
	logger := newLogger(cmd.ErrOrStderr(), verbose)

	cwd, err := os.Getwd()
	if err != nil {
		return nil, erruser.New("Could not determine current directory.", err)
	}
	cfg, err := config.Load(cmd.Context(), config.LoadOptions{
		RepoRoot:  cwd,
		Overrides: overridesFromFlags(fs),
	})
	if err != nil {
		return nil, err
	}
	var tracer *trace.Tracer
	if traceOn {
		tracer = trace.New(cmd.ErrOrStderr())
	}
	tok, err := tokens.ForKind(cfg.Tokenizer, cfg.Model, logger)
	if err != nil {
		return nil, erruser.New("Unknown tokenizer.", err)
	}
	logger.Debug("configuration loaded", "model", cfg.Model, "base_url", cfg.BaseURL,
		"tokenizer", cfg.Tokenizer, "max_tokens", cfg.MaxTokens, "max_message_tokens", cfg.MaxMessageTokens)
	return &env{cfg: cfg, logger: logger, tracer: tracer, counter: tokens.NewCounter(tok)}, nil
}

func (e *env) deps(withClient bool) run.Deps {
	d := run.Deps{
		Counter: e.counter,
		Config:  *e.cfg,
		Logger:  e.logger,
		Trace:   e.tracer,
	}
	if withClient {
		d.Client = e.client()
	}
	return d
}

func (e *env) client() *completion.Client {
	return completion.NewClient(completion.Config{
		BaseURL:        e.cfg.BaseURL,
		APIKey:         e.cfg.APIKey,
		AttemptTimeout: e.cfg.Timeout,
		Logger:         e.logger,
	})
}

func loadConversation(path string) ([]message.Message, error) {
	msgs, err := message.LoadFile(path)
	if err != nil {
		return nil, erruser.New(fmt.Sprintf("Could not load conversation %s.", path), err)
	}
	return msgs, nil
}

func newCountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count FILE",
		Short: "Print the token count of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE:  runCount,
	}
	cmd.Flags().Bool("per-message", false, "Also print the count of every message")
	return cmd
}

func runCount(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	msgs, err := loadConversation(args[0])
	if err != nil {
		return err
	}
	counter := e.counter
	out := cmd.OutOrStdout()
	if perMessage, _ := cmd.Flags().GetBool("per-message"); perMessage {
		for i, m := range msgs {
			fmt.Fprintf(out, "%d\t%s\t%d\n", i, m.Role, counter.CountMessage(m))
		}
	}
	fmt.Fprintln(out, counter.CountConversation(msgs))
	return nil
}

func newBufferCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "buffer FILE",
		Short: "Fit a conversation into the token budget and print it",
		Args:  cobra.ExactArgs(1),
		RunE:  runBuffer,
	}
	cmd.Flags().StringP("output", "o", "json", "Output format: json or yaml")
	return cmd
}

func runBuffer(cmd *cobra.Command, args []string) error {
	format, _ := cmd.Flags().GetString("output")
	if format != "json" && format != "yaml" {
		return erruser.New(fmt.Sprintf("Unknown output format %q; use json or yaml.", format), nil)
	}
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	msgs, err := loadConversation(args[0])
	if err != nil {
		return err
	}
	res := run.Prepare(e.deps(false), msgs)
	return writeMessages(cmd.OutOrStdout(), format, res.Buffered.Messages)
}

func writeMessages(w io.Writer, format string, msgs []message.Message) error {
	if msgs == nil {
		msgs = []message.Message{}
	}
	if format == "yaml" {
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(msgs); err != nil {
			return erruser.New("Could not write conversation.", err)
		}
		return enc.Close()
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(msgs); err != nil {
		return erruser.New("Could not write conversation.", err)
	}
	return nil
}

func newCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete FILE",
		Short: "Buffer a conversation, send it, and print the reply",
		Args:  cobra.ExactArgs(1),
		RunE:  runComplete,
	}
	cmd.Flags().Bool("json", false, "Print the reply as a JSON message")
	return cmd
}

func runComplete(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	msgs, err := loadConversation(args[0])
	if err != nil {
		return err
	}
	res, err := run.Complete(cmd.Context(), e.deps(true), msgs)
	if err != nil {
		return completionError(err)
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		data, err := json.Marshal(res.Reply)
		if err != nil {
			return erruser.New("Could not write reply.", err)
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	fmt.Fprintln(out, res.Reply.Text())
	return nil
}

// completionError turns a run/completion failure into a user error.
func completionError(err error) error {
	if errors.Is(err, run.ErrNothingToSend) {
		return erruser.New("Nothing to send: every message was evicted. Raise --max-tokens or use --keep-system-message.", err)
	}
	var cerr *completion.Error
	if errors.As(err, &cerr) {
		if cerr.Retryable() {
			return erruser.New("Completion failed after retries.", err)
		}
		return erruser.New("Completion request was rejected.", err)
	}
	return erruser.New("Completion failed.", err)
}

func newBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "batch FILE...",
		Short: "Complete several conversations concurrently; prints JSON lines",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runBatch,
	}
}

// batchLine is one JSON line of batch output.
type batchLine struct {
	File      string           `json:"file"`
	Reply     *message.Message `json:"reply,omitempty"`
	Error     string           `json:"error,omitempty"`
	Tokens    int              `json:"tokens"`
	Truncated int              `json:"truncated"`
	Evicted   int              `json:"evicted"`
}

func runBatch(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	convs := make([][]message.Message, len(args))
	for i, path := range args {
		if convs[i], err = loadConversation(path); err != nil {
			return err
		}
	}
	results := run.Batch(cmd.Context(), e.deps(true), convs, run.BatchOptions{
		Concurrency:   e.cfg.Concurrency,
		RatePerSecond: e.cfg.RatePerSecond,
	})
	enc := json.NewEncoder(cmd.OutOrStdout())
	for _, r := range results {
		line := batchLine{
			File:      args[r.Index],
			Tokens:    r.Buffered.Tokens,
			Truncated: r.Buffered.Truncated,
			Evicted:   r.Buffered.Evicted,
		}
		if r.Err != nil {
			line.Error = r.Err.Error()
		} else {
			reply := r.Reply
			line.Reply = &reply
		}
		if err := enc.Encode(line); err != nil {
			return erruser.New("Could not write batch results.", err)
		}
	}
	stats := run.Summarize(results)
	e.logger.Info("batch done", "conversations", stats.Conversations, "succeeded", stats.Succeeded,
		"failed", stats.Failed, "truncated", stats.Truncated, "evicted", stats.Evicted)
	if stats.Failed > 0 {
		return errExit(1)
	}
	return nil
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Verify the completion endpoint and model",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	}
}

func runDoctor(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	ok := color.New(color.FgGreen, color.Bold).SprintFunc()
	fail := color.New(color.FgRed, color.Bold).SprintFunc()
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()

	result, err := e.client().Check(cmd.Context(), e.cfg.Model)
	if err != nil {
		if errors.Is(err, completion.ErrUnreachable) {
			fmt.Fprintf(errOut, "%s endpoint unreachable at %s. Check --base-url and your API key.\n", fail("FAIL"), e.cfg.BaseURL)
			fmt.Fprintf(errOut, "Details: %v\n", err)
			return errExit(2)
		}
		return err
	}
	fmt.Fprintf(out, "%s endpoint %s\n", ok("OK"), e.cfg.BaseURL)
	if !result.ModelPresent {
		fmt.Fprintf(errOut, "%s model %q not listed (%d models available)\n", fail("FAIL"), e.cfg.Model, len(result.ModelNames))
		if len(result.ModelNames) > 0 {
			fmt.Fprintf(errOut, "Available: %s\n", strings.Join(result.ModelNames, ", "))
		}
		return errExit(1)
	}
	fmt.Fprintf(out, "%s model %s\n", ok("OK"), e.cfg.Model)
	if e.cfg.Tokenizer == tokens.KindEstimate {
		fmt.Fprintf(out, "%s tokenizer estimate (chars/4)\n", color.YellowString("WARN"))
		return nil
	}
	if _, err := tokens.ForModel(e.cfg.Model); err != nil {
		fmt.Fprintf(out, "%s tokenizer unavailable, counts are estimates (%v)\n", color.YellowString("WARN"), err)
		return nil
	}
	fmt.Fprintf(out, "%s tokenizer\n", ok("OK"))
	return nil
}
