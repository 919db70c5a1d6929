package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/fatih/color"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apo/cli/internal/message"
	"apo/cli/internal/tokens"
	"apo/cli/internal/version"
)

// Tests in this file set environment variables and so do not run in parallel.

const sampleConversation = `[
  {"role": "system", "content": "Classify sarcasm."},
  {"role": "user", "content": "I love Mondays."}
]`

// isolate points config lookup at an empty directory and forces the offline tokenizer.
func isolate(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)
	t.Setenv("APO_TOKENIZER", "estimate")
	for _, k := range []string{"APO_MODEL", "APO_BASE_URL", "APO_TEMPERATURE", "APO_SEED",
		"APO_MAX_TOKENS", "APO_MAX_MESSAGE_TOKENS", "APO_KEEP_SYSTEM_MESSAGE", "APO_PRUNE_MESSAGES",
		"APO_TIMEOUT", "APO_CONCURRENCY", "APO_RATE_PER_SECOND", "APO_CONTEXT_LIMIT",
		"APO_WARN_THRESHOLD", "APO_RESPONSE_RESERVE", "APO_DEBUG", "APO_API_KEY", "OPENAI_API_KEY"} {
		t.Setenv(k, "")
	}
	noColor := color.NoColor
	color.NoColor = true
	t.Cleanup(func() { color.NoColor = noColor })
}

func writeConversation(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func runArgs(args ...string) (code int, stdout, stderr string) {
	var out, errOut bytes.Buffer
	code = execute(args, &out, &errOut)
	return code, out.String(), errOut.String()
}

const okBody = `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"gpt-3.5-turbo",
"choices":[{"index":0,"message":{"role":"assistant","content":"Yes."},"finish_reason":"stop"}],
"usage":{"prompt_tokens":10,"completion_tokens":2,"total_tokens":12}}`

// newServer answers chat completions with okBody, or a 400 when the last
// message is "reject". calls counts completion requests.
func newServer(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/models":
			_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-3.5-turbo","object":"model"}]}`))
		case "/v1/chat/completions":
			calls.Add(1)
			var req struct {
				Messages []message.Message `json:"messages"`
			}
			assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			if n := len(req.Messages); n > 0 && req.Messages[n-1].Content == "reject" {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":{"message":"rejected","type":"invalid_request_error"}}`))
				return
			}
			_, _ = w.Write([]byte(okBody))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute_helpAndVersion(t *testing.T) {
	isolate(t)
	code, out, _ := runArgs("--help")
	assert.Equal(t, 0, code)
	for _, sub := range []string{"count", "buffer", "complete", "batch", "doctor"} {
		assert.Contains(t, out, sub)
	}
	code, out, _ = runArgs("--version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, version.String())
}

func TestCount(t *testing.T) {
	isolate(t)
	path := writeConversation(t, "conv.json", sampleConversation)
	msgs, err := message.LoadFile(path)
	require.NoError(t, err)
	counter := tokens.NewCounter(tokens.ByteTokenizer{})

	code, out, stderr := runArgs("count", path)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, strconv.Itoa(counter.CountConversation(msgs))+"\n", out)

	code, out, _ = runArgs("count", "--per-message", path)
	require.Equal(t, 0, code)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, fmt.Sprintf("0\tsystem\t%d", counter.CountMessage(msgs[0])), lines[0])
}

func TestCount_missingFile(t *testing.T) {
	isolate(t)
	code, _, stderr := runArgs("count", filepath.Join(t.TempDir(), "nope.json"))
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Could not load conversation")
	assert.Contains(t, stderr, "Details:")
}

func TestBuffer_evictsToBudget(t *testing.T) {
	isolate(t)
	long := strings.Repeat("x", 40)
	path := writeConversation(t, "conv.json", fmt.Sprintf(`[
  {"role": "system", "content": "sys"},
  {"role": "user", "content": %q},
  {"role": "assistant", "content": %q},
  {"role": "user", "content": "last"}
]`, long, long))

	code, out, stderr := runArgs("buffer", "--max-tokens", "30", "--keep-system-message", path)
	require.Equal(t, 0, code, stderr)
	got, err := message.ParseJSON([]byte(out))
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, message.System("sys"), got[0])
	assert.Equal(t, "last", got[len(got)-1].Content)
	assert.Less(t, len(got), 4)
	assert.Contains(t, stderr, "message evicted")
}

func TestBuffer_yamlOutput(t *testing.T) {
	isolate(t)
	path := writeConversation(t, "conv.json", sampleConversation)
	code, out, stderr := runArgs("buffer", "-o", "yaml", path)
	require.Equal(t, 0, code, stderr)
	got, err := message.ParseYAML([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, []message.Message{message.System("Classify sarcasm."), message.User("I love Mondays.")}, got)
}

func TestBuffer_badFormat(t *testing.T) {
	isolate(t)
	path := writeConversation(t, "conv.json", sampleConversation)
	code, _, stderr := runArgs("buffer", "-o", "xml", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `Unknown output format "xml"`)
}

func TestBuffer_traceWritesStderr(t *testing.T) {
	isolate(t)
	path := writeConversation(t, "conv.json", sampleConversation)
	code, _, stderr := runArgs("buffer", "--trace", path)
	require.Equal(t, 0, code)
	assert.Contains(t, stderr, "[apo:trace] === Buffered ===")
}

func TestComplete(t *testing.T) {
	isolate(t)
	var calls atomic.Int32
	srv := newServer(t, &calls)
	path := writeConversation(t, "conv.json", sampleConversation)

	code, out, stderr := runArgs("complete", "--base-url", srv.URL+"/v1", path)
	require.Equal(t, 0, code, stderr)
	assert.Equal(t, "Yes.\n", out)
	assert.Equal(t, int32(1), calls.Load())

	code, out, _ = runArgs("complete", "--json", "--base-url", srv.URL+"/v1", path)
	require.Equal(t, 0, code)
	var reply message.Message
	require.NoError(t, json.Unmarshal([]byte(out), &reply))
	assert.Equal(t, message.Assistant("Yes."), reply)
}

func TestComplete_rejectedNotRetried(t *testing.T) {
	isolate(t)
	var calls atomic.Int32
	srv := newServer(t, &calls)
	path := writeConversation(t, "conv.json", `[{"role": "user", "content": "reject"}]`)

	code, _, stderr := runArgs("complete", "--base-url", srv.URL+"/v1", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Completion request was rejected.")
	assert.Contains(t, stderr, "Details:")
	assert.Equal(t, int32(1), calls.Load())
}

func TestComplete_nothingToSend(t *testing.T) {
	isolate(t)
	var calls atomic.Int32
	srv := newServer(t, &calls)
	path := writeConversation(t, "conv.json", sampleConversation)
	code, _, stderr := runArgs("complete", "--max-tokens", "1", "--base-url", srv.URL+"/v1", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "Nothing to send")
	assert.Zero(t, calls.Load())
}

func TestBatch(t *testing.T) {
	isolate(t)
	var calls atomic.Int32
	srv := newServer(t, &calls)
	good := writeConversation(t, "good.json", sampleConversation)
	bad := writeConversation(t, "bad.yaml", "- role: user\n  content: reject\n")

	code, out, _ := runArgs("batch", "--concurrency", "2", "--base-url", srv.URL+"/v1", good, bad, good)
	assert.Equal(t, 1, code, "a failed conversation sets the exit code")
	assert.Equal(t, int32(3), calls.Load())

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	var results []batchLine
	for _, l := range lines {
		var bl batchLine
		require.NoError(t, json.Unmarshal([]byte(l), &bl))
		results = append(results, bl)
	}
	assert.Equal(t, good, results[0].File)
	require.NotNil(t, results[0].Reply)
	assert.Equal(t, "Yes.", results[0].Reply.Content)
	assert.Equal(t, bad, results[1].File)
	assert.NotEmpty(t, results[1].Error)
	assert.Nil(t, results[1].Reply)
	assert.Equal(t, good, results[2].File)
}

func TestDoctor(t *testing.T) {
	isolate(t)
	var calls atomic.Int32
	srv := newServer(t, &calls)

	code, out, stderr := runArgs("doctor", "--base-url", srv.URL+"/v1")
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, out, "OK endpoint")
	assert.Contains(t, out, "OK model gpt-3.5-turbo")
	assert.Contains(t, out, "WARN tokenizer estimate")

	code, _, stderr = runArgs("doctor", "--model", "gpt-9", "--base-url", srv.URL+"/v1")
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, `model "gpt-9" not listed`)
	assert.Contains(t, stderr, "Available: gpt-3.5-turbo")
}

func TestDoctor_unreachable(t *testing.T) {
	isolate(t)
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	code, _, stderr := runArgs("doctor", "--base-url", url+"/v1")
	assert.Equal(t, 2, code)
	assert.Contains(t, stderr, "endpoint unreachable")
}

func TestInvalidConfigFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("APO_MAX_TOKENS", "many")
	path := writeConversation(t, "conv.json", sampleConversation)
	code, _, stderr := runArgs("count", path)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr, "APO_MAX_TOKENS must be a valid number.")
	assert.Contains(t, stderr, "Details:")
}

func TestOverridesFromFlags(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	addConfigFlags(fs)
	require.NoError(t, fs.Parse([]string{"--model", "gpt-4o", "--seed", "none", "--prune-messages=false", "--timeout", "30s", "--rate", "2"}))
	o := overridesFromFlags(fs)
	require.NotNil(t, o.Model)
	assert.Equal(t, "gpt-4o", *o.Model)
	require.NotNil(t, o.Seed)
	assert.Equal(t, "none", *o.Seed)
	require.NotNil(t, o.PruneMessages)
	assert.False(t, *o.PruneMessages)
	require.NotNil(t, o.Timeout)
	assert.Equal(t, "30s", o.Timeout.String())
	require.NotNil(t, o.RatePerSecond)
	assert.Equal(t, 2.0, *o.RatePerSecond)
	assert.Nil(t, o.MaxTokens, "unset flags do not override")
	assert.Nil(t, o.KeepSystemMessage)
	assert.Nil(t, o.Temperature)
}

func TestErrExit(t *testing.T) {
	assert.Equal(t, "exit 2", errExit(2).Error())
}
