// Package trace provides a small Tracer for writing internal step output to stderr
// when --trace is set. No-op when the writer is nil.
package trace

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"apo/cli/internal/message"
	"apo/cli/internal/tokens"
)

// previewRunes is how much of each message Conversation prints.
const previewRunes = 60

// Tracer writes sectioned trace output. When the underlying writer is nil, all methods no-op.
// A Tracer may be shared between goroutines; each call is written as one block.
type Tracer struct {
	mu sync.Mutex
	w  io.Writer
}

// New returns a Tracer that writes to w. If w is nil, all methods no-op.
func New(w io.Writer) *Tracer {
	return &Tracer{w: w}
}

// Enabled returns true if the tracer has a non-nil writer.
func (t *Tracer) Enabled() bool {
	return t != nil && t.w != nil
}

// Section writes a section header: "\n[apo:trace] === name ===\n"
func (t *Tracer) Section(name string) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.section(name)
}

func (t *Tracer) section(name string) {
	fmt.Fprintf(t.w, "\n[apo:trace] === %s ===\n", name)
}

// Printf writes to the trace writer when enabled. Format and args are as in fmt.Printf.
func (t *Tracer) Printf(format string, args ...interface{}) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.w, format, args...)
}

// Conversation writes one line per message (index, role, token count and a
// single-line preview) followed by the conversation total. Token counts are
// omitted when counter is nil.
func (t *Tracer) Conversation(name string, msgs []message.Message, counter *tokens.Counter) {
	if !t.Enabled() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.section(name)
	for i, m := range msgs {
		if counter != nil {
			fmt.Fprintf(t.w, "%3d %-9s %5d  %s\n", i, m.Role, counter.CountMessage(m), preview(m.Text()))
		} else {
			fmt.Fprintf(t.w, "%3d %-9s %s\n", i, m.Role, preview(m.Text()))
		}
	}
	if counter != nil {
		fmt.Fprintf(t.w, "messages=%d tokens=%d\n", len(msgs), counter.CountConversation(msgs))
	} else {
		fmt.Fprintf(t.w, "messages=%d\n", len(msgs))
	}
}

func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= previewRunes {
		return s
	}
	return string(r[:previewRunes]) + "..."
}
