// Package message defines chat messages and conversations sent to the
// completion endpoint. Messages are values: a conversation is an ordered
// slice, oldest turn first.
package message

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleFunction  Role = "function"
)

var (
	// ErrInvalidRole is returned when a message role is not one of system, user, assistant, function.
	ErrInvalidRole = errors.New("invalid message role")
	// ErrNameRequired is returned when a function message has no name.
	ErrNameRequired = errors.New("name is required when role is function")
)

// FunctionCall is the structured payload an assistant message carries instead
// of (or alongside) text content.
type FunctionCall struct {
	Name      string `json:"name" yaml:"name"`
	Arguments string `json:"arguments" yaml:"arguments"`
}

// String renders the call as name(arguments).
func (f FunctionCall) String() string {
	return f.Name + "(" + f.Arguments + ")"
}

// Message is a single chat turn. Content may be empty when FunctionCall is set.
type Message struct {
	Role         Role          `json:"role" yaml:"role"`
	Content      string        `json:"content" yaml:"content"`
	Name         string        `json:"name,omitempty" yaml:"name,omitempty"`
	FunctionCall *FunctionCall `json:"function_call,omitempty" yaml:"function_call,omitempty"`
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant, RoleFunction:
		return true
	}
	return false
}

// Validate checks the role/name invariant.
func (m Message) Validate() error {
	if !m.Role.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidRole, m.Role)
	}
	if m.Role == RoleFunction && strings.TrimSpace(m.Name) == "" {
		return ErrNameRequired
	}
	return nil
}

// New builds a validated message. name may be empty except for RoleFunction.
func New(role Role, content, name string) (Message, error) {
	m := Message{Role: role, Content: content, Name: name}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// System returns a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User returns a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Assistant returns an assistant message.
func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// Function returns a function-result message; name is required.
func Function(name, content string) (Message, error) {
	return New(RoleFunction, content, name)
}

// Text returns the text a message contributes to the prompt: Content, or the
// function call rendered as a string when Content is empty, else "".
func (m Message) Text() string {
	if m.Content != "" {
		return m.Content
	}
	if m.FunctionCall != nil {
		return m.FunctionCall.String()
	}
	return ""
}

// Clone returns a copy of msgs that shares no FunctionCall pointers with the input.
func Clone(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		if m.FunctionCall != nil {
			fc := *m.FunctionCall
			m.FunctionCall = &fc
		}
		out[i] = m
	}
	return out
}
