package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrEmptyConversation is returned when a conversation file holds no messages.
var ErrEmptyConversation = errors.New("conversation has no messages")

// conversationFile is the object form of a conversation file: {"messages": [...]}.
type conversationFile struct {
	Messages []Message `json:"messages" yaml:"messages"`
}

// LoadFile reads a conversation from path. Files ending in .yaml or .yml are
// parsed as YAML; anything else as JSON. The file holds either a top-level
// list of messages or an object with a "messages" list. Every message is
// validated; the first invalid one fails the load.
func LoadFile(path string) ([]Message, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read conversation: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return ParseJSON(data)
	}
}

// ParseJSON parses a JSON conversation (list or {"messages": [...]}).
func ParseJSON(data []byte) ([]Message, error) {
	trimmed := bytes.TrimSpace(data)
	var msgs []Message
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &msgs); err != nil {
			return nil, fmt.Errorf("parse conversation: %w", err)
		}
	} else {
		var f conversationFile
		if err := json.Unmarshal(trimmed, &f); err != nil {
			return nil, fmt.Errorf("parse conversation: %w", err)
		}
		msgs = f.Messages
	}
	return validateAll(msgs)
}

// ParseYAML parses a YAML conversation (sequence or mapping with "messages").
func ParseYAML(data []byte) ([]Message, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse conversation: %w", err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, ErrEmptyConversation
	}
	root := doc.Content[0]
	var msgs []Message
	switch root.Kind {
	case yaml.SequenceNode:
		if err := root.Decode(&msgs); err != nil {
			return nil, fmt.Errorf("parse conversation: %w", err)
		}
	case yaml.MappingNode:
		var f conversationFile
		if err := root.Decode(&f); err != nil {
			return nil, fmt.Errorf("parse conversation: %w", err)
		}
		msgs = f.Messages
	default:
		return nil, fmt.Errorf("parse conversation: unexpected YAML node at line %d", root.Line)
	}
	return validateAll(msgs)
}

func validateAll(msgs []Message) ([]Message, error) {
	if len(msgs) == 0 {
		return nil, ErrEmptyConversation
	}
	for i, m := range msgs {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
	}
	return msgs, nil
}
