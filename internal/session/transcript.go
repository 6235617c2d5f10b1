package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	"github.com/roach88/stopgate/internal/harness"
)

// streamMessage covers the fields stopgate reads from claude stream-json
// lines. Everything else is ignored.
type streamMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	// system hook_response
	HookName string `json:"hook_name"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`

	// assistant and user
	Message *struct {
		Content json.RawMessage `json:"content"`
	} `json:"message"`

	// result
	Result  string `json:"result"`
	IsError bool   `json:"is_error"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Content json.RawMessage `json:"content"`
	IsError *bool           `json:"is_error"`
}

// ParseStream turns stream-json output into transcript events. Lines that
// are not JSON objects are skipped; they remain in the raw stdout.
func ParseStream(stdout []byte) []harness.Event {
	var events []harness.Event
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg streamMessage
		if err := json.Unmarshal(line, &msg); err != nil || msg.Type == "" {
			continue
		}

		switch msg.Type {
		case "system":
			text := strings.TrimSpace(strings.Join(nonEmpty(msg.Stdout, msg.Stderr), "\n"))
			events = append(events, harness.Event{Type: msg.Type, Subtype: msg.Subtype, Text: text, Tool: msg.HookName})
		case "assistant", "user":
			if msg.Message == nil {
				continue
			}
			events = append(events, contentEvents(msg.Type, msg.Message.Content)...)
		case "result":
			events = append(events, harness.Event{Type: msg.Type, Subtype: msg.Subtype, Text: msg.Result, IsError: msg.IsError})
		}
	}
	return events
}

// contentEvents flattens a message's content, which is either a string or
// an array of blocks.
func contentEvents(typ string, raw json.RawMessage) []harness.Event {
	if len(raw) == 0 {
		return nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return []harness.Event{{Type: typ, Text: s}}
	}

	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil
	}
	var events []harness.Event
	for _, b := range blocks {
		switch b.Type {
		case "text":
			events = append(events, harness.Event{Type: typ, Subtype: b.Type, Text: b.Text})
		case "tool_use":
			events = append(events, harness.Event{Type: typ, Subtype: b.Type, Tool: b.Name})
		case "tool_result":
			events = append(events, harness.Event{
				Type:    typ,
				Subtype: b.Type,
				Text:    toolResultText(b.Content),
				IsError: b.IsError != nil && *b.IsError,
			})
		}
	}
	return events
}

// toolResultText reads tool_result content, a string or nested text blocks.
func toolResultText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var parts []string
	for _, b := range blocks {
		if b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func nonEmpty(values ...string) []string {
	out := values[:0]
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}
