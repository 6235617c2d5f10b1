package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/stopgate/internal/harness"
)

func TestParseStream_Golden(t *testing.T) {
	stream := strings.Join([]string{
		`{"type":"system","subtype":"init","session_id":"abc","cwd":"/w"}`,
		`{"type":"system","subtype":"hook_response","hook_name":"Stop","stdout":"PLAN MODE: writes blocked\n","stderr":""}`,
		`not json at all`,
		`{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"I will plan first."},{"type":"tool_use","id":"t1","name":"Write","input":{"file_path":"notes.txt"}}]}}`,
		`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","tool_use_id":"t1","content":"blocked by hook","is_error":true}]}}`,
		`{"type":"result","subtype":"success","result":"Stopped: planning incomplete","is_error":false}`,
	}, "\n")

	harness.AssertGolden(t, "stream_events", ParseStream([]byte(stream)))
}

func TestParseStream_ContentForms(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []harness.Event
	}{
		{
			name: "string content",
			line: `{"type":"user","message":{"role":"user","content":"plain prompt"}}`,
			want: []harness.Event{{Type: "user", Text: "plain prompt"}},
		},
		{
			name: "nested tool result blocks",
			line: `{"type":"user","message":{"content":[{"type":"tool_result","content":[{"type":"text","text":"a"},{"type":"text","text":"b"}]}]}}`,
			want: []harness.Event{{Type: "user", Subtype: "tool_result", Text: "a\nb"}},
		},
		{
			name: "error result",
			line: `{"type":"result","subtype":"error_max_turns","is_error":true}`,
			want: []harness.Event{{Type: "result", Subtype: "error_max_turns", IsError: true}},
		},
		{
			name: "unknown type ignored",
			line: `{"type":"stream_event","event":{}}`,
			want: nil,
		},
		{
			name: "assistant without message",
			line: `{"type":"assistant"}`,
			want: nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseStream([]byte(tt.line)))
		})
	}
}
