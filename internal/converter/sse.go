package converter

import (
	"strings"

	"github.com/bytedance/sonic"
)

// FormatSSE frames one event for the wire. An empty event name emits a bare
// data line (OpenAI dialect); Anthropic frames carry the event name.
func FormatSSE(event string, data interface{}) []byte {
	var sb strings.Builder
	if event != "" {
		sb.WriteString("event: ")
		sb.WriteString(event)
		sb.WriteString("\n")
	}

	var dataBytes []byte
	switch v := data.(type) {
	case []byte:
		dataBytes = v
	case string:
		dataBytes = []byte(v)
	default:
		dataBytes, _ = sonic.Marshal(v)
	}

	sb.WriteString("data: ")
	sb.Write(dataBytes)
	sb.WriteString("\n\n")
	return []byte(sb.String())
}

// FormatDone returns the OpenAI stream terminator.
func FormatDone() []byte {
	return []byte("data: [DONE]\n\n")
}

// ParseSSELine extracts the JSON payload from one "data: {...}" line.
// Returns nil for empty lines, non-data lines, and the [DONE] marker.
func ParseSSELine(line []byte) []byte {
	s := strings.TrimSpace(string(line))
	if s == "" || !strings.HasPrefix(s, "data:") {
		return nil
	}
	payload := strings.TrimSpace(strings.TrimPrefix(s, "data:"))
	if payload == "" || payload == "[DONE]" || !strings.HasPrefix(payload, "{") {
		return nil
	}
	return []byte(payload)
}
