// Package limiter truncates tool-result payloads so long outputs cannot
// blow the upstream prompt budget.
package limiter

import (
	"fmt"
	"log"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agproxy/internal/config"
)

// OmittedSentinel replaces a tool output once the global budget is spent.
const OmittedSentinel = "[agproxy] tool output omitted (prompt budget exceeded)."

// Budget tracks the remaining global character allowance for one request.
// Not safe for concurrent use; scope one Budget per request.
type Budget struct {
	perToolCap int
	remaining  int
	hasTotal   bool
	unlimited  bool
	tailChars  int
	logTrunc   bool
}

func NewBudget(cfg *config.Config) *Budget {
	b := &Budget{
		perToolCap: cfg.ToolResultMaxChars,
		remaining:  cfg.ToolResultTotalMaxChars,
		hasTotal:   cfg.ToolResultTotalMaxChars > 0,
		tailChars:  cfg.ToolResultTailChars,
		logTrunc:   cfg.ToolResultTruncateLog,
	}
	if b.perToolCap <= 0 && !b.hasTotal {
		b.unlimited = true
	}
	return b
}

// Limit normalises a tool result to text and truncates it under the budget.
// Idempotent: re-limiting already-truncated output at the same budget is a
// no-op.
func (b *Budget) Limit(value interface{}, toolName string, isError bool) string {
	raw := NormalizeToolOutput(value, isError)
	if b.unlimited {
		return raw
	}

	maxAllowed := b.perToolCap
	if b.hasTotal && (maxAllowed <= 0 || b.remaining < maxAllowed) {
		maxAllowed = b.remaining
	}
	if maxAllowed <= 0 {
		return OmittedSentinel
	}

	runes := []rune(raw)
	if len(runes) <= maxAllowed {
		b.consume(len(runes))
		return raw
	}

	tail := b.tailChars
	if tail > maxAllowed {
		tail = maxAllowed
	}
	sep := fmt.Sprintf("\n\n[agproxy] tool output truncated: %d -> %d chars\n\n", len(runes), maxAllowed)
	head := maxAllowed - len([]rune(sep)) - tail
	if head < 0 {
		head = 0
	}

	out := string(runes[:head]) + sep + string(runes[len(runes)-tail:])
	b.consume(maxAllowed)
	if b.logTrunc {
		log.Printf("[Limiter] Truncated tool %q output: %d -> %d chars", toolName, len(runes), maxAllowed)
	}
	return out
}

func (b *Budget) consume(n int) {
	if b.remaining > 0 {
		b.remaining -= n
		if b.remaining < 0 {
			b.remaining = 0
		}
	}
}

// NormalizeToolOutput projects a tool result value to text. JSON-looking
// strings are parsed and the text pulled from the common wrapper shapes;
// anything else is stringified. Errors get a [tool_error] prefix.
func NormalizeToolOutput(value interface{}, isError bool) string {
	text := projectText(value)
	if isError && !strings.HasPrefix(text, "[tool_error]") {
		return "[tool_error]\n" + text
	}
	return text
}

func projectText(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
			var parsed interface{}
			if err := sonic.UnmarshalString(trimmed, &parsed); err == nil {
				if text, ok := extractText(parsed); ok {
					return text
				}
			}
		}
		return v
	default:
		if text, ok := extractText(v); ok {
			return text
		}
		out, err := sonic.MarshalString(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return out
	}
}

// extractText understands {content:[{text}...]}, {text|output|message}, and
// arrays of {text|content}.
func extractText(v interface{}) (string, bool) {
	switch vv := v.(type) {
	case map[string]interface{}:
		if content, ok := vv["content"].([]interface{}); ok {
			var parts []string
			for _, item := range content {
				if m, ok := item.(map[string]interface{}); ok {
					if t, ok := m["text"].(string); ok {
						parts = append(parts, t)
					}
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "\n"), true
			}
		}
		for _, key := range []string{"text", "output", "message"} {
			if t, ok := vv[key].(string); ok {
				return t, true
			}
		}
	case []interface{}:
		var parts []string
		for _, item := range vv {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				parts = append(parts, t)
			} else if t, ok := m["content"].(string); ok {
				parts = append(parts, t)
			}
		}
		if len(parts) > 0 {
			return strings.Join(parts, "\n"), true
		}
	}
	return "", false
}
