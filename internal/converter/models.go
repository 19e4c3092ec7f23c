package converter

import (
	"strings"

	"github.com/bytedance/sonic"
)

// DefaultThinkingBudget applies when a client enables thinking without a
// budget.
const DefaultThinkingBudget = 4096

// IsClaudeFamily reports whether the upstream model is Claude-served; those
// require lowercase schema type tokens and toolu_ call ids.
func IsClaudeFamily(model string) bool {
	return strings.Contains(strings.ToLower(model), "claude")
}

// IsThinkingModel is the thinking set: models that emit thought parts by
// default.
func IsThinkingModel(model string) bool {
	m := strings.ToLower(model)
	if strings.Contains(m, "-thinking") {
		return true
	}
	return strings.HasPrefix(m, "gemini-3-pro") || strings.HasPrefix(m, "gemini-2.5-pro")
}

// promoteMaxTokens ensures maxOutputTokens can fit the thinking budget on
// Claude thinking models (budget counts against output).
func promoteMaxTokens(maxTokens, budget int, model string) int {
	if !IsClaudeFamily(model) {
		return maxTokens
	}
	if want := 2 * budget; maxTokens < want {
		return want
	}
	return maxTokens
}

// Downgrade describes a request that lost thinking because signature replay
// was impossible.
type Downgrade struct {
	Reason            string   `json:"reason"`
	MissingCount      int      `json:"missing_count"`
	MissingToolUseIDs []string `json:"missing_tool_use_ids"`
}

// DowngradeLog renders the structured thinking_downgrade record for the log.
func DowngradeLog(d *Downgrade) string {
	rec := map[string]interface{}{
		"kind":                 "thinking_downgrade",
		"reason":               d.Reason,
		"missing_count":        d.MissingCount,
		"missing_tool_use_ids": d.MissingToolUseIDs,
	}
	out, _ := sonic.MarshalString(rec)
	return out
}

const downgradeReason = "missing_thinking_signature_for_tool_use_history"

const maxLoggedMissingIDs = 50

// parseContentBlocks converts a Claude message content value (string or
// block array) into typed blocks.
func parseContentBlocks(content interface{}) []ContentBlock {
	switch v := content.(type) {
	case string:
		if v == "" {
			return nil
		}
		return []ContentBlock{{Type: "text", Text: v}}
	case []interface{}:
		blocks := make([]ContentBlock, 0, len(v))
		for _, item := range v {
			raw, err := sonic.Marshal(item)
			if err != nil {
				continue
			}
			var b ContentBlock
			if err := sonic.Unmarshal(raw, &b); err != nil {
				continue
			}
			blocks = append(blocks, b)
		}
		return blocks
	case []ContentBlock:
		return v
	}
	return nil
}

// blocksToContent converts typed blocks back to the dynamic form stored on a
// ClaudeMessage.
func blocksToContent(blocks []ContentBlock) interface{} {
	out := make([]interface{}, 0, len(blocks))
	for _, b := range blocks {
		raw, err := sonic.Marshal(b)
		if err != nil {
			continue
		}
		var m map[string]interface{}
		if err := sonic.Unmarshal(raw, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}
