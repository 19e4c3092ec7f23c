package converter

import (
	"log"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/signature"
)

// ClaudeConverter translates between the Anthropic Messages dialect and the
// upstream.
type ClaudeConverter struct {
	cfg *config.Config
	sig *signature.Cache
}

func NewClaudeConverter(cfg *config.Config, sig *signature.Cache) *ClaudeConverter {
	return &ClaudeConverter{cfg: cfg, sig: sig}
}

// ClaudePrepared is a request after replay hygiene.
type ClaudePrepared struct {
	Req             *ClaudeRequest
	ThinkingEnabled bool
	Downgrade       *Downgrade
	UserID          string
}

const jsonPrefixHint = "Return only a single JSON object and start your response with '{'."

// Preprocess rewrites historical assistant messages so signature replay can
// succeed, or downgrades the whole request when it cannot.
func (c *ClaudeConverter) Preprocess(req *ClaudeRequest, upstreamModel string) *ClaudePrepared {
	userID := "default"
	if req.Metadata != nil && req.Metadata.UserID != "" {
		userID = req.Metadata.UserID
	}

	thinkingEnabled := IsThinkingModel(upstreamModel)
	if req.Thinking != nil {
		thinkingEnabled = req.Thinking.Type == "enabled"
	}

	var missing []string
	for i := range req.Messages {
		if req.Messages[i].Role != "assistant" {
			continue
		}
		blocks := parseContentBlocks(req.Messages[i].Content)
		blocks, miss := c.prepareAssistantBlocks(blocks, userID, thinkingEnabled)
		missing = append(missing, miss...)
		req.Messages[i].Content = blocksToContent(blocks)
	}

	if thinkingEnabled {
		c.fixJSONPrefix(req)
	}

	var downgrade *Downgrade
	if thinkingEnabled && len(missing) > 0 {
		logged := missing
		if len(logged) > maxLoggedMissingIDs {
			logged = logged[:maxLoggedMissingIDs]
		}
		downgrade = &Downgrade{Reason: downgradeReason, MissingCount: len(missing), MissingToolUseIDs: logged}
		log.Printf("[Claude] %s", DowngradeLog(downgrade))
		thinkingEnabled = false
		req.Thinking = &ClaudeThinking{Type: "disabled"}
		stripThinkingBlocks(req)
	}

	return &ClaudePrepared{Req: req, ThinkingEnabled: thinkingEnabled, Downgrade: downgrade, UserID: userID}
}

// prepareAssistantBlocks applies the per-message rules: drop empty text,
// guarantee a signature-bearing leading thinking block when tool_use is
// present, and remove unsigned thinking otherwise.
func (c *ClaudeConverter) prepareAssistantBlocks(blocks []ContentBlock, userID string, thinkingEnabled bool) ([]ContentBlock, []string) {
	kept := blocks[:0]
	for _, b := range blocks {
		if b.Type == "text" && b.Text == "" {
			continue
		}
		kept = append(kept, b)
	}
	blocks = kept

	var toolUseIDs []string
	for _, b := range blocks {
		if b.Type == "tool_use" {
			toolUseIDs = append(toolUseIDs, b.ID)
		}
	}

	if len(toolUseIDs) == 0 {
		// No tool chain: unsigned thinking is useless upstream.
		out := blocks[:0]
		for _, b := range blocks {
			if (b.Type == "thinking" || b.Type == "redacted_thinking") && b.Signature == "" {
				continue
			}
			out = append(out, b)
		}
		if len(out) == 0 {
			out = append(out, ContentBlock{Type: "text", Text: " "})
		}
		return out, nil
	}

	if !thinkingEnabled {
		return blocks, nil
	}

	sig := c.resolveHistorySignature(blocks, toolUseIDs, userID)
	if sig == "" {
		return blocks, toolUseIDs
	}

	lead := blocks[0]
	switch {
	case lead.Type == "thinking" && lead.Thinking == "":
		// Never fabricate thought text; carry the signature as redacted.
		blocks[0] = ContentBlock{Type: "redacted_thinking", Signature: sig}
	case lead.Type == "thinking" || lead.Type == "redacted_thinking":
		if blocks[0].Signature == "" {
			blocks[0].Signature = sig
		}
	default:
		blocks = append([]ContentBlock{{Type: "redacted_thinking", Signature: sig}}, blocks...)
	}
	return blocks, nil
}

// resolveHistorySignature: existing block signature, then the per-tool-id
// cache, then the content-hash cache, then the per-user fallback.
func (c *ClaudeConverter) resolveHistorySignature(blocks []ContentBlock, toolUseIDs []string, userID string) string {
	for _, b := range blocks {
		if (b.Type == "thinking" || b.Type == "redacted_thinking") && b.Signature != "" {
			return b.Signature
		}
	}
	for _, id := range toolUseIDs {
		if sig := c.sig.GetThinkingSignature(id); sig != "" {
			return sig
		}
	}
	if sig := c.sig.GetAssistantSignature(userID, contentWithoutThinking(blocks)); sig != "" {
		return sig
	}
	return c.sig.GetLastThinkingSignature(userID)
}

// contentWithoutThinking is the stable content projection used for the
// assistant-hash namespace.
func contentWithoutThinking(blocks []ContentBlock) interface{} {
	var out []interface{}
	for _, b := range blocks {
		if b.Type == "thinking" || b.Type == "redacted_thinking" {
			continue
		}
		switch b.Type {
		case "text":
			out = append(out, map[string]interface{}{"type": "text", "text": b.Text})
		case "tool_use":
			out = append(out, map[string]interface{}{"type": "tool_use", "id": b.ID, "name": b.Name, "input": b.Input})
		default:
			out = append(out, map[string]interface{}{"type": b.Type})
		}
	}
	return out
}

// fixJSONPrefix handles the Claude Code pattern of forcing JSON output with
// a trailing assistant "{" message, which breaks thinking replay.
func (c *ClaudeConverter) fixJSONPrefix(req *ClaudeRequest) {
	if len(req.Messages) == 0 {
		return
	}
	last := &req.Messages[len(req.Messages)-1]
	if last.Role != "assistant" {
		return
	}
	blocks := parseContentBlocks(last.Content)
	if len(blocks) != 1 || blocks[0].Type != "text" || blocks[0].Text != "{" {
		return
	}
	req.Messages = req.Messages[:len(req.Messages)-1]
	switch sys := req.System.(type) {
	case string:
		req.System = sys + "\n" + jsonPrefixHint
	case []interface{}:
		req.System = append(sys, map[string]interface{}{"type": "text", "text": jsonPrefixHint})
	case nil:
		req.System = jsonPrefixHint
	}
}

// stripThinkingBlocks removes every thinking/redacted_thinking block after a
// downgrade.
func stripThinkingBlocks(req *ClaudeRequest) {
	for i := range req.Messages {
		if req.Messages[i].Role != "assistant" {
			continue
		}
		blocks := parseContentBlocks(req.Messages[i].Content)
		out := blocks[:0]
		for _, b := range blocks {
			if b.Type == "thinking" || b.Type == "redacted_thinking" {
				continue
			}
			out = append(out, b)
		}
		if len(out) == 0 {
			out = append(out, ContentBlock{Type: "text", Text: " "})
		}
		req.Messages[i].Content = blocksToContent(out)
	}
}
