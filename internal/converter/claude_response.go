package converter

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/awsl-project/agproxy/internal/domain"
)

// FromUpstream converts a non-streaming upstream response to an Anthropic
// message.
func (c *ClaudeConverter) FromUpstream(resp *UpstreamResponse, publicModel, userID string, thinkingEnabled bool) (*ClaudeResponse, error) {
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return nil, &domain.ProxyError{
			Kind:    domain.ErrKindBlocked,
			Err:     domain.ErrBlocked,
			Message: "prompt blocked by upstream: " + resp.PromptFeedback.BlockReason,
		}
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates", domain.ErrMalformedUpstream)
	}
	cand := resp.Candidates[0]

	// Pass 1: collect thinking text and the turn's signature. Last
	// signature wins, wherever it appears.
	var thinkingText strings.Builder
	sig := resp.ThoughtSignature
	if cand.ThoughtSignature != "" {
		sig = cand.ThoughtSignature
	}
	for _, part := range cand.Content.Parts {
		if part.Thought {
			thinkingText.WriteString(part.Text)
		}
		if part.ThoughtSignature != "" {
			sig = part.ThoughtSignature
		}
	}

	var content []ContentBlock
	if thinkingEnabled && (thinkingText.Len() > 0 || sig != "") {
		blockSig := sig
		if blockSig == "" {
			blockSig = c.sig.GetLastThinkingSignature(userID)
		}
		content = append(content, ContentBlock{Type: "thinking", Thinking: thinkingText.String(), Signature: blockSig})
	}

	hasToolUse := false
	for _, part := range cand.Content.Parts {
		switch {
		case part.Thought:
			// already collected
		case part.FunctionCall != nil:
			hasToolUse = true
			id := part.FunctionCall.ID
			if id == "" {
				id = "toolu_" + uuid.NewString()
			}
			content = append(content, ContentBlock{
				Type:  "tool_use",
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: StripPlaceholderArgs(part.FunctionCall.Args),
			})
		case part.InlineData != nil:
			content = append(content, ContentBlock{Type: "image", Source: &ClaudeImageSource{
				Type: "base64", MediaType: part.InlineData.MimeType, Data: part.InlineData.Data,
			}})
		case part.Text != "":
			content = append(content, ContentBlock{Type: "text", Text: part.Text})
		}
	}

	if sig != "" {
		c.sig.CacheAssistantSignature(userID, contentWithoutThinking(content), sig)
		c.sig.CacheLastThinkingSignature(userID, sig)
		for _, b := range content {
			if b.Type == "tool_use" {
				c.sig.CacheThinkingSignature(b.ID, sig, thinkingText.String())
			}
		}
	}

	stopReason := "end_turn"
	switch {
	case hasToolUse:
		stopReason = "tool_use"
	case cand.FinishReason == "MAX_TOKENS":
		stopReason = "max_tokens"
	case cand.FinishReason == "STOP_SEQUENCE":
		stopReason = "stop_sequence"
	}

	out := &ClaudeResponse{
		ID:         "msg_" + uuid.NewString(),
		Type:       "message",
		Role:       "assistant",
		Model:      publicModel,
		Content:    content,
		StopReason: stopReason,
	}
	if resp.ResponseID != "" {
		out.ID = resp.ResponseID
	}
	if resp.UsageMetadata != nil {
		out.Usage = claudeUsage(resp.UsageMetadata)
	}
	return out, nil
}

func claudeUsage(u *UsageMetadata) *ClaudeUsage {
	cached := u.CachedContentTokenCount
	input := u.PromptTokenCount - cached
	if input < 0 {
		input = 0
	}
	return &ClaudeUsage{
		InputTokens:          input,
		OutputTokens:         u.CandidatesTokenCount,
		CacheReadInputTokens: cached,
	}
}
