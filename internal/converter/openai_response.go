package converter

import (
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/domain"
)

// FromUpstream converts a non-streaming upstream response to the OpenAI
// shape. publicModel is echoed back to the client.
func (c *OpenAIConverter) FromUpstream(resp *UpstreamResponse, publicModel, userID string) (*OpenAIResponse, error) {
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
	mode := c.cfg.OpenAIThinkingOutput

	var content, reasoning, thoughtText strings.Builder
	var toolCalls []OpenAIToolCall
	var lastSignature string

	if cand.ThoughtSignature != "" {
		lastSignature = cand.ThoughtSignature
	}
	if resp.ThoughtSignature != "" {
		lastSignature = resp.ThoughtSignature
	}

	for _, part := range cand.Content.Parts {
		if part.ThoughtSignature != "" {
			lastSignature = part.ThoughtSignature
		}
		switch {
		case part.Thought:
			thoughtText.WriteString(part.Text)
			if mode == config.ThinkingOutputReasoningContent || mode == config.ThinkingOutputBoth {
				reasoning.WriteString(part.Text)
			}
			if mode == config.ThinkingOutputTags || mode == config.ThinkingOutputBoth {
				content.WriteString(wrapThinkTags(part.Text))
			}
		case part.FunctionCall != nil:
			args := StripPlaceholderArgs(part.FunctionCall.Args)
			argsJSON, _ := sonic.MarshalString(args)
			if argsJSON == "" || argsJSON == "null" {
				argsJSON = "{}"
			}
			id := part.FunctionCall.ID
			if id == "" {
				id = "call_" + uuid.NewString()
			}
			toolCalls = append(toolCalls, OpenAIToolCall{
				Index: len(toolCalls),
				ID:    id,
				Type:  "function",
				Function: OpenAIFunctionCall{
					Name:      part.FunctionCall.Name,
					Arguments: argsJSON,
				},
			})
		case part.InlineData != nil:
			content.WriteString(markdownImage(part.InlineData))
		case part.Text != "":
			content.WriteString(part.Text)
		}
	}

	// Persist the turn's signature for replay on the next round.
	if lastSignature != "" {
		for _, tc := range toolCalls {
			c.sig.CacheThinkingSignature(tc.ID, lastSignature, thoughtText.String())
		}
		c.sig.CacheLastThinkingSignature(userID, lastSignature)
	}

	msg := &OpenAIMessage{Role: "assistant", Content: content.String()}
	if reasoning.Len() > 0 {
		msg.ReasoningContent = reasoning.String()
	}
	if len(toolCalls) > 0 {
		msg.ToolCalls = toolCalls
	}

	out := &OpenAIResponse{
		ID:      "chatcmpl-" + uuid.NewString(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   publicModel,
		Choices: []OpenAIChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapOpenAIFinish(cand.FinishReason, len(toolCalls) > 0),
		}},
	}
	if resp.UsageMetadata != nil {
		out.Usage = &OpenAIUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return out, nil
}

func wrapThinkTags(text string) string {
	if text == "" {
		return ""
	}
	return "<think>" + text + "</think>"
}

func markdownImage(d *InlineData) string {
	return fmt.Sprintf("![image](data:%s;base64,%s)", d.MimeType, d.Data)
}

func mapOpenAIFinish(finishReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_calls"
	}
	switch finishReason {
	case "MAX_TOKENS":
		return "length"
	default:
		return "stop"
	}
}
