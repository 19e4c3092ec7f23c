package converter

import (
	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/awsl-project/agproxy/internal/signature"
)

// ClaudeStreamState re-frames upstream SSE into the Anthropic event grammar:
// message_start, then content_block_start/delta/stop by index, then
// message_delta and message_stop. One instance per connection.
type ClaudeStreamState struct {
	sig    *signature.Cache
	id     string
	model  string
	userID string

	thinkingEnabled bool

	hasThinking     bool
	inThinking      bool
	thinkingStopped bool
	inText          bool
	textIndex       int
	nextIndex       int
	hasToolUse      bool

	lastThinkingSignature     string
	lastUserThinkingSignature string
	pendingToolUseIDs         []string
	accumThought              string

	usage        *ClaudeUsage
	finishReason string
	completed    bool
}

func (c *ClaudeConverter) NewStreamState(publicModel, userID string, thinkingEnabled bool) *ClaudeStreamState {
	return &ClaudeStreamState{
		sig:                       c.sig,
		id:                        "msg_" + uuid.NewString(),
		model:                     publicModel,
		userID:                    userID,
		thinkingEnabled:           thinkingEnabled,
		lastUserThinkingSignature: c.sig.GetLastThinkingSignature(userID),
	}
}

// Start emits the message_start frame.
func (s *ClaudeStreamState) Start() []byte {
	return FormatSSE("message_start", map[string]interface{}{
		"type": "message_start",
		"message": map[string]interface{}{
			"id":            s.id,
			"type":          "message",
			"role":          "assistant",
			"model":         s.model,
			"content":       []interface{}{},
			"stop_reason":   nil,
			"stop_sequence": nil,
			"usage":         map[string]interface{}{"input_tokens": 0, "output_tokens": 0},
		},
	})
}

// ProcessEvent converts one unwrapped upstream stream event.
func (s *ClaudeStreamState) ProcessEvent(payload []byte) ([]byte, error) {
	if s.completed {
		return nil, nil
	}
	var resp UpstreamResponse
	if err := sonic.Unmarshal(payload, &resp); err != nil {
		return nil, nil
	}

	s.scanSignatures(&resp)
	if resp.UsageMetadata != nil {
		s.usage = claudeUsage(resp.UsageMetadata)
	}

	var out []byte
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		for _, part := range cand.Content.Parts {
			out = append(out, s.processPart(part)...)
		}
		if cand.FinishReason != "" {
			out = append(out, s.finish(cand.FinishReason)...)
		}
	}
	return out, nil
}

func (s *ClaudeStreamState) scanSignatures(resp *UpstreamResponse) {
	found := resp.ThoughtSignature
	for _, cand := range resp.Candidates {
		if cand.ThoughtSignature != "" {
			found = cand.ThoughtSignature
		}
		for _, part := range cand.Content.Parts {
			if part.ThoughtSignature != "" {
				found = part.ThoughtSignature
			}
		}
	}
	if found == "" {
		return
	}
	s.lastThinkingSignature = found
	s.flushPendingToolUse()
}

func (s *ClaudeStreamState) flushPendingToolUse() {
	if s.lastThinkingSignature == "" || len(s.pendingToolUseIDs) == 0 {
		return
	}
	for _, id := range s.pendingToolUseIDs {
		s.sig.CacheThinkingSignature(id, s.lastThinkingSignature, s.accumThought)
	}
	s.pendingToolUseIDs = s.pendingToolUseIDs[:0]
}

func (s *ClaudeStreamState) processPart(part Part) []byte {
	switch {
	case part.Thought:
		return s.processThought(part)
	case part.FunctionCall != nil:
		return s.processToolUse(part)
	case part.InlineData != nil:
		return s.processText(markdownImage(part.InlineData))
	case part.Text != "":
		return s.processText(part.Text)
	}
	// Empty text parts never open blocks; their signatures were scanned.
	return nil
}

func (s *ClaudeStreamState) processThought(part Part) []byte {
	if !s.thinkingEnabled || s.thinkingStopped {
		return nil
	}
	var out []byte
	if !s.inThinking {
		out = append(out, s.openThinking()...)
	}
	if part.Text != "" {
		s.accumThought += part.Text
		out = append(out, FormatSSE("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]interface{}{"type": "thinking_delta", "thinking": part.Text},
		})...)
	}
	return out
}

func (s *ClaudeStreamState) openThinking() []byte {
	s.hasThinking = true
	s.inThinking = true
	if s.nextIndex == 0 {
		s.nextIndex = 1
	}
	block := map[string]interface{}{"type": "thinking", "thinking": ""}
	if sig := s.bestSignature(); sig != "" {
		block["signature"] = sig
	}
	return FormatSSE("content_block_start", map[string]interface{}{
		"type":          "content_block_start",
		"index":         0,
		"content_block": block,
	})
}

// closeThinking emits the signature delta and stop for block 0.
func (s *ClaudeStreamState) closeThinking() []byte {
	if !s.inThinking {
		return nil
	}
	var out []byte
	if sig := s.bestSignature(); sig != "" {
		out = append(out, FormatSSE("content_block_delta", map[string]interface{}{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]interface{}{"type": "signature_delta", "signature": sig},
		})...)
	}
	out = append(out, s.blockStop(0)...)
	s.inThinking = false
	s.thinkingStopped = true
	return out
}

// syntheticThinking emits an empty leading thinking block when real content
// arrives first on a thinking-enabled stream.
func (s *ClaudeStreamState) syntheticThinking() []byte {
	if !s.thinkingEnabled || s.hasThinking {
		return nil
	}
	out := s.openThinking()
	return append(out, s.closeThinking()...)
}

func (s *ClaudeStreamState) processText(text string) []byte {
	var out []byte
	out = append(out, s.syntheticThinking()...)
	out = append(out, s.closeThinking()...)
	if !s.inText {
		s.inText = true
		s.textIndex = s.nextIndex
		s.nextIndex++
		out = append(out, FormatSSE("content_block_start", map[string]interface{}{
			"type":          "content_block_start",
			"index":         s.textIndex,
			"content_block": map[string]interface{}{"type": "text", "text": ""},
		})...)
	}
	out = append(out, FormatSSE("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": s.textIndex,
		"delta": map[string]interface{}{"type": "text_delta", "text": text},
	})...)
	return out
}

func (s *ClaudeStreamState) closeText() []byte {
	if !s.inText {
		return nil
	}
	s.inText = false
	return s.blockStop(s.textIndex)
}

func (s *ClaudeStreamState) processToolUse(part Part) []byte {
	var out []byte
	out = append(out, s.syntheticThinking()...)
	out = append(out, s.closeThinking()...)
	out = append(out, s.closeText()...)

	s.hasToolUse = true
	call := part.FunctionCall
	id := call.ID
	if id == "" {
		id = "toolu_" + uuid.NewString()
	}

	sig := part.ThoughtSignature
	if sig == "" {
		sig = s.lastThinkingSignature
	}
	if sig == "" {
		sig = s.lastUserThinkingSignature
	}
	if sig != "" {
		s.sig.CacheThinkingSignature(id, sig, s.accumThought)
	} else {
		s.pendingToolUseIDs = append(s.pendingToolUseIDs, id)
	}

	idx := s.nextIndex
	s.nextIndex++

	args := StripPlaceholderArgs(call.Args)
	argsJSON, _ := sonic.MarshalString(args)
	if argsJSON == "" || argsJSON == "null" {
		argsJSON = "{}"
	}

	out = append(out, FormatSSE("content_block_start", map[string]interface{}{
		"type":  "content_block_start",
		"index": idx,
		"content_block": map[string]interface{}{
			"type": "tool_use", "id": id, "name": call.Name,
			"input": map[string]interface{}{},
		},
	})...)
	out = append(out, FormatSSE("content_block_delta", map[string]interface{}{
		"type":  "content_block_delta",
		"index": idx,
		"delta": map[string]interface{}{"type": "input_json_delta", "partial_json": argsJSON},
	})...)
	out = append(out, s.blockStop(idx)...)
	return out
}

func (s *ClaudeStreamState) bestSignature() string {
	if s.lastThinkingSignature != "" {
		return s.lastThinkingSignature
	}
	return s.lastUserThinkingSignature
}

func (s *ClaudeStreamState) blockStop(index int) []byte {
	return FormatSSE("content_block_stop", map[string]interface{}{
		"type":  "content_block_stop",
		"index": index,
	})
}

// finish closes open blocks, reconciles pending signatures, and emits
// message_delta plus message_stop.
func (s *ClaudeStreamState) finish(finishReason string) []byte {
	var out []byte
	out = append(out, s.closeThinking()...)
	out = append(out, s.closeText()...)

	s.flushPendingToolUse()
	if s.lastThinkingSignature != "" {
		s.sig.CacheLastThinkingSignature(s.userID, s.lastThinkingSignature)
	}

	stopReason := "end_turn"
	switch {
	case s.hasToolUse:
		stopReason = "tool_use"
	case finishReason == "MAX_TOKENS":
		stopReason = "max_tokens"
	case finishReason == "STOP_SEQUENCE":
		stopReason = "stop_sequence"
	}

	delta := map[string]interface{}{
		"type":          "message_delta",
		"delta":         map[string]interface{}{"stop_reason": stopReason, "stop_sequence": nil},
	}
	if s.usage != nil {
		delta["usage"] = s.usage
	}
	out = append(out, FormatSSE("message_delta", delta)...)
	out = append(out, FormatSSE("message_stop", map[string]interface{}{"type": "message_stop"})...)
	s.finishReason = finishReason
	s.completed = true
	return out
}

// Finish handles upstream EOF without a finishReason.
func (s *ClaudeStreamState) Finish() []byte {
	if s.completed {
		return nil
	}
	return s.finish("STOP")
}

// Completed reports whether the terminal frames have been emitted.
func (s *ClaudeStreamState) Completed() bool { return s.completed }
