package converter

import (
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/signature"
)

// OpenAIStreamState re-frames upstream SSE into OpenAI chat-completion
// chunks. One instance per request; never shared.
type OpenAIStreamState struct {
	cfg    *config.Config
	sig    *signature.Cache
	id     string
	model  string
	userID string

	created  int64
	sentRole bool

	thinkTagOpen bool

	// Claude signature buffer
	pendingSignature   string
	accumThoughtText   strings.Builder
	pendingToolCallIDs []string

	toolCallIndex int
	finished      bool
	usage         *OpenAIUsage
}

func (c *OpenAIConverter) NewStreamState(publicModel, userID string) *OpenAIStreamState {
	return &OpenAIStreamState{
		cfg:     c.cfg,
		sig:     c.sig,
		id:      "chatcmpl-" + uuid.NewString(),
		model:   publicModel,
		userID:  userID,
		created: time.Now().Unix(),
	}
}

// ProcessEvent converts one unwrapped upstream stream event into zero or
// more OpenAI SSE frames.
func (s *OpenAIStreamState) ProcessEvent(payload []byte) ([]byte, error) {
	if s.finished {
		return nil, nil
	}

	var resp UpstreamResponse
	if err := sonic.Unmarshal(payload, &resp); err != nil {
		// Malformed chunks are skipped, not fatal: the upstream sometimes
		// interleaves keep-alive noise.
		return nil, nil
	}

	// 1. Signature scan at every level before any emission.
	s.scanSignatures(&resp)

	if resp.UsageMetadata != nil {
		s.usage = &OpenAIUsage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
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

func (s *OpenAIStreamState) scanSignatures(resp *UpstreamResponse) {
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
	s.pendingSignature = found
	s.flushPendingToolCalls()
}

// flushPendingToolCalls caches the buffered signature for every tool call
// that was emitted before the signature arrived.
func (s *OpenAIStreamState) flushPendingToolCalls() {
	if s.pendingSignature == "" || len(s.pendingToolCallIDs) == 0 {
		return
	}
	for _, id := range s.pendingToolCallIDs {
		s.sig.CacheThinkingSignature(id, s.pendingSignature, s.accumThoughtText.String())
	}
	s.pendingToolCallIDs = s.pendingToolCallIDs[:0]
}

func (s *OpenAIStreamState) processPart(part Part) []byte {
	switch {
	case part.Thought:
		return s.processThought(part.Text)
	case part.FunctionCall != nil:
		return s.processFunctionCall(part)
	case part.InlineData != nil:
		out := s.closeThinkTag()
		return append(out, s.contentChunk(markdownImage(part.InlineData))...)
	case part.Text != "":
		out := s.closeThinkTag()
		return append(out, s.contentChunk(part.Text)...)
	}
	return nil
}

func (s *OpenAIStreamState) processThought(text string) []byte {
	s.accumThoughtText.WriteString(text)
	if text == "" {
		return nil
	}

	var out []byte
	mode := s.cfg.OpenAIThinkingOutput
	if mode == config.ThinkingOutputReasoningContent || mode == config.ThinkingOutputBoth {
		out = append(out, s.deltaChunk(&OpenAIDelta{ReasoningContent: text}, "")...)
	}
	if mode == config.ThinkingOutputTags || mode == config.ThinkingOutputBoth {
		if !s.thinkTagOpen {
			out = append(out, s.contentChunk("<think>")...)
			s.thinkTagOpen = true
		}
		out = append(out, s.contentChunk(text)...)
	}
	return out
}

func (s *OpenAIStreamState) processFunctionCall(part Part) []byte {
	out := s.closeThinkTag()

	call := part.FunctionCall
	id := call.ID
	if id == "" {
		id = "call_" + uuid.NewString()
	}

	if sig := s.currentSignature(part); sig != "" {
		s.sig.CacheThinkingSignature(id, sig, s.accumThoughtText.String())
	} else {
		s.pendingToolCallIDs = append(s.pendingToolCallIDs, id)
	}

	args := StripPlaceholderArgs(call.Args)
	argsJSON, _ := sonic.MarshalString(args)
	if argsJSON == "" || argsJSON == "null" {
		argsJSON = "{}"
	}

	delta := &OpenAIDelta{ToolCalls: []OpenAIToolCall{{
		Index:    s.toolCallIndex,
		ID:       id,
		Type:     "function",
		Function: OpenAIFunctionCall{Name: call.Name, Arguments: argsJSON},
	}}}
	s.toolCallIndex++
	return append(out, s.deltaChunk(delta, "")...)
}

func (s *OpenAIStreamState) currentSignature(part Part) string {
	if part.ThoughtSignature != "" {
		return part.ThoughtSignature
	}
	return s.pendingSignature
}

// finish closes the stream: pending signatures are flushed into the cache
// before the terminal chunk goes out.
func (s *OpenAIStreamState) finish(finishReason string) []byte {
	s.flushPendingToolCalls()
	if s.pendingSignature != "" {
		s.sig.CacheLastThinkingSignature(s.userID, s.pendingSignature)
	}

	out := s.closeThinkTag()
	chunk := OpenAIStreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []OpenAIChoice{{
			Index:        0,
			Delta:        &OpenAIDelta{},
			FinishReason: mapOpenAIFinish(finishReason, s.toolCallIndex > 0),
		}},
		Usage: s.usage,
	}
	s.finished = true
	return append(out, FormatSSE("", chunk)...)
}

// Finish handles upstream EOF without a finishReason.
func (s *OpenAIStreamState) Finish() []byte {
	if s.finished {
		return FormatDone()
	}
	out := s.finish("STOP")
	return append(out, FormatDone()...)
}

// Done emits the stream terminator after a normal finish.
func (s *OpenAIStreamState) Done() []byte {
	return FormatDone()
}

func (s *OpenAIStreamState) closeThinkTag() []byte {
	if !s.thinkTagOpen {
		return nil
	}
	s.thinkTagOpen = false
	return s.contentChunk("</think>")
}

func (s *OpenAIStreamState) contentChunk(text string) []byte {
	return s.deltaChunk(&OpenAIDelta{Content: text}, "")
}

func (s *OpenAIStreamState) deltaChunk(delta *OpenAIDelta, finishReason string) []byte {
	if !s.sentRole {
		delta.Role = "assistant"
		s.sentRole = true
	}
	chunk := OpenAIStreamChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []OpenAIChoice{{Index: 0, Delta: delta, FinishReason: finishReason}},
	}
	return FormatSSE("", chunk)
}
