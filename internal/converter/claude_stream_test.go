package converter

import (
	"testing"
)

func streamEvents(t *testing.T, state *ClaudeStreamState, events []*UpstreamResponse) []sseFrame {
	t.Helper()
	raw := state.Start()
	for _, ev := range events {
		out, err := state.ProcessEvent(upstreamEvent(ev))
		if err != nil {
			t.Fatalf("ProcessEvent: %v", err)
		}
		raw = append(raw, out...)
	}
	raw = append(raw, state.Finish()...)
	return parseFrames(raw)
}

func eventNames(frames []sseFrame) []string {
	names := make([]string, 0, len(frames))
	for _, f := range frames {
		names = append(names, f.event)
	}
	return names
}

func TestClaudeStreamThinkingThenText(t *testing.T) {
	conv, _ := newClaudeConverter()
	state := conv.NewStreamState("claude-sonnet-4-5-thinking", "u1", true)

	frames := streamEvents(t, state, []*UpstreamResponse{
		{Candidates: []Candidate{{Content: Content{Parts: []Part{{Thought: true, Text: "mm"}}}}}},
		{Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: "Hello", ThoughtSignature: testSig}}}}}},
		{
			Candidates:    []Candidate{{FinishReason: "STOP"}},
			UsageMetadata: &UsageMetadata{PromptTokenCount: 3, CandidatesTokenCount: 2},
		},
	})

	want := []string{
		"message_start",
		"content_block_start", // thinking, index 0
		"content_block_delta", // thinking_delta
		"content_block_delta", // signature_delta
		"content_block_stop",  // index 0
		"content_block_start", // text, index 1
		"content_block_delta", // text_delta
		"content_block_stop",  // index 1
		"message_delta",
		"message_stop",
	}
	got := eventNames(frames)
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event[%d] = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}

	thinkingStart := frames[1].data
	if thinkingStart["index"] != float64(0) {
		t.Errorf("thinking index = %v, want 0", thinkingStart["index"])
	}
	block := thinkingStart["content_block"].(map[string]interface{})
	if block["type"] != "thinking" {
		t.Errorf("block type = %v", block["type"])
	}

	sigDelta := frames[3].data["delta"].(map[string]interface{})
	if sigDelta["type"] != "signature_delta" || sigDelta["signature"] != testSig {
		t.Errorf("signature delta = %v", sigDelta)
	}

	textStart := frames[5].data
	if textStart["index"] != float64(1) {
		t.Errorf("text index = %v, want 1", textStart["index"])
	}

	msgDelta := frames[8].data["delta"].(map[string]interface{})
	if msgDelta["stop_reason"] != "end_turn" {
		t.Errorf("stop_reason = %v, want end_turn", msgDelta["stop_reason"])
	}
}

func TestClaudeStreamSyntheticThinking(t *testing.T) {
	conv, _ := newClaudeConverter()
	state := conv.NewStreamState("claude-sonnet-4-5-thinking", "u1", true)

	frames := streamEvents(t, state, []*UpstreamResponse{
		{Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: "direct answer"}}}, FinishReason: "STOP"}}},
	})

	// A closed empty thinking block precedes the first text block.
	got := eventNames(frames)
	want := []string{
		"message_start",
		"content_block_start", "content_block_stop", // synthetic thinking
		"content_block_start", "content_block_delta", "content_block_stop", // text
		"message_delta", "message_stop",
	}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	block := frames[1].data["content_block"].(map[string]interface{})
	if block["type"] != "thinking" {
		t.Errorf("synthetic block type = %v", block["type"])
	}
	if frames[3].data["index"] != float64(1) {
		t.Errorf("text index = %v, want 1", frames[3].data["index"])
	}
}

func TestClaudeStreamToolUse(t *testing.T) {
	conv, sig := newClaudeConverter()
	state := conv.NewStreamState("claude-sonnet-4-5-thinking", "u1", true)

	frames := streamEvents(t, state, []*UpstreamResponse{
		{Candidates: []Candidate{{Content: Content{Parts: []Part{{Thought: true, Text: "plan"}}}}}},
		{Candidates: []Candidate{{
			Content: Content{Parts: []Part{
				{FunctionCall: &FunctionCall{ID: "toolu_7", Name: "ls", Args: map[string]interface{}{"path": "/"}}, ThoughtSignature: testSig},
			}},
			FinishReason: "STOP",
		}}},
	})

	var toolStart, jsonDelta map[string]interface{}
	for _, f := range frames {
		if f.event == "content_block_start" {
			if block := f.data["content_block"].(map[string]interface{}); block["type"] == "tool_use" {
				toolStart = f.data
			}
		}
		if f.event == "content_block_delta" {
			if delta := f.data["delta"].(map[string]interface{}); delta["type"] == "input_json_delta" {
				jsonDelta = delta
			}
		}
	}
	if toolStart == nil || jsonDelta == nil {
		t.Fatalf("tool_use frames missing: %v", eventNames(frames))
	}
	block := toolStart["content_block"].(map[string]interface{})
	if block["id"] != "toolu_7" || block["name"] != "ls" {
		t.Errorf("tool_use block = %v", block)
	}
	if jsonDelta["partial_json"] != `{"path":"/"}` {
		t.Errorf("partial_json = %v", jsonDelta["partial_json"])
	}

	last := frames[len(frames)-2]
	if last.event != "message_delta" {
		t.Fatalf("penultimate event = %q", last.event)
	}
	if last.data["delta"].(map[string]interface{})["stop_reason"] != "tool_use" {
		t.Errorf("stop_reason = %v, want tool_use", last.data["delta"])
	}

	if got := sig.GetThinkingSignature("toolu_7"); got != testSig {
		t.Errorf("tool signature not cached: %q", got)
	}
	if got := sig.GetLastThinkingSignature("u1"); got != testSig {
		t.Errorf("per-user signature not cached: %q", got)
	}
}

func TestClaudeStreamEmptyTextIgnored(t *testing.T) {
	conv, _ := newClaudeConverter()
	state := conv.NewStreamState("claude-sonnet-4-5-thinking", "u1", true)

	out, err := state.ProcessEvent(upstreamEvent(&UpstreamResponse{
		Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: ""}}}}},
	}))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}
	if len(out) != 0 {
		t.Errorf("empty text opened a block: %s", out)
	}
}

func TestClaudeStreamLateSignatureFlush(t *testing.T) {
	conv, sig := newClaudeConverter()
	state := conv.NewStreamState("claude-sonnet-4-5-thinking", "u1", false)

	events := []*UpstreamResponse{
		{Candidates: []Candidate{{Content: Content{Parts: []Part{
			{FunctionCall: &FunctionCall{ID: "toolu_8", Name: "ls", Args: map[string]interface{}{}}},
		}}}}},
		{Candidates: []Candidate{{Content: Content{Parts: []Part{{ThoughtSignature: testSig}}}}}},
		{Candidates: []Candidate{{FinishReason: "STOP"}}},
	}
	for _, ev := range events {
		if _, err := state.ProcessEvent(upstreamEvent(ev)); err != nil {
			t.Fatalf("ProcessEvent: %v", err)
		}
	}
	state.Finish()

	if got := sig.GetThinkingSignature("toolu_8"); got != testSig {
		t.Errorf("late signature not flushed to pending tool id: %q", got)
	}
}
