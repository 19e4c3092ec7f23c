package converter

import (
	"strings"
	"testing"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/signature"
)

func TestOpenAIStreamBasicFlow(t *testing.T) {
	conv, _ := newOpenAIConverter()
	state := conv.NewStreamState("public-model", "u1")

	var raw []byte
	events := []*UpstreamResponse{
		{Candidates: []Candidate{{Content: Content{Parts: []Part{{Thought: true, Text: "hmm"}}}}}},
		{Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: "Hello"}}}}}},
		{
			Candidates:    []Candidate{{FinishReason: "STOP"}},
			UsageMetadata: &UsageMetadata{PromptTokenCount: 4, CandidatesTokenCount: 2, TotalTokenCount: 6},
		},
	}
	for _, ev := range events {
		out, err := state.ProcessEvent(upstreamEvent(ev))
		if err != nil {
			t.Fatalf("ProcessEvent: %v", err)
		}
		raw = append(raw, out...)
	}
	raw = append(raw, state.Finish()...)

	frames := parseFrames(raw)
	if len(frames) != 3 {
		t.Fatalf("got %d frames, want 3: %s", len(frames), raw)
	}

	first := frames[0].data["choices"].([]interface{})[0].(map[string]interface{})
	delta := first["delta"].(map[string]interface{})
	if delta["role"] != "assistant" {
		t.Errorf("first delta role = %v, want assistant", delta["role"])
	}
	if delta["reasoning_content"] != "hmm" {
		t.Errorf("reasoning delta = %v", delta["reasoning_content"])
	}

	second := frames[1].data["choices"].([]interface{})[0].(map[string]interface{})
	if second["delta"].(map[string]interface{})["content"] != "Hello" {
		t.Errorf("content delta = %v", second["delta"])
	}

	last := frames[2].data["choices"].([]interface{})[0].(map[string]interface{})
	if last["finish_reason"] != "stop" {
		t.Errorf("finish_reason = %v, want stop", last["finish_reason"])
	}
	usage, _ := frames[2].data["usage"].(map[string]interface{})
	if usage == nil || usage["total_tokens"] != float64(6) {
		t.Errorf("usage = %v", usage)
	}

	if !strings.Contains(string(raw), "data: [DONE]") {
		t.Errorf("stream missing [DONE] terminator")
	}
}

func TestOpenAIStreamLateSignature(t *testing.T) {
	conv, sig := newOpenAIConverter()
	state := conv.NewStreamState("public-model", "u1")

	events := []*UpstreamResponse{
		{Candidates: []Candidate{{Content: Content{Parts: []Part{
			{FunctionCall: &FunctionCall{ID: "toolu_99", Name: "ls", Args: map[string]interface{}{}}},
		}}}}},
		// Signature arrives on a later empty part.
		{Candidates: []Candidate{{Content: Content{Parts: []Part{{ThoughtSignature: testSig}}}}}},
		{Candidates: []Candidate{{FinishReason: "STOP"}}},
	}
	for _, ev := range events {
		if _, err := state.ProcessEvent(upstreamEvent(ev)); err != nil {
			t.Fatalf("ProcessEvent: %v", err)
		}
	}
	state.Finish()

	if got := sig.GetThinkingSignature("toolu_99"); got != testSig {
		t.Errorf("late signature not cached for pending tool call: %q", got)
	}
	if got := sig.GetLastThinkingSignature("u1"); got != testSig {
		t.Errorf("per-user fallback not cached: %q", got)
	}
}

func TestOpenAIStreamToolCallFinish(t *testing.T) {
	conv, _ := newOpenAIConverter()
	state := conv.NewStreamState("public-model", "u1")

	out, err := state.ProcessEvent(upstreamEvent(&UpstreamResponse{
		Candidates: []Candidate{{
			Content: Content{Parts: []Part{
				{FunctionCall: &FunctionCall{ID: "toolu_1", Name: "ls", Args: map[string]interface{}{PlaceholderRequired: true}}, ThoughtSignature: testSig},
			}},
			FinishReason: "STOP",
		}},
	}))
	if err != nil {
		t.Fatalf("ProcessEvent: %v", err)
	}

	frames := parseFrames(out)
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want call + finish", len(frames))
	}
	choice := frames[0].data["choices"].([]interface{})[0].(map[string]interface{})
	calls := choice["delta"].(map[string]interface{})["tool_calls"].([]interface{})
	call := calls[0].(map[string]interface{})
	if call["function"].(map[string]interface{})["arguments"] != "{}" {
		t.Errorf("arguments = %v, want placeholder stripped", call["function"])
	}
	finish := frames[1].data["choices"].([]interface{})[0].(map[string]interface{})
	if finish["finish_reason"] != "tool_calls" {
		t.Errorf("finish_reason = %v, want tool_calls", finish["finish_reason"])
	}
}

func TestOpenAIStreamThinkTags(t *testing.T) {
	cfg := testConfig()
	cfg.OpenAIThinkingOutput = config.ThinkingOutputTags
	conv := NewOpenAIConverter(cfg, signature.NewCache(cfg, nil))
	state := conv.NewStreamState("public-model", "u1")

	var raw []byte
	events := []*UpstreamResponse{
		{Candidates: []Candidate{{Content: Content{Parts: []Part{{Thought: true, Text: "step one"}}}}}},
		{Candidates: []Candidate{{Content: Content{Parts: []Part{{Text: "answer"}}}, FinishReason: "STOP"}}},
	}
	for _, ev := range events {
		out, err := state.ProcessEvent(upstreamEvent(ev))
		if err != nil {
			t.Fatalf("ProcessEvent: %v", err)
		}
		raw = append(raw, out...)
	}

	var content strings.Builder
	for _, f := range parseFrames(raw) {
		choice := f.data["choices"].([]interface{})[0].(map[string]interface{})
		if delta, ok := choice["delta"].(map[string]interface{}); ok {
			if s, ok := delta["content"].(string); ok {
				content.WriteString(s)
			}
		}
	}
	want := "<think>step one</think>answer"
	if content.String() != want {
		t.Errorf("content = %q, want %q", content.String(), want)
	}
}

func TestOpenAIStreamMalformedChunkSkipped(t *testing.T) {
	conv, _ := newOpenAIConverter()
	state := conv.NewStreamState("m", "u")
	out, err := state.ProcessEvent([]byte("{not json"))
	if err != nil || out != nil {
		t.Fatalf("malformed chunk: out=%s err=%v, want skip", out, err)
	}
}
