package converter

import (
	"testing"

	"github.com/awsl-project/agproxy/internal/limiter"
	"github.com/awsl-project/agproxy/internal/signature"
)

func newClaudeConverter() (*ClaudeConverter, *signature.Cache) {
	cfg := testConfig()
	sig := signature.NewCache(cfg, nil)
	return NewClaudeConverter(cfg, sig), sig
}

func toolUseHistory() []ClaudeMessage {
	return []ClaudeMessage{
		{Role: "user", Content: "list files"},
		{Role: "assistant", Content: []interface{}{
			map[string]interface{}{"type": "text", "text": "Listing now."},
			map[string]interface{}{"type": "tool_use", "id": "toolu_1", "name": "ls", "input": map[string]interface{}{}},
		}},
		{Role: "user", Content: []interface{}{
			map[string]interface{}{"type": "tool_result", "tool_use_id": "toolu_1", "content": "a.txt\nb.txt"},
		}},
	}
}

func TestClaudePreprocessRestoresSignature(t *testing.T) {
	conv, sig := newClaudeConverter()
	sig.CacheThinkingSignature("toolu_1", testSig, "")

	req := &ClaudeRequest{Model: "claude-sonnet-4-5-thinking", MaxTokens: 1000, Messages: toolUseHistory()}
	prep := conv.Preprocess(req, "claude-sonnet-4-5-thinking")

	if !prep.ThinkingEnabled || prep.Downgrade != nil {
		t.Fatalf("thinking = %v downgrade = %+v", prep.ThinkingEnabled, prep.Downgrade)
	}
	blocks := parseContentBlocks(prep.Req.Messages[1].Content)
	if blocks[0].Type != "redacted_thinking" || blocks[0].Signature != testSig {
		t.Errorf("leading block = %+v, want redacted_thinking with cached signature", blocks[0])
	}
}

func TestClaudePreprocessDowngrade(t *testing.T) {
	conv, _ := newClaudeConverter()
	req := &ClaudeRequest{Model: "claude-sonnet-4-5-thinking", MaxTokens: 1000, Messages: toolUseHistory()}
	prep := conv.Preprocess(req, "claude-sonnet-4-5-thinking")

	if prep.ThinkingEnabled {
		t.Errorf("thinking still enabled with no resolvable signature")
	}
	if prep.Downgrade == nil || prep.Downgrade.MissingCount != 1 || prep.Downgrade.MissingToolUseIDs[0] != "toolu_1" {
		t.Fatalf("downgrade = %+v", prep.Downgrade)
	}
	if prep.Req.Thinking == nil || prep.Req.Thinking.Type != "disabled" {
		t.Errorf("request thinking = %+v, want disabled", prep.Req.Thinking)
	}
	for _, m := range prep.Req.Messages {
		for _, b := range parseContentBlocks(m.Content) {
			if b.Type == "thinking" || b.Type == "redacted_thinking" {
				t.Errorf("thinking block survived downgrade: %+v", b)
			}
		}
	}
}

func TestClaudePreprocessExplicitThinkingWins(t *testing.T) {
	conv, _ := newClaudeConverter()
	req := &ClaudeRequest{
		Model:    "claude-sonnet-4-5-thinking",
		Thinking: &ClaudeThinking{Type: "disabled"},
		Messages: []ClaudeMessage{{Role: "user", Content: "hi"}},
	}
	prep := conv.Preprocess(req, "claude-sonnet-4-5-thinking")
	if prep.ThinkingEnabled {
		t.Errorf("explicit disabled should override the model default")
	}
}

func TestClaudePreprocessJSONPrefix(t *testing.T) {
	conv, _ := newClaudeConverter()
	req := &ClaudeRequest{
		Model:  "claude-sonnet-4-5-thinking",
		System: "Return JSON.",
		Messages: []ClaudeMessage{
			{Role: "user", Content: "summarize"},
			{Role: "assistant", Content: "{"},
		},
	}
	prep := conv.Preprocess(req, "claude-sonnet-4-5-thinking")

	if len(prep.Req.Messages) != 1 {
		t.Fatalf("messages = %d, want trailing prefill dropped", len(prep.Req.Messages))
	}
	sys, _ := prep.Req.System.(string)
	if sys == "Return JSON." {
		t.Errorf("system missing the JSON prefix hint: %q", sys)
	}
}

func TestClaudeToUpstream(t *testing.T) {
	conv, _ := newClaudeConverter()
	req := &ClaudeRequest{
		Model:     "claude-sonnet-4-5",
		MaxTokens: 1000,
		System:    "You are helpful.",
		Messages:  toolUseHistory(),
		Tools: []ClaudeTool{{Name: "ls", InputSchema: map[string]interface{}{
			"type": "object", "properties": map[string]interface{}{},
		}}},
	}
	prep := conv.Preprocess(req, "claude-sonnet-4-5")
	up, err := conv.ToUpstream(prep, "claude-sonnet-4-5", limiter.NewBudget(testConfig()))
	if err != nil {
		t.Fatalf("ToUpstream: %v", err)
	}

	if up.SystemInstruction == nil || up.SystemInstruction.Parts[0].Text != "You are helpful." {
		t.Errorf("system instruction = %+v", up.SystemInstruction)
	}
	if len(up.Contents) != 3 {
		t.Fatalf("contents = %d turns, want 3", len(up.Contents))
	}

	model := up.Contents[1]
	if model.Parts[len(model.Parts)-1].FunctionCall == nil {
		t.Errorf("functionCall must come after text parts: %+v", model.Parts)
	}

	// Final all-functionResponse user turn gets a stabilising text part.
	last := up.Contents[2]
	gotResponse, gotText := false, false
	for _, p := range last.Parts {
		if p.FunctionResponse != nil {
			gotResponse = true
			if p.FunctionResponse.Name != "ls" {
				t.Errorf("functionResponse name = %q", p.FunctionResponse.Name)
			}
		}
		if p.Text == " " {
			gotText = true
		}
	}
	if !gotResponse || !gotText {
		t.Errorf("final turn = %+v, want functionResponse plus stabiliser", last.Parts)
	}
}

func TestClaudeToolModes(t *testing.T) {
	tests := []struct {
		choice *ClaudeToolChoice
		want   string
	}{
		{nil, "VALIDATED"},
		{&ClaudeToolChoice{Type: "auto"}, "AUTO"},
		{&ClaudeToolChoice{Type: "none"}, "NONE"},
		{&ClaudeToolChoice{Type: "any"}, "ANY"},
		{&ClaudeToolChoice{Type: "tool", Name: "ls"}, "ANY"},
	}
	for _, tt := range tests {
		if got := claudeToolMode(tt.choice); got != tt.want {
			t.Errorf("claudeToolMode(%+v) = %q, want %q", tt.choice, got, tt.want)
		}
	}
}

func TestClaudeGenerationConfigThinking(t *testing.T) {
	conv, _ := newClaudeConverter()
	req := &ClaudeRequest{
		Model:     "claude-sonnet-4-5-thinking",
		MaxTokens: 1000,
		Thinking:  &ClaudeThinking{Type: "enabled", BudgetTokens: 2048},
	}
	gc := conv.claudeGenerationConfig(req, "claude-sonnet-4-5-thinking", true, false)
	if gc.ThinkingConfig == nil || gc.ThinkingConfig.ThinkingBudget != 2048 {
		t.Fatalf("thinkingConfig = %+v", gc.ThinkingConfig)
	}
	if gc.MaxOutputTokens != 4096 {
		t.Errorf("maxOutputTokens = %d, want promoted to 4096", gc.MaxOutputTokens)
	}
}

func TestClaudeFromUpstream(t *testing.T) {
	conv, sig := newClaudeConverter()
	resp := &UpstreamResponse{
		Candidates: []Candidate{{
			Content: Content{Parts: []Part{
				{Thought: true, Text: "deep thought", ThoughtSignature: testSig},
				{Text: "Here you go."},
				{FunctionCall: &FunctionCall{ID: "toolu_5", Name: "ls", Args: map[string]interface{}{PlaceholderRequired: true}}},
			}},
			FinishReason: "STOP",
		}},
		UsageMetadata: &UsageMetadata{PromptTokenCount: 20, CandidatesTokenCount: 7, CachedContentTokenCount: 5},
	}

	out, err := conv.FromUpstream(resp, "claude-sonnet-4-5-thinking", "u1", true)
	if err != nil {
		t.Fatalf("FromUpstream: %v", err)
	}

	if out.Content[0].Type != "thinking" || out.Content[0].Signature != testSig {
		t.Fatalf("leading block = %+v, want signed thinking", out.Content[0])
	}
	if out.Content[1].Type != "text" || out.Content[1].Text != "Here you go." {
		t.Errorf("text block = %+v", out.Content[1])
	}
	tu := out.Content[2]
	if tu.Type != "tool_use" || tu.ID != "toolu_5" {
		t.Fatalf("tool_use block = %+v", tu)
	}
	if _, ok := tu.Input[PlaceholderRequired]; ok {
		t.Errorf("placeholder survived in tool input: %v", tu.Input)
	}
	if out.StopReason != "tool_use" {
		t.Errorf("stop_reason = %q, want tool_use", out.StopReason)
	}
	if out.Usage.InputTokens != 15 || out.Usage.CacheReadInputTokens != 5 {
		t.Errorf("usage = %+v", out.Usage)
	}

	if got := sig.GetThinkingSignature("toolu_5"); got != testSig {
		t.Errorf("tool id signature not cached: %q", got)
	}
	if got := sig.GetLastThinkingSignature("u1"); got != testSig {
		t.Errorf("per-user signature not cached: %q", got)
	}
}

func TestClaudeFromUpstreamThinkingDisabled(t *testing.T) {
	conv, _ := newClaudeConverter()
	resp := &UpstreamResponse{
		Candidates: []Candidate{{
			Content:      Content{Parts: []Part{{Thought: true, Text: "hidden"}, {Text: "visible"}}},
			FinishReason: "STOP",
		}},
	}
	out, err := conv.FromUpstream(resp, "claude-sonnet-4-5", "u1", false)
	if err != nil {
		t.Fatalf("FromUpstream: %v", err)
	}
	if len(out.Content) != 1 || out.Content[0].Type != "text" {
		t.Fatalf("content = %+v, want text only", out.Content)
	}
}
