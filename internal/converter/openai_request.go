package converter

import (
	"log"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/awsl-project/agproxy/internal/config"
	"github.com/awsl-project/agproxy/internal/limiter"
	"github.com/awsl-project/agproxy/internal/signature"
)

// AntigravityIdentity is the upstream's own system prompt; every request
// leads with it so the upstream identity check passes.
const AntigravityIdentity = `You are Antigravity, a powerful agentic AI coding assistant designed by the Google Deepmind team working on Advanced Agentic Coding.
You are pair programming with a USER to solve their coding task. The task may require creating a new codebase, modifying or debugging an existing codebase, or simply answering a question.`

const systemPromptEndMarker = "\n--- [SYSTEM_PROMPT_END] ---"

// OpenAIConverter translates between the OpenAI dialect and the upstream.
type OpenAIConverter struct {
	cfg *config.Config
	sig *signature.Cache
}

func NewOpenAIConverter(cfg *config.Config, sig *signature.Cache) *OpenAIConverter {
	return &OpenAIConverter{cfg: cfg, sig: sig}
}

// OpenAIInbound is the product of inbound conversion.
type OpenAIInbound struct {
	Upstream        *UpstreamRequest
	ThinkingEnabled bool
	Downgrade       *Downgrade
	UserID          string
}

// ToUpstream converts an OpenAI request for the given upstream model name.
func (c *OpenAIConverter) ToUpstream(req *OpenAIRequest, upstreamModel string, budget *limiter.Budget) (*OpenAIInbound, error) {
	userID := req.User
	if userID == "" {
		userID = "default"
	}

	thinkingEnabled := IsThinkingModel(upstreamModel)

	out, missing := c.buildContents(req, upstreamModel, thinkingEnabled, budget, userID)
	var downgrade *Downgrade
	if thinkingEnabled && len(missing) > 0 {
		if len(missing) > maxLoggedMissingIDs {
			missing = missing[:maxLoggedMissingIDs]
		}
		downgrade = &Downgrade{Reason: downgradeReason, MissingCount: len(missing), MissingToolUseIDs: missing}
		log.Printf("[OpenAI] %s", DowngradeLog(downgrade))
		thinkingEnabled = false
		// The first pass already consumed the budget; the re-walk gets a
		// fresh one so tool outputs are not double-charged.
		out, _ = c.buildContents(req, upstreamModel, false, limiter.NewBudget(c.cfg), userID)
	}

	up := &UpstreamRequest{
		Contents:          out,
		SystemInstruction: c.buildSystemInstruction(req),
		GenerationConfig:  c.buildGenerationConfig(req, upstreamModel, thinkingEnabled),
		SafetySettings:    DefaultSafetySettings(),
	}

	if len(req.Tools) > 0 {
		uppercase := !IsClaudeFamily(upstreamModel)
		decls := make([]FunctionDecl, 0, len(req.Tools))
		for _, t := range req.Tools {
			decls = append(decls, buildFunctionDecl(t.Function.Name, t.Function.Description, t.Function.Parameters, uppercase))
		}
		up.Tools = []Tool{{FunctionDeclarations: decls}}
		up.ToolConfig = &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{Mode: toolChoiceMode(req.ToolChoice)}}
	}

	return &OpenAIInbound{
		Upstream:        up,
		ThinkingEnabled: thinkingEnabled,
		Downgrade:       downgrade,
		UserID:          userID,
	}, nil
}

func toolChoiceMode(choice interface{}) string {
	if s, ok := choice.(string); ok {
		switch s {
		case "none":
			return "NONE"
		case "auto":
			return "AUTO"
		}
	}
	return "VALIDATED"
}

func (c *OpenAIConverter) buildSystemInstruction(req *OpenAIRequest) *Content {
	var sysLines []string
	for _, m := range req.Messages {
		if m.Role != "system" {
			continue
		}
		switch content := m.Content.(type) {
		case string:
			if content != "" {
				sysLines = append(sysLines, content)
			}
		case []interface{}:
			for _, item := range content {
				part, ok := item.(map[string]interface{})
				if !ok || part["type"] != "text" {
					continue
				}
				if text, ok := part["text"].(string); ok && text != "" {
					sysLines = append(sysLines, text)
				}
			}
		}
	}

	parts := []Part{{Text: AntigravityIdentity}}
	if len(sysLines) > 0 {
		parts = append(parts, Part{Text: "<user_system_prompt>\n" + strings.Join(sysLines, "\n") + "\n</user_system_prompt>"})
	}
	parts = append(parts, Part{Text: systemPromptEndMarker})
	return &Content{Role: "user", Parts: parts}
}

func (c *OpenAIConverter) buildGenerationConfig(req *OpenAIRequest, model string, thinking bool) *GenerationConfig {
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = req.MaxCompletionTokens
	}

	gc := &GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: maxTokens,
		CandidateCount:  1,
	}

	switch stop := req.Stop.(type) {
	case string:
		gc.StopSequences = []string{stop}
	case []interface{}:
		for _, s := range stop {
			if str, ok := s.(string); ok {
				gc.StopSequences = append(gc.StopSequences, str)
			}
		}
	}

	if thinking {
		budget := req.ThinkingBudget
		if budget == 0 {
			budget = req.BudgetTokens
		}
		if budget == 0 {
			budget = DefaultThinkingBudget
		}
		gc.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
		gc.MaxOutputTokens = promoteMaxTokens(gc.MaxOutputTokens, budget, model)
	}

	if c.cfg.MaxOutputTokensWithTools > 0 && len(req.Tools) > 0 &&
		gc.MaxOutputTokens > c.cfg.MaxOutputTokensWithTools {
		gc.MaxOutputTokens = c.cfg.MaxOutputTokensWithTools
	}

	return gc
}

// buildContents walks the chat history. Returns the upstream contents and,
// when thinking is enabled, the tool-call ids that needed a signature but
// had none anywhere.
func (c *OpenAIConverter) buildContents(req *OpenAIRequest, model string, thinking bool, budget *limiter.Budget, userID string) ([]Content, []string) {
	// Pre-scan: tool_call_id -> function name, for functionResponse naming.
	callNames := map[string]string{}
	for _, m := range req.Messages {
		for _, tc := range m.ToolCalls {
			callNames[tc.ID] = tc.Function.Name
		}
	}

	claudeFamily := IsClaudeFamily(model)
	var contents []Content
	var missing []string

	i := 0
	for i < len(req.Messages) {
		msg := req.Messages[i]
		switch msg.Role {
		case "system":
			i++
		case "tool":
			// Coalesce consecutive tool replies into one user turn.
			var parts []Part
			for i < len(req.Messages) && req.Messages[i].Role == "tool" {
				tm := req.Messages[i]
				name := callNames[tm.ToolCallID]
				output := budget.Limit(tm.Content, name, false)
				if claudeFamily && !strings.HasPrefix(tm.ToolCallID, "toolu_") {
					// Cross-provider history: plain text stand-in.
					parts = append(parts, Part{Text: "[tool:" + name + "] " + output})
				} else {
					parts = append(parts, Part{FunctionResponse: &FunctionResponse{
						ID:       tm.ToolCallID,
						Name:     name,
						Response: map[string]interface{}{"output": output},
					}})
				}
				i++
			}
			contents = append(contents, Content{Role: "user", Parts: parts})
		case "assistant":
			parts, miss := c.assistantParts(msg, model, thinking, userID)
			missing = append(missing, miss...)
			if len(parts) > 0 {
				contents = append(contents, Content{Role: "model", Parts: parts})
			}
			i++
		default: // user
			parts := userParts(msg)
			if len(parts) > 0 {
				contents = append(contents, Content{Role: "user", Parts: parts})
			}
			i++
		}
	}

	return contents, missing
}

func (c *OpenAIConverter) assistantParts(msg OpenAIMessage, model string, thinking bool, userID string) ([]Part, []string) {
	var parts []Part

	if s, ok := msg.Content.(string); ok && s != "" {
		parts = append(parts, Part{Text: s})
	}

	if len(msg.ToolCalls) == 0 {
		return parts, nil
	}

	claudeFamily := IsClaudeFamily(model)
	crossProvider := false
	for _, tc := range msg.ToolCalls {
		if claudeFamily && !strings.HasPrefix(tc.ID, "toolu_") {
			crossProvider = true
			break
		}
	}
	if crossProvider {
		// History written by another provider: keep the text, drop the calls.
		return parts, nil
	}

	var sig, thoughtText string
	var missing []string
	if thinking && claudeFamily {
		sig, thoughtText = c.replaySignature(msg.ToolCalls, userID)
		if sig == "" {
			for _, tc := range msg.ToolCalls {
				missing = append(missing, tc.ID)
			}
			return parts, missing
		}
		text := " "
		if c.cfg.ReplayThoughtText && thoughtText != "" {
			text = thoughtText
		}
		parts = append([]Part{{Thought: true, Text: text, ThoughtSignature: sig}}, parts...)
	}

	for _, tc := range msg.ToolCalls {
		var args map[string]interface{}
		if tc.Function.Arguments != "" {
			_ = sonic.UnmarshalString(tc.Function.Arguments, &args)
		}
		parts = append(parts, Part{
			FunctionCall:     &FunctionCall{ID: tc.ID, Name: tc.Function.Name, Args: args},
			ThoughtSignature: sig,
		})
	}
	return parts, nil
}

// replaySignature resolves a cached signature for a replayed tool-call turn:
// first id, then any id, then the per-user fallback.
func (c *OpenAIConverter) replaySignature(calls []OpenAIToolCall, userID string) (sig, thoughtText string) {
	if len(calls) == 0 {
		return "", ""
	}
	if s := c.sig.GetThinkingSignature(calls[0].ID); s != "" {
		return s, c.sig.GetThinkingThoughtText(calls[0].ID)
	}
	for _, tc := range calls[1:] {
		if s := c.sig.GetThinkingSignature(tc.ID); s != "" {
			return s, c.sig.GetThinkingThoughtText(tc.ID)
		}
	}
	if s := c.sig.GetLastThinkingSignature(userID); s != "" {
		return s, ""
	}
	return "", ""
}

func userParts(msg OpenAIMessage) []Part {
	switch content := msg.Content.(type) {
	case string:
		if content == "" {
			return nil
		}
		return []Part{{Text: content}}
	case []interface{}:
		var parts []Part
		for _, item := range content {
			m, ok := item.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				if text, ok := m["text"].(string); ok && text != "" {
					parts = append(parts, Part{Text: text})
				}
			case "image_url":
				if img, ok := m["image_url"].(map[string]interface{}); ok {
					if url, ok := img["url"].(string); ok {
						if inline := parseImageURL(url); inline != nil {
							parts = append(parts, Part{InlineData: inline})
						}
					}
				}
			}
		}
		return parts
	}
	return nil
}

// parseImageURL accepts data URLs and raw base64 payloads.
func parseImageURL(url string) *InlineData {
	if strings.HasPrefix(url, "data:") {
		rest := strings.TrimPrefix(url, "data:")
		semi := strings.Index(rest, ";base64,")
		if semi < 0 {
			return nil
		}
		return &InlineData{MimeType: rest[:semi], Data: rest[semi+len(";base64,"):]}
	}
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return nil
	}
	// Raw base64 without a wrapper.
	return &InlineData{MimeType: "image/png", Data: url}
}
