package converter

import (
	"strings"

	"github.com/awsl-project/agproxy/internal/limiter"
)

// ToUpstream converts a prepared Anthropic request for the given upstream
// model.
func (c *ClaudeConverter) ToUpstream(prep *ClaudePrepared, upstreamModel string, budget *limiter.Budget) (*UpstreamRequest, error) {
	req := prep.Req
	uppercase := !IsClaudeFamily(upstreamModel)

	tools, placeholderTools := c.buildClaudeTools(req.Tools, uppercase)

	// Pre-scan assistant tool_use ids so tool_result parts can be named.
	toolNames := map[string]string{}
	for _, m := range req.Messages {
		for _, b := range parseContentBlocks(m.Content) {
			if b.Type == "tool_use" {
				toolNames[b.ID] = b.Name
			}
		}
	}

	var contents []Content
	for _, m := range req.Messages {
		blocks := parseContentBlocks(m.Content)
		if len(blocks) == 0 {
			continue
		}
		role := "user"
		if m.Role == "assistant" {
			role = "model"
		}
		parts := c.messageParts(blocks, role, toolNames, placeholderTools, budget)
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, Content{Role: role, Parts: parts})
	}

	stabilizeToolChain(contents)

	up := &UpstreamRequest{
		Contents:          contents,
		SystemInstruction: claudeSystemInstruction(req.System),
		GenerationConfig:  c.claudeGenerationConfig(req, upstreamModel, prep.ThinkingEnabled, len(tools) > 0),
		SafetySettings:    DefaultSafetySettings(),
	}
	if len(tools) > 0 {
		up.Tools = []Tool{{FunctionDeclarations: tools}}
		up.ToolConfig = &ToolConfig{FunctionCallingConfig: FunctionCallingConfig{Mode: claudeToolMode(req.ToolChoice)}}
	}
	return up, nil
}

func claudeToolMode(choice *ClaudeToolChoice) string {
	if choice == nil {
		return "VALIDATED"
	}
	switch choice.Type {
	case "none":
		return "NONE"
	case "auto":
		return "AUTO"
	case "any", "tool":
		return "ANY"
	default:
		return "VALIDATED"
	}
}

// buildClaudeTools maps client tools (including Anthropic built-in types) to
// function declarations. Returns the declarations and the set of tool names
// whose schema got the required placeholder.
func (c *ClaudeConverter) buildClaudeTools(tools []ClaudeTool, uppercase bool) ([]FunctionDecl, map[string]bool) {
	if len(tools) == 0 {
		return nil, nil
	}
	placeholder := map[string]bool{}
	decls := make([]FunctionDecl, 0, len(tools))
	for _, t := range tools {
		name, schemaObj := t.Name, t.InputSchema
		if t.Type != "" && !strings.EqualFold(t.Type, "custom") {
			if builtinName, builtin, ok := BuiltinToolSchema(t.Type); ok {
				if name == "" {
					name = builtinName
				}
				schemaObj = builtin
			}
		}
		decl := buildFunctionDecl(name, t.Description, schemaObj, uppercase)
		if params, ok := decl.Parameters.(map[string]interface{}); ok {
			if req, ok := params["required"].([]string); ok && len(req) == 1 && req[0] == PlaceholderRequired {
				placeholder[name] = true
			}
		}
		decls = append(decls, decl)
	}
	return decls, placeholder
}

// messageParts converts one message's blocks. Non-functionCall parts come
// first, then functionCall parts.
func (c *ClaudeConverter) messageParts(blocks []ContentBlock, role string, toolNames map[string]string, placeholderTools map[string]bool, budget *limiter.Budget) []Part {
	var parts, callParts []Part
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text != "" {
				parts = append(parts, Part{Text: b.Text})
			}
		case "thinking":
			text := b.Thinking
			if b.Signature != "" && text == "" {
				text = " "
			}
			parts = append(parts, Part{Thought: true, Text: text, ThoughtSignature: b.Signature})
		case "redacted_thinking":
			sig := b.Signature
			if sig == "" {
				sig = b.Data
			}
			if sig == "" {
				continue
			}
			parts = append(parts, Part{Thought: true, Text: " ", ThoughtSignature: sig})
		case "tool_use":
			args := b.Input
			if placeholderTools[b.Name] && len(args) == 0 {
				args = map[string]interface{}{PlaceholderRequired: true}
			}
			callParts = append(callParts, Part{FunctionCall: &FunctionCall{ID: b.ID, Name: b.Name, Args: args}})
		case "tool_result":
			output := budget.Limit(b.Content, toolNames[b.ToolUseID], b.IsError)
			parts = append(parts, Part{FunctionResponse: &FunctionResponse{
				ID:       b.ToolUseID,
				Name:     toolNames[b.ToolUseID],
				Response: map[string]interface{}{"output": output},
			}})
		case "image":
			if b.Source != nil && b.Source.Type == "base64" {
				parts = append(parts, Part{InlineData: &InlineData{MimeType: b.Source.MediaType, Data: b.Source.Data}})
			}
		}
	}
	return append(parts, callParts...)
}

// stabilizeToolChain appends a single-space text part when the final user
// turn carries only functionResponse parts; without it the upstream omits
// thought parts on the next turn.
func stabilizeToolChain(contents []Content) {
	if len(contents) == 0 {
		return
	}
	last := &contents[len(contents)-1]
	if last.Role != "user" {
		return
	}
	hasText := false
	hasResponse := false
	for _, p := range last.Parts {
		if p.FunctionResponse != nil {
			hasResponse = true
		} else if strings.TrimSpace(p.Text) != "" || p.InlineData != nil {
			hasText = true
		}
	}
	if hasResponse && !hasText {
		last.Parts = append(last.Parts, Part{Text: " "})
	}
}

func claudeSystemInstruction(system interface{}) *Content {
	var text string
	switch sys := system.(type) {
	case string:
		text = sys
	case []interface{}:
		var segs []string
		for _, block := range sys {
			if m, ok := block.(map[string]interface{}); ok {
				if t, ok := m["text"].(string); ok && t != "" {
					segs = append(segs, t)
				}
			}
		}
		text = strings.Join(segs, "\n")
	}
	if text == "" {
		return nil
	}
	return &Content{Role: "user", Parts: []Part{{Text: text}}}
}

func (c *ClaudeConverter) claudeGenerationConfig(req *ClaudeRequest, model string, thinking, hasTools bool) *GenerationConfig {
	gc := &GenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		CandidateCount:  1,
		StopSequences:   req.StopSequences,
	}
	if thinking {
		budget := DefaultThinkingBudget
		if req.Thinking != nil && req.Thinking.BudgetTokens > 0 {
			budget = req.Thinking.BudgetTokens
		}
		gc.ThinkingConfig = &ThinkingConfig{IncludeThoughts: true, ThinkingBudget: budget}
		gc.MaxOutputTokens = promoteMaxTokens(gc.MaxOutputTokens, budget, model)
	}
	if c.cfg.MaxOutputTokensWithTools > 0 && hasTools && gc.MaxOutputTokens > c.cfg.MaxOutputTokensWithTools {
		gc.MaxOutputTokens = c.cfg.MaxOutputTokensWithTools
	}
	return gc
}
