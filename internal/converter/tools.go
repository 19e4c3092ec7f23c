package converter

import (
	"strings"

	"github.com/awsl-project/agproxy/internal/schema"
)

// PlaceholderRequired is the synthetic schema property injected when a tool
// declares no required parameters, forcing the model to actually emit tool
// calls. Stripped from args on the way back out.
const PlaceholderRequired = "__ag_required"

// injectRequiredPlaceholder adds the placeholder property to a normalized
// object schema that has no non-empty required list. Returns the schema and
// whether injection happened.
func injectRequiredPlaceholder(params map[string]interface{}) bool {
	if req, ok := params["required"].([]interface{}); ok && len(req) > 0 {
		return false
	}
	if req, ok := params["required"].([]string); ok && len(req) > 0 {
		return false
	}

	props, _ := params["properties"].(map[string]interface{})
	if props == nil {
		props = map[string]interface{}{}
		params["properties"] = props
	}
	props[PlaceholderRequired] = map[string]interface{}{
		"type":        typeToken(params),
		"description": "Set to true.",
	}
	params["required"] = []string{PlaceholderRequired}
	return true
}

// typeToken matches the casing convention already present on the schema.
func typeToken(params map[string]interface{}) string {
	if t, ok := params["type"].(string); ok && t == strings.ToUpper(t) && t != "" {
		return "BOOLEAN"
	}
	return "boolean"
}

// StripPlaceholderArgs removes the placeholder from a functionCall args map.
func StripPlaceholderArgs(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return nil
	}
	delete(args, PlaceholderRequired)
	return args
}

// buildFunctionDecl normalises one tool parameter schema and injects the
// placeholder when needed. uppercaseTypes follows the target model family.
func buildFunctionDecl(name, description string, params interface{}, uppercaseTypes bool) FunctionDecl {
	normalized := schema.Normalize(params, uppercaseTypes)
	if obj, ok := normalized.(map[string]interface{}); ok {
		injectRequiredPlaceholder(obj)
		normalized = obj
	} else if normalized == nil {
		obj := map[string]interface{}{"type": caseToken("object", uppercaseTypes), "properties": map[string]interface{}{}}
		injectRequiredPlaceholder(obj)
		normalized = obj
	}
	return FunctionDecl{Name: name, Description: description, Parameters: normalized}
}

func caseToken(t string, uppercase bool) string {
	if uppercase {
		return strings.ToUpper(t)
	}
	return t
}

// BuiltinToolSchema returns the deterministic synthetic schema for an
// Anthropic built-in tool type, matched by prefix. The bool reports a match.
func BuiltinToolSchema(toolType string) (name string, schemaObj map[string]interface{}, ok bool) {
	obj := func(props map[string]interface{}, required ...string) map[string]interface{} {
		return map[string]interface{}{"type": "object", "properties": props, "required": required}
	}
	str := map[string]interface{}{"type": "string"}
	integer := map[string]interface{}{"type": "integer"}
	intArray := map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "integer"}}

	switch {
	case strings.HasPrefix(toolType, "bash"):
		return "bash", obj(map[string]interface{}{
			"command": str, "timeout_ms": integer,
		}, "command"), true
	case strings.HasPrefix(toolType, "text_editor"):
		return "str_replace_editor", obj(map[string]interface{}{
			"command": str, "path": str, "file_text": str, "old_str": str,
			"new_str": str, "insert_line": integer, "text": str, "view_range": intArray,
		}, "command"), true
	case strings.HasPrefix(toolType, "web_search"):
		return "web_search", obj(map[string]interface{}{
			"query": str, "max_results": integer, "locale": str, "time_range": str,
		}, "query"), true
	case strings.HasPrefix(toolType, "computer"):
		return "computer", obj(map[string]interface{}{
			"action": str, "x": integer, "y": integer, "coordinates": intArray,
			"text": str, "key": str, "button": str, "clicks": integer,
			"scroll_amount": integer, "direction": str,
		}, "action"), true
	}
	return "", nil, false
}
