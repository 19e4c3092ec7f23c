package converter

import (
	"testing"
)

func TestBuildFunctionDeclInjectsPlaceholder(t *testing.T) {
	decl := buildFunctionDecl("get_time", "current time", map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"tz": map[string]interface{}{"type": "string"}},
	}, true)

	params, ok := decl.Parameters.(map[string]interface{})
	if !ok {
		t.Fatalf("parameters is %T, want map", decl.Parameters)
	}
	req, ok := params["required"].([]string)
	if !ok || len(req) != 1 || req[0] != PlaceholderRequired {
		t.Fatalf("required = %v, want [%s]", params["required"], PlaceholderRequired)
	}
	props := params["properties"].(map[string]interface{})
	ph, ok := props[PlaceholderRequired].(map[string]interface{})
	if !ok {
		t.Fatalf("placeholder property missing: %v", props)
	}
	if ph["type"] != "BOOLEAN" {
		t.Errorf("placeholder type = %v, want BOOLEAN", ph["type"])
	}
}

func TestBuildFunctionDeclKeepsExistingRequired(t *testing.T) {
	decl := buildFunctionDecl("run", "", map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"cmd": map[string]interface{}{"type": "string"}},
		"required":   []interface{}{"cmd"},
	}, false)

	params := decl.Parameters.(map[string]interface{})
	props := params["properties"].(map[string]interface{})
	if _, ok := props[PlaceholderRequired]; ok {
		t.Errorf("placeholder injected despite non-empty required")
	}
}

func TestBuildFunctionDeclNilSchema(t *testing.T) {
	decl := buildFunctionDecl("noop", "", nil, false)
	params, ok := decl.Parameters.(map[string]interface{})
	if !ok {
		t.Fatalf("parameters is %T, want map", decl.Parameters)
	}
	if params["type"] != "object" {
		t.Errorf("type = %v, want object", params["type"])
	}
	if req, _ := params["required"].([]string); len(req) != 1 {
		t.Errorf("required = %v, want the placeholder", params["required"])
	}
}

func TestStripPlaceholderArgs(t *testing.T) {
	args := map[string]interface{}{PlaceholderRequired: true, "path": "/tmp"}
	out := StripPlaceholderArgs(args)
	if _, ok := out[PlaceholderRequired]; ok {
		t.Errorf("placeholder survived strip: %v", out)
	}
	if out["path"] != "/tmp" {
		t.Errorf("real arg lost: %v", out)
	}
	if StripPlaceholderArgs(nil) != nil {
		t.Errorf("nil args should stay nil")
	}
}

func TestBuiltinToolSchema(t *testing.T) {
	tests := []struct {
		toolType string
		wantName string
		wantOK   bool
	}{
		{"bash_20250124", "bash", true},
		{"text_editor_20250429", "str_replace_editor", true},
		{"web_search_20250305", "web_search", true},
		{"computer_20241022", "computer", true},
		{"custom", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.toolType, func(t *testing.T) {
			name, schemaObj, ok := BuiltinToolSchema(tt.toolType)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if ok {
				req, _ := schemaObj["required"].([]string)
				if len(req) != 1 {
					t.Errorf("required = %v, want exactly one field", schemaObj["required"])
				}
			}
		})
	}
}
