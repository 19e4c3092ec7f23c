// Package schema converts arbitrary client JSON Schema fragments into the
// dialect accepted by the upstream generateContent API.
package schema

import "strings"

// Keywords the upstream rejects; stripped at every depth.
var strippedKeywords = map[string]bool{
	"$schema": true, "$id": true, "$ref": true, "$defs": true,
	"definitions": true, "additionalProperties": true, "propertyNames": true,
	"default": true, "minLength": true, "maxLength": true,
	"minimum": true, "maximum": true, "minItems": true, "maxItems": true,
	"pattern": true, "format": true, "uniqueItems": true,
	"exclusiveMinimum": true, "exclusiveMaximum": true, "const": true,
	"if": true, "then": true, "else": true, "not": true,
	"contentEncoding": true, "contentMediaType": true, "deprecated": true,
	"readOnly": true, "writeOnly": true, "examples": true, "$comment": true,
	"title": true, "nullable": true, "additionalItems": true,
	"unevaluatedItems": true, "unevaluatedProperties": true,
	"prefixItems": true, "contains": true, "minContains": true,
	"maxContains": true, "patternProperties": true,
	"dependentRequired": true, "dependentSchemas": true,
}

// Normalize rewrites a JSON Schema node into the upstream dialect. It never
// fails: an unconvertible node degrades to {"type":"object"}. Non-object
// nodes are returned as-is. uppercaseTypes is the upstream default; Claude
// family models require lowercase type tokens.
func Normalize(node interface{}, uppercaseTypes bool) interface{} {
	obj, ok := node.(map[string]interface{})
	if !ok {
		return node
	}
	return normalizeObject(obj, uppercaseTypes)
}

func normalizeObject(obj map[string]interface{}, uppercase bool) map[string]interface{} {
	out := make(map[string]interface{}, len(obj))
	for k, v := range obj {
		if strippedKeywords[k] {
			continue
		}
		out[k] = v
	}

	flattenUnions(out)
	canonicalizeType(out, uppercase)

	// Recurse into property schemas.
	if props, ok := out["properties"].(map[string]interface{}); ok {
		cleaned := make(map[string]interface{}, len(props))
		for name, sub := range props {
			cleaned[name] = Normalize(sub, uppercase)
		}
		out["properties"] = cleaned
	}

	// items: tuple form flattens to its first element.
	switch items := out["items"].(type) {
	case map[string]interface{}:
		out["items"] = Normalize(items, uppercase)
	case []interface{}:
		if len(items) > 0 {
			out["items"] = Normalize(items[0], uppercase)
		} else {
			delete(out, "items")
		}
	}

	return out
}

// flattenUnions resolves anyOf/oneOf/allOf in place.
func flattenUnions(out map[string]interface{}) {
	for _, key := range []string{"anyOf", "oneOf"} {
		branches, ok := out[key].([]interface{})
		if !ok {
			continue
		}
		delete(out, key)
		if _, hasType := out["type"]; hasType {
			continue
		}
		if t := firstNonNullType(branches); t != "" {
			out["type"] = t
		}
	}

	if branches, ok := out["allOf"].([]interface{}); ok {
		delete(out, "allOf")
		mergedProps, _ := out["properties"].(map[string]interface{})
		mergedReq := toStringSlice(out["required"])
		for _, b := range branches {
			child, ok := b.(map[string]interface{})
			if !ok {
				continue
			}
			if props, ok := child["properties"].(map[string]interface{}); ok {
				if mergedProps == nil {
					mergedProps = make(map[string]interface{})
				}
				for name, sub := range props {
					mergedProps[name] = sub
				}
			}
			for _, r := range toStringSlice(child["required"]) {
				if !containsString(mergedReq, r) {
					mergedReq = append(mergedReq, r)
				}
			}
			if _, hasType := out["type"]; !hasType {
				if t, ok := child["type"].(string); ok && t != "null" {
					out["type"] = t
				}
			}
		}
		if mergedProps != nil {
			out["properties"] = mergedProps
		}
		if len(mergedReq) > 0 {
			out["required"] = mergedReq
		}
	}
}

// canonicalizeType picks one type token and applies casing.
func canonicalizeType(out map[string]interface{}, uppercase bool) {
	switch t := out["type"].(type) {
	case string:
		out["type"] = caseType(t, uppercase)
	case []interface{}:
		picked := "string"
		for _, v := range t {
			if s, ok := v.(string); ok && !strings.EqualFold(s, "null") {
				picked = s
				break
			}
		}
		out["type"] = caseType(picked, uppercase)
	}
}

func caseType(t string, uppercase bool) string {
	if uppercase {
		return strings.ToUpper(t)
	}
	return strings.ToLower(t)
}

func firstNonNullType(branches []interface{}) string {
	for _, b := range branches {
		child, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		switch t := child["type"].(type) {
		case string:
			if !strings.EqualFold(t, "null") {
				return t
			}
		case []interface{}:
			for _, v := range t {
				if s, ok := v.(string); ok && !strings.EqualFold(s, "null") {
					return s
				}
			}
		}
	}
	return ""
}

func toStringSlice(v interface{}) []string {
	var out []string
	switch vv := v.(type) {
	case []interface{}:
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = vv
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
