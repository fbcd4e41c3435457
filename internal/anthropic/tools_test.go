package anthropic

import (
	"encoding/json"
	"testing"
)

func TestStripNonEssentialSchemaKeysPreservesPropertyNames(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"title": "drop me",
		"description": "drop me too",
		"properties": {
			"path": {"type": "string", "description": "drop"},
			"count": {"type": "integer", "minimum": 0}
		},
		"required": ["path"]
	}`)

	stripped := stripNonEssentialSchemaKeys(raw)

	var got map[string]any
	if err := json.Unmarshal(stripped, &got); err != nil {
		t.Fatalf("unmarshal stripped: %v", err)
	}

	if _, ok := got["title"]; ok {
		t.Fatalf("expected non-essential top-level key to be dropped, got %+v", got)
	}

	props, ok := got["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties map to survive, got %+v", got["properties"])
	}
	if len(props) != 2 {
		t.Fatalf("expected both property names to survive, got %+v", props)
	}
	path, ok := props["path"].(map[string]any)
	if !ok {
		t.Fatalf("expected path property schema, got %+v", props["path"])
	}
	if path["type"] != "string" {
		t.Fatalf("expected path's type to survive stripping, got %+v", path)
	}
	if _, ok := path["description"]; ok {
		t.Fatalf("expected path's description to be stripped, got %+v", path)
	}
}

func TestStripNonEssentialSchemaKeysRecursesItemsAndAnyOf(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "array",
		"items": {"type": "object", "properties": {"x": {"type": "number", "description": "drop"}}},
		"anyOf": [{"type": "string"}, {"type": "null", "description": "drop"}]
	}`)

	stripped := stripNonEssentialSchemaKeys(raw)

	var got map[string]any
	if err := json.Unmarshal(stripped, &got); err != nil {
		t.Fatalf("unmarshal stripped: %v", err)
	}

	items, ok := got["items"].(map[string]any)
	if !ok {
		t.Fatalf("expected items to survive, got %+v", got["items"])
	}
	props, ok := items["properties"].(map[string]any)
	if !ok || props["x"] == nil {
		t.Fatalf("expected items.properties.x to survive, got %+v", items)
	}
	x := props["x"].(map[string]any)
	if _, ok := x["description"]; ok {
		t.Fatalf("expected items.properties.x.description to be stripped, got %+v", x)
	}

	anyOf, ok := got["anyOf"].([]any)
	if !ok || len(anyOf) != 2 {
		t.Fatalf("expected both anyOf entries to survive, got %+v", got["anyOf"])
	}
	second := anyOf[1].(map[string]any)
	if _, ok := second["description"]; ok {
		t.Fatalf("expected anyOf[1].description to be stripped, got %+v", second)
	}
}
