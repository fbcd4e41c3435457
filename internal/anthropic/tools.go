package anthropic

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
)

const (
	maxToolDescriptionRunes = 10000
	toolCompressionBudget   = 20 * 1024
	minTruncatedDescription = 50
)

// chunkedOutputSuffix is appended to the Write/Edit tool descriptions so the
// model is told to emit content incrementally, matching the upstream's
// expectation of chunked tool output for large writes.
const chunkedOutputSuffix = "\n\nProduce output in incremental chunks rather than a single large block."

var essentialSchemaKeys = map[string]bool{
	"type": true, "enum": true, "required": true, "properties": true,
	"items": true, "additionalProperties": true, "anyOf": true, "oneOf": true, "allOf": true,
}

// synthesizeTools converts the inbound tool declarations to upstream shape
// and appends placeholders for any tool name referenced in history but not
// declared inbound (spec.md §4.C "Tool list synthesis").
func synthesizeTools(inbound []Tool, history []turn, current turn) ([]model.ToolDefinition, error) {
	declared := map[string]bool{}
	out := make([]model.ToolDefinition, 0, len(inbound))
	for _, t := range inbound {
		declared[strings.ToLower(t.Name)] = true
		desc := truncateDescription(t.Description, maxToolDescriptionRunes)
		if t.Name == "Write" || t.Name == "Edit" {
			desc += chunkedOutputSuffix
		}
		schema := t.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, model.ToolDefinition{
			Name:        t.Name,
			Description: desc,
			InputSchema: schema,
		})
	}

	referenced := map[string]string{} // lowercase -> original-case name
	for _, t := range history {
		for _, tu := range t.toolUses {
			referenced[strings.ToLower(tu.Name)] = tu.Name
		}
	}

	for lower, name := range referenced {
		if declared[lower] {
			continue
		}
		out = append(out, model.ToolDefinition{
			Name:        name,
			Description: "",
			InputSchema: json.RawMessage(`{"type":"object","properties":{},"additionalProperties":true}`),
		})
	}

	return out, nil
}

func truncateDescription(s string, maxRunes int) string {
	if utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes])
}

// compressTools implements spec.md §4.C "Tool compression": if the
// serialized tool list exceeds 20 KiB, first strip non-essential schema
// keys, then proportionally truncate descriptions.
func compressTools(tools []model.ToolDefinition) []model.ToolDefinition {
	if toolsJSONSize(tools) <= toolCompressionBudget {
		return tools
	}

	stripped := make([]model.ToolDefinition, len(tools))
	for i, t := range tools {
		stripped[i] = t
		stripped[i].InputSchema = stripNonEssentialSchemaKeys(t.InputSchema)
	}
	if toolsJSONSize(stripped) <= toolCompressionBudget {
		return stripped
	}

	return truncateDescriptionsProportionally(stripped)
}

func toolsJSONSize(tools []model.ToolDefinition) int {
	b, err := json.Marshal(tools)
	if err != nil {
		return 0
	}
	return len(b)
}

func stripNonEssentialSchemaKeys(raw json.RawMessage) json.RawMessage {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	v = stripValue(v)
	b, err := json.Marshal(v)
	if err != nil {
		return raw
	}
	return b
}

// stripValue mirrors the original simplify_input_schema: properties must
// keep their names (only the per-property schema is stripped recursively),
// and items/anyOf/oneOf/allOf hold nested schemas that need the same
// treatment rather than a blanket key-allowlist recursion.
func stripValue(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		arr, ok := v.([]any)
		if !ok {
			return v
		}
		out := make([]any, len(arr))
		for i, item := range arr {
			out[i] = stripValue(item)
		}
		return out
	}

	out := make(map[string]any, len(m))
	for k, val := range m {
		if !essentialSchemaKeys[k] {
			continue
		}
		switch k {
		case "properties":
			props, ok := val.(map[string]any)
			if !ok {
				continue
			}
			stripped := make(map[string]any, len(props))
			for name, propSchema := range props {
				stripped[name] = stripValue(propSchema)
			}
			out[k] = stripped
		case "items", "additionalProperties":
			out[k] = stripValue(val)
		case "anyOf", "oneOf", "allOf":
			arr, ok := val.([]any)
			if !ok {
				continue
			}
			stripped := make([]any, len(arr))
			for i, item := range arr {
				stripped[i] = stripValue(item)
			}
			out[k] = stripped
		default:
			out[k] = val
		}
	}
	return out
}

// truncateDescriptionsProportionally shrinks every description so the total
// serialized size fits within toolCompressionBudget, proportional to each
// description's current length, with a 50-rune floor and UTF-8-safe
// truncation (an ellipsis is appended when truncation occurs).
func truncateDescriptionsProportionally(tools []model.ToolDefinition) []model.ToolDefinition {
	size := toolsJSONSize(tools)
	if size <= toolCompressionBudget {
		return tools
	}
	overBy := size - toolCompressionBudget

	totalDescLen := 0
	for _, t := range tools {
		totalDescLen += utf8.RuneCountInString(t.Description)
	}
	if totalDescLen == 0 {
		return tools
	}

	out := make([]model.ToolDefinition, len(tools))
	for i, t := range tools {
		out[i] = t
		runes := []rune(t.Description)
		n := len(runes)
		if n == 0 {
			continue
		}
		share := overBy * n / totalDescLen
		target := n - share
		if target < minTruncatedDescription {
			target = minTruncatedDescription
		}
		if target >= n {
			continue
		}
		out[i].Description = string(runes[:target]) + "…"
	}
	return out
}
