package anthropic

import (
	"fmt"
	"strings"
)

// ThinkingMode is the resolved thinking behavior passed to the request
// converter after suffix stripping.
type ThinkingMode int

const (
	ThinkingOff ThinkingMode = iota
	ThinkingEnabled
	ThinkingAdaptive
)

const adaptiveThinkingBudget = 20000

// adaptiveThinkingEffort is the default effort level for adaptive thinking,
// per the glossary ("adaptive effort high by default").
const adaptiveThinkingEffort = "high"

// agenticSuffix is a fixed literal, unlike the configurable thinking suffix.
const agenticSuffix = "-agentic"

// modelMapEntry pairs a substring match rule with the upstream model id it
// resolves to. Matched in order; first match wins. This mirrors the
// original's brittle-by-design substring table (spec.md §9 Open Question b):
// new upstream ids are added here by substring, never by exact match.
type modelMapEntry struct {
	contains []string // all of these substrings must appear (case-insensitive)
	upstream string
	oneM     bool // flagged 1M-context for usage accounting (§4.D)
}

var modelMap = []modelMapEntry{
	{contains: []string{"opus", "4.6"}, upstream: "claude-opus-4-6-20260115"},
	{contains: []string{"opus", "4.5"}, upstream: "claude-opus-4-5-20251101"},
	{contains: []string{"sonnet", "4.5"}, upstream: "claude-sonnet-4-5-20250929"},
	{contains: []string{"sonnet", "4"}, upstream: "claude-sonnet-4-20250514"},
	{contains: []string{"haiku", "4.5"}, upstream: "claude-haiku-4-5-20251001"},
	{contains: []string{"haiku", "3.5"}, upstream: "claude-3-5-haiku-20241022"},
	{contains: []string{"sonnet", "3.7"}, upstream: "claude-3-7-sonnet-20250219"},
}

const fallbackUpstreamModel = "claude-sonnet-4-5-20250929"

// ErrUnmappableModel is returned when a model id matches no mapping entry
// and does not contain "claude" (which would select the fixed fallback).
type ErrUnmappableModel struct {
	Model string
}

func (e *ErrUnmappableModel) Error() string {
	return fmt.Sprintf("anthropic: unmappable model %q", e.Model)
}

// ResolvedModel is the outcome of normalizing an inbound model string.
type ResolvedModel struct {
	Upstream string
	Thinking ThinkingMode
	Agentic  bool
	OneM     bool
}

// ResolveModel strips the thinking and agentic suffixes (in either order —
// either may be absent), then maps the remaining string to an upstream
// model id via substring matching. thinkingSuffix is the configurable
// suffix (default "-thinking"); the "-agentic" suffix is always literal.
func ResolveModel(inbound, thinkingSuffix string) (ResolvedModel, error) {
	if thinkingSuffix == "" {
		thinkingSuffix = "-thinking"
	}
	model := inbound
	agentic := false
	if strings.HasSuffix(model, agenticSuffix) {
		agentic = true
		model = strings.TrimSuffix(model, agenticSuffix)
	}
	requestedThinking := false
	if strings.HasSuffix(model, thinkingSuffix) {
		requestedThinking = true
		model = strings.TrimSuffix(model, thinkingSuffix)
	}
	// The agentic suffix may also trail the thinking suffix in either order.
	if !agentic && strings.HasSuffix(model, agenticSuffix) {
		agentic = true
		model = strings.TrimSuffix(model, agenticSuffix)
	}

	lower := strings.ToLower(model)
	upstream := ""
	for _, e := range modelMap {
		matched := true
		for _, sub := range e.contains {
			if !strings.Contains(lower, sub) {
				matched = false
				break
			}
		}
		if matched {
			upstream = e.upstream
			break
		}
	}
	if upstream == "" {
		if strings.Contains(lower, "claude") {
			upstream = fallbackUpstreamModel
		} else {
			return ResolvedModel{}, &ErrUnmappableModel{Model: inbound}
		}
	}

	mode := ThinkingOff
	if requestedThinking {
		if strings.Contains(lower, "opus") && strings.Contains(lower, "4.6") {
			mode = ThinkingAdaptive
		} else {
			mode = ThinkingEnabled
		}
	}

	return ResolvedModel{
		Upstream: upstream,
		Thinking: mode,
		Agentic:  agentic,
		OneM:     strings.Contains(lower, "1m"),
	}, nil
}

// agenticPolicyParagraph is appended to the system prompt when the agentic
// suffix is present on the requested model.
const agenticPolicyParagraph = "\n\nYou are operating in agentic mode: work autonomously toward the user's goal across multiple tool calls without pausing for confirmation unless the action is destructive or irreversible."

// chunkedWritePolicyParagraph is always appended to the system prompt,
// per spec.md §4.C step 1.
const chunkedWritePolicyParagraph = "\n\nWhen writing or editing files, prefer emitting content in manageable chunks rather than one enormous block."

// thinkingModeTag is the tag the converter looks for before deciding
// whether to prepend the thinking-mode prefix to the system prompt.
const thinkingModeTag = "<thinking_mode>"

func thinkingModePrefix(mode ThinkingMode) string {
	switch mode {
	case ThinkingAdaptive:
		return fmt.Sprintf("<thinking_mode>adaptive</thinking_mode><thinking_effort>%s</thinking_effort>\n\n", adaptiveThinkingEffort)
	case ThinkingEnabled:
		return fmt.Sprintf("<thinking_mode>enabled</thinking_mode><max_thinking_length>%d</max_thinking_length>\n\n", adaptiveThinkingBudget)
	default:
		return ""
	}
}
