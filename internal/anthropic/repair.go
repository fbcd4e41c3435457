package anthropic

import "github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"

// repairHistory implements spec.md §4.C "Tool pairing repair". It mutates
// history in place (stripping orphan tool_use entries from assistant turns)
// and current in place (dropping tool_results that duplicate an
// already-answered id or that never had a matching tool_use), so that every
// tool_use_id surviving in the repaired history is paired.
//
// Generalizes the teacher's repairDanglingToolUseMessages, which drops
// whole message pairs, into per-id stripping: an assistant turn keeps its
// answered tool_uses and only loses the unanswered ones.
func repairHistory(history []turn, current *turn) {
	answered := map[string]bool{}
	unpaired := map[string]bool{}

	for _, t := range history {
		if t.role != "assistant" {
			continue
		}
		for _, tu := range t.toolUses {
			if tu.ToolUseID != "" {
				unpaired[tu.ToolUseID] = true
			}
		}
	}
	for _, t := range history {
		if t.role != "user" {
			continue
		}
		for _, tr := range t.toolResults {
			if unpaired[tr.ToolUseID] {
				answered[tr.ToolUseID] = true
				delete(unpaired, tr.ToolUseID)
			}
		}
	}

	var kept []model.ToolResult
	for _, tr := range current.toolResults {
		switch {
		case answered[tr.ToolUseID]:
			// duplicate: already answered inside history — drop.
		case unpaired[tr.ToolUseID]:
			kept = append(kept, tr)
			delete(unpaired, tr.ToolUseID)
		default:
			// orphan: never declared by any history assistant turn — drop.
		}
	}
	current.toolResults = kept

	// Anything left in unpaired has no answer anywhere; strip it from the
	// assistant turn that declared it.
	if len(unpaired) == 0 {
		return
	}
	for i := range history {
		if history[i].role != "assistant" || len(history[i].toolUses) == 0 {
			continue
		}
		var remaining []model.ToolUseEntry
		for _, tu := range history[i].toolUses {
			if unpaired[tu.ToolUseID] {
				continue
			}
			remaining = append(remaining, tu)
		}
		history[i].toolUses = remaining
		if len(remaining) == 0 && history[i].text == "" {
			history[i].text = " "
		}
	}
}
