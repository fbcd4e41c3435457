package anthropic

import "encoding/json"

// estimateTextTokens applies the same char-based heuristic used for output
// token accounting (one token per 4 ASCII-like characters, 2/3 token per
// CJK ideograph) to a block of input text.
func estimateTextTokens(text string) float64 {
	ascii := 0
	cjk := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			ascii++
		}
	}
	return float64(ascii)/4 + float64(cjk)*2/3
}

// EstimateInputTokens gives a pre-request estimate of input_tokens from the
// raw request body, for the message_start event emitted before any
// upstream contextUsageEvent has arrived (and for a local count_tokens
// response when no countTokensApiUrl is configured).
func EstimateInputTokens(req Request) int {
	total := 0.0

	if sysText, err := extractSystemText(req.System); err == nil {
		total += estimateTextTokens(sysText)
	}

	for _, m := range req.Messages {
		var plain string
		if err := json.Unmarshal(m.Content, &plain); err == nil {
			total += estimateTextTokens(plain)
			continue
		}
		var blocks []Block
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			continue
		}
		for _, b := range blocks {
			switch b.Type {
			case BlockText:
				total += estimateTextTokens(b.Text)
			case BlockThinking:
				total += estimateTextTokens(b.Thinking)
			case BlockToolUse:
				total += estimateTextTokens(string(b.Input))
			case BlockToolResult:
				total += estimateTextTokens(flattenToolResultContent(b.Content))
			}
		}
	}

	for _, t := range req.Tools {
		total += estimateTextTokens(t.Name) + estimateTextTokens(t.Description) + estimateTextTokens(string(t.InputSchema))
	}

	return int(total)
}
