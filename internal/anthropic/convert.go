package anthropic

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/model"
)

// sessionIDPattern extracts the session UUID from a user_id value shaped
// like "..._account__session_<uuid36>...".
var sessionIDPattern = regexp.MustCompile(`_account__session_([0-9a-fA-F-]{36})`)

// ConversationID resolves the outgoing conversation_id: the session UUID
// embedded in metadata.user_id if present, else a fresh UUIDv4.
func ConversationID(userID string) string {
	if m := sessionIDPattern.FindStringSubmatch(userID); m != nil {
		return strings.ToLower(m[1])
	}
	return uuid.NewString()
}

// ConvertOptions configures request conversion with the settings the
// converter cannot derive from the request body alone.
type ConvertOptions struct {
	ThinkingSuffix string
}

// turn is an intermediate representation of one logical history turn before
// it is shaped into the upstream-tagged wrapper form.
type turn struct {
	role        string // "user" | "assistant"
	text        string
	images      []model.Image
	toolResults []model.ToolResult
	toolUses    []model.ToolUseEntry
}

// Convert translates an inbound Anthropic request into an upstream
// Conversation, performing history construction, tool-pairing repair, tool
// synthesis, and tool compression as specified in spec.md §4.C.
func Convert(req Request, opts ConvertOptions, upstreamModel string, thinking ThinkingMode, agentic bool) (model.Conversation, error) {
	systemText, err := extractSystemText(req.System)
	if err != nil {
		return model.Conversation{}, err
	}

	if agentic {
		systemText += agenticPolicyParagraph
	}
	systemText += chunkedWritePolicyParagraph
	if prefix := thinkingModePrefix(thinking); prefix != "" && !strings.Contains(systemText, thinkingModeTag) {
		systemText = prefix + systemText
	}

	turns, err := flattenMessages(req.Messages)
	if err != nil {
		return model.Conversation{}, err
	}

	var allTurns []turn
	if strings.TrimSpace(systemText) != "" {
		allTurns = append(allTurns, turn{role: "user", text: systemText})
		allTurns = append(allTurns, turn{role: "assistant", text: "I will follow these instructions."})
	}

	history, current := buildHistoryAndCurrent(allTurns, turns)

	repairHistory(history, &current)

	conv := model.Conversation{
		ConversationID:      ConversationID(userID(req.Metadata)),
		AgentContinuationID: uuid.NewString(),
		AgentTaskType:       model.DefaultAgentTaskType,
		ChatTriggerType:     model.DefaultChatTriggerType,
		History:             toHistoryEntries(history, upstreamModel),
	}

	toolDefs, err := synthesizeTools(req.Tools, history, current)
	if err != nil {
		return model.Conversation{}, err
	}
	toolDefs = compressTools(toolDefs)

	conv.CurrentMessage = model.CurrentMessage{
		UserInputMessage: model.UserInputMessage{
			Content: currentContent(current),
			ModelID: upstreamModel,
			Origin:  model.MessageOrigin,
			Images:  current.images,
			UserInputMessageContext: model.MessageContext{
				ToolResults: current.toolResults,
				Tools:       toolDefs,
			},
		},
	}

	return conv, nil
}

func userID(md *Metadata) string {
	if md == nil {
		return ""
	}
	return md.UserID
}

func currentContent(t turn) string {
	if t.text == "" {
		return " "
	}
	return t.text
}

// extractSystemText handles both the plain-string and content-block-array
// shapes the `system` field may carry.
func extractSystemText(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", fmt.Errorf("anthropic: invalid system field: %w", err)
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == BlockText {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}

// flattenMessages parses each inbound message's content into a turn,
// extracting text/images/tool_results/tool_uses per spec.md §4.C "Content
// extraction".
func flattenMessages(msgs []Message) ([]turn, error) {
	out := make([]turn, 0, len(msgs))
	for _, m := range msgs {
		t := turn{role: m.Role}

		var plain string
		if err := json.Unmarshal(m.Content, &plain); err == nil {
			t.text = plain
			out = append(out, t)
			continue
		}

		var blocks []Block
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			return nil, fmt.Errorf("anthropic: invalid message content: %w", err)
		}

		var textParts []string
		var thinkingParts []string
		for _, b := range blocks {
			switch b.Type {
			case BlockText:
				textParts = append(textParts, b.Text)
			case BlockThinking:
				thinkingParts = append(thinkingParts, b.Thinking)
			case BlockImage:
				img, err := decodeImage(b)
				if err != nil {
					return nil, err
				}
				t.images = append(t.images, img)
			case BlockToolResult:
				t.toolResults = append(t.toolResults, decodeToolResult(b))
			case BlockToolUse:
				input := b.Input
				if len(input) == 0 {
					input = json.RawMessage("{}")
				}
				t.toolUses = append(t.toolUses, model.ToolUseEntry{
					ToolUseID: b.ID,
					Name:      b.Name,
					Input:     input,
				})
			}
		}

		text := strings.Join(textParts, "")
		if len(thinkingParts) > 0 {
			text = "<thinking>" + strings.Join(thinkingParts, "\n") + "</thinking>\n\n" + text
		}
		if text == "" && len(t.toolUses) > 0 {
			text = " "
		}
		t.text = text
		out = append(out, t)
	}
	return out, nil
}

func decodeImage(b Block) (model.Image, error) {
	if b.Source == nil {
		return model.Image{}, fmt.Errorf("anthropic: image block missing source")
	}
	format := strings.TrimPrefix(b.Source.MediaType, "image/")
	switch format {
	case "jpeg", "png", "gif", "webp":
	default:
		return model.Image{}, fmt.Errorf("anthropic: unsupported image media type %q", b.Source.MediaType)
	}
	if _, err := base64.StdEncoding.DecodeString(b.Source.Data); err != nil {
		return model.Image{}, fmt.Errorf("anthropic: invalid image data: %w", err)
	}
	return model.Image{
		Format: format,
		Source: model.ImageSource{Bytes: b.Source.Data},
	}, nil
}

func decodeToolResult(b Block) model.ToolResult {
	status := model.ToolResultSuccess
	if b.IsError {
		status = model.ToolResultError
	}
	return model.ToolResult{
		ToolUseID: b.ToolUseID,
		Content:   []model.ToolResultContent{{Text: flattenToolResultContent(b.Content)}},
		Status:    status,
		IsError:   b.IsError,
	}
}

// flattenToolResultContent handles both the plain-string and
// content-block-array shapes tool_result.content may carry.
func flattenToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []Block
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var sb strings.Builder
		for _, b := range blocks {
			if b.Type == BlockText {
				sb.WriteString(b.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// buildHistoryAndCurrent implements spec.md §4.C "History construction"
// steps 2–3: buffer consecutive user turns, flush on an assistant turn
// (concatenating text with "\n", carrying images/tool_results forward), and
// peel the trailing user turn off into current.
func buildHistoryAndCurrent(prefix []turn, turns []turn) ([]turn, turn) {
	history := append([]turn{}, prefix...)

	var pendingUser *turn
	flush := func(assistant *turn) {
		if pendingUser == nil {
			if assistant != nil {
				history = append(history, turn{role: "user", text: " "})
				history = append(history, *assistant)
			}
			return
		}
		history = append(history, *pendingUser)
		if assistant != nil {
			history = append(history, *assistant)
		} else {
			history = append(history, turn{role: "assistant", text: "OK"})
		}
		pendingUser = nil
	}

	lastIsUser := len(turns) > 0 && turns[len(turns)-1].role == "user"

	limit := len(turns)
	if lastIsUser {
		limit = len(turns) - 1
	}

	for i := 0; i < limit; i++ {
		t := turns[i]
		if t.role == "user" {
			if pendingUser == nil {
				cp := t
				pendingUser = &cp
			} else {
				if pendingUser.text != "" && t.text != "" {
					pendingUser.text += "\n" + t.text
				} else {
					pendingUser.text += t.text
				}
				pendingUser.images = append(pendingUser.images, t.images...)
				pendingUser.toolResults = append(pendingUser.toolResults, t.toolResults...)
			}
			continue
		}
		a := t
		flush(&a)
	}
	if !lastIsUser {
		// The inbound message list ends on an assistant turn. Kiro always
		// requires a user current_message, so synthesize an empty one rather
		// than reusing the assistant text (undocumented edge case).
		if pendingUser != nil {
			flush(nil)
		}
		if len(turns) > 0 {
			history = append(history, turns[len(turns)-1])
		}
		return history, turn{role: "user", text: " "}
	}

	// Trailing user turn; any pending buffered user text is flushed to
	// history (paired with a synthetic assistant turn), not merged into it.
	current := turns[len(turns)-1]
	if pendingUser != nil {
		flush(nil)
	}
	return history, current
}

// toHistoryEntries converts the flattened turn slice into tagged
// model.HistoryEntry wrappers.
func toHistoryEntries(turns []turn, upstreamModel string) []model.HistoryEntry {
	out := make([]model.HistoryEntry, 0, len(turns))
	for _, t := range turns {
		if t.role == "user" {
			out = append(out, model.NewUserHistoryEntry(model.UserMessage{
				Content: t.text,
				ModelID: upstreamModel,
				Origin:  model.MessageOrigin,
				Images:  t.images,
				UserInputMessageContext: model.MessageContext{
					ToolResults: t.toolResults,
				},
			}))
		} else {
			out = append(out, model.NewAssistantHistoryEntry(model.AssistantMessage{
				Content:  t.text,
				ToolUses: t.toolUses,
			}))
		}
	}
	return out
}
