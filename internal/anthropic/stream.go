package anthropic

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/kilimcininkoroglu/kiroproxy/internal/kiro/events"
)

const (
	openThinkingTag  = "<thinking>"
	closeThinkingTag = "</thinking>"
)

// quoteLikeChars is the set of characters that disqualify an adjacent
// "<thinking>"/"</thinking>" occurrence from being treated as a real tag,
// per spec.md §4.D.
const quoteLikeChars = "`\"'\\#!@$%^&*()_-=+[]{};:<>,.?/ "

func isQuoteLike(r rune) bool {
	return strings.ContainsRune(quoteLikeChars, r)
}

type blockInfo struct {
	blockType string
	started   bool
	stopped   bool
	toolID    string
	toolName  string
	text      strings.Builder
	jsonBuf   strings.Builder
}

// StreamState is the per-response SSE state machine described in spec.md
// §4.D, exposed as explicit methods rather than callbacks or combinators
// (per the Design Note in spec.md §9).
type StreamState struct {
	messageID string
	model     string

	estimatedInputTokens int
	measuredInputTokens  int
	haveMeasured         bool
	oneMContext          bool

	outputTokenEstimate float64

	nextIndex     int
	blocks        map[int]*blockInfo
	toolIndexByID map[string]int

	thinkingRequested bool
	inThinking        bool
	thinkingIndex     int
	currentTextIndex  int // -1 when no text block is open
	pending           string

	sawTextBlock    bool
	sawThinkingOnly bool
	sawToolUse      bool
	contextExceeded bool
	lengthExceeded  bool

	stopReason string
	started    bool
}

// NewStreamState creates a fresh state machine for one response.
func NewStreamState(messageID, modelName string, estimatedInputTokens int, thinkingRequested, oneMContext bool) *StreamState {
	return &StreamState{
		messageID:            messageID,
		model:                modelName,
		estimatedInputTokens: estimatedInputTokens,
		oneMContext:          oneMContext,
		blocks:               map[int]*blockInfo{},
		toolIndexByID:        map[string]int{},
		thinkingRequested:    thinkingRequested,
		currentTextIndex:     -1,
		stopReason:           StopEndTurn,
	}
}

func (s *StreamState) inputTokensNow() int {
	if s.haveMeasured {
		return s.measuredInputTokens
	}
	return s.estimatedInputTokens
}

// Start emits the initial message_start event. Call exactly once. It does
// not depend on Feed/Flush having run or not: BufferedStream calls it after
// them so input_tokens carries the measured value.
func (s *StreamState) Start() []SSEEvent {
	s.started = true
	var p messageStartPayload
	p.Type = eventMessageStart
	p.Message.ID = s.messageID
	p.Message.Type = "message"
	p.Message.Role = "assistant"
	p.Message.Content = []any{}
	p.Message.Model = s.model
	p.Message.Usage = Usage{InputTokens: s.inputTokensNow()}
	return []SSEEvent{{Name: eventMessageStart, Data: p}}
}

// Feed processes one decoded upstream event and returns the SSE events it
// produces, in order.
func (s *StreamState) Feed(evt events.Event) []SSEEvent {
	switch evt.Kind {
	case events.KindAssistantResponse:
		return s.feedText(evt.AssistantResponse.Content)
	case events.KindToolUse:
		return s.feedToolUse(evt.ToolUse)
	case events.KindContextUsage:
		return s.feedContextUsage(evt.ContextUsage)
	case events.KindException:
		if evt.Exception.ExceptionType == "ContentLengthExceededException" {
			s.lengthExceeded = true
		}
		return nil
	default:
		return nil
	}
}

func (s *StreamState) feedContextUsage(cu events.ContextUsage) []SSEEvent {
	windowSize := 200000
	if s.oneMContext {
		windowSize = 1000000
	}
	s.measuredInputTokens = int(cu.ContextUsagePercentage * float64(windowSize) / 100)
	s.haveMeasured = true
	if cu.ContextUsagePercentage >= 100 {
		s.contextExceeded = true
	}
	return nil
}

func (s *StreamState) feedText(content string) []SSEEvent {
	s.countOutputTokens(content)
	if !s.thinkingRequested {
		return s.emitPlainText(content)
	}
	s.pending += content
	return s.drainPending(false)
}

func (s *StreamState) emitPlainText(content string) []SSEEvent {
	var out []SSEEvent
	if s.currentTextIndex == -1 {
		out = append(out, s.openTextBlock()...)
	}
	out = append(out, s.textDeltaEvent(s.currentTextIndex, content))
	return out
}

func (s *StreamState) openTextBlock() []SSEEvent {
	idx := s.allocIndex(BlockText)
	s.currentTextIndex = idx
	s.sawTextBlock = true
	return []SSEEvent{
		{Name: eventContentBlockStart, Data: contentBlockStartPayload{
			Type: eventContentBlockStart, Index: idx,
			ContentBlock: textBlockStart{Type: BlockText, Text: ""},
		}},
	}
}

func (s *StreamState) closeTextBlockIfOpen() []SSEEvent {
	if s.currentTextIndex == -1 {
		return nil
	}
	idx := s.currentTextIndex
	s.stopBlock(idx)
	s.currentTextIndex = -1
	return []SSEEvent{s.blockStopEvent(idx)}
}

func (s *StreamState) textDeltaEvent(idx int, text string) SSEEvent {
	if b, ok := s.blocks[idx]; ok {
		b.text.WriteString(text)
	}
	return SSEEvent{Name: eventContentBlockDelta, Data: contentBlockDeltaPayload{
		Type: eventContentBlockDelta, Index: idx,
		Delta: textDelta{Type: "text_delta", Text: text},
	}}
}

func (s *StreamState) allocIndex(blockType string) int {
	idx := s.nextIndex
	s.nextIndex++
	s.blocks[idx] = &blockInfo{blockType: blockType, started: true}
	return idx
}

func (s *StreamState) stopBlock(idx int) {
	if b, ok := s.blocks[idx]; ok {
		b.stopped = true
	}
}

func (s *StreamState) blockStopEvent(idx int) SSEEvent {
	return SSEEvent{Name: eventContentBlockStop, Data: contentBlockStopPayload{Type: eventContentBlockStop, Index: idx}}
}

// drainPending processes s.pending, classifying thinking tags and emitting
// SSE events, until no further progress can be made without more data.
// atBoundary relaxes the closing-tag rule to the whitespace-only exception
// described in spec.md §4.D (stream end or tool_use start).
func (s *StreamState) drainPending(atBoundary bool) []SSEEvent {
	var out []SSEEvent
	for {
		if !s.inThinking {
			idx, real, wait := findTag(s.pending, openThinkingTag, false)
			if idx == -1 {
				flush, keep := splitForHoldback(s.pending, len(openThinkingTag)-1, atBoundary)
				if flush != "" {
					out = append(out, s.emitPlainText(flush)...)
				}
				s.pending = keep
				break
			}
			if wait && !atBoundary {
				flush, keep := splitForHoldback(s.pending, len(s.pending)-idx, atBoundary)
				if flush != "" {
					out = append(out, s.emitPlainText(flush)...)
				}
				s.pending = keep
				break
			}
			if !real {
				consume := idx + len(openThinkingTag)
				out = append(out, s.emitPlainText(s.pending[:consume])...)
				s.pending = s.pending[consume:]
				continue
			}
			pre := s.pending[:idx]
			if pre != "" {
				out = append(out, s.emitPlainText(pre)...)
			}
			out = append(out, s.closeTextBlockIfOpen()...)
			out = append(out, s.openThinkingBlock()...)
			rest := s.pending[idx+len(openThinkingTag):]
			rest = strings.TrimPrefix(rest, "\n")
			s.pending = rest
			continue
		}

		idx, real, wait := findTag(s.pending, closeThinkingTag, atBoundary)
		if idx == -1 {
			flush, keep := splitForHoldback(s.pending, len(closeThinkingTag+"\n\n")-1, atBoundary)
			if flush != "" {
				out = append(out, s.emitThinkingDelta(flush))
			}
			s.pending = keep
			break
		}
		if wait && !atBoundary {
			flush, keep := splitForHoldback(s.pending, len(s.pending)-idx, atBoundary)
			if flush != "" {
				out = append(out, s.emitThinkingDelta(flush))
			}
			s.pending = keep
			break
		}
		if !real {
			consume := idx + len(closeThinkingTag)
			out = append(out, s.emitThinkingDelta(s.pending[:consume]))
			s.pending = s.pending[consume:]
			continue
		}
		pre := s.pending[:idx]
		if pre != "" {
			out = append(out, s.emitThinkingDelta(pre))
		}
		out = append(out, s.closeThinkingBlock()...)
		rest := s.pending[idx+len(closeThinkingTag):]
		rest = strings.TrimPrefix(rest, "\n\n")
		s.pending = strings.TrimPrefix(rest, "\n")
		continue
	}
	return out
}

func (s *StreamState) openThinkingBlock() []SSEEvent {
	idx := s.allocIndex(BlockThinking)
	s.thinkingIndex = idx
	s.inThinking = true
	s.sawThinkingOnly = true
	return []SSEEvent{
		{Name: eventContentBlockStart, Data: contentBlockStartPayload{
			Type: eventContentBlockStart, Index: idx,
			ContentBlock: thinkingBlockStart{Type: BlockThinking, Thinking: ""},
		}},
	}
}

func (s *StreamState) emitThinkingDelta(text string) SSEEvent {
	if b, ok := s.blocks[s.thinkingIndex]; ok {
		b.text.WriteString(text)
	}
	return SSEEvent{Name: eventContentBlockDelta, Data: contentBlockDeltaPayload{
		Type: eventContentBlockDelta, Index: s.thinkingIndex,
		Delta: thinkingDelta{Type: "thinking_delta", Thinking: text},
	}}
}

func (s *StreamState) closeThinkingBlock() []SSEEvent {
	idx := s.thinkingIndex
	empty := s.emitThinkingDelta("")
	s.stopBlock(idx)
	s.inThinking = false
	return []SSEEvent{empty, s.blockStopEvent(idx)}
}

// boundaryCloseThinking forces the boundary-exception close described in
// spec.md §4.D when a tool_use begins or the stream ends while thinking is
// still open and only whitespace remains in the buffer.
func (s *StreamState) boundaryCloseThinking() []SSEEvent {
	if !s.inThinking {
		return nil
	}
	return s.drainPending(true)
}

func (s *StreamState) feedToolUse(tu events.ToolUse) []SSEEvent {
	var out []SSEEvent
	out = append(out, s.boundaryCloseThinking()...)
	if s.pending != "" {
		out = append(out, s.emitPlainText(s.pending)...)
		s.pending = ""
	}
	out = append(out, s.closeTextBlockIfOpen()...)

	idx, ok := s.toolIndexByID[tu.ToolUseID]
	justOpened := !ok
	if !ok {
		idx = s.allocIndex(BlockToolUse)
		s.toolIndexByID[tu.ToolUseID] = idx
	}
	if justOpened {
		s.blocks[idx].toolID = tu.ToolUseID
		s.blocks[idx].toolName = tu.Name
		out = append(out, SSEEvent{Name: eventContentBlockStart, Data: contentBlockStartPayload{
			Type: eventContentBlockStart, Index: idx,
			ContentBlock: toolUseBlockStart{Type: BlockToolUse, ID: tu.ToolUseID, Name: tu.Name, Input: map[string]any{}},
		}})
	}
	s.countOutputTokens(tu.Input)
	s.blocks[idx].jsonBuf.WriteString(tu.Input)
	out = append(out, SSEEvent{Name: eventContentBlockDelta, Data: contentBlockDeltaPayload{
		Type: eventContentBlockDelta, Index: idx,
		Delta: inputJSONDelta{Type: "input_json_delta", PartialJSON: tu.Input},
	}})
	if tu.Stop {
		s.stopBlock(idx)
		out = append(out, s.blockStopEvent(idx))
		s.sawToolUse = true
	}
	return out
}

// Flush closes any block still open without an explicit stop — used when
// the upstream stream ends normally.
func (s *StreamState) Flush() []SSEEvent {
	var out []SSEEvent
	out = append(out, s.boundaryCloseThinking()...)
	if s.pending != "" {
		out = append(out, s.emitPlainText(s.pending)...)
		s.pending = ""
	}
	out = append(out, s.closeTextBlockIfOpen()...)
	for idx, b := range s.blocks {
		if b.started && !b.stopped {
			s.stopBlock(idx)
			out = append(out, s.blockStopEvent(idx))
		}
	}
	return out
}

// Final computes the sticky stop_reason, emits a degenerate text block if
// the whole response was thinking-only, and returns message_delta +
// message_stop. Call after Flush.
func (s *StreamState) Final() []SSEEvent {
	var out []SSEEvent

	if !s.sawTextBlock && !s.sawToolUse && s.sawThinkingOnly {
		s.lengthExceeded = false // max_tokens via degenerate rule, not length
		out = append(out, s.openTextBlock()...)
		out = append(out, s.textDeltaEvent(s.currentTextIndex, " "))
		out = append(out, s.closeTextBlockIfOpen()...)
		s.stopReason = StopMaxTokens
	} else {
		switch {
		case s.lengthExceeded:
			s.stopReason = StopMaxTokens
		case s.contextExceeded:
			s.stopReason = StopContextWindowExceeded
		case s.sawToolUse:
			s.stopReason = StopToolUse
		default:
			s.stopReason = StopEndTurn
		}
	}

	var p messageDeltaPayload
	p.Type = eventMessageDelta
	p.Delta.StopReason = s.stopReason
	p.Usage = Usage{InputTokens: s.inputTokensNow(), OutputTokens: int(s.outputTokenEstimate)}
	out = append(out, SSEEvent{Name: eventMessageDelta, Data: p})
	out = append(out, SSEEvent{Name: eventMessageStop, Data: messageStopPayload{Type: eventMessageStop}})
	return out
}

// StopReasonValue returns the stop reason decided by Final. Call after
// Final.
func (s *StreamState) StopReasonValue() string { return s.stopReason }

// OutputTokenEstimate returns the running output-token estimate accumulated
// so far.
func (s *StreamState) OutputTokenEstimate() int { return int(s.outputTokenEstimate) }

// Blocks reassembles the accumulated content blocks in index order, for the
// non-streaming response path. tool_use inputs are parsed from the
// accumulated partial JSON; a parse failure yields an empty object per
// spec.md §4.D "Non-streaming variant".
func (s *StreamState) Blocks() []Block {
	out := make([]Block, 0, len(s.blocks))
	for idx := 0; idx < s.nextIndex; idx++ {
		b, ok := s.blocks[idx]
		if !ok {
			continue
		}
		switch b.blockType {
		case BlockText:
			out = append(out, Block{Type: BlockText, Text: b.text.String()})
		case BlockThinking:
			out = append(out, Block{Type: BlockThinking, Thinking: b.text.String()})
		case BlockToolUse:
			input := json.RawMessage("{}")
			if raw := b.jsonBuf.String(); raw != "" {
				if json.Valid([]byte(raw)) {
					input = json.RawMessage(raw)
				}
			}
			out = append(out, Block{Type: BlockToolUse, ID: b.toolID, Name: b.toolName, Input: input})
		}
	}
	return out
}

// countOutputTokens accumulates the running output-token estimate: one
// token per 4 ASCII-like characters plus 2/3 token per CJK ideograph.
func (s *StreamState) countOutputTokens(text string) {
	ascii := 0
	cjk := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		} else {
			ascii++
		}
	}
	s.outputTokenEstimate += float64(ascii)/4 + float64(cjk)*2/3
}

// findTag searches buf for tag, classifying the first occurrence as real or
// not per the quote-character exclusion rule. wait reports that a decision
// cannot be made yet because not enough trailing context is buffered
// (for the closing tag, fewer than two bytes after it unless atBoundary;
// for any other tag, nothing after it yet).
func findTag(buf, tag string, atBoundary bool) (idx int, real bool, wait bool) {
	idx = strings.Index(buf, tag)
	if idx == -1 {
		return -1, false, false
	}
	precedeOK := true
	if idx > 0 {
		r, _ := utf8.DecodeLastRuneInString(buf[:idx])
		if isQuoteLike(r) {
			precedeOK = false
		}
	}
	rest := buf[idx+len(tag):]

	if tag == closeThinkingTag {
		if atBoundary {
			return idx, precedeOK && strings.TrimSpace(rest) == "", false
		}
		if len(rest) < 2 {
			return idx, false, true
		}
		return idx, precedeOK && strings.HasPrefix(rest, "\n\n"), false
	}

	if rest == "" {
		return idx, false, true
	}
	r, _ := utf8.DecodeRuneInString(rest)
	return idx, precedeOK && !isQuoteLike(r), false
}

// splitForHoldback divides buf into a flushable prefix and a held-back
// suffix of at most keepLen bytes (UTF-8-boundary safe), so a tag spanning
// two upstream chunks is never split mid-delta. At the stream boundary the
// entire buffer is flushed.
func splitForHoldback(buf string, keepLen int, atBoundary bool) (flush, keep string) {
	if atBoundary {
		return buf, ""
	}
	if keepLen < 0 {
		keepLen = 0
	}
	if keepLen >= len(buf) {
		return "", buf
	}
	cut := len(buf) - keepLen
	for cut < len(buf) && !utf8.RuneStart(buf[cut]) {
		cut++
	}
	return buf[:cut], buf[cut:]
}
