package translate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"

	"github.com/anthropic-gateway/core/internal/canonical"
	"github.com/anthropic-gateway/core/internal/eventstream"
	"github.com/anthropic-gateway/core/internal/strategy"
	"github.com/anthropic-gateway/core/internal/toolcall"
)

// CWRTranslator speaks the CodeWhisperer-shaped wire format: a single
// "conversationState" body on the way out, and an AWS binary
// event-stream body on the way back (spec §4.2, §4.4).
type CWRTranslator struct{}

// --- outbound request shapes ---

type cwrRequestBody struct {
	ConversationState cwrConversationState `json:"conversationState"`
}

type cwrConversationState struct {
	ChatTriggerType string            `json:"chatTriggerType"`
	ConversationID  string            `json:"conversationId"`
	CurrentMessage  cwrUserInputMsg   `json:"currentMessage"`
	History         []cwrHistoryTurn  `json:"history,omitempty"`
}

type cwrUserInputMsg struct {
	UserInputMessage cwrUserInputInner `json:"userInputMessage"`
}

type cwrUserInputInner struct {
	Content              string             `json:"content"`
	ModelId              string             `json:"modelId"`
	Origin               string             `json:"origin"`
	UserInputMessageContext cwrMessageContext `json:"userInputMessageContext,omitempty"`
}

type cwrMessageContext struct {
	ToolResults []cwrToolResult `json:"toolResults,omitempty"`
	Tools       []cwrToolSpec   `json:"tools,omitempty"`
}

type cwrToolSpec struct {
	ToolSpecification cwrToolSpecInner `json:"toolSpecification"`
}

type cwrToolSpecInner struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// wrapCWRInputSchema nests a canonical tool's InputSchema one level
// deeper under a "json" key, matching CWR's toolSpecification.inputSchema
// wire shape (spec §4.4): `{"inputSchema": {"json": {...}}}`.
func wrapCWRInputSchema(schema map[string]any) map[string]any {
	return map[string]any{"json": schema}
}

type cwrToolResult struct {
	ToolUseID string `json:"toolUseId"`
	Content   []cwrToolResultContent `json:"content"`
	Status    string `json:"status,omitempty"`
}

type cwrToolResultContent struct {
	Text string `json:"text"`
}

// cwrHistoryTurn carries one prior user/assistant pair. CWR models the
// whole conversation as currentMessage + history rather than a flat
// messages array, so every non-final message gets folded into history
// turns here (spec §4.4 CWR outbound rule).
type cwrHistoryTurn struct {
	UserInputMessage      *cwrUserInputInner      `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *cwrAssistantMessage `json:"assistantResponseMessage,omitempty"`
}

type cwrAssistantMessage struct {
	Content string `json:"content"`
}

const (
	cwrChatTriggerManual = "MANUAL"
	cwrOrigin            = "AI_EDITOR"
)

// BuildRequest folds the canonical request into CWR's conversationState
// shape. A system message, if present, becomes a synthetic leading user
// turn in history since CWR has no separate system slot (spec §4.4).
func (t *CWRTranslator) BuildRequest(ctx context.Context, binding *canonical.ProviderBinding, req *canonical.CanonicalRequest) (*http.Request, error) {
	modelID := binding.UpstreamModel(req.Model)

	var history []cwrHistoryTurn
	if req.SystemText != "" {
		history = append(history, cwrHistoryTurn{
			UserInputMessage: &cwrUserInputInner{Content: req.SystemText, ModelId: modelID, Origin: cwrOrigin},
		})
		history = append(history, cwrHistoryTurn{
			AssistantResponseMessage: &cwrAssistantMessage{Content: "Understood."},
		})
	}

	msgs := req.Messages
	if len(msgs) == 0 {
		return nil, fmt.Errorf("cwr: request has no messages")
	}
	last := msgs[len(msgs)-1]
	for _, m := range msgs[:len(msgs)-1] {
		history = append(history, messageToHistoryTurn(m))
	}

	current := cwrUserInputInner{
		Content: textOf(last),
		ModelId: modelID,
		Origin:  cwrOrigin,
	}
	if results := toolResultsOf(last); len(results) > 0 {
		current.UserInputMessageContext.ToolResults = results
	}
	if len(req.Tools) > 0 {
		for _, tl := range req.Tools {
			current.UserInputMessageContext.Tools = append(current.UserInputMessageContext.Tools, cwrToolSpec{
				ToolSpecification: cwrToolSpecInner{Name: tl.Name, Description: tl.Description, InputSchema: wrapCWRInputSchema(tl.InputSchema)},
			})
		}
	}

	body := cwrRequestBody{
		ConversationState: cwrConversationState{
			ChatTriggerType: cwrChatTriggerManual,
			ConversationID:  conversationID(req),
			CurrentMessage:  cwrUserInputMsg{UserInputMessage: current},
			History:         history,
		},
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("cwr: marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, binding.Endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("cwr: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-amz-json-1.0")
	return httpReq, nil
}

func conversationID(req *canonical.CanonicalRequest) string {
	if req.Metadata.ConversationID != "" {
		return req.Metadata.ConversationID
	}
	return uuid.NewString()
}

func messageToHistoryTurn(m canonical.Message) cwrHistoryTurn {
	if m.Role == canonical.RoleAssistant {
		return cwrHistoryTurn{AssistantResponseMessage: &cwrAssistantMessage{Content: textOf(m)}}
	}
	turn := cwrHistoryTurn{UserInputMessage: &cwrUserInputInner{Content: textOf(m), Origin: cwrOrigin}}
	if results := toolResultsOf(m); len(results) > 0 {
		turn.UserInputMessage.UserInputMessageContext.ToolResults = results
	}
	return turn
}

// textOf flattens a message's content blocks into the single string
// CWR's content field expects; tool_use/tool_result blocks are carried
// separately (UserInputMessageContext), not inlined into the text.
func textOf(m canonical.Message) string {
	var buf bytes.Buffer
	for _, b := range m.ContentBlocks() {
		if b.Kind == canonical.BlockText {
			buf.WriteString(b.Text)
		}
	}
	return buf.String()
}

func toolResultsOf(m canonical.Message) []cwrToolResult {
	var out []cwrToolResult
	for _, b := range m.ContentBlocks() {
		if b.Kind != canonical.BlockToolResult {
			continue
		}
		status := "success"
		if b.ToolResultOK != nil && !*b.ToolResultOK {
			status = "error"
		}
		out = append(out, cwrToolResult{
			ToolUseID: b.ToolResultForID,
			Content:   []cwrToolResultContent{{Text: b.ToolResultText}},
			Status:    status,
		})
	}
	return out
}

// ApplyAuth sets CWR's bearer-token header. ProfileArn, when present, is
// carried as a supplementary X-Profile-Arn header some CWR deployments
// require to pick the billing profile, and a non-empty string
// Extra["authMethod"] as X-Auth-Method (spec §5 supplemented feature).
func (t *CWRTranslator) ApplyAuth(httpReq *http.Request, cred *canonical.Credential) {
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	if cred.ProfileArn != "" {
		httpReq.Header.Set("X-Profile-Arn", cred.ProfileArn)
	}
	if am, ok := cred.Extra["authMethod"].(string); ok && am != "" {
		httpReq.Header.Set("X-Auth-Method", am)
	}
}

// ParseResponse handles the (rare, non-streaming) case where CWR is
// configured to return a single buffered event-stream body rather than
// a chunked one; the framing is identical, only the transport differs.
func (t *CWRTranslator) ParseResponse(body []byte, upstreamModel string) (*canonical.CanonicalResponse, error) {
	events, decodeErr := eventstream.Decode(body)
	// decodeErr is only ever a *Corrupt — events decoded before the
	// corruption point are still used (spec §4.2 partial progress).

	fragments, usage := fragmentsFromEvents(events)
	blocks, warnings := toolcall.ReconstructWithWarnings(fragments)
	if len(blocks) == 0 {
		blocks = append(blocks, canonical.Text(""))
	}

	resp := &canonical.CanonicalResponse{
		ID:       uuid.NewString(),
		Model:    upstreamModel,
		Role:     canonical.RoleAssistant,
		Content:  blocks,
		Usage:    usage,
		Warnings: warnings,
	}
	resp.StopReason = canonical.DeriveStopReason(resp.Content)
	if decodeErr != nil {
		resp.Warnings = append(resp.Warnings, fmt.Sprintf("eventstream decode stopped early: %v", decodeErr))
	}
	return resp, nil
}

// ParseStream probes the buffered event-stream body and emits whichever
// of the three strategies from spec §4.7 the probe selects: Direct and
// Batched replay decoded text fragments directly, and Buffered (or a
// fallback from a failed Direct/Batched decode) runs the full tool-call
// reconstruction engine before synthesizing the event sequence. CWR is
// always called non-streaming on the wire (spec §4.7/§6), so r here is
// really a complete buffered body, not a live stream.
func (t *CWRTranslator) ParseStream(ctx context.Context, r io.Reader, upstreamModel string) ([]canonical.StreamingEvent, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("cwr: reading stream body: %w", err)
	}

	switch strategy.Probe(raw) {
	case strategy.Direct:
		if events, ok := strategy.BuildDirect(raw); ok {
			return events, nil
		}
	case strategy.Batched:
		if events, ok := strategy.BuildBatched(raw); ok {
			return events, nil
		}
	}

	// Buffered, or a fallback from a Direct/Batched decode that
	// couldn't even find one event: run the reconstruction engine and
	// synthesize from the complete response (spec §4.7 "a strategy
	// that fails mid-stream must fall back to Buffered... downstream
	// callers receive one, and only one, valid event sequence").
	resp, err := t.ParseResponse(raw, upstreamModel)
	if err != nil {
		return nil, err
	}
	return synthesizeEvents(resp), nil
}

// fragmentsFromEvents maps decoded eventstream.Events onto
// toolcall.Fragment, recognizing CWR's two event shapes: plain content
// chunks (assistantResponseEvent) and tool-use fragments
// (toolUseEvent, carrying toolUseId/name/input/stop).
func fragmentsFromEvents(events []eventstream.Event) ([]toolcall.Fragment, canonical.Usage) {
	var fragments []toolcall.Fragment
	var usage canonical.Usage

	for _, evt := range events {
		switch evt.Type {
		case "toolUseEvent":
			fragments = append(fragments, toolcall.Fragment{
				ToolUseID: stringField(evt.Payload, "toolUseId"),
				ToolName:  stringField(evt.Payload, "name"),
				InputJSON: stringField(evt.Payload, "input"),
				Stop:      boolField(evt.Payload, "stop"),
			})
		case "messageMetadataEvent":
			usage.InputTokens += intField(evt.Payload, "inputTokens")
			usage.OutputTokens += intField(evt.Payload, "outputTokens")
		default:
			if text := stringField(evt.Payload, "content"); text != "" {
				fragments = append(fragments, toolcall.Fragment{Text: text})
			} else if text := stringField(evt.Payload, "text"); text != "" {
				fragments = append(fragments, toolcall.Fragment{Text: text})
			}
		}
	}

	return fragments, usage
}

func stringField(payload map[string]any, key string) string {
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func boolField(payload map[string]any, key string) bool {
	if v, ok := payload[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func intField(payload map[string]any, key string) int {
	if v, ok := payload[key]; ok {
		if f, ok := v.(float64); ok {
			return int(f)
		}
	}
	return 0
}
