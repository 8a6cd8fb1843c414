package translate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/anthropic-gateway/core/internal/canonical"
)

// anthropicAPIVersion pins the upstream API behavior, matching the
// teacher's AnthropicProvider (internal/provider/anthropic.go).
const anthropicAPIVersion = "2023-06-01"

// AnthropicTranslator re-serializes the canonical request into
// Anthropic's own Messages API shape and passes it straight through
// (spec §4.4). Since the canonical shape IS Anthropic's wire shape,
// BuildRequest/ParseResponse are near-identity transforms — but they
// still have to exist, both so StripUnsupportedTools can apply and so
// the translator satisfies the common Translator interface (spec §8's
// left-inverse property: round-tripping an Anthropic-origin request
// through this translator reproduces the same wire bytes modulo field
// ordering).
type AnthropicTranslator struct{}

type anthropicWireRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicWireMsg `json:"messages"`
	Stream      bool               `json:"stream,omitempty"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicWireTool `json:"tools,omitempty"`
}

type anthropicWireMsg struct {
	Role    string                  `json:"role"`
	Content []anthropicWireBlock    `json:"content"`
}

type anthropicWireBlock struct {
	Type      string         `json:"type"`
	Text      string         `json:"text,omitempty"`
	ID        string         `json:"id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Input     map[string]any `json:"input,omitempty"`
	ToolUseID string         `json:"tool_use_id,omitempty"`
	ToolResultContent string `json:"content,omitempty"`
}

type anthropicWireTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

type anthropicWireResponse struct {
	ID         string               `json:"id"`
	Model      string               `json:"model"`
	Role       string               `json:"role"`
	Content    []anthropicWireBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	StopSeq    string               `json:"stop_sequence"`
	Usage      anthropicWireUsage   `json:"usage"`
}

type anthropicWireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

const anthropicDefaultMaxTokens = 1024

func (t *AnthropicTranslator) BuildRequest(ctx context.Context, binding *canonical.ProviderBinding, req *canonical.CanonicalRequest) (*http.Request, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	wr := anthropicWireRequest{
		Model:       binding.UpstreamModel(req.Model),
		MaxTokens:   maxTokens,
		System:      req.SystemText,
		Stream:      req.Stream,
		Temperature: req.Temperature,
	}

	for _, m := range req.Messages {
		wr.Messages = append(wr.Messages, messageToAnthropicWire(m, binding.StripUnsupportedTools))
	}
	if !binding.StripUnsupportedTools {
		for _, tl := range req.Tools {
			wr.Tools = append(wr.Tools, anthropicWireTool{Name: tl.Name, Description: tl.Description, InputSchema: tl.InputSchema})
		}
	}

	raw, err := json.Marshal(wr)
	if err != nil {
		return nil, fmt.Errorf("anthropic: marshaling request: %w", err)
	}

	url := strings.TrimRight(binding.Endpoint, "/") + "/messages"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("anthropic: creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("anthropic-version", anthropicAPIVersion)
	return httpReq, nil
}

// messageToAnthropicWire converts one canonical message's blocks into
// Anthropic's array-of-typed-blocks shape. When stripUnsupported is
// set (spec §4.4, binding.StripUnsupportedTools), tool_use/tool_result
// blocks are dropped rather than forwarded — some passthrough targets
// are known not to support them.
func messageToAnthropicWire(m canonical.Message, stripUnsupported bool) anthropicWireMsg {
	out := anthropicWireMsg{Role: string(m.Role)}
	for _, b := range m.ContentBlocks() {
		if stripUnsupported && b.Kind != canonical.BlockText {
			continue
		}
		switch b.Kind {
		case canonical.BlockText:
			out.Content = append(out.Content, anthropicWireBlock{Type: "text", Text: b.Text})
		case canonical.BlockToolUse:
			out.Content = append(out.Content, anthropicWireBlock{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput})
		case canonical.BlockToolResult:
			out.Content = append(out.Content, anthropicWireBlock{Type: "tool_result", ToolUseID: b.ToolResultForID, ToolResultContent: b.ToolResultText})
		}
	}
	return out
}

func (t *AnthropicTranslator) ApplyAuth(httpReq *http.Request, cred *canonical.Credential) {
	httpReq.Header.Set("x-api-key", cred.AccessToken)
}

func (t *AnthropicTranslator) ParseResponse(body []byte, upstreamModel string) (*canonical.CanonicalResponse, error) {
	var wr anthropicWireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, fmt.Errorf("anthropic: decoding response: %w", err)
	}

	var blocks []canonical.ContentBlock
	for _, b := range wr.Content {
		switch b.Type {
		case "text":
			blocks = append(blocks, canonical.Text(b.Text))
		case "tool_use":
			blocks = append(blocks, canonical.ToolUse(b.ID, b.Name, b.Input))
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, canonical.Text(""))
	}

	resp := &canonical.CanonicalResponse{
		ID:      wr.ID,
		Model:   upstreamModel,
		Role:    canonical.RoleAssistant,
		Content: blocks,
		StopSeq: wr.StopSeq,
		Usage:   canonical.Usage{InputTokens: wr.Usage.InputTokens, OutputTokens: wr.Usage.OutputTokens},
	}
	switch canonical.StopReason(wr.StopReason) {
	case canonical.StopEndTurn, canonical.StopMaxTokens, canonical.StopToolUse, canonical.StopStopSequence:
		resp.StopReason = canonical.StopReason(wr.StopReason)
	default:
		resp.StopReason = canonical.DeriveStopReason(blocks)
	}
	return resp, nil
}

// anthropicStreamEvent mirrors the teacher's named-event wrapper
// (internal/provider/anthropic.go anthropicStreamEvent) but carries the
// extra content_block_start/stop fields this gateway needs to pass
// tool_use blocks through untouched rather than collapsing to text only.
type anthropicStreamEvent struct {
	Type         string                `json:"type"`
	Message      *anthropicWireResponse `json:"message,omitempty"`
	Index        int                   `json:"index"`
	ContentBlock *anthropicWireBlock   `json:"content_block,omitempty"`
	Delta        *anthropicStreamDelta `json:"delta,omitempty"`
	Usage        *anthropicWireUsage   `json:"usage,omitempty"`
}

type anthropicStreamDelta struct {
	Type        string `json:"type,omitempty"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
	StopSeq     string `json:"stop_sequence,omitempty"`
}

// ParseStream passes the upstream's own named-event stream through
// almost verbatim into canonical StreamingEvents — unlike the other
// three translators, Anthropic's wire stream already matches the
// gateway's canonical event shape field-for-field, so no synthesis is
// needed (spec §4.4: "Anthropic pass-through carries its native stream
// straight through").
func (t *AnthropicTranslator) ParseStream(ctx context.Context, r io.Reader, upstreamModel string) ([]canonical.StreamingEvent, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var events []canonical.StreamingEvent
	var pendingType string

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			pendingType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		case !strings.HasPrefix(line, "data:"):
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		var evt anthropicStreamEvent
		if err := json.Unmarshal([]byte(data), &evt); err != nil {
			continue
		}
		if evt.Type == "" {
			evt.Type = pendingType
		}

		if se, ok := toCanonicalEvent(evt, upstreamModel); ok {
			events = append(events, se)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: reading stream: %w", err)
	}
	return events, nil
}

func toCanonicalEvent(evt anthropicStreamEvent, upstreamModel string) (canonical.StreamingEvent, bool) {
	switch canonical.EventKind(evt.Type) {
	case canonical.EventMessageStart:
		if evt.Message == nil {
			return canonical.StreamingEvent{}, false
		}
		return canonical.StreamingEvent{
			Kind: canonical.EventMessageStart,
			Message: &canonical.CanonicalResponse{
				ID:    evt.Message.ID,
				Model: upstreamModel,
				Role:  canonical.RoleAssistant,
				Usage: canonical.Usage{InputTokens: evt.Message.Usage.InputTokens},
			},
		}, true
	case canonical.EventPing:
		return canonical.StreamingEvent{Kind: canonical.EventPing}, true
	case canonical.EventContentBlockStart:
		if evt.ContentBlock == nil {
			return canonical.StreamingEvent{}, false
		}
		var block canonical.ContentBlock
		switch evt.ContentBlock.Type {
		case "tool_use":
			block = canonical.ToolUse(evt.ContentBlock.ID, evt.ContentBlock.Name, evt.ContentBlock.Input)
		default:
			block = canonical.Text(evt.ContentBlock.Text)
		}
		return canonical.StreamingEvent{Kind: canonical.EventContentBlockStart, Index: evt.Index, Block: &block}, true
	case canonical.EventContentBlockDelta:
		if evt.Delta == nil {
			return canonical.StreamingEvent{}, false
		}
		if evt.Delta.Type == "input_json_delta" {
			return canonical.StreamingEvent{Kind: canonical.EventContentBlockDelta, Index: evt.Index, DeltaKind: canonical.DeltaInputJSON, PartialJSON: evt.Delta.PartialJSON}, true
		}
		return canonical.StreamingEvent{Kind: canonical.EventContentBlockDelta, Index: evt.Index, DeltaKind: canonical.DeltaText, DeltaText: evt.Delta.Text}, true
	case canonical.EventContentBlockStop:
		return canonical.StreamingEvent{Kind: canonical.EventContentBlockStop, Index: evt.Index}, true
	case canonical.EventMessageDelta:
		se := canonical.StreamingEvent{Kind: canonical.EventMessageDelta}
		if evt.Delta != nil {
			se.StopReason = canonical.StopReason(evt.Delta.StopReason)
			se.StopSeq = evt.Delta.StopSeq
		}
		if evt.Usage != nil {
			se.Usage = &canonical.Usage{OutputTokens: evt.Usage.OutputTokens}
		}
		return se, true
	case canonical.EventMessageStop:
		return canonical.StreamingEvent{Kind: canonical.EventMessageStop}, true
	default:
		return canonical.StreamingEvent{}, false
	}
}
