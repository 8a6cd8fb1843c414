// Package stream writes a canonical.StreamingEvent sequence out as
// Anthropic-shaped Server-Sent Events, the wire format the front-end's
// callers expect (spec §6).
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/anthropic-gateway/core/internal/canonical"
)

// wireMessage mirrors the Anthropic "message" object embedded in a
// message_start event.
type wireMessage struct {
	ID         string      `json:"id"`
	Type       string      `json:"type"`
	Role       string      `json:"role"`
	Model      string      `json:"model"`
	Content    []wireBlock `json:"content"`
	StopReason string      `json:"stop_reason,omitempty"`
	Usage      wireUsage   `json:"usage"`
}

type wireBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text,omitempty"`
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`
}

type wireUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type wireDelta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
}

// Write serializes events as Anthropic's "event: <kind>\ndata:
// {...}\n\n" frames, flushing after every frame so the client sees
// deltas as they're produced.
func Write(w http.ResponseWriter, events []canonical.StreamingEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	for _, evt := range events {
		payload, err := encodeEvent(evt)
		if err != nil {
			return fmt.Errorf("encoding stream event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Kind, payload); err != nil {
			return fmt.Errorf("writing SSE event: %w", err)
		}
		flusher.Flush()
	}
	return nil
}

func encodeEvent(evt canonical.StreamingEvent) ([]byte, error) {
	switch evt.Kind {
	case canonical.EventMessageStart:
		return json.Marshal(map[string]any{"type": evt.Kind, "message": toWireMessage(evt.Message)})

	case canonical.EventPing:
		return json.Marshal(map[string]any{"type": evt.Kind})

	case canonical.EventContentBlockStart:
		return json.Marshal(map[string]any{
			"type":          evt.Kind,
			"index":         evt.Index,
			"content_block": toWireBlock(evt.Block),
		})

	case canonical.EventContentBlockDelta:
		delta := wireDelta{}
		switch evt.DeltaKind {
		case canonical.DeltaText:
			delta.Type = "text_delta"
			delta.Text = evt.DeltaText
		case canonical.DeltaInputJSON:
			delta.Type = "input_json_delta"
			delta.PartialJSON = evt.PartialJSON
		}
		return json.Marshal(map[string]any{"type": evt.Kind, "index": evt.Index, "delta": delta})

	case canonical.EventContentBlockStop:
		return json.Marshal(map[string]any{"type": evt.Kind, "index": evt.Index})

	case canonical.EventMessageDelta:
		deltaOut := map[string]any{"stop_reason": nullableString(string(evt.StopReason))}
		if evt.StopSeq != "" {
			deltaOut["stop_sequence"] = evt.StopSeq
		}
		out := map[string]any{"type": evt.Kind, "delta": deltaOut}
		if evt.Usage != nil {
			out["usage"] = wireUsage{InputTokens: evt.Usage.InputTokens, OutputTokens: evt.Usage.OutputTokens}
		}
		return json.Marshal(out)

	case canonical.EventMessageStop:
		return json.Marshal(map[string]any{"type": evt.Kind})

	default:
		return nil, fmt.Errorf("unknown event kind %q", evt.Kind)
	}
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func toWireMessage(m *canonical.CanonicalResponse) wireMessage {
	if m == nil {
		return wireMessage{Type: "message", Role: "assistant"}
	}
	blocks := make([]wireBlock, len(m.Content))
	for i := range m.Content {
		blocks[i] = toWireBlock(&m.Content[i])
	}
	return wireMessage{
		ID:         m.ID,
		Type:       "message",
		Role:       string(m.Role),
		Model:      m.Model,
		Content:    blocks,
		StopReason: string(m.StopReason),
		Usage:      wireUsage{InputTokens: m.Usage.InputTokens, OutputTokens: m.Usage.OutputTokens},
	}
}

func toWireBlock(b *canonical.ContentBlock) wireBlock {
	if b == nil {
		return wireBlock{}
	}
	if b.Kind == canonical.BlockToolUse {
		return wireBlock{Type: "tool_use", ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput}
	}
	return wireBlock{Type: "text", Text: b.Text}
}
