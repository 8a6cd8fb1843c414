package translate

import (
	"encoding/json"

	"github.com/anthropic-gateway/core/internal/canonical"
)

// textDeltaChunkSize and jsonDeltaChunkSize bound how large a single
// synthesized delta event's payload is when a translator has to turn a
// complete canonical response into a believable stream (spec §6
// Buffered strategy: "text chunked at ~50 chars, partial_json at ~20").
const (
	textDeltaChunkSize = 50
	jsonDeltaChunkSize = 20
)

// synthesizeEvents turns a fully-assembled CanonicalResponse into the
// ordered Anthropic-shaped event sequence the gateway always presents
// to callers, regardless of which upstream actually produced it (spec
// §4.4, §6). Translators that only receive a complete body (no native
// streaming, or streaming deferred to a buffering strategy) call this
// to fabricate a believable stream.
func synthesizeEvents(resp *canonical.CanonicalResponse) []canonical.StreamingEvent {
	var events []canonical.StreamingEvent

	events = append(events, canonical.StreamingEvent{
		Kind: canonical.EventMessageStart,
		Message: &canonical.CanonicalResponse{
			ID:    resp.ID,
			Model: resp.Model,
			Role:  resp.Role,
			Usage: canonical.Usage{InputTokens: resp.Usage.InputTokens},
		},
	})
	events = append(events, canonical.StreamingEvent{Kind: canonical.EventPing})

	for idx, block := range resp.Content {
		events = append(events, canonical.StreamingEvent{
			Kind:  canonical.EventContentBlockStart,
			Index: idx,
			Block: &block,
		})

		switch block.Kind {
		case canonical.BlockText:
			for _, chunk := range chunkString(block.Text, textDeltaChunkSize) {
				events = append(events, canonical.StreamingEvent{
					Kind:      canonical.EventContentBlockDelta,
					Index:     idx,
					DeltaKind: canonical.DeltaText,
					DeltaText: chunk,
				})
			}
		case canonical.BlockToolUse:
			raw := block.InputRaw
			if raw == "" {
				raw = marshalToolInput(block.ToolInput)
			}
			for _, chunk := range chunkString(raw, jsonDeltaChunkSize) {
				events = append(events, canonical.StreamingEvent{
					Kind:        canonical.EventContentBlockDelta,
					Index:       idx,
					DeltaKind:   canonical.DeltaInputJSON,
					PartialJSON: chunk,
				})
			}
		}

		events = append(events, canonical.StreamingEvent{Kind: canonical.EventContentBlockStop, Index: idx})
	}

	events = append(events, canonical.StreamingEvent{
		Kind:       canonical.EventMessageDelta,
		StopReason: resp.StopReason,
		StopSeq:    resp.StopSeq,
		Usage:      &canonical.Usage{OutputTokens: resp.Usage.OutputTokens},
	})
	events = append(events, canonical.StreamingEvent{Kind: canonical.EventMessageStop})

	return events
}

// chunkString splits s into size-bounded pieces without splitting
// multi-byte runes, preserving order. A nil/empty input yields no
// chunks so callers never emit a spurious empty delta.
func chunkString(s string, size int) []string {
	if s == "" {
		return nil
	}
	runes := []rune(s)
	var out []string
	for i := 0; i < len(runes); i += size {
		end := i + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[i:end]))
	}
	return out
}

func marshalToolInput(input map[string]any) string {
	b, err := json.Marshal(input)
	if err != nil {
		return "{}"
	}
	return string(b)
}
