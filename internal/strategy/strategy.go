// Package strategy implements the CWR-specific streaming strategy
// selector (spec §4.7). CWR is always called non-streaming on the
// wire; this package decides, from the buffered response bytes alone,
// whether the gateway can get away with a cheap event-by-event replay
// (Direct), a coarser batched replay (Batched), or must run the full
// tool-call reconstruction engine before synthesizing a stream
// (Buffered). The probe is a heuristic only — internal/toolcall
// remains the authority on correctness, which is why every strategy
// here falls back to the translator's own full-reconstruction path
// rather than trying to be clever about partial tool-call content.
package strategy

import (
	"bytes"

	"github.com/anthropic-gateway/core/internal/canonical"
	"github.com/anthropic-gateway/core/internal/eventstream"
)

// Kind names the three strategies spec §4.7 describes.
type Kind string

const (
	Direct   Kind = "direct"
	Batched  Kind = "batched"
	Buffered Kind = "buffered"
)

// probeWindow is how much of the buffer's head the hint scan covers.
const probeWindow = 1024

// directSizeLimit is the buffer-size cutoff between Direct and Batched
// once the probe finds no tool-call hint.
const directSizeLimit = 8 * 1024

// smallFragmentMax and batchMax bound what Batched merges into one
// emitted delta (spec §4.7 "contiguous small text fragments (<=10
// chars) into batches of up to 50").
const (
	smallFragmentMax = 10
	batchMax         = 50
)

// toolHints are the literal substrings spec §4.7 lists as evidence a
// tool call is present somewhere in the buffer.
var toolHints = [][]byte{
	[]byte("tool_use"),
	[]byte("function_call"),
	[]byte("Tool call:"),
	[]byte(`"type": "tool_use"`),
}

// Probe inspects the first probeWindow bytes of buf for a tool-call
// hint and, failing that, picks Direct or Batched by total buffer
// size (spec §4.7).
func Probe(buf []byte) Kind {
	window := buf
	if len(window) > probeWindow {
		window = window[:probeWindow]
	}
	for _, hint := range toolHints {
		if bytes.Contains(window, hint) {
			return Buffered
		}
	}
	if len(buf) < directSizeLimit {
		return Direct
	}
	return Batched
}

// textFragments decodes buf and returns each event's plain-text content
// in order, with ok reporting whether decoding succeeded. Only text is
// considered here — Direct/Batched are only reached when the probe
// found no tool-call hint, so any tool-use fragment that slips through
// unrecognized is simply not text and contributes nothing to the
// synthesized stream.
func textFragments(buf []byte) ([]string, bool) {
	events, decodeErr := eventstream.Decode(buf)
	if len(events) == 0 {
		return nil, decodeErr == nil
	}

	var out []string
	for _, evt := range events {
		if text, ok := evt.Payload["content"].(string); ok && text != "" {
			out = append(out, text)
			continue
		}
		if text, ok := evt.Payload["text"].(string); ok && text != "" {
			out = append(out, text)
		}
	}
	return out, true
}

// BuildDirect implements the Direct strategy: one content block, one
// delta per decoded text fragment, in arrival order. ok is false when
// the buffer couldn't be decoded at all (no events and a decode
// error), signaling the caller should fall back to Buffered.
func BuildDirect(buf []byte) ([]canonical.StreamingEvent, bool) {
	fragments, ok := textFragments(buf)
	if !ok {
		return nil, false
	}
	return synthesizeTextStream(fragments), true
}

// BuildBatched implements the Batched strategy: contiguous runs of
// small fragments (<=10 chars) are merged into one delta of up to 50
// fragments; any fragment above the size threshold is emitted on its
// own, flushing whatever batch was pending first so ordering is
// preserved.
func BuildBatched(buf []byte) ([]canonical.StreamingEvent, bool) {
	fragments, ok := textFragments(buf)
	if !ok {
		return nil, false
	}

	var merged []string
	var batch []string
	flush := func() {
		if len(batch) == 0 {
			return
		}
		var joined bytes.Buffer
		for _, f := range batch {
			joined.WriteString(f)
		}
		merged = append(merged, joined.String())
		batch = nil
	}

	for _, f := range fragments {
		if len(f) > smallFragmentMax {
			flush()
			merged = append(merged, f)
			continue
		}
		batch = append(batch, f)
		if len(batch) >= batchMax {
			flush()
		}
	}
	flush()

	return synthesizeTextStream(merged), true
}

// synthesizeTextStream wraps a sequence of text chunks (one delta per
// chunk) in the Anthropic-shaped message envelope: MessageStart, Ping,
// a single text ContentBlockStart/Stop pair, MessageDelta, MessageStop.
// Direct/Batched only ever see text (the probe already ruled out tool
// calls), so unlike the Buffered synthesis in internal/translate there
// is exactly one content block and stopReason is always end_turn.
func synthesizeTextStream(chunks []string) []canonical.StreamingEvent {
	events := []canonical.StreamingEvent{
		{Kind: canonical.EventMessageStart, Message: &canonical.CanonicalResponse{Role: canonical.RoleAssistant}},
		{Kind: canonical.EventPing},
		{Kind: canonical.EventContentBlockStart, Index: 0, Block: &canonical.ContentBlock{Kind: canonical.BlockText}},
	}
	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}
		events = append(events, canonical.StreamingEvent{
			Kind:      canonical.EventContentBlockDelta,
			Index:     0,
			DeltaKind: canonical.DeltaText,
			DeltaText: chunk,
		})
	}
	events = append(events,
		canonical.StreamingEvent{Kind: canonical.EventContentBlockStop, Index: 0},
		canonical.StreamingEvent{Kind: canonical.EventMessageDelta, StopReason: canonical.StopEndTurn},
		canonical.StreamingEvent{Kind: canonical.EventMessageStop},
	)
	return events
}
