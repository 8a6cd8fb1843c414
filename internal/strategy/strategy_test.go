package strategy

import (
	"strings"
	"testing"

	"github.com/anthropic-gateway/core/internal/canonical"
	"github.com/anthropic-gateway/core/internal/eventstream"
)

func encode(t *testing.T, events []eventstream.Event) []byte {
	t.Helper()
	body, err := eventstream.Encode(events)
	if err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}
	return body
}

func TestProbe_NoHintSmallBufferIsDirect(t *testing.T) {
	body := encode(t, []eventstream.Event{{Payload: map[string]any{"content": "hello"}}})
	if got := Probe(body); got != Direct {
		t.Errorf("Probe = %q, want %q", got, Direct)
	}
}

func TestProbe_NoHintLargeBufferIsBatched(t *testing.T) {
	body := encode(t, []eventstream.Event{{Payload: map[string]any{"content": strings.Repeat("x", directSizeLimit+1)}}})
	if got := Probe(body); got != Batched {
		t.Errorf("Probe = %q, want %q", got, Batched)
	}
}

func TestProbe_ToolCallHintIsBuffered(t *testing.T) {
	body := encode(t, []eventstream.Event{{Payload: map[string]any{"content": "Tool call: WebSearch({\"query\":\"x\"})"}}})
	if got := Probe(body); got != Buffered {
		t.Errorf("Probe = %q, want %q", got, Buffered)
	}
}

func TestProbe_HintOutsideWindowIsNotDetected(t *testing.T) {
	// A hint past the first 1KiB should not force Buffered — the probe
	// only scans the head of the buffer (spec §4.7 "within the first
	// 1 KiB of the buffer").
	padding := strings.Repeat("a", probeWindow+200)
	body := encode(t, []eventstream.Event{{Payload: map[string]any{"content": padding + "tool_use"}}})
	if got := Probe(body); got == Buffered {
		t.Errorf("Probe = %q, hint outside the 1KiB window should not trigger Buffered", got)
	}
}

func TestBuildDirect_EmitsOneDeltaPerFragmentInOrder(t *testing.T) {
	body := encode(t, []eventstream.Event{
		{Payload: map[string]any{"content": "Hello, "}},
		{Payload: map[string]any{"content": "world!"}},
	})

	events, ok := BuildDirect(body)
	if !ok {
		t.Fatal("BuildDirect returned ok=false")
	}
	assertValidEnvelope(t, events)

	var deltas []string
	for _, e := range events {
		if e.Kind == canonical.EventContentBlockDelta {
			deltas = append(deltas, e.DeltaText)
		}
	}
	if len(deltas) != 2 || deltas[0] != "Hello, " || deltas[1] != "world!" {
		t.Errorf("deltas = %v", deltas)
	}
}

func TestBuildBatched_MergesSmallContiguousFragments(t *testing.T) {
	// Five fragments each <=10 chars should merge into a single batch.
	var evts []eventstream.Event
	for _, s := range []string{"a", "bb", "ccc", "dddd", "eeeee"} {
		evts = append(evts, eventstream.Event{Payload: map[string]any{"content": s}})
	}
	body := encode(t, evts)

	events, ok := BuildBatched(body)
	if !ok {
		t.Fatal("BuildBatched returned ok=false")
	}
	assertValidEnvelope(t, events)

	var deltas []string
	for _, e := range events {
		if e.Kind == canonical.EventContentBlockDelta {
			deltas = append(deltas, e.DeltaText)
		}
	}
	want := "a" + "bb" + "ccc" + "dddd" + "eeeee"
	if len(deltas) != 1 || deltas[0] != want {
		t.Errorf("deltas = %v, want one batch %q", deltas, want)
	}
}

func TestBuildBatched_LargeFragmentFlushesPendingBatchFirst(t *testing.T) {
	body := encode(t, []eventstream.Event{
		{Payload: map[string]any{"content": "ab"}},
		{Payload: map[string]any{"content": strings.Repeat("x", smallFragmentMax+1)}},
		{Payload: map[string]any{"content": "cd"}},
	})

	events, ok := BuildBatched(body)
	if !ok {
		t.Fatal("BuildBatched returned ok=false")
	}

	var deltas []string
	for _, e := range events {
		if e.Kind == canonical.EventContentBlockDelta {
			deltas = append(deltas, e.DeltaText)
		}
	}
	if len(deltas) != 3 {
		t.Fatalf("deltas = %v, want 3 (small batch, large fragment alone, trailing small batch)", deltas)
	}
	if deltas[0] != "ab" || deltas[2] != "cd" {
		t.Errorf("deltas = %v", deltas)
	}
}

func assertValidEnvelope(t *testing.T, events []canonical.StreamingEvent) {
	t.Helper()
	if len(events) == 0 {
		t.Fatal("no events")
	}
	if events[0].Kind != canonical.EventMessageStart {
		t.Errorf("first event = %q, want message_start", events[0].Kind)
	}
	if events[len(events)-1].Kind != canonical.EventMessageStop {
		t.Errorf("last event = %q, want message_stop", events[len(events)-1].Kind)
	}
}
