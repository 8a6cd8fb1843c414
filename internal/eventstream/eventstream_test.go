package eventstream

import (
	"bytes"
	"testing"
)

func mustEncode(t *testing.T, events []Event) []byte {
	t.Helper()
	buf, err := Encode(events)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf
}

func TestDecode_TwoFrames(t *testing.T) {
	events := []Event{
		{
			Headers: []Header{{Name: ":event-type", Type: headerValueString, Str: "assistantResponseEvent"}},
			Payload: map[string]any{"content": "4"},
		},
		{
			Headers: []Header{{Name: ":event-type", Type: headerValueString, Str: "messageStop"}},
			Payload: map[string]any{},
		},
	}
	buf := mustEncode(t, events)

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("got %d events, want 2", len(decoded))
	}
	if decoded[0].Type != "assistantResponseEvent" {
		t.Errorf("event 0 type = %q", decoded[0].Type)
	}
	if decoded[0].Payload["content"] != "4" {
		t.Errorf("event 0 payload = %v", decoded[0].Payload)
	}
	if decoded[1].Type != "messageStop" {
		t.Errorf("event 1 type = %q", decoded[1].Type)
	}
}

func TestDecode_DefaultEventType(t *testing.T) {
	events := []Event{{Payload: map[string]any{"content": "hi"}}}
	buf := mustEncode(t, events)

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded[0].Type != defaultEventType {
		t.Errorf("type = %q, want default %q", decoded[0].Type, defaultEventType)
	}
}

func TestDecode_RoundTripByteIdentical(t *testing.T) {
	events := []Event{
		{
			Headers: []Header{
				{Name: ":event-type", Type: headerValueString, Str: "assistantResponseEvent"},
				{Name: ":content-type", Type: headerValueString, Str: "application/json"},
			},
			Payload: map[string]any{"content": "partial "},
		},
	}
	buf := mustEncode(t, events)

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	reencoded := mustEncode(t, decoded)
	if !bytes.Equal(buf, reencoded) {
		t.Fatalf("round trip not byte-identical:\n  got  %x\n  want %x", reencoded, buf)
	}
}

func TestDecode_CorruptPreludeStopsButKeepsProgress(t *testing.T) {
	good := []Event{{Payload: map[string]any{"content": "ok"}}}
	buf := mustEncode(t, good)

	// Append a bogus frame whose total-length field claims far more
	// bytes than actually follow.
	bogus := make([]byte, 16)
	bogus[3] = 0x7F // huge total length in the low byte of a big-endian uint32
	buf = append(buf, bogus...)

	decoded, err := Decode(buf)
	if err == nil {
		t.Fatal("expected Decode to report corruption on the trailing bogus frame")
	}
	if _, ok := err.(*Corrupt); !ok {
		t.Fatalf("error type = %T, want *Corrupt", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("got %d events before the corrupt frame, want 1 (partial progress)", len(decoded))
	}
}

func TestDecode_PayloadFallsBackToTextWhenNotJSON(t *testing.T) {
	evt := Event{Payload: nil}
	// Manually build a frame whose payload is not valid JSON, since
	// Encode always emits JSON payloads.
	headerBytes, _ := encodeHeaders(evt.Headers)
	payload := []byte("not json {")
	total := preludeSize + len(headerBytes) + len(payload) + trailerSize
	buf := make([]byte, total)
	putFrame(buf, headerBytes, payload)

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded[0].Payload["text"] != "not json {" {
		t.Errorf("payload = %v, want fallback text wrapper", decoded[0].Payload)
	}
}

// putFrame is a small test-only helper mirroring encodeFrame's layout
// for payloads that aren't valid JSON (Encode always marshals JSON,
// so this builds the raw bytes directly).
func putFrame(buf, headerBytes, payload []byte) {
	total := len(buf)
	be := func(b []byte, v uint32) {
		b[0] = byte(v >> 24)
		b[1] = byte(v >> 16)
		b[2] = byte(v >> 8)
		b[3] = byte(v)
	}
	be(buf[0:4], uint32(total))
	be(buf[4:8], uint32(len(headerBytes)))
	be(buf[8:12], 0) // advisory CRC, left at 0 — never validated
	copy(buf[preludeSize:], headerBytes)
	copy(buf[preludeSize+len(headerBytes):], payload)
	// trailing message CRC left at zero bytes — also advisory only.
}
