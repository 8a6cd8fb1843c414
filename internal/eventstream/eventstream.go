// Package eventstream decodes AWS's binary event-stream framing (spec
// §4.2): the wire format the CWR upstream uses for its buffered
// response body. Each message is laid out as:
//
//	total length      uint32 big-endian
//	headers length    uint32 big-endian
//	prelude CRC       uint32 big-endian
//	headers           headers-length bytes
//	payload           (total - headers - 16) bytes
//	message CRC       uint32 big-endian
//
// Each header is {1-byte name length, name, 1-byte value type, 2-byte
// big-endian value length, value}. CRCs are parsed but validation is
// advisory only — the upstream is known to occasionally emit frames
// with stale checksums, and treating that as fatal would regress real
// traffic (spec §4.2, §9).
package eventstream

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
)

// preludeSize is total(4) + headersLen(4) + preludeCRC(4).
const preludeSize = 12

// trailerSize is the message CRC at the end of the frame.
const trailerSize = 4

// minFrameSize is the smallest legal frame: prelude + trailer, no
// headers or payload.
const minFrameSize = preludeSize + trailerSize

// headerValueString is the AWS event-stream value-type byte for a
// UTF-8 string header value; every other type is carried as opaque
// bytes (spec §4.2).
const headerValueString = 7

// defaultEventType is used when a frame carries no :event-type header.
const defaultEventType = "assistantResponseEvent"

// Event is one decoded (eventType, payload) pair. Payload is parsed as
// JSON when possible; otherwise it is wrapped as {"text": raw}.
type Event struct {
	Type    string
	Payload map[string]any
	Headers []Header
}

// Header holds a decoded header's name, type byte, and value. String
// headers (type 7) have Str populated; all other types keep Raw. This
// is kept as an ordered slice, not a map, so Encode can reproduce the
// exact byte layout Decode read (spec §8's round-trip property).
type Header struct {
	Name string
	Type byte
	Str  string
	Raw  []byte
}

// Get returns the first header with the given name, if present.
func (e *Event) Get(name string) (Header, bool) {
	for _, h := range e.Headers {
		if h.Name == name {
			return h, true
		}
	}
	return Header{}, false
}

// Corrupt is returned (wrapped) when a prelude advertises a length
// that reaches past the remaining buffer. Decode still returns the
// frames it managed to decode before the corruption (spec §4.2:
// "partial progress is a feature, not an error").
type Corrupt struct {
	Offset int
	Reason string
}

func (c *Corrupt) Error() string {
	return fmt.Sprintf("eventstream: corrupt frame at offset %d: %s", c.Offset, c.Reason)
}

// Decode parses a buffered sequence of event-stream frames out of buf,
// stopping at the first frame whose prelude is inconsistent with the
// remaining bytes. It never returns both a nil error and events=nil
// unless buf contained zero valid frames.
//
// err is non-nil only when decoding stopped early due to corruption;
// the events decoded up to that point are still returned alongside it.
func Decode(buf []byte) ([]Event, error) {
	var events []Event
	offset := 0

	for offset < len(buf) {
		remaining := buf[offset:]
		if len(remaining) < minFrameSize {
			return events, &Corrupt{Offset: offset, Reason: "fewer bytes remain than the minimum frame size"}
		}

		totalLen := binary.BigEndian.Uint32(remaining[0:4])
		headersLen := binary.BigEndian.Uint32(remaining[4:8])
		// remaining[8:12] is the prelude CRC — parsed, not validated.
		preludeCRC := binary.BigEndian.Uint32(remaining[8:12])

		if totalLen < uint32(minFrameSize) {
			return events, &Corrupt{Offset: offset, Reason: "total length smaller than the minimum frame size"}
		}
		if uint64(totalLen) > uint64(len(remaining)) {
			return events, &Corrupt{Offset: offset, Reason: "total length exceeds the remaining buffer"}
		}
		if uint64(preludeSize)+uint64(headersLen) > uint64(totalLen)-trailerSize {
			return events, &Corrupt{Offset: offset, Reason: "headers length exceeds the frame body"}
		}

		_ = advisoryPreludeCRC(remaining[0:8], preludeCRC)

		headersEnd := preludeSize + int(headersLen)
		payloadEnd := int(totalLen) - trailerSize

		headerBytes := remaining[preludeSize:headersEnd]
		payloadBytes := remaining[headersEnd:payloadEnd]
		// messageCRC := binary.BigEndian.Uint32(remaining[payloadEnd:totalLen]) — advisory, unused.

		headers, err := decodeHeaders(headerBytes)
		if err != nil {
			return events, &Corrupt{Offset: offset, Reason: err.Error()}
		}

		evt := Event{
			Type:    eventTypeOf(headers),
			Headers: headers,
			Payload: decodePayload(payloadBytes),
		}
		events = append(events, evt)

		offset += int(totalLen)
	}

	return events, nil
}

// advisoryPreludeCRC computes the CRC32 of the prelude bytes (total
// length + headers length) purely so a caller inspecting Event could
// cross-check it later; mismatches are never treated as errors here.
func advisoryPreludeCRC(preludeBytes []byte, want uint32) bool {
	return crc32.ChecksumIEEE(preludeBytes) == want
}

func eventTypeOf(headers []Header) string {
	for _, h := range headers {
		if h.Name == ":event-type" && h.Type == headerValueString {
			return h.Str
		}
	}
	return defaultEventType
}

func decodeHeaders(buf []byte) ([]Header, error) {
	var headers []Header
	offset := 0

	for offset < len(buf) {
		if offset+1 > len(buf) {
			return nil, fmt.Errorf("truncated header name length at offset %d", offset)
		}
		nameLen := int(buf[offset])
		offset++

		if offset+nameLen > len(buf) {
			return nil, fmt.Errorf("truncated header name at offset %d", offset)
		}
		name := string(buf[offset : offset+nameLen])
		offset += nameLen

		if offset+1 > len(buf) {
			return nil, fmt.Errorf("truncated header value type at offset %d", offset)
		}
		valueType := buf[offset]
		offset++

		if offset+2 > len(buf) {
			return nil, fmt.Errorf("truncated header value length at offset %d", offset)
		}
		valueLen := int(binary.BigEndian.Uint16(buf[offset : offset+2]))
		offset += 2

		if offset+valueLen > len(buf) {
			return nil, fmt.Errorf("truncated header value at offset %d", offset)
		}
		valueBytes := buf[offset : offset+valueLen]
		offset += valueLen

		h := Header{Name: name, Type: valueType, Raw: valueBytes}
		if valueType == headerValueString {
			h.Str = string(valueBytes)
		}
		headers = append(headers, h)
	}

	return headers, nil
}

func decodePayload(buf []byte) map[string]any {
	if len(buf) == 0 {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(buf, &out); err == nil {
		return out
	}
	return map[string]any{"text": string(buf)}
}

// Encode re-serializes a sequence of Events back into the same binary
// framing Decode reads. It is used by the codec round-trip property
// test (spec §8): decoding a well-formed frame sequence and
// re-encoding it with the same headers must produce byte-identical
// output, so Encode recomputes real CRCs (even though Decode never
// checks them) to keep the round-trip exact.
func Encode(events []Event) ([]byte, error) {
	var out []byte
	for _, evt := range events {
		frame, err := encodeFrame(evt)
		if err != nil {
			return nil, err
		}
		out = append(out, frame...)
	}
	return out, nil
}

func encodeFrame(evt Event) ([]byte, error) {
	headerBytes, err := encodeHeaders(evt.Headers)
	if err != nil {
		return nil, err
	}

	payloadBytes, err := json.Marshal(evt.Payload)
	if err != nil {
		return nil, err
	}

	totalLen := preludeSize + len(headerBytes) + len(payloadBytes) + trailerSize

	buf := make([]byte, totalLen)
	binary.BigEndian.PutUint32(buf[0:4], uint32(totalLen))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(headerBytes)))
	binary.BigEndian.PutUint32(buf[8:12], crc32.ChecksumIEEE(buf[0:8]))

	copy(buf[preludeSize:], headerBytes)
	copy(buf[preludeSize+len(headerBytes):], payloadBytes)

	msgCRC := crc32.ChecksumIEEE(buf[0 : totalLen-trailerSize])
	binary.BigEndian.PutUint32(buf[totalLen-trailerSize:totalLen], msgCRC)

	return buf, nil
}

func encodeHeaders(headers []Header) ([]byte, error) {
	var out []byte
	for _, h := range headers {
		if len(h.Name) > 255 {
			return nil, fmt.Errorf("header name %q too long", h.Name)
		}
		value := h.Raw
		if h.Type == headerValueString {
			value = []byte(h.Str)
		}
		if len(value) > 0xFFFF {
			return nil, fmt.Errorf("header %q value too long", h.Name)
		}

		out = append(out, byte(len(h.Name)))
		out = append(out, []byte(h.Name)...)
		out = append(out, h.Type)
		lenBuf := make([]byte, 2)
		binary.BigEndian.PutUint16(lenBuf, uint16(len(value)))
		out = append(out, lenBuf...)
		out = append(out, value...)
	}
	return out, nil
}
