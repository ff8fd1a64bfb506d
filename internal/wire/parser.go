// Package wire decodes the provider's length-prefixed, checksummed streaming
// frame format into structured events.
//
// Frame layout:
//
//	[total length (4, BE)] [header length (4, BE)] [prelude CRC (4)]
//	[headers] [payload] [message CRC (4)]
//
// Header entries: [name length (1)] [name] [type tag (1)]
// [value length (2, BE)] [value]. The ":event-type" string header selects
// the event type. Checksums are carried but not revalidated here; a corrupt
// frame must not stall an otherwise healthy stream, so malformed frames are
// dropped silently.
package wire

import (
	"encoding/binary"
	"encoding/json"
)

// EventType is the fixed enumeration of provider stream events. Unrecognized
// names map to EventUnknown rather than growing the set dynamically.
type EventType string

const (
	EventMessageStart      EventType = "message_start"
	EventContentBlockStart EventType = "content_block_start"
	EventContentBlockDelta EventType = "content_block_delta"
	EventContentBlockStop  EventType = "content_block_stop"
	EventMessageStop       EventType = "message_stop"
	EventMetadata          EventType = "metadata"
	EventUnknown           EventType = "unknown"
)

// Event is one decoded (event-type, JSON payload) pair.
type Event struct {
	Type    EventType
	Payload map[string]any
}

const (
	preludeSize  = 12 // total length + header length + prelude CRC
	minFrameSize = preludeSize + 4

	headerEventType = ":event-type"
	// header value type tag for strings
	tagString = 7
)

func eventTypeFor(name string) EventType {
	switch name {
	case "messageStart":
		return EventMessageStart
	case "contentBlockStart":
		return EventContentBlockStart
	case "contentBlockDelta":
		return EventContentBlockDelta
	case "contentBlockStop":
		return EventContentBlockStop
	case "messageStop":
		return EventMessageStop
	case "metadata":
		return EventMetadata
	default:
		return EventUnknown
	}
}

// Parse decodes every complete frame in buf and returns the parsed events
// plus whatever bytes remain unconsumed (a partial trailing frame, or too
// few bytes to read the length prefix). Callers keep accumulating bytes and
// re-invoke. Parse is a pure function of its input.
func Parse(buf []byte) ([]Event, []byte) {
	var out []Event
	for {
		if len(buf) < 4 {
			return out, buf
		}
		totalLen := int(binary.BigEndian.Uint32(buf[:4]))
		if totalLen < minFrameSize {
			// Unrecoverable framing corruption: no way to resync.
			return out, nil
		}
		if len(buf) < totalLen {
			return out, buf
		}
		frame := buf[:totalLen]
		buf = buf[totalLen:]

		if ev, ok := parseFrame(frame); ok {
			out = append(out, ev)
		}
	}
}

func parseFrame(frame []byte) (Event, bool) {
	headerLen := int(binary.BigEndian.Uint32(frame[4:8]))
	if headerLen < 0 || preludeSize+headerLen+4 > len(frame) {
		return Event{}, false
	}
	headers := frame[preludeSize : preludeSize+headerLen]
	payload := frame[preludeSize+headerLen : len(frame)-4]

	name := headerValue(headers, headerEventType)
	et := eventTypeFor(name)

	if len(payload) == 0 {
		return Event{}, false
	}
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err != nil {
		return Event{}, false
	}
	return Event{Type: et, Payload: obj}, true
}

// headerValue scans the header section for a string-typed header with the
// given name. Missing name or a non-string type tag yields "".
func headerValue(headers []byte, want string) string {
	for len(headers) > 0 {
		nameLen := int(headers[0])
		if 1+nameLen+1+2 > len(headers) {
			return ""
		}
		name := string(headers[1 : 1+nameLen])
		tag := headers[1+nameLen]
		valLen := int(binary.BigEndian.Uint16(headers[1+nameLen+1 : 1+nameLen+3]))
		valStart := 1 + nameLen + 3
		if valStart+valLen > len(headers) {
			return ""
		}
		if name == want {
			if tag != tagString {
				return ""
			}
			return string(headers[valStart : valStart+valLen])
		}
		headers = headers[valStart+valLen:]
	}
	return ""
}
