package wire

import (
	"encoding/binary"
	"hash/crc32"
)

// EncodeFrame builds one complete frame carrying an ":event-type" string
// header and the given JSON payload. Used by the fake provider in tests and
// by tooling; the parser does not require valid checksums but real ones are
// written anyway.
func EncodeFrame(eventType string, payload []byte) []byte {
	header := make([]byte, 0, 1+len(headerEventType)+3+len(eventType))
	header = append(header, byte(len(headerEventType)))
	header = append(header, headerEventType...)
	header = append(header, tagString)
	header = binary.BigEndian.AppendUint16(header, uint16(len(eventType)))
	header = append(header, eventType...)

	totalLen := preludeSize + len(header) + len(payload) + 4
	frame := make([]byte, 0, totalLen)
	frame = binary.BigEndian.AppendUint32(frame, uint32(totalLen))
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(header)))
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame[:8]))
	frame = append(frame, header...)
	frame = append(frame, payload...)
	frame = binary.BigEndian.AppendUint32(frame, crc32.ChecksumIEEE(frame))
	return frame
}
