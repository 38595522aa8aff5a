// Package pubsub implements fio's process-local channel fabric plus
// the master-mediated Unix-socket transport that fans messages out
// across a prefork cluster. It is generalized from gaio's
// proactor byte-buffer framing into the fixed 16-byte header + NUL
// delimited wire format facil.io's post office uses on the wire.
package pubsub

import (
	"encoding/binary"
	"errors"
)

// FrameType enumerates the cluster wire protocol's message kinds.
type FrameType uint32

const (
	FrameForward FrameType = iota
	FrameForwardJSON
	FrameRootOnly
	FrameRootOnlyJSON
	FrameSubscribe
	FrameUnsubscribe
	FramePatternSubscribe
	FramePatternUnsubscribe
	FrameShutdown
	FrameError
	FramePing
)

// headerSize is the fixed 16-byte {channel_len, payload_len, type,
// filter} wire header.
const headerSize = 16

// ErrShortFrame is returned when a buffer doesn't yet hold a complete
// frame; callers should buffer more bytes and retry.
var ErrShortFrame = errors.New("pubsub: incomplete frame")

// Message is one published (or received) pub/sub payload.
type Message struct {
	Filter  int32
	Channel []byte
	Payload []byte
	IsJSON  bool
	Type    FrameType

	metadata map[uint32]any
}

// SetMetadata attaches auxiliary, publish-time-only data under typeID,
// discovered by the subscriber via a type-id lookup — e.g. a
// pre-encoded WebSocket frame a transport layer can reuse instead of
// re-encoding the payload per subscriber.
func (m *Message) SetMetadata(typeID uint32, data any) {
	if m.metadata == nil {
		m.metadata = make(map[uint32]any)
	}
	m.metadata[typeID] = data
}

// Metadata looks up auxiliary data attached by a MetadataFunc at
// publish time.
func (m *Message) Metadata(typeID uint32) (any, bool) {
	v, ok := m.metadata[typeID]
	return v, ok
}

// Encode serializes m as one cluster wire frame: header, channel bytes,
// NUL, payload bytes, NUL.
func Encode(m *Message) []byte {
	buf := make([]byte, headerSize+len(m.Channel)+1+len(m.Payload)+1)
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(m.Channel)))
	binary.BigEndian.PutUint32(buf[4:8], uint32(len(m.Payload)))
	binary.BigEndian.PutUint32(buf[8:12], uint32(m.Type))
	binary.BigEndian.PutUint32(buf[12:16], uint32(m.Filter))
	n := headerSize
	n += copy(buf[n:], m.Channel)
	buf[n] = 0
	n++
	n += copy(buf[n:], m.Payload)
	buf[n] = 0
	return buf
}

// Decode parses one frame from the head of buf, returning the message,
// the total byte length consumed, and ErrShortFrame if buf does not yet
// contain a complete frame.
func Decode(buf []byte) (*Message, int, error) {
	if len(buf) < headerSize {
		return nil, 0, ErrShortFrame
	}
	chLen := int(binary.BigEndian.Uint32(buf[0:4]))
	plLen := int(binary.BigEndian.Uint32(buf[4:8]))
	typ := FrameType(binary.BigEndian.Uint32(buf[8:12]))
	filter := int32(binary.BigEndian.Uint32(buf[12:16]))

	total := headerSize + chLen + 1 + plLen + 1
	if len(buf) < total {
		return nil, 0, ErrShortFrame
	}

	channel := buf[headerSize : headerSize+chLen]
	payloadStart := headerSize + chLen + 1
	payload := buf[payloadStart : payloadStart+plLen]

	return &Message{
		Filter:  filter,
		Channel: append([]byte(nil), channel...),
		Payload: append([]byte(nil), payload...),
		Type:    typ,
	}, total, nil
}
