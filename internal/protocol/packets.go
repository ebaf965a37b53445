// Package protocol implements the relay wire format: 16-byte big-endian
// frame headers, control frame builders, compressed body unwrapping and the
// JSON command payload decoder that turns frames into feed events.
package protocol

import "fmt"

// Operation is the frame operation code.
type Operation uint32

const (
	OpHeartbeat      Operation = 2 // Client keepalive
	OpHeartbeatReply Operation = 3 // Popularity count
	OpMessage        Operation = 5 // Command payload(s)
	OpAuth           Operation = 7 // Join room
	OpAuthReply      Operation = 8 // Join result
)

var operationNames = map[Operation]string{
	OpHeartbeat:      "heartbeat",
	OpHeartbeatReply: "heartbeat_reply",
	OpMessage:        "message",
	OpAuth:           "auth",
	OpAuthReply:      "auth_reply",
}

func (o Operation) String() string {
	if s, ok := operationNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint32(o))
}

// Version is the body encoding of a Message frame.
type Version uint16

const (
	VersionPlain    Version = 0
	VersionPlainAlt Version = 1
	VersionDeflate  Version = 2 // zlib header + raw deflate, inflates to frames
	VersionBrotli   Version = 3 // brotli, decodes to frames
)

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 16

	// MaxFrameSize bounds the total length of a single frame.
	MaxFrameSize = 16 << 20

	// MaxNesting bounds how many compressed layers are unwrapped.
	MaxNesting = 8

	// MaxInflatedSize bounds the decompressed bytes produced for one frame.
	MaxInflatedSize = 16 << 20

	// OutboundSequence is the sequence id written on every client frame.
	OutboundSequence = 1
)

// Header is the fixed frame header.
type Header struct {
	TotalLength  uint32
	HeaderLength uint16
	Version      Version
	Op           Operation
	Sequence     uint32
}

// BodyLength returns the number of body bytes that follow the header.
func (h Header) BodyLength() int {
	return int(h.TotalLength) - int(h.HeaderLength)
}

// Frame is one header-prefixed unit of the wire protocol.
type Frame struct {
	Header
	Body []byte
}
