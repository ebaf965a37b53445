package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/livefeed-project/livefeed/internal/events"
	"github.com/livefeed-project/livefeed/internal/util"
)

// Encode builds a frame: header followed by body.
func Encode(op Operation, body []byte, version Version) []byte {
	buf := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(buf)))
	binary.BigEndian.PutUint16(buf[4:6], HeaderSize)
	binary.BigEndian.PutUint16(buf[6:8], uint16(version))
	binary.BigEndian.PutUint32(buf[8:12], uint32(op))
	binary.BigEndian.PutUint32(buf[12:16], OutboundSequence)
	copy(buf[HeaderSize:], body)
	return buf
}

// EncodeFrame builds a client frame with version 1.
func EncodeFrame(op Operation, body []byte) []byte {
	return Encode(op, body, VersionPlainAlt)
}

// ParseHeader decodes and validates a frame header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedFrame, HeaderSize, len(b))
	}
	h := Header{
		TotalLength:  binary.BigEndian.Uint32(b[0:4]),
		HeaderLength: binary.BigEndian.Uint16(b[4:6]),
		Version:      Version(binary.BigEndian.Uint16(b[6:8])),
		Op:           Operation(binary.BigEndian.Uint32(b[8:12])),
		Sequence:     binary.BigEndian.Uint32(b[12:16]),
	}
	if h.HeaderLength < HeaderSize {
		return h, fmt.Errorf("%w: header length %d", ErrMalformedHeader, h.HeaderLength)
	}
	if h.TotalLength < uint32(h.HeaderLength) {
		return h, fmt.Errorf("%w: total length %d below header length %d", ErrMalformedHeader, h.TotalLength, h.HeaderLength)
	}
	if h.TotalLength > MaxFrameSize {
		return h, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, h.TotalLength, MaxFrameSize)
	}
	return h, nil
}

// ReadFrame reads exactly one frame from r. Header bytes beyond the fixed
// 16 are read and discarded.
func ReadFrame(r io.Reader) (*Frame, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	h, err := ParseHeader(hdr[:])
	if err != nil {
		return nil, err
	}

	if extra := int(h.HeaderLength) - HeaderSize; extra > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(extra)); err != nil {
			return nil, fmt.Errorf("failed to read extended header: %w", err)
		}
	}

	body := make([]byte, h.BodyLength())
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("failed to read frame body (%d bytes): %w", len(body), err)
	}

	return &Frame{Header: h, Body: body}, nil
}

// WriteFrame writes an encoded client frame to w.
func WriteFrame(w io.Writer, op Operation, body []byte) error {
	if _, err := w.Write(EncodeFrame(op, body)); err != nil {
		return fmt.Errorf("failed to write %s frame: %w", op, err)
	}
	return nil
}

// AuthReply is the relay's answer to the auth frame.
type AuthReply struct {
	Code int `json:"code"`
}

// Result collects everything decoded from one frame or frame stream.
type Result struct {
	Events        []events.DomainEvent
	Popularity    uint32
	HasPopularity bool
	AuthReply     *AuthReply

	// Frames counts every frame consumed, nested frames included.
	Frames int

	// Trailing is the number of bytes left at the end of a top-level stream
	// that did not form a complete frame.
	Trailing int

	// Dropped counts command payloads rejected by the payload decoder.
	Dropped int

	// Errors holds per-frame decode failures. None of them abort the batch.
	Errors []error
}

// cursor is a position inside one decoded byte buffer on the worklist.
type cursor struct {
	buf   []byte
	off   int
	depth int
}

// Decoder turns frames into feed events. Compressed message bodies are
// unwrapped with an explicit worklist instead of recursion: every inflated
// buffer is pushed as a cursor and the top cursor is always consumed first,
// so events come out in wire order and nesting depth stays bounded.
type Decoder struct {
	payload *PayloadDecoder
	logger  zerolog.Logger
}

// NewDecoder creates a frame decoder.
func NewDecoder(payload *PayloadDecoder) *Decoder {
	if payload == nil {
		payload = NewPayloadDecoder()
	}
	return &Decoder{
		payload: payload,
		logger:  util.ComponentLogger("decoder"),
	}
}

// Decode decodes one frame already read from the socket.
func (d *Decoder) Decode(f *Frame) Result {
	var res Result
	var stack []cursor
	budget := MaxInflatedSize

	d.dispatch(f.Header, f.Body, 0, &res, &stack, &budget)
	d.drain(&res, &stack, &budget)
	return res
}

// DecodeStream decodes a buffer of concatenated frames.
func (d *Decoder) DecodeStream(buf []byte) Result {
	var res Result
	stack := []cursor{{buf: buf}}
	budget := MaxInflatedSize

	d.drain(&res, &stack, &budget)
	return res
}

func (d *Decoder) drain(res *Result, stack *[]cursor, budget *int) {
	for len(*stack) > 0 {
		top := &(*stack)[len(*stack)-1]
		remaining := len(top.buf) - top.off

		if remaining == 0 {
			*stack = (*stack)[:len(*stack)-1]
			continue
		}

		h, err := ParseHeader(top.buf[top.off:])
		if err == nil && int(h.TotalLength) > remaining {
			err = fmt.Errorf("%w: need %d bytes, have %d", ErrTruncatedFrame, h.TotalLength, remaining)
		}
		if err != nil {
			// Without a trustworthy length there is no next boundary in
			// this buffer.
			if top.depth == 0 {
				res.Trailing = remaining
			}
			if top.depth > 0 || !errors.Is(err, ErrTruncatedFrame) {
				res.Errors = append(res.Errors, &FrameDecodeError{Op: h.Op, Version: h.Version, Err: err})
			}
			*stack = (*stack)[:len(*stack)-1]
			continue
		}

		start := top.off + int(h.HeaderLength)
		end := top.off + int(h.TotalLength)
		body := top.buf[start:end]
		depth := top.depth
		top.off = end

		// dispatch may grow the stack; top is not used after this point.
		d.dispatch(h, body, depth, res, stack, budget)
	}
}

func (d *Decoder) dispatch(h Header, body []byte, depth int, res *Result, stack *[]cursor, budget *int) {
	res.Frames++

	switch h.Op {
	case OpHeartbeatReply:
		pop, err := parsePopularity(body)
		if err != nil {
			d.fail(res, h, err)
			return
		}
		res.Popularity = pop
		res.HasPopularity = true

	case OpAuthReply:
		var reply AuthReply
		if err := json.Unmarshal(body, &reply); err != nil {
			d.fail(res, h, fmt.Errorf("invalid auth reply: %w", err))
			return
		}
		res.AuthReply = &reply
		d.logger.Debug().Int("code", reply.Code).Msg("auth reply received")

	case OpMessage:
		d.dispatchMessage(h, body, depth, res, stack, budget)

	default:
		d.logger.Debug().Stringer("op", h.Op).Int("bytes", len(body)).Msg("ignoring frame")
	}
}

func (d *Decoder) dispatchMessage(h Header, body []byte, depth int, res *Result, stack *[]cursor, budget *int) {
	var (
		inner []byte
		err   error
	)

	switch h.Version {
	case VersionPlain, VersionPlainAlt:
		d.decodeCommands(body, res)
		return
	case VersionDeflate, VersionBrotli:
		if depth+1 > MaxNesting {
			d.fail(res, h, ErrNestingTooDeep)
			return
		}
		if h.Version == VersionDeflate {
			inner, err = inflate(body, *budget)
		} else {
			inner, err = unbrotli(body, *budget)
		}
		if err != nil {
			d.fail(res, h, err)
			return
		}
		*budget -= len(inner)
		*stack = append(*stack, cursor{buf: inner, depth: depth + 1})
	default:
		d.logger.Debug().Uint16("version", uint16(h.Version)).Msg("dropping message with unknown version")
	}
}

// decodeCommands splits a plain body on NUL separators and decodes each
// JSON command.
func (d *Decoder) decodeCommands(body []byte, res *Result) {
	for _, segment := range bytes.Split(body, []byte{0}) {
		segment = bytes.TrimSpace(segment)
		if len(segment) == 0 {
			continue
		}
		evs, err := d.payload.DecodeJSON(segment)
		if err != nil {
			res.Dropped++
			d.logger.Warn().Err(err).Msg("dropping malformed command")
			continue
		}
		res.Events = append(res.Events, evs...)
	}
}

func (d *Decoder) fail(res *Result, h Header, err error) {
	fe := &FrameDecodeError{Op: h.Op, Version: h.Version, Err: err}
	res.Errors = append(res.Errors, fe)
	d.logger.Warn().Err(fe).Msg("frame decode failed")
}

// parsePopularity reads the heartbeat reply body: decimal ASCII, or a 4-byte
// big-endian integer as sent by older relays.
func parsePopularity(body []byte) (uint32, error) {
	text := bytes.TrimSpace(body)
	if n, err := strconv.ParseUint(string(text), 10, 32); err == nil {
		return uint32(n), nil
	}
	if len(body) == 4 {
		return binary.BigEndian.Uint32(body), nil
	}
	return 0, fmt.Errorf("invalid popularity body %q", body)
}
