package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedHeader  = errors.New("malformed frame header")
	ErrFrameTooLarge    = errors.New("frame exceeds maximum size")
	ErrTruncatedFrame   = errors.New("truncated frame")
	ErrNestingTooDeep   = errors.New("compressed frames nested too deeply")
	ErrInflatedTooLarge = errors.New("decompressed body exceeds limit")
)

// FrameDecodeError reports a frame that could not be decoded. It is always
// local to that frame.
type FrameDecodeError struct {
	Op      Operation
	Version Version
	Err     error
}

func (e *FrameDecodeError) Error() string {
	return fmt.Sprintf("decode %s frame (version %d): %v", e.Op, e.Version, e.Err)
}

func (e *FrameDecodeError) Unwrap() error {
	return e.Err
}
