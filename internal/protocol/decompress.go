package protocol

import (
	"bytes"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
)

// zlibHeaderSize is skipped before raw deflate inflation.
const zlibHeaderSize = 2

// inflate unwraps a zlib body by skipping its header and reading the raw
// deflate stream. The trailing checksum is ignored.
func inflate(body []byte, limit int) ([]byte, error) {
	if len(body) < zlibHeaderSize {
		return nil, fmt.Errorf("zlib body too short: %d bytes", len(body))
	}
	r := flate.NewReader(bytes.NewReader(body[zlibHeaderSize:]))
	defer r.Close()

	data, err := readLimited(r, limit)
	if err != nil {
		return nil, fmt.Errorf("inflate: %w", err)
	}
	return data, nil
}

func unbrotli(body []byte, limit int) ([]byte, error) {
	data, err := readLimited(brotli.NewReader(bytes.NewReader(body)), limit)
	if err != nil {
		return nil, fmt.Errorf("brotli: %w", err)
	}
	return data, nil
}

func readLimited(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		return nil, ErrInflatedTooLarge
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return nil, err
	}
	if len(data) > limit {
		return nil, ErrInflatedTooLarge
	}
	return data, nil
}
