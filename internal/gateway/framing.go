package gateway

import (
	"encoding/binary"
	"fmt"
	"io"
)

const frameHeaderSize = 4

// DefaultMaxFrameBytes bounds a single frame. GET_HISTORY replies are the
// largest frames in practice and stay well under this.
const DefaultMaxFrameBytes = 4 << 20

// WriteFrame writes one length-prefixed frame: a 4-byte big-endian length
// followed by the payload. Header and body go out in a single Write so a
// frame is never split across writers.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("refusing to write empty frame")
	}
	buf := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[:frameHeaderSize], uint32(len(payload)))
	copy(buf[frameHeaderSize:], payload)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame, rejecting frames larger than
// maxBytes. maxBytes <= 0 selects DefaultMaxFrameBytes.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}

	header := make([]byte, frameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(header)
	if length == 0 {
		return nil, fmt.Errorf("received empty frame")
	}
	if int64(length) > int64(maxBytes) {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrFrameTooLarge, length, maxBytes)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("failed to read frame body: %w", err)
	}
	return payload, nil
}
