package transfer

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxFrameSize bounds a single Frame's wire encoding, guarding a peer
// against an unbounded length prefix.
const maxFrameSize = 64 * 1024 * 1024

// writeFrame writes f to w as a 4-byte big-endian length prefix followed
// by its canonical-CBOR encoding.
func writeFrame(w io.Writer, f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	var lenPrefix [4]byte
	binary.BigEndian.PutUint32(lenPrefix[:], uint32(len(data)))
	if _, err := w.Write(lenPrefix[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readFrame reads one length-prefixed Frame from r.
func readFrame(r io.Reader) (*Frame, error) {
	var lenPrefix [4]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, fmt.Errorf("read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenPrefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", n, maxFrameSize)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	f := &Frame{}
	if err := f.Unmarshal(data); err != nil {
		return nil, fmt.Errorf("unmarshal frame: %w", err)
	}
	return f, nil
}
