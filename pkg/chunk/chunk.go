// Package chunk implements the fixed-size chunking pipeline as a
// single-pass lazy iterator: the chunk sequence is lazy and restartable
// only by re-opening the reader, which an eager []Chunk return cannot
// express.
package chunk

import (
	"io"

	"github.com/beehoard/beehoard/pkg/errs"
)

// MinSize and MaxSize bound the allowed chunk_size.
const (
	MinSize     = 4 * 1024
	MaxSize     = 16 * 1024 * 1024
	DefaultSize = 64 * 1024
)

// Chunker slices a reader into fixed-size byte blobs. The final blob may be
// shorter than Size; an empty stream yields no blobs at all. It is
// single-pass: callers must re-open the source reader to chunk it again.
type Chunker struct {
	r    io.Reader
	size int
	buf  []byte
	done bool
}

// New constructs a Chunker reading from r in blobs of exactly size bytes
// (except possibly the last). size must be within [MinSize, MaxSize].
func New(r io.Reader, size int) (*Chunker, error) {
	if size < MinSize || size > MaxSize {
		return nil, errs.New(errs.InvalidArgument, "chunk size out of range [4KiB, 16MiB]")
	}
	return &Chunker{r: r, size: size, buf: make([]byte, size)}, nil
}

// Next returns the next chunk, or io.EOF once the stream is exhausted. An
// empty stream yields a single io.EOF with no chunks at all.
func (c *Chunker) Next() ([]byte, error) {
	if c.done {
		return nil, io.EOF
	}

	n, err := io.ReadFull(c.r, c.buf)
	switch {
	case err == nil:
		out := make([]byte, n)
		copy(out, c.buf[:n])
		return out, nil
	case err == io.ErrUnexpectedEOF:
		// Final, short chunk.
		c.done = true
		out := make([]byte, n)
		copy(out, c.buf[:n])
		return out, nil
	case err == io.EOF:
		// Exact multiple of size: no partial final chunk.
		c.done = true
		return nil, io.EOF
	default:
		return nil, errs.Wrap(errs.IoError, "chunk read failed", err)
	}
}

// All drains the Chunker into a slice, for callers that do not need
// streaming (tests, small in-memory inputs).
func All(r io.Reader, size int) ([][]byte, error) {
	c, err := New(r, size)
	if err != nil {
		return nil, err
	}
	var out [][]byte
	for {
		blob, err := c.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, blob)
	}
}
