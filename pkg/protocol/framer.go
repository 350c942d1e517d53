package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
)

// ErrFrameTooLarge is returned when a single line exceeds the frame cap.
// The connection is not recoverable afterwards: the remainder of the
// oversized line cannot be resynchronized safely.
var ErrFrameTooLarge = errors.New("frame exceeds maximum message size")

// Framer splits a byte stream into newline-delimited frames. Partial
// lines are carried between reads; whitespace-only lines are skipped so
// clients may send bare newlines as keep-alives.
type Framer struct {
	r   *bufio.Reader
	max int
}

// NewFramer wraps r with the given initial buffer size and hard frame cap.
func NewFramer(r io.Reader, bufSize, maxFrame int) *Framer {
	if bufSize < 16 {
		bufSize = 16
	}
	if bufSize > maxFrame {
		bufSize = maxFrame
	}
	return &Framer{
		r:   bufio.NewReaderSize(r, bufSize),
		max: maxFrame,
	}
}

// Next returns the next non-empty frame without its trailing newline.
// It blocks until a full line is available. Returns io.EOF when the
// stream ends cleanly, io.ErrUnexpectedEOF when it ends mid-frame, and
// ErrFrameTooLarge when a line outgrows the cap.
func (f *Framer) Next() ([]byte, error) {
	var frame []byte

	for {
		chunk, err := f.r.ReadSlice('\n')
		if len(chunk) > 0 {
			if len(frame)+len(chunk) > f.max {
				return nil, ErrFrameTooLarge
			}
			frame = append(frame, chunk...)
		}

		switch {
		case err == nil:
			// Full line collected.
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(frame)) > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, io.EOF
		default:
			return nil, err
		}

		line := bytes.TrimRight(frame, "\r\n")
		if len(bytes.TrimSpace(line)) == 0 {
			frame = frame[:0]
			continue
		}
		return line, nil
	}
}
