package at

import (
	"errors"
	"fmt"
)

// ErrTruncated is returned when a formatted command does not fit into the
// command buffer.
var ErrTruncated = errors.New("at: command truncated")

// Builder formats commands into a fixed-capacity buffer. Output that does
// not fit is dropped and reported by Truncated; the buffer never grows.
type Builder struct {
	buf       []byte
	truncated bool
}

// NewBuilder returns a Builder holding at most size bytes.
func NewBuilder(size int) *Builder {
	return &Builder{buf: make([]byte, 0, size)}
}

// Write implements io.Writer. It always reports len(p) so fmt keeps going,
// the overflow is only recorded.
func (b *Builder) Write(p []byte) (int, error) {
	room := cap(b.buf) - len(b.buf)
	if len(p) > room {
		b.buf = append(b.buf, p[:room]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

// Printf appends formatted text.
func (b *Builder) Printf(format string, args ...any) {
	fmt.Fprintf(b, format, args...)
}

// Bytes returns the formatted content. The slice aliases the internal buffer.
func (b *Builder) Bytes() []byte { return b.buf }

func (b *Builder) Len() int { return len(b.buf) }

func (b *Builder) Truncated() bool { return b.truncated }

// Reset clears the content and the truncation flag, keeping the capacity.
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.truncated = false
}

// Err returns ErrTruncated if any output was dropped.
func (b *Builder) Err() error {
	if b.truncated {
		return ErrTruncated
	}
	return nil
}

// Sprintf formats a command of at most size bytes.
func Sprintf(size int, format string, args ...any) ([]byte, error) {
	b := NewBuilder(size)
	b.Printf(format, args...)
	if err := b.Err(); err != nil {
		return nil, fmt.Errorf("%w: limit %d bytes", err, size)
	}
	return b.Bytes(), nil
}
