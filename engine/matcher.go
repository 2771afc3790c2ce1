package engine

import (
	"bytes"
	"time"

	"i4.energy/across/atchat/at"
)

// verdict is the per-tick classification of the active exchange.
type verdict uint8

const (
	stillPending verdict = iota
	matchedOK
	matchedError
	timedOut
)

func (v verdict) String() string {
	switch v {
	case stillPending:
		return "pending"
	case matchedOK:
		return "ok"
	case matchedError:
		return "error"
	case timedOut:
		return "timeout"
	default:
		return "unknown"
	}
}

// recvBuffer accumulates solicited bytes for the active item. It never
// grows past its capacity; bytes arriving while full are counted as
// overflow so the engine can resynchronize.
type recvBuffer struct {
	buf      []byte
	overflow int
}

func newRecvBuffer(size int) *recvBuffer {
	return &recvBuffer{buf: make([]byte, 0, size)}
}

func (b *recvBuffer) put(c byte) {
	if len(b.buf) == cap(b.buf) {
		b.overflow++
		return
	}
	b.buf = append(b.buf, c)
}

func (b *recvBuffer) full() bool {
	return len(b.buf) == cap(b.buf)
}

func (b *recvBuffer) reset() {
	b.buf = b.buf[:0]
	b.overflow = 0
}

func (b *recvBuffer) bytes() []byte {
	return b.buf
}

// contains returns the buffer from the first occurrence of s onwards.
func (b *recvBuffer) contains(s string) []byte {
	if i := bytes.Index(b.buf, []byte(s)); i >= 0 {
		return b.buf[i:]
	}
	return nil
}

// match looks for the terminal markers of attr. A prefix must precede its
// suffix; a suffix seen only before the prefix does not count.
func (b *recvBuffer) match(attr *Attr) (verdict, []byte) {
	suffix := []byte(attr.Suffix)
	if attr.Prefix != "" {
		if i := bytes.Index(b.buf, []byte(attr.Prefix)); i >= 0 {
			rest := b.buf[i+len(attr.Prefix):]
			if j := bytes.Index(rest, suffix); j >= 0 {
				end := i + len(attr.Prefix) + j + len(suffix)
				return matchedOK, b.buf[i:end]
			}
		}
	} else if bytes.Contains(b.buf, suffix) {
		return matchedOK, b.buf
	}

	if bytes.Contains(b.buf, []byte(at.ERROR)) {
		return matchedError, nil
	}
	return stillPending, nil
}

// classify evaluates the active exchange of it at now.
func (b *recvBuffer) classify(it *item, now time.Time) (verdict, []byte) {
	v, span := b.match(&it.attr)
	if v != stillPending {
		return v, span
	}
	if now.Sub(it.sent) > it.attr.Timeout {
		return timedOut, nil
	}
	return stillPending, nil
}
