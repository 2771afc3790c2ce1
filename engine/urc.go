package engine

import (
	"bytes"
	"fmt"
	"strings"
)

// URCHandler receives a view of the URC buffer holding the frame so far:
// the prefix through the end mark, plus any bytes requested earlier.
// It returns 0 when the frame is consumed, or N > 0 to be called again
// with the same frame once N more bytes have arrived.
//
// The slice is only valid for the duration of the call.
type URCHandler func(frame []byte) int

// URC is one entry of an unsolicited result code table.
type URC struct {
	Prefix  string
	EndMark byte
	Handler URCHandler
}

func validateURC(table []URC, bufSize int) error {
	for i, u := range table {
		if u.Prefix == "" || u.Handler == nil {
			return fmt.Errorf("%w: entry %d", ErrInvalidURC, i)
		}
		if len(u.Prefix) >= bufSize {
			return fmt.Errorf("%w: prefix %q does not fit the URC buffer", ErrInvalidURC, u.Prefix)
		}
		for j := i + 1; j < len(table); j++ {
			if strings.HasPrefix(table[j].Prefix, u.Prefix) || strings.HasPrefix(u.Prefix, table[j].Prefix) {
				return fmt.Errorf("%w: %q and %q", ErrAmbiguousURC, u.Prefix, table[j].Prefix)
			}
		}
	}
	return nil
}

type lineMode uint8

const (
	modeStart lineMode = iota // beginning of a line, staging a possible prefix
	modeLine                  // rest of a line that belongs to the solicited path
	modeFrame                 // capturing a URC frame
	modeSkip                  // dropping an oversized frame up to the end of line
)

type stageResult uint8

const (
	stagePartial stageResult = iota
	stageFrame
	stageSolicited
)

// dispatcher routes received bytes either to the URC buffer or to the
// solicited path. Routing is decided at line starts: a line beginning
// with the active item's prefix is solicited, a line beginning with a
// registered URC prefix is a URC frame, anything else is solicited.
// Staged bytes are forwarded in order, never dropped.
type dispatcher struct {
	table   []URC
	buf     []byte
	mode    lineMode
	entry   int
	endSeen bool
	need    int

	solicit func(c byte)
	onFrame func(u *URC, n int)
	onDrop  func(u *URC, n int)
}

func newDispatcher(size int) *dispatcher {
	return &dispatcher{buf: make([]byte, 0, size), entry: -1}
}

// setTable swaps the table. Staged bytes go to the solicited path; a frame
// in progress belongs to the old table and is dropped.
func (d *dispatcher) setTable(table []URC) {
	mode := d.mode
	switch {
	case d.mode == modeFrame:
		d.onDrop(&d.table[d.entry], len(d.buf))
		mode = modeStart
		if d.buf[len(d.buf)-1] != '\n' {
			mode = modeSkip
		}
	case len(d.buf) > 0:
		d.flush(d.buf[len(d.buf)-1])
		mode = d.mode
	}

	d.table = table
	d.reset()
	d.mode = mode
}

// release hands bytes staged at a line start to the solicited path. The
// engine calls it after each read while an item is active.
func (d *dispatcher) release() {
	if d.mode == modeStart && len(d.buf) > 0 {
		d.flush(d.buf[len(d.buf)-1])
	}
}

func (d *dispatcher) reset() {
	d.buf = d.buf[:0]
	d.mode = modeStart
	d.entry = -1
	d.endSeen = false
	d.need = 0
}

func (d *dispatcher) feed(data []byte, activePrefix string) {
	for _, c := range data {
		switch d.mode {
		case modeFrame:
			d.capture(c)
		case modeSkip:
			if c == '\n' {
				d.mode = modeStart
			}
		case modeLine:
			d.solicit(c)
			if c == '\n' {
				d.mode = modeStart
			}
		default:
			d.stage(c, activePrefix)
		}
	}
}

func (d *dispatcher) stage(c byte, activePrefix string) {
	if len(d.buf) == 0 && (c == '\r' || c == '\n' || len(d.table) == 0) {
		d.solicit(c)
		if c != '\r' && c != '\n' {
			d.mode = modeLine
		}
		return
	}

	d.buf = append(d.buf, c)
	idx, res := d.lookup(activePrefix)
	switch res {
	case stagePartial:
		if len(d.buf) < cap(d.buf) {
			return
		}
		d.flush(c)
	case stageFrame:
		d.mode = modeFrame
		d.entry = idx
		u := &d.table[idx]
		if bytes.IndexByte(d.buf[len(u.Prefix):], u.EndMark) >= 0 {
			d.endSeen = true
			d.invoke()
		}
	default:
		d.flush(c)
	}
}

func (d *dispatcher) flush(last byte) {
	for _, b := range d.buf {
		d.solicit(b)
	}
	d.buf = d.buf[:0]
	if last == '\n' {
		d.mode = modeStart
	} else {
		d.mode = modeLine
	}
}

// lookup decides what the staged bytes are. The active item's prefix wins
// over a URC prefix; table order decides between URC entries.
func (d *dispatcher) lookup(activePrefix string) (int, stageResult) {
	staged := string(d.buf)
	if activePrefix != "" && strings.HasPrefix(staged, activePrefix) {
		return -1, stageSolicited
	}
	mayBeActive := activePrefix != "" && strings.HasPrefix(activePrefix, staged)

	partial := false
	for i := range d.table {
		prefix := d.table[i].Prefix
		switch {
		case strings.HasPrefix(staged, prefix):
			if mayBeActive {
				return -1, stagePartial
			}
			return i, stageFrame
		case strings.HasPrefix(prefix, staged):
			partial = true
		}
	}
	if partial {
		return -1, stagePartial
	}
	return -1, stageSolicited
}

func (d *dispatcher) capture(c byte) {
	u := &d.table[d.entry]
	if len(d.buf) == cap(d.buf) {
		d.onDrop(u, len(d.buf))
		d.buf = d.buf[:0]
		d.entry = -1
		d.endSeen = false
		d.need = 0
		if c == '\n' {
			d.mode = modeStart
		} else {
			d.mode = modeSkip
		}
		return
	}

	d.buf = append(d.buf, c)
	if d.need > 0 {
		d.need--
		if d.need == 0 {
			d.invoke()
		}
		return
	}
	if !d.endSeen && c == u.EndMark && len(d.buf) > len(u.Prefix) {
		d.endSeen = true
		d.invoke()
	}
}

func (d *dispatcher) invoke() {
	u := &d.table[d.entry]
	n := u.Handler(d.buf)
	d.onFrame(u, n)
	if n > 0 {
		d.need = n
		return
	}
	d.buf = d.buf[:0]
	d.mode = modeStart
	d.entry = -1
	d.endSeen = false
	d.need = 0
}
