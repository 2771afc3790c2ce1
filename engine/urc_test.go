package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type dispatchRecorder struct {
	solicited []byte
	drops     int
}

func newTestDispatcher(size int, table []URC) (*dispatcher, *dispatchRecorder) {
	rec := &dispatchRecorder{}
	d := newDispatcher(size)
	d.solicit = func(c byte) { rec.solicited = append(rec.solicited, c) }
	d.onFrame = func(*URC, int) {}
	d.onDrop = func(*URC, int) { rec.drops++ }
	d.setTable(table)
	return d, rec
}

func TestDispatcherRouting(t *testing.T) {
	var frames []string
	table := []URC{
		{Prefix: "+POWER:", EndMark: '\n', Handler: func(f []byte) int {
			frames = append(frames, string(f))
			return 0
		}},
		{Prefix: "RING", EndMark: '\n', Handler: func(f []byte) int {
			frames = append(frames, string(f))
			return 0
		}},
	}

	t.Run("near miss is forwarded in order", func(t *testing.T) {
		frames = nil
		d, rec := newTestDispatcher(32, table)
		d.feed([]byte("+POWEX:1\r\nRIN\r\n"), "")
		assert.Equal(t, "+POWEX:1\r\nRIN\r\n", string(rec.solicited))
		assert.Empty(t, frames)
	})

	t.Run("prefix only matches at line start", func(t *testing.T) {
		frames = nil
		d, rec := newTestDispatcher(32, table)
		d.feed([]byte("ABC RING\r\nRING\r\n"), "")
		assert.Equal(t, "ABC RING\r\n", string(rec.solicited))
		assert.Equal(t, []string{"RING\r\n"}, frames)
	})

	t.Run("split across feeds", func(t *testing.T) {
		frames = nil
		d, rec := newTestDispatcher(32, table)
		d.feed([]byte("+PO"), "")
		d.feed([]byte("WER:0\r"), "")
		d.feed([]byte("\n"), "")
		assert.Empty(t, rec.solicited)
		assert.Equal(t, []string{"+POWER:0\r\n"}, frames)
	})

	t.Run("active prefix longer than the buffer", func(t *testing.T) {
		calls := 0
		d, rec := newTestDispatcher(3, []URC{{Prefix: "+A:", EndMark: '\n', Handler: func([]byte) int {
			calls++
			return 0
		}}})
		d.feed([]byte("+A:LONG 1\r\n"), "+A:LONG")
		assert.Equal(t, "+A:LONG 1\r\n", string(rec.solicited))
		assert.Zero(t, calls)
	})
}

func TestDispatcherRelease(t *testing.T) {
	table := []URC{{Prefix: "+POWER:", EndMark: '\n', Handler: func([]byte) int { return 0 }}}

	t.Run("staged tail goes to the solicited path", func(t *testing.T) {
		d, rec := newTestDispatcher(32, table)
		d.feed([]byte("\x01\x02\n+PO"), "")
		assert.Equal(t, "\x01\x02\n", string(rec.solicited))

		d.release()
		assert.Equal(t, "\x01\x02\n+PO", string(rec.solicited))

		d.feed([]byte("WER\r\n"), "")
		assert.Equal(t, "\x01\x02\n+POWER\r\n", string(rec.solicited))
	})

	t.Run("frame in progress is kept", func(t *testing.T) {
		d, rec := newTestDispatcher(32, table)
		d.feed([]byte("+POWER:"), "")
		d.release()
		assert.Empty(t, rec.solicited)
		assert.Equal(t, modeFrame, d.mode)
	})
}

func TestDispatcherSetTable(t *testing.T) {
	nop := func([]byte) int { return 0 }

	t.Run("staged bytes survive a table swap", func(t *testing.T) {
		d, rec := newTestDispatcher(32, []URC{{Prefix: "+POWER:", EndMark: '\n', Handler: nop}})
		d.feed([]byte("+P"), "")
		assert.Empty(t, rec.solicited)

		d.setTable([]URC{{Prefix: "RING", EndMark: '\n', Handler: nop}})
		d.feed([]byte("ARAM:1\r\nOK\r\n"), "")
		assert.Equal(t, "+PARAM:1\r\nOK\r\n", string(rec.solicited))
	})

	t.Run("line in progress stays solicited", func(t *testing.T) {
		d, rec := newTestDispatcher(32, nil)
		d.feed([]byte("+CSQ: 2"), "")
		d.setTable([]URC{{Prefix: "0", EndMark: '\n', Handler: nop}})
		d.feed([]byte("0,99\r\n"), "")
		assert.Equal(t, "+CSQ: 20,99\r\n", string(rec.solicited))
	})

	t.Run("frame of the old table is dropped", func(t *testing.T) {
		d, rec := newTestDispatcher(32, []URC{{Prefix: "+POWER:", EndMark: '\n', Handler: nop}})
		d.feed([]byte("+POWER:"), "")
		d.setTable(nil)
		d.feed([]byte("1\r\nOK\r\n"), "")
		assert.Equal(t, 1, rec.drops)
		assert.Equal(t, "OK\r\n", string(rec.solicited))
	})
}

func TestDispatcherDrop(t *testing.T) {
	called := 0
	d, rec := newTestDispatcher(8, []URC{{Prefix: "+L:", EndMark: '\n', Handler: func([]byte) int {
		called++
		return 0
	}}})

	d.feed([]byte("+L:0123456789\r\nOK\r\n"), "")
	assert.Equal(t, 1, rec.drops)
	assert.Zero(t, called)
	assert.Equal(t, "OK\r\n", string(rec.solicited))
}

func TestValidateURC(t *testing.T) {
	nop := func([]byte) int { return 0 }

	assert.NoError(t, validateURC(nil, 16))
	assert.NoError(t, validateURC([]URC{{Prefix: "+A:", Handler: nop}, {Prefix: "+B:", Handler: nop}}, 16))
	assert.ErrorIs(t, validateURC([]URC{{Prefix: "+TOO-LONG-PREFIX:", Handler: nop}}, 16), ErrInvalidURC)
	assert.ErrorIs(t, validateURC([]URC{{Prefix: "+A", Handler: nop}, {Prefix: "+A:", Handler: nop}}, 16), ErrAmbiguousURC)
}
