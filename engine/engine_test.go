package engine_test

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"i4.energy/across/atchat/at"
	"i4.energy/across/atchat/engine"
)

const tick = 10 * time.Millisecond

func TestBuild(t *testing.T) {
	t.Run("ErrNoAdapter without adapter", func(t *testing.T) {
		_, err := engine.NewConfigBuilder().Build()
		assert.ErrorIs(t, err, engine.ErrNoAdapter)
	})

	t.Run("defaults applied", func(t *testing.T) {
		h := newHarness(t)
		assert.True(t, h.eng.Idle())
		assert.Zero(t, h.eng.Len())
		assert.Positive(t, h.eng.Stats().CurMemory)
	})
}

func TestSendLine(t *testing.T) {
	t.Run("OK reply completes the item", func(t *testing.T) {
		h := newHarness(t)
		rec := &recorder{}
		attr := rec.attr()
		attr.Params = "job-1"

		require.NoError(t, h.eng.SendLine(&attr, "AT"))
		assert.Equal(t, 1, h.eng.Len())

		h.tick(tick)
		assert.Equal(t, []string{"AT\r\n"}, h.dev.written())

		h.dev.feed("\r\nOK\r\n")
		h.tick(tick)

		require.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
		resp := rec.last()
		assert.Equal(t, "job-1", resp.Params)
		assert.Equal(t, "\r\nOK\r\n", string(resp.Prefix))
		assert.NoError(t, resp.Err())
		assert.True(t, h.eng.Idle())
	})

	t.Run("trailing line ending is not doubled", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.eng.SendLine(nil, "AT+GPIO_TEST_EN=1\r\n"))
		h.tick(tick)
		assert.Equal(t, []string{"AT+GPIO_TEST_EN=1\r\n"}, h.dev.written())
	})

	t.Run("nil attr uses defaults", func(t *testing.T) {
		h := newHarness(t)
		h.dev.reply = replyAlways("OK\r\n")
		require.NoError(t, h.eng.SendLine(nil, "AT"))
		h.ticks(3, tick)
		assert.True(t, h.eng.Idle())
		assert.Equal(t, int64(1), h.eng.Stats().OK)
	})
}

func TestEmptySubmissions(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.eng.SendLine(nil, "  "), engine.ErrEmptyCommand)
	assert.ErrorIs(t, h.eng.SendLine(nil, "\r\n"), engine.ErrEmptyCommand)
	assert.ErrorIs(t, h.eng.SendLines(nil, nil), engine.ErrEmptyCommand)
	assert.ErrorIs(t, h.eng.SendLines(nil, []string{"", " "}), engine.ErrEmptyCommand)
	assert.ErrorIs(t, h.eng.SendData(nil, nil), engine.ErrEmptyCommand)
	assert.ErrorIs(t, h.eng.Custom(nil, nil), engine.ErrEmptyCommand)
	assert.ErrorIs(t, h.eng.DoWork(nil, nil), engine.ErrEmptyCommand)
	assert.Zero(t, h.eng.Len())
}

func TestRetry(t *testing.T) {
	t.Run("error on every attempt sends retry+1 times", func(t *testing.T) {
		h := newHarness(t)
		h.dev.reply = replyAlways("\r\nERROR\r\n")
		rec := &recorder{}
		attr := rec.attr()
		attr.Retry = 2

		require.NoError(t, h.eng.SendLine(&attr, "AT+CPIN?"))
		h.ticks(10, tick)

		assert.Len(t, h.dev.written(), 3)
		assert.Equal(t, []engine.Code{engine.CodeError}, rec.codes())
		assert.ErrorIs(t, rec.last().Err(), engine.ErrProtocol)

		st := h.eng.Stats()
		assert.Equal(t, int64(3), st.Sent)
		assert.Equal(t, int64(2), st.Retries)
		assert.Equal(t, int64(1), st.Errors)
	})

	t.Run("success on a resend", func(t *testing.T) {
		h := newHarness(t)
		n := 0
		h.dev.reply = func([]byte) string {
			n++
			if n == 1 {
				return "ERROR\r\n"
			}
			return "OK\r\n"
		}
		rec := &recorder{}
		attr := rec.attr()

		require.NoError(t, h.eng.SendLine(&attr, "AT"))
		h.ticks(10, tick)

		assert.Len(t, h.dev.written(), 2)
		assert.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
	})
}

func TestTimeout(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	attr := rec.attr()
	attr.Timeout = 100 * time.Millisecond
	attr.Retry = 0

	require.NoError(t, h.eng.SendLine(&attr, "AT"))
	h.tick(0)
	sent := h.clock.Now()

	for range 15 {
		h.tick(tick)
		elapsed := h.clock.Now().Sub(sent)
		if elapsed <= attr.Timeout {
			require.Empty(t, rec.codes(), "timed out early at %v", elapsed)
		}
	}

	require.Equal(t, []engine.Code{engine.CodeTimeout}, rec.codes())
	assert.ErrorIs(t, rec.last().Err(), engine.ErrTimeout)
	assert.Equal(t, int64(1), h.eng.Stats().Timeouts)
}

func TestTimeoutBoundary(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	attr := rec.attr()
	attr.Timeout = 100 * time.Millisecond
	attr.Retry = 0

	require.NoError(t, h.eng.SendLine(&attr, "AT"))
	h.tick(0)
	h.tick(attr.Timeout)
	assert.Empty(t, rec.codes())

	h.tick(tick)
	assert.Equal(t, []engine.Code{engine.CodeTimeout}, rec.codes())
}

func TestPriorityOrder(t *testing.T) {
	h := newHarness(t)
	h.dev.reply = replyAlways("OK\r\n")

	for _, c := range []struct {
		cmd      string
		priority int
	}{
		{"AT+P1", 1},
		{"AT+P5A", 5},
		{"AT+P3", 3},
		{"AT+P5B", 5},
	} {
		attr := engine.DefaultAttr()
		attr.Priority = c.priority
		require.NoError(t, h.eng.SendLine(&attr, c.cmd))
	}
	h.ticks(20, tick)

	assert.Equal(t, []string{"AT+P5A\r\n", "AT+P5B\r\n", "AT+P3\r\n", "AT+P1\r\n"}, h.dev.written())
	assert.True(t, h.eng.Idle())
}

func TestPrefixSuffix(t *testing.T) {
	t.Run("suffix before prefix does not match", func(t *testing.T) {
		h := newHarness(t)
		rec := &recorder{}
		attr := rec.attr()
		attr.Prefix = "+CSQ:"

		require.NoError(t, h.eng.SendLine(&attr, at.CmdSignalQuality))
		h.tick(tick)

		h.dev.feed("OK\r\n+CSQ: 31,99\r\n")
		h.tick(tick)
		assert.Empty(t, rec.codes())

		h.dev.feed("\r\nOK\r\n")
		h.tick(tick)
		require.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
		assert.Equal(t, "+CSQ: 31,99\r\n\r\nOK", string(rec.last().Prefix))
	})

	t.Run("custom suffix", func(t *testing.T) {
		h := newHarness(t)
		rec := &recorder{}
		attr := rec.attr()
		attr.Suffix = at.Prompt

		require.NoError(t, h.eng.SendLine(&attr, `AT+CMGS="+30123"`))
		h.tick(tick)
		h.dev.feed("\r\n> ")
		h.tick(tick)
		assert.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
	})
}

func TestSendLines(t *testing.T) {
	t.Run("each line waits for its answer", func(t *testing.T) {
		h := newHarness(t)
		h.dev.reply = replyAlways("OK\r\n")
		rec := &recorder{}
		attr := rec.attr()

		require.NoError(t, h.eng.SendLines(&attr, []string{at.CmdAt, at.CmdEchoOff, at.CmdVerboseErrors}))
		h.tick(tick)
		assert.Len(t, h.dev.written(), 1)

		h.ticks(10, tick)
		assert.Equal(t, []string{"AT\r\n", "ATE0\r\n", "AT+CMEE=2\r\n"}, h.dev.written())
		assert.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
	})

	t.Run("failing line ends the item", func(t *testing.T) {
		h := newHarness(t)
		h.dev.reply = func(p []byte) string {
			if strings.HasPrefix(string(p), "AT+BAD") {
				return "ERROR\r\n"
			}
			return "OK\r\n"
		}
		rec := &recorder{}
		attr := rec.attr()
		attr.Retry = 1

		require.NoError(t, h.eng.SendLines(&attr, []string{"AT", "AT+BAD", "AT+NEVER"}))
		h.ticks(20, tick)

		assert.Equal(t, []string{"AT\r\n", "AT+BAD\r\n", "AT+BAD\r\n"}, h.dev.written())
		assert.Equal(t, []engine.Code{engine.CodeError}, rec.codes())
	})
}

func TestExec(t *testing.T) {
	t.Run("formats the command", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.eng.Exec(nil, "AT+CMGR=%d", 3))
		h.tick(tick)
		assert.Equal(t, []string{"AT+CMGR=3\r\n"}, h.dev.written())
	})

	t.Run("oversized command is rejected", func(t *testing.T) {
		h := newHarness(t, func(b *engine.ConfigBuilder) { b.WithCmdBufSize(8) })
		err := h.eng.Exec(nil, "AT+%s", "LONGCOMMAND")
		assert.ErrorIs(t, err, at.ErrTruncated)
		assert.Zero(t, h.eng.Len())
	})
}

func xor(p []byte) byte {
	var c byte
	for _, b := range p {
		c ^= b
	}
	return c
}

func TestSendData(t *testing.T) {
	h := newHarness(t)
	h.dev.reply = replyAlways("\r\nSEND OK\r\n")
	rec := &recorder{}
	attr := rec.attr()
	attr.Suffix = "SEND OK"

	payload := []byte{0x01, 0x02, 0xfe, 0x00, 0xff}
	frame := append([]byte{xor(payload)}, payload...)
	require.NoError(t, h.eng.SendData(&attr, frame))
	frame[0] = 0

	h.ticks(3, tick)

	require.Len(t, h.dev.written(), 1)
	sent := []byte(h.dev.written()[0])
	assert.Equal(t, xor(payload), sent[0])
	assert.Equal(t, payload, sent[1:])
	assert.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
}

func TestCustom(t *testing.T) {
	h := newHarness(t)
	h.dev.reply = replyAlways("OK\r\n")
	rec := &recorder{}
	attr := rec.attr()
	attr.Params = 7

	calls := 0
	require.NoError(t, h.eng.Custom(&attr, func(env *engine.Env) {
		calls++
		require.NoError(t, env.Println("AT+GPIO=%d", env.Params))
	}))
	h.ticks(3, tick)

	assert.Equal(t, 1, calls)
	assert.Equal(t, []string{"AT+GPIO=7\r\n"}, h.dev.written())
	assert.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
}

func TestDoWork(t *testing.T) {
	readCSQ := func(rssi *int) engine.WorkFunc {
		return func(env *engine.Env) bool {
			switch env.State {
			case 0:
				_ = env.Println(at.CmdSignalQuality)
				env.ResetTimer()
				env.State++
			case 1:
				if resp := env.Contains("+CSQ:"); resp != nil && env.Contains(at.OK) != nil {
					fmt.Sscanf(string(resp), "+CSQ:%d", rssi)
					return true
				}
				if env.IsTimeout(time.Second) {
					if env.I++; env.I > 2 {
						env.Finish(engine.CodeTimeout)
						return true
					}
					env.State = 0
				}
			}
			return false
		}
	}

	t.Run("reads signal quality", func(t *testing.T) {
		h := newHarness(t)
		h.dev.reply = replyAlways("\r\n+CSQ:31,99\r\n\r\nOK\r\n")
		rec := &recorder{}
		attr := rec.attr()

		var rssi int
		require.NoError(t, h.eng.DoWork(&attr, readCSQ(&rssi)))
		h.ticks(3, tick)

		assert.Equal(t, 31, rssi)
		assert.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
	})

	t.Run("gives up after three silent attempts", func(t *testing.T) {
		h := newHarness(t)
		rec := &recorder{}
		attr := rec.attr()

		var rssi int
		require.NoError(t, h.eng.DoWork(&attr, readCSQ(&rssi)))
		h.ticks(15, 500*time.Millisecond)

		assert.Len(t, h.dev.written(), 3)
		assert.Equal(t, []engine.Code{engine.CodeTimeout}, rec.codes())
	})

	t.Run("binary transfer", func(t *testing.T) {
		h := newHarness(t)
		payload := []byte("\x10\x20\x30\x40")
		h.dev.reply = func(p []byte) string {
			if strings.HasPrefix(string(p), "AT+BINDAT") {
				return "\r\n> "
			}
			if len(p) == len(payload)+1 && p[0] == xor(payload) {
				return "\r\nOK\r\n"
			}
			return "\r\nERROR\r\n"
		}
		rec := &recorder{}
		attr := rec.attr()

		require.NoError(t, h.eng.DoWork(&attr, func(env *engine.Env) bool {
			switch env.State {
			case 0:
				_ = env.Println("AT+BINDAT=%d", len(payload))
				env.State++
			case 1:
				if env.Contains(at.Prompt) != nil {
					env.RecvClear()
					_, _ = env.Write(append([]byte{xor(payload)}, payload...))
					env.State++
				}
			case 2:
				if env.Contains(at.OK) != nil {
					return true
				}
				if env.Contains(at.ERROR) != nil {
					env.Finish(engine.CodeError)
				}
			}
			return false
		}))
		h.ticks(5, tick)

		assert.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
		assert.Len(t, h.dev.written(), 2)
	})

	t.Run("payload ending like a URC prefix", func(t *testing.T) {
		h := newHarness(t)
		payload := []byte{0x01, 0x02, '\n', '+'}
		h.dev.reply = replyAlways(string(payload))
		urcs := 0
		require.NoError(t, h.eng.SetURC([]engine.URC{{
			Prefix:  at.UrcPower,
			EndMark: '\n',
			Handler: func([]byte) int { urcs++; return 0 },
		}}))
		rec := &recorder{}
		attr := rec.attr()

		var got []byte
		require.NoError(t, h.eng.DoWork(&attr, func(env *engine.Env) bool {
			switch env.State {
			case 0:
				_ = env.Println("AT+READ=%d", len(payload))
				env.ResetTimer()
				env.State++
			case 1:
				if env.RecvLen() >= len(payload) {
					got = slices.Clone(env.RecvBuf())
					return true
				}
				if env.IsTimeout(time.Second) {
					env.Finish(engine.CodeTimeout)
					return true
				}
			}
			return false
		}))
		h.ticks(3, tick)

		assert.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
		assert.Equal(t, payload, got)
		assert.Zero(t, urcs)
	})
}

func TestURC(t *testing.T) {
	t.Run("line URC while idle", func(t *testing.T) {
		h := newHarness(t)
		var frames []string
		require.NoError(t, h.eng.SetURC([]engine.URC{{
			Prefix:  at.UrcPower,
			EndMark: '\n',
			Handler: func(frame []byte) int {
				frames = append(frames, string(frame))
				return 0
			},
		}}))

		h.dev.feed("+POWER:1\r\n")
		h.tick(tick)

		assert.Equal(t, []string{"+POWER:1\r\n"}, frames)
		assert.Equal(t, int64(1), h.eng.Stats().URCFrames)
		assert.Zero(t, h.eng.Stats().Orphans)
	})

	t.Run("URC interleaved with a response", func(t *testing.T) {
		h := newHarness(t)
		var frames []string
		require.NoError(t, h.eng.SetURC([]engine.URC{{
			Prefix:  at.UrcPower,
			EndMark: '\n',
			Handler: func(frame []byte) int {
				frames = append(frames, string(frame))
				return 0
			},
		}}))
		rec := &recorder{}
		attr := rec.attr()
		attr.Prefix = "+CSQ:"

		require.NoError(t, h.eng.SendLine(&attr, at.CmdSignalQuality))
		h.tick(tick)
		h.dev.feed("\r\n+POWER:0\r\n+CSQ: 20,99\r\n\r\nOK\r\n")
		h.tick(tick)

		assert.Equal(t, []string{"+POWER:0\r\n"}, frames)
		require.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
		assert.Equal(t, "+CSQ: 20,99\r\n\r\nOK", string(rec.last().Prefix))
	})

	t.Run("active prefix wins over URC prefix", func(t *testing.T) {
		h := newHarness(t)
		urcs := 0
		require.NoError(t, h.eng.SetURC([]engine.URC{{
			Prefix:  "+CSQ:",
			EndMark: '\n',
			Handler: func([]byte) int { urcs++; return 0 },
		}}))
		rec := &recorder{}
		attr := rec.attr()
		attr.Prefix = "+CSQ:"

		require.NoError(t, h.eng.SendLine(&attr, at.CmdSignalQuality))
		h.tick(tick)
		h.dev.feed("+CSQ: 20,99\r\nOK\r\n")
		h.tick(tick)

		assert.Zero(t, urcs)
		assert.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())

		h.dev.feed("+CSQ: 5,99\r\n")
		h.tick(tick)
		assert.Equal(t, 1, urcs)
	})

	t.Run("socket data arrives in two bursts", func(t *testing.T) {
		h := newHarness(t)
		var frames []string
		require.NoError(t, h.eng.SetURC([]engine.URC{{
			Prefix:  at.UrcSocketData,
			EndMark: ':',
			Handler: func(frame []byte) int {
				frames = append(frames, string(frame))
				head, body, _ := strings.Cut(string(frame), ":")
				fields := strings.Split(strings.TrimPrefix(head, at.UrcSocketData), ",")
				size, err := strconv.Atoi(fields[len(fields)-1])
				if err != nil {
					return 0
				}
				if missing := size - len(body); missing > 0 {
					return missing
				}
				return 0
			},
		}}))

		h.dev.feed("+IPD,0,5:")
		h.tick(tick)
		h.dev.feed("HE")
		h.tick(tick)
		assert.Len(t, frames, 1)
		h.dev.feed("LLO")
		h.tick(tick)

		assert.Equal(t, []string{"+IPD,0,5:", "+IPD,0,5:HELLO"}, frames)
		assert.Zero(t, h.eng.Stats().Orphans)
	})

	t.Run("oversized frame is dropped", func(t *testing.T) {
		h := newHarness(t, func(b *engine.ConfigBuilder) { b.WithURCBufSize(16) })
		calls := 0
		require.NoError(t, h.eng.SetURC([]engine.URC{{
			Prefix:  "+LONG:",
			EndMark: '\n',
			Handler: func([]byte) int { calls++; return 0 },
		}}))

		h.dev.feed("+LONG:" + strings.Repeat("x", 40) + "\r\n")
		h.tick(tick)
		h.dev.feed("+LONG:1\r\n")
		h.tick(tick)

		assert.Equal(t, 1, calls)
		assert.Equal(t, int64(1), h.eng.Stats().URCDrops)
	})
}

func TestSetURCValidation(t *testing.T) {
	h := newHarness(t)
	nop := func([]byte) int { return 0 }

	assert.ErrorIs(t, h.eng.SetURC([]engine.URC{{Prefix: "", Handler: nop}}), engine.ErrInvalidURC)
	assert.ErrorIs(t, h.eng.SetURC([]engine.URC{{Prefix: "+X:"}}), engine.ErrInvalidURC)
	assert.ErrorIs(t, h.eng.SetURC([]engine.URC{
		{Prefix: "+IP", Handler: nop},
		{Prefix: "+IPD,", Handler: nop},
	}), engine.ErrAmbiguousURC)
	assert.NoError(t, h.eng.SetURC(nil))
}

func TestOrphans(t *testing.T) {
	h := newHarness(t)
	h.dev.feed("\r\nRING\r\n")
	h.tick(tick)
	assert.Equal(t, int64(8), h.eng.Stats().Orphans)
}

func TestBufferOverrun(t *testing.T) {
	var reported []error
	h := newHarness(t, func(b *engine.ConfigBuilder) {
		b.WithRecvBufSize(16).WithErrorHandler(func(err error, r *engine.Response) {
			reported = append(reported, err)
		})
	})
	rec := &recorder{}
	attr := rec.attr()
	attr.Retry = 0
	attr.Timeout = time.Hour

	require.NoError(t, h.eng.SendLine(&attr, "AT"))
	h.tick(tick)
	h.dev.feed(strings.Repeat("x", 32))
	h.tick(tick)

	require.Len(t, reported, 1)
	assert.ErrorIs(t, reported[0], engine.ErrBufferOverrun)
	assert.Equal(t, []engine.Code{engine.CodeTimeout}, rec.codes())
	assert.Equal(t, int64(1), h.eng.Stats().Overruns)
}

func TestQueueFull(t *testing.T) {
	h := newHarness(t, func(b *engine.ConfigBuilder) { b.WithMaxPending(2) })

	require.NoError(t, h.eng.SendLine(nil, "AT"))
	require.NoError(t, h.eng.SendLine(nil, "AT"))
	assert.ErrorIs(t, h.eng.SendLine(nil, "AT"), engine.ErrQueueFull)
	assert.Equal(t, 2, h.eng.Len())
}

func TestAbortAll(t *testing.T) {
	t.Run("abort during retry", func(t *testing.T) {
		h := newHarness(t)
		h.dev.reply = replyAlways("ERROR\r\n")
		active, pending := &recorder{}, &recorder{}
		a1, a2 := active.attr(), pending.attr()
		a1.Retry = 5

		require.NoError(t, h.eng.SendLine(&a1, "AT+A"))
		require.NoError(t, h.eng.SendLine(&a2, "AT+B"))
		h.ticks(3, tick)
		sent := len(h.dev.written())

		h.eng.AbortAll()
		assert.Zero(t, h.eng.Len())
		assert.False(t, h.eng.Idle())

		h.ticks(5, tick)

		assert.Equal(t, []engine.Code{engine.CodeAbort}, active.codes())
		assert.Equal(t, []engine.Code{engine.CodeAbort}, pending.codes())
		assert.Len(t, h.dev.written(), sent)
		assert.True(t, h.eng.Idle())
		assert.Equal(t, int64(2), h.eng.Stats().Aborts)
	})

	t.Run("new submissions run after abort", func(t *testing.T) {
		h := newHarness(t)
		rec := &recorder{}
		a1 := rec.attr()
		require.NoError(t, h.eng.SendLine(&a1, "AT+A"))
		h.tick(tick)

		h.eng.AbortAll()
		h.dev.reply = replyAlways("OK\r\n")
		a2 := rec.attr()
		require.NoError(t, h.eng.SendLine(&a2, "AT+B"))
		h.ticks(3, tick)

		assert.Equal(t, []engine.Code{engine.CodeAbort, engine.CodeOK}, rec.codes())
	})

	t.Run("busy until the active abort is delivered", func(t *testing.T) {
		h := newHarness(t)
		rec := &recorder{}
		attr := rec.attr()
		require.NoError(t, h.eng.SendLine(&attr, "AT+A"))
		h.tick(tick)

		h.eng.AbortAll()
		assert.Zero(t, h.eng.Len())
		assert.False(t, h.eng.Idle())
		assert.Empty(t, rec.codes())

		h.tick(tick)
		assert.Equal(t, []engine.Code{engine.CodeAbort}, rec.codes())
		assert.True(t, h.eng.Idle())
	})
}

func TestWriteFailure(t *testing.T) {
	t.Run("retried without waiting for the timeout", func(t *testing.T) {
		h := newHarness(t)
		h.dev.failWrites = 1
		h.dev.reply = replyAlways("\r\nOK\r\n")
		rec := &recorder{}
		attr := rec.attr()

		require.NoError(t, h.eng.SendLine(&attr, "AT"))
		h.tick(tick)
		h.tick(tick)
		h.tick(tick)

		assert.Equal(t, []string{"AT\r\n", "AT\r\n"}, h.dev.written())
		assert.Equal(t, []engine.Code{engine.CodeOK}, rec.codes())
		assert.Equal(t, int64(1), h.eng.Stats().Retries)
	})

	t.Run("fails once retries are spent", func(t *testing.T) {
		h := newHarness(t)
		h.dev.failWrites = 10
		rec := &recorder{}
		attr := rec.attr()
		attr.Retry = 1

		require.NoError(t, h.eng.SendLine(&attr, "AT"))
		h.ticks(3, tick)

		assert.Len(t, h.dev.written(), 2)
		assert.Equal(t, []engine.Code{engine.CodeError}, rec.codes())
	})
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	attr := rec.attr()
	require.NoError(t, h.eng.SendLine(&attr, "AT"))

	require.NoError(t, h.eng.Close())
	assert.ErrorIs(t, h.eng.SendLine(nil, "AT"), engine.ErrClosed)

	h.tick(tick)
	assert.Equal(t, []engine.Code{engine.CodeAbort}, rec.codes())
	assert.Zero(t, h.eng.Len())
}

func TestMemoryCounters(t *testing.T) {
	h := newHarness(t)
	h.dev.reply = replyAlways("OK\r\n")
	base := h.eng.Stats().CurMemory

	require.NoError(t, h.eng.SendLine(nil, "AT+CGSN"))
	require.NoError(t, h.eng.SendLine(nil, "AT+CGSN"))
	peak := h.eng.Stats().CurMemory
	assert.Greater(t, peak, base)

	h.ticks(10, tick)
	st := h.eng.Stats()
	assert.Equal(t, base, st.CurMemory)
	assert.Equal(t, peak, st.MaxMemory)
}

func TestExecSync(t *testing.T) {
	t.Run("succeeds on the second attempt", func(t *testing.T) {
		h := newHarness(t)
		n := 0
		h.dev.reply = func([]byte) string {
			n++
			if n == 1 {
				return "\r\nERROR\r\n"
			}
			return "\r\n+VER:V1.02\r\n\r\nOK\r\n"
		}

		ctx, cancel := context.WithCancel(context.Background())
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return h.eng.Run(gctx, time.Millisecond) })

		attr := engine.DefaultAttr()
		attr.Prefix = "+VER:"
		code, resp, err := h.eng.ExecSync(context.Background(), &attr, "AT+%s", "VER")

		cancel()
		assert.ErrorIs(t, g.Wait(), context.Canceled)

		require.NoError(t, err)
		assert.Equal(t, engine.CodeOK, code)
		assert.Equal(t, "+VER:V1.02\r\n\r\nOK", string(resp))
		assert.Len(t, h.dev.written(), 2)
	})

	t.Run("context deadline", func(t *testing.T) {
		h := newHarness(t)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		code, _, err := h.eng.ExecSync(ctx, nil, "AT")
		assert.Equal(t, engine.CodeAbort, code)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("submission error", func(t *testing.T) {
		h := newHarness(t)
		require.NoError(t, h.eng.Close())

		_, _, err := h.eng.ExecSync(context.Background(), nil, "AT")
		assert.ErrorIs(t, err, engine.ErrClosed)
	})
}
