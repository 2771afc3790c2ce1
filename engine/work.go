package engine

import (
	"time"

	"i4.energy/across/atchat/at"
)

// WorkFunc is a step function. It is called once per tick while its item is
// active and returns true when the exchange is over. Progress between calls
// lives in Env.State and Env.I, never in the function itself.
type WorkFunc func(env *Env) bool

// SenderFunc writes the request of a custom command. The reply is matched
// like a single-line command.
type SenderFunc func(env *Env)

// Env is the execution environment of a step function or a custom sender.
// Every queued item owns its own Env.
type Env struct {
	// State is the caller-defined state of the step function, 0 initially.
	State int
	// I is a spare counter, typically an attempt count.
	I int
	// Params is Attr.Params of the item.
	Params any

	eng      *Engine
	timer    time.Time
	code     Code
	finished bool
}

// Printf formats into the bounded command buffer and writes the result.
// Nothing is written when the text does not fit.
func (env *Env) Printf(format string, args ...any) error {
	buf, err := at.Sprintf(env.eng.cfg.cmdBufSize, format, args...)
	if err != nil {
		return err
	}
	_, err = env.eng.write(buf)
	return err
}

// Println is Printf followed by CRLF.
func (env *Env) Println(format string, args ...any) error {
	buf, err := at.Sprintf(env.eng.cfg.cmdBufSize, format+at.CRLF, args...)
	if err != nil {
		return err
	}
	_, err = env.eng.write(buf)
	return err
}

// Write sends raw bytes.
func (env *Env) Write(p []byte) (int, error) {
	return env.eng.write(p)
}

// Contains returns the receive buffer from the first occurrence of s
// onwards, or nil. The slice is valid until the next tick.
func (env *Env) Contains(s string) []byte {
	return env.eng.recv.contains(s)
}

// RecvBuf returns the bytes received since the last RecvClear.
func (env *Env) RecvBuf() []byte {
	return env.eng.recv.bytes()
}

func (env *Env) RecvLen() int {
	return len(env.eng.recv.bytes())
}

func (env *Env) RecvClear() {
	env.eng.recv.reset()
}

// ResetTimer restarts the item timer used by IsTimeout.
func (env *Env) ResetTimer() {
	env.timer = env.eng.now()
}

// IsTimeout reports whether more than d elapsed since the last ResetTimer,
// or since the item became active.
func (env *Env) IsTimeout(d time.Duration) bool {
	return env.eng.now().Sub(env.timer) > d
}

// Finish ends the item with code once the current step returns,
// whatever the step returns.
func (env *Env) Finish(code Code) {
	env.code = code
	env.finished = true
}
