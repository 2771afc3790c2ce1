package engine

import (
	"time"

	"i4.energy/across/atchat/at"
)

const (
	DefaultTimeout = 500 * time.Millisecond
	DefaultRetry   = 2
)

// Callback receives the terminal outcome of an item. It runs on the
// goroutine that calls Process.
type Callback func(r *Response)

// Attr carries the per-item policy.
type Attr struct {
	// Params is handed back untouched in Response.Params and Env.Params.
	Params any
	// Prefix marks where the expected response text begins. Optional.
	Prefix string
	// Suffix marks where the expected response text ends, "OK" when empty.
	Suffix string
	// Callback fires exactly once with the item's outcome. Optional.
	Callback Callback
	// Timeout bounds each attempt, measured from the send.
	Timeout time.Duration
	// Retry is the number of extra attempts after an error or a timeout.
	Retry int
	// Priority orders pending items, higher first. Ties keep FIFO order.
	Priority int
}

// DefaultAttr returns an Attr holding the defaults.
func DefaultAttr() Attr {
	return Attr{
		Suffix:  at.OK,
		Timeout: DefaultTimeout,
		Retry:   DefaultRetry,
	}
}

// Reset restores the defaults, dropping any callback and parameter.
func (a *Attr) Reset() {
	*a = DefaultAttr()
}

// normalized fills unset fields so zero-valued literals behave sanely.
func (a *Attr) normalized() Attr {
	if a == nil {
		return DefaultAttr()
	}
	n := *a
	if n.Suffix == "" {
		n.Suffix = at.OK
	}
	if n.Timeout <= 0 {
		n.Timeout = DefaultTimeout
	}
	if n.Retry < 0 {
		n.Retry = 0
	}
	return n
}

// Response is handed to callbacks.
//
// Prefix and Recv alias the engine receive buffer and stay valid only until
// the next Process tick. Copy what must outlive the callback.
type Response struct {
	Params any
	Code   Code
	// Prefix is the matched span, from the first byte of Attr.Prefix through
	// the end of Attr.Suffix. Without a prefix it is the whole receive buffer.
	// Nil unless Code is CodeOK.
	Prefix []byte
	// Recv is the receive buffer content at completion.
	Recv []byte
}

// Err returns the sentinel error for r.Code.
func (r *Response) Err() error {
	return r.Code.Err()
}
