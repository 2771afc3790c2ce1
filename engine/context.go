package engine

import (
	"context"
	"sync"
)

// Context turns the asynchronous completion of an item into something a
// blocking caller can wait on. It only observes the outcome; timeout and
// retry handling stay with the engine.
//
//	c := engine.NewContext(64)
//	attr := engine.DefaultAttr()
//	c.Attach(&attr)
//	if err := eng.SendLine(&attr, "AT+CSQ"); err != nil { ... }
//	code, err := c.Wait(ctx)
type Context struct {
	mu   sync.Mutex
	done chan struct{}
	code Code
	resp []byte
	size int
}

// NewContext returns a Context keeping at most bufSize bytes of the matched
// response.
func NewContext(bufSize int) *Context {
	return &Context{
		done: make(chan struct{}),
		size: bufSize,
	}
}

// Attach wraps attr's callback so that c completes right after it.
func (c *Context) Attach(attr *Attr) {
	user := attr.Callback
	attr.Callback = func(r *Response) {
		if user != nil {
			user(r)
		}
		c.complete(r)
	}
}

func (c *Context) complete(r *Response) {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
		return
	default:
	}

	c.code = r.Code
	src := r.Prefix
	if src == nil {
		src = r.Recv
	}
	if len(src) > c.size {
		src = src[:c.size]
	}
	c.resp = append(c.resp[:0], src...)
	close(c.done)
}

// Done is closed once the item completed.
func (c *Context) Done() <-chan struct{} {
	return c.done
}

// Finished reports whether the item completed.
func (c *Context) Finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Result returns the result code. Only meaningful once Finished.
func (c *Context) Result() Code {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

// Response returns the copy of the matched span, or of the receive buffer
// when there was no match.
func (c *Context) Response() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resp
}

// Wait blocks until the item completes or ctx is done. The returned error
// is the code's sentinel error, or ctx.Err().
func (c *Context) Wait(ctx context.Context) (Code, error) {
	select {
	case <-c.done:
		code := c.Result()
		return code, code.Err()
	case <-ctx.Done():
		return CodeAbort, ctx.Err()
	}
}
