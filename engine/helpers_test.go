package engine_test

import (
	"bytes"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"i4.energy/across/atchat/engine"
	"i4.energy/across/atchat/logger"
)

var errWire = errors.New("wire unplugged")

// fakeAdapter is a scripted transport. Bytes queued with feed are handed out
// by Read; every Write is recorded and passed to reply, which may queue the
// device answer. The first failWrites writes fail with errWire.
type fakeAdapter struct {
	mu         sync.Mutex
	in         bytes.Buffer
	writes     []string
	reply      func(p []byte) string
	failWrites int
}

func (a *fakeAdapter) Read(p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.in.Len() == 0 {
		return 0, nil
	}
	return a.in.Read(p)
}

func (a *fakeAdapter) Write(p []byte) (int, error) {
	a.mu.Lock()
	a.writes = append(a.writes, string(p))
	if a.failWrites > 0 {
		a.failWrites--
		a.mu.Unlock()
		return 0, errWire
	}
	reply := a.reply
	a.mu.Unlock()

	if reply != nil {
		a.feed(reply(p))
	}
	return len(p), nil
}

func (a *fakeAdapter) feed(s string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.in.WriteString(s)
}

func (a *fakeAdapter) written() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.writes)
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	eng   *engine.Engine
	dev   *fakeAdapter
	clock *manualClock
}

func newHarness(t *testing.T, opts ...func(b *engine.ConfigBuilder)) *harness {
	t.Helper()

	h := &harness{dev: &fakeAdapter{}, clock: newManualClock()}
	b := engine.NewConfigBuilder().
		WithAdapter(h.dev).
		WithClock(h.clock.Now).
		WithLogger(logger.Discard())
	for _, opt := range opts {
		opt(b)
	}

	cfg, err := b.Build()
	require.NoError(t, err)
	h.eng, err = engine.New(cfg)
	require.NoError(t, err)

	return h
}

// tick advances the clock by d and runs one Process.
func (h *harness) tick(d time.Duration) {
	h.clock.Advance(d)
	h.eng.Process()
}

// ticks runs n ticks of d each.
func (h *harness) ticks(n int, d time.Duration) {
	for range n {
		h.tick(d)
	}
}

// recorder collects callback outcomes.
type recorder struct {
	mu        sync.Mutex
	responses []engine.Response
}

func (r *recorder) callback(resp *engine.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *resp
	c.Prefix = slices.Clone(resp.Prefix)
	c.Recv = slices.Clone(resp.Recv)
	r.responses = append(r.responses, c)
}

func (r *recorder) codes() []engine.Code {
	r.mu.Lock()
	defer r.mu.Unlock()

	codes := make([]engine.Code, 0, len(r.responses))
	for _, resp := range r.responses {
		codes = append(codes, resp.Code)
	}
	return codes
}

func (r *recorder) last() *engine.Response {
	r.mu.Lock()
	defer r.mu.Unlock()
	resp := r.responses[len(r.responses)-1]
	return &resp
}

func (r *recorder) attr() engine.Attr {
	a := engine.DefaultAttr()
	a.Callback = r.callback
	return a
}

func replyAlways(s string) func([]byte) string {
	return func([]byte) string { return s }
}
