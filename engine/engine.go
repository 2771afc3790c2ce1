// Package engine is an asynchronous command/response engine for AT-style
// text protocols over a byte transport.
//
// One Engine drives one transport. Callers queue commands, command
// sequences, custom senders and step functions; the owning goroutine calls
// Process once per tick. Each tick reads what the transport has, routes it
// to the active exchange or to the URC table, and moves exactly one item
// through send, wait, retry and completion. Every queued item completes
// exactly once with CodeOK, CodeError, CodeTimeout or CodeAbort.
//
// Submissions and AbortAll may come from any goroutine. Process, the
// receive buffer, callbacks, URC handlers and step functions all live on
// the polling goroutine.
package engine

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync"
	"time"

	"i4.energy/across/atchat/at"
	"i4.energy/across/atchat/logger"
)

// Engine multiplexes one half-duplex channel across queued exchanges.
type Engine struct {
	cfg   Config
	log   logger.Logger
	lock  sync.Locker
	stats *counters

	// guarded by lock
	queue    workQueue
	aborted  []*item
	abortGen uint64
	busy     bool
	closed   bool
	seq      uint64
	table    []URC
	tableSet bool

	// set while the aborted active item awaits its callback
	abortingActive bool

	// polling goroutine only
	active  *item
	recv    *recvBuffer
	urc     *dispatcher
	rx      []byte
	orphans int
}

// New creates an Engine from a Config made by ConfigBuilder.
func New(cfg Config) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	e := &Engine{
		cfg:   cfg,
		log:   cfg.logger,
		lock:  cfg.locker,
		stats: newCounters(),
		recv:  newRecvBuffer(cfg.recvBufSize),
		urc:   newDispatcher(cfg.urcBufSize),
		rx:    make([]byte, cfg.recvBufSize),
	}
	e.urc.solicit = e.solicit
	e.urc.onFrame = e.urcFrame
	e.urc.onDrop = e.urcDrop
	e.stats.alloc(int64(2*cfg.recvBufSize + cfg.urcBufSize))

	return e, nil
}

// SendLine queues a single command; CRLF is appended.
func (e *Engine) SendLine(attr *Attr, cmd string) error {
	cmd = strings.TrimRight(cmd, at.CRLF)
	if strings.TrimSpace(cmd) == "" {
		return ErrEmptyCommand
	}
	return e.submit(attr, &item{kind: kindLine, cmd: []byte(cmd + at.CRLF)})
}

// SendLines queues a sequence of commands as one exchange. Each line must
// be answered before the next is sent; retries apply to the failing line
// and draw on the item's single retry budget.
func (e *Engine) SendLines(attr *Attr, cmds []string) error {
	lines := make([]string, 0, len(cmds))
	for _, c := range cmds {
		c = strings.TrimRight(c, at.CRLF)
		if strings.TrimSpace(c) == "" {
			continue
		}
		lines = append(lines, c)
	}
	if len(lines) == 0 {
		return ErrEmptyCommand
	}
	return e.submit(attr, &item{kind: kindLines, lines: lines})
}

// Exec formats a command into the bounded command buffer and queues it.
// A command that does not fit is rejected with at.ErrTruncated.
func (e *Engine) Exec(attr *Attr, format string, args ...any) error {
	cmd, err := at.Sprintf(e.cfg.cmdBufSize, format, args...)
	if err != nil {
		return fmt.Errorf("engine: format command: %w", err)
	}
	return e.SendLine(attr, string(cmd))
}

// SendData queues raw bytes as a command. Nothing is appended.
func (e *Engine) SendData(attr *Attr, data []byte) error {
	if len(data) == 0 {
		return ErrEmptyCommand
	}
	return e.submit(attr, &item{kind: kindData, cmd: slices.Clone(data)})
}

// Custom queues a command whose request is written by sender, on every
// attempt.
func (e *Engine) Custom(attr *Attr, sender SenderFunc) error {
	if sender == nil {
		return ErrEmptyCommand
	}
	return e.submit(attr, &item{kind: kindSender, sender: sender})
}

// DoWork queues a step function. Attr timeout and retry do not apply to
// work; the step function owns its timing through Env.
func (e *Engine) DoWork(attr *Attr, work WorkFunc) error {
	if work == nil {
		return ErrEmptyCommand
	}
	return e.submit(attr, &item{kind: kindWork, work: work})
}

// Call attaches a Context to a copy of attr, submits through submit and
// waits for completion or ctx. Someone else must be calling Process.
func (e *Engine) Call(ctx context.Context, attr *Attr, submit func(a *Attr) error) (Code, []byte, error) {
	a := attr.normalized()
	c := NewContext(e.cfg.recvBufSize)
	c.Attach(&a)
	if err := submit(&a); err != nil {
		return CodeError, nil, err
	}
	code, err := c.Wait(ctx)
	return code, c.Response(), err
}

// ExecSync is Exec followed by a wait for the outcome.
func (e *Engine) ExecSync(ctx context.Context, attr *Attr, format string, args ...any) (Code, []byte, error) {
	return e.Call(ctx, attr, func(a *Attr) error {
		return e.Exec(a, format, args...)
	})
}

func (e *Engine) submit(attr *Attr, it *item) error {
	it.attr = attr.normalized()
	it.retry = it.attr.Retry
	it.env.Params = it.attr.Params
	it.env.eng = e
	it.size = it.footprint()

	e.lock.Lock()
	defer e.lock.Unlock()

	if e.closed {
		return ErrClosed
	}
	if e.queue.len() >= e.cfg.maxPending {
		return ErrQueueFull
	}
	e.seq++
	it.seq = e.seq
	e.queue.push(it)
	e.stats.alloc(it.size)

	return nil
}

// AbortAll cancels the active item and every pending one. The queue is
// empty when AbortAll returns; each cancelled item gets exactly one
// CodeAbort callback on the next tick and nothing after it.
func (e *Engine) AbortAll() {
	e.lock.Lock()
	defer e.lock.Unlock()

	e.aborted = append(e.aborted, e.queue.drain()...)
	e.abortGen++
	if e.busy {
		e.abortingActive = true
	}
	e.busy = false
}

// Close aborts everything and rejects further submissions.
func (e *Engine) Close() error {
	e.lock.Lock()
	e.closed = true
	e.lock.Unlock()

	e.AbortAll()
	return nil
}

// SetURC replaces the URC table. Entries are tried in order; prefixes must
// be non-empty and none may start another.
func (e *Engine) SetURC(table []URC) error {
	if err := validateURC(table, e.cfg.urcBufSize); err != nil {
		return err
	}

	e.lock.Lock()
	defer e.lock.Unlock()

	e.table = slices.Clone(table)
	e.tableSet = true
	return nil
}

// Len returns the number of pending items plus the active one.
func (e *Engine) Len() int {
	e.lock.Lock()
	defer e.lock.Unlock()

	n := e.queue.len()
	if e.busy {
		n++
	}
	return n
}

// Idle reports whether nothing is active, pending or awaiting its abort
// notification.
func (e *Engine) Idle() bool {
	e.lock.Lock()
	defer e.lock.Unlock()

	return e.queue.len() == 0 && !e.busy && len(e.aborted) == 0 && !e.abortingActive
}

func (e *Engine) Stats() Stats {
	s := e.stats.snapshot()

	e.lock.Lock()
	s.Pending = e.queue.len()
	e.lock.Unlock()

	return s
}

// Run calls Process every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Process()
		}
	}
}

// Process runs one tick. It never blocks as long as the adapter does not.
func (e *Engine) Process() {
	now := e.now()

	e.lock.Lock()
	aborted := e.aborted
	e.aborted = nil
	abortActive := e.active != nil && e.active.gen != e.abortGen
	table, swap := e.table, e.tableSet
	e.tableSet = false
	e.lock.Unlock()

	if swap {
		e.orphans = 0
		e.urc.setTable(table)
		e.countOrphans()
	}

	if abortActive {
		e.finalize(e.active, CodeAbort, nil)
	}
	for _, it := range aborted {
		e.finalize(it, CodeAbort, nil)
	}
	if abortActive {
		e.lock.Lock()
		e.abortingActive = false
		e.lock.Unlock()
	}

	e.receive()

	if e.active == nil {
		if e.active = e.next(); e.active == nil {
			return
		}
		e.activate(e.active, now)
	}
	e.drive(e.active, now)
}

func (e *Engine) now() time.Time {
	return e.cfg.clock()
}

func (e *Engine) next() *item {
	e.lock.Lock()
	defer e.lock.Unlock()

	it := e.queue.pop()
	if it != nil {
		it.gen = e.abortGen
		e.busy = true
	}
	return it
}

func (e *Engine) receive() {
	n, err := e.cfg.adapter.Read(e.rx)
	if err != nil {
		e.log.Warn("engine: read failed", "error", err)
	}
	if n <= 0 {
		return
	}

	prefix := ""
	if e.active != nil {
		prefix = e.active.attr.Prefix
	}

	e.orphans = 0
	e.urc.feed(e.rx[:n], prefix)
	if e.active != nil {
		e.urc.release()
	}
	e.countOrphans()
}

func (e *Engine) countOrphans() {
	if e.orphans > 0 {
		e.stats.orphans.Add(int64(e.orphans))
		e.log.Debug("engine: dropped unsolicited bytes", "count", e.orphans)
	}
}

func (e *Engine) solicit(c byte) {
	if e.active == nil {
		e.orphans++
		return
	}
	e.recv.put(c)
}

func (e *Engine) urcFrame(u *URC, need int) {
	e.stats.urcFrames.Inc()
	e.log.Debug("engine: urc", "prefix", u.Prefix, "need", need)
}

func (e *Engine) urcDrop(u *URC, size int) {
	e.stats.urcDrops.Inc()
	e.log.Warn("engine: urc frame exceeds buffer, dropped", "prefix", u.Prefix, "size", size)
}

func (e *Engine) activate(it *item, now time.Time) {
	it.stage = stageSend
	it.env.timer = now
	e.recv.reset()
	e.log.Debug("engine: item active", "seq", it.seq, "kind", it.kind.String(), "priority", it.attr.Priority)
}

func (e *Engine) drive(it *item, now time.Time) {
	switch {
	case it.kind == kindWork:
		e.step(it)
	case it.stage == stageSend:
		e.send(it, now)
	default:
		e.evaluate(it, now)
	}
}

func (e *Engine) send(it *item, now time.Time) {
	e.recv.reset()

	var err error
	switch it.kind {
	case kindLine, kindData:
		_, err = e.write(it.cmd)
	case kindLines:
		_, err = e.write([]byte(it.lines[it.line] + at.CRLF))
	case kindSender:
		it.sender(&it.env)
	}

	it.sent = now
	it.stage = stageWait
	e.stats.sent.Inc()
	e.log.Debug("engine: sent", "seq", it.seq, "cmd", strings.TrimRight(it.describe(), at.CRLF),
		"attempt", it.attr.Retry-it.retry+1)

	// a failed write counts as a failed attempt
	if err != nil {
		e.fail(it, CodeError)
	}
}

func (e *Engine) evaluate(it *item, now time.Time) {
	v, span := e.recv.classify(it, now)
	if v == stillPending && e.recv.full() {
		e.overrun(it)
		v = timedOut
	}

	switch v {
	case stillPending:
		return
	case matchedOK:
		if it.kind == kindLines && it.line+1 < len(it.lines) {
			it.line++
			it.stage = stageSend
			return
		}
		e.finalize(it, CodeOK, span)
	case matchedError:
		e.fail(it, CodeError)
	case timedOut:
		e.fail(it, CodeTimeout)
	}
}

func (e *Engine) step(it *item) {
	done := it.work(&it.env)
	if it.env.finished {
		e.finalize(it, it.env.code, nil)
		return
	}
	if done {
		e.finalize(it, CodeOK, nil)
		return
	}
	if e.recv.full() {
		e.overrun(it)
		e.finalize(it, CodeTimeout, nil)
	}
}

// fail applies the retry policy to an error or timeout outcome.
func (e *Engine) fail(it *item, code Code) {
	if it.retry > 0 {
		it.retry--
		it.stage = stageSend
		e.stats.retries.Inc()
		e.log.Debug("engine: retry", "seq", it.seq, "cmd", strings.TrimRight(it.describe(), at.CRLF),
			"reason", code.String(), "left", it.retry)
		return
	}
	e.finalize(it, code, nil)
}

func (e *Engine) overrun(it *item) {
	e.stats.overruns.Inc()
	e.log.Warn("engine: receive buffer full without terminal match",
		"seq", it.seq, "size", cap(e.recv.buf), "dropped", e.recv.overflow)
	if e.cfg.onError != nil {
		e.cfg.onError(ErrBufferOverrun, &Response{
			Params: it.attr.Params,
			Code:   CodeTimeout,
			Recv:   e.recv.bytes(),
		})
	}
	e.recv.reset()
}

func (e *Engine) finalize(it *item, code Code, span []byte) {
	if it.done {
		return
	}
	it.done = true

	var recv []byte
	if e.active == it {
		recv = e.recv.bytes()
		e.active = nil
		e.lock.Lock()
		e.busy = false
		e.lock.Unlock()
	}

	e.stats.result(code)
	e.stats.free(it.size)

	switch code {
	case CodeOK, CodeAbort:
		e.log.Debug("engine: item done", "seq", it.seq, "code", code.String())
	default:
		e.log.Warn("engine: item failed", "seq", it.seq, "cmd", strings.TrimRight(it.describe(), at.CRLF),
			"code", code.String())
	}

	if it.attr.Callback == nil {
		return
	}
	r := &Response{Params: it.attr.Params, Code: code, Recv: recv}
	if code == CodeOK {
		r.Prefix = span
	}
	it.attr.Callback(r)
}

func (e *Engine) write(p []byte) (int, error) {
	n, err := e.cfg.adapter.Write(p)
	if err != nil {
		e.log.Warn("engine: write failed", "error", err)
		return n, err
	}
	if n < len(p) {
		e.log.Warn("engine: short write", "written", n, "size", len(p))
		return n, io.ErrShortWrite
	}
	return n, nil
}
