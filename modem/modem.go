package modem

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"i4.energy/across/atchat/at"
	"i4.energy/across/atchat/engine"
	"i4.energy/across/atchat/logger"
)

// Modem represents a GSM/3G/4G cellular modem that communicates via AT commands.
// All traffic goes through one command engine polled by Loop, so commands
// from any goroutine are serialized on the wire and unsolicited result codes
// are never lost between them.
type Modem struct {
	config Config
	log    logger.Logger

	transport Transport
	port      *Port
	eng       *engine.Engine

	// urcChan receives Unsolicited Result Codes from the modem
	urcChan chan string

	closed  atomic.Bool
	running atomic.Bool

	// sendMu serializes SendSMS and guards lastSend
	sendMu   sync.Mutex
	lastSend time.Time
}

// PollConfig defines configuration for polling operations like waiting for SIM readiness.
type PollConfig struct {
	// Interval is the time between polling attempts
	Interval time.Duration
	// Timeout is the maximum time to wait for the condition
	Timeout time.Duration
	// MaxRetries is the maximum number of polling attempts
	MaxRetries int
}

// New creates a new Modem instance with the given configuration.
// It establishes the transport connection and runs the initialization
// sequence: AT, ATE0, AT+CMEE=2, SIM check (entering the PIN when needed)
// and SMS text mode.
//
// Returns an error if the transport connection or modem initialization
// fails.
func New(ctx context.Context, config Config) (*Modem, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.setDefaults()

	transport, err := config.dialer.Dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("dial modem: %w", err)
	}
	if transport == nil {
		return nil, ErrNotInitialized
	}

	m := &Modem{
		config:    config,
		log:       config.logger.With("component", "modem"),
		transport: transport,
		port:      NewPort(transport),
		urcChan:   make(chan string, 100), // Buffered to prevent blocking on URCs
	}

	engCfg, err := engine.NewConfigBuilder().
		WithAdapter(m.port).
		WithLogger(m.log).
		WithErrorHandler(m.onEngineError).
		Build()
	if err != nil {
		m.port.Close()
		return nil, err
	}
	if m.eng, err = engine.New(engCfg); err != nil {
		m.port.Close()
		return nil, err
	}
	if err := m.eng.SetURC(m.urcTable()); err != nil {
		m.port.Close()
		return nil, err
	}

	initCtx, cancel := context.WithTimeout(ctx, config.initTimeout)
	defer cancel()

	if err := m.initialize(initCtx); err != nil {
		_ = m.eng.Close()
		m.port.Close()
		return nil, fmt.Errorf("initialize modem: %w", err)
	}

	return m, nil
}

// initialize polls the engine on a private goroutine while the init
// sequence runs, since Loop is not started yet.
func (m *Modem) initialize(ctx context.Context) error {
	pollCtx, stop := context.WithCancel(ctx)
	var g errgroup.Group
	g.Go(func() error {
		return m.eng.Run(pollCtx, m.config.tick)
	})

	err := m.init(ctx)
	stop()
	_ = g.Wait()

	return err
}

// Loop polls the command engine until ctx is cancelled or the transport
// stops delivering data. It must be called once after New; exec calls
// block until Loop picks them up.
//
// Usage:
//
//	modem, err := New(ctx, config)
//	if err != nil { return err }
//
//	go modem.Loop(ctx)
//
//	err = modem.SendSMS(ctx, "+306900000000", "hello")
func (m *Modem) Loop(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer m.running.Store(false)

	ticker := time.NewTicker(m.config.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.drain()
			return ctx.Err()

		case <-m.port.Done():
			for m.port.Buffered() {
				m.eng.Process()
			}
			m.drain()
			if err := m.port.Err(); err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("read transport: %w", err)
			}
			return io.EOF

		case <-ticker.C:
			m.eng.Process()
		}
	}
}

// drain aborts outstanding commands and delivers their results so that no
// caller stays blocked once the loop is gone.
func (m *Modem) drain() {
	m.eng.AbortAll()
	m.eng.Process()
}

// URC returns a read-only channel that receives Unsolicited Result Codes.
// These are asynchronous notifications from the modem (e.g., incoming SMS,
// ring, power state). The channel is buffered, but may drop some URC if not
// consumed fast enough.
func (m *Modem) URC() <-chan string {
	return m.urcChan
}

// Stats returns the command engine counters.
func (m *Modem) Stats() engine.Stats {
	return m.eng.Stats()
}

// Close shuts down the modem and releases all resources.
// Pending commands are aborted and the transport is closed, which ends
// Loop. After calling Close(), the modem cannot be reused.
func (m *Modem) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return ErrAlreadyClosed
	}
	_ = m.eng.Close()
	return m.port.Close()
}

func (m *Modem) urcTable() []engine.URC {
	forward := func(frame []byte) int {
		line := strings.TrimRight(string(frame), at.CRLF)
		select {
		case m.urcChan <- line:
		default:
			m.log.Warn("URC channel full, dropping", "urc", line)
		}
		return 0
	}

	table := make([]engine.URC, 0, 4)
	for _, prefix := range []string{at.UrcNewMsg, at.UrcMessageReport, at.UrcCall, at.UrcPower} {
		table = append(table, engine.URC{Prefix: prefix, EndMark: '\n', Handler: forward})
	}
	return table
}

func (m *Modem) onEngineError(err error, r *engine.Response) {
	m.log.Warn("command engine desynchronized", "error", err, "recv", string(r.Recv))
}

// init performs the initial setup sequence for the modem hardware.
// This method is called during New() and must complete successfully
// before the modem can be used.
func (m *Modem) init(ctx context.Context) error {
	// 1. Wake-up / sanity check
	if err := m.expectOK(ctx, at.CmdAt); err != nil {
		return fmt.Errorf("modem not responding: %w", err)
	}

	if err := m.expectOK(ctx, at.CmdEchoOff); err != nil {
		return fmt.Errorf("could not disable echo: %w", err)
	}

	if err := m.expectOK(ctx, at.CmdVerboseErrors); err != nil {
		return fmt.Errorf("could not enable verbose errors: %w", err)
	}

	// 4. Check SIM status
	simStatus, err := m.exec(ctx, at.CmdSimStatus)
	if err != nil {
		return fmt.Errorf("query SIM status: %w", err)
	}

	switch {
	case strings.Contains(simStatus, at.SimReady):
		// OK

	case strings.Contains(simStatus, at.SimPin):
		if m.config.simPIN == "" {
			return ErrSIMPinRequired
		}
		if _, err := m.execf(ctx, `AT+CPIN="%s"`, m.config.simPIN); err != nil {
			return fmt.Errorf("enter SIM PIN: %w", err)
		}

		// Wait until SIM becomes ready
		if err := m.waitForSIMReady(ctx, PollConfig{}); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unsupported SIM state: %q", simStatus)
	}

	// 5. Select SMS text mode
	if err := m.expectOK(ctx, at.CmdSetTextMode); err != nil {
		return fmt.Errorf("set SMS text mode: %w", err)
	}

	m.log.Info("modem initialized")
	return nil
}

// attr returns the policy of plain AT commands.
func (m *Modem) attr() engine.Attr {
	attr := engine.DefaultAttr()
	attr.Timeout = m.config.atTimeout
	attr.Retry = m.config.maxRetries
	return attr
}

// Exec runs one AT command with a caller supplied policy and returns the
// response lines joined by newlines.
func (m *Modem) Exec(ctx context.Context, attr engine.Attr, cmd string) (string, error) {
	return m.call(ctx, &attr, func(a *engine.Attr) error {
		return m.eng.SendLine(a, cmd)
	})
}

// exec sends an AT command with the default policy and waits for the
// response. Loop (or initialize) must be polling the engine.
func (m *Modem) exec(ctx context.Context, cmd string) (string, error) {
	attr := m.attr()
	return m.Exec(ctx, attr, cmd)
}

// execf is exec with a command formatted into the bounded command buffer.
func (m *Modem) execf(ctx context.Context, format string, args ...any) (string, error) {
	attr := m.attr()
	return m.call(ctx, &attr, func(a *engine.Attr) error {
		return m.eng.Exec(a, format, args...)
	})
}

func (m *Modem) call(ctx context.Context, attr *engine.Attr, submit func(a *engine.Attr) error) (string, error) {
	if m.closed.Load() {
		return "", ErrAlreadyClosed
	}
	if m.eng == nil {
		return "", ErrNotInitialized
	}

	code, resp, err := m.eng.Call(ctx, attr, submit)
	text := strings.Join(at.Lines(resp), "\n")
	if err == nil {
		return text, nil
	}
	if code == engine.CodeError {
		if final, ok := at.FinalLine(resp); ok {
			return text, fmt.Errorf("%w: %s", err, final)
		}
	}
	return text, err
}

// expectOK executes an AT command and validates that the response
// contains "OK".
func (m *Modem) expectOK(ctx context.Context, cmd string) error {
	resp, err := m.exec(ctx, cmd)
	if err != nil {
		return err
	}
	if !strings.Contains(resp, at.OK) {
		return fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp)
	}
	return nil
}

// waitForSIMReady polls the SIM card status until it reports ready state.
// This is necessary after entering a SIM PIN, as the SIM card needs time
// to authenticate and become operational. Uses configurable polling interval
// and retry limits to avoid infinite waiting.
func (m *Modem) waitForSIMReady(ctx context.Context, config PollConfig) error {
	var (
		pollInterval = config.Interval
		timeout      = config.Timeout
		maxRetries   = config.MaxRetries
	)

	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxRetries <= 0 {
		maxRetries = int(timeout / pollInterval)
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	retries := 0

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("SIM not ready: %w", ctx.Err())
		case <-ticker.C:
			retries++
			if retries > maxRetries {
				return fmt.Errorf("SIM not ready after %d retries", maxRetries)
			}
			resp, err := m.exec(ctx, at.CmdSimStatus)
			if err != nil {
				// Fail fast on critical errors
				if errors.Is(err, ErrAlreadyClosed) || errors.Is(err, engine.ErrClosed) {
					return fmt.Errorf("SIM status check failed: %w", err)
				}
				continue
			}
			if strings.Contains(resp, at.SimReady) {
				return nil
			}
		}
	}
}
