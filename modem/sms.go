package modem

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"i4.energy/across/atchat/at"
	"i4.energy/across/atchat/engine"
)

// smsState is the progress of one AT+CMGS exchange.
type smsState int

const (
	smsCommand smsState = iota // send AT+CMGS
	smsPrompt                  // wait for "> "
	smsResult                  // text sent, wait for +CMGS and OK
)

// SendSMS sends a text message to the specified recipient.
//
// The message is sent in text mode (not PDU mode). The recipient should be
// in international format (e.g., "+1234567890"). Consecutive sends are
// spaced by the configured minimum send interval.
//
// This method blocks until the message is accepted by the network or an error
// occurs. Network delivery (to the final recipient) happens asynchronously.
func (m *Modem) SendSMS(ctx context.Context, recipient, message string) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	if err := m.throttle(ctx); err != nil {
		return err
	}

	var reached atomic.Int32
	attr := engine.DefaultAttr()
	attr.Retry = 0
	attr.Params = recipient

	_, err := m.call(ctx, &attr, func(a *engine.Attr) error {
		return m.eng.DoWork(a, m.smsWork(recipient, message, &reached))
	})
	m.lastSend = time.Now()

	switch {
	case err == nil:
		m.log.Info("SMS accepted", "to", recipient, "length", len(message))
		return nil
	case smsState(reached.Load()) < smsResult:
		return fmt.Errorf("%w: %w", ErrNoPrompt, err)
	default:
		return fmt.Errorf("SMS send failed: %w", err)
	}
}

// smsWork drives AT+CMGS as a step function. Prompt and result waits are
// bounded separately: the prompt comes from the module, the result from
// the network.
func (m *Modem) smsWork(recipient, message string, reached *atomic.Int32) engine.WorkFunc {
	return func(env *engine.Env) bool {
		switch smsState(env.State) {
		case smsCommand:
			if err := env.Println(`AT+CMGS="%s"`, recipient); err != nil {
				env.Finish(engine.CodeError)
				return true
			}
			env.ResetTimer()
			env.State = int(smsPrompt)

		case smsPrompt:
			switch {
			case env.Contains(at.Prompt) != nil:
				env.RecvClear()
				if _, err := env.Write([]byte(message + at.CtrlZ)); err != nil {
					env.Finish(engine.CodeError)
					return true
				}
				env.ResetTimer()
				env.State = int(smsResult)
				reached.Store(int32(smsResult))
			case env.Contains(at.ERROR) != nil:
				env.Finish(engine.CodeError)
			case env.IsTimeout(m.config.atTimeout):
				env.Finish(engine.CodeTimeout)
			}

		case smsResult:
			switch {
			case env.Contains("+CMGS:") != nil && env.Contains(at.OK) != nil:
				return true
			case env.Contains(at.ERROR) != nil:
				env.Finish(engine.CodeError)
			case env.IsTimeout(m.config.smsTimeout):
				env.Finish(engine.CodeTimeout)
			}
		}
		return false
	}
}

// throttle waits until the minimum send interval since the last SMS has
// elapsed. Called with sendMu held.
func (m *Modem) throttle(ctx context.Context) error {
	if m.lastSend.IsZero() {
		return nil
	}
	wait := m.config.minSendInterval - time.Since(m.lastSend)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SignalQuality queries AT+CSQ and returns the RSSI index (0-31, 99 unknown)
// and the bit error rate.
func (m *Modem) SignalQuality(ctx context.Context) (rssi, ber int, err error) {
	attr := m.attr()
	attr.Prefix = at.UrcSignalStrength

	resp, err := m.Exec(ctx, attr, at.CmdSignalQuality)
	if err != nil {
		return 0, 0, fmt.Errorf("query signal quality: %w", err)
	}
	line, _, _ := strings.Cut(resp, "\n")
	if _, err := fmt.Sscanf(line, at.UrcSignalStrength+" %d,%d", &rssi, &ber); err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrUnexpectedResponse, resp)
	}
	return rssi, ber, nil
}
