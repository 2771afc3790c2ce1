package modem_test

import (
	"context"
	"testing"
	"time"

	gomock "go.uber.org/mock/gomock"
	"i4.energy/across/atchat/logger"
	"i4.energy/across/atchat/modem"
	"i4.energy/across/atchat/simulator"
)

// deviceTransport backs a MockTransport with a simulated device: gomock
// checks the calls while the device produces the traffic. Close is left to
// the caller to expect.
func deviceTransport(ctrl *gomock.Controller, dev *simulator.Device) *modem.MockTransport {
	transport := modem.NewMockTransport(ctrl)
	transport.EXPECT().Read(gomock.Any()).DoAndReturn(dev.Read).AnyTimes()
	transport.EXPECT().Write(gomock.Any()).DoAndReturn(dev.Write).AnyTimes()
	return transport
}

// deviceDialer hands out a simulated device directly.
type deviceDialer struct {
	dev *simulator.Device
}

func (d deviceDialer) Dial(context.Context) (modem.Transport, error) {
	return d.dev, nil
}

func newDevice(opts ...simulator.Option) *simulator.Device {
	return simulator.New(append([]simulator.Option{simulator.WithLogger(logger.Discard())}, opts...)...)
}

func testConfig(t *testing.T, dialer modem.Dialer, tune ...func(b *modem.ConfigBuilder)) modem.Config {
	t.Helper()

	b := modem.NewConfigBuilder().
		WithDialer(dialer).
		WithTickInterval(time.Millisecond).
		WithATTimeout(200 * time.Millisecond).
		WithInitTimeout(5 * time.Second).
		WithMinSendInterval(time.Millisecond).
		WithLogger(logger.Discard())
	for _, fn := range tune {
		fn(b)
	}

	config, err := b.Build()
	if err != nil {
		t.Fatalf("unexpected error from Build(): %v", err)
	}
	return config
}

// startModem creates a modem over dev and runs its loop until the test ends.
func startModem(t *testing.T, dev *simulator.Device, tune ...func(b *modem.ConfigBuilder)) *modem.Modem {
	t.Helper()

	m, err := modem.New(context.Background(), testConfig(t, deviceDialer{dev}, tune...))
	if err != nil {
		t.Fatalf("failed to create modem: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	loopDone := make(chan error, 1)
	go func() { loopDone <- m.Loop(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-loopDone
		_ = m.Close()
	})
	return m
}
