package engine

import (
	"sync"
	"time"

	"i4.energy/across/atchat/logger"
)

const (
	DefaultRecvBufSize = 256
	DefaultURCBufSize  = 128
	DefaultCmdBufSize  = 256
	DefaultMaxPending  = 32
)

// Adapter is the byte transport an engine drives.
//
// Read must not block: it returns 0, nil when no byte is available.
// Write should complete or fail within a bounded time.
type Adapter interface {
	Write(p []byte) (int, error)
	Read(p []byte) (int, error)
}

// ErrorHandler is told about structural transport problems, such as
// ErrBufferOverrun. r.Recv holds the offending buffer content.
type ErrorHandler func(err error, r *Response)

// Config holds the construction parameters of an Engine. Use
// NewConfigBuilder to fill it.
type Config struct {
	adapter     Adapter
	locker      sync.Locker
	onError     ErrorHandler
	logger      logger.Logger
	clock       func() time.Time
	recvBufSize int
	urcBufSize  int
	cmdBufSize  int
	maxPending  int
}

func (c *Config) validate() error {
	if c.adapter == nil {
		return ErrNoAdapter
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.locker == nil {
		c.locker = &sync.Mutex{}
	}
	if c.logger == nil {
		c.logger = logger.GetLogger()
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.recvBufSize <= 0 {
		c.recvBufSize = DefaultRecvBufSize
	}
	if c.urcBufSize <= 0 {
		c.urcBufSize = DefaultURCBufSize
	}
	if c.cmdBufSize <= 0 {
		c.cmdBufSize = DefaultCmdBufSize
	}
	if c.maxPending <= 0 {
		c.maxPending = DefaultMaxPending
	}
}

// ConfigBuilder assembles a Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithAdapter(a Adapter) *ConfigBuilder {
	b.config.adapter = a
	return b
}

// WithLocker sets the lock guarding queue mutation. A sync.Mutex is used
// when none is given.
func (b *ConfigBuilder) WithLocker(l sync.Locker) *ConfigBuilder {
	b.config.locker = l
	return b
}

func (b *ConfigBuilder) WithErrorHandler(fn ErrorHandler) *ConfigBuilder {
	b.config.onError = fn
	return b
}

// WithLogger sets the diagnostic sink. Traffic is logged at debug level.
func (b *ConfigBuilder) WithLogger(l logger.Logger) *ConfigBuilder {
	b.config.logger = l
	return b
}

// WithClock replaces time.Now as the tick source.
func (b *ConfigBuilder) WithClock(now func() time.Time) *ConfigBuilder {
	b.config.clock = now
	return b
}

func (b *ConfigBuilder) WithRecvBufSize(n int) *ConfigBuilder {
	b.config.recvBufSize = n
	return b
}

func (b *ConfigBuilder) WithURCBufSize(n int) *ConfigBuilder {
	b.config.urcBufSize = n
	return b
}

// WithCmdBufSize bounds formatted commands, see Engine.Exec.
func (b *ConfigBuilder) WithCmdBufSize(n int) *ConfigBuilder {
	b.config.cmdBufSize = n
	return b
}

func (b *ConfigBuilder) WithMaxPending(n int) *ConfigBuilder {
	b.config.maxPending = n
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	b.config.setDefaults()
	return b.config, nil
}
