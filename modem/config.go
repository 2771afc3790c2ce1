package modem

import (
	"time"

	"i4.energy/across/atchat/logger"
)

const (
	DefaultATTimeout       = 5 * time.Second
	DefaultInitTimeout     = 30 * time.Second
	DefaultSMSTimeout      = 60 * time.Second
	DefaultMinSendInterval = time.Minute / 30
	DefaultMaxRetries      = 3
	DefaultTickInterval    = 10 * time.Millisecond
)

type Config struct {
	dialer          Dialer
	simPIN          string
	minSendInterval time.Duration
	maxRetries      int
	atTimeout       time.Duration
	initTimeout     time.Duration
	smsTimeout      time.Duration
	tick            time.Duration
	logger          logger.Logger
}

func (c *Config) validate() error {
	if c.dialer == nil {
		return ErrNoDialer
	}
	return nil
}

func (c *Config) setDefaults() {
	if c.minSendInterval == 0 {
		c.minSendInterval = DefaultMinSendInterval
	}
	if c.maxRetries == 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.atTimeout == 0 {
		c.atTimeout = DefaultATTimeout
	}
	if c.initTimeout == 0 {
		c.initTimeout = DefaultInitTimeout
	}
	if c.smsTimeout == 0 {
		c.smsTimeout = DefaultSMSTimeout
	}
	if c.tick == 0 {
		c.tick = DefaultTickInterval
	}
	if c.logger == nil {
		c.logger = logger.GetLogger()
	}
}

// ConfigBuilder assembles a modem Config.
type ConfigBuilder struct {
	config Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{}
}

func (b *ConfigBuilder) WithDialer(d Dialer) *ConfigBuilder {
	b.config.dialer = d
	return b
}

func (b *ConfigBuilder) WithSimPIN(pin string) *ConfigBuilder {
	b.config.simPIN = pin
	return b
}

// WithMinSendInterval spaces consecutive SendSMS calls.
func (b *ConfigBuilder) WithMinSendInterval(d time.Duration) *ConfigBuilder {
	b.config.minSendInterval = d
	return b
}

// WithMaxRetries sets the resend budget of plain AT commands. A negative
// value disables resends.
func (b *ConfigBuilder) WithMaxRetries(n int) *ConfigBuilder {
	b.config.maxRetries = n
	return b
}

// WithATTimeout bounds each attempt of an AT command.
func (b *ConfigBuilder) WithATTimeout(d time.Duration) *ConfigBuilder {
	b.config.atTimeout = d
	return b
}

// WithInitTimeout bounds the whole initialization sequence run by New.
func (b *ConfigBuilder) WithInitTimeout(d time.Duration) *ConfigBuilder {
	b.config.initTimeout = d
	return b
}

// WithSMSTimeout bounds the wait for the network to accept a message.
func (b *ConfigBuilder) WithSMSTimeout(d time.Duration) *ConfigBuilder {
	b.config.smsTimeout = d
	return b
}

// WithTickInterval sets how often the engine is polled.
func (b *ConfigBuilder) WithTickInterval(d time.Duration) *ConfigBuilder {
	b.config.tick = d
	return b
}

func (b *ConfigBuilder) WithLogger(l logger.Logger) *ConfigBuilder {
	b.config.logger = l
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.config.validate(); err != nil {
		return Config{}, err
	}
	b.config.setDefaults()
	return b.config, nil
}
