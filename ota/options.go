package ota

import (
	"log/slog"
	"time"
)

// Config holds the engine tunables.
type Config struct {
	Logger *slog.Logger
	Clock  Clock

	// ScratchSize is the single buffer shared by request formatting, header
	// accumulation, body segments and read-back verification.
	ScratchSize int

	// PollTimeout bounds each receive call so one Pump returns promptly.
	PollTimeout time.Duration
	// ConnectTimeout bounds DNS lookup and each connect attempt.
	ConnectTimeout time.Duration
	// DataTimeout is how long a transfer may go without data before the
	// loader enters DATA_TIMEOUT.
	DataTimeout time.Duration

	MaxConnectRetries int
	MaxDataRetries    int

	// EraseOpsPerTick caps erase operations and read-back chunks per Pump.
	EraseOpsPerTick int
	// VerifyErase reads the erased window back before downloading.
	VerifyErase bool

	// RunningVersion is compared against discovered master images.
	RunningVersion string

	// Observer is called after every state change of either flow.
	Observer func(Status)
}

func defaultConfig() Config {
	return Config{
		ScratchSize:       2048,
		PollTimeout:       10 * time.Millisecond,
		ConnectTimeout:    5 * time.Second,
		DataTimeout:       10 * time.Second,
		MaxConnectRetries: 5,
		MaxDataRetries:    5,
		EraseOpsPerTick:   4,
	}
}

// Option configures an Engine.
type Option func(*Config)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

func WithClock(clock Clock) Option {
	return func(c *Config) { c.Clock = clock }
}

// WithScratchSize sets the scratch buffer size. It must hold a full response
// header.
func WithScratchSize(n int) Option {
	return func(c *Config) { c.ScratchSize = n }
}

func WithPollTimeout(d time.Duration) Option {
	return func(c *Config) { c.PollTimeout = d }
}

func WithConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.ConnectTimeout = d }
}

func WithDataTimeout(d time.Duration) Option {
	return func(c *Config) { c.DataTimeout = d }
}

func WithMaxConnectRetries(n int) Option {
	return func(c *Config) { c.MaxConnectRetries = n }
}

func WithMaxDataRetries(n int) Option {
	return func(c *Config) { c.MaxDataRetries = n }
}

func WithEraseOpsPerTick(n int) Option {
	return func(c *Config) { c.EraseOpsPerTick = n }
}

func WithVerifyErase(on bool) Option {
	return func(c *Config) { c.VerifyErase = on }
}

func WithRunningVersion(v string) Option {
	return func(c *Config) { c.RunningVersion = v }
}

// WithObserver registers fn to receive a Status snapshot on every state
// change. fn runs inside Pump and must not call back into the engine.
func WithObserver(fn func(Status)) Option {
	return func(c *Config) { c.Observer = fn }
}
