package session

import (
	"time"

	"github.com/danmuck/fieldscan/internal/protocol/frame"
)

// BackoffConfig defines retry backoff behavior. Multiplier 1 with no jitter
// is a fixed delay.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transport timings and queue bounds for one endpoint.
type Config struct {
	WriteTimeout time.Duration
	// ReadTimeout is an idle limit on the listener; zero disables it.
	ReadTimeout       time.Duration
	HeartbeatInterval time.Duration
	AcceptRetryDelay  time.Duration
	// SendPollInterval bounds how long the sender blocks on an empty queue.
	SendPollInterval time.Duration
	StopTimeout      time.Duration
	OutboundCapacity int
	InboundCapacity  int
	Limits           frame.Limits
	Reconnect        BackoffConfig
}

// DefaultConfig returns the link defaults both nodes ship with.
func DefaultConfig() Config {
	return Config{
		WriteTimeout:      20 * time.Second,
		ReadTimeout:       0,
		HeartbeatInterval: 15 * time.Second,
		AcceptRetryDelay:  5 * time.Second,
		SendPollInterval:  time.Second,
		StopTimeout:       2 * time.Second,
		OutboundCapacity:  256,
		InboundCapacity:   1024,
		Limits:            frame.DefaultLimits(),
		Reconnect: BackoffConfig{
			InitialDelay: 5 * time.Second,
			Multiplier:   1,
			MaxDelay:     5 * time.Second,
			Jitter:       false,
		},
	}
}

// WithDefaults fills every unset field from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadTimeout < 0 {
		c.ReadTimeout = 0
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.AcceptRetryDelay <= 0 {
		c.AcceptRetryDelay = d.AcceptRetryDelay
	}
	if c.SendPollInterval <= 0 {
		c.SendPollInterval = d.SendPollInterval
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = d.StopTimeout
	}
	if c.OutboundCapacity <= 0 {
		c.OutboundCapacity = d.OutboundCapacity
	}
	if c.InboundCapacity <= 0 {
		c.InboundCapacity = d.InboundCapacity
	}
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = d.Limits
	}
	if c.Reconnect.InitialDelay <= 0 {
		c.Reconnect = d.Reconnect
	}
	return c
}
