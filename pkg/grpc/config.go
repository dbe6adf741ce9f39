package grpc

import (
	"errors"
	"fmt"
	"time"
)

// Config holds gRPC server settings.
type Config struct {
	// Address is the listen address, e.g. ":9090".
	Address string

	TLS       *TLSConfig
	Keepalive *KeepaliveConfig
	// RateLimit limits calls per peer; nil disables it.
	RateLimit *RateLimitConfig

	// MaxConnections caps concurrent streams per connection.
	MaxConnections int
	MaxRecvMsgSize int
	MaxSendMsgSize int

	EnableReflection  bool
	EnableHealthCheck bool
	EnableLogging     bool
	EnableTracing     bool
}

// RateLimitConfig is a token bucket applied per peer address.
type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

// TLSConfig enables TLS, or mTLS when ClientAuth is set.
type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth bool
}

// KeepaliveConfig maps onto keepalive.ServerParameters and
// keepalive.EnforcementPolicy. Zero leaves the grpc default.
type KeepaliveConfig struct {
	MaxIdle             time.Duration
	MaxAge              time.Duration
	MaxAgeGrace         time.Duration
	PingInterval        time.Duration
	PingTimeout         time.Duration
	MinPingInterval     time.Duration
	PermitWithoutStream bool
}

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		Address:           ":9090",
		MaxConnections:    256,
		MaxRecvMsgSize:    4 << 20,
		MaxSendMsgSize:    4 << 20,
		EnableHealthCheck: true,
		EnableLogging:     true,
		Keepalive: &KeepaliveConfig{
			MaxIdle:         5 * time.Minute,
			MaxAge:          time.Hour,
			MaxAgeGrace:     time.Minute,
			PingInterval:    time.Minute,
			PingTimeout:     20 * time.Second,
			MinPingInterval: 30 * time.Second,
		},
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Address == "" {
		return errors.New("address cannot be empty")
	}
	for name, v := range map[string]int{
		"max connections":       c.MaxConnections,
		"max recv message size": c.MaxRecvMsgSize,
		"max send message size": c.MaxSendMsgSize,
	} {
		if v < 0 {
			return fmt.Errorf("%s cannot be negative", name)
		}
	}

	if c.TLS != nil {
		if err := c.TLS.Validate(); err != nil {
			return fmt.Errorf("invalid TLS config: %w", err)
		}
	}
	if c.Keepalive != nil {
		if err := c.Keepalive.Validate(); err != nil {
			return fmt.Errorf("invalid keepalive config: %w", err)
		}
	}
	if rl := c.RateLimit; rl != nil {
		switch {
		case rl.RequestsPerSecond < 0:
			return errors.New("rate limit cannot be negative")
		case rl.RequestsPerSecond > 0 && rl.Burst <= 0:
			return errors.New("rate limit burst must be positive")
		}
	}
	return nil
}

// Validate checks that enabled TLS names its key material.
func (t *TLSConfig) Validate() error {
	switch {
	case !t.Enabled:
		return nil
	case t.CertFile == "" || t.KeyFile == "":
		return errors.New("cert and key files are required when TLS is enabled")
	case t.ClientAuth && t.CAFile == "":
		return errors.New("CA file is required when client auth is enabled")
	}
	return nil
}

// Validate rejects negative durations and a ping timeout that does not fit
// inside the ping interval.
func (k *KeepaliveConfig) Validate() error {
	for _, d := range []time.Duration{k.MaxIdle, k.MaxAge, k.MaxAgeGrace, k.PingInterval, k.PingTimeout, k.MinPingInterval} {
		if d < 0 {
			return errors.New("keepalive durations cannot be negative")
		}
	}
	if k.PingInterval > 0 && k.PingTimeout >= k.PingInterval {
		return errors.New("ping timeout must be less than ping interval")
	}
	return nil
}
