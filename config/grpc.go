package config

import (
	"fmt"
	"time"

	grpcpkg "github.com/wheelsort/wheelsort/pkg/grpc"
)

// ToGRPCConfig converts config.GRPCConfig to pkg/grpc.Config. Tracing
// follows the tracing section.
func (g *GRPCConfig) ToGRPCConfig(tracing bool) *grpcpkg.Config {
	cfg := &grpcpkg.Config{
		Address:           fmt.Sprintf(":%d", g.Port),
		MaxConnections:    g.MaxConnections,
		MaxRecvMsgSize:    g.MaxRecvMsgSize,
		MaxSendMsgSize:    g.MaxSendMsgSize,
		EnableReflection:  g.EnableReflection,
		EnableHealthCheck: g.EnableHealthCheck,
		EnableLogging:     g.EnableLogging,
		EnableTracing:     tracing,
	}

	if g.TLS.Enabled {
		cfg.TLS = &grpcpkg.TLSConfig{
			Enabled:    g.TLS.Enabled,
			CertFile:   g.TLS.CertFile,
			KeyFile:    g.TLS.KeyFile,
			CAFile:     g.TLS.CAFile,
			ClientAuth: g.TLS.ClientAuth,
		}
	}

	if g.RequestsPerSecond > 0 {
		cfg.RateLimit = &grpcpkg.RateLimitConfig{
			RequestsPerSecond: g.RequestsPerSecond,
			Burst:             g.Burst,
		}
	}

	ka := g.Keepalive
	cfg.Keepalive = &grpcpkg.KeepaliveConfig{
		MaxIdle:             seconds(ka.MaxIdleSeconds),
		MaxAge:              seconds(ka.MaxAgeSeconds),
		MaxAgeGrace:         seconds(ka.MaxAgeGraceSeconds),
		PingInterval:        seconds(ka.TimeSeconds),
		PingTimeout:         seconds(ka.TimeoutSeconds),
		MinPingInterval:     seconds(ka.MinTimeSeconds),
		PermitWithoutStream: ka.PermitWithoutStream,
	}

	return cfg
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
