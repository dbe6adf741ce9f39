package config

import (
	"time"

	"github.com/wheelsort/wheelsort/pkg/overload"
)

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "wheelsort",
			Version:     "dev",
			Environment: "development",
			Debug:       false,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
			GRPC: GRPCConfig{
				Enabled:           false,
				Port:              9090,
				MaxConnections:    256,
				MaxRecvMsgSize:    4 * 1024 * 1024, // 4MB
				MaxSendMsgSize:    4 * 1024 * 1024, // 4MB
				EnableReflection:  false,
				EnableHealthCheck: true,
				EnableLogging:     true,
				Keepalive: GRPCKeepaliveConfig{
					MaxIdleSeconds:      300,
					MaxAgeSeconds:       3600,
					MaxAgeGraceSeconds:  60,
					TimeSeconds:         60,
					TimeoutSeconds:      20,
					MinTimeSeconds:      30,
					PermitWithoutStream: true,
				},
			},
			HTTP: HTTPConfig{
				ReadTimeout:     10 * time.Second,
				WriteTimeout:    10 * time.Second,
				IdleTimeout:     120 * time.Second,
				ShutdownTimeout: 15 * time.Second,
				RequestTimeout:  5 * time.Second,
				MaxHeaderBytes:  1 << 20, // 1MB
			},
			CORS: CORSConfig{
				Enabled:        false,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
				MaxAge:         300,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Sorter: SorterConfig{
			ExceptionChuteID: "EXCEPTION",
			SegmentTTL:       5 * time.Second,
			ItemTimeout:      500 * time.Millisecond,
			FallbackAction:   "straight",
			DispatchLead:     50 * time.Millisecond,
			PollInterval:     5 * time.Millisecond,
			Workers:          0,
			QueueCapacity:    0,
			ActuatorDelay:    0,
		},
		Overload: overload.DefaultOptions(),
		EMC: EMCConfig{
			Enabled:         false,
			Transport:       "memory",
			DefaultTimeout:  5 * time.Second,
			PublishTimeout:  2 * time.Second,
			ResetTimeout:    5 * time.Second,
			ResetRetries:    1,
			PeerResetHold:   30 * time.Second,
			ReadyAfterPause: false,
			AutoAcknowledge: true,
			Redis: RedisConfig{
				Address:       "localhost:6379",
				DB:            0,
				ChannelPrefix: "wheelsort:emc",
			},
			WebSocket: WebSocketConfig{
				MaxConnections: 64,
				PingInterval:   30 * time.Second,
				PongTimeout:    10 * time.Second,
				MinBackoff:     100 * time.Millisecond,
				MaxBackoff:     5 * time.Second,
			},
			GRPC: EMCGRPCConfig{
				MessagesPerSecond: 200,
				Burst:             400,
				MinBackoff:        100 * time.Millisecond,
				MaxBackoff:        5 * time.Second,
			},
		},
		Storage: StorageConfig{
			Type: "memory",
			Badger: BadgerConfig{
				Path:              "./data/routes",
				SyncWrites:        true,
				ValueLogFileSize:  64 << 20, // 64MB
				NumVersionsToKeep: 1,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    0,
		},
		Tracing: TracingConfig{
			Enabled:    false,
			Exporter:   "otlpgrpc",
			Endpoint:   "localhost:4317",
			Timeout:    5 * time.Second,
			Sampler:    "parentbased_traceidratio",
			SampleRate: 0.1,
		},
	}
}
