// Package config loads and validates the wheelsort configuration.
package config

import (
	"fmt"
	"time"

	"github.com/wheelsort/wheelsort/pkg/overload"
	"github.com/wheelsort/wheelsort/pkg/topology"
)

// Config is the global configuration for wheelsort.
type Config struct {
	// App is the application configuration.
	App AppConfig `mapstructure:"app" validate:"required"`

	// Server is the server configuration.
	Server ServerConfig `mapstructure:"server" validate:"required"`

	// Log is the logging configuration.
	Log LogConfig `mapstructure:"log" validate:"required"`

	// Sorter describes the line and how parcels are dispatched on it.
	Sorter SorterConfig `mapstructure:"sorter"`

	// Overload is the overload policy. It is hot reloadable.
	Overload overload.Options `mapstructure:"overload"`

	// EMC is the multi-instance reset coordination configuration.
	EMC EMCConfig `mapstructure:"emc"`

	// Storage is the route store configuration.
	Storage StorageConfig `mapstructure:"storage"`

	// Metrics is the observability configuration.
	Metrics MetricsConfig `mapstructure:"metrics"`

	// Tracing is the distributed tracing configuration.
	Tracing TracingConfig `mapstructure:"tracing"`
}

// AppConfig holds application metadata and settings.
type AppConfig struct {
	// Name is the application name.
	Name string `mapstructure:"name" validate:"required"`

	// Version is the application version.
	Version string `mapstructure:"version"`

	// Environment is the runtime environment (development, staging, production).
	Environment string `mapstructure:"environment" validate:"env"`

	// Debug enables debug mode with verbose logging.
	Debug bool `mapstructure:"debug"`
}

// ServerConfig holds the HTTP/gRPC server configuration.
type ServerConfig struct {
	// Host is the bind address.
	Host string `mapstructure:"host" validate:"omitempty,host"`

	// Port is the HTTP API port.
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`

	// GRPC is the gRPC server configuration.
	GRPC GRPCConfig `mapstructure:"grpc"`

	// HTTP is the HTTP server configuration.
	HTTP HTTPConfig `mapstructure:"http"`

	// CORS is the CORS configuration.
	CORS CORSConfig `mapstructure:"cors"`
}

// GRPCConfig holds gRPC-specific settings.
type GRPCConfig struct {
	// Enabled enables the gRPC server.
	Enabled bool `mapstructure:"enabled"`

	// Port is the gRPC server port.
	Port int `mapstructure:"port" validate:"min=1,max=65535"`

	// MaxConnections is the maximum number of concurrent streams.
	MaxConnections int `mapstructure:"max_connections" validate:"min=0"`

	// MaxRecvMsgSize is the maximum message size the server can receive (bytes).
	MaxRecvMsgSize int `mapstructure:"max_recv_msg_size" validate:"min=0"`

	// MaxSendMsgSize is the maximum message size the server can send (bytes).
	MaxSendMsgSize int `mapstructure:"max_send_msg_size" validate:"min=0"`

	// EnableReflection enables gRPC server reflection for debugging.
	EnableReflection bool `mapstructure:"enable_reflection"`

	// EnableHealthCheck enables gRPC health check service.
	EnableHealthCheck bool `mapstructure:"enable_health_check"`

	// EnableLogging logs every RPC.
	EnableLogging bool `mapstructure:"enable_logging"`

	// RequestsPerSecond limits calls per peer; zero disables the limit.
	RequestsPerSecond float64 `mapstructure:"requests_per_second" validate:"min=0"`

	// Burst is the rate limiter bucket size.
	Burst int `mapstructure:"burst" validate:"min=0"`

	// TLS is the TLS/mTLS configuration.
	TLS GRPCTLSConfig `mapstructure:"tls"`

	// Keepalive is the keepalive configuration.
	Keepalive GRPCKeepaliveConfig `mapstructure:"keepalive"`
}

// GRPCTLSConfig holds gRPC TLS/mTLS settings.
type GRPCTLSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	CertFile   string `mapstructure:"cert_file" validate:"required_if=Enabled true"`
	KeyFile    string `mapstructure:"key_file" validate:"required_if=Enabled true"`
	CAFile     string `mapstructure:"ca_file"`
	ClientAuth bool   `mapstructure:"client_auth"`
}

// GRPCKeepaliveConfig holds gRPC keepalive settings.
type GRPCKeepaliveConfig struct {
	MaxIdleSeconds      int  `mapstructure:"max_idle_seconds" validate:"min=0"`
	MaxAgeSeconds       int  `mapstructure:"max_age_seconds" validate:"min=0"`
	MaxAgeGraceSeconds  int  `mapstructure:"max_age_grace_seconds" validate:"min=0"`
	TimeSeconds         int  `mapstructure:"time_seconds" validate:"min=0"`
	TimeoutSeconds      int  `mapstructure:"timeout_seconds" validate:"min=0"`
	MinTimeSeconds      int  `mapstructure:"min_time_seconds" validate:"min=0"`
	PermitWithoutStream bool `mapstructure:"permit_without_stream"`
}

// HTTPConfig holds HTTP-specific settings.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire request.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request.
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// RequestTimeout bounds each API request. Zero disables it.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// MaxHeaderBytes limits the size of request headers.
	MaxHeaderBytes int `mapstructure:"max_header_bytes"`
}

// CORSConfig holds CORS settings.
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	ExposedHeaders   []string `mapstructure:"exposed_headers"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
	MaxAge           int      `mapstructure:"max_age"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`

	// Format is the output format (json, text).
	Format string `mapstructure:"format" validate:"oneof=json text"`

	// Output is the output destination (stdout, stderr, or file path).
	Output string `mapstructure:"output"`
}

// SorterConfig describes the physical line and the dispatch loop.
type SorterConfig struct {
	// ExceptionChuteID receives every parcel that cannot take its route.
	ExceptionChuteID string `mapstructure:"exception_chute_id" validate:"required"`

	// SegmentTTL is how long a generated path segment stays valid.
	SegmentTTL time.Duration `mapstructure:"segment_ttl" validate:"gt=0"`

	// ItemTimeout is how late an action may run before its fallback is used.
	ItemTimeout time.Duration `mapstructure:"item_timeout" validate:"gte=0"`

	// FallbackAction is thrown instead of a late action.
	FallbackAction string `mapstructure:"fallback_action" validate:"oneof=straight left right"`

	// DispatchLead is how long before the expected arrival an action fires.
	DispatchLead time.Duration `mapstructure:"dispatch_lead" validate:"gte=0"`

	// PollInterval is the dispatcher tick.
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`

	// Workers is the dispatch worker count; zero means one per position.
	Workers int `mapstructure:"workers" validate:"min=0"`

	// QueueCapacity bounds each position queue; zero means unbounded.
	QueueCapacity int `mapstructure:"queue_capacity" validate:"min=0"`

	// ActuatorDelay is the simulated diverter switching time.
	ActuatorDelay time.Duration `mapstructure:"actuator_delay" validate:"gte=0"`

	// Positions places the diverters along the belt.
	Positions []topology.PositionConfig `mapstructure:"positions"`

	// Routes seeds the route store at startup.
	Routes []RouteConfig `mapstructure:"routes" validate:"dive"`
}

// RouteConfig is one chute route in the configuration file.
type RouteConfig struct {
	ChuteID          string             `mapstructure:"chute_id" validate:"required"`
	ExceptionChuteID string             `mapstructure:"exception_chute_id"`
	Disabled         bool               `mapstructure:"disabled"`
	Entries          []RouteEntryConfig `mapstructure:"entries" validate:"required,min=1,dive"`
}

// RouteEntryConfig is one diverter action of a route.
type RouteEntryConfig struct {
	DiverterID int64  `mapstructure:"diverter_id" validate:"required"`
	Direction  string `mapstructure:"direction" validate:"oneof=straight left right"`
	Sequence   int    `mapstructure:"sequence" validate:"min=1"`
}

// EMCConfig holds the cross-instance coordination settings.
type EMCConfig struct {
	// Enabled turns coordination on. A single instance line leaves it off.
	Enabled bool `mapstructure:"enabled"`

	// InstanceID identifies this controller; generated when empty.
	InstanceID string `mapstructure:"instance_id"`

	// Transport selects the bus (memory, redis, websocket, grpc).
	Transport string `mapstructure:"transport" validate:"oneof=memory redis websocket grpc"`

	// DefaultTimeout is the handshake wait used when a caller passes none.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" validate:"gt=0"`

	// PublishTimeout bounds a single publish.
	PublishTimeout time.Duration `mapstructure:"publish_timeout" validate:"gt=0"`

	// ResetTimeout is the handshake wait for a coordinated card reset.
	ResetTimeout time.Duration `mapstructure:"reset_timeout" validate:"gt=0"`

	// ResetRetries is the number of extra handshakes after a timeout.
	ResetRetries int `mapstructure:"reset_retries" validate:"min=0"`

	// PeerResetHold is the longest dispatch stays paused for a peer reset.
	PeerResetHold time.Duration `mapstructure:"peer_reset_hold" validate:"gt=0"`

	// ReadyAfterPause answers peer resets with Ready once dispatch is held.
	ReadyAfterPause bool `mapstructure:"ready_after_pause"`

	// AutoAcknowledge answers peer requests with Acknowledge.
	AutoAcknowledge bool `mapstructure:"auto_acknowledge"`

	Redis     RedisConfig     `mapstructure:"redis"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	GRPC      EMCGRPCConfig   `mapstructure:"grpc"`
}

// RedisConfig holds the Redis pub/sub transport settings.
type RedisConfig struct {
	Address       string `mapstructure:"address"`
	Password      string `mapstructure:"password"`
	DB            int    `mapstructure:"db" validate:"min=0"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// WebSocketConfig holds the websocket stream transport settings. An
// instance either hosts the relay (Serve) or dials one (URL).
type WebSocketConfig struct {
	Serve          bool          `mapstructure:"serve"`
	URL            string        `mapstructure:"url" validate:"omitempty,url"`
	MaxConnections int           `mapstructure:"max_connections" validate:"min=0"`
	PingInterval   time.Duration `mapstructure:"ping_interval" validate:"gte=0"`
	PongTimeout    time.Duration `mapstructure:"pong_timeout" validate:"gte=0"`
	MinBackoff     time.Duration `mapstructure:"min_backoff" validate:"gte=0"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
}

// EMCGRPCConfig holds the gRPC hub transport settings. An instance either
// hosts the hub on the gRPC server (Serve) or dials one (Address).
type EMCGRPCConfig struct {
	Serve             bool          `mapstructure:"serve"`
	Address           string        `mapstructure:"address"`
	MessagesPerSecond float64       `mapstructure:"messages_per_second" validate:"min=0"`
	Burst             int           `mapstructure:"burst" validate:"min=0"`
	MinBackoff        time.Duration `mapstructure:"min_backoff" validate:"gte=0"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" validate:"gte=0"`
}

// StorageConfig holds the route store settings.
type StorageConfig struct {
	// Type is the storage backend (memory, badger).
	Type string `mapstructure:"type" validate:"oneof=memory badger"`

	// Badger is the BadgerDB configuration.
	Badger BadgerConfig `mapstructure:"badger"`
}

// BadgerConfig holds BadgerDB-specific settings.
type BadgerConfig struct {
	Path              string `mapstructure:"path"`
	SyncWrites        bool   `mapstructure:"sync_writes"`
	ValueLogFileSize  int64  `mapstructure:"value_log_file_size" validate:"min=0"`
	NumVersionsToKeep int    `mapstructure:"num_versions_to_keep" validate:"min=0"`
}

// MetricsConfig holds observability settings.
type MetricsConfig struct {
	// Enabled enables metrics collection.
	Enabled bool `mapstructure:"enabled"`

	// Path is the metrics endpoint path.
	Path string `mapstructure:"path"`

	// Port is the metrics server port. Zero serves metrics on the API port.
	Port int `mapstructure:"port" validate:"min=0,max=65535"`
}

// TracingConfig holds distributed tracing settings.
type TracingConfig struct {
	// Enabled enables distributed tracing.
	Enabled bool `mapstructure:"enabled"`

	// Exporter is the span exporter (otlpgrpc).
	Exporter string `mapstructure:"exporter" validate:"omitempty,oneof=otlpgrpc"`

	// Endpoint is the collector endpoint.
	Endpoint string `mapstructure:"endpoint" validate:"required_if=Enabled true"`

	// Headers are sent with every export.
	Headers map[string]string `mapstructure:"headers"`

	// Timeout bounds each export.
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`

	// Sampler is always_on, always_off or parentbased_traceidratio.
	Sampler string `mapstructure:"sampler" validate:"omitempty,oneof=always_on always_off parentbased_traceidratio"`

	// SampleRate is the fraction of traces to sample (0.0-1.0).
	SampleRate float64 `mapstructure:"sample_rate" validate:"min=0,max=1"`
}

// Validate performs validation on the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// String returns a string representation of the configuration (without sensitive data).
func (c *Config) String() string {
	return fmt.Sprintf("Config{App: %s, Server: :%d, Env: %s, EMC: %s}",
		c.App.Name, c.Server.Port, c.App.Environment, c.emcSummary())
}

func (c *Config) emcSummary() string {
	if !c.EMC.Enabled {
		return "off"
	}
	return c.EMC.Transport
}
