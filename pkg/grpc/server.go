package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"

	"github.com/wheelsort/wheelsort/pkg/grpc/interceptors"
	"github.com/wheelsort/wheelsort/pkg/logger"
)

// Server hosts the gRPC services of a sorter instance.
type Server struct {
	config       *Config
	log          logger.Logger
	grpcSrv      *grpc.Server
	listener     net.Listener
	healthServer *HealthServer
	pending      []serviceRegistration
	mu           sync.RWMutex
	running      bool
}

type serviceRegistration struct {
	desc *grpc.ServiceDesc
	impl any
}

// New creates a server. Services may be registered before or after Start.
func New(cfg *Config, log logger.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &Server{
		config: cfg,
		log:    logger.OrNop(log).Named("grpc"),
	}, nil
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("server already running")
	}

	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	s.listener = listener

	opts, err := s.buildServerOptions()
	if err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to build server options: %w", err)
	}

	s.grpcSrv = grpc.NewServer(opts...)

	// Register services queued before server start.
	for _, reg := range s.pending {
		s.grpcSrv.RegisterService(reg.desc, reg.impl)
	}

	if s.config.EnableReflection {
		reflection.Register(s.grpcSrv)
	}

	if s.config.EnableHealthCheck {
		names := make([]string, 0, len(s.pending))
		for _, reg := range s.pending {
			names = append(names, reg.desc.ServiceName)
		}
		s.healthServer = NewHealthServer(names...)
		grpc_health_v1.RegisterHealthServer(s.grpcSrv, s.healthServer.GetServer())
		s.healthServer.SetServingStatusAll(grpc_health_v1.HealthCheckResponse_SERVING)
	}

	s.running = true
	s.log.Info("grpc server listening", "address", listener.Addr().String())

	srv := s.grpcSrv
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("grpc server error", "error", err)
		}
	}()

	return nil
}

// Stop drains in-flight RPCs, forcing a stop when ctx expires first.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	if s.healthServer != nil {
		s.healthServer.Shutdown()
	}

	stopped := make(chan struct{})

	go func() {
		s.grpcSrv.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcSrv.Stop()
		s.running = false
		return fmt.Errorf("graceful shutdown timeout, forced stop")
	}

	s.running = false
	return nil
}

// ErrAlreadyServing is returned when registering a service after Start.
var ErrAlreadyServing = errors.New("grpc: services must be registered before Start")

// RegisterService queues a service for registration at Start.
func (s *Server) RegisterService(desc *grpc.ServiceDesc, impl any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.grpcSrv != nil {
		return ErrAlreadyServing
	}
	s.pending = append(s.pending, serviceRegistration{desc: desc, impl: impl})
	return nil
}

// SetServingStatus updates the health status of one service. It is a no-op
// while the health service is disabled or the server is stopped.
func (s *Server) SetServingStatus(service string, status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.healthServer != nil {
		s.healthServer.SetServingStatus(service, status)
	}
}

// GetServer returns the underlying gRPC server, nil before Start.
func (s *Server) GetServer() *grpc.Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grpcSrv
}

// Address returns the bound address once listening, else the configured one.
func (s *Server) Address() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Address
}

// IsRunning reports whether the server is serving.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) buildServerOptions() ([]grpc.ServerOption, error) {
	cfg := s.config
	var opts []grpc.ServerOption

	if cfg.TLS != nil && cfg.TLS.Enabled {
		creds, err := serverCredentials(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to build TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
	}
	if cfg.MaxConnections > 0 {
		opts = append(opts, grpc.MaxConcurrentStreams(uint32(cfg.MaxConnections)))
	}
	if ka := cfg.Keepalive; ka != nil {
		opts = append(opts,
			grpc.KeepaliveParams(keepalive.ServerParameters{
				MaxConnectionIdle:     ka.MaxIdle,
				MaxConnectionAge:      ka.MaxAge,
				MaxConnectionAgeGrace: ka.MaxAgeGrace,
				Time:                  ka.PingInterval,
				Timeout:               ka.PingTimeout,
			}),
			grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
				MinTime:             ka.MinPingInterval,
				PermitWithoutStream: ka.PermitWithoutStream,
			}),
		)
	}
	if cfg.MaxRecvMsgSize > 0 {
		opts = append(opts, grpc.MaxRecvMsgSize(cfg.MaxRecvMsgSize))
	}
	if cfg.MaxSendMsgSize > 0 {
		opts = append(opts, grpc.MaxSendMsgSize(cfg.MaxSendMsgSize))
	}

	// Recovery sits outermost so a panicking interceptor is caught too.
	chain := interceptors.NewChainBuilder().
		WithRecovery(s.log).
		WithRequestID()
	if rl := cfg.RateLimit; rl != nil && rl.RequestsPerSecond > 0 {
		chain = chain.WithRateLimit(rl.RequestsPerSecond, rl.Burst)
	}
	if cfg.EnableLogging {
		chain = chain.WithLogging(s.log)
	}
	if cfg.EnableTracing {
		chain = chain.WithTracing()
	}
	return append(opts, chain.Build()...), nil
}

// serverCredentials loads the key pair and, for mutual TLS, the client CA.
func serverCredentials(t *TLSConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if t.ClientAuth && t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("failed to parse CA certificate %s", t.CAFile)
		}
		tlsCfg.ClientCAs = pool
		tlsCfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return credentials.NewTLS(tlsCfg), nil
}
