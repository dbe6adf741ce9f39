package interceptors

import (
	"google.golang.org/grpc"

	"github.com/wheelsort/wheelsort/pkg/logger"
)

// ChainBuilder assembles unary and stream interceptors in call order.
type ChainBuilder struct {
	unaryInterceptors  []grpc.UnaryServerInterceptor
	streamInterceptors []grpc.StreamServerInterceptor
}

func NewChainBuilder() *ChainBuilder {
	return &ChainBuilder{}
}

// WithRecovery adds panic recovery. Add it first so it wraps everything else.
func (b *ChainBuilder) WithRecovery(log logger.Logger) *ChainBuilder {
	b.unaryInterceptors = append(b.unaryInterceptors, RecoveryUnaryInterceptor(log))
	b.streamInterceptors = append(b.streamInterceptors, RecoveryStreamInterceptor(log))
	return b
}

func (b *ChainBuilder) WithRequestID() *ChainBuilder {
	b.unaryInterceptors = append(b.unaryInterceptors, RequestIDUnaryInterceptor())
	b.streamInterceptors = append(b.streamInterceptors, RequestIDStreamInterceptor())
	return b
}

func (b *ChainBuilder) WithRateLimit(requestsPerSecond float64, burst int) *ChainBuilder {
	rl := NewRateLimiter(requestsPerSecond, burst)
	b.unaryInterceptors = append(b.unaryInterceptors, RateLimitUnaryInterceptor(rl))
	b.streamInterceptors = append(b.streamInterceptors, RateLimitStreamInterceptor(rl))
	return b
}

func (b *ChainBuilder) WithLogging(log logger.Logger) *ChainBuilder {
	b.unaryInterceptors = append(b.unaryInterceptors, LoggingUnaryInterceptor(log))
	b.streamInterceptors = append(b.streamInterceptors, LoggingStreamInterceptor(log))
	return b
}

func (b *ChainBuilder) WithTracing() *ChainBuilder {
	b.unaryInterceptors = append(b.unaryInterceptors, TracingUnaryInterceptor())
	b.streamInterceptors = append(b.streamInterceptors, TracingStreamInterceptor())
	return b
}

// Build returns the chain as server options.
func (b *ChainBuilder) Build() []grpc.ServerOption {
	opts := make([]grpc.ServerOption, 0, 2)
	if len(b.unaryInterceptors) > 0 {
		opts = append(opts, grpc.ChainUnaryInterceptor(b.unaryInterceptors...))
	}
	if len(b.streamInterceptors) > 0 {
		opts = append(opts, grpc.ChainStreamInterceptor(b.streamInterceptors...))
	}
	return opts
}

// DefaultChain is recovery, request id, rate limit, logging then tracing.
func DefaultChain(log logger.Logger) *ChainBuilder {
	return NewChainBuilder().
		WithRecovery(log).
		WithRequestID().
		WithRateLimit(100, 200).
		WithLogging(log).
		WithTracing()
}
