package interceptors

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/wheelsort/wheelsort/pkg/logger"
)

// LoggingUnaryInterceptor logs each call with its status and duration.
func LoggingUnaryInterceptor(log logger.Logger) grpc.UnaryServerInterceptor {
	log = logger.OrNop(log)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		logCall(ctx, log, "grpc call", info.FullMethod, start, err)
		return resp, err
	}
}

// LoggingStreamInterceptor logs stream open and close.
func LoggingStreamInterceptor(log logger.Logger) grpc.StreamServerInterceptor {
	log = logger.OrNop(log)
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		ctx := ss.Context()
		log.DebugContext(ctx, "grpc stream opened", "method", info.FullMethod, "request_id", requestID(ctx))

		err := handler(srv, ss)
		logCall(ctx, log, "grpc stream closed", info.FullMethod, start, err)
		return err
	}
}

func logCall(ctx context.Context, log logger.Logger, msg, method string, start time.Time, err error) {
	args := []any{
		"method", method,
		"request_id", requestID(ctx),
		"code", status.Code(err).String(),
		"duration", time.Since(start),
	}
	if err != nil {
		log.WarnContext(ctx, msg, append(args, "error", err)...)
		return
	}
	log.InfoContext(ctx, msg, args...)
}

func requestID(ctx context.Context) string {
	if id, ok := RequestIDFromContext(ctx); ok {
		return id
	}
	return "unknown"
}
