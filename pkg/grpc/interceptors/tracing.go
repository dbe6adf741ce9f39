package interceptors

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

const instrumentationName = "github.com/wheelsort/wheelsort/pkg/grpc"

// TracingUnaryInterceptor starts a server span per call, continuing any trace
// propagated in the incoming metadata.
func TracingUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ctx, span := startServerSpan(ctx, info.FullMethod)
		defer span.End()

		resp, err := handler(ctx, req)
		endServerSpan(span, err)
		return resp, err
	}
}

// TracingStreamInterceptor spans the whole lifetime of a stream, so an EMC
// hub connection shows up as one long span.
func TracingStreamInterceptor() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx, span := startServerSpan(ss.Context(), info.FullMethod)
		defer span.End()

		err := handler(srv, &wrappedStream{ServerStream: ss, ctx: ctx})
		endServerSpan(span, err)
		return err
	}
}

// startServerSpan extracts the caller's trace from incoming metadata and
// primes outgoing metadata so calls made by the handler continue it.
func startServerSpan(ctx context.Context, fullMethod string) (context.Context, trace.Span) {
	prop := otel.GetTextMapPropagator()
	in, _ := metadata.FromIncomingContext(ctx)
	ctx = prop.Extract(ctx, mdCarrier(in))

	service, method := parseFullMethod(fullMethod)
	ctx, span := otel.Tracer(instrumentationName).Start(ctx, fullMethod,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("rpc.system", "grpc"),
			attribute.String("rpc.service", service),
			attribute.String("rpc.method", method),
		),
	)

	out := metadata.MD{}
	prop.Inject(ctx, mdCarrier(out))
	return metadata.NewOutgoingContext(ctx, out), span
}

func endServerSpan(span trace.Span, err error) {
	code := status.Code(err)
	span.SetAttributes(attribute.Int("rpc.grpc.status_code", int(code)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(otelcodes.Error, code.String())
		return
	}
	span.SetStatus(otelcodes.Ok, "")
}

// parseFullMethod splits "/pkg.Service/Method".
func parseFullMethod(fullMethod string) (service, method string) {
	name := strings.TrimPrefix(fullMethod, "/")
	if name == "" {
		return "unknown", "unknown"
	}
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i], name[i+1:]
	}
	return name, "unknown"
}

// mdCarrier adapts grpc metadata to the OTel propagator. Keys are already
// lower case, which is what metadata.MD expects.
type mdCarrier metadata.MD

var _ propagation.TextMapCarrier = mdCarrier{}

func (c mdCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c mdCarrier) Set(key, value string) { metadata.MD(c).Set(key, value) }

func (c mdCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}
