package path

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const pathTracerName = "wheelsort.path"

const (
	spanPathExecute = "path.execute"
	spanPathSegment = "path.segment"
)

func pathTracer() trace.Tracer {
	return otel.Tracer(pathTracerName)
}
