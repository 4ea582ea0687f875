package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "social-job-orchestrator"

// Tracer returns the tracer used around processor runs and submissions. It
// resolves through the global provider, so it is a no-op until a binary
// installs an SDK provider with otel.SetTracerProvider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
