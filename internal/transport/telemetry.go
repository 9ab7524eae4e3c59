package transport

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/bestZwei/AIBC/transport"

type instruments struct {
	tracer    trace.Tracer
	attempts  metric.Int64Counter
	failures  metric.Int64Counter
	fallbacks metric.Int64Counter
}

func newInstruments() instruments {
	meter := otel.Meter(instrumentationName)
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil {
			return noop.Int64Counter{}
		}
		return c
	}
	return instruments{
		tracer:    otel.Tracer(instrumentationName),
		attempts:  counter("aibc.transport.attempts", "Requests sent to remote services"),
		failures:  counter("aibc.transport.failures", "Requests that failed after all retries"),
		fallbacks: counter("aibc.transport.fallbacks", "Fallback paths taken (degraded, secondary, local, silent)"),
	}
}

func (in instruments) attempt(ctx context.Context, op string) {
	in.attempts.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

func (in instruments) failure(ctx context.Context, op string, kind Kind) {
	in.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("kind", string(kind))))
}

func (in instruments) fallback(ctx context.Context, path string) {
	in.fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("path", path)))
}
