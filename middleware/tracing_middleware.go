package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"track-rpc/codec"
)

const instrumentationName = "track_rpc"

// TracingConfig configures TracingMiddleware.
type TracingConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// ServiceName is the rpc.service attribute value.
	ServiceName string
}

// TracingMiddleware starts one server span per handled call and records the
// rpc.server.requests counter and the rpc.server.duration histogram.
func TracingMiddleware(cfg TracingConfig) Middleware {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "track-rpc"
	}

	tracer := cfg.TracerProvider.Tracer(instrumentationName)
	meter := cfg.MeterProvider.Meter(instrumentationName)
	requests, _ := meter.Int64Counter("rpc.server.requests",
		metric.WithUnit("{request}"),
		metric.WithDescription("Number of RPC requests"),
	)
	duration, _ := meter.Float64Histogram("rpc.server.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of RPC requests"),
	)

	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req codec.Writable) (codec.Writable, error) {
			method := CallName(req)
			attrs := []attribute.KeyValue{
				attribute.String("rpc.system", instrumentationName),
				attribute.String("rpc.service", cfg.ServiceName),
				attribute.String("rpc.method", method),
			}
			if id := ServerID(ctx); id != "" {
				attrs = append(attrs, attribute.String("rpc.track_rpc.server_id", id))
			}

			ctx, span := tracer.Start(ctx, instrumentationName+"/"+method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(attrs...),
			)
			defer span.End()

			start := time.Now()
			resp, err := next(ctx, req)
			elapsed := time.Since(start)

			status := "ok"
			if err != nil {
				status = "error"
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			} else {
				span.SetStatus(codes.Ok, "")
			}

			metricAttrs := metric.WithAttributes(
				attribute.String("rpc.service", cfg.ServiceName),
				attribute.String("rpc.method", method),
				attribute.String("status", status),
			)
			if requests != nil {
				requests.Add(ctx, 1, metricAttrs)
			}
			if duration != nil {
				duration.Record(ctx, elapsed.Seconds(), metricAttrs)
			}
			return resp, err
		}
	}
}
