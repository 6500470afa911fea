// Copyright 2026 szawaski. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

// Package zerraotel provides OpenTelemetry instrumentation for zerra servers.
// It implements the zerra.DispatchHook interface to add distributed tracing
// and metrics to dispatch.
//
// Usage:
//
//	srv := zerra.NewServer(addr, handlers)
//	zerraotel.InstrumentServer(srv, zerraotel.DefaultConfig())
package zerraotel

import (
	"context"
	"fmt"
	"time"

	zerra "github.com/szawaski/Zerra-sub009"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "zerra"

// OtelConfig configures OpenTelemetry instrumentation for a zerra server.
type OtelConfig struct {
	// TracerProvider supplies the tracer. Defaults to otel.GetTracerProvider().
	TracerProvider trace.TracerProvider
	// MeterProvider supplies the meter. Defaults to otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
	// Propagator extracts trace context from HTTP framing request headers.
	// Defaults to otel.GetTextMapPropagator().
	Propagator propagation.TextMapPropagator
	// EnableTracing enables span creation. Default true.
	EnableTracing bool
	// EnableMetrics enables counter and histogram recording. Default true.
	EnableMetrics bool
	// RecordExceptions calls RecordError on the span for failed dispatches.
	RecordExceptions bool
	// ServiceName is the rpc.service attribute value. Defaults to "ZerraServer".
	ServiceName string
	// CustomAttributes are added to every span.
	CustomAttributes []attribute.KeyValue
}

// DefaultConfig returns an OtelConfig with tracing, metrics and exception
// recording enabled. Providers are resolved from the global SDK by
// InstrumentServer.
func DefaultConfig() OtelConfig {
	return OtelConfig{
		EnableTracing:    true,
		EnableMetrics:    true,
		RecordExceptions: true,
	}
}

// InstrumentServer installs the hook as srv.Hook. Call it before srv.Open.
func InstrumentServer(srv *zerra.Server, cfg OtelConfig) {
	srv.Hook = NewHook(cfg)
}

// NewHook returns a zerra.DispatchHook recording spans and metrics.
func NewHook(cfg OtelConfig) zerra.DispatchHook {
	if cfg.TracerProvider == nil {
		cfg.TracerProvider = otel.GetTracerProvider()
	}
	if cfg.MeterProvider == nil {
		cfg.MeterProvider = otel.GetMeterProvider()
	}
	if cfg.Propagator == nil {
		cfg.Propagator = otel.GetTextMapPropagator()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "ZerraServer"
	}

	hook := &otelHook{
		cfg:    cfg,
		tracer: cfg.TracerProvider.Tracer(instrumentationName),
	}

	if cfg.EnableMetrics {
		meter := cfg.MeterProvider.Meter(instrumentationName)
		hook.requestCounter, _ = meter.Int64Counter("rpc.server.requests",
			metric.WithUnit("{request}"),
			metric.WithDescription("Number of dispatched requests"),
		)
		hook.durationHistogram, _ = meter.Float64Histogram("rpc.server.duration",
			metric.WithUnit("s"),
			metric.WithDescription("Duration of dispatched requests"),
		)
	}
	return hook
}

type otelHook struct {
	cfg               OtelConfig
	tracer            trace.Tracer
	requestCounter    metric.Int64Counter
	durationHistogram metric.Float64Histogram
}

type spanToken struct {
	span      trace.Span
	startTime time.Time
}

// OnDispatchStart extracts the parent trace context and starts a server span.
func (h *otelHook) OnDispatchStart(ctx context.Context, info zerra.DispatchInfo) (context.Context, zerra.HookToken) {
	if h.cfg.Propagator != nil && info.Metadata != nil {
		ctx = h.cfg.Propagator.Extract(ctx, propagation.MapCarrier(info.Metadata))
	}

	if !h.cfg.EnableTracing {
		return ctx, &spanToken{startTime: time.Now()}
	}

	attrs := []attribute.KeyValue{
		attribute.String("rpc.system", "zerra"),
		attribute.String("rpc.service", h.cfg.ServiceName),
		attribute.String("rpc.method", info.Method()),
		attribute.String("rpc.zerra.kind", info.Kind.String()),
		attribute.String("rpc.zerra.request_id", info.RequestID),
		attribute.String("rpc.zerra.framing", info.Framing.String()),
	}
	if info.Kind == zerra.KindCommand {
		attrs = append(attrs, attribute.String("rpc.zerra.await", info.AwaitMode.String()))
	}
	if info.Source != "" {
		attrs = append(attrs, attribute.String("rpc.zerra.source", info.Source))
	}
	if info.RemoteAddr != "" {
		attrs = append(attrs, attribute.String("net.peer.addr", info.RemoteAddr))
	}
	attrs = append(attrs, h.cfg.CustomAttributes...)

	ctx, span := h.tracer.Start(ctx, "zerra/"+info.Method(),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attrs...),
	)
	return ctx, &spanToken{span: span, startTime: time.Now()}
}

// OnDispatchEnd records metrics and ends the span.
func (h *otelHook) OnDispatchEnd(ctx context.Context, token zerra.HookToken, info zerra.DispatchInfo, err error) {
	st, ok := token.(*spanToken)
	if !ok {
		return
	}

	status := "ok"
	switch {
	case info.Aborted:
		status = "aborted"
	case err != nil:
		status = "error"
	}

	if h.cfg.EnableMetrics {
		metricAttrs := metric.WithAttributes(
			attribute.String("rpc.system", "zerra"),
			attribute.String("rpc.service", h.cfg.ServiceName),
			attribute.String("rpc.method", info.Method()),
			attribute.String("rpc.zerra.kind", info.Kind.String()),
			attribute.String("status", status),
		)
		if h.requestCounter != nil {
			h.requestCounter.Add(ctx, 1, metricAttrs)
		}
		if h.durationHistogram != nil {
			h.durationHistogram.Record(ctx, time.Since(st.startTime).Seconds(), metricAttrs)
		}
	}

	if st.span == nil || !st.span.IsRecording() {
		return
	}
	if info.Aborted {
		st.span.SetAttributes(attribute.Bool("rpc.zerra.aborted", true))
	}
	if err != nil {
		st.span.SetStatus(codes.Error, err.Error())
		if h.cfg.RecordExceptions {
			st.span.RecordError(err)
		}
		st.span.SetAttributes(attribute.String("rpc.zerra.error_type", errorType(err)))
	} else {
		st.span.SetStatus(codes.Ok, "")
	}
	st.span.End()
}

func errorType(err error) string {
	cause := errors.Cause(err)
	if re, ok := cause.(*zerra.RemoteError); ok {
		return re.TypeName
	}
	return fmt.Sprintf("%T", cause)
}
