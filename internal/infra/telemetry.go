package infra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"pii-encryption-service/config"
)

// ShutdownFunc はテレメトリの送信を止め、未送信のスパンを書き出す。
type ShutdownFunc func(ctx context.Context) error

func noopShutdown(context.Context) error { return nil }

// SetupTelemetry はトレース伝搬・トレーサー・ロガーをまとめて設定する。
// トレースIDをログに載せるため、ロガーはトレーサーの後に設定する。
// OTEL_ENABLED=false でも伝搬は有効にし、上流のトレースIDをログに残す。
func SetupTelemetry(ctx context.Context, cfg *config.Config, logOut io.Writer) (ShutdownFunc, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	shutdown := ShutdownFunc(noopShutdown)
	if cfg.OtelEnabled {
		tp, err := newTracerProvider(ctx, cfg)
		if err != nil {
			return nil, err
		}
		otel.SetTracerProvider(tp)
		shutdown = tp.Shutdown
	}

	slog.SetDefault(NewLogger(logOut, cfg))
	slog.InfoContext(ctx, "telemetry configured",
		"tracing_enabled", cfg.OtelEnabled,
		"service_name", cfg.OtelServiceName,
	)
	return shutdown, nil
}

func newTracerProvider(ctx context.Context, cfg *config.Config) (*sdktrace.TracerProvider, error) {
	if cfg.OtelEndpoint == "" {
		return nil, errors.New("OTEL_ENDPOINT is required when OTEL_ENABLED=true")
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OtelEndpoint)}
	if cfg.OtelInsecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(semconv.ServiceName(cfg.OtelServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("building trace resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplingRate(cfg.OtelSamplingRate)))),
	), nil
}

// samplingRate は 0〜1 の範囲に収める。
func samplingRate(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}
