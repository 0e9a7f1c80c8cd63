package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	serviceName    = "edgechat"
	serviceVersion = "1.0.0"
	metricInterval = 10 * time.Second
)

func rotatingFile(logDir, name string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filepath.Join(logDir, name),
		MaxSize:    10, // 10 MB
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}
}

// InitLogger installs a JSON slog logger writing to logDir/edgechat.log and
// returns it with the closer for the file.
func InitLogger(logDir string, debug bool) (*slog.Logger, func() error, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	lumberjackLogger := rotatingFile(logDir, "edgechat.log")

	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	// stdout is the conversation
	handler := slog.NewJSONHandler(lumberjackLogger, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler)
	slog.SetDefault(logger)

	return logger, lumberjackLogger.Close, nil
}

// Shutdown flushes pending telemetry and closes the export files
type Shutdown func(ctx context.Context) error

// InitTelemetry installs global trace and meter providers whose exporters
// write JSON to edgechat_traces.log and edgechat_metrics.log under logDir.
func InitTelemetry(ctx context.Context, logDir string) (trace.Tracer, metric.Meter, Shutdown, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	traceFile := rotatingFile(logDir, "edgechat_traces.log")
	tp, err := newTracerProvider(traceFile, res)
	if err != nil {
		return nil, nil, nil, err
	}

	metricsFile := rotatingFile(logDir, "edgechat_metrics.log")
	mp, err := newMeterProvider(metricsFile, res)
	if err != nil {
		return nil, nil, nil, errors.Join(err, tp.Shutdown(ctx), traceFile.Close())
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
		if err := mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
		errs = append(errs, traceFile.Close(), metricsFile.Close())
		return errors.Join(errs...)
	}

	return tp.Tracer(serviceName), mp.Meter(serviceName), shutdown, nil
}

func newTracerProvider(w io.Writer, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// Metrics are collected every metricInterval and on shutdown.
func newMeterProvider(w io.Writer, res *resource.Resource) (*sdkmetric.MeterProvider, error) {
	exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("failed to create metric exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(metricInterval))),
		sdkmetric.WithResource(res),
	), nil
}
