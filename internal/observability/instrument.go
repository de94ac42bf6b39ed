package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
)

// instrumentationName identifies log records emitted through the OTel bridge.
const instrumentationName = "github.com/licensekit/licensectl"

// Supported values for the log exporter setting.
const (
	ExporterNone     = ""
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// Instrument installs the default slog logger and the W3C trace-context
// propagator. Logs always go to stdout in logFormat; when exporter is set they
// are additionally shipped through an OpenTelemetry log pipeline.
//
// The returned shutdown flushes the pipeline and must be called before exit.
func Instrument(ctx context.Context, level slog.Level, logFormat, exporter string) (func(context.Context) error, error) {
	handler, err := newStdoutHandler(level, logFormat)
	if err != nil {
		return nil, err
	}

	shutdown := func(context.Context) error { return nil }

	if exporter != ExporterNone {
		provider, err := newLoggerProvider(ctx, level, exporter)
		if err != nil {
			return nil, err
		}
		handler = newFanoutHandler(handler, otelslog.NewHandler(instrumentationName, otelslog.WithLoggerProvider(provider)))
		shutdown = provider.Shutdown
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	slog.SetDefault(slog.New(newTraceContextHandler(handler)))

	return shutdown, nil
}

// newStdoutHandler creates a handler for human-readable logs.
func newStdoutHandler(level slog.Level, logFormat string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	switch strings.ToLower(logFormat) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q (expected: json, text)", logFormat)
	}

	return handler, nil
}

// newLoggerProvider builds an OTel logger provider that drops records below level.
// OTLP exporters read their endpoint and headers from the standard
// OTEL_EXPORTER_OTLP_* environment variables.
func newLoggerProvider(ctx context.Context, level slog.Level, exporterName string) (*sdklog.LoggerProvider, error) {
	var (
		exporter sdklog.Exporter
		err      error
	)
	switch strings.ToLower(exporterName) {
	case ExporterStdout:
		exporter, err = stdoutlog.New()
	case ExporterOTLPGRPC:
		exporter, err = otlploggrpc.New(ctx)
	case ExporterOTLPHTTP:
		exporter, err = otlploghttp.New(ctx)
	default:
		return nil, fmt.Errorf("unsupported log exporter %q (expected: stdout, otlp-grpc, otlp-http)", exporterName)
	}
	if err != nil {
		return nil, fmt.Errorf("creating %s log exporter: %w", exporterName, err)
	}

	processor := minsev.NewLogProcessor(sdklog.NewBatchProcessor(exporter), minSeverity(level))
	return sdklog.NewLoggerProvider(sdklog.WithProcessor(processor)), nil
}

// minSeverity maps a slog level onto the closest OTel severity.
func minSeverity(level slog.Level) minsev.Severity {
	switch {
	case level <= slog.LevelDebug:
		return minsev.SeverityDebug
	case level <= slog.LevelInfo:
		return minsev.SeverityInfo
	case level <= slog.LevelWarn:
		return minsev.SeverityWarn
	default:
		return minsev.SeverityError
	}
}

// ErrUnsupportedExporter is returned by ValidateExporter.
var ErrUnsupportedExporter = errors.New("unsupported log exporter")

// ValidateExporter checks an exporter name without creating anything.
func ValidateExporter(name string) error {
	switch strings.ToLower(name) {
	case ExporterNone, ExporterStdout, ExporterOTLPGRPC, ExporterOTLPHTTP:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnsupportedExporter, name)
}
