// Package observability configures process-wide logging and tracing.
//
// Logs always go through log/slog. By default they are written to stderr as
// text or JSON. When an OpenTelemetry exporter is configured, the default
// slog logger is bridged into an OTel LoggerProvider instead, and a
// TracerProvider exporting to the same destination is installed globally.
package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/processors/minsev"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutlog"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/log/global"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName identifies this process in exported telemetry.
const ServiceName = "aps-session"

// Exporter selects where OpenTelemetry logs are sent.
type Exporter string

const (
	ExporterNone   Exporter = "none"
	ExporterStdout Exporter = "stdout"
	ExporterOTLP   Exporter = "otlp"
)

// Protocol selects the OTLP transport.
type Protocol string

const (
	ProtocolHTTP Protocol = "http"
	ProtocolGRPC Protocol = "grpc"
)

// Options controls Instrument.
type Options struct {
	Level  slog.Level
	Format string // text or json

	Exporter Exporter
	Protocol Protocol
	// Endpoint is the OTLP endpoint URL. Empty uses the OTEL_EXPORTER_OTLP_* environment.
	Endpoint string

	// Writer receives local log output and stdout exports. Defaults to os.Stderr.
	Writer io.Writer
}

// Instrument installs the default slog logger and, if requested, the
// OpenTelemetry log and trace pipelines. The returned function flushes and
// stops them.
func Instrument(ctx context.Context, opts Options) (func(context.Context) error, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	handlerOpts := &slog.HandlerOptions{Level: opts.Level}
	var local slog.Handler
	switch opts.Format {
	case "", "text":
		local = slog.NewTextHandler(w, handlerOpts)
	case "json":
		local = slog.NewJSONHandler(w, handlerOpts)
	default:
		return nil, fmt.Errorf("unsupported log format: %s", opts.Format)
	}

	// OTel reports its own failures (e.g. export errors) here
	localLogger := slog.New(local)
	otel.SetErrorHandler(otel.ErrorHandlerFunc(func(err error) {
		localLogger.Error("opentelemetry error", "error", err)
	}))

	if opts.Exporter == "" || opts.Exporter == ExporterNone {
		slog.SetDefault(localLogger)
		return func(context.Context) error { return nil }, nil
	}

	processor, err := newProcessor(ctx, opts, w)
	if err != nil {
		return nil, err
	}
	spanProcessor, err := newSpanProcessor(ctx, opts, w)
	if err != nil {
		_ = processor.Shutdown(ctx)
		return nil, err
	}

	res := resource.NewSchemaless(attribute.String("service.name", ServiceName))

	loggerProvider := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(minsev.NewLogProcessor(processor, severityFor(opts.Level))),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(loggerProvider)
	slog.SetDefault(slog.New(otelslog.NewHandler(ServiceName, otelslog.WithLoggerProvider(loggerProvider))))

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(spanProcessor),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tracerProvider)

	return func(ctx context.Context) error {
		// spans first, their export errors are still logged
		return errors.Join(tracerProvider.Shutdown(ctx), loggerProvider.Shutdown(ctx))
	}, nil
}

func newProcessor(ctx context.Context, opts Options, w io.Writer) (sdklog.Processor, error) {
	switch opts.Exporter {
	case ExporterStdout:
		exp, err := stdoutlog.New(stdoutlog.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout log exporter: %w", err)
		}
		return sdklog.NewSimpleProcessor(exp), nil
	case ExporterOTLP:
		exp, err := newOTLPExporter(ctx, opts)
		if err != nil {
			return nil, err
		}
		return sdklog.NewBatchProcessor(exp), nil
	default:
		return nil, fmt.Errorf("unsupported telemetry exporter: %s", opts.Exporter)
	}
}

func newOTLPExporter(ctx context.Context, opts Options) (sdklog.Exporter, error) {
	switch opts.Protocol {
	case "", ProtocolHTTP:
		var httpOpts []otlploghttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlploghttp.WithEndpointURL(opts.Endpoint))
		}
		exp, err := otlploghttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/HTTP log exporter: %w", err)
		}
		return exp, nil
	case ProtocolGRPC:
		var grpcOpts []otlploggrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlploggrpc.WithEndpointURL(opts.Endpoint))
		}
		exp, err := otlploggrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/gRPC log exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", opts.Protocol)
	}
}

func newSpanProcessor(ctx context.Context, opts Options, w io.Writer) (sdktrace.SpanProcessor, error) {
	switch opts.Exporter {
	case ExporterStdout:
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
		}
		return sdktrace.NewSimpleSpanProcessor(exp), nil
	case ExporterOTLP:
		exp, err := newOTLPTraceExporter(ctx, opts)
		if err != nil {
			return nil, err
		}
		return sdktrace.NewBatchSpanProcessor(exp), nil
	default:
		return nil, fmt.Errorf("unsupported telemetry exporter: %s", opts.Exporter)
	}
}

func newOTLPTraceExporter(ctx context.Context, opts Options) (sdktrace.SpanExporter, error) {
	switch opts.Protocol {
	case "", ProtocolHTTP:
		var httpOpts []otlptracehttp.Option
		if opts.Endpoint != "" {
			httpOpts = append(httpOpts, otlptracehttp.WithEndpointURL(opts.Endpoint))
		}
		exp, err := otlptracehttp.New(ctx, httpOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/HTTP trace exporter: %w", err)
		}
		return exp, nil
	case ProtocolGRPC:
		var grpcOpts []otlptracegrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpointURL(opts.Endpoint))
		}
		exp, err := otlptracegrpc.New(ctx, grpcOpts...)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP/gRPC trace exporter: %w", err)
		}
		return exp, nil
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol: %s", opts.Protocol)
	}
}

// severityFor maps a slog level onto the minimum OTel severity to export.
func severityFor(level slog.Level) minsev.Severity {
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
