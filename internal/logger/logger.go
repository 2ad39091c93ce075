// Package logger is the process-wide structured logger. It writes JSON to
// stdout, or ships records over OTLP when OpenTelemetry is enabled, and keeps
// counters of the warnings and errors it sees so they can be scraped even when
// the log output itself is sampled.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelFatal = slog.Level(12)
)

// Options configures the process logger
type Options struct {
	Level string
	// SampleRate logs one in SampleRate warnings and errors; 1 or less logs all
	SampleRate  int
	OTEL        bool
	ServiceName string
}

var (
	Logger *slog.Logger

	level      = new(slog.LevelVar)
	sampleRate atomic.Int32

	mu       sync.Mutex
	shutdown func(context.Context) error
)

// Counters are incremented whether or not the log line is sampled out
var (
	Errors           atomic.Int64
	Warnings         atomic.Int64
	HTTP5xx          atomic.Int64
	HTTP4xx          atomic.Int64
	SlowRequests     atomic.Int64
	StoreUnavailable atomic.Int64
	RuleFaults       atomic.Int64
	ActionFailures   atomic.Int64
	DroppedMessages  atomic.Int64
)

func init() {
	level.Set(LevelInfo)
	sampleRate.Store(1)
	useJSON(os.Stdout)
}

// Configure replaces the process logger. It is called once at startup,
// before any goroutines log.
func Configure(ctx context.Context, opts Options) error {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return err
	}
	level.Set(lvl)

	rate := opts.SampleRate
	if rate < 1 {
		rate = 1
	}
	sampleRate.Store(int32(rate))

	if !opts.OTEL {
		useJSON(os.Stdout)
		return nil
	}

	name := opts.ServiceName
	if name == "" {
		name = "gamification"
	}
	if err := useOTEL(ctx, name); err != nil {
		useJSON(os.Stdout)
		return fmt.Errorf("otel logging: %w", err)
	}
	return nil
}

func useJSON(w io.Writer) {
	Logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(Logger)
}

func useOTEL(ctx context.Context, serviceName string) error {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return fmt.Errorf("resource: %w", err)
	}

	exporter, err := otlploggrpc.New(ctx)
	if err != nil {
		return fmt.Errorf("exporter: %w", err)
	}

	provider := sdklog.NewLoggerProvider(
		sdklog.WithResource(res),
		sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)),
	)

	handler := otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider))
	Logger = slog.New(&levelHandler{level: level, handler: handler})
	slog.SetDefault(Logger)

	mu.Lock()
	shutdown = provider.Shutdown
	mu.Unlock()
	return nil
}

// levelHandler applies the process level to handlers that ignore it
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}

// Shutdown flushes the OTLP exporter, if one is running
func Shutdown(ctx context.Context) error {
	mu.Lock()
	fn := shutdown
	mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// SetLevel changes the minimum level at runtime
func SetLevel(l slog.Level) {
	level.Set(l)
}

// ParseLevel converts a level name to slog.Level. Empty means INFO.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace, nil
	case "DEBUG":
		return LevelDebug, nil
	case "", "INFO":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR":
		return LevelError, nil
	case "FATAL":
		return LevelFatal, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func sampled() bool {
	rate := sampleRate.Load()
	return rate <= 1 || rand.IntN(int(rate)) == 0
}

// Collectors exposes the counters above as Prometheus metrics
func Collectors() []prometheus.Collector {
	counter := func(name, help string, v *atomic.Int64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "gamification",
			Subsystem: "log",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(v.Load()) })
	}
	return []prometheus.Collector{
		counter("errors_total", "Errors logged, before sampling.", &Errors),
		counter("warnings_total", "Warnings logged, before sampling.", &Warnings),
		counter("http_5xx_total", "HTTP responses with a 5xx status.", &HTTP5xx),
		counter("http_4xx_total", "HTTP responses with a 4xx status.", &HTTP4xx),
		counter("slow_requests_total", "HTTP requests slower than the slow threshold.", &SlowRequests),
		counter("store_unavailable_total", "Failed readiness checks against a backing store.", &StoreUnavailable),
		counter("rule_faults_total", "Rule evaluations that failed or panicked.", &RuleFaults),
		counter("action_failures_total", "Reward or notification actions that failed.", &ActionFailures),
		counter("dropped_messages_total", "Feed messages dropped without processing.", &DroppedMessages),
	}
}

func Trace(msg string, args ...any) {
	Logger.Log(context.Background(), LevelTrace, msg, args...)
}

func Debug(msg string, args ...any) {
	Logger.Debug(msg, args...)
}

func Info(msg string, args ...any) {
	Logger.Info(msg, args...)
}

// Warn is sampled; the counter is not
func Warn(msg string, args ...any) {
	Warnings.Add(1)
	if sampled() {
		Logger.Warn(msg, args...)
	}
}

// Error is sampled; the counter is not
func Error(msg string, args ...any) {
	Errors.Add(1)
	if sampled() {
		Logger.Error(msg, args...)
	}
}

// Fatal logs, flushes the exporter and exits
func Fatal(msg string, args ...any) {
	Logger.Log(context.Background(), LevelFatal, msg, args...)
	_ = Shutdown(context.Background())
	os.Exit(1)
}

// RecordHTTPStatus counts error responses. It does not log.
func RecordHTTPStatus(status int) {
	switch {
	case status >= 500:
		HTTP5xx.Add(1)
		Errors.Add(1)
	case status >= 400:
		HTTP4xx.Add(1)
		Warnings.Add(1)
	}
}

// RecordSlowRequest counts a slow request. It does not log.
func RecordSlowRequest() {
	SlowRequests.Add(1)
}

func WarnStoreUnavailable(msg string, args ...any) {
	StoreUnavailable.Add(1)
	Warn(msg, args...)
}

// ErrorRuleFault logs a failure isolated to a single rule
func ErrorRuleFault(msg string, args ...any) {
	RuleFaults.Add(1)
	Error(msg, args...)
}

func WarnActionFailure(msg string, args ...any) {
	ActionFailures.Add(1)
	Warn(msg, args...)
}

func WarnDroppedMessage(msg string, args ...any) {
	DroppedMessages.Add(1)
	Warn(msg, args...)
}
