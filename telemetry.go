package memsess

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelruntime "go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"pkt.systems/memsess/internal/loggingutil"
	"pkt.systems/pslog"
)

// TelemetryConfig selects which telemetry outputs StartTelemetry enables.
// Every field is optional; an all-empty config enables nothing.
type TelemetryConfig struct {
	// OTLPEndpoint receives traces. A bare host[:port] means insecure gRPC;
	// otherwise use grpc://, grpcs://, http:// or https://.
	OTLPEndpoint string
	// MetricsListen serves Prometheus metrics at /metrics.
	MetricsListen string
	// PprofListen serves net/http/pprof at /debug/pprof/.
	PprofListen string
	// ProfilingMetrics adds Go runtime metrics to the Prometheus endpoint.
	ProfilingMetrics bool
}

// Telemetry owns the providers and listeners started by StartTelemetry.
type Telemetry struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metrics        *listener
	pprof          *listener
	logger         pslog.Logger
}

// listener is one HTTP endpoint served in the background.
type listener struct {
	name string
	srv  *http.Server
	ln   net.Listener
}

// traceEndpoint is a parsed OTLPEndpoint.
type traceEndpoint struct {
	transport string // "grpc" or "http"
	hostPort  string
	urlPath   string
	plaintext bool
}

// traceSchemes maps OTLPEndpoint schemes to transport, TLS and default port.
var traceSchemes = map[string]struct {
	transport string
	plaintext bool
	port      string
}{
	"grpc":  {"grpc", true, "4317"},
	"grpcs": {"grpc", false, "4317"},
	"http":  {"http", true, "4318"},
	"https": {"http", false, "4318"},
}

var (
	runtimeMetricsOnce sync.Once
	runtimeMetricsErr  error
)

// StartTelemetry installs global OpenTelemetry providers for the outputs
// named in cfg. It returns a nil Telemetry when cfg enables nothing; Shutdown
// is safe on nil.
func StartTelemetry(ctx context.Context, cfg TelemetryConfig, logger pslog.Logger) (*Telemetry, error) {
	endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
	metricsListen := strings.TrimSpace(cfg.MetricsListen)
	pprofListen := strings.TrimSpace(cfg.PprofListen)
	if endpoint == "" && metricsListen == "" && pprofListen == "" && !cfg.ProfilingMetrics {
		return nil, nil
	}
	if cfg.ProfilingMetrics && metricsListen == "" {
		return nil, fmt.Errorf("telemetry: profiling metrics require metrics listen address")
	}
	t := &Telemetry{logger: loggingutil.WithSubsystem(logger, "telemetry")}
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("memsess")),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}
	steps := []func() error{
		func() error { return t.startTracing(ctx, endpoint, res) },
		func() error { return t.startMetrics(metricsListen, cfg.ProfilingMetrics, res) },
		func() error { return t.startPprof(pprofListen) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			t.close(ctx, false)
			return nil, err
		}
	}
	otel.SetErrorHandler(otel.ErrorHandlerFunc(t.exporterError))
	return t, nil
}

func (t *Telemetry) exporterError(err error) {
	if err == nil {
		return
	}
	// The gRPC exporter reports every reconnect attempt.
	if strings.Contains(err.Error(), "waiting for connections to become ready") {
		t.logger.Debug("telemetry.exporter.retry", "error", err)
		return
	}
	t.logger.Warn("telemetry.exporter.error", "error", err)
}

func (t *Telemetry) startTracing(ctx context.Context, raw string, res *resource.Resource) error {
	if raw == "" {
		return nil
	}
	ep, err := parseTraceEndpoint(raw)
	if err != nil {
		return err
	}
	exporter, err := newTraceExporter(ctx, ep)
	if err != nil {
		return fmt.Errorf("telemetry: start %s trace exporter: %w", ep.transport, err)
	}
	t.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(t.tracerProvider)
	t.logger.Info("telemetry.tracing.enabled",
		"transport", ep.transport,
		"endpoint", ep.hostPort,
		"path", ep.urlPath,
		"plaintext", ep.plaintext,
	)
	return nil
}

func newTraceExporter(ctx context.Context, ep traceEndpoint) (sdktrace.SpanExporter, error) {
	const timeout = 10 * time.Second
	if ep.transport == "http" {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(ep.hostPort),
			otlptracehttp.WithTimeout(timeout),
		}
		if ep.plaintext {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if ep.urlPath != "" {
			opts = append(opts, otlptracehttp.WithURLPath(ep.urlPath))
		}
		return otlptracehttp.New(ctx, opts...)
	}
	creds := credentials.NewClientTLSFromCert(nil, "")
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(ep.hostPort),
		otlptracegrpc.WithTimeout(timeout),
	}
	if ep.plaintext {
		creds = insecure.NewCredentials()
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	opts = append(opts, otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(creds)))
	return otlptracegrpc.New(ctx, opts...)
}

func (t *Telemetry) startMetrics(addr string, runtimeMetrics bool, res *resource.Resource) error {
	if addr == "" {
		return nil
	}
	registry := prometheus.NewRegistry()
	exporterOpts := []otelprometheus.Option{otelprometheus.WithRegisterer(registry)}
	if runtimeMetrics {
		exporterOpts = append(exporterOpts, otelprometheus.WithProducer(otelruntime.NewProducer()))
	}
	exporter, err := otelprometheus.New(exporterOpts...)
	if err != nil {
		return fmt.Errorf("telemetry: start prometheus exporter: %w", err)
	}
	t.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(t.meterProvider)
	if runtimeMetrics {
		runtimeMetricsOnce.Do(func() {
			runtimeMetricsErr = otelruntime.Start(otelruntime.WithMeterProvider(t.meterProvider))
		})
		if runtimeMetricsErr != nil {
			return fmt.Errorf("telemetry: runtime metrics: %w", runtimeMetricsErr)
		}
		t.logger.Info("profiling.metrics.enabled")
	}
	t.metrics, err = t.listen("metrics", addr, map[string]http.Handler{
		"/metrics": promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})
	return err
}

func (t *Telemetry) startPprof(addr string) error {
	if addr == "" {
		return nil
	}
	var err error
	t.pprof, err = t.listen("pprof", addr, map[string]http.Handler{
		"/debug/pprof/":        http.HandlerFunc(pprof.Index),
		"/debug/pprof/cmdline": http.HandlerFunc(pprof.Cmdline),
		"/debug/pprof/profile": http.HandlerFunc(pprof.Profile),
		"/debug/pprof/symbol":  http.HandlerFunc(pprof.Symbol),
		"/debug/pprof/trace":   http.HandlerFunc(pprof.Trace),
	})
	return err
}

func (t *Telemetry) listen(name, addr string, routes map[string]http.Handler) (*listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %s listen: %w", name, err)
	}
	mux := http.NewServeMux()
	for pattern, h := range routes {
		mux.Handle(pattern, h)
	}
	l := &listener{
		name: name,
		srv:  &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:   ln,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Warn("telemetry.serve_error", "listener", name, "error", err)
		}
	}()
	t.logger.Info("telemetry."+name+".enabled", "listen", ln.Addr().String())
	return l, nil
}

func (l *listener) addr() string {
	if l == nil {
		return ""
	}
	return l.ln.Addr().String()
}

// MetricsAddr returns the bound metrics address, or "" when metrics are off.
func (t *Telemetry) MetricsAddr() string {
	if t == nil {
		return ""
	}
	return t.metrics.addr()
}

// PprofAddr returns the bound pprof address, or "" when pprof is off.
func (t *Telemetry) PprofAddr() string {
	if t == nil {
		return ""
	}
	return t.pprof.addr()
}

// Shutdown flushes exporters and closes listeners.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	if err := t.close(ctx, true); err != nil {
		return err
	}
	t.logger.Info("telemetry.shutdown.complete")
	return nil
}

// close stops everything that was started. With report set, failures are
// logged and returned; otherwise they are dropped.
func (t *Telemetry) close(ctx context.Context, report bool) error {
	type closer struct {
		what string
		fn   func(context.Context) error
	}
	var closers []closer
	if t.meterProvider != nil {
		closers = append(closers, closer{"metric", t.meterProvider.Shutdown})
	}
	for _, l := range []*listener{t.metrics, t.pprof} {
		if l == nil {
			continue
		}
		closers = append(closers, closer{l.name + "_server", func(ctx context.Context) error {
			err := l.srv.Shutdown(ctx)
			_ = l.ln.Close()
			return err
		}})
	}
	if t.tracerProvider != nil {
		closers = append(closers, closer{"trace", t.tracerProvider.Shutdown})
	}
	var errs []error
	for _, c := range closers {
		err := c.fn(ctx)
		if err == nil || errors.Is(err, http.ErrServerClosed) || !report {
			continue
		}
		errs = append(errs, fmt.Errorf("%s shutdown: %w", c.what, err))
		t.logger.Warn("telemetry.shutdown."+c.what+"_failure", "error", err)
	}
	return errors.Join(errs...)
}

// parseTraceEndpoint accepts host, host:port or scheme://host[:port][/path]
// and fills in the scheme's default port.
func parseTraceEndpoint(raw string) (traceEndpoint, error) {
	if raw == "" {
		return traceEndpoint{}, fmt.Errorf("telemetry: empty endpoint")
	}
	if !strings.Contains(raw, "://") {
		raw = "grpc://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return traceEndpoint{}, fmt.Errorf("telemetry: parse endpoint: %w", err)
	}
	scheme, ok := traceSchemes[strings.ToLower(u.Scheme)]
	if !ok {
		return traceEndpoint{}, fmt.Errorf("telemetry: unknown scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return traceEndpoint{}, fmt.Errorf("telemetry: missing endpoint host")
	}
	ep := traceEndpoint{
		transport: scheme.transport,
		hostPort:  u.Host,
		urlPath:   strings.TrimSuffix(u.Path, "/"),
		plaintext: scheme.plaintext,
	}
	if u.Port() == "" {
		ep.hostPort = net.JoinHostPort(u.Hostname(), scheme.port)
	}
	return ep, nil
}
