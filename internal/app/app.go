// Package app wires the embedgate subsystems together. New builds the
// model manager, pipeline, service and transports from a config; Run serves
// until the context ends, a client sends the terminate sentinel or the model
// becomes unavailable; Shutdown releases everything in reverse order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/embedgate/internal/archive"
	"github.com/MrWong99/embedgate/internal/config"
	"github.com/MrWong99/embedgate/internal/gate"
	"github.com/MrWong99/embedgate/internal/health"
	"github.com/MrWong99/embedgate/internal/model"
	"github.com/MrWong99/embedgate/internal/observe"
	"github.com/MrWong99/embedgate/internal/pipeline"
	"github.com/MrWong99/embedgate/internal/reduce"
	"github.com/MrWong99/embedgate/internal/resilience"
	"github.com/MrWong99/embedgate/internal/service"
	"github.com/MrWong99/embedgate/internal/transport/httpapi"
	"github.com/MrWong99/embedgate/internal/transport/socket"
	"github.com/MrWong99/embedgate/pkg/provider/embeddings"
)

// httpShutdownTimeout bounds the graceful drain of in-flight HTTP requests.
const httpShutdownTimeout = 10 * time.Second

// errTerminated ends the run group after a terminate sentinel.
var errTerminated = errors.New("app: terminated by client")

// App owns every long-lived component of the service.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Injected or defaulted in New.
	metrics   *observe.Metrics
	levelVar  *slog.LevelVar
	telemetry http.Handler
	reducer   pipeline.Reducer
	sink      service.Sink
	watcher   Watcher

	breaker *resilience.CircuitBreaker
	models  *model.Manager
	gate    *gate.Gate
	service *service.Service
	health  *health.Handler

	socket *socket.Server
	httpLn net.Listener
	http   *http.Server

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for [New].
type Option func(*App)

// WithMetrics records into m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets hot reloads change the log level through lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = lv }
}

// WithMetricsHandler serves h at GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.telemetry = h }
}

// Watcher polls an external config source. [config.Watcher] implements it.
type Watcher interface {
	Run(ctx context.Context) error
}

// WithWatcher runs w next to the servers. Its change callback should call
// [App.ApplyConfig].
func WithWatcher(w Watcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithReducer injects a reduce model instead of loading model.reduce_model.
func WithReducer(r pipeline.Reducer) Option {
	return func(a *App) { a.reducer = r }
}

// WithSink injects an archive sink instead of connecting to
// archive.postgres_dsn.
func WithSink(s service.Sink) Option {
	return func(a *App) { a.sink = s }
}

// New builds the application and binds both listeners, so that port
// conflicts surface before Run.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, registry: reg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	if err := a.initReducer(); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.initArchive(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.initModel(ctx); err != nil {
		a.closeAll()
		return nil, err
	}

	a.gate = gate.New(gate.WithMetrics(a.metrics))
	a.service = service.New(service.Config{
		Gate: a.gate,
		Pipeline: pipeline.New(a.models, a.reducer,
			pipeline.WithLanguage(cfg.Model.Language),
			pipeline.WithMetrics(a.metrics),
		),
		GateTimeout: cfg.Gate.Timeout,
		MaxRecords:  cfg.Limits.MaxRecords,
		Sink:        a.sink,
		Metrics:     a.metrics,
	})

	checkers := []health.Checker{
		{Name: "model", Check: a.models.Check},
		{Name: "circuit_breaker", Check: a.breaker.Check},
	}
	if store, ok := a.sink.(*archive.Store); ok {
		checkers = append(checkers, health.Checker{Name: "archive", Check: store.Ping})
	}
	a.health = health.New(checkers...)

	if err := a.initSocket(ctx); err != nil {
		a.closeAll()
		return nil, err
	}
	if err := a.initHTTP(); err != nil {
		a.closeAll()
		return nil, err
	}
	return a, nil
}

func (a *App) initReducer() error {
	if a.reducer != nil || a.cfg.Model.ReduceModel == "" {
		return nil
	}
	m, err := reduce.Load(a.cfg.Model.ReduceModel)
	if err != nil {
		return fmt.Errorf("app: load reduce model: %w", err)
	}
	slog.Info("reduce model loaded",
		"path", a.cfg.Model.ReduceModel, "in", m.InputDim(), "out", m.OutputDim())
	a.reducer = m
	return nil
}

func (a *App) initArchive(ctx context.Context) error {
	if a.sink != nil || a.cfg.Archive.PostgresDSN == "" {
		return nil
	}
	store, err := archive.NewStore(ctx, a.cfg.Archive.PostgresDSN)
	if err != nil {
		return fmt.Errorf("app: init archive: %w", err)
	}
	a.sink = store
	a.closers = append(a.closers, func() error { store.Close(); return nil })
	slog.Info("archive connected")
	return nil
}

func (a *App) initModel(ctx context.Context) error {
	mc := a.cfg.Model
	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "embeddings/" + mc.Provider.Name,
		MaxFailures:  mc.CircuitBreaker.MaxFailures,
		ResetTimeout: mc.CircuitBreaker.ResetTimeout,
	})

	factory := func(ctx context.Context) (embeddings.Provider, error) {
		p, err := a.registry.CreateEmbeddings(ctx, mc.Provider)
		if err != nil {
			return nil, fmt.Errorf("create embeddings provider %q: %w", mc.Provider.Name, err)
		}
		return resilience.NewProvider(p, a.breaker), nil
	}

	start := time.Now()
	m, err := model.New(ctx, factory,
		model.WithReloadAfter(mc.ReloadAfter),
		model.WithRetries(mc.ReloadRetries, time.Second),
		model.WithMetrics(a.metrics),
		model.WithOnReload(func(embeddings.Provider) { a.breaker.Reset() }),
	)
	if err != nil {
		return fmt.Errorf("app: load model: %w", err)
	}
	a.models = m
	a.closers = append(a.closers, m.Close)

	h, _ := m.AcquireHandle()
	slog.Info("model loaded",
		"provider", mc.Provider.Name,
		"model", h.ModelID(),
		"dimensions", h.Dimensions(),
		"reload_after", mc.ReloadAfter,
		"elapsed", time.Since(start),
	)
	return nil
}

func (a *App) initSocket(ctx context.Context) error {
	sc := a.cfg.Server.Socket
	if sc.ListenAddr == config.Disabled {
		return nil
	}
	srv := socket.New(socket.Config{
		Addr:           sc.ListenAddr,
		BindRetries:    sc.BindRetries,
		BindRetryDelay: sc.BindRetryDelay,
		IdleTimeout:    sc.IdleTimeout,
	}, a.service)
	if err := srv.Listen(ctx); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	a.socket = srv
	a.closers = append(a.closers, srv.Close)
	return nil
}

func (a *App) initHTTP() error {
	addr := a.cfg.Server.HTTP.ListenAddr
	if addr == config.Disabled {
		return nil
	}
	mux := http.NewServeMux()
	a.health.Register(mux)
	httpapi.New(a.service).Register(mux)
	if a.telemetry != nil {
		mux.Handle("GET /metrics", a.telemetry)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("app: http listen %s: %w", addr, err)
	}
	a.httpLn = ln
	a.http = &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.closers = append(a.closers, func() error {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			return err
		}
		return nil
	})
	slog.Info("http: listening", "addr", ln.Addr().String())
	return nil
}

// Run serves until ctx is cancelled or a client sends the terminate
// sentinel, both of which return nil. A model that cannot be rebuilt makes
// Run return an error wrapping [model.ErrModelUnavailable].
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	var terminated <-chan struct{}
	if a.socket != nil {
		terminated = a.socket.Terminated()
		g.Go(func() error { return a.socket.Serve(gctx) })
	}

	if a.http != nil {
		g.Go(func() error {
			if err := a.http.Serve(a.httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: http serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			a.health.SetDraining()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), httpShutdownTimeout)
			defer cancel()
			return a.http.Shutdown(shutdownCtx)
		})
	}

	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-terminated:
			return errTerminated
		case err := <-a.service.Fatal():
			return fmt.Errorf("app: fatal: %w", err)
		}
	})

	err := g.Wait()
	if errors.Is(err, errTerminated) {
		return nil
	}
	return err
}

// ApplyConfig applies the hot-reloadable differences between old and new.
// Fields that need a restart are logged and otherwise ignored.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(slogLevel(d.NewLogLevel))
		slog.Info("config: log level changed", "level", d.NewLogLevel)
	}
	if d.ReloadAfterChanged {
		a.models.SetReloadAfter(d.NewReloadAfter)
		slog.Info("config: reload threshold changed", "reload_after", d.NewReloadAfter)
	}
	if d.GateTimeoutChanged {
		a.service.SetGateTimeout(d.NewGateTimeout)
		slog.Info("config: gate timeout changed", "timeout", d.NewGateTimeout)
	}
	if d.MaxRecordsChanged {
		a.service.SetMaxRecords(d.NewMaxRecords)
		slog.Info("config: record limit changed", "max_records", d.NewMaxRecords)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config: changes take effect after restart", "fields", d.RestartRequired)
	}
}

// SlogLevel maps a configured log level to its slog counterpart.
func SlogLevel(l config.LogLevel) slog.Level { return slogLevel(l) }

func slogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Service returns the request service shared by the transports.
func (a *App) Service() *service.Service { return a.service }

// SocketAddr returns the bound socket address, or nil when disabled.
func (a *App) SocketAddr() net.Addr {
	if a.socket == nil {
		return nil
	}
	return a.socket.Addr()
}

// HTTPAddr returns the bound HTTP address, or nil when disabled.
func (a *App) HTTPAddr() net.Addr {
	if a.httpLn == nil {
		return nil
	}
	return a.httpLn.Addr()
}

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers registered so far after a failed New.
func (a *App) closeAll() {
	_ = a.Shutdown(context.Background())
}
