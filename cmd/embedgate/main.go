// Command embedgate is the main entry point for the embedgate batch
// embedding server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/MrWong99/embedgate/internal/app"
	"github.com/MrWong99/embedgate/internal/config"
	"github.com/MrWong99/embedgate/internal/observe"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

// flags holds the command-line overrides. They are applied on top of the
// config file at startup and again after every hot reload.
type flags struct {
	configPath  string
	port        int
	reloadAfter int
	verbose     bool
}

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	var f flags
	flag.StringVar(&f.configPath, "config", "config.yaml", "path to the YAML configuration file")
	flag.IntVar(&f.port, "port", 0, "socket port, overrides server.socket.listen_addr")
	flag.IntVar(&f.reloadAfter, "reload-after", 0, "reload the model after this many records, overrides model.reload_after")
	flag.BoolVar(&f.verbose, "verbose", false, "log at debug level")
	flag.Parse()

	configSet := false
	flag.Visit(func(fl *flag.Flag) {
		if fl.Name == "config" {
			configSet = true
		}
	})

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, fileLoaded, err := loadConfig(f.configPath, configSet)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "embedgate: config file %q not found, copy configs/example.yaml to get started\n", f.configPath)
		} else {
			fmt.Fprintf(os.Stderr, "embedgate: %v\n", err)
		}
		return 1
	}
	if err := f.apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "embedgate: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(levelVar))

	slog.Info("embedgate starting",
		"version", version,
		"config", configSource(f.configPath, fileLoaded),
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "embedgate",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithLevelVar(levelVar),
		app.WithMetrics(metrics),
		app.WithMetricsHandler(tel.Handler),
	}

	// The watcher callback needs the application, which needs the watcher.
	var application *app.App
	if fileLoaded {
		watcher, err := config.NewWatcher(f.configPath, func(old, new *config.Config) {
			if err := f.apply(new); err != nil {
				slog.Warn("config: ignoring reloaded file", "err", err)
				return
			}
			application.ApplyConfig(old, new)
		})
		if err != nil {
			slog.Error("failed to start config watcher", "err", err)
			return 1
		}
		// The watcher's baseline must carry the flag overrides too.
		_ = f.apply(watcher.Current())
		opts = append(opts, app.WithWatcher(watcher))
	}

	start := time.Now()
	application, err = app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}
	slog.Info("server ready", "startup", time.Since(start), "socket", application.SocketAddr(), "http", application.HTTPAddr())

	runErr := application.Run(ctx)

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path. A missing file is only an error when the path was
// given explicitly; otherwise the built-in defaults are used.
func loadConfig(path string, explicit bool) (*config.Config, bool, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return config.Default(), false, nil
	}
	return nil, false, err
}

// apply writes the flag overrides into cfg and re-validates it.
func (f flags) apply(cfg *config.Config) error {
	if f.port != 0 {
		host := "127.0.0.1"
		if h, _, err := net.SplitHostPort(cfg.Server.Socket.ListenAddr); err == nil {
			host = h
		}
		cfg.Server.Socket.ListenAddr = net.JoinHostPort(host, strconv.Itoa(f.port))
	}
	if f.reloadAfter != 0 {
		cfg.Model.ReloadAfter = f.reloadAfter
	}
	if f.verbose {
		cfg.Server.LogLevel = config.LogDebug
	}
	return config.Validate(cfg)
}

func configSource(path string, loaded bool) string {
	if loaded {
		return path
	}
	return "(defaults)"
}

// newLogger creates a text slog.Logger on stderr whose level follows lv.
func newLogger(lv *slog.LevelVar) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lv}))
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║        embedgate — startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	fmt.Printf("║  Provider      : %-24s ║\n", cfg.Model.Provider.Name)
	fmt.Printf("║  Model         : %-24s ║\n", orDefault(cfg.Model.Provider.Model, "(default)"))
	fmt.Printf("║  Language      : %-24s ║\n", cfg.Model.Language)
	fmt.Printf("║  Reload after  : %-24d ║\n", cfg.Model.ReloadAfter)
	fmt.Printf("║  Reduce model  : %-24s ║\n", orDefault(cfg.Model.ReduceModel, "(none)"))
	fmt.Printf("║  Socket        : %-24s ║\n", listenerLabel(cfg.Server.Socket.ListenAddr))
	fmt.Printf("║  HTTP          : %-24s ║\n", listenerLabel(cfg.Server.HTTP.ListenAddr))
	fmt.Printf("║  Max records   : %-24d ║\n", cfg.Limits.MaxRecords)
	fmt.Printf("║  Gate timeout  : %-24s ║\n", cfg.Gate.Timeout)
	if cfg.Archive.PostgresDSN != "" {
		fmt.Printf("║  Archive       : %-24s ║\n", "postgres")
	} else {
		fmt.Printf("║  Archive       : %-24s ║\n", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func listenerLabel(addr string) string {
	if addr == config.Disabled {
		return "(disabled)"
	}
	return addr
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
