package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the embedding backends shipped with embedgate.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = []string{"ollama", "openai", "worker", "mock"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, fills defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills zero-valued fields of cfg with their defaults.
// A negative server.socket.bind_retries disables bind retries.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.HTTP.ListenAddr == "" {
		cfg.Server.HTTP.ListenAddr = DefaultHTTPListenAddr
	}
	if cfg.Server.Socket.ListenAddr == "" {
		cfg.Server.Socket.ListenAddr = DefaultSocketListenAddr
	}
	switch {
	case cfg.Server.Socket.BindRetries == 0:
		cfg.Server.Socket.BindRetries = DefaultBindRetries
	case cfg.Server.Socket.BindRetries < 0:
		cfg.Server.Socket.BindRetries = 0
	}
	if cfg.Server.Socket.BindRetryDelay == 0 {
		cfg.Server.Socket.BindRetryDelay = DefaultBindRetryDelay
	}
	if cfg.Model.Provider.Name == "" {
		cfg.Model.Provider.Name = "ollama"
	}
	if cfg.Model.Language == "" {
		cfg.Model.Language = DefaultLanguage
	}
	if cfg.Model.ReloadAfter == 0 {
		cfg.Model.ReloadAfter = DefaultReloadAfter
	}
	if cfg.Model.CircuitBreaker.MaxFailures == 0 {
		cfg.Model.CircuitBreaker.MaxFailures = DefaultMaxFailures
	}
	if cfg.Model.CircuitBreaker.ResetTimeout == 0 {
		cfg.Model.CircuitBreaker.ResetTimeout = DefaultResetTimeout
	}
	if cfg.Gate.Timeout == 0 {
		cfg.Gate.Timeout = DefaultGateTimeout
	}
	if cfg.Limits.MaxRecords == 0 {
		cfg.Limits.MaxRecords = DefaultMaxRecords
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if err := validateAddr(cfg.Server.HTTP.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("server.http.listen_addr: %w", err))
	}
	if err := validateAddr(cfg.Server.Socket.ListenAddr); err != nil {
		errs = append(errs, fmt.Errorf("server.socket.listen_addr: %w", err))
	}
	if cfg.Server.HTTP.ListenAddr == Disabled && cfg.Server.Socket.ListenAddr == Disabled {
		errs = append(errs, errors.New("server: at least one of http and socket must be enabled"))
	}
	if cfg.Server.Socket.BindRetryDelay < 0 {
		errs = append(errs, fmt.Errorf("server.socket.bind_retry_delay %s must not be negative", cfg.Server.Socket.BindRetryDelay))
	}
	if cfg.Server.Socket.IdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.socket.idle_timeout %s must not be negative", cfg.Server.Socket.IdleTimeout))
	}

	// Model
	validateProviderName(cfg.Model.Provider.Name)
	if cfg.Model.ReloadAfter < 0 {
		errs = append(errs, fmt.Errorf("model.reload_after %d must be positive", cfg.Model.ReloadAfter))
	}
	if cfg.Model.ReloadRetries < 0 {
		errs = append(errs, fmt.Errorf("model.reload_retries %d must not be negative", cfg.Model.ReloadRetries))
	}
	if cfg.Model.CircuitBreaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("model.circuit_breaker.max_failures %d must not be negative", cfg.Model.CircuitBreaker.MaxFailures))
	}
	if cfg.Model.ReduceModel == "" {
		slog.Warn("model.reduce_model is empty; requests asking for reduce will fail")
	}

	// Gate and limits
	if cfg.Gate.Timeout < 0 {
		errs = append(errs, fmt.Errorf("gate.timeout %s must not be negative", cfg.Gate.Timeout))
	}
	if cfg.Limits.MaxRecords < 0 {
		errs = append(errs, fmt.Errorf("limits.max_records %d must be positive", cfg.Limits.MaxRecords))
	}

	return errors.Join(errs...)
}

func validateAddr(addr string) error {
	if addr == "" || addr == Disabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%q is not a host:port address: %w", addr, err)
	}
	return nil
}

// validateProviderName logs a warning if name is non-empty and not one of
// [ValidProviderNames].
func validateProviderName(name string) {
	if name == "" || slices.Contains(ValidProviderNames, name) {
		return
	}
	slog.Warn("unknown embeddings provider name, may be a typo or third-party provider",
		"name", name,
		"known", ValidProviderNames,
	)
}
