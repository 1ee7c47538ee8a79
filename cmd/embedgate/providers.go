package main

import (
	"context"
	"log/slog"

	"github.com/MrWong99/embedgate/internal/config"
	"github.com/MrWong99/embedgate/pkg/provider/embeddings"
	"github.com/MrWong99/embedgate/pkg/provider/embeddings/mock"
	ollamaembed "github.com/MrWong99/embedgate/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/embedgate/pkg/provider/embeddings/openai"
	"github.com/MrWong99/embedgate/pkg/provider/embeddings/worker"
)

// mockDimensions is the vector size of the mock provider unless the
// "dimensions" option says otherwise.
const mockDimensions = 1024

// registerBuiltinProviders wires all built-in embeddings factories into reg.
// Each factory is called at startup and again on every model reload.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterEmbeddings("ollama", func(_ context.Context, entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		timeout, err := entry.OptionDuration("timeout", 0)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, ollamaembed.WithTimeout(timeout))
		}
		dims, err := entry.OptionInt("dimensions", 0)
		if err != nil {
			return nil, err
		}
		if dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		keepAlive, err := entry.OptionString("keep_alive", "")
		if err != nil {
			return nil, err
		}
		if keepAlive != "" {
			opts = append(opts, ollamaembed.WithKeepAlive(keepAlive))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("openai", func(_ context.Context, entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		org, err := entry.OptionString("organization", "")
		if err != nil {
			return nil, err
		}
		if org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		timeout, err := entry.OptionDuration("timeout", 0)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, oaembed.WithTimeout(timeout))
		}
		dims, err := entry.OptionInt("dimensions", 0)
		if err != nil {
			return nil, err
		}
		if dims > 0 {
			opts = append(opts, oaembed.WithDimensions(dims))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	// worker runs a local model in a subprocess, e.g. a LASER encoder script.
	reg.RegisterEmbeddings("worker", func(ctx context.Context, entry config.ProviderEntry) (embeddings.Provider, error) {
		command, err := entry.OptionStrings("command")
		if err != nil {
			return nil, err
		}
		opts := []worker.Option{}
		if entry.Model != "" {
			opts = append(opts, worker.WithModelID(entry.Model))
		}
		dir, err := entry.OptionString("dir", "")
		if err != nil {
			return nil, err
		}
		if dir != "" {
			opts = append(opts, worker.WithDir(dir))
		}
		env, err := entry.OptionStrings("env")
		if err != nil {
			return nil, err
		}
		if len(env) > 0 {
			opts = append(opts, worker.WithEnv(env...))
		}
		dims, err := entry.OptionInt("dimensions", 0)
		if err != nil {
			return nil, err
		}
		if dims > 0 {
			opts = append(opts, worker.WithDimensions(dims))
		}
		return worker.New(ctx, command, opts...)
	})

	reg.RegisterEmbeddings("mock", func(_ context.Context, entry config.ProviderEntry) (embeddings.Provider, error) {
		dims, err := entry.OptionInt("dimensions", mockDimensions)
		if err != nil {
			return nil, err
		}
		id := entry.Model
		if id == "" {
			id = "mock"
		}
		return &mock.Provider{DimensionsValue: dims, ModelIDValue: id}, nil
	})

	for _, name := range reg.EmbeddingsNames() {
		slog.Debug("registered provider", "kind", "embeddings", "name", name)
	}
}
