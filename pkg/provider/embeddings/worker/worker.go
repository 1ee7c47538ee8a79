// Package worker provides an embeddings provider that drives a long-lived
// model subprocess over newline-delimited JSON on stdin/stdout.
//
// The subprocess (typically a Python script holding a LASER model in memory)
// reads one request per line:
//
//	{"texts": ["..."], "lang": "en"}
//
// and answers with one line:
//
//	{"vectors": [[...], ...], "error": ""}
//
// Anything the process writes to stderr is forwarded to the host's stderr.
// Closing the provider terminates the process, which is what makes a model
// reload actually return the leaked memory to the operating system.
package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/MrWong99/embedgate/pkg/provider/embeddings"
)

// Ensure Provider implements the embeddings.Provider interface at compile time.
var _ embeddings.Provider = (*Provider)(nil)

// ErrNotRunning is returned by EmbedBatch after the process has exited or
// the provider was closed.
var ErrNotRunning = errors.New("worker embeddings: process is not running")

// stopGrace is how long Close waits for the process to exit after closing its
// stdin before killing it.
const stopGrace = 5 * time.Second

// Provider implements embeddings.Provider on top of a child process.
type Provider struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader // ReadBytes instead of Scanner: 500 x 1024 floats exceed any sane token limit
	model  string
	dims   int
	exited chan struct{}

	mu      sync.Mutex
	running bool
}

type config struct {
	dir    string
	env    []string
	model  string
	dims   int
	stderr io.Writer
}

// Option is a functional option for Provider.
type Option func(*config)

// WithDir sets the working directory of the subprocess.
func WithDir(dir string) Option {
	return func(c *config) { c.dir = dir }
}

// WithEnv appends KEY=VALUE entries to the subprocess environment.
func WithEnv(env ...string) Option {
	return func(c *config) { c.env = append(c.env, env...) }
}

// WithModelID sets the identifier reported by ModelID. Defaults to the
// executable name.
func WithModelID(id string) Option {
	return func(c *config) { c.model = id }
}

// WithDimensions sets the value reported by Dimensions.
func WithDimensions(dims int) Option {
	return func(c *config) { c.dims = dims }
}

// WithStderr redirects the subprocess stderr. Defaults to os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(c *config) { c.stderr = w }
}

// New starts the subprocess described by command (executable followed by
// its arguments) and returns a Provider talking to it. The process is
// started with ctx only for the launch itself; its lifetime is bounded by
// Close, not by ctx.
func New(ctx context.Context, command []string, opts ...Option) (*Provider, error) {
	if len(command) == 0 || command[0] == "" {
		return nil, fmt.Errorf("worker embeddings: command must not be empty")
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("worker embeddings: %w", err)
	}

	cfg := &config{model: command[0], stderr: os.Stderr}
	for _, o := range opts {
		o(cfg)
	}

	cmd := exec.Command(command[0], command[1:]...)
	cmd.Dir = cfg.dir
	cmd.Env = append(os.Environ(), cfg.env...)
	cmd.Stderr = cfg.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker embeddings: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker embeddings: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("worker embeddings: start %q: %w", command[0], err)
	}

	p := &Provider{
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReader(stdout),
		model:   cfg.model,
		dims:    cfg.dims,
		exited:  make(chan struct{}),
		running: true,
	}
	go p.wait()

	slog.Debug("worker process started", "pid", cmd.Process.Pid, "command", command[0])
	return p, nil
}

type request struct {
	Texts []string `json:"texts"`
	Lang  string   `json:"lang"`
}

type response struct {
	Vectors [][]float32 `json:"vectors"`
	Error   string      `json:"error,omitempty"`
}

// EmbedBatch writes one request line and blocks until the response line
// arrives. The subprocess is not interruptible mid-request, so ctx is only
// checked before the request is sent.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string, lang string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("worker embeddings: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil, ErrNotRunning
	}

	reqBytes, err := json.Marshal(request{Texts: texts, Lang: lang})
	if err != nil {
		return nil, fmt.Errorf("worker embeddings: marshal request: %w", err)
	}
	if _, err := p.stdin.Write(append(reqBytes, '\n')); err != nil {
		return nil, fmt.Errorf("worker embeddings: write request: %w", err)
	}

	line, err := p.stdout.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("worker embeddings: read response (process may have crashed): %w", err)
	}

	var resp response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("worker embeddings: invalid response %.120q: %w", line, err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("worker embeddings: process error: %s", resp.Error)
	}
	if len(resp.Vectors) != len(texts) {
		return nil, fmt.Errorf("worker embeddings: expected %d embeddings, got %d", len(texts), len(resp.Vectors))
	}
	return resp.Vectors, nil
}

// Dimensions returns the configured dimension (0 when unset).
func (p *Provider) Dimensions() int { return p.dims }

// ModelID returns the configured model identifier.
func (p *Provider) ModelID() string { return p.model }

// Pid returns the process id of the subprocess.
func (p *Provider) Pid() int { return p.cmd.Process.Pid }

// Close closes the subprocess stdin, waits up to a grace period for it to
// exit and kills it otherwise. Safe to call more than once.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	p.running = false

	_ = p.stdin.Close()
	select {
	case <-p.exited:
	case <-time.After(stopGrace):
		slog.Warn("worker process did not exit, killing", "pid", p.cmd.Process.Pid)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("worker embeddings: kill: %w", err)
		}
		<-p.exited
	}
	return nil
}

// wait reaps the process and logs unexpected exits.
func (p *Provider) wait() {
	err := p.cmd.Wait()
	close(p.exited)

	p.mu.Lock()
	unexpected := p.running
	p.running = false
	p.mu.Unlock()
	if unexpected {
		slog.Error("worker process exited unexpectedly", "pid", p.cmd.Process.Pid, "err", err)
	}
}
