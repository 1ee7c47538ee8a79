// Package socket serves embedding requests over a raw TCP protocol.
//
// A client connects, writes one JSON request ending in "}\n" and reads one
// newline-terminated JSON response; the server then closes the connection.
// Connections are handled strictly one after another. Writing the sentinel
// "{TERMINATE}\n" instead of a request makes the server answer "OK" and stop,
// after which the process is expected to exit cleanly.
//
// The request body is not size-limited: the server reads until the
// terminator or EOF.
package socket

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"

	"github.com/MrWong99/embedgate/internal/observe"
	"github.com/MrWong99/embedgate/internal/pipeline"
	"github.com/MrWong99/embedgate/internal/service"
)

const (
	transportName = "socket"
	readChunk     = 4096
)

var (
	terminator = []byte("}\n")
	sentinel   = []byte("{TERMINATE}\n")
)

// Handler processes a decoded request. *service.Service satisfies it.
type Handler interface {
	Embed(ctx context.Context, req service.Request) (service.Response, error)
}

// Config configures a [Server].
type Config struct {
	// Addr is the host:port to bind, e.g. "127.0.0.1:12001".
	Addr string

	// BindRetries is how many more times binding is attempted when the
	// address is still in use. Zero or negative means a single attempt.
	BindRetries int

	// BindRetryDelay is the pause between bind attempts.
	BindRetryDelay time.Duration

	// IdleTimeout, when positive, bounds each read and write on a
	// connection.
	IdleTimeout time.Duration
}

// Server is the sequential raw-socket listener.
type Server struct {
	cfg     Config
	handler Handler

	mu sync.Mutex
	ln net.Listener

	terminated chan struct{}
	termOnce   sync.Once
}

// New creates a server. Call [Server.Listen] and then [Server.Serve].
func New(cfg Config, handler Handler) *Server {
	return &Server{
		cfg:        cfg,
		handler:    handler,
		terminated: make(chan struct{}),
	}
}

// Listen binds the configured address. When the address is in use it is
// retried BindRetries times, BindRetryDelay apart; other errors fail at once.
func (s *Server) Listen(ctx context.Context) error {
	var lc net.ListenConfig
	retries := uint64(max(s.cfg.BindRetries, 0))
	delay := s.cfg.BindRetryDelay
	if delay <= 0 {
		delay = time.Millisecond
	}

	var ln net.Listener
	err := retry.Do(ctx, retry.WithMaxRetries(retries, retry.NewConstant(delay)), func(ctx context.Context) error {
		var err error
		ln, err = lc.Listen(ctx, "tcp", s.cfg.Addr)
		if errors.Is(err, syscall.EADDRINUSE) {
			slog.Warn("socket: address in use, retrying", "addr", s.cfg.Addr, "delay", delay)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("socket: listen %s: %w", s.cfg.Addr, err)
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	slog.Info("socket: listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the bound address, or nil before [Server.Listen].
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close releases the listener. It is safe to call after Serve returned.
func (s *Server) Close() error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return nil
	}
	if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

// Terminated is closed once a client sent the termination sentinel.
func (s *Server) Terminated() <-chan struct{} {
	return s.terminated
}

// Serve accepts connections one at a time until ctx is cancelled or a
// termination sentinel arrives; both return nil.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return errors.New("socket: Serve called before Listen")
	}

	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	defer ln.Close()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.isTerminated() {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("socket: accept: %w", err)
		}

		if s.handleConn(ctx, conn) {
			s.termOnce.Do(func() { close(s.terminated) })
			slog.Info("socket: received terminate signal, shutting down")
			return nil
		}
	}
}

func (s *Server) isTerminated() bool {
	select {
	case <-s.terminated:
		return true
	default:
		return false
	}
}

// handleConn runs one read/dispatch/close cycle. It reports whether the
// client asked the server to terminate.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) (terminate bool) {
	defer conn.Close()
	log := slog.With("remote", conn.RemoteAddr().String())
	log.Debug("socket: connection accepted")

	data, readErr := s.read(conn)
	if readErr == nil && bytes.Equal(data, sentinel) {
		s.write(conn, log, []byte("OK"))
		return true
	}

	ctx, span := observe.StartSpan(ctx, "socket.request")
	var payload any
	req, err := decode(data, readErr)
	if err == nil {
		payload, err = s.handler.Embed(ctx, req)
	}
	if err != nil {
		if service.Classify(err) == service.KindProtocol {
			log.Warn("socket: bad request", "err", err)
		}
		res := service.NewErrorResponse(err)
		res.TraceID = observe.CorrelationID(ctx)
		payload = res
	}
	observe.EndSpan(span, err)

	body, mErr := json.Marshal(payload)
	if mErr != nil {
		log.Error("socket: encode response", "err", mErr)
		res := service.NewErrorResponse(fmt.Errorf("socket: encode response: %w", mErr))
		res.TraceID = observe.CorrelationID(ctx)
		body, _ = json.Marshal(res)
	}
	s.write(conn, log, append(body, '\n'))
	return false
}

// read accumulates bytes until the buffer ends with the terminator, the
// peer closes its side, or a read fails.
func (s *Server) read(conn net.Conn) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, readChunk)
	for {
		if s.cfg.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		}
		n, err := conn.Read(chunk)
		buf.Write(chunk[:n])
		if bytes.HasSuffix(buf.Bytes(), terminator) {
			return buf.Bytes(), nil
		}
		if errors.Is(err, io.EOF) {
			if buf.Len() == 0 {
				return nil, &service.ProtocolError{Reason: "connection closed before a request was sent"}
			}
			return buf.Bytes(), nil
		}
		if err != nil {
			return buf.Bytes(), &service.ProtocolError{Reason: "error reading data", Err: err}
		}
	}
}

func (s *Server) write(conn net.Conn, log *slog.Logger, b []byte) {
	if s.cfg.IdleTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.IdleTimeout))
	}
	if _, err := conn.Write(b); err != nil {
		log.Warn("socket: write response", "err", err)
	}
}

// wireRequest is the JSON body of a socket request.
type wireRequest struct {
	Records []json.RawMessage `json:"records"`
	Steps   []string          `json:"steps"`
}

func decode(data []byte, readErr error) (service.Request, error) {
	if readErr != nil {
		return service.Request{}, readErr
	}
	if !utf8.Valid(data) {
		return service.Request{}, &service.ProtocolError{Reason: "error decoding data: request is not valid UTF-8"}
	}
	var w wireRequest
	if err := json.Unmarshal(data, &w); err != nil {
		return service.Request{}, &service.ProtocolError{Reason: "could not decode request", Err: err}
	}
	steps, err := pipeline.ParseSteps(w.Steps)
	if err != nil {
		return service.Request{}, err
	}
	return service.Request{Records: w.Records, Steps: steps, Transport: transportName}, nil
}
