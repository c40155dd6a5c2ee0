// Package control exposes the daemon's JSON-RPC surface on a unix
// socket. Frames are newline-delimited JSON: {id, method, params?} in,
// {id, result} or {id, error: {code, message}} out. One connection may
// pipeline many frames; they are answered in order.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"
)

// JSON-RPC error codes used on the wire.
const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInternal       = -32000
)

// Line buffer bounds. A frame longer than maxFrameSize drops the
// connection; the sender is misbehaving or streaming garbage.
const (
	initialFrameSize = 64 * 1024
	maxFrameSize     = 1024 * 1024
)

type request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type response struct {
	ID     string    `json:"id"`
	Result any       `json:"result,omitempty"`
	Error  *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Config identifies the daemon to status callers and locates the
// socket.
type Config struct {
	SocketPath string
	Version    string
	ProxyPort  int
}

// Server accepts control connections and dispatches method calls onto
// the daemon's components.
type Server struct {
	cfg      Config
	handlers *handlers
	logger   *slog.Logger

	listener net.Listener
	mu       sync.Mutex
	closed   bool
	wg       sync.WaitGroup
}

func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		handlers: newHandlers(cfg, deps, logger),
		logger:   logger,
	}
}

// Start binds the unix socket (replacing a stale one) and serves in
// the background. The socket is restricted to the owning user.
func (s *Server) Start() error {
	if err := os.Remove(s.cfg.SocketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove stale control socket: %w", err)
	}
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("bind control socket %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict control socket: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("control server listening", "socket", s.cfg.SocketPath)
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			s.logger.Warn("control accept failed", "error", err)
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, initialFrameSize), maxFrameSize)
	encoder := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.write(encoder, response{
				ID:    "unknown",
				Error: &rpcError{Code: codeParseError, Message: "invalid JSON frame"},
			})
			continue
		}

		result, rpcErr := s.handlers.dispatch(context.Background(), &req)
		resp := response{ID: req.ID}
		if rpcErr != nil {
			resp.Error = rpcErr
		} else {
			resp.Result = result
		}
		if !s.write(encoder, resp) {
			return
		}
	}
	if err := scanner.Err(); err != nil {
		// Oversized or broken frame: the connection is not worth
		// keeping.
		s.logger.Debug("control connection dropped", "error", err)
	}
}

func (s *Server) write(encoder *json.Encoder, resp response) bool {
	if err := encoder.Encode(resp); err != nil {
		s.logger.Debug("control write failed", "error", err)
		return false
	}
	return true
}

// Shutdown stops accepting, waits for in-flight frames (bounded by
// ctx), and removes the socket file.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("control shutdown timed out with connections open")
	}

	_ = os.Remove(s.cfg.SocketPath)
	return nil
}

// uptime helper kept here so status math stays beside the server.
func uptimeSeconds(startedAt time.Time) int64 {
	return int64(time.Since(startedAt).Seconds())
}
