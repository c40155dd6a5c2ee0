package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// Server binds the TLS inspector to a local TCP port. Port 0 lets the
// OS pick; the bound port is available after Start.
type Server struct {
	inspector *TLSInspector
	logger    *slog.Logger

	httpServer *http.Server
	listener   net.Listener
	port       int
	errCh      chan error
}

func NewServer(inspector *TLSInspector, logger *slog.Logger) *Server {
	return &Server{inspector: inspector, logger: logger, errCh: make(chan error, 1)}
}

// Start binds and begins serving in the background. A non-nil error
// means the bind itself failed; serve errors surface via Err.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("bind proxy port %d: %w", port, err)
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	s.httpServer = &http.Server{
		Handler: s.inspector,
		// CONNECT tunnels are long-lived; only bound the header read.
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		err := s.httpServer.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.errCh <- err
		}
		close(s.errCh)
	}()

	s.logger.Info("proxy listening", "port", s.port)
	return nil
}

// Port returns the bound port. Valid after Start.
func (s *Server) Port() int { return s.port }

// Err reports an asynchronous serve failure, closed on shutdown.
func (s *Server) Err() <-chan error { return s.errCh }

// Shutdown drains in-flight exchanges and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("graceful proxy shutdown failed, forcing close", "error", err)
		return s.httpServer.Close()
	}
	return nil
}
