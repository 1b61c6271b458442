package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/netutil"

	"github.com/FateUnix29/Hollowfire-1/internal/config"
	"github.com/FateUnix29/Hollowfire-1/internal/fatal"
)

// ErrNotLoopback is returned by [Server.Listen] when the configured
// address is not a loopback interface.
var ErrNotLoopback = errors.New("listen address is not a loopback interface")

// Options configures a [Server].
type Options struct {
	Address        string
	Port           int
	MaxConnections int // 0 means unlimited
	Handler        http.Handler
	Logger         *slog.Logger
	Fatal          fatal.Reporter
}

// Server serves a handler on a loopback address.
type Server struct {
	address  string
	port     int
	maxConns int
	handler  http.Handler
	logger   *slog.Logger
	fatal    fatal.Reporter

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// New creates a server. Nothing is bound until [Server.Listen].
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:  opts.Address,
		port:     opts.Port,
		maxConns: opts.MaxConnections,
		handler:  opts.Handler,
		logger:   logger,
		fatal:    opts.Fatal,
	}
}

// Listen binds the listening socket. A non-loopback address is a fatal
// configuration error: it goes to the fatal reporter, and ErrNotLoopback
// is returned in case the reporter does not end the process.
func (s *Server) Listen() error {
	if !config.IsLoopback(s.address) {
		if s.fatal != nil {
			s.fatal.Fatal("refusing to listen on a non-loopback interface", 1,
				"address", s.address,
				"hint", "set listen.address to 127.0.0.1, ::1 or localhost",
			)
		}
		return fmt.Errorf("%w: %s", ErrNotLoopback, s.address)
	}

	addr := net.JoinHostPort(s.address, strconv.Itoa(s.port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if s.maxConns > 0 {
		ln = netutil.LimitListener(ln, s.maxConns)
	}

	s.mu.Lock()
	s.listener = ln
	// No WriteTimeout: completion streams stay open as long as the
	// backend keeps producing.
	s.server = &http.Server{
		Handler:           s.withLogging(s.handler),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	s.mu.Unlock()

	s.logger.Info("listening", "address", ln.Addr().String(), "max_connections", s.maxConns)
	return nil
}

// Addr returns the bound address, or nil before [Server.Listen].
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections until [Server.Shutdown]. It returns nil on a
// clean shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	srv, ln := s.server, s.listener
	s.mu.Unlock()
	if srv == nil {
		return errors.New("serve called before listen")
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Start binds and serves, stopping when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := s.Shutdown(shutdownCtx); err != nil {
				s.logger.Warn("shutdown incomplete", "error", err)
			}
		case <-done:
		}
	}()

	return s.Serve()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration", time.Since(start),
		)
	})
}
