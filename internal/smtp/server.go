package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// shutdownTimeout is the maximum time to wait for in-flight connections
// during graceful shutdown.
const shutdownTimeout = 30 * time.Second

// ServerConfig holds the configuration for an SMTP server.
type ServerConfig struct {
	// ListenAddr is the address to listen on (e.g., ":2525").
	ListenAddr string

	// Hostname is the server hostname used in the greeting and EHLO.
	Hostname string

	// Handler runs the pipeline for each recipient of an accepted message.
	Handler Handler

	// TLSConfig enables STARTTLS when set.
	TLSConfig *tls.Config

	// AuthUsername and AuthPassword configure SMTP AUTH.
	// If either is empty, authentication is not required.
	AuthUsername string
	AuthPassword string

	// MaxMessageSize is advertised through SIZE and enforced on DATA.
	MaxMessageSize int64

	// MaxRecipients bounds RCPT commands per transaction.
	MaxRecipients int

	// IdleTimeout closes connections idle for longer.
	IdleTimeout time.Duration

	// InvocationTimeout bounds each pipeline invocation.
	InvocationTimeout time.Duration
}

// Server accepts SMTP connections and hands captured messages to a Handler.
type Server struct {
	config   ServerConfig
	sessions *sessionConfig

	mu       sync.Mutex
	listener net.Listener

	// wg tracks in-flight session goroutines for graceful shutdown.
	wg sync.WaitGroup
}

// New creates a new SMTP Server with the given configuration.
func New(cfg ServerConfig) *Server {
	sc := &sessionConfig{
		hostname:          cfg.Hostname,
		auth:              NewAuthenticator(cfg.AuthUsername, cfg.AuthPassword),
		handler:           cfg.Handler,
		tlsConfig:         cfg.TLSConfig,
		maxMessageSize:    cfg.MaxMessageSize,
		maxRecipients:     cfg.MaxRecipients,
		idleTimeout:       cfg.IdleTimeout,
		invocationTimeout: cfg.InvocationTimeout,
	}
	sc.setDefaults()

	return &Server{config: cfg, sessions: sc}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. On cancellation it
// stops accepting and waits up to 30 seconds for in-flight sessions.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.sessions.handler == nil {
		ln.Close()
		return errors.New("smtp: no handler configured")
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	slog.Info("SMTP server listening",
		"addr", ln.Addr().String(),
		"auth_enabled", s.sessions.auth.Enabled(),
		"tls_enabled", s.sessions.tlsConfig != nil,
		"max_message_size", s.sessions.maxMessageSize,
	)

	go func() {
		<-ctx.Done()
		slog.Info("shutting down SMTP server")
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.waitForSessions()
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			slog.Error("accept error", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			newSession(conn, s.sessions).Handle(ctx)
		}()
	}
}

// waitForSessions waits for all in-flight sessions to complete,
// with a maximum timeout to prevent indefinite blocking.
func (s *Server) waitForSessions() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("all sessions completed")
	case <-time.After(shutdownTimeout):
		slog.Warn("shutdown timeout reached, forcing close")
	}
}

// Addr returns the listener address, or empty string if not listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
