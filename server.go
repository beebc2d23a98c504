package uplink

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"
)

// Handler builds and observes the sessions of a Server.
type Handler interface {
	// NewEndpoint is called for each accepted connection and returns the
	// endpoint that will serve it.
	NewEndpoint(conn *net.TCPConn) (*Endpoint, error)
	// OnConnect is called once the wire for ep is running.
	OnConnect(ep *Endpoint)
	// OnDisconnect is called after the wire for ep has stopped. err is nil
	// for a graceful disconnect.
	OnDisconnect(ep *Endpoint, err error)
}

// Server accepts capture devices over TCP. It serves one connection at a
// time: a new connection supersedes the current one.
type Server struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	wireOptions     []WireOption

	mu          sync.Mutex
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
	current     *Wire
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// ServerLoggerOption sets the logger for the server.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener and stopping the current wire.
// Default is 0 (immediate shutdown).
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.shutdownTimeout = timeout
	}
}

// ServerWireOption sets options applied to every wire the server creates.
// The server installs its own OnStopOption.
func ServerWireOption(opts ...WireOption) ServerOption {
	return func(s *Server) {
		s.wireOptions = append(s.wireOptions, opts...)
	}
}

// New creates a new TCP server bound to the specified address.
// Returns an error if the address cannot be bound.
func New(addr *net.TCPAddr, opts ...ServerOption) (*Server, error) {
	listener, err := net.ListenTCP(addr.Network(), addr)
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener:    listener,
		logger:      slog.Default(),
		shutdownNow: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Serve starts accepting connections and binds each one to a wire.
// It blocks until the context is canceled or an unrecoverable error occurs.
// When the context is canceled, it stops accepting new connections gracefully.
// If ServerShutdownTimeoutOption is set, the server waits up to the specified
// duration before stopping. Call Close() to bypass the timeout.
func (s *Server) Serve(ctx context.Context, handler Handler) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	go func() {
		<-ctx.Done()

		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		conn, err := s.listener.AcceptTCP()
		if err != nil {
			s.mu.Lock()
			isShutdown := s.shutdown
			s.mu.Unlock()

			if isShutdown {
				s.stopCurrent()
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		s.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)

		if err := s.serveConn(ctx, conn, handler); err != nil {
			s.logger.Error("connection rejected", "remote_addr", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
		}
	}
}

func (s *Server) serveConn(ctx context.Context, conn *net.TCPConn, handler Handler) error {
	ep, err := handler.NewEndpoint(conn)
	if err != nil {
		return err
	}

	var wire *Wire
	opts := append(append([]WireOption(nil), s.wireOptions...), OnStopOption(func(err error) {
		s.mu.Lock()
		if s.current == wire {
			s.current = nil
		}
		s.mu.Unlock()
		handler.OnDisconnect(ep, err)
	}))

	wire, err = NewWire(conn, ep, opts...)
	if err != nil {
		return err
	}

	s.mu.Lock()
	previous := s.current
	s.current = wire
	s.mu.Unlock()

	if previous != nil {
		s.logger.Info("superseding current connection", "addr", previous.RemoteAddr())
		_ = previous.Stop()
	}

	if err := wire.Start(ctx); err != nil {
		return err
	}
	handler.OnConnect(ep)
	return nil
}

// Current returns the wire of the connection being served, or nil.
func (s *Server) Current() *Wire {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Server) stopCurrent() {
	s.mu.Lock()
	current := s.current
	s.current = nil
	s.mu.Unlock()

	if current != nil {
		_ = current.Stop()
	}
}

// Close stops the server by closing the underlying listener and the current wire.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
func (s *Server) Close() error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()

	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	s.stopCurrent()
	return s.listener.Close()
}

// Addr returns the listener's network address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Dial connects to a server at address and starts a wire serving ep. ctx
// bounds both the dial and the lifetime of the returned wire.
func Dial(ctx context.Context, address string, ep *Endpoint, opts ...WireOption) (*Wire, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	wire, err := NewWire(conn, ep, opts...)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := wire.Start(ctx); err != nil {
		_ = wire.Stop()
		return nil, err
	}
	return wire, nil
}
