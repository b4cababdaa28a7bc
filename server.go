package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pires/go-proxyproto"
	"golang.org/x/time/rate"

	"github.com/Zereker/g9socket/account"
	"github.com/Zereker/g9socket/codec"
	"github.com/Zereker/g9socket/command"
	"github.com/Zereker/g9socket/config"
	"github.com/Zereker/g9socket/packet"
	"github.com/Zereker/g9socket/secure"
)

// ServerState is the lifecycle state of a Server.
type ServerState int32

const (
	ServerStopped ServerState = iota
	ServerStarting
	ServerListening
	ServerStopping
)

func (s ServerState) String() string {
	switch s {
	case ServerStopped:
		return "Stopped"
	case ServerStarting:
		return "Starting"
	case ServerListening:
		return "Listening"
	case ServerStopping:
		return "Stopping"
	default:
		return fmt.Sprintf("ServerState(%d)", int32(s))
	}
}

// Server errors.
var (
	ErrServerRunning  = errors.New("server already running")
	ErrServerStopped  = errors.New("server not running")
	ErrMaxConnections = errors.New("max connections reached")
	ErrUnknownSession = errors.New("unknown session")
	ErrNilFactory     = errors.New("nil account factory")
)

// proxyHeaderTimeout bounds the wait for a PROXY protocol header.
const proxyHeaderTimeout = 5 * time.Second

// Server accepts g9 connections over TCP, UDP or WebSocket and binds each
// one to a fresh Account.
type Server struct {
	cfg        config.Server
	wire       *packet.Wire
	codec      codec.Codec
	dispatcher *command.Dispatcher
	factory    account.Factory
	opts       serverOptions
	logger     Logger
	observer   Observer
	replay     *secure.ReplayGuard

	accounts *accountMap
	nextID   atomic.Uint64
	active   atomic.Int64
	state    atomic.Int32
	conns    sync.WaitGroup

	mu        sync.Mutex
	listener  net.Listener
	cancel    context.CancelFunc
	serving   bool
	serveDone chan struct{}
}

// NewServer validates cfg, checks every registered command fits the name
// slot and returns a stopped server. The registry is frozen.
func NewServer(cfg config.Server, registry *command.Registry, factory account.Factory, opts ...ServerOption) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if factory == nil {
		return nil, ErrNilFactory
	}
	if registry == nil {
		registry = command.NewRegistry()
	}

	limits, err := cfg.Network.Limits()
	if err != nil {
		return nil, err
	}
	wire, err := packet.NewWire(limits)
	if err != nil {
		return nil, err
	}
	if err := registry.Validate(wire); err != nil {
		return nil, err
	}
	payloadCodec, err := cfg.Network.PayloadCodec()
	if err != nil {
		return nil, err
	}

	var o serverOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.setDefaults()

	if o.tlsConfig == nil && cfg.CertFile != "" {
		if o.tlsConfig, err = secure.ServerTLSConfig(cfg.CertFile, cfg.KeyFile); err != nil {
			return nil, err
		}
	}

	s := &Server{
		cfg:      cfg,
		wire:     wire,
		codec:    payloadCodec,
		factory:  factory,
		opts:     o,
		logger:   o.logger,
		observer: o.observer,
		replay:   secure.NewReplayGuard(o.replayCapacity),
		accounts: newAccountMap(),
	}
	s.dispatcher = command.NewDispatcher(registry, func(msg packet.Message, acc account.Account) {
		s.logger.Warn("unhandled command", "command", msg.Command, "request_id", msg.RequestID)
		s.observer.OnUnhandledCommand(msg, acc)
	})
	return s, nil
}

// State returns the current lifecycle state.
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

// Listen opens the listener. Serve calls it when needed.
func (s *Server) Listen() error {
	if !s.state.CompareAndSwap(int32(ServerStopped), int32(ServerStarting)) {
		return ErrServerRunning
	}

	ln, err := s.listen()
	if err != nil {
		s.state.Store(int32(ServerStopped))
		s.logger.Error("listen failed", "addr", s.cfg.Network.Addr(), "error", err)
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.serveDone = make(chan struct{})
	s.mu.Unlock()

	s.state.Store(int32(ServerListening))
	s.logger.Info("server listening", "addr", ln.Addr(), "mode", s.cfg.Network.SocketMode(),
		"tls", s.opts.tlsConfig != nil, "max_connections", s.cfg.MaxConnections)
	return nil
}

func (s *Server) listen() (net.Listener, error) {
	addr := s.cfg.Network.Addr()
	switch s.cfg.Network.SocketMode() {
	case config.UDP:
		return listenUDP(addr, s.logger)
	case config.WebSocket:
		return listenWebSocket(addr, s.wire.MaxFrameSize(), s.logger)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	if s.cfg.ProxyProtocol {
		ln = &proxyproto.Listener{Listener: ln, ReadHeaderTimeout: proxyHeaderTimeout}
	}
	if s.opts.tlsConfig != nil {
		ln = tls.NewListener(ln, s.opts.tlsConfig)
	}
	return ln, nil
}

// Start opens the listener and serves in the background until ctx is
// canceled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	go func() {
		if err := s.serve(ctx); err != nil {
			s.logger.Error("serve stopped", "error", err)
		}
	}()
	return nil
}

// Serve accepts connections until ctx is canceled or Stop is called, then
// shuts the server down. It opens the listener if Listen was not called.
func (s *Server) Serve(ctx context.Context) error {
	if s.State() == ServerStopped {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	return s.serve(ctx)
}

func (s *Server) serve(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return ErrServerStopped
	}
	if s.serving {
		s.mu.Unlock()
		return ErrServerRunning
	}
	s.serving = true
	ln, done := s.listener, s.serveDone
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	// Unblock Accept once the context is done.
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	err := s.acceptLoop(ctx, ln)
	close(done)

	if stopErr := s.stop(context.Background(), done); err == nil {
		err = stopErr
	}
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.State() != ServerListening || errors.Is(err, net.ErrClosed) {
				return nil
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logger.Error("accept error", "error", err)
			return err
		}

		if limit := s.cfg.MaxConnections; limit > 0 && s.active.Load() >= int64(limit) {
			s.conns.Add(1)
			go func() {
				defer s.conns.Done()
				s.reject(ctx, raw, account.RejectMaxConnectionLimit)
			}()
			continue
		}

		s.logger.Debug("accepted connection", "remote_addr", raw.RemoteAddr())
		s.active.Add(1)
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			defer s.active.Add(-1)
			s.serveConn(ctx, raw)
		}()
	}
}

// reject writes a reject notice straight to the socket and closes it. No
// Account is created for a rejected connection. A rejected UDP peer is
// ignored until it goes quiet.
func (s *Server) reject(ctx context.Context, raw net.Conn, reason account.CloseReason) {
	defer s.logger.Debug("rejected connection closed", "remote_addr", raw.RemoteAddr())
	defer raw.Close()
	if uc, ok := raw.(*udpConn); ok {
		uc.quarantine()
	}
	stopDrain := context.AfterFunc(ctx, func() {
		_ = raw.SetReadDeadline(time.Now())
	})
	defer stopDrain()

	s.logger.Warn("connection rejected", "remote_addr", raw.RemoteAddr(), "reason", reason)
	s.observer.OnError(fmt.Errorf("%w: %s", ErrMaxConnections, raw.RemoteAddr()), reason)

	frames, err := packet.SplitMessage(rejectNotice(reason), s.wire.Limits().MaxFragment())
	if err != nil {
		return
	}
	_ = raw.SetWriteDeadline(time.Now().Add(rejectTimeout))
	for _, f := range frames {
		if err := s.wire.WriteFrame(raw, f); err != nil {
			return
		}
	}

	// Let the peer read the notice before the socket goes away.
	if cw, ok := raw.(interface{ CloseWrite() error }); ok {
		_ = cw.CloseWrite()
		_ = raw.SetReadDeadline(time.Now().Add(rejectTimeout))
		if ctx.Err() != nil {
			return
		}
		_, _ = io.Copy(io.Discard, raw)
	}
}

func (s *Server) connOptions() []Option {
	idle := s.cfg.IdleTimeout.Std()
	if idle == 0 {
		idle = -1
	}
	return []Option{
		WireOption(s.wire),
		BufferSizeOption(s.cfg.Network.SendBufferSize),
		IdleTimeoutOption(idle),
		WriteTimeoutOption(s.cfg.Network.WriteTimeout.Std()),
		FlushTimeoutOption(s.cfg.ShutdownTimeout.Std()),
	}
}

func (s *Server) limiter() *rate.Limiter {
	if s.cfg.RateLimit <= 0 {
		return nil
	}
	burst := s.cfg.RateBurst
	if burst <= 0 {
		burst = max(1, int(s.cfg.RateLimit))
	}
	return rate.NewLimiter(rate.Limit(s.cfg.RateLimit), burst)
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	id := s.nextID.Add(1)

	p, err := newPeer(raw, peerConfig{
		role:        serverRole,
		id:          id,
		dispatcher:  s.dispatcher,
		observer:    s.observer,
		logger:      s.logger,
		limiter:     s.limiter(),
		replay:      s.replay,
		requireAuth: s.cfg.Network.RequireAuthorization,
	}, func(t account.Transport) *account.Session {
		return account.NewSession(id, t, s.codec)
	}, s.connOptions()...)
	if err != nil {
		s.logger.Error("create connection", "remote_addr", raw.RemoteAddr(), "error", err)
		raw.Close()
		return
	}

	acc := s.factory()
	if err := account.Bind(acc, p.session); err != nil {
		s.logger.Error("bind account", "identity", id, "error", err)
		raw.Close()
		return
	}
	s.accounts.store(id, acc)

	var connected atomic.Bool
	p.session.OnClose(func(sess *account.Session, reason account.CloseReason) {
		s.accounts.delete(id)
		p.logger.Info("session closed", "remote_addr", sess.RemoteAddr(), "reason", reason)
		if connected.Load() {
			s.observer.OnDisconnected(acc, reason)
		}
	})

	connect := func() {
		connected.Store(true)
		p.logger.Info("session connected", "remote_addr", raw.RemoteAddr())
		s.observer.OnConnect(acc)
	}
	if s.cfg.Network.RequireAuthorization {
		p.onAuthorized = connect
	} else {
		connect()
	}

	if s.State() != ServerListening {
		p.session.Close(account.DisconnectFromServer)
	}
	p.run(ctx)
}

// Stop closes the listener and every session with DisconnectFromServer,
// then waits for connections to finish flushing. Without a deadline on ctx
// the wait is bounded by the configured shutdown timeout.
func (s *Server) Stop(ctx context.Context) error {
	return s.stop(ctx, nil)
}

// stop shuts the server down. A non-nil owner restricts it to the serve
// loop that owns that listener generation.
func (s *Server) stop(ctx context.Context, owner chan struct{}) error {
	s.mu.Lock()
	if owner != nil && s.serveDone != owner {
		s.mu.Unlock()
		return nil
	}
	if !s.state.CompareAndSwap(int32(ServerListening), int32(ServerStopping)) {
		s.mu.Unlock()
		return nil
	}
	ln, cancel, serving, done := s.listener, s.cancel, s.serving, s.serveDone
	s.mu.Unlock()
	s.logger.Info("server stopping", "sessions", s.accounts.len())

	if cancel != nil {
		cancel()
	}
	_ = ln.Close()
	if serving {
		<-done
	}

	for _, acc := range s.accounts.snapshot() {
		if sess := acc.Session(); sess != nil {
			sess.Close(account.DisconnectFromServer)
		}
	}

	if _, ok := ctx.Deadline(); !ok && s.cfg.ShutdownTimeout > 0 {
		var cancelWait context.CancelFunc
		ctx, cancelWait = context.WithTimeout(ctx, s.cfg.ShutdownTimeout.Std())
		defer cancelWait()
	}

	drained := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		s.logger.Warn("shutdown timed out", "pending", s.active.Load())
	}

	s.mu.Lock()
	s.listener, s.cancel, s.serving, s.serveDone = nil, nil, false, nil
	s.mu.Unlock()

	s.state.Store(int32(ServerStopped))
	s.logger.Info("server stopped", "addr", ln.Addr())
	return err
}

// Addr returns the listener's network address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Account returns the live account of session id.
func (s *Server) Account(id uint64) (account.Account, bool) {
	return s.accounts.load(id)
}

// Accounts returns a snapshot of the live accounts.
func (s *Server) Accounts() []account.Account {
	return s.accounts.snapshot()
}

// ConnectionCount returns the number of live sessions.
func (s *Server) ConnectionCount() int {
	return s.accounts.len()
}

// Send pushes a command to session id.
func (s *Server) Send(ctx context.Context, id uint64, command string, payload any, mode SendMode) (uuid.UUID, error) {
	acc, ok := s.accounts.load(id)
	if !ok || acc.Session() == nil {
		return uuid.Nil, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return acc.Session().Send(ctx, command, payload, mode)
}

// Broadcast pushes a command to every live session. Sessions that close
// meanwhile are skipped; other failures are joined.
func (s *Server) Broadcast(ctx context.Context, command string, payload any, mode SendMode) error {
	var errs []error
	for _, acc := range s.accounts.snapshot() {
		sess := acc.Session()
		if sess == nil {
			continue
		}
		_, err := sess.Send(ctx, command, payload, mode)
		if err != nil && !errors.Is(err, account.ErrSessionClosed) && !errors.Is(err, ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("session %d: %w", sess.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// Disconnect closes session id with DisconnectFromServer.
func (s *Server) Disconnect(id uint64) bool {
	acc, ok := s.accounts.load(id)
	if !ok || acc.Session() == nil {
		return false
	}
	return acc.Session().Close(account.DisconnectFromServer)
}
