package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Zereker/g9socket/account"
	"github.com/Zereker/g9socket/codec"
	"github.com/Zereker/g9socket/command"
	"github.com/Zereker/g9socket/config"
	"github.com/Zereker/g9socket/packet"
	"github.com/Zereker/g9socket/secure"
)

// ClientState is the lifecycle state of a Client.
type ClientState int32

const (
	ClientDisconnected ClientState = iota
	ClientConnecting
	ClientConnected
	ClientReconnecting
)

func (s ClientState) String() string {
	switch s {
	case ClientDisconnected:
		return "Disconnected"
	case ClientConnecting:
		return "Connecting"
	case ClientConnected:
		return "Connected"
	case ClientReconnecting:
		return "Reconnecting"
	default:
		return fmt.Sprintf("ClientState(%d)", int32(s))
	}
}

// Client errors.
var (
	ErrUnableToConnect  = errors.New("unable to connect")
	ErrAlreadyConnected = errors.New("client already connected")
)

// link is one established connection of a client.
type link struct {
	peer    *peer
	account account.Account
	exited  chan account.CloseReason
}

// Client connects to a g9 server, keeps the connection alive with pings and
// reconnects after drops when configured to.
type Client struct {
	cfg        config.Client
	wire       *packet.Wire
	codec      codec.Codec
	dispatcher *command.Dispatcher
	factory    account.Factory
	logger     Logger
	observer   Observer
	tlsConfig  *tls.Config

	state  atomic.Int32
	nextID atomic.Uint64

	mu      sync.Mutex
	current *link
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient validates cfg and returns a disconnected client. The registry
// is frozen.
func NewClient(cfg config.Client, registry *command.Registry, factory account.Factory, opts ...ClientOption) (*Client, error) {
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

	var o clientOptions
	for _, opt := range opts {
		opt(&o)
	}
	o.setDefaults()

	if o.tlsConfig == nil && cfg.TLS {
		serverName := cfg.ServerName
		if serverName == "" {
			serverName = cfg.Network.Address
		}
		if o.tlsConfig, err = secure.ClientTLSConfig(cfg.CAFile, serverName, cfg.InsecureSkipVerify); err != nil {
			return nil, err
		}
	}

	c := &Client{
		cfg:       cfg,
		wire:      wire,
		codec:     payloadCodec,
		factory:   factory,
		logger:    o.logger,
		observer:  o.observer,
		tlsConfig: o.tlsConfig,
	}
	c.dispatcher = command.NewDispatcher(registry, func(msg packet.Message, acc account.Account) {
		c.logger.Warn("unhandled command", "command", msg.Command, "request_id", msg.RequestID)
		c.observer.OnUnhandledCommand(msg, acc)
	})
	return c, nil
}

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Account returns the account of the live connection, or nil.
func (c *Client) Account() account.Account {
	if l := c.link(); l != nil {
		return l.account
	}
	return nil
}

// Session returns the session of the live connection, or nil.
func (c *Client) Session() *account.Session {
	if l := c.link(); l != nil {
		return l.peer.session
	}
	return nil
}

func (c *Client) link() *link {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Connect dials the server and returns once the connection is usable. When
// the first dial fails and AutoReconnect is set, Connect keeps trying up to
// ReconnectTryCount times before giving up with ErrUnableToConnect.
//
// ctx bounds the connect phase only. The connection then lives until
// Disconnect is called or reconnecting gives up.
func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(ClientDisconnected), int32(ClientConnecting)) {
		return ErrAlreadyConnected
	}

	life, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()

	ctx, cancelConnect := context.WithCancel(ctx)
	defer cancelConnect()
	stop := context.AfterFunc(life, cancelConnect)
	defer stop()

	c.logger.Info("connecting", "addr", c.cfg.Network.Addr(), "mode", c.cfg.Network.SocketMode())
	l, err := c.dial(ctx, life)
	if err != nil {
		c.logger.Warn("connect failed", "addr", c.cfg.Network.Addr(), "error", err)
		if !c.cfg.AutoReconnect || c.cfg.ReconnectTryCount == 0 {
			if life.Err() == nil {
				c.observer.OnUnableToConnect()
			}
			c.finish()
			close(done)
			return fmt.Errorf("%w: %w", ErrUnableToConnect, err)
		}

		l, err = c.reconnect(ctx, life, nil)
		if err != nil {
			close(done)
			return err
		}
	}

	c.established(l)
	go c.supervise(life, l, done)
	return nil
}

// Disconnect closes the connection with DisconnectFromClient and stops
// reconnecting. It waits for the client to settle, so it must not be called
// from an Observer callback.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	cancel, l, done := c.cancel, c.current, c.done
	c.mu.Unlock()

	if cancel == nil {
		return ErrNotConnected
	}
	cancel()
	if l != nil {
		l.peer.session.Close(account.DisconnectFromClient)
	}
	<-done
	return nil
}

func (c *Client) established(l *link) {
	c.mu.Lock()
	c.current = l
	c.mu.Unlock()

	c.state.Store(int32(ClientConnected))
	l.peer.logger.Info("connected", "remote_addr", l.peer.RemoteAddr())
	c.observer.OnConnect(l.account)
}

// supervise waits for each connection to drop and runs the reconnect policy.
func (c *Client) supervise(life context.Context, l *link, done chan struct{}) {
	defer close(done)

	for {
		go c.heartbeat(life, l)

		reason := <-l.exited
		l.peer.logger.Info("disconnected", "reason", reason)
		c.observer.OnDisconnected(l.account, reason)

		if life.Err() != nil || !c.cfg.AutoReconnect || c.cfg.ReconnectTryCount == 0 {
			c.finish()
			return
		}

		next, err := c.reconnect(life, life, l.account)
		if err != nil {
			return
		}
		c.established(next)
		l = next
	}
}

// reconnect makes up to ReconnectTryCount attempts, each after the
// reconnect delay. It returns the new link or gives up, leaving the client
// disconnected.
func (c *Client) reconnect(ctx, life context.Context, prev account.Account) (*link, error) {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	c.state.Store(int32(ClientReconnecting))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReconnectTryCount; attempt++ {
		timer := time.NewTimer(c.cfg.ReconnectDuration.Std())
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			c.finish()
			return nil, ctx.Err()
		}

		c.logger.Info("reconnecting", "addr", c.cfg.Network.Addr(), "attempt", attempt, "of", c.cfg.ReconnectTryCount)
		c.observer.OnReconnectAttempt(prev, attempt)

		l, err := c.dial(ctx, life)
		if err == nil {
			return l, nil
		}
		lastErr = err
		c.logger.Warn("reconnect failed", "attempt", attempt, "error", err)

		if ctx.Err() != nil {
			c.finish()
			return nil, ctx.Err()
		}
	}

	c.logger.Error("unable to connect", "addr", c.cfg.Network.Addr(), "attempts", c.cfg.ReconnectTryCount, "error", lastErr)
	c.observer.OnUnableToConnect()
	c.finish()
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrUnableToConnect, c.cfg.ReconnectTryCount, lastErr)
}

func (c *Client) finish() {
	c.mu.Lock()
	c.current = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	c.state.Store(int32(ClientDisconnected))
}

// dial opens one connection and, when required, completes the
// authorization handshake. The connection runs until life ends.
func (c *Client) dial(ctx, life context.Context) (*link, error) {
	raw, err := c.dialRaw(ctx)
	if err != nil {
		return nil, err
	}

	id := c.nextID.Add(1)
	p, err := newPeer(raw, peerConfig{
		role:        clientRole,
		id:          id,
		dispatcher:  c.dispatcher,
		observer:    c.observer,
		logger:      c.logger,
		requireAuth: c.cfg.Network.RequireAuthorization,
	}, func(t account.Transport) *account.Session {
		return account.NewSession(id, t, c.codec)
	}, c.connOptions()...)
	if err != nil {
		raw.Close()
		return nil, err
	}

	acc := c.factory()
	if err := account.Bind(acc, p.session); err != nil {
		raw.Close()
		return nil, err
	}

	l := &link{peer: p, account: acc, exited: make(chan account.CloseReason, 1)}
	go func() {
		l.exited <- p.run(life)
	}()

	if c.cfg.Network.RequireAuthorization {
		if err := c.authorize(ctx, p); err != nil {
			p.session.Close(account.DisconnectFromClient)
			<-l.exited
			return nil, err
		}
	}
	return l, nil
}

func (c *Client) authorize(ctx context.Context, p *peer) error {
	if timeout := c.cfg.DialTimeout.Std(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.startHandshake(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrAuthorization, err)
	}
	return p.waitAuthorized(ctx)
}

func (c *Client) dialRaw(ctx context.Context) (net.Conn, error) {
	timeout := c.cfg.DialTimeout.Std()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addr := c.cfg.Network.Addr()
	var dialer net.Dialer
	switch c.cfg.Network.SocketMode() {
	case config.UDP:
		return dialer.DialContext(ctx, "udp", addr)
	case config.WebSocket:
		return dialWebSocket(ctx, addr, timeout)
	}

	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil || c.tlsConfig == nil {
		return raw, err
	}
	conn, err := secure.HandshakeClient(ctx, raw, c.tlsConfig, c.cfg.TLSFingerprint)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return conn, nil
}

func (c *Client) connOptions() []Option {
	idle := c.cfg.IdleTimeout.Std()
	if idle == 0 {
		idle = -1
	}
	return []Option{
		WireOption(c.wire),
		BufferSizeOption(c.cfg.Network.SendBufferSize),
		IdleTimeoutOption(idle),
		WriteTimeoutOption(c.cfg.Network.WriteTimeout.Std()),
	}
}

// heartbeat pings the server every PingInterval until the link drops.
func (c *Client) heartbeat(life context.Context, l *link) {
	interval := c.cfg.PingInterval.Std()
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(life, interval)
			rtt, err := c.ping(ctx, l.peer)
			cancel()
			if err != nil {
				l.peer.logger.Debug("heartbeat failed", "error", err)
				continue
			}
			l.peer.logger.Debug("heartbeat", "rtt", rtt)
		case <-l.peer.session.Done():
			return
		case <-life.Done():
			return
		}
	}
}

func (c *Client) connected() (*link, error) {
	l := c.link()
	if l == nil || c.State() != ClientConnected {
		return nil, ErrNotConnected
	}
	return l, nil
}

// Send pushes a command to the server with a fresh request id.
func (c *Client) Send(ctx context.Context, name string, payload any, mode SendMode) (uuid.UUID, error) {
	l, err := c.connected()
	if err != nil {
		return uuid.Nil, err
	}
	return l.peer.session.Send(ctx, name, payload, mode)
}

// Call sends a command and waits for the reply carrying the same request
// id, decoding it into out. A ClientError reply is returned as
// *command.RemoteError.
func (c *Client) Call(ctx context.Context, name string, payload, out any) error {
	l, err := c.connected()
	if err != nil {
		return err
	}
	body, err := codec.Marshal(c.codec, payload)
	if err != nil {
		return err
	}

	reply, err := l.peer.call(ctx, packet.Message{
		DataKind:  packet.StandardCommand,
		Command:   name,
		RequestID: uuid.New(),
		Body:      body,
	})
	if err != nil {
		return err
	}
	if reply.DataKind == packet.ClientError {
		return &command.RemoteError{Command: reply.Command, RequestID: reply.RequestID, Message: string(reply.Body)}
	}
	if out == nil {
		return nil
	}
	return codec.Unmarshal(c.codec, reply.Body, out)
}

// Echo sends payload with G9EchoCommand and returns what the server sent back.
func (c *Client) Echo(ctx context.Context, payload []byte) ([]byte, error) {
	var out []byte
	err := c.Call(ctx, command.EchoCommand, payload, &out)
	return out, err
}

// Ping measures the round trip of a G9PingCommand.
func (c *Client) Ping(ctx context.Context) (time.Duration, error) {
	l, err := c.connected()
	if err != nil {
		return 0, err
	}
	return c.ping(ctx, l.peer)
}

func (c *Client) ping(ctx context.Context, p *peer) (time.Duration, error) {
	start := time.Now()
	reply, err := p.call(ctx, packet.Message{
		DataKind:  packet.StandardCommand,
		Command:   command.PingCommand,
		RequestID: uuid.New(),
	})
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)

	serverTime, err := parsePingReply(reply)
	if err != nil {
		return rtt, err
	}
	p.logger.Debug("pong", "rtt", rtt, "server_time", serverTime)
	return rtt, nil
}
