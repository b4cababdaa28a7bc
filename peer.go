package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/Zereker/g9socket/account"
	"github.com/Zereker/g9socket/command"
	"github.com/Zereker/g9socket/packet"
	"github.com/Zereker/g9socket/secure"
)

var (
	// ErrUnauthorized is returned when a command arrives before the
	// G9Authorization handshake on an endpoint that requires it.
	ErrUnauthorized = errors.New("command before authorization")
	// ErrAuthorization wraps every failed G9Authorization exchange.
	ErrAuthorization = errors.New("authorization failed")
	// ErrNotConnected is returned when there is no live session.
	ErrNotConnected = errors.New("not connected")
)

// rejectTimeout bounds the write of a reject notice.
const rejectTimeout = time.Second

type role string

const (
	serverRole role = "server"
	clientRole role = "client"
)

type pendingHandshake struct {
	keys  secure.KeyPair
	nonce [secure.NonceSize]byte
}

// peer glues one Conn to its Session. It is the session's transport, runs
// the built-in commands and the authorization handshake, applies the
// payload cipher and routes everything else to the dispatcher.
type peer struct {
	role        role
	conn        *Conn
	session     *account.Session
	dispatcher  *command.Dispatcher
	observer    Observer
	logger      Logger
	limiter     *rate.Limiter
	replay      *secure.ReplayGuard
	requireAuth bool

	mu        sync.Mutex
	calls     map[uuid.UUID]chan packet.Message
	handshake *pendingHandshake

	authorized   chan struct{}
	authOnce     sync.Once
	onAuthorized func()
	rejected     atomic.Pointer[RejectedError]
}

type peerConfig struct {
	role        role
	id          uint64
	dispatcher  *command.Dispatcher
	observer    Observer
	logger      Logger
	limiter     *rate.Limiter
	replay      *secure.ReplayGuard
	requireAuth bool
}

func newPeer(raw net.Conn, cfg peerConfig, sess func(t account.Transport) *account.Session, opts ...Option) (*peer, error) {
	p := &peer{
		role:        cfg.role,
		dispatcher:  cfg.dispatcher,
		observer:    cfg.observer,
		logger:      sessionLogger(cfg.logger, cfg.id, string(cfg.role)),
		limiter:     cfg.limiter,
		replay:      cfg.replay,
		requireAuth: cfg.requireAuth,
		calls:       make(map[uuid.UUID]chan packet.Message),
		authorized:  make(chan struct{}),
	}

	opts = append(opts,
		OnMessageOption(p.handle),
		OnErrorOption(p.onConnError),
		LoggerOption(p.logger),
	)
	conn, err := NewConn(raw, opts...)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	p.session = sess(p)
	return p, nil
}

// Send implements account.Transport. Bodies are sealed once the session
// holds keys; the G9Authorization exchange itself travels in the clear.
func (p *peer) Send(ctx context.Context, msg packet.Message, mode account.SendMode) error {
	if keys, ok := p.session.Keys(); ok && sealed(msg) {
		body, err := keys.Encrypt(msg.Body)
		if err != nil {
			return err
		}
		msg.Body = body
	}
	return p.conn.Send(ctx, msg, mode)
}

func (p *peer) Close() error         { return p.conn.Close() }
func (p *peer) RemoteAddr() net.Addr { return p.conn.RemoteAddr() }
func (p *peer) LocalAddr() net.Addr  { return p.conn.LocalAddr() }

func sealed(msg packet.Message) bool {
	return msg.DataKind != packet.Authorization &&
		msg.Command != command.AuthorizationCommand &&
		len(msg.Body) > 0
}

// run serves the connection until it ends and closes the session with the
// reason derived from how it ended.
func (p *peer) run(ctx context.Context) account.CloseReason {
	err := p.conn.Run(ctx)
	reason := p.closeReason(err)

	if reason == account.RejectUnknown && err != nil {
		p.logger.Warn("connection rejected", "error", err)
		p.observer.OnError(err, reason)
	}

	p.session.Close(reason)
	return p.session.CloseReason()
}

func (p *peer) closeReason(err error) account.CloseReason {
	var rejected *RejectedError
	switch {
	case errors.As(err, &rejected):
		return rejected.Reason
	case errors.Is(err, ErrIdleTimeout):
		return account.TimeOut
	case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrAuthorization), packet.IsProtocolError(err):
		return account.RejectUnknown
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, ErrConnectionClosed):
		if p.role == serverRole {
			return account.DisconnectFromServer
		}
		return account.DisconnectFromClient
	default:
		if p.role == serverRole {
			return account.DisconnectFromClient
		}
		return account.DisconnectFromServer
	}
}

func (p *peer) onConnError(err error) ErrorAction {
	if errors.Is(err, packet.ErrReassembly) {
		p.observer.OnError(err, account.NoClose)
		return Continue
	}
	return Disconnect
}

// handle runs on the read goroutine for every reassembled message.
func (p *peer) handle(msg packet.Message) error {
	if isRejectNotice(msg) {
		if p.role == clientRole {
			rejected := parseRejectNotice(msg)
			p.rejected.Store(rejected)
			return rejected
		}
		return nil
	}

	if msg.DataKind == packet.Authorization {
		return p.authorize(msg)
	}

	if p.requireAuth && !p.session.Authorized() {
		p.reject(account.RejectUnknown)
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg.Command)
	}

	if keys, ok := p.session.Keys(); ok && sealed(msg) {
		body, err := keys.Decrypt(msg.Body)
		if err != nil {
			p.logger.Warn("dropping message", "command", msg.Command, "request_id", msg.RequestID, "error", err)
			p.observer.OnError(fmt.Errorf("decrypt %s: %w", msg.Command, err), account.NoClose)
			return nil
		}
		msg.Body = body
	}

	if p.limiter != nil && !p.limiter.Allow() {
		p.logger.Warn("rate limit exceeded, message dropped", "command", msg.Command, "request_id", msg.RequestID)
		return nil
	}

	if p.deliver(msg) || p.builtin(msg) {
		return nil
	}

	p.dispatcher.Dispatch(p.conn.ctx, msg, p.session.Account())
	return nil
}

// builtin answers the reserved commands. Only the server answers; a client
// silently drops built-in replies nobody waits for.
func (p *peer) builtin(msg packet.Message) bool {
	if !command.IsReserved(msg.Command) {
		return false
	}
	if p.role != serverRole || msg.DataKind != packet.StandardCommand {
		return true
	}

	switch msg.Command {
	case command.EchoCommand, command.TestSendReceive:
		p.reply(msg)
	case command.PingCommand:
		p.reply(pingReply(msg.RequestID, time.Now()))
	}
	return true
}

func (p *peer) reply(msg packet.Message) {
	if err := p.session.SendMessage(p.conn.ctx, msg, account.Asynchronous); err != nil {
		p.logger.Debug("reply failed", "command", msg.Command, "error", err)
	}
}

// reject tells the peer why it is being dropped. Clients just hang up.
func (p *peer) reject(reason account.CloseReason) {
	if p.role != serverRole {
		return
	}
	ctx, cancel := context.WithTimeout(p.conn.ctx, rejectTimeout)
	defer cancel()
	if err := p.conn.Send(ctx, rejectNotice(reason), account.Synchronous); err != nil {
		p.logger.Debug("reject notice failed", "reason", reason, "error", err)
	}
}

// deliver hands msg to a pending call with the same request id.
func (p *peer) deliver(msg packet.Message) bool {
	p.mu.Lock()
	ch, ok := p.calls[msg.RequestID]
	if ok {
		delete(p.calls, msg.RequestID)
	}
	p.mu.Unlock()

	if ok {
		ch <- msg
	}
	return ok
}

// call sends msg and waits for the message that carries its request id.
func (p *peer) call(ctx context.Context, msg packet.Message) (packet.Message, error) {
	ch := make(chan packet.Message, 1)
	p.mu.Lock()
	p.calls[msg.RequestID] = ch
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.calls, msg.RequestID)
		p.mu.Unlock()
	}()

	if err := p.session.SendMessage(ctx, msg, account.Asynchronous); err != nil {
		return packet.Message{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return packet.Message{}, ctx.Err()
	case <-p.session.Done():
		return packet.Message{}, ErrNotConnected
	}
}

// startHandshake sends the client hello. The reply is handled by authorize.
func (p *peer) startHandshake(ctx context.Context) error {
	kp, err := secure.GenerateKeyPair()
	if err != nil {
		return err
	}
	hello, err := secure.NewHello(kp)
	if err != nil {
		return err
	}
	body, err := hello.MarshalBinary()
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.handshake = &pendingHandshake{keys: kp, nonce: hello.Nonce}
	p.mu.Unlock()

	return p.conn.Send(ctx, packet.Message{
		DataKind:  packet.Authorization,
		Command:   command.AuthorizationCommand,
		RequestID: uuid.New(),
		Body:      body,
	}, account.Synchronous)
}

// waitAuthorized blocks until the handshake completed or the connection ended.
func (p *peer) waitAuthorized(ctx context.Context) error {
	select {
	case <-p.authorized:
		return nil
	case <-p.conn.Done():
		if rejected := p.rejected.Load(); rejected != nil {
			return rejected
		}
		return fmt.Errorf("%w: connection closed", ErrAuthorization)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrAuthorization, ctx.Err())
	}
}

func (p *peer) authorize(msg packet.Message) error {
	var hello secure.Hello
	if err := hello.UnmarshalBinary(msg.Body); err != nil {
		return p.authFailed(err)
	}

	if p.role == clientRole {
		p.mu.Lock()
		pending := p.handshake
		p.handshake = nil
		p.mu.Unlock()

		if pending == nil {
			return p.authFailed(errors.New("unexpected hello"))
		}
		if hello.Nonce != pending.nonce {
			return p.authFailed(errors.New("nonce mismatch"))
		}
		keys, err := pending.keys.DeriveKeys(hello.PublicKey, pending.nonce[:])
		if err != nil {
			return p.authFailed(err)
		}
		p.session.Authorize(keys)
		p.markAuthorized()
		return nil
	}

	if p.session.Authorized() {
		return p.authFailed(errors.New("repeated hello"))
	}
	if err := p.replay.Check(hello.Nonce[:]); err != nil {
		return p.authFailed(err)
	}

	kp, err := secure.GenerateKeyPair()
	if err != nil {
		return p.authFailed(err)
	}
	keys, err := kp.DeriveKeys(hello.PublicKey, hello.Nonce[:])
	if err != nil {
		return p.authFailed(err)
	}
	body, _ := secure.Hello{PublicKey: kp.Public, Nonce: hello.Nonce}.MarshalBinary()

	// Queue the answer before installing keys so nothing sealed overtakes it.
	err = p.conn.Send(p.conn.ctx, packet.Message{
		DataKind:  packet.Authorization,
		Command:   command.AuthorizationCommand,
		RequestID: msg.RequestID,
		Body:      body,
	}, account.Asynchronous)
	if err != nil {
		return err
	}

	p.session.Authorize(keys)
	p.logger.Debug("session authorized")
	p.markAuthorized()
	return nil
}

func (p *peer) authFailed(err error) error {
	p.reject(account.RejectUnknown)
	return fmt.Errorf("%w: %w", ErrAuthorization, err)
}

func (p *peer) markAuthorized() {
	p.authOnce.Do(func() {
		close(p.authorized)
		if p.onAuthorized != nil {
			p.onAuthorized()
		}
	})
}
