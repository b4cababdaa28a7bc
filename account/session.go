package account

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/Zereker/g9socket/codec"
	"github.com/Zereker/g9socket/packet"
	"github.com/Zereker/g9socket/secure"
)

// SendMode selects how a send waits for the socket.
type SendMode int

const (
	// Asynchronous queues the frames and returns immediately.
	Asynchronous SendMode = iota
	// Synchronous blocks until the frames are flushed to the socket.
	Synchronous
)

func (m SendMode) String() string {
	if m == Synchronous {
		return "Synchronous"
	}
	return "Asynchronous"
}

// Transport is what a Session needs from the connection that carries it.
type Transport interface {
	Send(ctx context.Context, msg packet.Message, mode SendMode) error
	Close() error
	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// ErrSessionClosed is returned when sending on a closed session.
var ErrSessionClosed = errors.New("account: session closed")

// Session is the live network context of one connection.
type Session struct {
	id          uint64
	transport   Transport
	codec       codec.Codec
	connectedAt time.Time

	account    atomic.Pointer[Account]
	keys       atomic.Pointer[secure.Keys]
	authorized atomic.Bool

	closed atomic.Bool
	reason atomic.Int32
	done   chan struct{}

	hooksMu sync.Mutex
	hooks   []func(*Session, CloseReason)
}

// NewSession returns a session with identity id carried by t. Payloads sent
// through it are encoded with c.
func NewSession(id uint64, t Transport, c codec.Codec) *Session {
	if c == nil {
		c = codec.JSON{}
	}
	return &Session{
		id:          id,
		transport:   t,
		codec:       c,
		connectedAt: time.Now(),
		done:        make(chan struct{}),
	}
}

// ID is the numeric connection identity assigned by the connection manager.
func (s *Session) ID() uint64 { return s.id }

func (s *Session) RemoteAddr() net.Addr { return s.transport.RemoteAddr() }

func (s *Session) LocalAddr() net.Addr { return s.transport.LocalAddr() }

func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Codec returns the payload codec of the session.
func (s *Session) Codec() codec.Codec { return s.codec }

// Account returns the bound account, or nil before Bind.
func (s *Session) Account() Account {
	if p := s.account.Load(); p != nil {
		return *p
	}
	return nil
}

// Keys returns the negotiated payload keys, if any.
func (s *Session) Keys() (secure.Keys, bool) {
	if k := s.keys.Load(); k != nil {
		return *k, true
	}
	return secure.Keys{}, false
}

// Authorize installs the negotiated keys and marks the session authorized.
func (s *Session) Authorize(keys secure.Keys) {
	s.keys.Store(&keys)
	s.authorized.Store(true)
}

// Authorized reports whether the G9Authorization handshake completed.
func (s *Session) Authorized() bool { return s.authorized.Load() }

// Send pushes a command to the peer with a fresh request id.
func (s *Session) Send(ctx context.Context, command string, payload any, mode SendMode) (uuid.UUID, error) {
	id := uuid.New()
	body, err := codec.Marshal(s.codec, payload)
	if err != nil {
		return uuid.Nil, errors.Wrapf(err, "send %s", command)
	}
	return id, s.SendMessage(ctx, packet.Message{
		DataKind:  packet.StandardCommand,
		Command:   command,
		RequestID: id,
		Body:      body,
	}, mode)
}

// SendMessage hands a prepared message to the transport.
func (s *Session) SendMessage(ctx context.Context, msg packet.Message, mode SendMode) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}
	return s.transport.Send(ctx, msg, mode)
}

// OnClose registers fn to run after the session closes. Hooks run in
// registration order, after the account was notified and the transport closed.
func (s *Session) OnClose(fn func(*Session, CloseReason)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Close ends the session. The first caller notifies the account, closes the
// transport and runs the close hooks; later callers get false and do nothing.
func (s *Session) Close(reason CloseReason) bool {
	if !s.closed.CompareAndSwap(false, true) {
		return false
	}
	s.reason.Store(int32(reason))

	if acc := s.Account(); acc != nil {
		acc.OnSessionClosed(reason)
	}
	_ = s.transport.Close()

	s.hooksMu.Lock()
	hooks := s.hooks
	s.hooks = nil
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(s, reason)
	}

	close(s.done)
	return true
}

// IsClosed reports whether Close was called.
func (s *Session) IsClosed() bool { return s.closed.Load() }

// Done is closed once Close has finished.
func (s *Session) Done() <-chan struct{} { return s.done }

// CloseReason returns the reason given to the first Close, or NoClose.
func (s *Session) CloseReason() CloseReason { return CloseReason(s.reason.Load()) }
