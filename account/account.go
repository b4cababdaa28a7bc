// Package account models the two halves of a g9 connection: the Account,
// which is the application's identity for a peer, and the Session, which is
// the network context that Account is bound to for its whole life.
package account

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// CloseReason tells why a session ended.
type CloseReason int32

const (
	// NoClose accompanies faults that leave the session open.
	NoClose CloseReason = iota
	TimeOut
	DisconnectFromClient
	DisconnectFromServer
	RejectMaxConnectionLimit
	RejectUnknown
)

func (r CloseReason) String() string {
	switch r {
	case NoClose:
		return "NoClose"
	case TimeOut:
		return "TimeOut"
	case DisconnectFromClient:
		return "DisconnectFromClient"
	case DisconnectFromServer:
		return "DisconnectFromServer"
	case RejectMaxConnectionLimit:
		return "RejectFromServer_MaxConnectionLimit"
	case RejectUnknown:
		return "RejectFromServer_Unknown"
	default:
		return fmt.Sprintf("CloseReason(%d)", int32(r))
	}
}

// ErrAlreadyBound is returned when an account or session is bound twice.
var ErrAlreadyBound = errors.New("account: already bound to a session")

// Account is the application identity of one connected peer.
//
// Implementations embed Base, which supplies Session and the binding hook,
// and implement OnSessionClosed. OnSessionClosed runs exactly once, when the
// session ends, and must not block for long: it runs on the goroutine that
// closed the session.
type Account interface {
	Session() *Session
	OnSessionClosed(reason CloseReason)

	bind(*Session) error
}

// Factory creates a fresh account for a new connection.
type Factory func() Account

// Base carries the session reference of an Account.
type Base struct {
	session atomic.Pointer[Session]
}

// Session returns the bound session, or nil before binding.
func (b *Base) Session() *Session {
	return b.session.Load()
}

func (b *Base) bind(s *Session) error {
	if !b.session.CompareAndSwap(nil, s) {
		return ErrAlreadyBound
	}
	return nil
}

// Bind ties acc and s together. It must be called once per connection,
// before the first command is dispatched.
func Bind(acc Account, s *Session) error {
	if acc == nil || s == nil {
		return errors.New("account: bind nil account or session")
	}
	if !s.account.CompareAndSwap(nil, &acc) {
		return ErrAlreadyBound
	}
	if err := acc.bind(s); err != nil {
		s.account.Store(nil)
		return err
	}
	return nil
}
