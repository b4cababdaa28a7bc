package socket

import (
	"github.com/Zereker/g9socket/account"
	"github.com/Zereker/g9socket/packet"
)

// Observer receives lifecycle signals from a Server or Client.
//
// Callbacks run on connection goroutines and must not block. Each signal
// fires exactly once per transition.
type Observer interface {
	// OnConnect fires when a connection is usable: right after accept or
	// dial, or after the authorization handshake when it is required.
	OnConnect(acc account.Account)
	// OnDisconnected fires once when the session of acc closes.
	OnDisconnected(acc account.Account, reason account.CloseReason)
	// OnError reports faults that do not belong to a single command. reason
	// is account.NoClose when the connection stays open.
	OnError(err error, reason account.CloseReason)
	// OnReconnectAttempt fires before each reconnect attempt. acc is the
	// account of the dropped connection, or nil if the client never connected.
	OnReconnectAttempt(acc account.Account, attempt int)
	// OnUnhandledCommand fires for a message whose command is not registered.
	OnUnhandledCommand(msg packet.Message, acc account.Account)
	// OnUnableToConnect fires once when a client gives up connecting.
	OnUnableToConnect()
}

// NopObserver ignores every signal. Embed it to implement only some callbacks.
type NopObserver struct{}

func (NopObserver) OnConnect(account.Account)                         {}
func (NopObserver) OnDisconnected(account.Account, account.CloseReason) {}
func (NopObserver) OnError(error, account.CloseReason)                {}
func (NopObserver) OnReconnectAttempt(account.Account, int)           {}
func (NopObserver) OnUnhandledCommand(packet.Message, account.Account) {}
func (NopObserver) OnUnableToConnect()                                 {}
