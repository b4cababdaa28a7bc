package command

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Zereker/g9socket/account"
	"github.com/Zereker/g9socket/codec"
	"github.com/Zereker/g9socket/packet"
)

// ErrDecodePayload wraps codec failures handed to a command's ErrorFunc.
var ErrDecodePayload = errors.New("decode command payload")

// UnhandledFunc observes messages whose command is not registered.
type UnhandledFunc func(msg packet.Message, acc account.Account)

// Dispatcher routes messages to registered commands.
//
// Dispatch runs the handler on the calling goroutine, so a connection that
// dispatches from its read loop handles its commands strictly in order.
type Dispatcher struct {
	registry    *Registry
	onUnhandled UnhandledFunc
}

// NewDispatcher freezes r and returns a dispatcher over it.
func NewDispatcher(r *Registry, onUnhandled UnhandledFunc) *Dispatcher {
	r.Freeze()
	return &Dispatcher{registry: r, onUnhandled: onUnhandled}
}

// Registry returns the frozen registry.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Dispatch handles msg for acc. Nothing that happens here closes the
// connection: unknown commands go to the unhandled callback, decode failures
// and panics to the command's ErrorFunc.
//
// Replies are sent on acc's session under ctx.
func (d *Dispatcher) Dispatch(ctx context.Context, msg packet.Message, acc account.Account) {
	cmd, ok := d.registry.Lookup(msg.Command)
	if !ok {
		if d.onUnhandled != nil {
			d.onUnhandled(msg, acc)
		}
		return
	}

	switch msg.DataKind {
	case packet.ClientError:
		cmd.fail(&RemoteError{Command: msg.Command, RequestID: msg.RequestID, Message: string(msg.Body)}, acc)
		return
	case packet.StandardCommand:
	default:
		if d.onUnhandled != nil {
			d.onUnhandled(msg, acc)
		}
		return
	}

	sess := acc.Session()
	var c codec.Codec = codec.JSON{}
	if sess != nil {
		c = sess.Codec()
	}

	payload, err := cmd.decode(c, msg.Body)
	if err != nil {
		err = fmt.Errorf("%w: %s: %w", ErrDecodePayload, msg.Command, err)
		cmd.fail(err, acc)
		if sess != nil {
			_ = sess.SendMessage(ctx, packet.Message{
				DataKind:  packet.ClientError,
				Command:   msg.Command,
				RequestID: msg.RequestID,
				Body:      []byte(err.Error()),
			}, account.Asynchronous)
		}
		return
	}

	d.invoke(ctx, cmd, payload, msg, acc, c)
}

func (d *Dispatcher) invoke(ctx context.Context, cmd Command, payload any, msg packet.Message, acc account.Account, c codec.Codec) {
	defer func() {
		if r := recover(); r != nil {
			cmd.fail(fmt.Errorf("command %s panicked: %v", msg.Command, r), acc)
		}
	}()
	cmd.receive(payload, acc, msg.RequestID, replyTo(ctx, acc, msg.Command, msg.RequestID, c))
}

func replyTo(ctx context.Context, acc account.Account, command string, requestID uuid.UUID, c codec.Codec) ReplyFunc {
	return func(payload any, mode account.SendMode) error {
		sess := acc.Session()
		if sess == nil {
			return account.ErrSessionClosed
		}
		body, err := codec.Marshal(c, payload)
		if err != nil {
			return err
		}
		return sess.SendMessage(ctx, packet.Message{
			DataKind:  packet.StandardCommand,
			Command:   command,
			RequestID: requestID,
			Body:      body,
		}, mode)
	}
}
