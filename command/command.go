// Package command holds the registry of named commands and the dispatcher
// that routes reassembled messages to their typed handlers.
package command

import (
	"fmt"
	"reflect"

	"github.com/google/uuid"

	"github.com/Zereker/g9socket/account"
	"github.com/Zereker/g9socket/codec"
)

// Reserved command names handled by the connection manager itself.
const (
	EchoCommand          = "G9EchoCommand"
	TestSendReceive      = "G9TestSendReceive"
	PingCommand          = "G9PingCommand"
	AuthorizationCommand = "G9Authorization"
)

// IsReserved reports whether name belongs to the protocol.
func IsReserved(name string) bool {
	switch name {
	case EchoCommand, TestSendReceive, PingCommand, AuthorizationCommand:
		return true
	}
	return false
}

// ReplyFunc answers the message being handled. The reply carries the same
// command name and request id.
type ReplyFunc func(payload any, mode account.SendMode) error

// ReceiveFunc handles a decoded payload.
type ReceiveFunc[T any] func(payload T, acc account.Account, requestID uuid.UUID, reply ReplyFunc)

// ErrorFunc handles failures tied to a command: payload decode errors,
// handler panics and ClientError frames from the peer.
type ErrorFunc func(err error, acc account.Account)

// Command is one registration entry. Build it with New or FromHandler.
type Command interface {
	Name() string

	decode(c codec.Codec, body []byte) (any, error)
	receive(payload any, acc account.Account, requestID uuid.UUID, reply ReplyFunc)
	fail(err error, acc account.Account)
}

type entry[T any] struct {
	name      string
	onReceive ReceiveFunc[T]
	onError   ErrorFunc
}

// New returns a command named name whose payload decodes into T. A []byte
// payload type receives the raw body without going through the codec.
func New[T any](name string, onReceive ReceiveFunc[T], onError ErrorFunc) Command {
	return &entry[T]{name: name, onReceive: onReceive, onError: onError}
}

func (e *entry[T]) Name() string { return e.name }

func (e *entry[T]) decode(c codec.Codec, body []byte) (any, error) {
	var v T
	if t := reflect.TypeFor[T](); t.Kind() == reflect.Pointer {
		v = reflect.New(t.Elem()).Interface().(T)
		if err := codec.Unmarshal(c, body, v); err != nil {
			return nil, err
		}
		return v, nil
	}
	if err := codec.Unmarshal(c, body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (e *entry[T]) receive(payload any, acc account.Account, requestID uuid.UUID, reply ReplyFunc) {
	if e.onReceive != nil {
		e.onReceive(payload.(T), acc, requestID, reply)
	}
}

func (e *entry[T]) fail(err error, acc account.Account) {
	if e.onError != nil {
		e.onError(err, acc)
	}
}

// Handler is a command implemented as a type.
type Handler[T any] interface {
	OnReceive(payload T, acc account.Account, requestID uuid.UUID, reply ReplyFunc)
	OnError(err error, acc account.Account)
}

// Named lets a Handler choose its command name instead of its type name.
type Named interface {
	CommandName() string
}

// FromHandler registers h under its CommandName, or its type name when h
// does not implement Named.
func FromHandler[T any](h Handler[T]) Command {
	return New[T](NameOf(h), h.OnReceive, h.OnError)
}

// NameOf returns the command name used for handler h.
func NameOf(h any) string {
	if n, ok := h.(Named); ok {
		return n.CommandName()
	}
	t := reflect.TypeOf(h)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	return t.Name()
}

// RemoteError is delivered to ErrorFunc when the peer reports a failure
// with a ClientError frame.
type RemoteError struct {
	Command   string
	RequestID uuid.UUID
	Message   string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("command %s (request %s) failed on peer: %s", e.Command, e.RequestID, e.Message)
}
