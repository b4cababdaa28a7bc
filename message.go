package socket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Zereker/g9socket/account"
	"github.com/Zereker/g9socket/command"
	"github.com/Zereker/g9socket/packet"
)

// Message is one logical message: the reassembled frames of a request id.
type Message = packet.Message

// SendMode selects whether a send waits for the socket write.
type SendMode = account.SendMode

const (
	Asynchronous = account.Asynchronous
	Synchronous  = account.Synchronous
)

// RejectedError is returned when the server refused the connection with a
// G9Authorization ClientError notice.
type RejectedError struct {
	Reason account.CloseReason
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("connection rejected by server: %s", e.Reason)
}

// rejectNotice is sent by the server before it closes a connection it
// refuses. The body is the close reason as one byte.
func rejectNotice(reason account.CloseReason) packet.Message {
	return packet.Message{
		DataKind:  packet.ClientError,
		Command:   command.AuthorizationCommand,
		RequestID: uuid.New(),
		Body:      []byte{byte(reason)},
	}
}

func isRejectNotice(msg packet.Message) bool {
	return msg.DataKind == packet.ClientError && msg.Command == command.AuthorizationCommand
}

func parseRejectNotice(msg packet.Message) *RejectedError {
	reason := account.RejectUnknown
	if len(msg.Body) == 1 {
		reason = account.CloseReason(msg.Body[0])
	}
	return &RejectedError{Reason: reason}
}

// errMalformedPing is returned when a ping reply carries no timestamp.
var errMalformedPing = errors.New("malformed ping reply")

// pingReply carries the server clock so the client can log the offset.
func pingReply(requestID uuid.UUID, now time.Time) packet.Message {
	body := make([]byte, 8)
	binary.BigEndian.PutUint64(body, uint64(now.UnixNano()))
	return packet.Message{
		DataKind:  packet.StandardCommand,
		Command:   command.PingCommand,
		RequestID: requestID,
		Body:      body,
	}
}

func parsePingReply(msg packet.Message) (time.Time, error) {
	if len(msg.Body) != 8 {
		return time.Time{}, errMalformedPing
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(msg.Body))), nil
}
