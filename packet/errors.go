package packet

import "errors"

var (
	// ErrProtocol marks framing faults that leave the byte stream desynchronized.
	// The connection that produced one cannot be trusted any further.
	ErrProtocol = errors.New("g9 protocol error")

	ErrFrameTooLarge     = errors.New("frame body too large")
	ErrCommandTooLong    = errors.New("command name exceeds name slot")
	ErrUnknownPacketKind = errors.New("unknown packet kind")
	ErrUnknownDataKind   = errors.New("unknown data kind")
	ErrBadSequence       = errors.New("invalid fragment sequence")
	ErrMessageTooLarge   = errors.New("message exceeds maximum size")

	// ErrIncomplete is returned by Decode when the buffer ends inside a frame.
	ErrIncomplete = errors.New("incomplete frame")

	// ErrReassembly is a message-local fault: only the affected request id is dropped.
	ErrReassembly = errors.New("fragment reassembly failed")

	ErrInvalidLimits = errors.New("invalid packet limits")
	ErrUnknownCodec  = errors.New("unknown text encoding")
)

// IsProtocolError reports whether err desynchronizes the connection.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrProtocol)
}
