// Package packet implements the wire framing of the g9 protocol: the fixed
// frame header, splitting of oversized payloads into fragments and the
// per-connection reassembly of those fragments.
package packet

import (
	"fmt"

	"github.com/google/uuid"
)

// PacketKind tells whether a frame carries a whole message or one fragment.
type PacketKind byte

const (
	// OnePacket frames carry a complete logical message.
	OnePacket PacketKind = 0x01
	// MultiPacket frames carry one fragment of a split message.
	MultiPacket PacketKind = 0x02
)

func (k PacketKind) String() string {
	switch k {
	case OnePacket:
		return "OnePacket"
	case MultiPacket:
		return "MultiPacket"
	default:
		return fmt.Sprintf("PacketKind(%d)", byte(k))
	}
}

// DataKind classifies the body of a frame.
type DataKind byte

const (
	// StandardCommand is an application or built-in command.
	StandardCommand DataKind = 0x01
	// ClientError reports a failure to the peer for the command named in the frame.
	ClientError DataKind = 0x02
	// Authorization frames belong to the key exchange handshake.
	Authorization DataKind = 0x03
)

func (k DataKind) String() string {
	switch k {
	case StandardCommand:
		return "StandardCommand"
	case ClientError:
		return "ClientError"
	case Authorization:
		return "Authorization"
	default:
		return fmt.Sprintf("DataKind(%d)", byte(k))
	}
}

func (k PacketKind) valid() bool { return k == OnePacket || k == MultiPacket }

func (k DataKind) valid() bool {
	return k == StandardCommand || k == ClientError || k == Authorization
}

// Frame is one wire unit.
//
// Index, Total and TotalLength are only meaningful for MultiPacket frames.
type Frame struct {
	PacketKind PacketKind
	DataKind   DataKind
	Command    string
	RequestID  uuid.UUID
	Body       []byte

	Index       uint32
	Total       uint32
	TotalLength uint32
}

// Message is one logical packet, reassembled if it was split.
type Message struct {
	DataKind  DataKind
	Command   string
	RequestID uuid.UUID
	Body      []byte
}

// Split encodes a logical message into the frames that carry it.
//
// A payload that fits into maxFragment bytes yields a single OnePacket frame,
// including the empty payload. Larger payloads yield ceil(len/maxFragment)
// MultiPacket frames sharing requestID.
func Split(command string, kind DataKind, requestID uuid.UUID, payload []byte, maxFragment int) ([]Frame, error) {
	if maxFragment <= 0 {
		return nil, fmt.Errorf("%w: fragment size must be positive", ErrInvalidLimits)
	}
	if !kind.valid() {
		return nil, ErrUnknownDataKind
	}

	if len(payload) <= maxFragment {
		return []Frame{{
			PacketKind: OnePacket,
			DataKind:   kind,
			Command:    command,
			RequestID:  requestID,
			Body:       payload,
		}}, nil
	}

	total := (len(payload) + maxFragment - 1) / maxFragment
	frames := make([]Frame, 0, total)
	for i := 0; i < total; i++ {
		start := i * maxFragment
		end := min(start+maxFragment, len(payload))
		frames = append(frames, Frame{
			PacketKind:  MultiPacket,
			DataKind:    kind,
			Command:     command,
			RequestID:   requestID,
			Body:        payload[start:end],
			Index:       uint32(i),
			Total:       uint32(total),
			TotalLength: uint32(len(payload)),
		})
	}
	return frames, nil
}

// SplitMessage is Split applied to m.
func SplitMessage(m Message, maxFragment int) ([]Frame, error) {
	return Split(m.Command, m.DataKind, m.RequestID, m.Body, maxFragment)
}
