package packet

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	kindsLen     = 2
	requestIDLen = 16
	lengthLen    = 4
	sequenceLen  = 12
)

// Wire reads and writes frames in the g9 wire layout:
//
//	[name slot][data kind][packet kind][request id]
//	OnePacket:   [body len][body]
//	MultiPacket: [index][total][total len][body len][body]
//
// Integers are big-endian uint32. The name slot is space padded in the
// configured text encoding.
//
// A Wire holds no per-stream state and is safe for concurrent use.
type Wire struct {
	limits Limits
	space  []byte
}

// NewWire validates limits and returns a Wire bound to them.
func NewWire(limits Limits) (*Wire, error) {
	if err := limits.Validate(); err != nil {
		return nil, err
	}
	space, err := limits.Encoding.NewEncoder().Bytes([]byte(" "))
	if err != nil {
		return nil, fmt.Errorf("%w: encoding cannot represent padding: %v", ErrInvalidLimits, err)
	}
	return &Wire{limits: limits, space: space}, nil
}

// Limits returns the validated limits of w.
func (w *Wire) Limits() Limits { return w.limits }

// MaxFrameSize is the encoded size of the largest frame w produces.
func (w *Wire) MaxFrameSize() int {
	return w.headerLen() + sequenceLen + lengthLen + w.limits.MaxFragment()
}

func (w *Wire) headerLen() int {
	return w.limits.NameSize() + kindsLen + requestIDLen
}

// EncodeName encodes command into a padded name slot.
func (w *Wire) EncodeName(command string) ([]byte, error) {
	name, err := w.limits.Encoding.NewEncoder().Bytes([]byte(command))
	if err != nil {
		return nil, fmt.Errorf("encode command name %q: %w", command, err)
	}
	size := w.limits.NameSize()
	if len(name) > size {
		return nil, fmt.Errorf("%w: %q needs %d bytes, slot holds %d", ErrCommandTooLong, command, len(name), size)
	}

	slot := make([]byte, 0, size)
	slot = append(slot, name...)
	for len(slot)+len(w.space) <= size {
		slot = append(slot, w.space...)
	}
	for len(slot) < size {
		slot = append(slot, ' ')
	}
	return slot, nil
}

func (w *Wire) decodeName(slot []byte) (string, error) {
	name, err := w.limits.Encoding.NewDecoder().Bytes(slot)
	if err != nil {
		return "", errors.Join(ErrProtocol, fmt.Errorf("decode command name: %w", err))
	}
	return string(bytes.TrimRight(name, " \x00")), nil
}

// Encode returns the wire bytes of f.
func (w *Wire) Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := w.WriteFrame(&buf, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteFrame writes f to dst as a single Write call, so datagram transports
// receive one frame per datagram.
func (w *Wire) WriteFrame(dst io.Writer, f Frame) error {
	if !f.PacketKind.valid() {
		return ErrUnknownPacketKind
	}
	if !f.DataKind.valid() {
		return ErrUnknownDataKind
	}
	if len(f.Body) > w.limits.MaxFragment() {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(f.Body), w.limits.MaxFragment())
	}

	name, err := w.EncodeName(f.Command)
	if err != nil {
		return err
	}

	size := w.headerLen() + lengthLen + len(f.Body)
	if f.PacketKind == MultiPacket {
		size += sequenceLen
	}
	out := make([]byte, 0, size)
	out = append(out, name...)
	out = append(out, byte(f.DataKind), byte(f.PacketKind))
	out = append(out, f.RequestID[:]...)
	if f.PacketKind == MultiPacket {
		out = binary.BigEndian.AppendUint32(out, f.Index)
		out = binary.BigEndian.AppendUint32(out, f.Total)
		out = binary.BigEndian.AppendUint32(out, f.TotalLength)
	}
	out = binary.BigEndian.AppendUint32(out, uint32(len(f.Body)))
	out = append(out, f.Body...)

	_, err = dst.Write(out)
	return err
}

// ReadFrame reads exactly one frame from r.
//
// A body shorter than its declared length yields io.ErrUnexpectedEOF. Header
// values outside the configured limits yield errors matching ErrProtocol.
func (w *Wire) ReadFrame(r io.Reader) (Frame, error) {
	hdr := make([]byte, w.headerLen())
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Frame{}, err
	}

	nameSize := w.limits.NameSize()
	command, err := w.decodeName(hdr[:nameSize])
	if err != nil {
		return Frame{}, err
	}

	f := Frame{
		Command:    command,
		DataKind:   DataKind(hdr[nameSize]),
		PacketKind: PacketKind(hdr[nameSize+1]),
	}
	if !f.DataKind.valid() {
		return Frame{}, errors.Join(ErrProtocol, ErrUnknownDataKind)
	}
	if !f.PacketKind.valid() {
		return Frame{}, errors.Join(ErrProtocol, ErrUnknownPacketKind)
	}
	copy(f.RequestID[:], hdr[nameSize+kindsLen:])

	if f.PacketKind == MultiPacket {
		var seq [sequenceLen]byte
		if _, err := io.ReadFull(r, seq[:]); err != nil {
			return Frame{}, unexpected(err)
		}
		f.Index = binary.BigEndian.Uint32(seq[0:4])
		f.Total = binary.BigEndian.Uint32(seq[4:8])
		f.TotalLength = binary.BigEndian.Uint32(seq[8:12])
		if err := w.checkSequence(f); err != nil {
			return Frame{}, err
		}
	}

	var ln [lengthLen]byte
	if _, err := io.ReadFull(r, ln[:]); err != nil {
		return Frame{}, unexpected(err)
	}
	bodyLen := binary.BigEndian.Uint32(ln[:])
	if bodyLen > uint32(w.limits.MaxFragment()) {
		return Frame{}, errors.Join(ErrProtocol, fmt.Errorf("%w: declared %d, limit %d", ErrFrameTooLarge, bodyLen, w.limits.MaxFragment()))
	}
	if f.PacketKind == MultiPacket && bodyLen > f.TotalLength {
		return Frame{}, errors.Join(ErrProtocol, fmt.Errorf("%w: fragment of %d bytes in message of %d", ErrBadSequence, bodyLen, f.TotalLength))
	}

	f.Body = make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r, f.Body); err != nil {
			return Frame{}, unexpected(err)
		}
	}
	return f, nil
}

func (w *Wire) checkSequence(f Frame) error {
	switch {
	case f.Total == 0 || f.Index >= f.Total:
		return errors.Join(ErrProtocol, fmt.Errorf("%w: index %d of %d", ErrBadSequence, f.Index, f.Total))
	case uint64(f.TotalLength) > uint64(w.limits.MaxMessageSize):
		return errors.Join(ErrProtocol, fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, f.TotalLength, w.limits.MaxMessageSize))
	case uint64(f.Total)*uint64(w.limits.MaxFragment()) < uint64(f.TotalLength):
		return errors.Join(ErrProtocol, fmt.Errorf("%w: %d fragments cannot hold %d bytes", ErrBadSequence, f.Total, f.TotalLength))
	}
	return nil
}

// Decode parses one frame from the front of raw and reports how many bytes it
// used. ErrIncomplete means raw ends inside the frame.
func (w *Wire) Decode(raw []byte) (Frame, int, error) {
	r := bytes.NewReader(raw)
	f, err := w.ReadFrame(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, 0, ErrIncomplete
		}
		return Frame{}, 0, err
	}
	return f, len(raw) - r.Len(), nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}
