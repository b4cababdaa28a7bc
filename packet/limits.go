package packet

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

const (
	// NameSlotSize is the command-name slot size for a multiplier of one.
	NameSlotSize = 16
	// BodySlotSize is the fragment body size for a multiplier of one.
	BodySlotSize = 1024

	defaultMaxMessageSize    = 16 << 20
	defaultReassemblyTimeout = 30 * time.Second
)

// Limits bounds the sizes a connection accepts and produces.
type Limits struct {
	NameMultiplier int
	BodyMultiplier int
	// MaxMessageSize bounds a reassembled message. Zero means 16 MiB.
	MaxMessageSize int
	// MaxPendingBytes bounds the bytes held for partial messages on one
	// connection. Zero means MaxMessageSize.
	MaxPendingBytes int
	// ReassemblyTimeout is how long a partial message may wait for its
	// remaining fragments. Zero means 30s.
	ReassemblyTimeout time.Duration
	// Encoding encodes command names. Nil means UTF-8.
	Encoding encoding.Encoding
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		NameMultiplier:    2,
		BodyMultiplier:    8,
		MaxMessageSize:    defaultMaxMessageSize,
		MaxPendingBytes:   defaultMaxMessageSize,
		ReassemblyTimeout: defaultReassemblyTimeout,
		Encoding:          unicode.UTF8,
	}
}

// Validate checks the limits and fills in defaults for zero values.
func (l *Limits) Validate() error {
	if l.NameMultiplier <= 0 {
		return fmt.Errorf("%w: name multiplier %d", ErrInvalidLimits, l.NameMultiplier)
	}
	if l.BodyMultiplier <= 0 {
		return fmt.Errorf("%w: body multiplier %d", ErrInvalidLimits, l.BodyMultiplier)
	}
	if l.MaxMessageSize == 0 {
		l.MaxMessageSize = defaultMaxMessageSize
	}
	if l.MaxMessageSize < 0 {
		return fmt.Errorf("%w: max message size %d", ErrInvalidLimits, l.MaxMessageSize)
	}
	if l.MaxPendingBytes == 0 {
		l.MaxPendingBytes = l.MaxMessageSize
	}
	if l.MaxPendingBytes < 0 {
		return fmt.Errorf("%w: max pending bytes %d", ErrInvalidLimits, l.MaxPendingBytes)
	}
	if l.ReassemblyTimeout == 0 {
		l.ReassemblyTimeout = defaultReassemblyTimeout
	}
	if l.ReassemblyTimeout < 0 {
		return fmt.Errorf("%w: reassembly timeout %v", ErrInvalidLimits, l.ReassemblyTimeout)
	}
	if l.Encoding == nil {
		l.Encoding = unicode.UTF8
	}
	return nil
}

// NameSize is the byte size of the command-name slot.
func (l Limits) NameSize() int { return NameSlotSize * l.NameMultiplier }

// MaxFragment is the largest body a single frame may carry.
func (l Limits) MaxFragment() int { return BodySlotSize * l.BodyMultiplier }

// LookupEncoding resolves a configured text encoding name.
func LookupEncoding(name string) (encoding.Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "utf-8", "utf8":
		return unicode.UTF8, nil
	case "utf-16le", "utf16le", "unicode":
		return unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM), nil
	case "utf-16be", "utf16be", "bigendianunicode":
		return unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM), nil
	case "latin1", "iso-8859-1":
		return charmap.ISO8859_1, nil
	case "ascii", "us-ascii":
		return unicode.UTF8, nil
	case "windows-1252", "cp1252":
		return charmap.Windows1252, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
