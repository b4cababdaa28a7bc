package packet

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// defaultFinishedMemory is how many completed request ids a Reassembler
// remembers to drop late duplicate fragments.
const defaultFinishedMemory = 1024

// maxPendingMessages bounds the partially received messages per connection.
const maxPendingMessages = 256

type buffer struct {
	command     string
	kind        DataKind
	total       uint32
	totalLength uint32
	parts       map[uint32][]byte
	size        int
	started     time.Time
}

// Reassembler rebuilds split messages from MultiPacket frames.
//
// Fragments are placed by their declared index, so arrival order does not
// matter. A Reassembler belongs to one connection; its mutex serializes
// fragments arriving for that connection only.
//
// A partial message is evicted once it is older than the reassembly timeout,
// or when the bytes held for all partial messages exceed the pending limit.
// The oldest message goes first.
type Reassembler struct {
	mu       sync.Mutex
	pending  map[uuid.UUID]*buffer
	size     int
	finished map[uuid.UUID]struct{}
	ring     []uuid.UUID
	next     int

	timeout  time.Duration
	maxBytes int
	now      func() time.Time
}

// NewReassembler returns an empty Reassembler bounded by limits. Zero
// ReassemblyTimeout and MaxPendingBytes take their defaults.
func NewReassembler(limits Limits) *Reassembler {
	r := &Reassembler{
		pending:  make(map[uuid.UUID]*buffer),
		finished: make(map[uuid.UUID]struct{}),
		ring:     make([]uuid.UUID, defaultFinishedMemory),
		timeout:  limits.ReassemblyTimeout,
		maxBytes: limits.MaxPendingBytes,
		now:      time.Now,
	}
	if r.timeout <= 0 {
		r.timeout = defaultReassemblyTimeout
	}
	if r.maxBytes <= 0 {
		r.maxBytes = limits.MaxMessageSize
	}
	if r.maxBytes <= 0 {
		r.maxBytes = defaultMaxMessageSize
	}
	return r
}

// Add feeds one frame. It returns the logical message and true once the
// message is complete. OnePacket frames complete immediately.
//
// Errors wrap ErrReassembly and never close the connection. An error either
// concerns f.RequestID, whose partial message is discarded and whose later
// fragments are ignored, or reports other request ids evicted to make room.
// Eviction errors may come with a complete message, which is still valid.
func (r *Reassembler) Add(f Frame) (Message, bool, error) {
	if f.PacketKind == OnePacket {
		return Message{DataKind: f.DataKind, Command: f.Command, RequestID: f.RequestID, Body: f.Body}, true, nil
	}
	if f.PacketKind != MultiPacket {
		return Message{}, false, ErrUnknownPacketKind
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	evicted := r.expire(now)

	if _, done := r.finished[f.RequestID]; done {
		return Message{}, false, errors.Join(evicted...)
	}

	b, ok := r.pending[f.RequestID]
	if !ok {
		if len(r.pending) >= maxPendingMessages {
			id, _ := r.oldest(f.RequestID)
			evicted = append(evicted, r.evict(id, "%d messages already pending", len(r.pending)))
		}
		b = &buffer{
			command:     f.Command,
			kind:        f.DataKind,
			total:       f.Total,
			totalLength: f.TotalLength,
			parts:       make(map[uint32][]byte, f.Total),
			started:     now,
		}
		r.pending[f.RequestID] = b
	}

	switch {
	case f.Index >= b.total:
		return r.abort(evicted, f.RequestID, "index %d outside %d fragments", f.Index, b.total)
	case f.Total != b.total || f.TotalLength != b.totalLength:
		return r.abort(evicted, f.RequestID, "fragment %d declares %d/%d, first fragment declared %d/%d",
			f.Index, f.Total, f.TotalLength, b.total, b.totalLength)
	case f.Command != b.command || f.DataKind != b.kind:
		return r.abort(evicted, f.RequestID, "fragment %d belongs to %q, message is %q", f.Index, f.Command, b.command)
	}

	if _, dup := b.parts[f.Index]; dup {
		return Message{}, false, errors.Join(evicted...)
	}
	b.parts[f.Index] = f.Body
	b.size += len(f.Body)
	r.size += len(f.Body)

	for r.size > r.maxBytes {
		id, ok := r.oldest(f.RequestID)
		if !ok {
			return r.abort(evicted, f.RequestID, "%d bytes pending, limit %d", r.size, r.maxBytes)
		}
		evicted = append(evicted, r.evict(id, "%d bytes pending, limit %d", r.size, r.maxBytes))
	}

	if uint32(len(b.parts)) != b.total {
		return Message{}, false, errors.Join(evicted...)
	}

	body := make([]byte, 0, b.totalLength)
	for i := uint32(0); i < b.total; i++ {
		body = append(body, b.parts[i]...)
	}
	if uint32(len(body)) != b.totalLength {
		return r.abort(evicted, f.RequestID, "reassembled %d bytes, expected %d", len(body), b.totalLength)
	}

	r.finish(f.RequestID)
	return Message{DataKind: b.kind, Command: b.command, RequestID: f.RequestID, Body: body}, true, errors.Join(evicted...)
}

// Pending reports how many messages are partially received.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// PendingBytes reports the body bytes held for partial messages.
func (r *Reassembler) PendingBytes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// expire evicts every partial message older than the reassembly timeout.
func (r *Reassembler) expire(now time.Time) []error {
	var errs []error
	for id, b := range r.pending {
		if age := now.Sub(b.started); age > r.timeout {
			errs = append(errs, r.evict(id, "incomplete after %v", age.Round(time.Millisecond)))
		}
	}
	return errs
}

// oldest returns the earliest started partial message other than skip.
func (r *Reassembler) oldest(skip uuid.UUID) (uuid.UUID, bool) {
	var (
		id    uuid.UUID
		first time.Time
		found bool
	)
	for k, b := range r.pending {
		if k == skip {
			continue
		}
		if !found || b.started.Before(first) {
			id, first, found = k, b.started, true
		}
	}
	return id, found
}

func (r *Reassembler) evict(id uuid.UUID, format string, args ...any) error {
	r.finish(id)
	return fmt.Errorf("%w: request %s evicted: %s", ErrReassembly, id, fmt.Sprintf(format, args...))
}

func (r *Reassembler) abort(evicted []error, id uuid.UUID, format string, args ...any) (Message, bool, error) {
	r.finish(id)
	err := fmt.Errorf("%w: request %s: %s", ErrReassembly, id, fmt.Sprintf(format, args...))
	return Message{}, false, errors.Join(append(evicted, err)...)
}

func (r *Reassembler) finish(id uuid.UUID) {
	if b, ok := r.pending[id]; ok {
		r.size -= b.size
		delete(r.pending, id)
	}

	if old := r.ring[r.next]; old != uuid.Nil {
		delete(r.finished, old)
	}
	r.ring[r.next] = id
	r.finished[id] = struct{}{}
	r.next = (r.next + 1) % len(r.ring)
}
