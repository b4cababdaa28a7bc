// Package socket is the connection manager of the g9 protocol. It runs the
// per-socket read and write loops, the server accept loop and the client
// connect/reconnect state machine, and binds every connection to an
// account.Account and account.Session pair.
package socket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zereker/g9socket/account"
	"github.com/Zereker/g9socket/packet"
)

// Errors returned by connection operations.
var (
	// ErrInvalidWire is returned when no frame wire is provided.
	ErrInvalidWire = errors.New("invalid wire option")
	// ErrInvalidOnMessage is returned when no message handler is provided.
	ErrInvalidOnMessage = errors.New("invalid on message callback")
	// ErrIdleTimeout is returned by Run when the peer stayed silent past the idle timeout.
	ErrIdleTimeout = errors.New("connection idle timeout")
)

// ErrConnectionClosed is returned when operating on a closed connection.
var ErrConnectionClosed = errors.New("connection closed")

// ErrBufferFull is returned when the send buffer is full and cannot accept more messages.
// This error indicates backpressure - the peer is not consuming frames fast enough.
var ErrBufferFull = errors.New("send buffer full")

// Default configuration values.
const (
	// defaultBufferSize is the default number of queued outbound messages.
	defaultBufferSize = 64
	// defaultReadBufferSize covers the largest UDP datagram.
	defaultReadBufferSize = 64 * 1024
	defaultIdleTimeout    = 30 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultFlushTimeout   = 5 * time.Second
)

// outbound is one queued message, already split and encoded. done is set
// for Synchronous sends and receives the result of the socket write.
type outbound struct {
	frames [][]byte
	done   chan error
}

// Conn runs one socket. It reads frames, reassembles split messages and
// hands each complete message to the OnMessage callback, and writes queued
// messages from a dedicated goroutine.
//
// Messages are delivered in the order the socket produced them, on the
// read goroutine.
type Conn struct {
	rawConn     net.Conn
	reader      *bufio.Reader
	reassembler *packet.Reassembler
	logger      Logger

	opts options

	sendMsg  chan outbound
	closed   atomic.Bool
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	finished chan struct{}
}

// NewConn creates a new connection wrapper around the given socket.
// It applies the provided options and validates them before returning.
// Returns an error if required options (wire, onMessage) are missing.
func NewConn(conn net.Conn, opt ...Option) (*Conn, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	err := checkOptions(&opts)
	if err != nil {
		return nil, err
	}

	return newConnWithOptions(conn, opts), nil
}

// checkOptions validates and sets default values for connection options.
func checkOptions(opts *options) error {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.onMessage == nil {
		return ErrInvalidOnMessage
	}

	if opts.idleTimeout == 0 {
		opts.idleTimeout = defaultIdleTimeout
	}

	if opts.writeTimeout <= 0 {
		opts.writeTimeout = defaultWriteTimeout
	}

	if opts.flushTimeout <= 0 {
		opts.flushTimeout = defaultFlushTimeout
	}

	if opts.wire == nil {
		return ErrInvalidWire
	}

	if opts.onError == nil {
		opts.onError = defaultOnError
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// defaultOnError keeps the connection for faults local to one message and
// drops it for everything else.
func defaultOnError(err error) ErrorAction {
	if errors.Is(err, packet.ErrReassembly) {
		return Continue
	}
	return Disconnect
}

func newConnWithOptions(c net.Conn, opts options) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		rawConn:     c,
		reader:      bufio.NewReaderSize(c, opts.readBufferSize),
		reassembler: packet.NewReassembler(opts.wire.Limits()),
		logger:      opts.logger,
		opts:        opts,
		sendMsg:     make(chan outbound, opts.bufferSize),
		ctx:         ctx,
		cancel:      cancel,
		finished:    make(chan struct{}),
	}
}

// Run starts the connection's read and write loops and blocks until the
// socket fails, the peer goes idle, Close is called or ctx is canceled.
// The socket is closed when Run returns.
//
// On shutdown, Synchronous messages already queued are still flushed,
// each bounded by the flush timeout.
func (c *Conn) Run(ctx context.Context) error {
	defer close(c.finished)
	if c.closed.Load() || !c.running.CompareAndSwap(false, true) {
		c.closeConn()
		return ErrConnectionClosed
	}

	c.logger.Debug("connection established", "addr", c.Addr(),
		"buffer_size", c.opts.bufferSize,
		"max_fragment", c.opts.wire.Limits().MaxFragment(),
		"idle_timeout", c.opts.idleTimeout)

	stopParent := context.AfterFunc(ctx, c.cancel)
	defer stopParent()

	group, child := errgroup.WithContext(c.ctx)
	// Unblock a pending Read once the group is done.
	stopRead := context.AfterFunc(child, func() {
		_ = c.rawConn.SetReadDeadline(time.Now())
	})
	defer stopRead()

	group.Go(func() error {
		return c.readLoop(child)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.closeConn()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Debug("connection closed with error", "addr", c.Addr(), "error", err)
	} else {
		c.logger.Debug("connection closed", "addr", c.Addr())
	}

	return err
}

// Close stops the connection. Run flushes queued Synchronous messages and
// then closes the socket. Safe to call multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil // already closed
	}
	c.cancel()
	if !c.running.Load() {
		return c.rawConn.Close()
	}
	return nil
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Done is closed when Run has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.finished
}

func (c *Conn) encode(msg packet.Message) ([][]byte, error) {
	limits := c.opts.wire.Limits()
	if len(msg.Body) > limits.MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", packet.ErrMessageTooLarge, len(msg.Body), limits.MaxMessageSize)
	}
	frames, err := packet.SplitMessage(msg, limits.MaxFragment())
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(frames))
	for i, f := range frames {
		if out[i], err = c.opts.wire.Encode(f); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Write queues a message without blocking (fire-and-forget).
//
// Returns:
//   - nil: message was successfully queued (not yet sent)
//   - ErrBufferFull: send buffer is full, message was NOT queued
//   - ErrConnectionClosed: connection is closed
//   - framing error: if the message cannot be encoded
func (c *Conn) Write(msg packet.Message) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	frames, err := c.encode(msg)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- outbound{frames: frames}:
		return nil
	default:
		return ErrBufferFull
	}
}

// WriteBlocking queues a message, blocking until there is room in the send
// buffer or ctx is canceled.
func (c *Conn) WriteBlocking(ctx context.Context, msg packet.Message) error {
	_, err := c.enqueue(ctx, msg, false)
	return err
}

// WriteTimeout queues a message, waiting at most timeout for buffer space.
// It returns ErrBufferFull when the timeout expires.
func (c *Conn) WriteTimeout(msg packet.Message, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	err := c.WriteBlocking(ctx, msg)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrBufferFull
	}
	return err
}

// Send implements account.Transport. Asynchronous mode returns once the
// message is queued; Synchronous mode also waits until its frames were
// written to the socket.
func (c *Conn) Send(ctx context.Context, msg packet.Message, mode account.SendMode) error {
	done, err := c.enqueue(ctx, msg, mode == account.Synchronous)
	if err != nil || done == nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.finished:
		// The writer may have answered just before exiting.
		select {
		case err := <-done:
			return err
		default:
			return ErrConnectionClosed
		}
	}
}

func (c *Conn) enqueue(ctx context.Context, msg packet.Message, sync bool) (chan error, error) {
	if c.closed.Load() {
		return nil, ErrConnectionClosed
	}

	frames, err := c.encode(msg)
	if err != nil {
		return nil, err
	}

	item := outbound{frames: frames}
	if sync {
		item.done = make(chan error, 1)
	}

	select {
	case c.sendMsg <- item:
		return item.done, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, ErrConnectionClosed
	}
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// RemoteAddr implements account.Transport.
func (c *Conn) RemoteAddr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// LocalAddr implements account.Transport.
func (c *Conn) LocalAddr() net.Addr {
	return c.rawConn.LocalAddr()
}

// readLoop reads frames until the context is canceled or the stream breaks.
// Any frame read error is fatal: after a malformed header the stream cannot
// be resynchronized. Reassembly faults and handler errors go through onError.
func (c *Conn) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if c.opts.idleTimeout > 0 {
			_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.idleTimeout))
			// A cancel that fired before the deadline was armed had its
			// unblocking deadline overwritten.
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		frame, err := c.opts.wire.ReadFrame(c.reader)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrIdleTimeout
			}
			c.logger.Debug("read error", "addr", c.Addr(), "error", err)
			return err
		}

		msg, complete, err := c.reassembler.Add(frame)
		if err != nil {
			c.logger.Warn("dropping message", "addr", c.Addr(), "request_id", frame.RequestID, "error", err)
			if c.opts.onError(err) == Disconnect {
				return err
			}
		}
		if !complete {
			continue
		}

		if err = c.opts.onMessage(msg); err != nil {
			if c.opts.onError(err) == Disconnect {
				return err
			}
		}
	}
}

// writeLoop sends queued messages until the context is canceled, then
// flushes whatever Synchronous messages are still queued.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			c.drain()
			return ctx.Err()
		case item := <-c.sendMsg:
			err := c.write(item, c.opts.writeTimeout)
			if item.done != nil {
				item.done <- err
			}
			if err != nil && c.opts.onError(err) == Disconnect {
				c.drain()
				return err
			}
		}
	}
}

func (c *Conn) drain() {
	for {
		select {
		case item := <-c.sendMsg:
			if item.done == nil {
				continue
			}
			item.done <- c.write(item, c.opts.flushTimeout)
		default:
			return
		}
	}
}

// write sends every frame of item under one deadline.
func (c *Conn) write(item outbound, timeout time.Duration) error {
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(timeout))

	for _, data := range item.frames {
		if _, err := c.rawConn.Write(data); err != nil {
			c.logger.Debug("write error", "addr", c.Addr(), "error", err)
			return err
		}
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying socket.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.cancel()
	c.rawConn.Close()
}
