package socket

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/Zereker/g9socket/config"
)

// udpInboxSize is the number of datagrams buffered per peer.
const udpInboxSize = 256

// udpRejectQuiet is how long a rejected peer must stay silent before its
// datagrams open a new virtual connection.
const udpRejectQuiet = 5 * time.Second

var errRejectedPeer = errors.New("udp peer recently rejected")

// udpListener turns one UDP socket into a net.Listener of per-peer virtual
// connections. Every frame travels in its own datagram.
type udpListener struct {
	pc     *net.UDPConn
	logger Logger

	mu       sync.Mutex
	peers    map[string]*udpConn
	rejected map[string]time.Time
	closed   bool

	accept chan *udpConn
	done   chan struct{}
	once   sync.Once
}

func listenUDP(addr string, logger Logger) (*udpListener, error) {
	ua, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	pc, err := net.ListenUDP("udp", ua)
	if err != nil {
		return nil, err
	}

	l := &udpListener{
		pc:     pc,
		logger: logger,
		peers:    make(map[string]*udpConn),
		rejected: make(map[string]time.Time),
		accept:   make(chan *udpConn, 64),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	return l, nil
}

func (l *udpListener) readLoop() {
	buf := make([]byte, config.MaxDatagramSize)
	for {
		n, from, err := l.pc.ReadFromUDP(buf)
		if err != nil {
			l.Close()
			return
		}
		datagram := append([]byte(nil), buf[:n]...)

		c, fresh, err := l.peer(from, time.Now())
		if errors.Is(err, errRejectedPeer) {
			continue
		}
		if err != nil {
			return
		}
		if fresh {
			select {
			case l.accept <- c:
			case <-l.done:
				return
			}
		}
		c.deliver(datagram, l.logger)
	}
}

func (l *udpListener) peer(from *net.UDPAddr, now time.Time) (*udpConn, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, false, net.ErrClosed
	}
	key := from.String()
	if c, ok := l.peers[key]; ok {
		return c, false, nil
	}
	if last, ok := l.rejected[key]; ok {
		if now.Sub(last) < udpRejectQuiet {
			l.rejected[key] = now
			return nil, false, errRejectedPeer
		}
		delete(l.rejected, key)
	}
	c := newUDPConn(l, from)
	l.peers[key] = c
	return c, true, nil
}

// quarantine drops datagrams from remote until it has been quiet for
// udpRejectQuiet.
func (l *udpListener) quarantine(remote *net.UDPAddr, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for key, last := range l.rejected {
		if now.Sub(last) >= udpRejectQuiet {
			delete(l.rejected, key)
		}
	}
	l.rejected[remote.String()] = now
}

func (l *udpListener) forget(c *udpConn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.peers[c.remote.String()] == c {
		delete(l.peers, c.remote.String())
	}
}

func (l *udpListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *udpListener) Close() error {
	var err error
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		peers := make([]*udpConn, 0, len(l.peers))
		for _, c := range l.peers {
			peers = append(peers, c)
		}
		l.mu.Unlock()

		close(l.done)
		err = l.pc.Close()
		for _, c := range peers {
			c.Close()
		}
	})
	return err
}

func (l *udpListener) Addr() net.Addr { return l.pc.LocalAddr() }

// udpConn is the stream view of the datagrams one peer sends.
type udpConn struct {
	ln     *udpListener
	remote *net.UDPAddr

	inbox   chan []byte
	pending []byte

	mu           sync.Mutex
	readDeadline time.Time
	wake         chan struct{}

	closed chan struct{}
	once   sync.Once
}

func newUDPConn(ln *udpListener, remote *net.UDPAddr) *udpConn {
	return &udpConn{
		ln:     ln,
		remote: remote,
		inbox:  make(chan []byte, udpInboxSize),
		wake:   make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (c *udpConn) deliver(datagram []byte, logger Logger) {
	select {
	case c.inbox <- datagram:
	case <-c.closed:
	default:
		logger.Warn("udp inbox full, datagram dropped", "remote_addr", c.remote)
	}
}

func (c *udpConn) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		c.mu.Lock()
		deadline, wake := c.readDeadline, c.wake
		c.mu.Unlock()

		var (
			timer   *time.Timer
			timeout <-chan time.Time
		)
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return 0, os.ErrDeadlineExceeded
			}
			timer = time.NewTimer(d)
			timeout = timer.C
		}

		var closed bool
		select {
		case datagram := <-c.inbox:
			c.pending = datagram
		case <-wake:
		case <-timeout:
		case <-c.closed:
			closed = true
		}
		if timer != nil {
			timer.Stop()
		}
		if closed {
			return 0, io.EOF
		}
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *udpConn) Write(p []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	return c.ln.pc.WriteToUDP(p, c.remote)
}

// quarantine keeps the peer from opening another connection until it goes
// quiet.
func (c *udpConn) quarantine() { c.ln.quarantine(c.remote, time.Now()) }

func (c *udpConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.ln.forget(c)
	})
	return nil
}

func (c *udpConn) LocalAddr() net.Addr  { return c.ln.pc.LocalAddr() }
func (c *udpConn) RemoteAddr() net.Addr { return c.remote }

func (c *udpConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *udpConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	close(c.wake)
	c.wake = make(chan struct{})
	return nil
}

// SetWriteDeadline is a no-op: datagram writes do not block on the peer.
func (c *udpConn) SetWriteDeadline(time.Time) error { return nil }
