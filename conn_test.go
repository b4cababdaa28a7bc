package socket

import (
	"bytes"
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Zereker/g9socket/account"
	"github.com/Zereker/g9socket/packet"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

// testWire returns a wire with 32 byte names and bodyMul KiB fragments.
func testWire(t *testing.T, bodyMul int) *packet.Wire {
	t.Helper()
	w, err := packet.NewWire(packet.Limits{NameMultiplier: 2, BodyMultiplier: bodyMul})
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	return w
}

func payload(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i % 251)
	}
	return p
}

func writeMessage(t *testing.T, w *packet.Wire, dst net.Conn, msg packet.Message) {
	t.Helper()
	frames, err := packet.SplitMessage(msg, w.Limits().MaxFragment())
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	for _, f := range frames {
		if err := w.WriteFrame(dst, f); err != nil {
			t.Fatalf("write frame failed: %v", err)
		}
	}
}

func runConn(ctx context.Context, conn *Conn) chan error {
	done := make(chan error, 1)
	go func() {
		done <- conn.Run(ctx)
	}()
	return done
}

func waitRun(t *testing.T, done chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
		return nil
	}
}

func TestNewConn(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		WireOption(testWire(t, 1)),
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}
}

func TestNewConn_MissingWire(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := NewConn(serverConn,
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != ErrInvalidWire {
		t.Errorf("expected ErrInvalidWire, got %v", err)
	}
}

func TestNewConn_MissingOnMessage(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	_, err := NewConn(serverConn, WireOption(testWire(t, 1)))
	if err != ErrInvalidOnMessage {
		t.Errorf("expected ErrInvalidOnMessage, got %v", err)
	}
}

func TestCheckOptions_DefaultValues(t *testing.T) {
	opts := options{
		wire:      testWire(t, 1),
		onMessage: func(packet.Message) error { return nil },
	}
	if err := checkOptions(&opts); err != nil {
		t.Fatalf("checkOptions failed: %v", err)
	}

	if opts.bufferSize != defaultBufferSize {
		t.Errorf("bufferSize = %d, want %d", opts.bufferSize, defaultBufferSize)
	}
	if opts.readBufferSize != defaultReadBufferSize {
		t.Errorf("readBufferSize = %d, want %d", opts.readBufferSize, defaultReadBufferSize)
	}
	if opts.idleTimeout != defaultIdleTimeout {
		t.Errorf("idleTimeout = %v, want %v", opts.idleTimeout, defaultIdleTimeout)
	}
	if opts.writeTimeout != defaultWriteTimeout {
		t.Errorf("writeTimeout = %v, want %v", opts.writeTimeout, defaultWriteTimeout)
	}
	if opts.flushTimeout != defaultFlushTimeout {
		t.Errorf("flushTimeout = %v, want %v", opts.flushTimeout, defaultFlushTimeout)
	}
	if opts.logger == nil || opts.onError == nil {
		t.Error("logger and onError must default")
	}
}

func TestCheckOptions_DefaultOnError(t *testing.T) {
	if got := defaultOnError(errors.New("boom")); got != Disconnect {
		t.Errorf("plain error: got %v, want Disconnect", got)
	}
	err := errors.Join(packet.ErrReassembly, errors.New("length mismatch"))
	if got := defaultOnError(err); got != Continue {
		t.Errorf("reassembly error: got %v, want Continue", got)
	}
}

func TestConn_Addr(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		WireOption(testWire(t, 1)),
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if conn.Addr().String() != clientConn.LocalAddr().String() {
		t.Errorf("Addr = %v, want %v", conn.Addr(), clientConn.LocalAddr())
	}
	if conn.LocalAddr().String() != serverConn.LocalAddr().String() {
		t.Errorf("LocalAddr = %v, want %v", conn.LocalAddr(), serverConn.LocalAddr())
	}
}

func TestConn_Write_ChannelBlocked(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		WireOption(testWire(t, 1)),
		OnMessageOption(func(packet.Message) error { return nil }),
		BufferSizeOption(1),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	msg := packet.Message{DataKind: packet.StandardCommand, Command: "Chat", RequestID: uuid.New(), Body: []byte("hi")}
	if err := conn.Write(msg); err != nil {
		t.Fatalf("first Write failed: %v", err)
	}
	if err := conn.Write(msg); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
}

func TestConn_Write_Closed(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		WireOption(testWire(t, 1)),
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	conn.Close()

	if err := conn.Write(packet.Message{DataKind: packet.StandardCommand, Command: "Chat"}); err != ErrConnectionClosed {
		t.Errorf("expected ErrConnectionClosed, got %v", err)
	}
	if !conn.IsClosed() {
		t.Error("IsClosed = false after Close")
	}
}

func TestConn_Write_EncodeError(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		WireOption(testWire(t, 1)),
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	long := packet.Message{DataKind: packet.StandardCommand, Command: "ThisCommandNameIsFarTooLongForTheSlot"}
	if err := conn.Write(long); !errors.Is(err, packet.ErrCommandTooLong) {
		t.Errorf("expected ErrCommandTooLong, got %v", err)
	}
}

func TestConn_WriteTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		WireOption(testWire(t, 1)),
		OnMessageOption(func(packet.Message) error { return nil }),
		BufferSizeOption(1),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	msg := packet.Message{DataKind: packet.StandardCommand, Command: "Chat", RequestID: uuid.New()}
	if err := conn.WriteBlocking(context.Background(), msg); err != nil {
		t.Fatalf("WriteBlocking failed: %v", err)
	}

	// Nothing drains the buffer, so the next write times out.
	if err := conn.WriteTimeout(msg, 10*time.Millisecond); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := conn.WriteBlocking(ctx, msg); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConn_Run_ContextCanceled(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		WireOption(testWire(t, 1)),
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := runConn(ctx, conn)
	cancel()

	if err := waitRun(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if !conn.IsClosed() {
		t.Error("connection not closed after Run")
	}
}

func TestConn_Run_ReassemblesFragments(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	w := testWire(t, 1)
	received := make(chan packet.Message, 1)
	conn, err := NewConn(serverConn,
		WireOption(w),
		OnMessageOption(func(msg packet.Message) error {
			received <- msg
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	done := runConn(context.Background(), conn)

	id := uuid.New()
	body := payload(10000)
	frames, err := packet.Split("Upload", packet.StandardCommand, id, body, w.Limits().MaxFragment())
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if len(frames) != 10 {
		t.Fatalf("got %d frames, want 10", len(frames))
	}

	// Deliver out of order.
	for i := len(frames) - 1; i >= 0; i-- {
		if err := w.WriteFrame(clientConn, frames[i]); err != nil {
			t.Fatalf("write frame failed: %v", err)
		}
	}

	select {
	case msg := <-received:
		if msg.RequestID != id {
			t.Errorf("RequestID = %v, want %v", msg.RequestID, id)
		}
		if msg.Command != "Upload" {
			t.Errorf("Command = %q, want Upload", msg.Command)
		}
		if !bytes.Equal(msg.Body, body) {
			t.Error("reassembled body differs")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	clientConn.Close()
	waitRun(t, done)
}

func TestConn_Run_ReassemblyFaultKeepsConnection(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	w := testWire(t, 1)
	received := make(chan packet.Message, 1)
	faults := make(chan error, 1)
	conn, err := NewConn(serverConn,
		WireOption(w),
		OnMessageOption(func(msg packet.Message) error {
			received <- msg
			return nil
		}),
		OnErrorOption(func(err error) ErrorAction {
			faults <- err
			return Continue
		}),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	done := runConn(context.Background(), conn)

	broken := uuid.New()
	for _, f := range []packet.Frame{
		{PacketKind: packet.MultiPacket, DataKind: packet.StandardCommand, Command: "Upload", RequestID: broken, Index: 0, Total: 2, TotalLength: 10, Body: []byte("abc")},
		{PacketKind: packet.MultiPacket, DataKind: packet.StandardCommand, Command: "Upload", RequestID: broken, Index: 1, Total: 3, TotalLength: 10, Body: []byte("def")},
	} {
		if err := w.WriteFrame(clientConn, f); err != nil {
			t.Fatalf("write frame failed: %v", err)
		}
	}
	writeMessage(t, w, clientConn, packet.Message{DataKind: packet.StandardCommand, Command: "Chat", RequestID: uuid.New(), Body: []byte("ok")})

	select {
	case err := <-faults:
		if !errors.Is(err, packet.ErrReassembly) {
			t.Errorf("expected ErrReassembly, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for fault")
	}

	select {
	case msg := <-received:
		if string(msg.Body) != "ok" {
			t.Errorf("Body = %q, want ok", msg.Body)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("connection stopped delivering after a reassembly fault")
	}

	clientConn.Close()
	waitRun(t, done)
}

func TestConn_Run_EvictionKeepsCompletedMessage(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	w, err := packet.NewWire(packet.Limits{NameMultiplier: 2, BodyMultiplier: 1, MaxMessageSize: 4096})
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	received := make(chan packet.Message, 1)
	faults := make(chan error, 1)
	conn, err := NewConn(serverConn,
		WireOption(w),
		OnMessageOption(func(msg packet.Message) error {
			received <- msg
			return nil
		}),
		OnErrorOption(func(err error) ErrorAction {
			faults <- err
			return Continue
		}),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	done := runConn(context.Background(), conn)

	// Three of four fragments, then a second message that needs the room.
	stalled := uuid.New()
	frames, err := packet.Split("Upload", packet.StandardCommand, stalled, payload(4096), w.Limits().MaxFragment())
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	for _, f := range frames[:3] {
		if err := w.WriteFrame(clientConn, f); err != nil {
			t.Fatalf("write frame failed: %v", err)
		}
	}
	next := uuid.New()
	writeMessage(t, w, clientConn, packet.Message{DataKind: packet.StandardCommand, Command: "Upload", RequestID: next, Body: payload(2048)})

	select {
	case err := <-faults:
		if !errors.Is(err, packet.ErrReassembly) || !strings.Contains(err.Error(), stalled.String()) {
			t.Errorf("expected eviction of %v, got %v", stalled, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for eviction")
	}
	select {
	case msg := <-received:
		if msg.RequestID != next || len(msg.Body) != 2048 {
			t.Errorf("got %v with %d bytes, want %v with 2048", msg.RequestID, len(msg.Body), next)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("message completed alongside the eviction was not delivered")
	}

	clientConn.Close()
	waitRun(t, done)
}

// armingConn cancels the run context the first time a long read deadline is
// set, and only applies that deadline after the cancel unblocked reads.
type armingConn struct {
	net.Conn
	once   sync.Once
	cancel context.CancelFunc
}

func (c *armingConn) SetReadDeadline(t time.Time) error {
	if time.Until(t) > time.Minute {
		c.once.Do(func() {
			c.cancel()
			time.Sleep(50 * time.Millisecond)
		})
	}
	return c.Conn.SetReadDeadline(t)
}

func TestConn_Run_CancelWhileArmingDeadline(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	raw := &armingConn{Conn: serverConn, cancel: cancel}

	conn, err := NewConn(raw,
		WireOption(testWire(t, 1)),
		OnMessageOption(func(packet.Message) error { return nil }),
		IdleTimeoutOption(time.Hour),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	done := runConn(ctx, conn)
	if err := waitRun(t, done); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConn_Run_ProtocolErrorDisconnects(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	w := testWire(t, 1)
	conn, err := NewConn(serverConn,
		WireOption(w),
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	done := runConn(context.Background(), conn)

	// A full header whose packet kind byte is unknown.
	header := make([]byte, w.Limits().NameSize()+2+16+4)
	for i := range header[:w.Limits().NameSize()] {
		header[i] = ' '
	}
	header[w.Limits().NameSize()] = byte(packet.StandardCommand)
	header[w.Limits().NameSize()+1] = 9
	if _, err := clientConn.Write(header); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	if err := waitRun(t, done); !packet.IsProtocolError(err) {
		t.Errorf("expected protocol error, got %v", err)
	}
}

func TestConn_Run_IdleTimeout(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn, err := NewConn(serverConn,
		WireOption(testWire(t, 1)),
		OnMessageOption(func(packet.Message) error { return nil }),
		IdleTimeoutOption(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	if err := waitRun(t, runConn(context.Background(), conn)); err != ErrIdleTimeout {
		t.Errorf("expected ErrIdleTimeout, got %v", err)
	}
}

func TestConn_Run_OnMessageError(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	w := testWire(t, 1)
	handlerErr := errors.New("handler failed")
	conn, err := NewConn(serverConn,
		WireOption(w),
		OnMessageOption(func(packet.Message) error { return handlerErr }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	done := runConn(context.Background(), conn)

	writeMessage(t, w, clientConn, packet.Message{DataKind: packet.StandardCommand, Command: "Chat", RequestID: uuid.New()})

	if err := waitRun(t, done); err != handlerErr {
		t.Errorf("expected handler error, got %v", err)
	}
}

func TestConn_Send_Synchronous(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	w := testWire(t, 1)
	conn, err := NewConn(serverConn,
		WireOption(w),
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	done := runConn(context.Background(), conn)

	id := uuid.New()
	body := payload(3000)
	err = conn.Send(context.Background(), packet.Message{DataKind: packet.StandardCommand, Command: "Push", RequestID: id, Body: body}, account.Synchronous)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	r := packet.NewReassembler(w.Limits())
	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 3; i++ {
		f, err := w.ReadFrame(clientConn)
		if err != nil {
			t.Fatalf("read frame %d failed: %v", i, err)
		}
		msg, complete, err := r.Add(f)
		if err != nil {
			t.Fatalf("reassembly failed: %v", err)
		}
		if complete != (i == 2) {
			t.Fatalf("frame %d: complete = %v", i, complete)
		}
		if complete && (msg.RequestID != id || !bytes.Equal(msg.Body, body)) {
			t.Error("message changed on the wire")
		}
	}

	conn.Close()
	waitRun(t, done)
}

func TestConn_Send_TooLarge(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	w, err := packet.NewWire(packet.Limits{NameMultiplier: 2, BodyMultiplier: 1, MaxMessageSize: 100})
	if err != nil {
		t.Fatalf("NewWire failed: %v", err)
	}
	conn, err := NewConn(serverConn,
		WireOption(w),
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	err = conn.Send(context.Background(), packet.Message{DataKind: packet.StandardCommand, Command: "Push", Body: payload(101)}, account.Asynchronous)
	if !errors.Is(err, packet.ErrMessageTooLarge) {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestConn_writeLoop_FlushesSynchronousOnCancel(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	w := testWire(t, 1)
	conn, err := NewConn(serverConn,
		WireOption(w),
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	async := packet.Message{DataKind: packet.StandardCommand, Command: "Extra", RequestID: uuid.New()}
	if err := conn.Write(async); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	sync := packet.Message{DataKind: packet.StandardCommand, Command: "Kept", RequestID: uuid.New(), Body: []byte("bye")}
	result, err := conn.enqueue(context.Background(), sync, true)
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := conn.writeLoop(ctx); err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}

	if err := <-result; err != nil {
		t.Errorf("synchronous send failed: %v", err)
	}

	// The asynchronous message may or may not precede it.
	_ = clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		f, err := w.ReadFrame(clientConn)
		if err != nil {
			t.Fatalf("read frame failed: %v", err)
		}
		if f.Command == "Extra" {
			continue
		}
		if f.Command != "Kept" || string(f.Body) != "bye" {
			t.Errorf("got %q %q, want the synchronous message", f.Command, f.Body)
		}
		break
	}
}

func TestConn_PairExchange(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	w := testWire(t, 1)
	received := make(chan packet.Message, 1)
	server, err := NewConn(serverConn,
		WireOption(w),
		OnMessageOption(func(msg packet.Message) error {
			received <- msg
			return nil
		}),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}
	client, err := NewConn(clientConn,
		WireOption(w),
		OnMessageOption(func(packet.Message) error { return nil }),
	)
	if err != nil {
		t.Fatalf("NewConn failed: %v", err)
	}

	serverDone := runConn(context.Background(), server)
	clientDone := runConn(context.Background(), client)

	id := uuid.New()
	body := payload(10000)
	if err := client.Send(context.Background(), packet.Message{DataKind: packet.StandardCommand, Command: "Upload", RequestID: id, Body: body}, account.Asynchronous); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-received:
		if msg.RequestID != id || !bytes.Equal(msg.Body, body) {
			t.Error("message changed between peers")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	client.Close()
	waitRun(t, clientDone)
	waitRun(t, serverDone)
}
