package socket

import (
	"crypto/tls"
	"time"

	"github.com/Zereker/g9socket/packet"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// options holds the configuration for a connection.
type options struct {
	wire   *packet.Wire
	logger Logger

	onMessage func(msg packet.Message) error
	// onError is called for reassembly faults, handler errors and write errors.
	// Returns Disconnect to close the connection, Continue to suppress the error.
	onError func(error) ErrorAction

	bufferSize     int           // queued outbound messages
	readBufferSize int           // bufio reader size
	idleTimeout    time.Duration // read deadline; negative disables it
	writeTimeout   time.Duration // deadline for writing one message
	flushTimeout   time.Duration // deadline for each Synchronous message flushed on close
}

// Option is a function that configures connection options.
type Option func(*options)

// WireOption returns an Option that sets the frame wire.
// The wire is required and must be provided before creating a connection.
func WireOption(w *packet.Wire) Option {
	return func(o *options) {
		o.wire = w
	}
}

// BufferSizeOption returns an Option that sets the size of the send channel buffer.
// A larger buffer allows more messages to be queued before blocking.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// ReadBufferSizeOption returns an Option that sets the read buffer size.
// Datagram transports need it to cover the largest datagram.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// IdleTimeoutOption returns an Option that closes the connection when no
// frame arrives for d. A negative d disables the timeout.
func IdleTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.idleTimeout = d
	}
}

// WriteTimeoutOption returns an Option that bounds the write of one message.
func WriteTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.writeTimeout = d
	}
}

// FlushTimeoutOption returns an Option that bounds each queued Synchronous
// message written while the connection shuts down.
func FlushTimeoutOption(d time.Duration) Option {
	return func(o *options) {
		o.flushTimeout = d
	}
}

// OnErrorOption returns an Option that sets the error callback.
// Return Disconnect to close the connection, or Continue to suppress the error.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// OnMessageOption returns an Option that sets the message handler callback.
// This callback is required and is invoked for each reassembled message.
func OnMessageOption(cb func(packet.Message) error) Option {
	return func(o *options) {
		o.onMessage = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// endpointOptions holds what servers and clients share.
type endpointOptions struct {
	logger    Logger
	observer  Observer
	tlsConfig *tls.Config
}

func (o *endpointOptions) setDefaults() {
	if o.logger == nil {
		o.logger = defaultLogger()
	}
	if o.observer == nil {
		o.observer = NopObserver{}
	}
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

type serverOptions struct {
	endpointOptions
	replayCapacity uint
}

// WithServerLogger sets the server logger.
func WithServerLogger(l Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = l
	}
}

// WithServerObserver sets the lifecycle observer of the server.
func WithServerObserver(obs Observer) ServerOption {
	return func(o *serverOptions) {
		o.observer = obs
	}
}

// WithServerTLS serves TLS with cfg instead of the configured cert files.
func WithServerTLS(cfg *tls.Config) ServerOption {
	return func(o *serverOptions) {
		o.tlsConfig = cfg
	}
}

// WithReplayCapacity sizes the authorization nonce filter.
func WithReplayCapacity(n uint) ServerOption {
	return func(o *serverOptions) {
		o.replayCapacity = n
	}
}

// ClientOption configures a Client.
type ClientOption func(*clientOptions)

type clientOptions struct {
	endpointOptions
}

// WithClientLogger sets the client logger.
func WithClientLogger(l Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = l
	}
}

// WithClientObserver sets the lifecycle observer of the client.
func WithClientObserver(obs Observer) ClientOption {
	return func(o *clientOptions) {
		o.observer = obs
	}
}

// WithClientTLS dials TLS with cfg instead of one built from the config.
func WithClientTLS(cfg *tls.Config) ClientOption {
	return func(o *clientOptions) {
		o.tlsConfig = cfg
	}
}
