// Package config describes the settings of g9 servers and clients and loads
// them from YAML, TOML or JSON files.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/g9socket/codec"
	"github.com/Zereker/g9socket/packet"
	"github.com/Zereker/g9socket/secure"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// SocketMode selects the transport.
type SocketMode string

const (
	TCP       SocketMode = "tcp"
	UDP       SocketMode = "udp"
	WebSocket SocketMode = "websocket"
)

// MaxDatagramSize is the largest UDP payload a frame may occupy.
const MaxDatagramSize = 65507

// Duration is a time.Duration that reads and writes strings like "5s".
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return errors.Wrapf(err, "parse duration %q", text)
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Network holds the settings both roles share.
type Network struct {
	Address string     `json:"address" toml:"address"`
	Port    int        `json:"port" toml:"port"`
	Mode    SocketMode `json:"mode" toml:"mode"`

	// CommandSizeMultiplier scales the 16 byte command-name slot.
	CommandSizeMultiplier int `json:"command_size_multiplier" toml:"command_size_multiplier"`
	// BodySizeMultiplier scales the 1024 byte fragment body.
	BodySizeMultiplier int    `json:"body_size_multiplier" toml:"body_size_multiplier"`
	MaxMessageSize     int    `json:"max_message_size" toml:"max_message_size"`
	Encoding           string `json:"encoding" toml:"encoding"`
	Codec              string `json:"codec" toml:"codec"`

	SendBufferSize int      `json:"send_buffer_size" toml:"send_buffer_size"`
	WriteTimeout   Duration `json:"write_timeout" toml:"write_timeout"`

	// ReassemblyTimeout drops split messages whose fragments stop arriving.
	ReassemblyTimeout Duration `json:"reassembly_timeout" toml:"reassembly_timeout"`
	// MaxPendingBytes bounds the bytes of partial messages per connection.
	MaxPendingBytes int `json:"max_pending_bytes" toml:"max_pending_bytes"`

	// RequireAuthorization enables the G9Authorization key exchange and the
	// payload cipher.
	RequireAuthorization bool `json:"require_authorization" toml:"require_authorization"`
}

// Addr returns host:port.
func (n Network) Addr() string {
	return net.JoinHostPort(n.Address, strconv.Itoa(n.Port))
}

// SocketMode returns the normalized transport mode.
func (n Network) SocketMode() SocketMode {
	return SocketMode(strings.ToLower(string(n.Mode)))
}

// Limits builds the packet limits for n.
func (n Network) Limits() (packet.Limits, error) {
	enc, err := packet.LookupEncoding(n.Encoding)
	if err != nil {
		return packet.Limits{}, errors.Wrap(ErrInvalid, err.Error())
	}
	l := packet.Limits{
		NameMultiplier:    n.CommandSizeMultiplier,
		BodyMultiplier:    n.BodySizeMultiplier,
		MaxMessageSize:    n.MaxMessageSize,
		MaxPendingBytes:   n.MaxPendingBytes,
		ReassemblyTimeout: n.ReassemblyTimeout.Std(),
		Encoding:          enc,
	}
	if err := l.Validate(); err != nil {
		return packet.Limits{}, errors.Wrap(ErrInvalid, err.Error())
	}
	return l, nil
}

// PayloadCodec resolves the configured codec.
func (n Network) PayloadCodec() (codec.Codec, error) {
	c, err := codec.Lookup(n.Codec)
	if err != nil {
		return nil, errors.Wrap(ErrInvalid, err.Error())
	}
	return c, nil
}

func (n Network) validate() error {
	switch n.SocketMode() {
	case TCP, UDP, WebSocket:
	default:
		return invalid("unknown socket mode %q", n.Mode)
	}
	if n.Port < 0 || n.Port > 65535 {
		return invalid("port %d out of range", n.Port)
	}
	if n.SendBufferSize < 0 {
		return invalid("negative send buffer size")
	}
	limits, err := n.Limits()
	if err != nil {
		return err
	}
	if n.SocketMode() == UDP {
		w, err := packet.NewWire(limits)
		if err != nil {
			return errors.Wrap(ErrInvalid, err.Error())
		}
		if w.MaxFrameSize() > MaxDatagramSize {
			return invalid("frames up to %d bytes do not fit a %d byte datagram", w.MaxFrameSize(), MaxDatagramSize)
		}
	}
	if _, err := n.PayloadCodec(); err != nil {
		return err
	}
	return nil
}

// Server configures the listening role.
type Server struct {
	Network Network `json:"network" toml:"network"`

	MaxConnections  int      `json:"max_connections" toml:"max_connections"`
	IdleTimeout     Duration `json:"idle_timeout" toml:"idle_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" toml:"shutdown_timeout"`

	// CertFile and KeyFile enable TLS on TCP listeners.
	CertFile string `json:"cert_file" toml:"cert_file"`
	KeyFile  string `json:"key_file" toml:"key_file"`

	// ProxyProtocol accepts HAProxy PROXY headers on TCP listeners.
	ProxyProtocol bool `json:"proxy_protocol" toml:"proxy_protocol"`

	// RateLimit bounds inbound frames per connection. Zero disables it.
	RateLimit float64 `json:"rate_limit" toml:"rate_limit"`
	RateBurst int     `json:"rate_burst" toml:"rate_burst"`
}

// DefaultServer returns a server configuration listening on all interfaces.
func DefaultServer() Server {
	return Server{
		Network:         defaultNetwork(),
		MaxConnections:  1024,
		IdleTimeout:     Duration(30 * time.Second),
		ShutdownTimeout: Duration(5 * time.Second),
	}
}

// Validate reports configuration faults before any socket is opened.
func (s Server) Validate() error {
	if err := s.Network.validate(); err != nil {
		return err
	}
	if s.MaxConnections < 0 {
		return invalid("negative max connections")
	}
	if s.IdleTimeout < 0 {
		return invalid("negative idle timeout")
	}
	if (s.CertFile == "") != (s.KeyFile == "") {
		return invalid("cert_file and key_file must be set together")
	}
	if s.CertFile != "" && s.mode() != TCP {
		return invalid("certificates require tcp mode")
	}
	if s.ProxyProtocol && s.mode() != TCP {
		return invalid("proxy protocol requires tcp mode")
	}
	if s.RateLimit < 0 || s.RateBurst < 0 {
		return invalid("negative rate limit")
	}
	return nil
}

func (s Server) mode() SocketMode { return s.Network.SocketMode() }

// Client configures the connecting role.
type Client struct {
	Network Network `json:"network" toml:"network"`

	AutoReconnect     bool     `json:"auto_reconnect" toml:"auto_reconnect"`
	ReconnectDuration Duration `json:"reconnect_duration" toml:"reconnect_duration"`
	ReconnectTryCount int      `json:"reconnect_try_count" toml:"reconnect_try_count"`

	DialTimeout  Duration `json:"dial_timeout" toml:"dial_timeout"`
	PingInterval Duration `json:"ping_interval" toml:"ping_interval"`
	// IdleTimeout drops the connection when the server is silent this long.
	IdleTimeout Duration `json:"idle_timeout" toml:"idle_timeout"`

	// TLS enables a certificate validated transport in tcp mode.
	TLS                bool   `json:"tls" toml:"tls"`
	CAFile             string `json:"ca_file" toml:"ca_file"`
	ServerName         string `json:"server_name" toml:"server_name"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" toml:"insecure_skip_verify"`
	// TLSFingerprint selects a browser ClientHello, see secure.Fingerprints.
	TLSFingerprint string `json:"tls_fingerprint" toml:"tls_fingerprint"`
}

// DefaultClient returns a client configuration for a local server.
func DefaultClient() Client {
	n := defaultNetwork()
	n.Address = "127.0.0.1"
	return Client{
		Network:           n,
		AutoReconnect:     true,
		ReconnectDuration: Duration(2 * time.Second),
		ReconnectTryCount: 5,
		DialTimeout:       Duration(5 * time.Second),
		PingInterval:      Duration(10 * time.Second),
		IdleTimeout:       Duration(30 * time.Second),
	}
}

// Validate reports configuration faults before any socket is opened.
func (c Client) Validate() error {
	if err := c.Network.validate(); err != nil {
		return err
	}
	if c.Network.Port == 0 {
		return invalid("client needs a port")
	}
	if c.ReconnectTryCount < 0 {
		return invalid("negative reconnect try count")
	}
	if c.ReconnectDuration < 0 || c.DialTimeout < 0 || c.PingInterval < 0 || c.IdleTimeout < 0 {
		return invalid("negative duration")
	}
	if c.TLS && c.Network.SocketMode() != TCP {
		return invalid("tls requires tcp mode")
	}
	if !secure.ValidFingerprint(c.TLSFingerprint) {
		return invalid("unknown tls fingerprint %q", c.TLSFingerprint)
	}
	return nil
}

func defaultNetwork() Network {
	return Network{
		Address:               "0.0.0.0",
		Port:                  9876,
		Mode:                  TCP,
		CommandSizeMultiplier: 2,
		BodySizeMultiplier:    8,
		Encoding:              "utf-8",
		Codec:                 "json",
		SendBufferSize:        64,
		WriteTimeout:          Duration(10 * time.Second),
		ReassemblyTimeout:     Duration(30 * time.Second),
	}
}

func invalid(format string, args ...any) error {
	return errors.Wrap(ErrInvalid, fmt.Sprintf(format, args...))
}
