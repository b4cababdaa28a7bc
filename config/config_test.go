package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	require.NoError(t, DefaultServer().Validate())
	require.NoError(t, DefaultClient().Validate())
}

func TestLoadServerYAML(t *testing.T) {
	path := writeFile(t, "server.yaml", `
network:
  address: 127.0.0.1
  port: 7000
  mode: udp
  body_size_multiplier: 1
max_connections: 3
idle_timeout: 1500ms
rate_limit: 50
rate_burst: 100
`)
	cfg, err := LoadServer(path)
	require.NoError(t, err)

	want := DefaultServer()
	want.Network.Address = "127.0.0.1"
	want.Network.Port = 7000
	want.Network.Mode = UDP
	want.Network.BodySizeMultiplier = 1
	want.MaxConnections = 3
	want.IdleTimeout = Duration(1500 * time.Millisecond)
	want.RateLimit = 50
	want.RateBurst = 100
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "127.0.0.1:7000", cfg.Network.Addr())
}

func TestLoadClientTOML(t *testing.T) {
	path := writeFile(t, "client.toml", `
auto_reconnect = true
reconnect_duration = "250ms"
reconnect_try_count = 3

[network]
address = "10.0.0.5"
port = 9000
mode = "tcp"
command_size_multiplier = 2
body_size_multiplier = 8
encoding = "utf-16le"
reassembly_timeout = "5s"
codec = "json"
`)
	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.True(t, cfg.AutoReconnect)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDuration.Std())
	assert.Equal(t, 3, cfg.ReconnectTryCount)
	assert.Equal(t, "10.0.0.5", cfg.Network.Address)
	assert.Equal(t, "utf-16le", cfg.Network.Encoding)

	limits, err := cfg.Network.Limits()
	require.NoError(t, err)
	assert.Equal(t, 32, limits.NameSize())
	assert.Equal(t, 5*time.Second, limits.ReassemblyTimeout)
	assert.Equal(t, limits.MaxMessageSize, limits.MaxPendingBytes)
}

func TestLoadJSON(t *testing.T) {
	path := writeFile(t, "client.json", `{"network":{"port":1234,"codec":"protobuf"},"ping_interval":"1s"}`)
	cfg, err := LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, 1234, cfg.Network.Port)
	assert.Equal(t, time.Second, cfg.PingInterval.Std())

	c, err := cfg.Network.PayloadCodec()
	require.NoError(t, err)
	assert.Equal(t, "protobuf", c.Name())
}

func TestLoadErrors(t *testing.T) {
	_, err := LoadServer(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadServer(writeFile(t, "server.ini", "port=1"))
	assert.ErrorContains(t, err, "unsupported file extension")

	_, err = LoadServer(writeFile(t, "server.yaml", "idle_timeout: soon"))
	assert.Error(t, err)
}

func TestValidateFaults(t *testing.T) {
	cases := map[string]func(s *Server){
		"mode":       func(s *Server) { s.Network.Mode = "sctp" },
		"port":       func(s *Server) { s.Network.Port = 70000 },
		"multiplier": func(s *Server) { s.Network.CommandSizeMultiplier = 0 },
		"encoding":   func(s *Server) { s.Network.Encoding = "ebcdic" },
		"codec":      func(s *Server) { s.Network.Codec = "xml" },
		"cert pair":  func(s *Server) { s.CertFile = "cert.pem" },
		"cert udp": func(s *Server) {
			s.CertFile, s.KeyFile = "cert.pem", "key.pem"
			s.Network.Mode = UDP
		},
		"proxy ws": func(s *Server) {
			s.ProxyProtocol = true
			s.Network.Mode = WebSocket
		},
		"max conns": func(s *Server) { s.MaxConnections = -1 },
		"udp frame": func(s *Server) {
			s.Network.Mode = UDP
			s.Network.BodySizeMultiplier = 64
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultServer()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalid)
		})
	}

	c := DefaultClient()
	c.TLSFingerprint = "netscape"
	assert.ErrorIs(t, c.Validate(), ErrInvalid)

	c = DefaultClient()
	c.ReconnectTryCount = -2
	assert.ErrorIs(t, c.Validate(), ErrInvalid)

	c = DefaultClient()
	c.TLS = true
	c.Network.Mode = UDP
	assert.ErrorIs(t, c.Validate(), ErrInvalid)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("2m")))
	assert.Equal(t, 2*time.Minute, d.Std())
	b, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2m0s", string(b))
}
