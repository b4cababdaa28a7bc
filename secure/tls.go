package secure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"

	utls "github.com/refraction-networking/utls"
)

// ServerTLSConfig loads a certificate and key for the transport listener.
func ServerTLSConfig(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("secure: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the client side configuration. caFile may be empty
// to use the system roots.
func ClientTLSConfig(caFile, serverName string, insecure bool) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS12,
	}
	if caFile == "" {
		return cfg, nil
	}

	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("secure: read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("secure: no certificates in %s", caFile)
	}
	cfg.RootCAs = pool
	return cfg, nil
}

// Fingerprints lists the ClientHello fingerprints accepted by HandshakeClient.
var Fingerprints = map[string]utls.ClientHelloID{
	"golang":  utls.HelloGolang,
	"chrome":  utls.HelloChrome_Auto,
	"firefox": utls.HelloFirefox_Auto,
	"safari":  utls.HelloSafari_Auto,
	"ios":     utls.HelloIOS_Auto,
	"edge":    utls.HelloEdge_Auto,
	"random":  utls.HelloRandomized,
}

// ValidFingerprint reports whether name selects a known ClientHello.
func ValidFingerprint(name string) bool {
	if name == "" {
		return true
	}
	_, ok := Fingerprints[strings.ToLower(name)]
	return ok
}

// HandshakeClient wraps conn in a client TLS session. An empty fingerprint
// uses crypto/tls; otherwise the ClientHello mimics the named browser.
func HandshakeClient(ctx context.Context, conn net.Conn, cfg *tls.Config, fingerprint string) (net.Conn, error) {
	if fingerprint == "" {
		tc := tls.Client(conn, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("secure: tls handshake: %w", err)
		}
		return tc, nil
	}

	id, ok := Fingerprints[strings.ToLower(fingerprint)]
	if !ok {
		return nil, fmt.Errorf("secure: unknown fingerprint %q", fingerprint)
	}
	uc := utls.UClient(conn, &utls.Config{
		ServerName:         cfg.ServerName,
		RootCAs:            cfg.RootCAs,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		MinVersion:         cfg.MinVersion,
	}, id)
	if err := uc.HandshakeContext(ctx); err != nil {
		return nil, fmt.Errorf("secure: utls handshake: %w", err)
	}
	return uc, nil
}
