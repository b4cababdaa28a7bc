package secure

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the size of the client nonce in a Hello.
	NonceSize = 16

	helloSize = curve25519.PointSize + NonceSize
	kdfInfo   = "g9-authorization-v1"
)

var (
	ErrMalformedHello = errors.New("malformed authorization hello")
	ErrReplayedNonce  = errors.New("authorization nonce already used")
)

// KeyPair is an ephemeral X25519 key pair.
type KeyPair struct {
	Private [curve25519.ScalarSize]byte
	Public  [curve25519.PointSize]byte
}

// GenerateKeyPair returns a fresh X25519 key pair.
func GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return KeyPair{}, fmt.Errorf("secure: read random: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return KeyPair{}, fmt.Errorf("secure: derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// DeriveKeys agrees on session keys with peer. Both sides must pass the same
// salt, which is the client nonce in the G9Authorization handshake.
func (kp KeyPair) DeriveKeys(peer [curve25519.PointSize]byte, salt []byte) (Keys, error) {
	shared, err := curve25519.X25519(kp.Private[:], peer[:])
	if err != nil {
		return Keys{}, fmt.Errorf("secure: key agreement: %w", err)
	}

	var keys Keys
	r := hkdf.New(sha256.New, shared, salt, []byte(kdfInfo))
	if _, err := io.ReadFull(r, keys.Key[:]); err != nil {
		return Keys{}, fmt.Errorf("secure: expand key: %w", err)
	}
	if _, err := io.ReadFull(r, keys.IV[:]); err != nil {
		return Keys{}, fmt.Errorf("secure: expand iv: %w", err)
	}
	return keys, nil
}

// Hello is the body of a G9Authorization frame. The client fills Nonce; the
// server answers with its public key and echoes the nonce.
type Hello struct {
	PublicKey [curve25519.PointSize]byte
	Nonce     [NonceSize]byte
}

// NewHello returns a Hello for kp with a random nonce.
func NewHello(kp KeyPair) (Hello, error) {
	h := Hello{PublicKey: kp.Public}
	if _, err := io.ReadFull(rand.Reader, h.Nonce[:]); err != nil {
		return Hello{}, fmt.Errorf("secure: read nonce: %w", err)
	}
	return h, nil
}

// MarshalBinary encodes h as public key followed by nonce.
func (h Hello) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, helloSize)
	out = append(out, h.PublicKey[:]...)
	out = append(out, h.Nonce[:]...)
	return out, nil
}

// UnmarshalBinary decodes a Hello.
func (h *Hello) UnmarshalBinary(data []byte) error {
	if len(data) != helloSize {
		return fmt.Errorf("%w: %d bytes", ErrMalformedHello, len(data))
	}
	copy(h.PublicKey[:], data[:curve25519.PointSize])
	copy(h.Nonce[:], data[curve25519.PointSize:])
	return nil
}
