// Package secure holds the security layer of g9: the per-message AES-128
// payload cipher, the X25519 key agreement behind the G9Authorization
// handshake, a nonce replay guard and helpers for certificate transports.
package secure

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"fmt"
)

// KeySize is the AES-128 key and IV size in bytes.
const KeySize = 16

// CipherError describes why a payload could not be encrypted or decrypted.
type CipherError struct {
	Op     string
	Reason string
}

func (e *CipherError) Error() string {
	return fmt.Sprintf("secure: %s: %s", e.Op, e.Reason)
}

func cipherErr(op, format string, args ...any) error {
	return &CipherError{Op: op, Reason: fmt.Sprintf(format, args...)}
}

// Keys are the symmetric key material of one session.
type Keys struct {
	Key [KeySize]byte
	IV  [KeySize]byte
}

// Encrypt seals plaintext with AES-128-CBC and PKCS#7 padding.
func (k Keys) Encrypt(plaintext []byte) ([]byte, error) {
	return Encrypt(plaintext, k.Key[:], k.IV[:])
}

// Decrypt opens a ciphertext produced by Encrypt.
func (k Keys) Decrypt(ciphertext []byte) ([]byte, error) {
	return Decrypt(ciphertext, k.Key[:], k.IV[:])
}

// Encrypt seals plaintext with AES-128-CBC under key (private key) and iv
// (public key). Failures are returned as *CipherError.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	block, err := newBlock("encrypt", key, iv)
	if err != nil {
		return nil, err
	}

	pad := aes.BlockSize - len(plaintext)%aes.BlockSize
	buf := make([]byte, len(plaintext)+pad)
	copy(buf, plaintext)
	copy(buf[len(plaintext):], bytes.Repeat([]byte{byte(pad)}, pad))

	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return buf, nil
}

// Decrypt opens ciphertext sealed by Encrypt. A ciphertext that is empty,
// not block aligned or badly padded is reported as *CipherError and no
// partial plaintext is returned.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newBlock("decrypt", key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 {
		return nil, cipherErr("decrypt", "empty ciphertext")
	}
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, cipherErr("decrypt", "ciphertext length %d is not a multiple of the %d byte block size",
			len(ciphertext), aes.BlockSize)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	pad := int(out[len(out)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(out) {
		return nil, cipherErr("decrypt", "invalid padding length %d", pad)
	}
	for _, b := range out[len(out)-pad:] {
		if int(b) != pad {
			return nil, cipherErr("decrypt", "corrupt padding")
		}
	}
	return out[:len(out)-pad], nil
}

func newBlock(op string, key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, cipherErr(op, "key must be %d bytes, got %d", KeySize, len(key))
	}
	if len(iv) != KeySize {
		return nil, cipherErr(op, "iv must be %d bytes, got %d", KeySize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, cipherErr(op, "%v", err)
	}
	return block, nil
}
