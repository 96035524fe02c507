// Package crypto seals control-channel lines with NaCl secretbox.
//
// The key is derived from the shared control token with HKDF-SHA256. Each
// sealed line is base64(nonce || box) where nonce is 24 random bytes.
// A daemon without a token uses a nil *Key and lines travel as plain JSON.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const nonceSize = 24

var (
	// ErrShortCiphertext is returned when a sealed line cannot hold a nonce.
	ErrShortCiphertext = errors.New("crypto: ciphertext too short")
	// ErrOpen is returned when authentication fails, usually a token mismatch.
	ErrOpen = errors.New("crypto: open failed (token mismatch?)")
)

var hkdfInfo = []byte("clipstage-control-v1")

// Key is a secretbox key.
type Key [32]byte

// DeriveKey returns the key for token, or nil when token is empty.
func DeriveKey(token string) (*Key, error) {
	if token == "" {
		return nil, nil
	}
	var k Key
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(token), nil, hkdfInfo), k[:]); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return &k, nil
}

// Seal encrypts plain under a fresh nonce and returns nonce||box.
func (k *Key) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, (*[32]byte)(k)), nil
}

// Open reverses Seal.
func (k *Key) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrShortCiphertext
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, (*[32]byte)(k))
	if !ok {
		return nil, ErrOpen
	}
	return plain, nil
}

// SealLine seals plain and base64-encodes the result for line framing.
func (k *Key) SealLine(plain []byte) ([]byte, error) {
	sealed, err := k.Seal(plain)
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(sealed)))
	base64.StdEncoding.Encode(out, sealed)
	return out, nil
}

// OpenLine reverses SealLine.
func (k *Key) OpenLine(line []byte) ([]byte, error) {
	sealed := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(sealed, line)
	if err != nil {
		return nil, fmt.Errorf("crypto: base64: %w", err)
	}
	return k.Open(sealed[:n])
}
