// Package secret encrypts credentials before they are persisted and hashes
// the one-time gateway tokens handed to users.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/argon2"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

var (
	ErrDecryption = errors.New("decryption failed")
	ErrKey        = errors.New("invalid encryption key")
)

// Codec seals secrets with AES-256-GCM. Envelopes are hex(nonce):hex(ciphertext).
type Codec struct {
	aead cipher.AEAD
}

func NewCodec(key []byte) (*Codec, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrKey, KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// ParseKey decodes a 64-character hex key.
func ParseKey(s string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKey, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrKey, KeySize, len(key))
	}
	return key, nil
}

// DeriveKey stretches a passphrase into an AES-256 key with Argon2id.
// The salt must be stable across restarts or existing envelopes become unreadable.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("%w: passphrase must not be empty", ErrKey)
	}
	if len(salt) < 8 {
		return nil, fmt.Errorf("%w: salt must be at least 8 bytes", ErrKey)
	}
	return argon2.IDKey([]byte(passphrase), []byte(salt), 1, 64*1024, 4, KeySize), nil
}

func (c *Codec) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

func (c *Codec) Decrypt(envelope string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(envelope, ":")
	if !ok {
		return "", fmt.Errorf("%w: malformed envelope", ErrDecryption)
	}
	nonce, err := hex.DecodeString(ivHex)
	if err != nil || len(nonce) != c.aead.NonceSize() {
		return "", fmt.Errorf("%w: bad nonce", ErrDecryption)
	}
	sealed, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext", ErrDecryption)
	}
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return string(plaintext), nil
}

// Hash returns the hex SHA-256 of s.
func Hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Verify reports whether presented hashes to digest.
func Verify(presented, digest string) bool {
	return subtle.ConstantTimeCompare([]byte(Hash(presented)), []byte(digest)) == 1
}
