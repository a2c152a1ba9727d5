// Package security provides the crypto layer: the locally persisted master
// key, AES-GCM encryption of clipboard content, content hashing, and
// constant-time token comparison for the IPC layer.
//
// Loss of the key file makes previously encrypted rows permanently
// unrecoverable; callers must treat a missing or unreadable key as fatal at
// startup, not as a degrade.
package security

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

	"golang.org/x/crypto/hkdf"
)

// KeySize is the master key size in bytes (AES-256).
const KeySize = 32

// Cryptographic errors.
var (
	ErrInvalidKeySize = errors.New("security: invalid key size")
	ErrCiphertext     = errors.New("security: malformed ciphertext")
)

// GenerateKey returns a fresh random master key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}

// DeriveKey derives a purpose-bound subkey from the master key using HKDF
// with a domain separation label, so the content cipher and any future
// consumers never share key material directly.
func DeriveKey(masterKey []byte, label string) ([]byte, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(masterKey), KeySize)
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte("sentinel:"+label))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Cipher encrypts and decrypts opaque byte payloads with AES-256-GCM.
// Ciphertext layout is nonce || sealed; any bit flip fails authentication.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher builds a Cipher from the master key. The content key is derived,
// not the master key itself.
func NewCipher(masterKey []byte) (*Cipher, error) {
	key, err := DeriveKey(masterKey, "clipboard-content")
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt. Authentication failure
// returns an error; it never yields wrong plaintext.
func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, ErrCiphertext
	}
	nonce, sealed := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// HashContent returns the hex SHA-256 of data. Used by the clipboard
// collector for change detection.
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TokenEqual compares two auth tokens in constant time.
func TokenEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
