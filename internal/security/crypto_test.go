package security

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

// =============================================================================
// Key derivation tests
// =============================================================================

func TestDeriveKey_Deterministic(t *testing.T) {
	master := newTestKey(t)

	a, err := DeriveKey(master, "clipboard-content")
	require.NoError(t, err)
	b, err := DeriveKey(master, "clipboard-content")
	require.NoError(t, err)

	assert.Equal(t, a, b, "same master and label must derive the same key")
	assert.Len(t, a, KeySize)
}

func TestDeriveKey_LabelSeparation(t *testing.T) {
	master := newTestKey(t)

	a, err := DeriveKey(master, "clipboard-content")
	require.NoError(t, err)
	b, err := DeriveKey(master, "something-else")
	require.NoError(t, err)

	assert.NotEqual(t, a, b, "different labels must derive different keys")
}

func TestDeriveKey_RejectsShortMaster(t *testing.T) {
	_, err := DeriveKey(make([]byte, 16), "label")
	assert.ErrorIs(t, err, ErrInvalidKeySize)
}

// =============================================================================
// Cipher tests
// =============================================================================

func TestCipher_RoundTrip(t *testing.T) {
	cipher, err := NewCipher(newTestKey(t))
	require.NoError(t, err)

	plaintext := []byte("clipboard contents with unicode éèê")

	sealed, err := cipher.Encrypt(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	opened, err := cipher.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestCipher_NonceVariesPerEncryption(t *testing.T) {
	cipher, err := NewCipher(newTestKey(t))
	require.NoError(t, err)

	a, err := cipher.Encrypt([]byte("same input"))
	require.NoError(t, err)
	b, err := cipher.Encrypt([]byte("same input"))
	require.NoError(t, err)

	assert.False(t, bytes.Equal(a, b), "two encryptions of the same plaintext must differ")
}

func TestCipher_DecryptRejectsTampering(t *testing.T) {
	cipher, err := NewCipher(newTestKey(t))
	require.NoError(t, err)

	sealed, err := cipher.Encrypt([]byte("original"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01

	_, err = cipher.Decrypt(sealed)
	assert.Error(t, err)
}

func TestCipher_DecryptRejectsTruncated(t *testing.T) {
	cipher, err := NewCipher(newTestKey(t))
	require.NoError(t, err)

	_, err = cipher.Decrypt([]byte{0x01, 0x02})
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestCipher_WrongKeyFails(t *testing.T) {
	c1, err := NewCipher(newTestKey(t))
	require.NoError(t, err)
	c2, err := NewCipher(newTestKey(t))
	require.NoError(t, err)

	sealed, err := c1.Encrypt([]byte("secret"))
	require.NoError(t, err)

	_, err = c2.Decrypt(sealed)
	assert.Error(t, err)
}

// =============================================================================
// Hashing and token comparison tests
// =============================================================================

func TestHashContent(t *testing.T) {
	a := HashContent([]byte("hello"))
	b := HashContent([]byte("hello"))
	c := HashContent([]byte("world"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64, "hex SHA-256 is 64 characters")
}

func TestTokenEqual(t *testing.T) {
	assert.True(t, TokenEqual("abc123", "abc123"))
	assert.False(t, TokenEqual("abc123", "abc124"))
	assert.False(t, TokenEqual("abc123", "abc1234"))
	assert.False(t, TokenEqual("", "abc123"))
	assert.True(t, TokenEqual("", ""))
}

// =============================================================================
// Key file tests
// =============================================================================

func TestLoadOrCreateKey_Creates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "master.key")

	key, err := LoadOrCreateKey(path)
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}
}

func TestLoadOrCreateKey_LoadsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")

	first, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	second, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	assert.Equal(t, first, second, "reloading must return the same key")
}

func TestLoadOrCreateKey_RejectsCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "master.key")
	require.NoError(t, os.WriteFile(path, []byte("not hex at all"), 0600))

	_, err := LoadOrCreateKey(path)
	assert.ErrorIs(t, err, ErrCorruptKeyFile)
}

func TestLoadOrCreateKey_RejectsLoosePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits are not meaningful on windows")
	}

	path := filepath.Join(t.TempDir(), "master.key")
	_, err := LoadOrCreateKey(path)
	require.NoError(t, err)

	require.NoError(t, os.Chmod(path, 0644))

	_, err = LoadOrCreateKey(path)
	assert.ErrorIs(t, err, ErrInsecurePermissions)
}
