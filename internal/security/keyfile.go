package security

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// Key file errors.
var (
	ErrInsecurePermissions = errors.New("security: insecure key file permissions")
	ErrCorruptKeyFile      = errors.New("security: corrupt key file")
)

// LoadOrCreateKey reads the hex-encoded master key from path, generating and
// persisting a fresh one on first run. The file is held under an exclusive
// lock for the duration of the read or write so two service instances racing
// at startup cannot each mint a different key.
//
// The key file is created 0600 in a 0700 directory. On Unix a key file
// readable by group or other is rejected rather than silently used.
func LoadOrCreateKey(path string) ([]byte, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("open key file: %w", err)
	}
	defer f.Close()

	if err := lockFile(f); err != nil {
		return nil, fmt.Errorf("lock key file: %w", err)
	}
	defer unlockFile(f)

	if runtime.GOOS != "windows" {
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat key file: %w", err)
		}
		if mode := info.Mode().Perm(); mode&0077 != 0 {
			return nil, fmt.Errorf("%w: %s has mode %04o, want 0600", ErrInsecurePermissions, path, mode)
		}
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	if len(raw) == 0 {
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		if _, err := f.WriteString(hex.EncodeToString(key)); err != nil {
			return nil, fmt.Errorf("write key file: %w", err)
		}
		if err := f.Sync(); err != nil {
			return nil, fmt.Errorf("sync key file: %w", err)
		}
		return key, nil
	}

	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptKeyFile, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: %d bytes, want %d", ErrCorruptKeyFile, len(key), KeySize)
	}
	return key, nil
}
