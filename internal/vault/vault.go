// Package vault reversibly obscures the mail sender password at rest.
// The key lives unencrypted beside the data it protects, so this is a
// convenience layer against casual disclosure, not a security boundary.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"go.uber.org/zap"
)

// encPrefix tags encrypted values so they can be told apart from
// plaintext without sniffing ciphertext shapes.
const encPrefix = "enc:v1:"

// ErrDecrypt is returned when a stored value cannot be decrypted with
// the local key
var ErrDecrypt = errors.New("failed to decrypt value, check the secret key")

// Vault encrypts and decrypts secrets with a locally stored symmetric key
type Vault struct {
	logger  *zap.Logger
	keyPath string
}

// New creates a vault whose key file lives at keyPath
func New(logger *zap.Logger, keyPath string) *Vault {
	return &Vault{logger: logger.Named("vault"), keyPath: keyPath}
}

// IsEncrypted reports whether the stored value carries the encrypted tag
func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// Encrypt encrypts a secret and returns the tagged encoding
func (v *Vault) Encrypt(plain string) (string, error) {
	key, err := v.ensureKey()
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plain), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt decrypts a tagged value produced by Encrypt
func (v *Vault) Decrypt(stored string) (string, error) {
	if !IsEncrypted(stored) {
		return "", fmt.Errorf("%w: missing version tag", ErrDecrypt)
	}

	key, err := v.ensureKey()
	if err != nil {
		return "", err
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, encPrefix))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(sealed) < gcm.NonceSize() {
		return "", fmt.Errorf("%w: value too short", ErrDecrypt)
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return string(plain), nil
}

// Resolve returns the plaintext password for a stored value. A value
// without the encrypted tag is treated as legacy plaintext and
// returned as-is; callers that can persist should upgrade it via
// Encrypt afterwards.
func (v *Vault) Resolve(stored string) (string, bool, error) {
	if !IsEncrypted(stored) {
		return stored, false, nil
	}
	plain, err := v.Decrypt(stored)
	if err != nil {
		return "", true, err
	}
	return plain, true, nil
}

// ensureKey loads the key file, generating it lazily on first use
func (v *Vault) ensureKey() ([]byte, error) {
	key, err := os.ReadFile(v.keyPath)
	if err == nil {
		if len(key) != 32 {
			return nil, fmt.Errorf("secret key has unexpected length %d", len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read secret key: %w", err)
	}

	key = make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate secret key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(v.keyPath, key, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write secret key: %w", err)
	}
	v.hideKeyFile()
	v.logger.Info("Generated new secret key", zap.String("path", v.keyPath))
	return key, nil
}

// hideKeyFile marks the key file hidden where the host supports it
func (v *Vault) hideKeyFile() {
	if runtime.GOOS != "windows" {
		return
	}
	if err := exec.Command("attrib", "+H", v.keyPath).Run(); err != nil {
		v.logger.Warn("Failed to set hidden attribute on key file", zap.Error(err))
	}
}
