// Package cryptox implements the crypto engine: argon2id master-key
// derivation and AES-256-GCM encryption of item payloads and resource blobs.
// It owns no sync logic.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"golang.org/x/crypto/argon2"

	"github.com/dmitrijs2005/keepsync/internal/common"
)

const (
	// KeyLength is the AES-256 key size in bytes.
	KeyLength = 32

	nonceLength = 12
)

// DeriveMasterKey derives a 32-byte master key from a password and salt
// using argon2id.
func DeriveMasterKey(password, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, KeyLength)
}

// ContentHash returns the hex-encoded SHA-256 digest of a plaintext payload.
// The sync engine compares these to detect benign races without looking at
// ciphertext.
func ContentHash(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// Engine encrypts and decrypts payloads with a master key held in memory.
// The key may be absent (vault locked); crypto operations then fail with
// common.ErrKeyUnavailable.
type Engine struct {
	mu        sync.RWMutex
	masterKey []byte
}

func NewEngine() *Engine {
	return &Engine{}
}

// SetMasterKey loads a raw 32-byte key.
func (e *Engine) SetMasterKey(key []byte) error {
	if len(key) != KeyLength {
		return fmt.Errorf("invalid key length: expected %d, got %d", KeyLength, len(key))
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.masterKey = append([]byte(nil), key...)
	return nil
}

// SetMasterKeyFromPassword derives the key from a password and salt and loads it.
func (e *Engine) SetMasterKeyFromPassword(password, salt []byte) {
	key := DeriveMasterKey(password, salt)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.masterKey = key
}

// ClearMasterKey wipes the key from memory (vault lock).
func (e *Engine) ClearMasterKey() {
	e.mu.Lock()
	defer e.mu.Unlock()
	common.WipeByteArray(e.masterKey)
	e.masterKey = nil
}

// HasMasterKey reports whether a key is currently loaded.
func (e *Engine) HasMasterKey() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.masterKey != nil
}

// KeyIdentifier returns a hex SHA-256 digest of the master key. Two devices
// holding the same key produce the same identifier, so the sync engine can
// detect key mismatches against the remote meta record without revealing
// the key itself.
func (e *Engine) KeyIdentifier() (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.masterKey == nil {
		return "", common.ErrKeyUnavailable
	}
	sum := sha256.Sum256(e.masterKey)
	return hex.EncodeToString(sum[:]), nil
}

// Encrypt seals plaintext with AES-256-GCM using a fresh random nonce per
// call. The nonce is prepended to the returned blob, so a single value
// round-trips through storage and transfer.
func (e *Engine) Encrypt(plaintext []byte) ([]byte, error) {
	e.mu.RLock()
	key := e.masterKey
	e.mu.RUnlock()

	if key == nil {
		return nil, common.ErrKeyUnavailable
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce := common.GenerateRandByteArray(nonceLength)

	blob := make([]byte, 0, nonceLength+len(plaintext)+aesgcm.Overhead())
	blob = append(blob, nonce...)
	return aesgcm.Seal(blob, nonce, plaintext, nil), nil
}

// Decrypt opens a blob produced by Encrypt. A missing key yields
// common.ErrKeyUnavailable; an authentication failure (wrong key or
// corrupted ciphertext) yields common.ErrDecryptionFailed.
func (e *Engine) Decrypt(blob []byte) ([]byte, error) {
	e.mu.RLock()
	key := e.masterKey
	e.mu.RUnlock()

	if key == nil {
		return nil, common.ErrKeyUnavailable
	}
	if len(blob) < nonceLength {
		return nil, fmt.Errorf("%w: blob shorter than nonce", common.ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aesgcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}

	nonce, ciphertext := blob[:nonceLength], blob[nonceLength:]
	plaintext, err := aesgcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
