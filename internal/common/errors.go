// Package common defines shared constants and sentinel errors used across
// KeepSync components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// ErrStorageFailure means the local durability layer is unavailable.
	// It aborts the remaining phases of a sync cycle.
	ErrStorageFailure = errors.New("storage failure")

	// Remote exchange errors.
	ErrRevisionConflict   = errors.New("revision conflict")
	ErrNetworkUnavailable = errors.New("network unavailable")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrRemoteLocked       = errors.New("remote store is locked by another device")

	// Crypto errors. ErrKeyUnavailable means no master key is loaded
	// (e.g. the vault is locked); ErrDecryptionFailed means the key is
	// present but the ciphertext did not authenticate.
	ErrKeyUnavailable   = errors.New("encryption key unavailable")
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrKeyMismatch      = errors.New("encryption key does not match remote store")

	// Validation errors.
	ErrInvalidSyncStatus = errors.New("unrecognized sync status")
)
