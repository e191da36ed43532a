// Package crypto provides the signing and transport encryption capabilities
// used by the license trust chain and the token codec.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// NonceSize is the size of the AES-GCM nonce (12 bytes standard).
	NonceSize = 12

	// KeySize is the size of the AES-256 key (32 bytes).
	KeySize = 32

	transportInfo = "dlicense-token-transport-v1"
)

var (
	// ErrInvalidKeySize indicates the encryption key is not the correct size.
	ErrInvalidKeySize = errors.New("encryption key must be 32 bytes")
	// ErrInvalidNonce indicates the nonce has the wrong length.
	ErrInvalidNonce = errors.New("nonce must be 12 bytes")
	// ErrDecryptionFailed indicates the decryption operation failed.
	ErrDecryptionFailed = errors.New("decryption failed")
)

// TransportCipher encrypts tokens for transport between devices using AES-256-GCM.
// The nonce travels next to the ciphertext rather than prepended to it.
type TransportCipher struct {
	key []byte
}

// NewTransportCipher creates a TransportCipher. The key must be exactly 32 bytes.
func NewTransportCipher(key []byte) (*TransportCipher, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	k := make([]byte, KeySize)
	copy(k, key)
	return &TransportCipher{key: k}, nil
}

// DeriveTransportKey derives the 32-byte transport key shared by every holder of
// a product from its public key PEM. salt may be nil.
func DeriveTransportKey(productPublicKeyPEM []byte, salt []byte) ([]byte, error) {
	if len(productPublicKeyPEM) == 0 {
		return nil, errors.New("product public key is empty")
	}
	r := hkdf.New(sha256.New, productPublicKeyPEM, salt, []byte(transportInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("failed to derive transport key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext and returns the ciphertext (with the GCM tag appended)
// and the random nonce used.
func (tc *TransportCipher) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	gcm, err := tc.gcm()
	if err != nil {
		return nil, nil, err
	}

	nonce = make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts ciphertext produced by Seal.
func (tc *TransportCipher) Open(ciphertext, nonce []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrInvalidNonce
	}
	gcm, err := tc.gcm()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

func (tc *TransportCipher) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(tc.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateTransportKey generates a random transport key.
func GenerateTransportKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate transport key: %w", err)
	}
	return key, nil
}

// SHA256Hex returns the lower-case hex SHA-256 digest of b.
func SHA256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
