package license

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
)

// TransportDelimiter separates ciphertext and nonce in the encrypted transport form.
const TransportDelimiter = "|"

// Mode selects the encoding produced by Codec.Encode.
type Mode int

const (
	// Plain is the JSON token.
	Plain Mode = iota
	// EncryptedTransport is base64url(ciphertext) "|" base64url(nonce).
	EncryptedTransport
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case Plain:
		return "plain"
	case EncryptedTransport:
		return "encrypted"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// TransportCipher is the symmetric encryption capability used for transport.
type TransportCipher interface {
	Seal(plaintext []byte) (ciphertext, nonce []byte, err error)
	Open(ciphertext, nonce []byte) ([]byte, error)
}

// Codec converts tokens to and from their plain and encrypted transport forms.
type Codec struct {
	cipher TransportCipher
}

// NewCodec creates a Codec. With a nil cipher only plain tokens can be handled.
func NewCodec(cipher TransportCipher) *Codec {
	return &Codec{cipher: cipher}
}

// IsEncryptedTransport reports whether s looks like the encrypted transport form:
// exactly one delimiter that is neither the first nor the last character.
func IsEncryptedTransport(s string) bool {
	s = strings.TrimSpace(s)
	if strings.ContainsAny(s, "{}") {
		return false
	}
	if strings.Count(s, TransportDelimiter) != 1 {
		return false
	}
	i := strings.Index(s, TransportDelimiter)
	return i > 0 && i < len(s)-1
}

// Decode parses input in either form, detecting which one it is.
func (c *Codec) Decode(input []byte) (*Token, error) {
	trimmed := bytes.TrimSpace(input)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Kind: KindMalformedInput, Field: "input", Err: errors.New("empty input")}
	}

	if IsEncryptedTransport(string(trimmed)) {
		plain, err := c.decrypt(string(trimmed))
		if err != nil {
			return nil, err
		}
		trimmed = plain
	}

	var t Token
	if err := json.Unmarshal(trimmed, &t); err != nil {
		return nil, &DecodeError{Kind: KindMalformedInput, Err: err}
	}
	if t.TokenID == "" {
		return nil, &DecodeError{Kind: KindMalformedInput, Field: "token_id"}
	}
	return &t, nil
}

func (c *Codec) decrypt(s string) ([]byte, error) {
	if c.cipher == nil {
		return nil, &DecodeError{Kind: KindNoDecryptionKey}
	}

	parts := strings.SplitN(s, TransportDelimiter, 2)
	ct, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, &DecodeError{Kind: KindMalformedInput, Field: "ciphertext", Err: err}
	}
	nonce, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, &DecodeError{Kind: KindMalformedInput, Field: "nonce", Err: err}
	}

	plain, err := c.cipher.Open(ct, nonce)
	if err != nil {
		return nil, &DecodeError{Kind: KindDecryptionFailed, Err: err}
	}
	return plain, nil
}

// Encode serializes t in the given mode.
func (c *Codec) Encode(t *Token, mode Mode) ([]byte, error) {
	if t == nil {
		return nil, errors.New("token is nil")
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal token: %w", err)
	}

	switch mode {
	case Plain:
		return data, nil
	case EncryptedTransport:
		if c.cipher == nil {
			return nil, &DecodeError{Kind: KindNoDecryptionKey}
		}
		ct, nonce, err := c.cipher.Seal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt token: %w", err)
		}
		out := base64.RawURLEncoding.EncodeToString(ct) + TransportDelimiter + base64.RawURLEncoding.EncodeToString(nonce)
		return []byte(out), nil
	default:
		return nil, fmt.Errorf("unknown encoding mode %d", int(mode))
	}
}

// Export encodes a verified token for transport to another device. Export
// always uses the encrypted transport form.
func (c *Codec) Export(v *VerifiedToken) ([]byte, error) {
	t, err := Require(v)
	if err != nil {
		return nil, err
	}
	return c.Encode(t, EncryptedTransport)
}

// NewProductCodec creates a Codec whose transport key is derived from the
// product public key.
func NewProductCodec(productPublicKeyPEM []byte) (*Codec, error) {
	key, err := dlcrypto.DeriveTransportKey(productPublicKeyPEM, nil)
	if err != nil {
		return nil, err
	}
	tc, err := dlcrypto.NewTransportCipher(key)
	if err != nil {
		return nil, err
	}
	return NewCodec(tc), nil
}
