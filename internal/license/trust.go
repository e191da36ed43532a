package license

import (
	"bytes"
	"crypto"
	"errors"
	"time"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
)

// VerifiedToken is a token whose trust chain has been verified. Only this
// package can create one; downstream operations refuse anything else.
type VerifiedToken struct {
	token      *Token
	licenseKey crypto.PublicKey
	verifiedAt time.Time
}

// Token returns a copy of the verified token.
func (v *VerifiedToken) Token() *Token {
	if v == nil {
		return nil
	}
	return v.token.Clone()
}

// VerifiedAt returns when the chain was verified.
func (v *VerifiedToken) VerifiedAt() time.Time {
	return v.verifiedAt
}

// Valid reports whether v carries a chain-verified token.
func (v *VerifiedToken) Valid() bool {
	return v != nil && v.token != nil && v.licenseKey != nil
}

// Require returns the token carried by v, or a NotVerified error.
func Require(v *VerifiedToken) (*Token, error) {
	if !v.Valid() {
		return nil, &ChainError{Kind: KindNotVerified}
	}
	return v.token.Clone(), nil
}

// Revise wraps a new revision of an already verified token. The issued fields
// must be unchanged and every device binding and the state signature must verify.
func (v *VerifiedToken) Revise(next *Token) (*VerifiedToken, error) {
	if !v.Valid() {
		return nil, &ChainError{Kind: KindNotVerified}
	}
	if next == nil ||
		!bytes.Equal(next.CanonicalData(), v.token.CanonicalData()) ||
		next.Signature != v.token.Signature ||
		next.LicensePublicKey != v.token.LicensePublicKey ||
		next.RootSignature != v.token.RootSignature {
		return nil, &ChainError{Kind: KindTokenSignatureInvalid, Err: errors.New("revision changes issued fields")}
	}
	if err := verifyRevision(next); err != nil {
		return nil, err
	}
	return &VerifiedToken{token: next.Clone(), licenseKey: v.licenseKey, verifiedAt: v.verifiedAt}, nil
}

// Anchor is the configured trust anchor: the root key and, optionally, a
// product key delegated by it.
type Anchor struct {
	Root    crypto.PublicKey
	Product *ProductKey
}

// VerifierOption configures a Verifier.
type VerifierOption func(*Verifier)

// WithClock sets the clock used for expiry checks.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *Verifier) {
		v.now = now
	}
}

// WithCache enables caching of successful verifications.
func WithCache(c *Cache) VerifierOption {
	return func(v *Verifier) {
		v.cache = c
	}
}

// Verifier validates the delegation chain of tokens fully offline.
type Verifier struct {
	now   func() time.Time
	cache *Cache
}

// NewVerifier creates a Verifier.
func NewVerifier(opts ...VerifierOption) *Verifier {
	v := &Verifier{now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify checks token against rootPublicKey, the key that delegates to the
// license key, using expected as the only acceptable algorithm.
func (v *Verifier) Verify(token *Token, rootPublicKey crypto.PublicKey, expected dlcrypto.Algorithm) (*VerifiedToken, error) {
	if token == nil {
		return nil, &ChainError{Kind: KindMissingField, Field: "token"}
	}
	if token.Alg != expected {
		return nil, &ChainError{
			Kind:     KindAlgorithmMismatch,
			Field:    "alg",
			Expected: string(expected),
			Actual:   string(token.Alg),
		}
	}

	switch {
	case token.LicensePublicKey == "":
		return nil, &ChainError{Kind: KindMissingField, Field: "license_public_key"}
	case token.RootSignature == "":
		return nil, &ChainError{Kind: KindMissingField, Field: "root_signature"}
	case token.Signature == "":
		return nil, &ChainError{Kind: KindMissingField, Field: "signature"}
	case rootPublicKey == nil:
		return nil, &ChainError{Kind: KindMissingField, Field: "root_public_key"}
	}

	now := v.now()
	var cacheKey string
	if v.cache != nil {
		cacheKey = CacheKey(token, rootPublicKey, expected)
	}
	if cacheKey != "" && v.cache.Hit(cacheKey, now) {
		licenseKey, err := dlcrypto.ParsePublicKeyPEM([]byte(token.LicensePublicKey))
		if err == nil {
			return &VerifiedToken{token: token.Clone(), licenseKey: licenseKey, verifiedAt: now}, nil
		}
	}

	rootSig, err := DecodeSignature(token.RootSignature)
	if err != nil || !dlcrypto.Verify(expected, rootPublicKey, []byte(token.LicensePublicKey), rootSig) {
		return nil, &ChainError{Kind: KindRootSignatureInvalid, Field: "root_signature"}
	}

	licenseKey, err := dlcrypto.ParsePublicKeyPEM([]byte(token.LicensePublicKey))
	if err != nil {
		return nil, &ChainError{Kind: KindRootSignatureInvalid, Field: "license_public_key", Err: err}
	}

	sig, err := DecodeSignature(token.Signature)
	if err != nil || !dlcrypto.Verify(expected, licenseKey, token.CanonicalData(), sig) {
		return nil, &ChainError{Kind: KindTokenSignatureInvalid, Field: "signature"}
	}

	if token.IsExpired(now) {
		return nil, &ChainError{
			Kind:   KindExpired,
			Field:  "expire_time",
			Actual: time.Unix(token.ExpireTime, 0).UTC().Format(time.RFC3339),
		}
	}

	if err := verifyRevision(token); err != nil {
		return nil, err
	}

	if cacheKey != "" {
		v.cache.Store(cacheKey, token, now)
	}
	return &VerifiedToken{token: token.Clone(), licenseKey: licenseKey, verifiedAt: now}, nil
}

// VerifyChain verifies the full chain root -> product -> license -> token.
// Without a product key the root delegates to the license key directly. A
// product key without a root key is trusted as configured.
func (v *Verifier) VerifyChain(token *Token, anchor Anchor, expected dlcrypto.Algorithm) (*VerifiedToken, error) {
	if anchor.Product == nil {
		return v.Verify(token, anchor.Root, expected)
	}

	delegate, err := anchor.Product.PublicKey()
	if err != nil {
		return nil, &ChainError{Kind: KindProductSignatureInvalid, Field: "product_public_key", Err: err}
	}
	if anchor.Root != nil {
		if err := VerifyProductKey(anchor.Product, anchor.Root, expected); err != nil {
			return nil, err
		}
	}
	return v.Verify(token, delegate, expected)
}

// verifyRevision checks the device bindings and the holder's state signature.
func verifyRevision(t *Token) error {
	for _, b := range t.Devices {
		pub, err := dlcrypto.ParsePublicKeyPEM([]byte(b.PublicKey))
		if err != nil {
			return &ChainError{Kind: KindBindingSignatureInvalid, Field: b.DeviceID, Err: err}
		}
		sig, err := DecodeSignature(b.BindingSignature)
		if err != nil || !dlcrypto.Verify(b.Alg, pub, b.SigningData(t.TokenID), sig) {
			return &ChainError{Kind: KindBindingSignatureInvalid, Field: b.DeviceID}
		}
	}

	if !t.IsBound() {
		if t.StateIndex != 0 {
			return &ChainError{Kind: KindMissingField, Field: "holder_device_id"}
		}
		return nil
	}

	if t.CurrentBinding() == nil {
		return &ChainError{Kind: KindMissingField, Field: "devices"}
	}
	if t.StateSignature == "" {
		return &ChainError{Kind: KindMissingField, Field: "state_signature"}
	}
	alg, pub, err := t.PublicKeyFor(t.HolderDeviceID)
	if err != nil {
		return &ChainError{Kind: KindBindingSignatureInvalid, Field: t.HolderDeviceID, Err: err}
	}
	sig, err := DecodeSignature(t.StateSignature)
	if err != nil || !dlcrypto.Verify(alg, pub, t.StateData(), sig) {
		return &ChainError{Kind: KindBindingSignatureInvalid, Field: "state_signature"}
	}
	return nil
}
