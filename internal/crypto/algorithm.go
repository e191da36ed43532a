package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/emmansun/gmsm/sm2"
	"github.com/emmansun/gmsm/smx509"
)

// Algorithm identifies a signature algorithm used along the trust chain.
type Algorithm string

const (
	AlgorithmRSA     Algorithm = "RSA"
	AlgorithmEd25519 Algorithm = "Ed25519"
	AlgorithmSM2     Algorithm = "SM2"
)

// RSAKeyBits is the modulus size used for generated RSA keys.
const RSAKeyBits = 2048

var (
	// ErrUnknownAlgorithm indicates an algorithm identifier is not supported.
	ErrUnknownAlgorithm = errors.New("unknown signature algorithm")
	// ErrKeyAlgorithm indicates a key does not belong to the requested algorithm.
	ErrKeyAlgorithm = errors.New("key does not match algorithm")
	// ErrInvalidPEM indicates PEM input could not be decoded.
	ErrInvalidPEM = errors.New("invalid PEM data")
)

// Algorithms returns all supported algorithms.
func Algorithms() []Algorithm {
	return []Algorithm{AlgorithmRSA, AlgorithmEd25519, AlgorithmSM2}
}

// ParseAlgorithm parses an algorithm identifier, ignoring case.
func ParseAlgorithm(s string) (Algorithm, error) {
	for _, a := range Algorithms() {
		if strings.EqualFold(strings.TrimSpace(s), string(a)) {
			return a, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownAlgorithm, s)
}

// IsValid returns true if the algorithm is supported.
func (a Algorithm) IsValid() bool {
	switch a {
	case AlgorithmRSA, AlgorithmEd25519, AlgorithmSM2:
		return true
	}
	return false
}

// String returns the algorithm identifier.
func (a Algorithm) String() string {
	return string(a)
}

// KeyPair holds a generated signing key and its public half.
type KeyPair struct {
	Algorithm  Algorithm
	PrivateKey crypto.PrivateKey
	PublicKey  crypto.PublicKey
}

// GenerateKey generates a new key pair for alg.
func GenerateKey(alg Algorithm) (*KeyPair, error) {
	switch alg {
	case AlgorithmRSA:
		priv, err := rsa.GenerateKey(rand.Reader, RSAKeyBits)
		if err != nil {
			return nil, fmt.Errorf("failed to generate RSA key: %w", err)
		}
		return &KeyPair{Algorithm: alg, PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
	case AlgorithmEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate Ed25519 key: %w", err)
		}
		return &KeyPair{Algorithm: alg, PrivateKey: priv, PublicKey: pub}, nil
	case AlgorithmSM2:
		priv, err := sm2.GenerateKey(rand.Reader)
		if err != nil {
			return nil, fmt.Errorf("failed to generate SM2 key: %w", err)
		}
		return &KeyPair{Algorithm: alg, PrivateKey: priv, PublicKey: &priv.PublicKey}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// Sign signs msg with priv under alg.
func Sign(alg Algorithm, priv crypto.PrivateKey, msg []byte) ([]byte, error) {
	switch alg {
	case AlgorithmRSA:
		key, ok := priv.(*rsa.PrivateKey)
		if !ok {
			return nil, ErrKeyAlgorithm
		}
		digest := sha256.Sum256(msg)
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	case AlgorithmEd25519:
		key, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return nil, ErrKeyAlgorithm
		}
		return ed25519.Sign(key, msg), nil
	case AlgorithmSM2:
		key, ok := priv.(*sm2.PrivateKey)
		if !ok {
			return nil, ErrKeyAlgorithm
		}
		return key.Sign(rand.Reader, msg, sm2.DefaultSM2SignerOpts)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlgorithm, alg)
	}
}

// Verify reports whether sig is a valid signature of msg by pub under alg.
// A key of the wrong type never verifies.
func Verify(alg Algorithm, pub crypto.PublicKey, msg, sig []byte) bool {
	switch alg {
	case AlgorithmRSA:
		key, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false
		}
		digest := sha256.Sum256(msg)
		return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
	case AlgorithmEd25519:
		key, ok := pub.(ed25519.PublicKey)
		if !ok || len(key) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(key, msg, sig)
	case AlgorithmSM2:
		key, ok := pub.(*ecdsa.PublicKey)
		if !ok || key.Curve != sm2.P256() {
			return false
		}
		return sm2.VerifyASN1WithSM2(key, nil, msg, sig)
	default:
		return false
	}
}

// AlgorithmOf returns the algorithm a public or private key belongs to.
func AlgorithmOf(key any) (Algorithm, error) {
	switch k := key.(type) {
	case *rsa.PublicKey, *rsa.PrivateKey:
		return AlgorithmRSA, nil
	case ed25519.PublicKey, ed25519.PrivateKey:
		return AlgorithmEd25519, nil
	case *sm2.PrivateKey:
		return AlgorithmSM2, nil
	case *ecdsa.PublicKey:
		if k.Curve == sm2.P256() {
			return AlgorithmSM2, nil
		}
	}
	return "", ErrUnknownAlgorithm
}

// EncodePublicKeyPEM encodes a public key as a PKIX "PUBLIC KEY" PEM block.
func EncodePublicKeyPEM(pub crypto.PublicKey) ([]byte, error) {
	der, err := smx509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM parses a PKIX "PUBLIC KEY" PEM block.
func ParsePublicKeyPEM(data []byte) (crypto.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	pub, err := smx509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return pub, nil
}

// EncodePrivateKeyPEM encodes a private key as a PKCS#8 "PRIVATE KEY" PEM block.
func EncodePrivateKeyPEM(priv crypto.PrivateKey) ([]byte, error) {
	der, err := smx509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// ParsePrivateKeyPEM parses a PKCS#8 "PRIVATE KEY" PEM block.
func ParsePrivateKeyPEM(data []byte) (crypto.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEM
	}
	priv, err := smx509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return priv, nil
}
