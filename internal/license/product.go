package license

import (
	"bufio"
	"bytes"
	"crypto"
	"errors"
	"fmt"
	"strings"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
)

const (
	rootSignatureMarker = "ROOT_SIGNATURE:"
	algMarker           = "ALG:"
)

// ErrInvalidProductKey indicates a product key file could not be parsed.
var ErrInvalidProductKey = errors.New("invalid product key file")

// ProductKey is a product public key delegated by the root key. Its file form
// is the PEM block followed by a "ROOT_SIGNATURE:<base64>" line and an
// optional "ALG:<algorithm>" line.
type ProductKey struct {
	PublicKeyPEM  []byte
	RootSignature string
	Alg           dlcrypto.Algorithm
}

// ParseProductKey parses the product key file format.
func ParseProductKey(data []byte) (*ProductKey, error) {
	var (
		pemBuf bytes.Buffer
		pk     ProductKey
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		switch {
		case strings.HasPrefix(line, rootSignatureMarker):
			pk.RootSignature = strings.TrimSpace(strings.TrimPrefix(line, rootSignatureMarker))
		case strings.HasPrefix(line, algMarker):
			alg, err := dlcrypto.ParseAlgorithm(strings.TrimPrefix(line, algMarker))
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidProductKey, err)
			}
			pk.Alg = alg
		case strings.TrimSpace(line) == "":
		default:
			pemBuf.WriteString(line)
			pemBuf.WriteByte('\n')
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProductKey, err)
	}

	if pemBuf.Len() == 0 {
		return nil, fmt.Errorf("%w: no public key block", ErrInvalidProductKey)
	}
	pk.PublicKeyPEM = pemBuf.Bytes()

	if _, err := pk.PublicKey(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProductKey, err)
	}
	return &pk, nil
}

// PublicKey parses the product public key.
func (p *ProductKey) PublicKey() (crypto.PublicKey, error) {
	return dlcrypto.ParsePublicKeyPEM(p.PublicKeyPEM)
}

// Encode returns the product key file form.
func (p *ProductKey) Encode() []byte {
	var b bytes.Buffer
	b.Write(p.PublicKeyPEM)
	if !bytes.HasSuffix(p.PublicKeyPEM, []byte("\n")) {
		b.WriteByte('\n')
	}
	if p.RootSignature != "" {
		b.WriteString(rootSignatureMarker + p.RootSignature + "\n")
	}
	if p.Alg != "" {
		b.WriteString(algMarker + string(p.Alg) + "\n")
	}
	return b.Bytes()
}

// VerifyProductKey checks that the root key signed the product public key.
func VerifyProductKey(p *ProductKey, root crypto.PublicKey, alg dlcrypto.Algorithm) error {
	if p == nil {
		return &ChainError{Kind: KindMissingField, Field: "product_public_key"}
	}
	if p.RootSignature == "" {
		return &ChainError{Kind: KindMissingField, Field: "product_root_signature"}
	}
	if p.Alg != "" && p.Alg != alg {
		return &ChainError{Kind: KindAlgorithmMismatch, Field: "product_alg", Expected: string(alg), Actual: string(p.Alg)}
	}
	sig, err := DecodeSignature(p.RootSignature)
	if err != nil || !dlcrypto.Verify(alg, root, p.PublicKeyPEM, sig) {
		return &ChainError{Kind: KindProductSignatureInvalid, Field: "product_root_signature"}
	}
	return nil
}
