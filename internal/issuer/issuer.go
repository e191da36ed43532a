// Package issuer generates trust chains and issues license tokens. It is used
// by the issue command and by tests; devices never hold issuer keys.
package issuer

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

// File names used by SaveAuthority and LoadAuthority.
const (
	RootPublicKeyFile     = "root_public.pem"
	RootPrivateKeyFile    = "root_private.pem"
	ProductKeyFile        = "product_public.pem"
	ProductPrivateKeyFile = "product_private.pem"
)

// Authority holds the root and product keys of a deployment.
type Authority struct {
	Alg        dlcrypto.Algorithm
	Root       *dlcrypto.KeyPair
	Product    *dlcrypto.KeyPair
	ProductKey *license.ProductKey
}

// License is a license key delegated by the product key.
type License struct {
	Alg           dlcrypto.Algorithm
	AppID         string
	Code          string
	Key           *dlcrypto.KeyPair
	PublicKeyPEM  string
	RootSignature string
}

// IssueOptions controls a single token issue.
type IssueOptions struct {
	TokenID   string
	IssueTime time.Time
	// Validity of zero issues a token that never expires.
	Validity time.Duration
	// EnvironmentHash pins the token to one host environment when set.
	EnvironmentHash string
}

// NewAuthority generates root and product keys for alg and signs the product
// public key with the root key.
func NewAuthority(alg dlcrypto.Algorithm) (*Authority, error) {
	root, err := dlcrypto.GenerateKey(alg)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	product, err := dlcrypto.GenerateKey(alg)
	if err != nil {
		return nil, fmt.Errorf("generate product key: %w", err)
	}
	return newAuthority(alg, root, product)
}

func newAuthority(alg dlcrypto.Algorithm, root, product *dlcrypto.KeyPair) (*Authority, error) {
	productPEM, err := dlcrypto.EncodePublicKeyPEM(product.PublicKey)
	if err != nil {
		return nil, err
	}
	sig, err := dlcrypto.Sign(alg, root.PrivateKey, productPEM)
	if err != nil {
		return nil, fmt.Errorf("sign product key: %w", err)
	}
	return &Authority{
		Alg:     alg,
		Root:    root,
		Product: product,
		ProductKey: &license.ProductKey{
			PublicKeyPEM:  productPEM,
			RootSignature: license.EncodeSignature(sig),
			Alg:           alg,
		},
	}, nil
}

// Anchor returns the trust anchor devices use to verify tokens of this authority.
func (a *Authority) Anchor() license.Anchor {
	return license.Anchor{Root: a.Root.PublicKey, Product: a.ProductKey}
}

// RootPublicKeyPEM returns the root public key in PEM form.
func (a *Authority) RootPublicKeyPEM() ([]byte, error) {
	return dlcrypto.EncodePublicKeyPEM(a.Root.PublicKey)
}

// NewLicense generates a license key for appID/code, signed by the product key.
func (a *Authority) NewLicense(appID, code string) (*License, error) {
	if appID == "" || code == "" {
		return nil, errors.New("app ID and license code are required")
	}
	key, err := dlcrypto.GenerateKey(a.Alg)
	if err != nil {
		return nil, fmt.Errorf("generate license key: %w", err)
	}
	pubPEM, err := dlcrypto.EncodePublicKeyPEM(key.PublicKey)
	if err != nil {
		return nil, err
	}
	sig, err := dlcrypto.Sign(a.Alg, a.Product.PrivateKey, pubPEM)
	if err != nil {
		return nil, fmt.Errorf("sign license key: %w", err)
	}
	return &License{
		Alg:           a.Alg,
		AppID:         appID,
		Code:          code,
		Key:           key,
		PublicKeyPEM:  string(pubPEM),
		RootSignature: license.EncodeSignature(sig),
	}, nil
}

// Issue creates an unbound token signed by the license key.
func (l *License) Issue(opts IssueOptions) (*license.Token, error) {
	if opts.TokenID == "" {
		opts.TokenID = uuid.New().String()
	}
	if opts.IssueTime.IsZero() {
		opts.IssueTime = time.Now()
	}

	t := &license.Token{
		TokenID:          opts.TokenID,
		IssueTime:        opts.IssueTime.Unix(),
		AppID:            l.AppID,
		LicenseCode:      l.Code,
		LicensePublicKey: l.PublicKeyPEM,
		RootSignature:    l.RootSignature,
		Alg:              l.Alg,
		EnvironmentHash:  opts.EnvironmentHash,
	}
	if opts.Validity > 0 {
		t.ExpireTime = opts.IssueTime.Add(opts.Validity).Unix()
	}

	sig, err := dlcrypto.Sign(l.Alg, l.Key.PrivateKey, t.CanonicalData())
	if err != nil {
		return nil, fmt.Errorf("sign token: %w", err)
	}
	t.Signature = license.EncodeSignature(sig)
	return t, nil
}

// SaveAuthority writes the authority keys to dir. Private keys are written 0600.
func SaveAuthority(a *Authority, dir string) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create authority directory: %w", err)
	}

	rootPub, err := a.RootPublicKeyPEM()
	if err != nil {
		return err
	}
	rootPriv, err := dlcrypto.EncodePrivateKeyPEM(a.Root.PrivateKey)
	if err != nil {
		return err
	}
	productPriv, err := dlcrypto.EncodePrivateKeyPEM(a.Product.PrivateKey)
	if err != nil {
		return err
	}

	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{RootPublicKeyFile, rootPub, 0644},
		{RootPrivateKeyFile, rootPriv, 0600},
		{ProductKeyFile, a.ProductKey.Encode(), 0644},
		{ProductPrivateKeyFile, productPriv, 0600},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f.name), f.data, f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

// LoadAuthority reads an authority written by SaveAuthority.
func LoadAuthority(dir string) (*Authority, error) {
	read := func(name string) ([]byte, error) {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		return data, nil
	}

	rootPrivPEM, err := read(RootPrivateKeyFile)
	if err != nil {
		return nil, err
	}
	productPrivPEM, err := read(ProductPrivateKeyFile)
	if err != nil {
		return nil, err
	}
	productFile, err := read(ProductKeyFile)
	if err != nil {
		return nil, err
	}

	root, err := keyPairFromPEM(rootPrivPEM)
	if err != nil {
		return nil, fmt.Errorf("root key: %w", err)
	}
	product, err := keyPairFromPEM(productPrivPEM)
	if err != nil {
		return nil, fmt.Errorf("product key: %w", err)
	}
	if root.Algorithm != product.Algorithm {
		return nil, fmt.Errorf("root key is %s but product key is %s", root.Algorithm, product.Algorithm)
	}
	pk, err := license.ParseProductKey(productFile)
	if err != nil {
		return nil, err
	}

	return &Authority{Alg: root.Algorithm, Root: root, Product: product, ProductKey: pk}, nil
}

func keyPairFromPEM(data []byte) (*dlcrypto.KeyPair, error) {
	priv, err := dlcrypto.ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, err
	}
	alg, err := dlcrypto.AlgorithmOf(priv)
	if err != nil {
		return nil, err
	}
	signer, ok := priv.(interface{ Public() crypto.PublicKey })
	if !ok {
		return nil, fmt.Errorf("private key of type %T has no public half", priv)
	}
	return &dlcrypto.KeyPair{Algorithm: alg, PrivateKey: priv, PublicKey: signer.Public()}, nil
}
