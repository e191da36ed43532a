package license_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
	"github.com/MacJediWizard/decentrilicense/internal/issuer"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

type chain struct {
	authority *issuer.Authority
	lic       *issuer.License
	token     *license.Token
}

func newChain(t *testing.T, alg dlcrypto.Algorithm, validity time.Duration) chain {
	t.Helper()
	a, err := issuer.NewAuthority(alg)
	require.NoError(t, err)
	lic, err := a.NewLicense("com.example.editor", "LIC-0001")
	require.NoError(t, err)
	tok, err := lic.Issue(issuer.IssueOptions{Validity: validity})
	require.NoError(t, err)
	return chain{authority: a, lic: lic, token: tok}
}

func flipSignatureBit(t *testing.T, s string, bit int) string {
	t.Helper()
	raw, err := license.DecodeSignature(s)
	require.NoError(t, err)
	bit %= len(raw) * 8
	raw[bit/8] ^= 1 << (bit % 8)
	return license.EncodeSignature(raw)
}

func flipStringBit(s string, pos int) string {
	b := []byte(s)
	b[pos] ^= 0x01
	return string(b)
}

func kindOf(t *testing.T, err error) license.ChainErrorKind {
	t.Helper()
	var ce *license.ChainError
	require.ErrorAs(t, err, &ce)
	return ce.Kind
}

func TestVerifyChain_Valid(t *testing.T) {
	for _, alg := range dlcrypto.Algorithms() {
		t.Run(alg.String(), func(t *testing.T) {
			c := newChain(t, alg, 24*time.Hour)
			v := license.NewVerifier()

			verified, err := v.VerifyChain(c.token, c.authority.Anchor(), alg)
			require.NoError(t, err)
			assert.True(t, verified.Valid())
			assert.Equal(t, c.token.TokenID, verified.Token().TokenID)

			product, err := c.authority.ProductKey.PublicKey()
			require.NoError(t, err)
			_, err = v.Verify(c.token, product, alg)
			require.NoError(t, err)
		})
	}
}

func TestVerifyChain_BitFlips(t *testing.T) {
	for _, alg := range dlcrypto.Algorithms() {
		t.Run(alg.String(), func(t *testing.T) {
			c := newChain(t, alg, 0)
			v := license.NewVerifier()

			bits := []int{0, 7, 64, 255, 511}
			for _, bit := range bits {
				tok := c.token.Clone()
				tok.Signature = flipSignatureBit(t, tok.Signature, bit)
				_, err := v.VerifyChain(tok, c.authority.Anchor(), alg)
				assert.ErrorIs(t, err, license.ErrTokenSignatureInvalid, "token signature bit %d", bit)

				tok = c.token.Clone()
				tok.RootSignature = flipSignatureBit(t, tok.RootSignature, bit)
				_, err = v.VerifyChain(tok, c.authority.Anchor(), alg)
				assert.ErrorIs(t, err, license.ErrRootSignatureInvalid, "root signature bit %d", bit)

				pk := *c.authority.ProductKey
				pk.RootSignature = flipSignatureBit(t, pk.RootSignature, bit)
				_, err = v.VerifyChain(c.token, license.Anchor{Root: c.authority.Root.PublicKey, Product: &pk}, alg)
				assert.ErrorIs(t, err, license.ErrProductSignatureInvalid, "product signature bit %d", bit)
			}

			// Bytes inside the PEM bodies.
			for _, pos := range []int{40, len(c.token.LicensePublicKey) / 2, len(c.token.LicensePublicKey) - 30} {
				tok := c.token.Clone()
				tok.LicensePublicKey = flipStringBit(tok.LicensePublicKey, pos)
				_, err := v.VerifyChain(tok, c.authority.Anchor(), alg)
				assert.ErrorIs(t, err, license.ErrRootSignatureInvalid, "license key byte %d", pos)

				pk := *c.authority.ProductKey
				pk.PublicKeyPEM = []byte(flipStringBit(string(pk.PublicKeyPEM), pos%len(pk.PublicKeyPEM)))
				_, err = v.VerifyChain(c.token, license.Anchor{Root: c.authority.Root.PublicKey, Product: &pk}, alg)
				assert.Error(t, err, "product key byte %d", pos)
			}

			other, err := dlcrypto.GenerateKey(alg)
			require.NoError(t, err)
			_, err = v.VerifyChain(c.token, license.Anchor{Root: other.PublicKey, Product: c.authority.ProductKey}, alg)
			assert.ErrorIs(t, err, license.ErrProductSignatureInvalid)

			tok := c.token.Clone()
			tok.AppID = "com.example.other"
			_, err = v.VerifyChain(tok, c.authority.Anchor(), alg)
			assert.ErrorIs(t, err, license.ErrTokenSignatureInvalid)
		})
	}
}

func TestVerify_AlgorithmMismatch(t *testing.T) {
	c := newChain(t, dlcrypto.AlgorithmEd25519, 0)
	product, err := c.authority.ProductKey.PublicKey()
	require.NoError(t, err)

	_, err = license.NewVerifier().Verify(c.token, product, dlcrypto.AlgorithmRSA)
	require.ErrorIs(t, err, license.ErrAlgorithmMismatch)

	var ce *license.ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "alg", ce.Field)
	assert.Equal(t, "RSA", ce.Expected)
	assert.Equal(t, "Ed25519", ce.Actual)
	assert.Equal(t, license.ClassMismatch, ce.Class())
}

func TestVerify_MissingFields(t *testing.T) {
	c := newChain(t, dlcrypto.AlgorithmEd25519, 0)
	product, err := c.authority.ProductKey.PublicKey()
	require.NoError(t, err)
	v := license.NewVerifier()

	tests := []struct {
		name  string
		field string
		edit  func(*license.Token)
	}{
		{"no license key", "license_public_key", func(tok *license.Token) { tok.LicensePublicKey = "" }},
		{"no root signature", "root_signature", func(tok *license.Token) { tok.RootSignature = "" }},
		{"no signature", "signature", func(tok *license.Token) { tok.Signature = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := c.token.Clone()
			tt.edit(tok)
			_, err := v.Verify(tok, product, dlcrypto.AlgorithmEd25519)
			require.ErrorIs(t, err, license.ErrMissingField)

			var ce *license.ChainError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.field, ce.Field)
			assert.Equal(t, license.ClassChainIncomplete, ce.Class())
		})
	}
}

func TestVerify_Expired(t *testing.T) {
	c := newChain(t, dlcrypto.AlgorithmEd25519, time.Hour)
	later := time.Now().Add(2 * time.Hour)
	v := license.NewVerifier(license.WithClock(func() time.Time { return later }))

	_, err := v.VerifyChain(c.token, c.authority.Anchor(), dlcrypto.AlgorithmEd25519)
	require.ErrorIs(t, err, license.ErrExpired)
	assert.Equal(t, license.KindExpired, kindOf(t, err))

	var ce *license.ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, license.ClassExpired, ce.Class())
}

func TestVerify_SignatureClass(t *testing.T) {
	c := newChain(t, dlcrypto.AlgorithmEd25519, 0)
	tok := c.token.Clone()
	tok.Signature = flipSignatureBit(t, tok.Signature, 3)

	_, err := license.NewVerifier().VerifyChain(tok, c.authority.Anchor(), dlcrypto.AlgorithmEd25519)
	var ce *license.ChainError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, license.ClassSignatureInvalid, ce.Class())
}

func TestRequire_NotVerified(t *testing.T) {
	_, err := license.Require(nil)
	assert.ErrorIs(t, err, license.ErrNotVerified)

	_, err = license.Require(&license.VerifiedToken{})
	assert.ErrorIs(t, err, license.ErrNotVerified)
}

func TestVerifiedToken_Revise(t *testing.T) {
	c := newChain(t, dlcrypto.AlgorithmEd25519, 0)
	verified, err := license.NewVerifier().VerifyChain(c.token, c.authority.Anchor(), dlcrypto.AlgorithmEd25519)
	require.NoError(t, err)

	device, err := dlcrypto.GenerateKey(dlcrypto.AlgorithmEd25519)
	require.NoError(t, err)

	next := verified.Token()
	binding, err := license.NewDeviceBinding(next.TokenID, "device-a", device.Algorithm, device.PrivateKey, device.PublicKey, time.Now())
	require.NoError(t, err)
	next.HolderDeviceID = "device-a"
	next.Devices = append(next.Devices, binding)
	require.NoError(t, license.SignState(next, device.Algorithm, device.PrivateKey))

	revised, err := verified.Revise(next)
	require.NoError(t, err)
	assert.Equal(t, "device-a", revised.Token().HolderDeviceID)

	t.Run("issued fields are immutable", func(t *testing.T) {
		bad := next.Clone()
		bad.ExpireTime = 1
		_, err := verified.Revise(bad)
		assert.ErrorIs(t, err, license.ErrTokenSignatureInvalid)
	})

	t.Run("state signature must match", func(t *testing.T) {
		bad := next.Clone()
		bad.StateIndex = 5
		_, err := verified.Revise(bad)
		assert.ErrorIs(t, err, license.ErrBindingSignatureInvalid)
	})

	t.Run("binding signature must match", func(t *testing.T) {
		bad := next.Clone()
		bad.Devices[0].BoundAt++
		_, err := verified.Revise(bad)
		assert.ErrorIs(t, err, license.ErrBindingSignatureInvalid)
	})
}

func TestVerifier_Cache(t *testing.T) {
	c := newChain(t, dlcrypto.AlgorithmEd25519, 0)
	cache := license.NewCache()
	v := license.NewVerifier(license.WithCache(cache))

	_, err := v.VerifyChain(c.token, c.authority.Anchor(), dlcrypto.AlgorithmEd25519)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	_, err = v.VerifyChain(c.token, c.authority.Anchor(), dlcrypto.AlgorithmEd25519)
	require.NoError(t, err)
	assert.Equal(t, 1, cache.Len())

	bad := c.token.Clone()
	bad.Signature = flipSignatureBit(t, bad.Signature, 1)
	_, err = v.VerifyChain(bad, c.authority.Anchor(), dlcrypto.AlgorithmEd25519)
	assert.ErrorIs(t, err, license.ErrTokenSignatureInvalid)
	assert.Equal(t, 1, cache.Len())
}

func TestCacheTTL(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name   string
		expire int64
		want   time.Duration
	}{
		{"never expires", 0, time.Hour},
		{"long lived", now.Add(72 * time.Hour).Unix(), time.Hour},
		{"half remaining", now.Add(40 * time.Minute).Unix(), 20 * time.Minute},
		{"nearly expired", now.Add(30 * time.Second).Unix(), time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := license.TTL(&license.Token{ExpireTime: tt.expire}, now)
			assert.Equal(t, tt.want, got)
		})
	}
}
