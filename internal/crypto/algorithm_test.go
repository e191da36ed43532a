package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlgorithm(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{"RSA", AlgorithmRSA, false},
		{"rsa", AlgorithmRSA, false},
		{"ed25519", AlgorithmEd25519, false},
		{" SM2 ", AlgorithmSM2, false},
		{"ecdsa", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAlgorithm(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnknownAlgorithm)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSignVerify_AllAlgorithms(t *testing.T) {
	msg := []byte("token-1|app|LIC-1|1700000000|0|Ed25519")

	for _, alg := range Algorithms() {
		t.Run(alg.String(), func(t *testing.T) {
			kp, err := GenerateKey(alg)
			require.NoError(t, err)

			sig, err := Sign(alg, kp.PrivateKey, msg)
			require.NoError(t, err)
			assert.True(t, Verify(alg, kp.PublicKey, msg, sig))

			tampered := append([]byte(nil), msg...)
			tampered[0] ^= 0x01
			assert.False(t, Verify(alg, kp.PublicKey, tampered, sig))

			badSig := append([]byte(nil), sig...)
			badSig[len(badSig)/2] ^= 0x01
			assert.False(t, Verify(alg, kp.PublicKey, msg, badSig))

			detected, err := AlgorithmOf(kp.PublicKey)
			require.NoError(t, err)
			assert.Equal(t, alg, detected)
		})
	}
}

func TestVerify_WrongAlgorithmNeverFallsBack(t *testing.T) {
	kp, err := GenerateKey(AlgorithmEd25519)
	require.NoError(t, err)
	msg := []byte("payload")
	sig, err := Sign(AlgorithmEd25519, kp.PrivateKey, msg)
	require.NoError(t, err)

	assert.False(t, Verify(AlgorithmRSA, kp.PublicKey, msg, sig))
	assert.False(t, Verify(AlgorithmSM2, kp.PublicKey, msg, sig))

	_, err = Sign(AlgorithmRSA, kp.PrivateKey, msg)
	assert.ErrorIs(t, err, ErrKeyAlgorithm)
}

func TestPEMRoundTrip(t *testing.T) {
	for _, alg := range Algorithms() {
		t.Run(alg.String(), func(t *testing.T) {
			kp, err := GenerateKey(alg)
			require.NoError(t, err)

			pubPEM, err := EncodePublicKeyPEM(kp.PublicKey)
			require.NoError(t, err)
			assert.Contains(t, string(pubPEM), "BEGIN PUBLIC KEY")

			privPEM, err := EncodePrivateKeyPEM(kp.PrivateKey)
			require.NoError(t, err)

			pub, err := ParsePublicKeyPEM(pubPEM)
			require.NoError(t, err)
			priv, err := ParsePrivateKeyPEM(privPEM)
			require.NoError(t, err)

			msg := []byte("round trip")
			sig, err := Sign(alg, priv, msg)
			require.NoError(t, err)
			assert.True(t, Verify(alg, pub, msg, sig))
		})
	}
}

func TestParsePublicKeyPEM_Invalid(t *testing.T) {
	_, err := ParsePublicKeyPEM([]byte("not a pem"))
	assert.ErrorIs(t, err, ErrInvalidPEM)
}
