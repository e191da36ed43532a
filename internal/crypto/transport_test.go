package crypto

import (
	"bytes"
	"errors"
	"testing"
)

func TestNewTransportCipher(t *testing.T) {
	tests := []struct {
		name    string
		keyLen  int
		wantErr bool
	}{
		{"valid key", 32, false},
		{"short key", 16, true},
		{"long key", 64, true},
		{"empty key", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTransportCipher(make([]byte, tt.keyLen))
			if (err != nil) != tt.wantErr {
				t.Errorf("NewTransportCipher() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTransportCipher_SealOpen(t *testing.T) {
	key, err := GenerateTransportKey()
	if err != nil {
		t.Fatalf("GenerateTransportKey() error = %v", err)
	}
	tc, err := NewTransportCipher(key)
	if err != nil {
		t.Fatalf("NewTransportCipher() error = %v", err)
	}

	plaintext := []byte(`{"token_id":"tok-1"}`)
	ct, nonce, err := tc.Seal(plaintext)
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}
	if len(nonce) != NonceSize {
		t.Errorf("nonce length = %d, want %d", len(nonce), NonceSize)
	}
	if bytes.Contains(ct, plaintext) {
		t.Error("ciphertext contains plaintext")
	}

	got, err := tc.Open(ct, nonce)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("Open() = %q, want %q", got, plaintext)
	}
}

func TestTransportCipher_OpenFailures(t *testing.T) {
	key, _ := GenerateTransportKey()
	tc, _ := NewTransportCipher(key)
	ct, nonce, err := tc.Seal([]byte("payload"))
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	t.Run("tampered ciphertext", func(t *testing.T) {
		bad := append([]byte(nil), ct...)
		bad[0] ^= 0x01
		if _, err := tc.Open(bad, nonce); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Open() error = %v, want %v", err, ErrDecryptionFailed)
		}
	})

	t.Run("wrong nonce", func(t *testing.T) {
		bad := append([]byte(nil), nonce...)
		bad[len(bad)-1] ^= 0x80
		if _, err := tc.Open(ct, bad); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Open() error = %v, want %v", err, ErrDecryptionFailed)
		}
	})

	t.Run("short nonce", func(t *testing.T) {
		if _, err := tc.Open(ct, nonce[:4]); !errors.Is(err, ErrInvalidNonce) {
			t.Errorf("Open() error = %v, want %v", err, ErrInvalidNonce)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		other, _ := GenerateTransportKey()
		otc, _ := NewTransportCipher(other)
		if _, err := otc.Open(ct, nonce); !errors.Is(err, ErrDecryptionFailed) {
			t.Errorf("Open() error = %v, want %v", err, ErrDecryptionFailed)
		}
	})
}

func TestDeriveTransportKey(t *testing.T) {
	pemA := []byte("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----\n")
	pemB := []byte("-----BEGIN PUBLIC KEY-----\nBBBB\n-----END PUBLIC KEY-----\n")

	a1, err := DeriveTransportKey(pemA, nil)
	if err != nil {
		t.Fatalf("DeriveTransportKey() error = %v", err)
	}
	a2, _ := DeriveTransportKey(pemA, nil)
	b, _ := DeriveTransportKey(pemB, nil)

	if len(a1) != KeySize {
		t.Errorf("key length = %d, want %d", len(a1), KeySize)
	}
	if !bytes.Equal(a1, a2) {
		t.Error("derivation is not deterministic")
	}
	if bytes.Equal(a1, b) {
		t.Error("different product keys derived the same transport key")
	}

	if _, err := DeriveTransportKey(nil, nil); err == nil {
		t.Error("expected error for empty product key")
	}
}

func TestSHA256Hex(t *testing.T) {
	got := SHA256Hex([]byte("abc"))
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("SHA256Hex() = %s, want %s", got, want)
	}
}
