package device

import (
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
)

// ErrNotFound is returned, possibly wrapped, by a KeyStore that holds no
// device key yet.
var ErrNotFound = errors.New("device key not found")

// KeyStore persists the serialized device key.
type KeyStore interface {
	LoadDeviceKey() ([]byte, error)
	SaveDeviceKey(data []byte) error
}

// Identity is the device ID together with its signing key.
type Identity struct {
	id      string
	alg     dlcrypto.Algorithm
	priv    crypto.PrivateKey
	pub     crypto.PublicKey
	created time.Time
}

type identityFile struct {
	DeviceID   string             `json:"device_id"`
	Alg        dlcrypto.Algorithm `json:"alg"`
	PrivateKey string             `json:"private_key"`
	CreatedAt  time.Time          `json:"created_at"`
}

// NewIdentity generates a fresh signing key for deviceID.
func NewIdentity(deviceID string, alg dlcrypto.Algorithm) (*Identity, error) {
	if deviceID == "" {
		return nil, errors.New("device ID is required")
	}
	kp, err := dlcrypto.GenerateKey(alg)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	return &Identity{id: deviceID, alg: alg, priv: kp.PrivateKey, pub: kp.PublicKey, created: time.Now().UTC()}, nil
}

// LoadOrCreate returns the identity stored in ks, creating and storing a new
// one when none exists. A stored key for another device ID or algorithm is
// replaced, since a device never reuses a key across identities.
func LoadOrCreate(ks KeyStore, deviceID string, alg dlcrypto.Algorithm) (*Identity, error) {
	data, err := ks.LoadDeviceKey()
	switch {
	case err == nil:
		id, err := unmarshalIdentity(data)
		if err != nil {
			return nil, err
		}
		if id.id == deviceID && id.alg == alg {
			return id, nil
		}
	case errors.Is(err, ErrNotFound):
	default:
		return nil, fmt.Errorf("load device key: %w", err)
	}

	id, err := NewIdentity(deviceID, alg)
	if err != nil {
		return nil, err
	}
	data, err = id.Marshal()
	if err != nil {
		return nil, err
	}
	if err := ks.SaveDeviceKey(data); err != nil {
		return nil, fmt.Errorf("save device key: %w", err)
	}
	return id, nil
}

func unmarshalIdentity(data []byte) (*Identity, error) {
	var f identityFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}
	priv, err := dlcrypto.ParsePrivateKeyPEM([]byte(f.PrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("device key of type %T cannot sign", priv)
	}
	return &Identity{id: f.DeviceID, alg: f.Alg, priv: priv, pub: signer.Public(), created: f.CreatedAt}, nil
}

// Marshal serializes the identity, including its private key.
func (i *Identity) Marshal() ([]byte, error) {
	privPEM, err := dlcrypto.EncodePrivateKeyPEM(i.priv)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(identityFile{
		DeviceID:   i.id,
		Alg:        i.alg,
		PrivateKey: string(privPEM),
		CreatedAt:  i.created,
	}, "", "  ")
}

// DeviceID returns the device ID.
func (i *Identity) DeviceID() string { return i.id }

// Algorithm returns the algorithm of the signing key.
func (i *Identity) Algorithm() dlcrypto.Algorithm { return i.alg }

// PublicKey returns the public signing key.
func (i *Identity) PublicKey() crypto.PublicKey { return i.pub }

// PrivateKey returns the private signing key.
func (i *Identity) PrivateKey() crypto.PrivateKey { return i.priv }

// CreatedAt returns when the key was generated.
func (i *Identity) CreatedAt() time.Time { return i.created }

// Sign signs msg with the device key.
func (i *Identity) Sign(msg []byte) ([]byte, error) {
	return dlcrypto.Sign(i.alg, i.priv, msg)
}
