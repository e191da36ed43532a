// Package license implements the license token model, its trust chain
// verification and its plain and encrypted-transport encodings.
package license

import (
	"crypto"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
)

// Token is the entitlement artifact moved between devices.
type Token struct {
	TokenID          string             `json:"token_id"`
	HolderDeviceID   string             `json:"holder_device_id"`
	IssueTime        int64              `json:"issue_time"`
	ExpireTime       int64              `json:"expire_time"`
	Signature        string             `json:"signature"`
	AppID            string             `json:"app_id"`
	LicenseCode      string             `json:"license_code"`
	LicensePublicKey string             `json:"license_public_key"`
	RootSignature    string             `json:"root_signature"`
	Alg              dlcrypto.Algorithm `json:"alg"`
	// EnvironmentHash optionally pins the token to the host environment it
	// was issued for.
	EnvironmentHash string `json:"environment_hash,omitempty"`

	// State revision, advanced by activation and ledger appends.
	StateIndex     uint64          `json:"state_index"`
	StateHash      string          `json:"state_hash,omitempty"`
	StateSignature string          `json:"state_signature,omitempty"`
	Devices        []DeviceBinding `json:"devices,omitempty"`
	UsageChain     []UsageRecord   `json:"usage_chain,omitempty"`
}

// DeviceBinding records one device that has held the token. The last entry
// in Token.Devices is the current holder.
type DeviceBinding struct {
	DeviceID         string             `json:"device_id"`
	PublicKey        string             `json:"public_key"`
	Alg              dlcrypto.Algorithm `json:"alg"`
	BoundAt          int64              `json:"bound_at"`
	BindingSignature string             `json:"binding_signature"`
}

// UsageRecord is one signed entry of the hash-chained usage ledger.
type UsageRecord struct {
	Seq            uint64             `json:"seq"`
	Time           int64              `json:"time"`
	Action         string             `json:"action"`
	Params         map[string]string  `json:"params"`
	HashPrev       string             `json:"hash_prev"`
	HolderDeviceID string             `json:"holder_device_id"`
	Alg            dlcrypto.Algorithm `json:"alg"`
	Signature      string             `json:"signature"`
}

// CanonicalData returns the issued fields covered by the license key signature.
// The holder is not part of it; bindings are attested by device signatures.
// A non-empty environment hash is appended as a seventh field.
func (t *Token) CanonicalData() []byte {
	fields := []string{
		t.TokenID,
		t.AppID,
		t.LicenseCode,
		strconv.FormatInt(t.IssueTime, 10),
		strconv.FormatInt(t.ExpireTime, 10),
		string(t.Alg),
	}
	if t.EnvironmentHash != "" {
		fields = append(fields, t.EnvironmentHash)
	}
	return []byte(strings.Join(fields, "|"))
}

// StateData returns the bytes covered by the holder's state signature.
func (t *Token) StateData() []byte {
	return []byte(strings.Join([]string{
		t.TokenID,
		t.HolderDeviceID,
		strconv.FormatUint(t.StateIndex, 10),
		t.StateHash,
	}, "|"))
}

// SigningData returns the bytes covered by a device binding signature.
func (b DeviceBinding) SigningData(tokenID string) []byte {
	return []byte(strings.Join([]string{
		tokenID,
		b.DeviceID,
		b.PublicKey,
		strconv.FormatInt(b.BoundAt, 10),
	}, "|"))
}

// IsBound returns true if a holder device is set.
func (t *Token) IsBound() bool {
	return t.HolderDeviceID != ""
}

// IsExpired returns true if the token has an expiry and it is before now.
func (t *Token) IsExpired(now time.Time) bool {
	return t.ExpireTime != 0 && now.Unix() > t.ExpireTime
}

// CurrentBinding returns the binding of the current holder, or nil.
func (t *Token) CurrentBinding() *DeviceBinding {
	if !t.IsBound() {
		return nil
	}
	for i := len(t.Devices) - 1; i >= 0; i-- {
		if t.Devices[i].DeviceID == t.HolderDeviceID {
			b := t.Devices[i]
			return &b
		}
	}
	return nil
}

// PublicKeyFor resolves the signing key of a device that has held the token.
func (t *Token) PublicKeyFor(deviceID string) (dlcrypto.Algorithm, crypto.PublicKey, error) {
	for i := len(t.Devices) - 1; i >= 0; i-- {
		b := t.Devices[i]
		if b.DeviceID != deviceID {
			continue
		}
		pub, err := dlcrypto.ParsePublicKeyPEM([]byte(b.PublicKey))
		if err != nil {
			return "", nil, fmt.Errorf("device %s: %w", deviceID, err)
		}
		return b.Alg, pub, nil
	}
	return "", nil, fmt.Errorf("no key recorded for device %q", deviceID)
}

// Clone returns a deep copy of the token.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	c := *t
	if t.Devices != nil {
		c.Devices = append([]DeviceBinding(nil), t.Devices...)
	}
	if t.UsageChain != nil {
		c.UsageChain = make([]UsageRecord, len(t.UsageChain))
		for i, r := range t.UsageChain {
			c.UsageChain[i] = r.Clone()
		}
	}
	return &c
}

// Clone returns a deep copy of the record.
func (r UsageRecord) Clone() UsageRecord {
	if r.Params != nil {
		params := make(map[string]string, len(r.Params))
		for k, v := range r.Params {
			params[k] = v
		}
		r.Params = params
	}
	return r
}

// EncodeSignature encodes a raw signature for embedding in a token.
func EncodeSignature(sig []byte) string {
	return base64.StdEncoding.EncodeToString(sig)
}

// DecodeSignature decodes an embedded signature. Non-canonical encodings are rejected.
func DecodeSignature(s string) ([]byte, error) {
	return base64.StdEncoding.Strict().DecodeString(s)
}

// SignState re-signs the state revision of t with the holder's device key.
func SignState(t *Token, alg dlcrypto.Algorithm, priv crypto.PrivateKey) error {
	sig, err := dlcrypto.Sign(alg, priv, t.StateData())
	if err != nil {
		return fmt.Errorf("failed to sign state revision: %w", err)
	}
	t.StateSignature = EncodeSignature(sig)
	return nil
}

// NewDeviceBinding creates a binding for deviceID signed by its device key.
func NewDeviceBinding(tokenID, deviceID string, alg dlcrypto.Algorithm, priv crypto.PrivateKey, pub crypto.PublicKey, now time.Time) (DeviceBinding, error) {
	pubPEM, err := dlcrypto.EncodePublicKeyPEM(pub)
	if err != nil {
		return DeviceBinding{}, err
	}
	b := DeviceBinding{
		DeviceID:  deviceID,
		PublicKey: string(pubPEM),
		Alg:       alg,
		BoundAt:   now.Unix(),
	}
	sig, err := dlcrypto.Sign(alg, priv, b.SigningData(tokenID))
	if err != nil {
		return DeviceBinding{}, fmt.Errorf("failed to sign device binding: %w", err)
	}
	b.BindingSignature = EncodeSignature(sig)
	return b, nil
}
