package ledger

import (
	"crypto"
	"encoding/json"
	"fmt"
	"strings"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

// Record is one entry of the usage ledger.
type Record = license.UsageRecord

// ZeroHash is the hash_prev of the first record.
var ZeroHash = strings.Repeat("0", 64)

// KeyResolver resolves the public key a device signed records with.
type KeyResolver interface {
	PublicKeyFor(deviceID string) (dlcrypto.Algorithm, crypto.PublicKey, error)
}

type signedFields struct {
	Seq      uint64            `json:"seq"`
	Time     int64             `json:"time"`
	Action   string            `json:"action"`
	Params   map[string]string `json:"params"`
	HashPrev string            `json:"hash_prev"`
}

// SigningPayload returns the bytes a record signature covers.
func SigningPayload(r Record) ([]byte, error) {
	return json.Marshal(signedFields{
		Seq:      r.Seq,
		Time:     r.Time,
		Action:   r.Action,
		Params:   r.Params,
		HashPrev: r.HashPrev,
	})
}

// Hash returns the SHA-256 hex digest of the record's canonical encoding.
func Hash(r Record) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	return dlcrypto.SHA256Hex(data), nil
}

// VerifyRecord checks a single record's signature in isolation.
func VerifyRecord(r Record, keys KeyResolver) error {
	alg, pub, err := keys.PublicKeyFor(r.HolderDeviceID)
	if err != nil {
		return &Error{Kind: KindSignatureInvalid, Seq: r.Seq, Holder: r.HolderDeviceID, Err: err}
	}
	// alg is outside the signed payload, so it must match exactly.
	if r.Alg != alg {
		return &Error{Kind: KindSignatureInvalid, Seq: r.Seq, Holder: r.HolderDeviceID,
			Err: fmt.Errorf("record algorithm %s does not match device key %s", r.Alg, alg)}
	}
	payload, err := SigningPayload(r)
	if err != nil {
		return &Error{Kind: KindSignatureInvalid, Seq: r.Seq, Err: err}
	}
	sig, err := license.DecodeSignature(r.Signature)
	if err != nil || !dlcrypto.Verify(alg, pub, payload, sig) {
		return &Error{Kind: KindSignatureInvalid, Seq: r.Seq, Holder: r.HolderDeviceID}
	}
	return nil
}

// VerifyChain replays a complete ledger from seq 1 and returns the first
// failure, if any.
func VerifyChain(records []Record, keys KeyResolver) error {
	return VerifyFrom(records, 0, ZeroHash, keys)
}

// VerifyFrom replays records that follow the record with sequence number
// prevSeq and hash prevHash. It is used for ledger tails.
func VerifyFrom(records []Record, prevSeq uint64, prevHash string, keys KeyResolver) error {
	for i, r := range records {
		if r.Seq != prevSeq+1 {
			return &Error{Kind: KindSequenceGap, Seq: prevSeq + 1, Position: i,
				Err: fmt.Errorf("found seq %d", r.Seq)}
		}
		if r.HashPrev != prevHash {
			return &Error{Kind: KindHashMismatch, Seq: r.Seq, Position: i}
		}
		if err := VerifyRecord(r, keys); err != nil {
			if le, ok := err.(*Error); ok {
				le.Position = i
			}
			return err
		}

		h, err := Hash(r)
		if err != nil {
			return &Error{Kind: KindHashMismatch, Seq: r.Seq, Position: i, Err: err}
		}
		prevSeq, prevHash = r.Seq, h
	}
	return nil
}

// VerifyToken verifies the usage chain carried by t and that the token's
// state revision points at its last record.
func VerifyToken(t *license.Token) error {
	if err := VerifyChain(t.UsageChain, t); err != nil {
		return err
	}

	n := len(t.UsageChain)
	if uint64(n) != t.StateIndex {
		return &Error{Kind: KindSequenceGap, Seq: uint64(n) + 1, Position: n,
			Err: fmt.Errorf("token state_index %d but ledger holds %d records", t.StateIndex, n)}
	}
	if n == 0 {
		return nil
	}
	h, err := Hash(t.UsageChain[n-1])
	if err != nil {
		return err
	}
	if t.StateHash != h {
		return &Error{Kind: KindHashMismatch, Seq: t.StateIndex, Position: n - 1,
			Err: fmt.Errorf("token state_hash does not match last record")}
	}
	return nil
}
