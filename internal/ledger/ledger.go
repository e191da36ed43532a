// Package ledger maintains the hash-chained, signed usage ledger of a token.
package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

// Signer signs records on behalf of the local device.
type Signer interface {
	DeviceID() string
	Algorithm() dlcrypto.Algorithm
	Sign(msg []byte) ([]byte, error)
}

// Committer persists a record together with the token revision it produces.
// Either both are stored or neither is.
type Committer interface {
	CommitRecord(ctx context.Context, token *license.Token, record Record) error
}

// Observer receives ledger events, typically for metrics.
type Observer interface {
	ObserveAppend(action string, stateIndex uint64, duration time.Duration)
	ObserveAppendFailure(kind string)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the clock used for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// WithObserver sets the observer notified of appends.
func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		l.observer = o
	}
}

// WithGate adds a runtime check that must pass before an append, such as the
// device currently holding the Coordinator role.
func WithGate(gate func() bool) Option {
	return func(l *Ledger) {
		l.gate = gate
	}
}

// Ledger serializes appends to the usage ledger of one token.
type Ledger struct {
	mu        sync.RWMutex
	token     *license.VerifiedToken
	signer    Signer
	committer Committer
	observer  Observer
	gate      func() bool
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a Ledger over a verified token.
func New(token *license.VerifiedToken, signer Signer, committer Committer, logger zerolog.Logger, opts ...Option) (*Ledger, error) {
	if _, err := license.Require(token); err != nil {
		return nil, err
	}
	if signer == nil || committer == nil {
		return nil, fmt.Errorf("ledger requires a signer and a committer")
	}
	l := &Ledger{
		token:     token,
		signer:    signer,
		committer: committer,
		now:       time.Now,
		logger:    logger.With().Str("component", "usage_ledger").Logger(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Append signs and commits a new usage record for holderDeviceID.
func (l *Ledger) Append(ctx context.Context, holderDeviceID, action string, params map[string]string) (Record, error) {
	start := time.Now()
	rec, err := l.append(ctx, holderDeviceID, action, params)
	if err != nil {
		if l.observer != nil {
			kind := "error"
			if le, ok := err.(*Error); ok {
				kind = string(le.Kind)
			}
			l.observer.ObserveAppendFailure(kind)
		}
		return Record{}, err
	}
	if l.observer != nil {
		l.observer.ObserveAppend(action, rec.Seq, time.Since(start))
	}
	return rec, nil
}

func (l *Ledger) append(ctx context.Context, holderDeviceID, action string, params map[string]string) (Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tok := l.token.Token()
	if !tok.IsBound() {
		return Record{}, &Error{Kind: KindNotActivated}
	}
	if holderDeviceID != tok.HolderDeviceID || l.signer.DeviceID() != tok.HolderDeviceID {
		return Record{}, &Error{Kind: KindNotActivated, Holder: tok.HolderDeviceID}
	}
	if l.gate != nil && !l.gate() {
		return Record{}, &Error{Kind: KindNotActivated, Holder: tok.HolderDeviceID,
			Err: fmt.Errorf("device is not the coordinator")}
	}

	prevHash := ZeroHash
	if n := len(tok.UsageChain); n > 0 {
		h, err := Hash(tok.UsageChain[n-1])
		if err != nil {
			return Record{}, err
		}
		prevHash = h
	}

	rec := Record{
		Seq:            tok.StateIndex + 1,
		Time:           l.now().Unix(),
		Action:         action,
		Params:         copyParams(params),
		HashPrev:       prevHash,
		HolderDeviceID: holderDeviceID,
		Alg:            l.signer.Algorithm(),
	}
	payload, err := SigningPayload(rec)
	if err != nil {
		return Record{}, &Error{Kind: KindSignatureInvalid, Seq: rec.Seq, Err: err}
	}
	sig, err := l.signer.Sign(payload)
	if err != nil {
		return Record{}, &Error{Kind: KindSignatureInvalid, Seq: rec.Seq, Err: err}
	}
	rec.Signature = license.EncodeSignature(sig)

	recHash, err := Hash(rec)
	if err != nil {
		return Record{}, err
	}
	tok.UsageChain = append(tok.UsageChain, rec)
	tok.StateIndex = rec.Seq
	tok.StateHash = recHash

	stateSig, err := l.signer.Sign(tok.StateData())
	if err != nil {
		return Record{}, &Error{Kind: KindSignatureInvalid, Seq: rec.Seq, Err: err}
	}
	tok.StateSignature = license.EncodeSignature(stateSig)

	revised, err := l.token.Revise(tok)
	if err != nil {
		return Record{}, fmt.Errorf("new token revision does not verify: %w", err)
	}

	if err := l.committer.CommitRecord(ctx, tok, rec); err != nil {
		return Record{}, fmt.Errorf("failed to commit usage record: %w", err)
	}
	l.token = revised

	l.logger.Debug().
		Str("token_id", tok.TokenID).
		Uint64("seq", rec.Seq).
		Str("action", action).
		Msg("usage record appended")

	return rec.Clone(), nil
}

// Token returns the current verified token revision.
func (l *Ledger) Token() *license.VerifiedToken {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.token
}

// Replace swaps in a newer verified revision of the same token, for example
// after activation.
func (l *Ledger) Replace(token *license.VerifiedToken) error {
	next, err := license.Require(token)
	if err != nil {
		return err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.token.Token()
	if next.TokenID != cur.TokenID {
		return fmt.Errorf("cannot replace token %s with %s", cur.TokenID, next.TokenID)
	}
	if next.StateIndex < cur.StateIndex {
		return &Error{Kind: KindSequenceGap, Seq: next.StateIndex,
			Err: fmt.Errorf("revision is behind current state_index %d", cur.StateIndex)}
	}
	l.token = token
	return nil
}

// Records returns a copy of the committed records.
func (l *Ledger) Records() []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	tok := l.token.Token()
	return tok.UsageChain
}

// StateIndex returns the seq of the last committed record.
func (l *Ledger) StateIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.token.Token().StateIndex
}

// Verify replays the whole ledger of the current revision.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyToken(l.token.Token())
}

func copyParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}
