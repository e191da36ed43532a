// Package activation binds verified tokens to the local device once it wins
// the device election.
package activation

import (
	"context"
	"crypto"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
	"github.com/MacJediWizard/decentrilicense/internal/election"
	"github.com/MacJediWizard/decentrilicense/internal/ledger"
	"github.com/MacJediWizard/decentrilicense/internal/license"
)

// Elector runs one discovery and election round for a token.
type Elector interface {
	Run(ctx context.Context, tokenID string) (election.State, error)
}

// Identity is the local device and its signing key.
type Identity interface {
	DeviceID() string
	Algorithm() dlcrypto.Algorithm
	PublicKey() crypto.PublicKey
	PrivateKey() crypto.PrivateKey
}

// Committer persists a token revision that adds no usage records.
type Committer interface {
	CommitRevision(ctx context.Context, token *license.Token, reason string) error
}

// Outcome is the result of a successful activation.
type Outcome struct {
	Token          *license.VerifiedToken
	Role           election.State
	AlreadyCurrent bool
}

// VerificationResult is the result of a successful rebind.
type VerificationResult struct {
	Token          *license.VerifiedToken
	Role           election.State
	HolderDeviceID string
	StateIndex     uint64
	VerifiedAt     time.Time
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock sets the clock used for binding timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		m.now = now
	}
}

// Machine drives activation and tracks the local runtime role.
type Machine struct {
	mu        sync.RWMutex
	role      election.State
	identity  Identity
	elector   Elector
	committer Committer
	now       func() time.Time
	logger    zerolog.Logger
}

// New creates a Machine for the local identity.
func New(identity Identity, elector Elector, committer Committer, logger zerolog.Logger, opts ...Option) *Machine {
	m := &Machine{
		role:      election.StateIdle,
		identity:  identity,
		elector:   elector,
		committer: committer,
		now:       time.Now,
		logger:    logger.With().Str("component", "activation").Str("device_id", identity.DeviceID()).Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Role returns the local runtime role.
func (m *Machine) Role() election.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.role
}

// IsCoordinator reports whether the local device currently holds the Coordinator role.
func (m *Machine) IsCoordinator() bool {
	return m.Role() == election.StateCoordinator
}

func (m *Machine) setRole(s election.State) {
	m.mu.Lock()
	m.role = s
	m.mu.Unlock()
}

// Activate binds v to the local device. A token already bound here is
// returned unchanged without an election.
func (m *Machine) Activate(ctx context.Context, v *license.VerifiedToken) (*Outcome, error) {
	tok, err := license.Require(v)
	if err != nil {
		return nil, err
	}
	local := m.identity.DeviceID()

	if tok.IsBound() {
		if tok.HolderDeviceID != local {
			return nil, &Error{Kind: KindAlreadyBoundElsewhere, Holder: tok.HolderDeviceID}
		}
		m.setRole(election.StateCoordinator)
		m.logger.Info().Str("token_id", tok.TokenID).Msg("token already bound to this device")
		return &Outcome{Token: v, Role: election.StateCoordinator, AlreadyCurrent: true}, nil
	}

	state, err := m.elector.Run(ctx, tok.TokenID)
	if err != nil {
		m.setRole(election.StateIdle)
		return nil, &Error{Kind: KindElectionFailed, Err: err}
	}
	if state != election.StateCoordinator {
		m.setRole(state)
		return nil, &Error{Kind: KindElectionFailed,
			Err: fmt.Errorf("device finished the election as %s", state)}
	}

	revised, err := m.bind(ctx, v, tok)
	if err != nil {
		m.setRole(election.StateIdle)
		return nil, err
	}
	m.setRole(election.StateCoordinator)

	m.logger.Info().
		Str("token_id", tok.TokenID).
		Uint64("state_index", tok.StateIndex).
		Msg("token bound to this device")
	return &Outcome{Token: revised, Role: election.StateCoordinator}, nil
}

func (m *Machine) bind(ctx context.Context, v *license.VerifiedToken, tok *license.Token) (*license.VerifiedToken, error) {
	id := m.identity
	binding, err := license.NewDeviceBinding(tok.TokenID, id.DeviceID(), id.Algorithm(), id.PrivateKey(), id.PublicKey(), m.now())
	if err != nil {
		return nil, err
	}
	tok.HolderDeviceID = id.DeviceID()
	tok.Devices = append(tok.Devices, binding)
	if tok.StateIndex == 0 {
		tok.StateHash = ledger.ZeroHash
	}
	if err := license.SignState(tok, id.Algorithm(), id.PrivateKey()); err != nil {
		return nil, err
	}

	revised, err := v.Revise(tok)
	if err != nil {
		return nil, fmt.Errorf("bound revision does not verify: %w", err)
	}
	if err := m.committer.CommitRevision(ctx, tok, "activate"); err != nil {
		return nil, fmt.Errorf("failed to commit activation: %w", err)
	}
	return revised, nil
}

// Rebind restores the Coordinator role for a token previously activated on
// this device. The token is not modified.
func (m *Machine) Rebind(_ context.Context, v *license.VerifiedToken) (*VerificationResult, error) {
	tok, err := license.Require(v)
	if err != nil {
		return nil, err
	}
	if tok.HolderDeviceID != m.identity.DeviceID() {
		return nil, &Error{Kind: KindAlreadyBoundElsewhere, Holder: tok.HolderDeviceID}
	}

	m.setRole(election.StateCoordinator)
	m.logger.Info().Str("token_id", tok.TokenID).Msg("coordinator role restored")
	return &VerificationResult{
		Token:          v,
		Role:           election.StateCoordinator,
		HolderDeviceID: tok.HolderDeviceID,
		StateIndex:     tok.StateIndex,
		VerifiedAt:     v.VerifiedAt(),
	}, nil
}

// Release drops the local runtime role, for example when the token is
// exported to another device.
func (m *Machine) Release() {
	m.setRole(election.StateIdle)
}
