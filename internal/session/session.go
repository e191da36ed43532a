// Package session ties the token codec, trust chain, device election,
// activation and usage ledger together for one device.
package session

import (
	"bytes"
	"context"
	"crypto"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/decentrilicense/internal/activation"
	dlcrypto "github.com/MacJediWizard/decentrilicense/internal/crypto"
	"github.com/MacJediWizard/decentrilicense/internal/device"
	"github.com/MacJediWizard/decentrilicense/internal/election"
	"github.com/MacJediWizard/decentrilicense/internal/ledger"
	"github.com/MacJediWizard/decentrilicense/internal/license"
	"github.com/MacJediWizard/decentrilicense/internal/store"
)

var (
	// ErrNoToken is returned by operations that need an imported token.
	ErrNoToken = errors.New("no token loaded")
	// ErrNoRootKey is returned when neither a root nor a product key is configured.
	ErrNoRootKey = errors.New("no root or product key configured")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session closed")
)

// Config holds the session settings.
type Config struct {
	StorageDir string
	// DeviceID overrides the ID derived from the host fingerprint.
	DeviceID  string
	Algorithm dlcrypto.Algorithm
	Election  election.Config
	// EnvironmentHash overrides the hash derived from the current user and host.
	EnvironmentHash   string
	EnvironmentPolicy license.EnvironmentPolicy
}

// Observer receives verification, election and ledger events.
type Observer interface {
	ledger.Observer
	election.Observer
	RecordVerification(result string)
	SetStateIndex(stateIndex uint64)
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithTransport sets the discovery transport. The session closes it on Close.
func WithTransport(t election.Transport) Option {
	return func(s *Session) {
		s.transport = t
	}
}

// WithClock sets the clock used for verification and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// WithObserver sets the observer, typically the Prometheus metrics.
func WithObserver(o Observer) Option {
	return func(s *Session) {
		s.observer = o
	}
}

// Session is the client state of one device. It replaces any process-wide
// singleton; tests create as many sessions as they need.
type Session struct {
	mu         sync.Mutex
	activateMu sync.Mutex
	cfg        Config
	deviceID   string
	startup    time.Time
	store      *store.Store
	cache      *license.Cache
	verifier   *license.Verifier
	codec      *license.Codec
	root       crypto.PublicKey
	product    *license.ProductKey
	transport  election.Transport
	observer   Observer
	now        func() time.Time
	logger     zerolog.Logger
	active     *loaded
	closed     bool
}

// loaded is the state attached to the current license.
type loaded struct {
	ls       *store.LicenseStore
	identity *device.Identity
	elector  *election.Elector
	machine  *activation.Machine
	ledger   *ledger.Ledger
}

// New creates a Session. The device ID is derived from the host unless cfg
// overrides it.
func New(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	if cfg.Algorithm == "" {
		cfg.Algorithm = dlcrypto.AlgorithmEd25519
	}
	if !cfg.Algorithm.IsValid() {
		return nil, fmt.Errorf("%w: %q", dlcrypto.ErrUnknownAlgorithm, cfg.Algorithm)
	}
	policy, err := license.ParseEnvironmentPolicy(string(cfg.EnvironmentPolicy))
	if err != nil {
		return nil, err
	}
	cfg.EnvironmentPolicy = policy

	s := &Session{
		cfg:       cfg,
		startup:   time.Now(),
		cache:     license.NewCache(),
		codec:     license.NewCodec(nil),
		transport: election.NoopTransport{},
		now:       time.Now,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.verifier = license.NewVerifier(license.WithClock(s.now), license.WithCache(s.cache))

	s.deviceID = cfg.DeviceID
	if s.deviceID == "" {
		s.deviceID = device.CollectFingerprint(ctx).DeviceID()
	}
	if s.cfg.EnvironmentHash == "" {
		s.cfg.EnvironmentHash = device.EnvironmentHash(ctx)
	}
	s.logger = s.logger.With().Str("component", "session").Str("device_id", s.deviceID).Logger()

	st, err := store.New(cfg.StorageDir, s.deviceID, s.logger)
	if err != nil {
		return nil, err
	}
	s.store = st
	return s, nil
}

// DeviceID returns the local device ID.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// Algorithm returns the expected token algorithm.
func (s *Session) Algorithm() dlcrypto.Algorithm {
	return s.cfg.Algorithm
}

// Store returns the storage root.
func (s *Session) Store() *store.Store {
	return s.store
}

// SetRootKey configures the root public key from PEM.
func (s *Session) SetRootKey(pemData []byte) error {
	pub, err := dlcrypto.ParsePublicKeyPEM(pemData)
	if err != nil {
		return fmt.Errorf("root key: %w", err)
	}
	if alg, err := dlcrypto.AlgorithmOf(pub); err != nil || alg != s.cfg.Algorithm {
		return &license.ChainError{Kind: license.KindAlgorithmMismatch, Field: "root_public_key",
			Expected: string(s.cfg.Algorithm), Actual: string(alg)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.product != nil {
		if err := license.VerifyProductKey(s.product, pub, s.cfg.Algorithm); err != nil {
			return err
		}
	}
	s.root = pub
	s.cache.Purge()
	return nil
}

// SetProductKey configures the product key from its file form. The product
// key also keys the encrypted transport.
func (s *Session) SetProductKey(raw []byte) error {
	pk, err := license.ParseProductKey(raw)
	if err != nil {
		return err
	}
	if pk.Alg != "" && pk.Alg != s.cfg.Algorithm {
		return &license.ChainError{Kind: license.KindAlgorithmMismatch, Field: "product_key",
			Expected: string(s.cfg.Algorithm), Actual: string(pk.Alg)}
	}
	codec, err := license.NewProductCodec(pk.PublicKeyPEM)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.root != nil {
		if err := license.VerifyProductKey(pk, s.root, s.cfg.Algorithm); err != nil {
			return err
		}
	}
	s.product = pk
	s.codec = codec
	s.cache.Purge()
	return nil
}

func (s *Session) anchor() (license.Anchor, error) {
	if s.root == nil && s.product == nil {
		return license.Anchor{}, ErrNoRootKey
	}
	return license.Anchor{Root: s.root, Product: s.product}, nil
}

// verify checks the trust chain and the carried ledger of t.
func (s *Session) verify(t *license.Token) (*license.VerifiedToken, error) {
	anchor, err := s.anchor()
	if err != nil {
		return nil, err
	}
	v, err := s.verifier.VerifyChain(t, anchor, s.cfg.Algorithm)
	if err == nil {
		err = ledger.VerifyToken(t)
	}
	if err == nil {
		err = s.checkEnvironment(t)
	}
	s.observeVerification(err)
	if err != nil {
		return nil, err
	}
	return v, nil
}

// checkEnvironment applies the environment policy to a token pinned to a
// host environment. Under the warn policy a mismatch is logged and counted
// but not returned.
func (s *Session) checkEnvironment(t *license.Token) error {
	if s.cfg.EnvironmentPolicy == license.EnvironmentIgnore {
		return nil
	}
	err := license.CheckEnvironment(t, s.cfg.EnvironmentHash)
	if err == nil || s.cfg.EnvironmentPolicy == license.EnvironmentEnforce {
		return err
	}
	s.logger.Warn().Str("token_id", t.TokenID).Msg("token was issued for a different host environment")
	if s.observer != nil {
		s.observer.RecordVerification("environment_mismatch")
	}
	return nil
}

func (s *Session) observeVerification(err error) {
	if s.observer == nil {
		return
	}
	var ce *license.ChainError
	var le *ledger.Error
	switch {
	case err == nil:
		s.observer.RecordVerification("ok")
	case errors.As(err, &ce):
		s.observer.RecordVerification(string(ce.Class()))
	case errors.As(err, &le):
		s.observer.RecordVerification("ledger_" + string(le.Kind))
	default:
		s.observer.RecordVerification("error")
	}
}

// Import decodes and verifies input, then attaches it as the current token.
// When this device already persisted a revision of the same token, the
// revision with the higher state_index wins, then the newer issue_time, then
// the imported one.
func (s *Session) Import(ctx context.Context, input []byte) (*license.VerifiedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	tok, err := s.codec.Decode(input)
	if err != nil {
		return nil, err
	}
	v, err := s.verify(tok)
	if err != nil {
		return nil, err
	}

	ls, err := s.openStore(ctx, tok.LicenseCode)
	if err != nil {
		return nil, err
	}
	v, err = s.importInto(ctx, ls, tok, v)
	if err != nil {
		s.release(ls)
		return nil, err
	}
	return v, nil
}

func (s *Session) importInto(ctx context.Context, ls *store.LicenseStore, tok *license.Token, v *license.VerifiedToken) (*license.VerifiedToken, error) {
	if err := ls.SaveGenesis(tok); err != nil {
		return nil, fmt.Errorf("save genesis token: %w", err)
	}

	chosen := v
	persist := true
	prev, err := ls.LatestToken(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return nil, err
	case prev.TokenID == tok.TokenID:
		if sameRevision(prev, tok) {
			persist = false
		} else if prefersPersisted(prev, tok) {
			pv, verr := s.verify(prev)
			if verr != nil {
				s.logger.Warn().Err(verr).Msg("persisted revision does not verify, using imported token")
			} else {
				chosen, persist = pv, false
				s.logger.Info().
					Uint64("persisted_state_index", prev.StateIndex).
					Uint64("imported_state_index", tok.StateIndex).
					Msg("persisted revision is newer than imported token")
			}
		}
	}

	if persist {
		if err := ls.ReplaceChain(ctx, chosen.Token()); err != nil {
			return nil, fmt.Errorf("persist imported token: %w", err)
		}
	}
	if err := s.attach(ls, chosen); err != nil {
		return nil, err
	}

	t := chosen.Token()
	s.logger.Info().
		Str("token_id", t.TokenID).
		Str("license_code", t.LicenseCode).
		Uint64("state_index", t.StateIndex).
		Msg("token imported")
	return chosen, nil
}

func prefersPersisted(persisted, imported *license.Token) bool {
	if persisted.StateIndex != imported.StateIndex {
		return persisted.StateIndex > imported.StateIndex
	}
	return persisted.IssueTime > imported.IssueTime
}

func sameRevision(a, b *license.Token) bool {
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(ja, jb)
}

// Load attaches the persisted revision of licenseCode. An empty code loads
// the only stored license.
func (s *Session) Load(ctx context.Context, licenseCode string) (*license.VerifiedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	if licenseCode == "" {
		codes, err := s.store.Licenses()
		if err != nil {
			return nil, err
		}
		switch len(codes) {
		case 0:
			return nil, ErrNoToken
		case 1:
			licenseCode = codes[0]
		default:
			return nil, fmt.Errorf("%d licenses stored, choose one of %v", len(codes), codes)
		}
	}

	ls, err := s.openStore(ctx, licenseCode)
	if err != nil {
		return nil, err
	}
	v, err := s.loadFrom(ctx, ls)
	if err != nil {
		s.release(ls)
		return nil, fmt.Errorf("license %s: %w", licenseCode, err)
	}
	return v, nil
}

func (s *Session) loadFrom(ctx context.Context, ls *store.LicenseStore) (*license.VerifiedToken, error) {
	tok, err := ls.LatestToken(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, err
	}
	v, err := s.verify(tok)
	if err != nil {
		return nil, err
	}
	if err := s.attach(ls, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *Session) openStore(ctx context.Context, licenseCode string) (*store.LicenseStore, error) {
	if s.active != nil && s.active.ls.Dir() == s.licenseDir(licenseCode) {
		return s.active.ls, nil
	}
	return s.store.Open(ctx, licenseCode)
}

func (s *Session) licenseDir(licenseCode string) string {
	return filepath.Join(s.store.Root(), licenseCode)
}

// release closes ls unless it belongs to the attached license.
func (s *Session) release(ls *store.LicenseStore) {
	if s.active != nil && s.active.ls == ls {
		return
	}
	if err := ls.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close license store")
	}
}

// attach makes v the current token, building its device identity, elector,
// activation machine and ledger.
func (s *Session) attach(ls *store.LicenseStore, v *license.VerifiedToken) error {
	if s.observer != nil {
		s.observer.SetStateIndex(v.Token().StateIndex)
	}
	if s.active != nil && s.active.ls == ls {
		if err := s.active.ledger.Replace(v); err == nil {
			return nil
		}
	}

	tok := v.Token()
	identity, err := device.LoadOrCreate(ls, s.deviceID, tok.Alg)
	if err != nil {
		return err
	}

	electorOpts := []election.Option{election.WithStartup(s.startup)}
	ledgerOpts := []ledger.Option{ledger.WithClock(s.now)}
	if s.observer != nil {
		electorOpts = append(electorOpts, election.WithObserver(s.observer))
		ledgerOpts = append(ledgerOpts, ledger.WithObserver(s.observer))
	}
	elector := election.New(s.deviceID, s.transport, s.cfg.Election, s.logger, electorOpts...)
	machine := activation.New(identity, elector, ls, s.logger, activation.WithClock(s.now))
	ledgerOpts = append(ledgerOpts, ledger.WithGate(machine.IsCoordinator))

	led, err := ledger.New(v, identity, ls, s.logger, ledgerOpts...)
	if err != nil {
		return err
	}

	if s.active != nil && s.active.ls != ls {
		if err := s.active.ls.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to close previous license store")
		}
	}
	s.active = &loaded{ls: ls, identity: identity, elector: elector, machine: machine, ledger: led}
	return nil
}

func (s *Session) current() (*loaded, error) {
	if s.closed {
		return nil, ErrClosed
	}
	if s.active == nil {
		return nil, ErrNoToken
	}
	return s.active, nil
}

// Token returns the current verified token.
func (s *Session) Token() (*license.VerifiedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.current()
	if err != nil {
		return nil, err
	}
	return cur.ledger.Token(), nil
}

// Verify re-runs the full offline verification of the current token,
// bypassing the verification cache.
func (s *Session) Verify() (*license.VerifiedToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.current()
	if err != nil {
		return nil, err
	}

	s.cache.Purge()
	tok := cur.ledger.Token().Token()
	v, err := s.verify(tok)
	if err != nil {
		return nil, err
	}
	if err := cur.ls.MarkVerified(s.now()); err != nil {
		s.logger.Warn().Err(err).Msg("failed to record verification time")
	}
	return v, nil
}

// Activate binds the current token to this device. Activations are
// serialized, but the session lock is not held during the election so
// Status and Export stay responsive.
func (s *Session) Activate(ctx context.Context) (*activation.Outcome, error) {
	s.activateMu.Lock()
	defer s.activateMu.Unlock()

	s.mu.Lock()
	cur, err := s.current()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out, err := cur.machine.Activate(ctx, cur.ledger.Token())
	if err != nil {
		return nil, err
	}
	if err := cur.ledger.Replace(out.Token); err != nil {
		return nil, err
	}
	return out, nil
}

// Rebind restores the Coordinator role for a token activated on this device.
func (s *Session) Rebind(ctx context.Context) (*activation.VerificationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.current()
	if err != nil {
		return nil, err
	}
	return cur.machine.Rebind(ctx, cur.ledger.Token())
}

// RecordUsage appends a usage record signed by this device.
func (s *Session) RecordUsage(ctx context.Context, action string, params map[string]string) (ledger.Record, error) {
	s.mu.Lock()
	cur, err := s.current()
	s.mu.Unlock()
	if err != nil {
		return ledger.Record{}, err
	}
	if action == "" {
		return ledger.Record{}, errors.New("action is required")
	}
	return cur.ledger.Append(ctx, s.deviceID, action, params)
}

// Status returns a read-only snapshot of the current token.
func (s *Session) Status() license.StatusSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.current()
	if err != nil {
		return license.StatusSnapshot{}
	}
	tok := cur.ledger.Token().Token()
	st := license.NewStatusSnapshot(tok, s.deviceID)
	st.Role = cur.machine.Role().String()
	st.Expired = tok.IsExpired(s.now())
	st.EnvironmentMismatch = s.cfg.EnvironmentPolicy != license.EnvironmentIgnore &&
		license.CheckEnvironment(tok, s.cfg.EnvironmentHash) != nil
	return st
}

// Export encodes the current token. Plain exports are for inspection; peers
// receive the encrypted transport form.
func (s *Session) Export(mode license.Mode) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.current()
	if err != nil {
		return nil, err
	}
	v := cur.ledger.Token()
	if mode == license.EncryptedTransport {
		return s.codec.Export(v)
	}
	tok, err := license.Require(v)
	if err != nil {
		return nil, err
	}
	return s.codec.Encode(tok, mode)
}

// VerifyLedger replays the usage ledger of the current token.
func (s *Session) VerifyLedger() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.current()
	if err != nil {
		return err
	}
	return cur.ledger.Verify()
}

// Role returns the local runtime role for the current token.
func (s *Session) Role() election.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return election.StateIdle
	}
	return s.active.machine.Role()
}

// HoldsToken reports whether tokenID is the current token and bound here.
func (s *Session) HoldsToken(tokenID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return false
	}
	tok := s.active.ledger.Token().Token()
	return tok.TokenID == tokenID && tok.HolderDeviceID == s.deviceID
}

// Respond answers discovery announcements for the token this device holds
// until ctx is done.
func (s *Session) Respond(ctx context.Context) error {
	s.mu.Lock()
	cur, err := s.current()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return cur.elector.Respond(ctx, s.HoldsToken)
}

// Announce broadcasts holder presence for the current token if it is bound here.
func (s *Session) Announce(ctx context.Context) error {
	s.mu.Lock()
	cur, err := s.current()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	tok := cur.ledger.Token().Token()
	if tok.HolderDeviceID != s.deviceID {
		return nil
	}
	return cur.elector.Announce(ctx, tok.TokenID)
}

// Close releases the store and the discovery transport.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	if s.active != nil {
		errs = append(errs, s.active.ls.Close())
		s.active = nil
	}
	if s.transport != nil {
		errs = append(errs, s.transport.Close())
	}
	return errors.Join(errs...)
}
