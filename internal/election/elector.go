// Package election decides, through LAN discovery and a deterministic
// election, which single device may hold an activated token.
package election

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Defaults for discovery and election timing.
const (
	DefaultDiscoveryTimeout = 3 * time.Second
	DefaultElectionDeadline = 10 * time.Second
)

// Config holds elector timing and addressing.
type Config struct {
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
	ElectionDeadline time.Duration `yaml:"election_deadline"`
	SessionPort      int           `yaml:"session_port"`
}

// DefaultConfig returns the default elector configuration.
func DefaultConfig() Config {
	return Config{
		DiscoveryTimeout: DefaultDiscoveryTimeout,
		ElectionDeadline: DefaultElectionDeadline,
		SessionPort:      8889,
	}
}

// Observer receives election outcomes, typically for metrics.
type Observer interface {
	ObserveElection(result string, peers int, duration time.Duration)
}

// Option configures an Elector.
type Option func(*Elector)

// WithObserver sets the observer notified of election outcomes.
func WithObserver(o Observer) Option {
	return func(e *Elector) {
		e.observer = o
	}
}

// WithStartup overrides the startup timestamp used for tie-breaks.
func WithStartup(t time.Time) Option {
	return func(e *Elector) {
		e.self.Startup = t.UnixNano()
	}
}

// Elector runs discovery and election for the local device.
type Elector struct {
	mu        sync.RWMutex
	state     State
	self      Peer
	nonce     string
	transport Transport
	cfg       Config
	observer  Observer
	logger    zerolog.Logger
}

// New creates an Elector for deviceID communicating over transport.
func New(deviceID string, transport Transport, cfg Config, logger zerolog.Logger, opts ...Option) *Elector {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = DefaultDiscoveryTimeout
	}
	if cfg.ElectionDeadline <= 0 {
		cfg.ElectionDeadline = DefaultElectionDeadline
	}
	e := &Elector{
		state:     StateIdle,
		self:      Peer{DeviceID: deviceID, Startup: time.Now().UnixNano()},
		nonce:     uuid.NewString(),
		transport: transport,
		cfg:       cfg,
		logger:    logger.With().Str("component", "device_elector").Str("device_id", deviceID).Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// State returns the current state.
func (e *Elector) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Self returns the local peer identity.
func (e *Elector) Self() Peer {
	return e.self
}

// Config returns the elector configuration.
func (e *Elector) Config() Config {
	return e.cfg
}

func (e *Elector) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("state transition")
	}
}

// Reset returns the elector to Idle so a new activation attempt can start.
func (e *Elector) Reset() {
	e.setState(StateIdle)
}

func (e *Elector) message(typ MessageType, tokenID string, holder bool) Message {
	return Message{
		Protocol:    Protocol,
		Version:     ProtocolVersion,
		Type:        typ,
		TokenID:     tokenID,
		DeviceID:    e.self.DeviceID,
		Startup:     e.self.Startup,
		Holder:      holder,
		SessionPort: e.cfg.SessionPort,
		Nonce:       e.nonce,
	}
}

func peerFromMessage(msg Message) Peer {
	p := Peer{DeviceID: msg.DeviceID, Startup: msg.Startup, Holder: msg.Holder}
	if msg.SessionPort > 0 && msg.From != "" {
		if host, _, err := net.SplitHostPort(msg.From); err == nil {
			p.SessionAddr = net.JoinHostPort(host, strconv.Itoa(msg.SessionPort))
		}
	}
	return p
}

// DiscoverPeers announces the local device for tokenID and collects the
// peers that answer within timeout. It always waits for the whole timeout.
// On cancellation the elector returns to Idle.
func (e *Elector) DiscoverPeers(ctx context.Context, tokenID string, timeout time.Duration) (PeerSet, error) {
	e.setState(StateDiscovering)

	if err := e.transport.Broadcast(ctx, e.message(MessageAnnounce, tokenID, false)); err != nil {
		e.Reset()
		return nil, fmt.Errorf("announce presence: %w", err)
	}

	window, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	peers := make(PeerSet)
	for {
		msg, err := e.transport.Receive(window)
		if err != nil {
			if ctx.Err() != nil {
				e.Reset()
				return nil, ctx.Err()
			}
			if window.Err() != nil {
				e.logger.Debug().Int("peers", len(peers)).Msg("discovery window closed")
				return peers, nil
			}
			e.Reset()
			return nil, fmt.Errorf("receive discovery message: %w", err)
		}

		if msg.TokenID != tokenID || msg.DeviceID == "" || msg.Nonce == e.nonce {
			continue
		}

		switch msg.Type {
		case MessageAnnounce:
			// Answer so that devices discovering at the same time see us.
			if err := e.transport.Broadcast(window, e.message(MessageResponse, tokenID, false)); err != nil {
				e.logger.Warn().Err(err).Msg("failed to answer announcement")
			}
		case MessageResponse, MessageClaim:
		default:
			continue
		}
		peers.Add(peerFromMessage(msg))
	}
}

// Elect ranks the local device against peers and moves to Coordinator or
// Follower. A Coordinator announces its claim on a best-effort basis.
func (e *Elector) Elect(ctx context.Context, tokenID string, peers PeerSet) (State, error) {
	e.setState(StateElecting)
	if err := ctx.Err(); err != nil {
		e.Reset()
		return StateIdle, err
	}

	winner, err := Winner(e.self, peers)
	if err != nil {
		e.Reset()
		return StateIdle, err
	}

	if winner.DeviceID == e.self.DeviceID && winner.Startup == e.self.Startup {
		if err := e.transport.Broadcast(ctx, e.message(MessageClaim, tokenID, false)); err != nil {
			e.logger.Warn().Err(err).Msg("failed to broadcast coordinator claim")
		}
		e.setState(StateCoordinator)
		return StateCoordinator, nil
	}

	e.logger.Info().Str("coordinator", winner.DeviceID).Msg("another device won the election")
	e.setState(StateFollower)
	return StateFollower, nil
}

// Run performs one discovery and election for tokenID within the election
// deadline. Exceeding it fails with ElectionTimeout; caller cancellation
// returns the context error. Both leave the elector Idle.
func (e *Elector) Run(ctx context.Context, tokenID string) (State, error) {
	start := time.Now()
	deadlineCtx, cancel := context.WithTimeout(ctx, e.cfg.ElectionDeadline)
	defer cancel()

	state, peerCount, err := e.run(deadlineCtx, tokenID)
	if err != nil {
		e.Reset()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &Error{Kind: KindElectionTimeout, Err: fmt.Errorf("deadline %s exceeded", e.cfg.ElectionDeadline)}
		} else if ctx.Err() != nil {
			err = ctx.Err()
		}
	}

	if e.observer != nil {
		e.observer.ObserveElection(resultLabel(state, err), peerCount, time.Since(start))
	}

	if err != nil {
		e.logger.Warn().Err(err).Str("token_id", tokenID).Msg("election failed")
		return StateIdle, err
	}
	e.logger.Info().
		Str("token_id", tokenID).
		Str("role", state.String()).
		Int("peers", peerCount).
		Dur("elapsed", time.Since(start)).
		Msg("election finished")
	return state, nil
}

func (e *Elector) run(ctx context.Context, tokenID string) (State, int, error) {
	peers, err := e.DiscoverPeers(ctx, tokenID, e.cfg.DiscoveryTimeout)
	if err != nil {
		return StateIdle, 0, err
	}
	state, err := e.Elect(ctx, tokenID, peers)
	return state, len(peers), err
}

func resultLabel(state State, err error) string {
	var ee *Error
	switch {
	case err == nil:
		return state.String()
	case errors.As(err, &ee):
		return string(ee.Kind)
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// Respond answers announcements for tokens this device holds until ctx is
// done, so newcomers see the current holder. holds reports whether the local
// device is bound to a token.
func (e *Elector) Respond(ctx context.Context, holds func(tokenID string) bool) error {
	for {
		msg, err := e.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if msg.Type != MessageAnnounce || msg.Nonce == e.nonce || !holds(msg.TokenID) {
			continue
		}
		if err := e.transport.Broadcast(ctx, e.message(MessageResponse, msg.TokenID, true)); err != nil {
			e.logger.Warn().Err(err).Str("token_id", msg.TokenID).Msg("failed to answer announcement")
			continue
		}
		e.logger.Debug().Str("token_id", msg.TokenID).Str("from", msg.DeviceID).Msg("answered announcement as holder")
	}
}

// Announce broadcasts a holder presence message for tokenID.
func (e *Elector) Announce(ctx context.Context, tokenID string) error {
	return e.transport.Broadcast(ctx, e.message(MessageResponse, tokenID, true))
}
