// Package airgap provides air-gapped operation for the dlicense agent.
// Air-gap mode disables every feature that talks to the network. Tokens are
// still imported, verified, activated and recorded fully offline.
package airgap

import (
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/decentrilicense/internal/election"
)

// EnvVar is the environment variable that forces air-gap mode.
const EnvVar = "DLICENSE_AIR_GAP"

// DisabledFeature describes a feature that is disabled in air-gap mode.
type DisabledFeature struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// IsAirGapMode returns true if the environment requests air-gap mode.
func IsAirGapMode() bool {
	val := strings.ToLower(strings.TrimSpace(os.Getenv(EnvVar)))
	return val == "true" || val == "1" || val == "yes"
}

// Enabled returns true if air-gap mode is requested by config or environment.
func Enabled(configured bool) bool {
	return configured || IsAirGapMode()
}

// DisabledFeatures returns the list of features disabled in air-gap mode.
func DisabledFeatures() []DisabledFeature {
	return []DisabledFeature{
		{Name: "lan_discovery", Reason: "Peer discovery broadcasts on the local network"},
		{Name: "peer_sessions", Reason: "The session server accepts connections from peers"},
		{Name: "token_transfer", Reason: "Sending a token to a peer requires a network connection"},
	}
}

// IsFeatureDisabled returns true if the given feature name is disabled in air-gap mode.
func IsFeatureDisabled(enabled bool, feature string) bool {
	if !enabled {
		return false
	}
	for _, f := range DisabledFeatures() {
		if f.Name == feature {
			return true
		}
	}
	return false
}

// DiscoveryTransport returns the LAN transport on port, or a transport that
// never sees peers when air-gap mode is enabled. In that case every election
// ends with the local device as Coordinator once discovery times out. The
// LAN socket is bound on first use.
func DiscoveryTransport(enabled bool, port int, logger zerolog.Logger) election.Transport {
	if IsFeatureDisabled(enabled, "lan_discovery") {
		logger.Info().Msg("air-gap mode: LAN discovery disabled")
		return election.NoopTransport{}
	}
	return election.NewLazyTransport(func() (election.Transport, error) {
		return election.ListenUDP(port, logger)
	})
}
