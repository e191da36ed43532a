package election

import "sort"

// Peer is the identity of a device taking part in discovery.
type Peer struct {
	DeviceID string `json:"device_id"`
	// Startup is the session start in Unix nanoseconds; earlier wins ties.
	Startup int64 `json:"startup"`
	// Holder is set by the device currently bound to the token.
	Holder      bool   `json:"holder"`
	SessionAddr string `json:"session_addr,omitempty"`
}

// Outranks reports whether p wins an election against o. The current holder
// wins first, then the highest device ID, then the earliest startup.
func (p Peer) Outranks(o Peer) bool {
	if p.Holder != o.Holder {
		return p.Holder
	}
	if p.DeviceID != o.DeviceID {
		return p.DeviceID > o.DeviceID
	}
	return p.Startup < o.Startup
}

// SameIdentity reports whether two peers cannot be told apart by the tie-break.
func (p Peer) SameIdentity(o Peer) bool {
	return p.DeviceID == o.DeviceID && p.Startup == o.Startup && p.Holder == o.Holder
}

// PeerSet holds discovered peers, deduplicated by device ID.
type PeerSet map[string]Peer

// Add records p. Repeated responses from one device collapse into a single
// entry that does not depend on arrival order.
func (s PeerSet) Add(p Peer) {
	cur, ok := s[p.DeviceID]
	if !ok {
		s[p.DeviceID] = p
		return
	}
	if p.Holder {
		cur.Holder = true
	}
	if p.Startup < cur.Startup {
		cur.Startup = p.Startup
	}
	if cur.SessionAddr == "" {
		cur.SessionAddr = p.SessionAddr
	}
	s[p.DeviceID] = cur
}

// IDs returns the device IDs in the set, sorted.
func (s PeerSet) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Winner returns the coordinator among self and peers. It fails with
// ElectionConflict if a peer cannot be ranked against self.
func Winner(self Peer, peers PeerSet) (Peer, error) {
	winner := self
	for _, id := range peers.IDs() {
		p := peers[id]
		if p.SameIdentity(self) {
			return Peer{}, &Error{Kind: KindElectionConflict, DeviceID: p.DeviceID}
		}
		if p.Outranks(winner) {
			winner = p
		}
	}
	return winner, nil
}
