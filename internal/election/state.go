package election

import "fmt"

// State is the device state during one activation session.
type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateElecting
	StateCoordinator
	StateFollower
)

var stateNames = map[State]string{
	StateIdle:        "idle",
	StateDiscovering: "discovering",
	StateElecting:    "electing",
	StateCoordinator: "coordinator",
	StateFollower:    "follower",
}

// String returns the state name.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// IsTerminal returns true for the roles an election ends in.
func (s State) IsTerminal() bool {
	return s == StateCoordinator || s == StateFollower
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if _, ok := stateNames[s]; !ok {
		return nil, fmt.Errorf("unknown state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", text)
}
