package election

import "fmt"

// ErrorKind is the stable kind of an election Error.
type ErrorKind string

// Election error kinds.
const (
	KindElectionTimeout  ErrorKind = "ElectionTimeout"
	KindElectionConflict ErrorKind = "ElectionConflict"
)

// Error reports an election that did not reach a stable role.
type Error struct {
	Kind     ErrorKind
	DeviceID string
	Err      error
}

// Sentinel election errors for use with errors.Is.
var (
	ErrElectionTimeout  = &Error{Kind: KindElectionTimeout}
	ErrElectionConflict = &Error{Kind: KindElectionConflict}
)

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindElectionTimeout:
		msg = "election did not finish before the deadline"
	case KindElectionConflict:
		msg = "conflicting coordinator claims"
		if e.DeviceID != "" {
			msg += fmt.Sprintf(": identical identity %q", e.DeviceID)
		}
	default:
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any election Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
