package activation

import "fmt"

// ErrorKind is the stable kind of an activation Error.
type ErrorKind string

// Activation error kinds.
const (
	KindAlreadyBoundElsewhere ErrorKind = "AlreadyBoundElsewhere"
	KindElectionFailed        ErrorKind = "ElectionFailed"
)

// Error reports an activation that could not bind the token to this device.
// Holder is the device the token is bound to, when known.
type Error struct {
	Kind   ErrorKind
	Holder string
	Err    error
}

// Sentinel activation errors for use with errors.Is.
var (
	ErrAlreadyBoundElsewhere = &Error{Kind: KindAlreadyBoundElsewhere}
	ErrElectionFailed        = &Error{Kind: KindElectionFailed}
)

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindAlreadyBoundElsewhere:
		if e.Holder == "" {
			msg = "token is not bound to this device"
		} else {
			msg = fmt.Sprintf("token is bound to device %q", e.Holder)
		}
	case KindElectionFailed:
		msg = "device election failed"
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

// Is matches any activation Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
