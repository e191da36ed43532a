package ledger

import "fmt"

// ErrorKind is the stable kind of a ledger Error.
type ErrorKind string

// Ledger error kinds.
const (
	KindNotActivated     ErrorKind = "NotActivated"
	KindHashMismatch     ErrorKind = "HashMismatch"
	KindSignatureInvalid ErrorKind = "SignatureInvalid"
	KindSequenceGap      ErrorKind = "SequenceGap"
)

// Error reports a ledger append or verification failure. For verification
// failures Seq is the first poisoned record and Position its offset in the
// verified slice.
type Error struct {
	Kind     ErrorKind
	Seq      uint64
	Position int
	Holder   string
	Err      error
}

// Sentinel ledger errors for use with errors.Is.
var (
	ErrNotActivated     = &Error{Kind: KindNotActivated}
	ErrHashMismatch     = &Error{Kind: KindHashMismatch}
	ErrSignatureInvalid = &Error{Kind: KindSignatureInvalid}
	ErrSequenceGap      = &Error{Kind: KindSequenceGap}
)

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindNotActivated:
		msg = "token is not activated on this device"
		if e.Holder != "" {
			msg += fmt.Sprintf(" (holder %q)", e.Holder)
		}
	case KindHashMismatch:
		msg = fmt.Sprintf("hash_prev mismatch at seq %d", e.Seq)
	case KindSignatureInvalid:
		msg = fmt.Sprintf("invalid record signature at seq %d", e.Seq)
	case KindSequenceGap:
		msg = fmt.Sprintf("sequence gap at seq %d", e.Seq)
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

// Is matches any ledger Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}
