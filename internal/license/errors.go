package license

import (
	"fmt"
	"strings"
)

// ChainErrorKind is the stable, machine-checkable kind of a ChainError.
type ChainErrorKind string

// Chain error kinds.
const (
	KindAlgorithmMismatch       ChainErrorKind = "AlgorithmMismatch"
	KindMissingField            ChainErrorKind = "MissingField"
	KindRootSignatureInvalid    ChainErrorKind = "RootSignatureInvalid"
	KindProductSignatureInvalid ChainErrorKind = "ProductSignatureInvalid"
	KindTokenSignatureInvalid   ChainErrorKind = "TokenSignatureInvalid"
	KindBindingSignatureInvalid ChainErrorKind = "BindingSignatureInvalid"
	KindExpired                 ChainErrorKind = "Expired"
	KindNotVerified             ChainErrorKind = "NotVerified"
	KindEnvironmentMismatch     ChainErrorKind = "EnvironmentMismatch"
)

// FailureClass groups chain error kinds by the remediation a caller takes.
type FailureClass string

const (
	ClassSignatureInvalid FailureClass = "signature_invalid"
	ClassChainIncomplete  FailureClass = "chain_incomplete"
	ClassExpired          FailureClass = "expired"
	ClassMismatch         FailureClass = "mismatch"
)

// ChainError reports a failure to establish or use the trust chain of a token.
type ChainError struct {
	Kind     ChainErrorKind
	Field    string
	Expected string
	Actual   string
	Err      error
}

// Sentinel chain errors for use with errors.Is.
var (
	ErrAlgorithmMismatch       = &ChainError{Kind: KindAlgorithmMismatch}
	ErrMissingField            = &ChainError{Kind: KindMissingField}
	ErrRootSignatureInvalid    = &ChainError{Kind: KindRootSignatureInvalid}
	ErrProductSignatureInvalid = &ChainError{Kind: KindProductSignatureInvalid}
	ErrTokenSignatureInvalid   = &ChainError{Kind: KindTokenSignatureInvalid}
	ErrBindingSignatureInvalid = &ChainError{Kind: KindBindingSignatureInvalid}
	ErrExpired                 = &ChainError{Kind: KindExpired}
	ErrNotVerified             = &ChainError{Kind: KindNotVerified}
	ErrEnvironmentMismatch     = &ChainError{Kind: KindEnvironmentMismatch}
)

func (e *ChainError) Error() string {
	var b strings.Builder
	switch e.Kind {
	case KindAlgorithmMismatch:
		fmt.Fprintf(&b, "algorithm mismatch: expected %q, token uses %q", e.Expected, e.Actual)
	case KindMissingField:
		fmt.Fprintf(&b, "chain incomplete: missing field %q", e.Field)
	case KindRootSignatureInvalid:
		b.WriteString("root signature does not verify the license public key")
	case KindProductSignatureInvalid:
		b.WriteString("root signature does not verify the product public key")
	case KindTokenSignatureInvalid:
		b.WriteString("token signature does not verify under the license public key")
	case KindBindingSignatureInvalid:
		b.WriteString("device binding signature is invalid")
		if e.Field != "" {
			fmt.Fprintf(&b, " for %s", e.Field)
		}
	case KindExpired:
		b.WriteString("token has expired")
		if e.Actual != "" {
			fmt.Fprintf(&b, " at %s", e.Actual)
		}
	case KindNotVerified:
		b.WriteString("token has not been chain-verified")
	case KindEnvironmentMismatch:
		b.WriteString("token was issued for a different host environment")
	default:
		b.WriteString(string(e.Kind))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ChainError) Unwrap() error {
	return e.Err
}

// Is matches any ChainError of the same kind.
func (e *ChainError) Is(target error) bool {
	t, ok := target.(*ChainError)
	return ok && t.Kind == e.Kind
}

// Class returns the failure class of the error.
func (e *ChainError) Class() FailureClass {
	switch e.Kind {
	case KindMissingField:
		return ClassChainIncomplete
	case KindExpired:
		return ClassExpired
	case KindAlgorithmMismatch, KindNotVerified, KindEnvironmentMismatch:
		return ClassMismatch
	default:
		return ClassSignatureInvalid
	}
}

// DecodeErrorKind is the stable kind of a DecodeError.
type DecodeErrorKind string

// Decode error kinds.
const (
	KindMalformedInput   DecodeErrorKind = "MalformedInput"
	KindDecryptionFailed DecodeErrorKind = "DecryptionFailed"
	KindNoDecryptionKey  DecodeErrorKind = "NoDecryptionKey"
)

// DecodeError reports a failure to decode a token from its plain or encrypted form.
type DecodeError struct {
	Kind  DecodeErrorKind
	Field string
	Err   error
}

// Sentinel decode errors for use with errors.Is.
var (
	ErrMalformedInput   = &DecodeError{Kind: KindMalformedInput}
	ErrDecryptionFailed = &DecodeError{Kind: KindDecryptionFailed}
	ErrNoDecryptionKey  = &DecodeError{Kind: KindNoDecryptionKey}
)

func (e *DecodeError) Error() string {
	var msg string
	switch e.Kind {
	case KindMalformedInput:
		msg = "malformed token input"
		if e.Field != "" {
			msg += fmt.Sprintf(" (%s)", e.Field)
		}
	case KindDecryptionFailed:
		msg = "failed to decrypt transport token"
	case KindNoDecryptionKey:
		msg = "token is encrypted but no product key is configured"
	default:
		msg = string(e.Kind)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is matches any DecodeError of the same kind.
func (e *DecodeError) Is(target error) bool {
	t, ok := target.(*DecodeError)
	return ok && t.Kind == e.Kind
}
