package ledger

import "fmt"

// ValidationError covers a structurally or semantically invalid
// transaction: bad action, zero amount, unknown address, bad nonce,
// insufficient balance/stake, oversized memo, amount+fee overflow.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return e.Msg }

// SignatureError covers a failure in signature verification: missing key,
// bad encoding, mismatched address, failed cryptographic check.
type SignatureError struct{ Msg string }

func (e *SignatureError) Error() string { return e.Msg }

// LinkageError covers a block whose index or previous-hash does not chain
// onto the local tip.
type LinkageError struct{ Msg string }

func (e *LinkageError) Error() string { return e.Msg }

// HashMismatchError covers a received block whose recomputed hash does not
// equal its claimed hash.
type HashMismatchError struct{ Msg string }

func (e *HashMismatchError) Error() string { return e.Msg }

func validationErrorf(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}
