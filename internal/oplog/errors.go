package oplog

import (
	"errors"
	"fmt"
)

// Error is a typed log failure.
//
// Validation and authorization failures reject one entry and never abort
// the surrounding operation. Storage failures abort the operation that
// triggered them.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Hash identifies the affected entry, when there is one.
	Hash string

	// Err is the underlying cause.
	Err error
}

// ErrorCode categorizes log errors.
type ErrorCode string

const (
	// ErrCodePermissionDenied indicates the signer lacks the needed capability.
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// ErrCodeMalformedPayload indicates the entry violates structural or record-type rules.
	ErrCodeMalformedPayload ErrorCode = "MALFORMED_PAYLOAD"

	// ErrCodeSignatureInvalid indicates the signature does not verify.
	ErrCodeSignatureInvalid ErrorCode = "SIGNATURE_INVALID"

	// ErrCodeMissingAncestor indicates parents could not be resolved.
	ErrCodeMissingAncestor ErrorCode = "MISSING_ANCESTOR"

	// ErrCodeBlockStoreUnavailable indicates local storage I/O failed.
	ErrCodeBlockStoreUnavailable ErrorCode = "BLOCKSTORE_UNAVAILABLE"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Hash != "" {
		msg += fmt.Sprintf(" (entry=%s)", short(e.Hash))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code ErrorCode, hash string, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Hash: hash, Err: cause}
}

func codeOf(err error) (ErrorCode, bool) {
	var le *Error
	if errors.As(err, &le) {
		return le.Code, true
	}
	return "", false
}

// IsPermissionDenied reports whether err is an authorization failure.
// An invalid signature counts as one.
func IsPermissionDenied(err error) bool {
	code, ok := codeOf(err)
	return ok && (code == ErrCodePermissionDenied || code == ErrCodeSignatureInvalid)
}

// IsSignatureInvalid reports whether err is a signature failure.
func IsSignatureInvalid(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeSignatureInvalid
}

// IsMalformed reports whether err is a malformed-payload failure.
func IsMalformed(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeMalformedPayload
}

// IsMissingAncestor reports whether err is an unresolved-ancestor failure.
func IsMissingAncestor(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeMissingAncestor
}

// IsBlockStoreUnavailable reports whether err is a local storage failure.
func IsBlockStoreUnavailable(err error) bool {
	code, ok := codeOf(err)
	return ok && code == ErrCodeBlockStoreUnavailable
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
