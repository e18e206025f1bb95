package auth

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a machine-readable failure code.
type Kind string

const (
	KindUnknown            Kind = "UNKNOWN"
	KindNoSuchUser         Kind = "NO_SUCH_USER"
	KindInvalidCredentials Kind = "INVALID_CREDENTIALS"
	KindAccountLocked      Kind = "ACCOUNT_LOCKED"
	KindUsernameTaken      Kind = "USERNAME_TAKEN"
	KindTokenExpired       Kind = "TOKEN_EXPIRED"
	KindTokenMalformed     Kind = "TOKEN_MALFORMED"
	KindSignatureInvalid   Kind = "SIGNATURE_INVALID"
	KindPasswordChanged    Kind = "PASSWORD_CHANGED"
	KindSessionRevoked     Kind = "SESSION_REVOKED"
	KindHashingFailure     Kind = "HASHING_FAILURE"
	KindStoreUnavailable   Kind = "STORE_UNAVAILABLE"
	KindInvalidInput       Kind = "INVALID_INPUT"
)

// Error carries a Kind and, optionally, the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so wrapped causes still compare
// equal to the sentinels below.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrNoSuchUser         = &Error{Kind: KindNoSuchUser}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials}
	ErrAccountLocked      = &Error{Kind: KindAccountLocked}
	ErrUsernameTaken      = &Error{Kind: KindUsernameTaken}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired}
	ErrTokenMalformed     = &Error{Kind: KindTokenMalformed}
	ErrSignatureInvalid   = &Error{Kind: KindSignatureInvalid}
	ErrPasswordChanged    = &Error{Kind: KindPasswordChanged}
	ErrSessionRevoked     = &Error{Kind: KindSessionRevoked}
	ErrHashingFailure     = &Error{Kind: KindHashingFailure}
	ErrStoreUnavailable   = &Error{Kind: KindStoreUnavailable}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput}
)

// ErrLoginLocked is returned while an account lock is active.
type ErrLoginLocked struct {
	Until time.Time
}

func (e ErrLoginLocked) Error() string {
	return "login temporarily locked"
}

func (e ErrLoginLocked) Is(target error) bool {
	return target == ErrAccountLocked
}

// KindOf classifies err. A nil error has an empty Kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var locked ErrLoginLocked
	if errors.As(err, &locked) {
		return KindAccountLocked
	}
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr.Kind
	}
	return KindUnknown
}

func storeError(op string, err error) error {
	return &Error{Kind: KindStoreUnavailable, Err: fmt.Errorf("%s: %w", op, err)}
}

func tokenError(kind Kind, err error) error {
	return &Error{Kind: kind, Err: err}
}
