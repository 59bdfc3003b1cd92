package keybridge

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies failures surfaced by plugins.
type ErrorKind string

const (
	KindValidation      ErrorKind = "validation"
	KindEnvironment     ErrorKind = "environment"
	KindAuthentication  ErrorKind = "authentication"
	KindSecurity        ErrorKind = "security"
	KindTimeout         ErrorKind = "timeout"
	KindAccountConflict ErrorKind = "account_conflict"
)

// Error codes carried by AuthError
const (
	ErrCodeInvalidIdentifier   = "invalid_identifier"
	ErrCodeInvalidSignature    = "invalid_signature"
	ErrCodeProviderUnavailable = "provider_unavailable"
	ErrCodeNotInitialized      = "not_initialized"
	ErrCodeIdentityMismatch    = "identity_mismatch"
	ErrCodeTimeout             = "timeout"
	ErrCodeAccountConflict     = "account_conflict"
	ErrCodeBindFailed          = "bind_failed"
	ErrCodeSignatureFailed     = "signature_failed"
	ErrCodeRateLimited         = "rate_limited"
	ErrCodeNoCredential        = "no_credential"
)

// AuthError is the structured error every plugin operation reports.
type AuthError struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func NewAuthError(kind ErrorKind, code, message string, cause error) *AuthError {
	return &AuthError{Kind: kind, Code: code, Message: message, Err: cause}
}

func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AuthError) Unwrap() error { return e.Err }

// Is matches on Code so sentinels below work with errors.Is regardless of message.
func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Kind == "" || t.Kind == e.Kind)
}

// Sentinels for errors.Is
var (
	ErrInvalidIdentifier   = &AuthError{Kind: KindValidation, Code: ErrCodeInvalidIdentifier, Message: "invalid identifier"}
	ErrProviderUnavailable = &AuthError{Kind: KindEnvironment, Code: ErrCodeProviderUnavailable, Message: "no compatible signer available"}
	ErrNotInitialized      = &AuthError{Kind: KindEnvironment, Code: ErrCodeNotInitialized, Message: "plugin not initialized"}
	ErrIdentityMismatch    = &AuthError{Kind: KindSecurity, Code: ErrCodeIdentityMismatch, Message: "signer identity does not match requested identifier"}
	ErrTimeout             = &AuthError{Kind: KindTimeout, Code: ErrCodeTimeout, Message: "operation timed out"}
	ErrAccountConflict     = &AuthError{Kind: KindAccountConflict, Code: ErrCodeAccountConflict, Message: "account exists but credentials do not authenticate"}
	ErrRateLimited         = &AuthError{Kind: KindAuthentication, Code: ErrCodeRateLimited, Message: "too many attempts"}
)

// KindOf reports the kind of err, defaulting to KindAuthentication for foreign errors.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindAuthentication
}

// ErrUserExists is returned by UserStore.Create for a taken username.
var ErrUserExists = errors.New("user already exists")

// ErrInvalidCredentials is returned by UserStore.Authenticate on a wrong password
// or an unknown username.
var ErrInvalidCredentials = errors.New("invalid credentials")

// IsAlreadyExists reports whether a store error means the account is already there.
// Stores that do not wrap ErrUserExists are matched on their message.
func IsAlreadyExists(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUserExists) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") || strings.Contains(msg, "already created") || strings.Contains(msg, "already registered")
}
