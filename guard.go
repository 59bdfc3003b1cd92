package keybridge

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/panyam/keybridge/internal/logger"
)

// AuthResult is returned by Login and SignUp. Failures are reported here
// rather than as a Go error so callers can render them directly.
type AuthResult struct {
	Success     bool      `json:"success"`
	IdentityPub string    `json:"identityPub,omitempty"`
	Username    string    `json:"username,omitempty"`
	Method      Method    `json:"method"`
	Error       string    `json:"error,omitempty"`
	Kind        ErrorKind `json:"kind,omitempty"`
	Code        string    `json:"code,omitempty"`

	// Err is the underlying error, for errors.Is checks.
	Err error `json:"-"`
}

type (
	LoginResult  = AuthResult
	SignUpResult = AuthResult
)

// OneshotResult is returned by SetupConsistentOneshotSigning.
type OneshotResult struct {
	Success       bool               `json:"success"`
	Credential    *SigningCredential `json:"credential,omitempty"`
	IdentityPub   string             `json:"identityPub,omitempty"`
	Authenticator AuthenticatorFunc  `json:"-"`
	Consistency   *ConsistencyResult `json:"consistency,omitempty"`
	Error         string             `json:"error,omitempty"`
	Kind          ErrorKind          `json:"kind,omitempty"`
	Err           error              `json:"-"`
}

// FailedResult reports err as a failed AuthResult.
func FailedResult(method Method, err error) *AuthResult {
	res := &AuthResult{Method: method, Error: err.Error(), Kind: KindOf(err), Err: err}
	var ae *AuthError
	if errors.As(err, &ae) {
		res.Code = ae.Code
	}
	return res
}

// FailedOneshot reports err as a failed OneshotResult.
func FailedOneshot(err error) *OneshotResult {
	return &OneshotResult{Error: err.Error(), Kind: KindOf(err), Err: err}
}

// PanicError converts a recovered collaborator panic into an AuthError.
func PanicError(op string, r any) error {
	logger.Log.Error("recovered panic", zap.String("op", op), zap.Any("panic", r), zap.Stack("stack"))
	if err, ok := r.(error); ok {
		return NewAuthError(KindAuthentication, "internal", op+" failed", err)
	}
	return NewAuthError(KindAuthentication, "internal", fmt.Sprintf("%s failed: %v", op, r), nil)
}

// recoverInto turns a panic in the surrounding function into *errp.
func recoverInto(op string, errp *error) {
	if r := recover(); r != nil {
		*errp = PanicError(op, r)
	}
}
