package objectstore

import (
	"errors"

	"github.com/aws/smithy-go"
)

// Kind classifies the outcome of a remote object-store call.
type Kind int

const (
	// KindSuccess is a successful call.
	KindSuccess Kind = iota
	// KindNotFound means the remote reports the object is missing. The
	// router still counts this as a success against the circuit breaker
	// (the network worked; the object just wasn't there).
	KindNotFound
	// KindCredentialExpiry means the remote rejected the credentials. This
	// is always fatal to the process; it is never counted against the
	// circuit breaker because restarting the process is the remediation.
	KindCredentialExpiry
	// KindRetryable means a transient network or service error the remote
	// SDK flagged as retryable.
	KindRetryable
	// KindOther is any other remote error.
	KindOther
)

// ErrNotFound is returned by Client methods when the remote object does
// not exist.
var ErrNotFound = errors.New("object not found")

// Classify inspects err (as returned from a Client call) and determines its
// Kind and, where applicable, the status code that should be reflected to
// the HTTP client absent any breaker/offline downgrade.
func Classify(err error) (kind Kind, statusCode int) {
	if err == nil {
		return KindSuccess, 200
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound, 404
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if isCredentialExpiry(apiErr) {
			return KindCredentialExpiry, 500
		}
	}

	var retryable interface{ RetryableError() bool }
	if errors.As(err, &retryable) && retryable.RetryableError() {
		return KindRetryable, 404
	}

	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		code := respErr.HTTPStatusCode()
		if code > 0 {
			return KindOther, code
		}
	}

	return KindOther, 404
}

// isCredentialExpiry recognizes the vendor-specific codes S3 returns when
// the caller's credentials have expired or are otherwise rejected.
func isCredentialExpiry(apiErr smithy.APIError) bool {
	switch apiErr.ErrorCode() {
	case "ExpiredToken", "ExpiredTokenException", "RequestExpired", "InvalidAccessKeyId", "AuthFailure":
		return true
	default:
		return false
	}
}
