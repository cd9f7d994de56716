package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for the authentication taxonomy. Callers use errors.Is to
// decide between aborting setup (REST failures), degrading to REST-only
// operation (Firebase failures), and asking the user to reconfigure.
var (
	// ErrBadCredentials means the vendor rejected the email/password pair.
	ErrBadCredentials = errors.New("invalid email or password")

	// ErrAccountDisabled means the vendor account exists but is disabled.
	ErrAccountDisabled = errors.New("account disabled")

	// ErrRateLimited means the vendor is throttling login attempts.
	ErrRateLimited = errors.New("too many login attempts")

	// ErrReauthRequired means the stored refresh token is no longer valid
	// and a full sign-in with fresh credentials is needed.
	ErrReauthRequired = errors.New("reauthentication required")

	// ErrTransient marks retryable transport or server-side failures.
	ErrTransient = errors.New("transient authentication failure")

	// ErrMissingIdentity means Firebase sign-in was attempted before the
	// REST login produced a user id.
	ErrMissingIdentity = errors.New("user identity not available")
)

// CredentialError reports a pre-network validation problem with the supplied
// credentials. Field names the offending input so a configuration UI can
// attach the message to the right form field.
type CredentialError struct {
	Field  string
	Reason string
}

func (e *CredentialError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func isTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
