package auth

import (
	"regexp"
	"sync"
	"time"
)

// TokenKind selects one of the two credential namespaces the vendor uses.
type TokenKind string

const (
	// TokenREST is the bearer token for the vendor's HTTP API.
	TokenREST TokenKind = "rest"

	// TokenFirebase is the ID token authorizing the realtime socket.
	TokenFirebase TokenKind = "firebase"
)

// ExpiryBuffer is how long before its expiry a token stops being handed out.
const ExpiryBuffer = 5 * time.Minute

// TokenState holds one derived token pair. The zero value means "absent".
type TokenState struct {
	Value        string
	ExpiresAt    time.Time
	RefreshToken string
}

// Usable reports whether the token can still be handed to callers at time now.
func (s TokenState) Usable(now time.Time) bool {
	if s.Value == "" || s.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(ExpiryBuffer).Before(s.ExpiresAt)
}

// Credentials are the raw account inputs, supplied once at setup.
type Credentials struct {
	Email    string
	Password string
}

var emailPattern = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// Validate checks credential shape before any network call.
func (c Credentials) Validate() error {
	if !emailPattern.MatchString(c.Email) {
		return &CredentialError{Field: "email", Reason: "not a valid email address"}
	}
	if len(c.Password) < 6 {
		return &CredentialError{Field: "password", Reason: "shorter than 6 characters"}
	}
	return nil
}

// Store holds the account credentials, the derived token states, and the
// user identity extracted from the REST login. Token states are written only
// by the owning authenticator and read through the broker.
type Store struct {
	mu     sync.Mutex
	creds  Credentials
	userID string
	tokens map[TokenKind]TokenState
}

// NewStore creates a credential store for one account.
func NewStore(creds Credentials) *Store {
	return &Store{
		creds:  creds,
		tokens: make(map[TokenKind]TokenState),
	}
}

// Credentials returns the raw account credentials.
func (s *Store) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

// Token returns the current state for kind.
func (s *Store) Token(kind TokenKind) TokenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokens[kind]
}

// SetToken replaces the state for kind atomically.
func (s *Store) SetToken(kind TokenKind, state TokenState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[kind] = state
}

// SetRefreshToken seeds only the refresh token for kind, used when hydrating
// persisted tokens at startup without inventing a live value or expiry.
func (s *Store) SetRefreshToken(kind TokenKind, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.tokens[kind]
	state.RefreshToken = refresh
	s.tokens[kind] = state
}

// UserID returns the opaque vendor user identifier, empty until REST login.
func (s *Store) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// SetUserID records the identity extracted from the REST login response.
func (s *Store) SetUserID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = id
}

// Clear drops all derived token state and the user identity. Raw credentials
// are kept so a later Start can log in again.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[TokenKind]TokenState)
	s.userID = ""
}
