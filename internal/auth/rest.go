package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"rointenexa/internal/clock"
)

const (
	// Safety margin subtracted from the advertised token lifetime.
	restExpiryMargin = time.Minute

	restLoginAttempts   = 3
	restLoginRetryDelay = time.Second

	defaultTokenLifetime = 3600 // seconds, when the vendor omits expires_in
)

// RestAuthenticator performs the vendor REST login and owns the REST token
// state in the store. It also extracts the user id that bootstraps Firebase
// sign-in and the installation_default cookie when the vendor sets one.
type RestAuthenticator struct {
	store  *Store
	base   string // e.g. https://rointenexa.com/api
	client *http.Client
	clock  clock.Clock
	logger *zap.Logger

	installationDefault string
}

// NewRestAuthenticator creates a REST authenticator against the given API base.
func NewRestAuthenticator(store *Store, base string, httpClient *http.Client, clk clock.Clock, logger *zap.Logger) *RestAuthenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &RestAuthenticator{
		store:  store,
		base:   strings.TrimRight(base, "/"),
		client: httpClient,
		clock:  clk,
		logger: logger,
	}
}

type restLoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Push     string `json:"push"`
	Migrate  bool   `json:"migrate"`
}

type restLoginEnvelope struct {
	Data struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expires_in"`
		User         struct {
			ID string `json:"id"`
		} `json:"user"`
	} `json:"data"`
}

// Login posts the account credentials and stores the resulting REST token,
// refresh token, expiry and user id. Server errors (5xx) and transport
// failures are retried with linear backoff; 4xx responses are classified into
// the credential error taxonomy and never retried.
func (a *RestAuthenticator) Login(ctx context.Context) error {
	creds := a.store.Credentials()
	if err := creds.Validate(); err != nil {
		return err
	}

	body, err := json.Marshal(restLoginRequest{
		Email:    creds.Email,
		Password: creds.Password,
	})
	if err != nil {
		return fmt.Errorf("failed to encode login request: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= restLoginAttempts; attempt++ {
		if attempt > 1 {
			a.clock.Sleep(restLoginRetryDelay * time.Duration(attempt-1))
		}

		err := a.loginOnce(ctx, body)
		if err == nil {
			return nil
		}
		lastErr = err

		// Only transient failures are worth another attempt.
		if !isTransient(err) {
			return err
		}
		a.logger.Warn("REST login attempt failed",
			zap.Int("attempt", attempt),
			zap.Error(err))
	}

	return fmt.Errorf("REST login failed after %d attempts: %w", restLoginAttempts, lastErr)
}

func (a *RestAuthenticator) loginOnce(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.base+"/user/login", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading login response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		// fall through to envelope parsing below
	case resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized:
		return classifyLoginRejection(resp.StatusCode, payload)
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: server error %d", ErrTransient, resp.StatusCode)
	default:
		return fmt.Errorf("unexpected login status %d: %s", resp.StatusCode, truncate(payload))
	}

	var envelope restLoginEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if envelope.Data.Token == "" {
		return fmt.Errorf("login response missing token: %s", truncate(payload))
	}

	expiresIn := envelope.Data.ExpiresIn
	if expiresIn <= 0 {
		expiresIn = defaultTokenLifetime
	}

	a.store.SetToken(TokenREST, TokenState{
		Value:        envelope.Data.Token,
		RefreshToken: envelope.Data.RefreshToken,
		ExpiresAt:    a.clock.Now().Add(time.Duration(expiresIn)*time.Second - restExpiryMargin),
	})
	if envelope.Data.User.ID != "" {
		a.store.SetUserID(envelope.Data.User.ID)
	}

	a.logger.Debug("REST login successful",
		zap.String("user_id", envelope.Data.User.ID),
		zap.Int64("expires_in", expiresIn))
	return nil
}

// classifyLoginRejection maps a vendor 400/401 body onto the error taxonomy
// so the caller can show a field-specific message.
func classifyLoginRejection(status int, payload []byte) error {
	body := strings.ToLower(string(payload))
	switch {
	case strings.Contains(body, "disabled"):
		return fmt.Errorf("%w: status %d", ErrAccountDisabled, status)
	case strings.Contains(body, "too many") || strings.Contains(body, "rate"):
		return fmt.Errorf("%w: status %d", ErrRateLimited, status)
	default:
		return fmt.Errorf("%w: status %d", ErrBadCredentials, status)
	}
}

// InstallationDefault returns the installation cookie captured during login,
// empty when the vendor did not set one.
func (a *RestAuthenticator) InstallationDefault() string {
	return a.installationDefault
}

// SetInstallationDefault records the installation_default value observed on a
// later REST response.
func (a *RestAuthenticator) SetInstallationDefault(v string) {
	a.installationDefault = v
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
