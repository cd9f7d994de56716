package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"rointenexa/internal/clock"
)

const firebaseExpiryMargin = time.Minute

// Substrings in a 400 refresh response that mean the stored refresh token is
// dead and the user must sign in again.
var reauthErrorMarkers = []string{
	"INVALID_REFRESH_TOKEN",
	"TOKEN_EXPIRED",
	"USER_DISABLED",
}

// FirebaseAuthenticator exchanges the REST user id for a Firebase ID token
// and refreshes it via the refresh-token grant. The vendor provisions each
// account with a synthetic Firebase identity derived from the user id.
type FirebaseAuthenticator struct {
	store        *Store
	signInURL    string // identitytoolkit accounts:signInWithPassword endpoint, key included
	tokenURL     string // securetoken token endpoint, key included
	vendorDomain string // domain for the synthetic email identity
	client       *http.Client
	clock        clock.Clock
	logger       *zap.Logger
}

// NewFirebaseAuthenticator creates a Firebase authenticator using the given
// identity-platform endpoints.
func NewFirebaseAuthenticator(store *Store, signInURL, tokenURL, vendorDomain string, httpClient *http.Client, clk clock.Clock, logger *zap.Logger) *FirebaseAuthenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if clk == nil {
		clk = clock.NewRealClock()
	}
	return &FirebaseAuthenticator{
		store:        store,
		signInURL:    signInURL,
		tokenURL:     tokenURL,
		vendorDomain: vendorDomain,
		client:       httpClient,
		clock:        clk,
		logger:       logger,
	}
}

type firebaseSignInRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	ReturnSecureToken bool   `json:"returnSecureToken"`
}

type firebaseSignInResponse struct {
	IDToken      string `json:"idToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    string `json:"expiresIn"`
}

// SignIn performs a full Firebase password sign-in using the synthetic
// identity {userId}@{vendorDomain} / {userId}. Requires the REST login to
// have produced a user id first.
func (a *FirebaseAuthenticator) SignIn(ctx context.Context) error {
	uid := a.store.UserID()
	if uid == "" {
		return ErrMissingIdentity
	}

	body, err := json.Marshal(firebaseSignInRequest{
		Email:             uid + "@" + a.vendorDomain,
		Password:          uid,
		ReturnSecureToken: true,
	})
	if err != nil {
		return fmt.Errorf("failed to encode sign-in request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.signInURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build sign-in request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading sign-in response: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: sign-in server error %d", ErrTransient, resp.StatusCode)
		}
		return fmt.Errorf("firebase sign-in rejected (status %d): %s", resp.StatusCode, truncate(payload))
	}

	var signIn firebaseSignInResponse
	if err := json.Unmarshal(payload, &signIn); err != nil {
		return fmt.Errorf("failed to decode sign-in response: %w", err)
	}
	if signIn.IDToken == "" {
		return fmt.Errorf("sign-in response missing idToken: %s", truncate(payload))
	}

	a.store.SetToken(TokenFirebase, TokenState{
		Value:        signIn.IDToken,
		RefreshToken: signIn.RefreshToken,
		ExpiresAt:    a.expiry(signIn.ExpiresIn, signIn.IDToken),
	})
	a.logger.Debug("Firebase sign-in successful")
	return nil
}

type firebaseRefreshResponse struct {
	IDToken      string `json:"id_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    string `json:"expires_in"`
}

// Refresh exchanges the stored refresh token for a fresh ID token. A 400
// response carrying one of the known dead-token markers maps to
// ErrReauthRequired; anything else is retryable.
func (a *FirebaseAuthenticator) Refresh(ctx context.Context) error {
	state := a.store.Token(TokenFirebase)
	if state.RefreshToken == "" {
		return fmt.Errorf("%w: no refresh token", ErrReauthRequired)
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {state.RefreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading refresh response: %v", ErrTransient, err)
	}

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusBadRequest {
			body := string(payload)
			for _, marker := range reauthErrorMarkers {
				if strings.Contains(body, marker) {
					return fmt.Errorf("%w: %s", ErrReauthRequired, marker)
				}
			}
		}
		return fmt.Errorf("%w: refresh status %d: %s", ErrTransient, resp.StatusCode, truncate(payload))
	}

	var refresh firebaseRefreshResponse
	if err := json.Unmarshal(payload, &refresh); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if refresh.IDToken == "" {
		return fmt.Errorf("refresh response missing id_token: %s", truncate(payload))
	}

	a.store.SetToken(TokenFirebase, TokenState{
		Value:        refresh.IDToken,
		RefreshToken: refresh.RefreshToken,
		ExpiresAt:    a.expiry(refresh.ExpiresIn, refresh.IDToken),
	})
	a.logger.Debug("Firebase token refreshed")
	return nil
}

// expiry computes the token deadline from the advertised lifetime, falling
// back to the token's own exp claim when the endpoint omits expiresIn.
func (a *FirebaseAuthenticator) expiry(expiresIn, idToken string) time.Time {
	if seconds, err := strconv.ParseInt(expiresIn, 10, 64); err == nil && seconds > 0 {
		return a.clock.Now().Add(time.Duration(seconds)*time.Second - firebaseExpiryMargin)
	}

	if exp, ok := tokenExpClaim(idToken); ok {
		return exp.Add(-firebaseExpiryMargin)
	}

	a.logger.Warn("Firebase response missing expiry, assuming one hour")
	return a.clock.Now().Add(time.Hour - firebaseExpiryMargin)
}

// tokenExpClaim extracts the exp claim from a JWT without verifying the
// signature. Verification is the server's job; only the deadline matters here.
func tokenExpClaim(idToken string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(idToken, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time.UTC(), true
}
