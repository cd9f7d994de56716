package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rointenexa/internal/clock"
)

func testCredentials() Credentials {
	return Credentials{Email: "user@example.com", Password: "secret1"}
}

func loginResponse(token string) string {
	return fmt.Sprintf(`{"data":{"token":%q,"refreshToken":"R1","expires_in":3600,"user":{"id":"U1"}}}`, token)
}

func TestRestLogin(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	t.Run("successful login stores token and user id", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/user/login", r.URL.Path)

			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "user@example.com", body["email"])
			assert.Equal(t, "secret1", body["password"])

			fmt.Fprint(w, loginResponse("T1"))
		}))
		defer server.Close()

		clk := clock.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
		store := NewStore(testCredentials())
		auth := NewRestAuthenticator(store, server.URL, server.Client(), clk, logger)

		require.NoError(t, auth.Login(context.Background()))

		state := store.Token(TokenREST)
		assert.Equal(t, "T1", state.Value)
		assert.Equal(t, "R1", state.RefreshToken)
		assert.Equal(t, "U1", store.UserID())
		// Expiry carries the one-minute safety margin.
		assert.Equal(t, clk.Now().Add(3600*time.Second-time.Minute), state.ExpiresAt)
	})

	t.Run("invalid credential format fails before any network call", func(t *testing.T) {
		store := NewStore(Credentials{Email: "nope", Password: "secret1"})
		auth := NewRestAuthenticator(store, "http://127.0.0.1:0", nil, nil, logger)

		err := auth.Login(context.Background())
		var credErr *CredentialError
		assert.ErrorAs(t, err, &credErr)
	})

	t.Run("401 maps to bad credentials", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"wrong password"}`, http.StatusUnauthorized)
		}))
		defer server.Close()

		store := NewStore(testCredentials())
		auth := NewRestAuthenticator(store, server.URL, server.Client(), nil, logger)

		err := auth.Login(context.Background())
		assert.ErrorIs(t, err, ErrBadCredentials)
	})

	t.Run("disabled account maps to its own error kind", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"account disabled"}`, http.StatusBadRequest)
		}))
		defer server.Close()

		store := NewStore(testCredentials())
		auth := NewRestAuthenticator(store, server.URL, server.Client(), nil, logger)

		err := auth.Login(context.Background())
		assert.ErrorIs(t, err, ErrAccountDisabled)
	})

	t.Run("429 maps to rate limited", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "slow down", http.StatusTooManyRequests)
		}))
		defer server.Close()

		store := NewStore(testCredentials())
		auth := NewRestAuthenticator(store, server.URL, server.Client(), nil, logger)

		err := auth.Login(context.Background())
		assert.ErrorIs(t, err, ErrRateLimited)
	})

	t.Run("5xx retried then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) <= 2 {
				http.Error(w, "boom", http.StatusInternalServerError)
				return
			}
			fmt.Fprint(w, loginResponse("T1"))
		}))
		defer server.Close()

		clk := clock.NewMockClock(time.Now())
		store := NewStore(testCredentials())
		auth := NewRestAuthenticator(store, server.URL, server.Client(), clk, logger)

		require.NoError(t, auth.Login(context.Background()))
		assert.Equal(t, int32(3), calls.Load())
		assert.Equal(t, "T1", store.Token(TokenREST).Value)
	})

	t.Run("persistent 5xx exhausts retries with transient error", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "boom", http.StatusInternalServerError)
		}))
		defer server.Close()

		clk := clock.NewMockClock(time.Now())
		store := NewStore(testCredentials())
		auth := NewRestAuthenticator(store, server.URL, server.Client(), clk, logger)

		err := auth.Login(context.Background())
		assert.ErrorIs(t, err, ErrTransient)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("bad credentials are not retried", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			http.Error(w, "nope", http.StatusUnauthorized)
		}))
		defer server.Close()

		store := NewStore(testCredentials())
		auth := NewRestAuthenticator(store, server.URL, server.Client(), nil, logger)

		err := auth.Login(context.Background())
		assert.ErrorIs(t, err, ErrBadCredentials)
		assert.Equal(t, int32(1), calls.Load())
	})
}
