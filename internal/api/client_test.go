package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rointenexa/internal/auth"
)

// rotatingTokens hands out "tok-N" and counts invalidations.
type rotatingTokens struct {
	issued      atomic.Int32
	invalidated atomic.Int32
}

func (s *rotatingTokens) Token(ctx context.Context, kind auth.TokenKind) (string, error) {
	return fmt.Sprintf("tok-%d", s.issued.Add(1)), nil
}

func (s *rotatingTokens) Invalidate(kind auth.TokenKind) {
	s.invalidated.Add(1)
}

func TestDeviceStatus(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/devices/uuid-a/status", r.URL.Path)
		assert.Equal(t, "tok-1", r.Header.Get("token"))
		fmt.Fprint(w, `{"temp":21.5,"status":"comfort"}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, &rotatingTokens{}, server.Client(), logger)
	status, err := client.DeviceStatus(context.Background(), "uuid-a")
	require.NoError(t, err)
	assert.Equal(t, 21.5, status["temp"])
	assert.Equal(t, "comfort", status["status"])
}

func TestControlIncludesDeviceID(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/device/control", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "uuid-a", body["deviceId"])
		assert.Equal(t, "comfort", body["status"])
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, &rotatingTokens{}, server.Client(), logger)
	err := client.Control(context.Background(), "uuid-a", map[string]any{"status": "comfort"})
	assert.NoError(t, err)
}

func TestRetriesOnceWithFreshToken(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("token") == "tok-1" {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"temp":21.5}`)
	}))
	defer server.Close()

	tokens := &rotatingTokens{}
	client := NewClient(server.URL, tokens, server.Client(), logger)
	status, err := client.DeviceStatus(context.Background(), "uuid-a")
	require.NoError(t, err)
	assert.Equal(t, 21.5, status["temp"])
	assert.Equal(t, int32(1), tokens.invalidated.Load())
}

func TestDoesNotRetryTwice(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "expired", http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(server.URL, &rotatingTokens{}, server.Client(), logger)
	err := client.SetPower(context.Background(), "uuid-a", true)
	assert.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestSetTemperature(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/devices/uuid-a/temperature", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 22.5, body["temperature"])
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	client := NewClient(server.URL, &rotatingTokens{}, server.Client(), logger)
	assert.NoError(t, client.SetTemperature(context.Background(), "uuid-a", 22.5))
}
