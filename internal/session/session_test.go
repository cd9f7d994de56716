package session

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"rointenexa/internal/config"
	"rointenexa/internal/storage"
	"rointenexa/pkg/testutil"
)

const installationsBody = `{
  "data": [
    {
      "id": "inst-1",
      "zones": [
        {
          "id": "zone-1",
          "name": "Living Room",
          "devices": [
            {"id": "uuid-a", "name": "Radiator A", "serialNumber": "SN-A"},
            {"id": "uuid-b", "name": "Radiator B", "serialNumber": "SN-B"}
          ]
        }
      ]
    }
  ]
}`

type vendorFixture struct {
	cfg      *config.Config
	realtime *testutil.MockFirebaseServer
}

// newVendorFixture stands up mock REST, identity and realtime backends and a
// config pointing at all three.
func newVendorFixture(t *testing.T, identityStatus int) *vendorFixture {
	t.Helper()

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/user/login":
			fmt.Fprint(w, `{"data":{"token":"T1","refreshToken":"R1","expires_in":3600,"user":{"id":"U1"}}}`)
		case "/installations":
			fmt.Fprint(w, installationsBody)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(rest.Close)

	identity := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identityStatus != http.StatusOK {
			http.Error(w, `{"error":{"message":"INVALID_PASSWORD"}}`, identityStatus)
			return
		}
		fmt.Fprint(w, `{"idToken":"F1","refreshToken":"FR1","expiresIn":"3600"}`)
	}))
	t.Cleanup(identity.Close)

	realtime := testutil.NewMockFirebaseServer()
	t.Cleanup(realtime.Close)

	cfg := config.Defaults()
	cfg.Email = "user@example.com"
	cfg.Password = "secret1"
	cfg.APIBase = rest.URL
	cfg.SignInURL = identity.URL
	cfg.TokenURL = identity.URL
	cfg.RealtimeURL = realtime.URL()
	cfg.ReconnectBase = 10 * time.Millisecond
	cfg.ReconnectMax = 50 * time.Millisecond

	return &vendorFixture{cfg: cfg, realtime: realtime}
}

func TestSessionStartHappyPath(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fx := newVendorFixture(t, http.StatusOK)

	sess := New(fx.cfg, nil, logger)
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	assert.False(t, sess.Degraded())
	assert.NotEmpty(t, sess.ID())

	devices := sess.Devices()
	require.Len(t, devices, 2)
	assert.Equal(t, "uuid-a", devices[0].ID)

	// The realtime channel authenticated with the Firebase ID token.
	assert.Equal(t, []string{"F1"}, fx.realtime.AuthTokens())

	// Pushes flow through to subscribers keyed by internal UUID.
	updates := make(chan map[string]any, 1)
	sess.Subscribe("uuid-a", func(deviceID string, delta map[string]any) {
		select {
		case updates <- delta:
		default:
		}
	})
	fx.realtime.PushDeviceUpdate("SN-A", map[string]any{"temp": 21})

	select {
	case delta := <-updates:
		assert.Equal(t, float64(21), delta["temp"])
	case <-time.After(2 * time.Second):
		t.Fatal("no update delivered")
	}

	// The state store tracked the same push.
	deadline := time.Now().Add(time.Second)
	for {
		if status, ok := sess.States().Status("uuid-a"); ok && status.CurrentTemp != nil {
			assert.Equal(t, float64(21), *status.CurrentTemp)
			break
		}
		if !time.Now().Before(deadline) {
			t.Fatal("state store never saw the update")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Commands go out as merge writes.
	require.True(t, sess.Send("uuid-b", map[string]any{"temp": 22.0}))
	require.True(t, fx.realtime.WaitForMergeWrites(1, 2*time.Second))
	writes := fx.realtime.MergeWrites()
	assert.Equal(t, "/devices/SN-B/data", writes[0].Path)
}

func TestSessionDegradesWhenFirebaseRejected(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fx := newVendorFixture(t, http.StatusBadRequest)

	sess := New(fx.cfg, nil, logger)
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	assert.True(t, sess.Degraded())
	assert.Len(t, sess.Devices(), 2)

	// The realtime channel never came up.
	assert.Empty(t, fx.realtime.AuthTokens())
	assert.False(t, sess.Send("uuid-a", map[string]any{"temp": 21.0}))

	// REST operations still work in degraded mode.
	assert.NotNil(t, sess.Rest())
}

func TestSessionStartFailsOnRestAuth(t *testing.T) {
	logger, _ := zap.NewDevelopment()

	rest := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer rest.Close()

	cfg := config.Defaults()
	cfg.Email = "user@example.com"
	cfg.Password = "secret1"
	cfg.APIBase = rest.URL

	sess := New(cfg, nil, logger)
	err := sess.Start(context.Background())
	assert.Error(t, err)
}

func TestSessionStartTwice(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fx := newVendorFixture(t, http.StatusOK)

	sess := New(fx.cfg, nil, logger)
	require.NoError(t, sess.Start(context.Background()))
	defer sess.Stop()

	assert.Error(t, sess.Start(context.Background()))
}

func TestSessionPersistsRefreshTokens(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	fx := newVendorFixture(t, http.StatusOK)
	fx.cfg.TokenDBPath = filepath.Join(t.TempDir(), "tokens.db")

	sess := New(fx.cfg, nil, logger)
	require.NoError(t, sess.Start(context.Background()))
	sess.Stop()

	store, err := storage.Open(context.Background(), fx.cfg.TokenDBPath, logger)
	require.NoError(t, err)
	defer store.Close()

	rec, err := store.Load(context.Background(), "user@example.com")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "R1", rec.RestRefreshToken)
	assert.Equal(t, "FR1", rec.FirebaseRefreshToken)
}
