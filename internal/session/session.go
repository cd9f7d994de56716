// Package session ties the broker, directory, realtime client and state
// store together into one explicit object per configured account. There is no
// ambient global registry; whoever needs the session holds a reference.
package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"rointenexa/internal/api"
	"rointenexa/internal/auth"
	"rointenexa/internal/clock"
	"rointenexa/internal/config"
	"rointenexa/internal/directory"
	"rointenexa/internal/realtime"
	"rointenexa/internal/state"
	"rointenexa/internal/storage"
)

// Session is one authenticated account session: a token broker, a device
// directory, a realtime client and the supporting stores.
type Session struct {
	id     string
	cfg    *config.Config
	logger *zap.Logger
	clock  clock.Clock

	creds      *auth.Store
	broker     *auth.Broker
	tokenStore *storage.TokenStore

	directory  *directory.Directory
	dispatcher *realtime.Dispatcher
	client     *realtime.Client
	rest       *api.Client
	states     *state.Store

	mu       sync.Mutex
	started  bool
	degraded bool
	devices  []*directory.Device
}

// New wires a session from configuration. Nothing touches the network until
// Start.
func New(cfg *config.Config, clk clock.Clock, logger *zap.Logger) *Session {
	if clk == nil {
		clk = clock.NewRealClock()
	}
	sessionID := uuid.NewString()
	logger = logger.With(zap.String("session_id", sessionID))

	httpClient := &http.Client{Timeout: 30 * time.Second}

	creds := auth.NewStore(auth.Credentials{Email: cfg.Email, Password: cfg.Password})
	restAuth := auth.NewRestAuthenticator(creds, cfg.APIBase, httpClient, clk, logger)
	fbAuth := auth.NewFirebaseAuthenticator(creds, cfg.SignInURL, cfg.TokenURL, cfg.VendorDomain, httpClient, clk, logger)
	broker := auth.NewBroker(creds, restAuth, fbAuth, clk, logger)

	dir := directory.New(cfg.APIBase, broker, httpClient, logger)
	dispatcher := realtime.NewDispatcher(logger)
	states := state.NewStore(clk, logger)

	client := realtime.NewClient(realtime.Config{
		URL:                  cfg.RealtimeURL,
		Origin:               cfg.Origin,
		Tokens:               broker,
		Index:                dir,
		Publisher:            dispatcher,
		Logger:               logger,
		Clock:                clk,
		KeepAliveInterval:    cfg.KeepAliveInterval,
		GetTimeout:           cfg.GetTimeout,
		ReconnectBase:        cfg.ReconnectBase,
		ReconnectMax:         cfg.ReconnectMax,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	})

	return &Session{
		id:         sessionID,
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		creds:      creds,
		broker:     broker,
		directory:  dir,
		dispatcher: dispatcher,
		client:     client,
		rest:       api.NewClient(cfg.APIBase, broker, httpClient, logger),
		states:     states,
	}
}

// ID returns the session correlation id.
func (s *Session) ID() string { return s.id }

// Start brings the session up: REST login (fatal on failure), device
// discovery, then the realtime channel. A Firebase failure does not abort;
// the session degrades to REST-only operation and records that fact.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("session already started")
	}
	s.started = true
	s.mu.Unlock()

	s.openTokenStore(ctx)

	// REST login first: nothing works without it.
	if _, err := s.broker.Token(ctx, auth.TokenREST); err != nil {
		return fmt.Errorf("REST authentication failed: %w", err)
	}

	devices, err := s.directory.Discover(ctx)
	if err != nil {
		return fmt.Errorf("device discovery failed: %w", err)
	}
	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()

	deviceIDs := make([]string, 0, len(devices))
	for _, dev := range devices {
		deviceIDs = append(deviceIDs, dev.ID)
	}
	s.states.Attach(s.dispatcher, deviceIDs)

	s.persistTokens(ctx)

	// Firebase failure degrades rather than aborts: REST operations keep
	// working, only live updates are missing.
	if _, err := s.broker.Token(ctx, auth.TokenFirebase); err != nil {
		s.logger.Warn("Firebase authentication failed, realtime channel disabled",
			zap.Error(err))
		s.setDegraded(true)
		return nil
	}

	if err := s.client.Connect(); err != nil {
		// The client keeps reconnecting in the background; not degraded
		// unless it permanently gives up.
		s.logger.Warn("Initial realtime connection failed, reconnecting in background",
			zap.Error(err))
	}

	s.persistTokens(ctx)
	s.logger.Info("Session started",
		zap.Int("devices", len(devices)),
		zap.Bool("degraded", s.Degraded()))
	return nil
}

// Stop tears the session down: disconnects the realtime client, persists
// refresh tokens, and clears derived token state.
func (s *Session) Stop() {
	s.client.Disconnect()
	s.states.Detach()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.persistTokens(ctx)

	s.creds.Clear()
	if s.tokenStore != nil {
		s.tokenStore.Close()
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()
	s.logger.Info("Session stopped")
}

// Degraded reports whether the session is running REST-only because the
// realtime channel could not be authenticated.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.degraded
}

func (s *Session) setDegraded(v bool) {
	s.mu.Lock()
	s.degraded = v
	s.mu.Unlock()
}

// Devices returns the devices from the last discovery.
func (s *Session) Devices() []*directory.Device {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*directory.Device(nil), s.devices...)
}

// Subscribe registers a handler for one device's realtime updates.
func (s *Session) Subscribe(deviceID string, handler realtime.UpdateHandler) realtime.Subscription {
	return s.dispatcher.Subscribe(deviceID, handler)
}

// Send writes a command over the realtime channel. Returns false when the
// channel is down; callers may fall back to the REST client.
func (s *Session) Send(deviceID string, updates map[string]any) bool {
	return s.client.Send(deviceID, updates)
}

// Rest exposes the REST command client, usable in degraded mode.
func (s *Session) Rest() *api.Client { return s.rest }

// States exposes the last-known device status store.
func (s *Session) States() *state.Store { return s.states }

// openTokenStore hydrates persisted refresh tokens. All failures here are
// logged and non-fatal; the session simply logs in from scratch.
func (s *Session) openTokenStore(ctx context.Context) {
	if s.cfg.TokenDBPath == "" {
		return
	}

	store, err := storage.Open(ctx, s.cfg.TokenDBPath, s.logger)
	if err != nil {
		s.logger.Warn("Token store unavailable, continuing without persistence",
			zap.Error(err))
		return
	}
	s.tokenStore = store

	rec, err := store.Load(ctx, s.cfg.Email)
	if err != nil {
		s.logger.Warn("Failed to load persisted tokens", zap.Error(err))
		return
	}
	if rec == nil {
		return
	}
	if rec.RestRefreshToken != "" {
		s.creds.SetRefreshToken(auth.TokenREST, rec.RestRefreshToken)
	}
	if rec.FirebaseRefreshToken != "" {
		s.creds.SetRefreshToken(auth.TokenFirebase, rec.FirebaseRefreshToken)
	}
	s.logger.Debug("Hydrated persisted refresh tokens",
		zap.Time("updated_at", rec.UpdatedAt))
}

func (s *Session) persistTokens(ctx context.Context) {
	if s.tokenStore == nil {
		return
	}
	rec := storage.TokenRecord{
		Account:              s.cfg.Email,
		RestRefreshToken:     s.creds.Token(auth.TokenREST).RefreshToken,
		FirebaseRefreshToken: s.creds.Token(auth.TokenFirebase).RefreshToken,
	}
	if err := s.tokenStore.Save(ctx, rec); err != nil {
		s.logger.Warn("Failed to persist refresh tokens", zap.Error(err))
	}
}
