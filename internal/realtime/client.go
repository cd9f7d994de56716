// Package realtime implements the Firebase Realtime-Database wire protocol
// subset the vendor uses: handshake, auth, one-shot gets, query
// subscriptions and merge writes over a persistent websocket, with keep-alive
// and jittered exponential reconnect.
package realtime

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"rointenexa/internal/auth"
	"rointenexa/internal/clock"
)

// State is the connection state machine position. Owned solely by Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshakeSent
	StateAuthSent
	StateSubscribing
	StateReady
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshakeSent:
		return "handshake_sent"
	case StateAuthSent:
		return "auth_sent"
	case StateSubscribing:
		return "subscribing"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// TokenSource supplies a currently-valid token of the requested kind.
type TokenSource interface {
	Token(ctx context.Context, kind auth.TokenKind) (string, error)
}

// DeviceIndex answers the subscription-target and ID-translation queries the
// protocol needs. Implemented by directory.Directory.
type DeviceIndex interface {
	ZoneIDs() []string
	Serials() []string
	SerialFor(deviceID string) (string, bool)
	DeviceIDForSerial(serial string) (string, bool)
	DeviceIDsInZone(zoneID string) []string
}

// Publisher receives routed per-device state deltas.
type Publisher interface {
	Publish(deviceID string, delta map[string]any)
}

// Config carries the client dependencies and tunables. Zero tunables take the
// protocol defaults.
type Config struct {
	URL    string
	Origin string

	Tokens    TokenSource
	Index     DeviceIndex
	Publisher Publisher
	Logger    *zap.Logger
	Clock     clock.Clock
	Dialer    *websocket.Dialer

	KeepAliveInterval    time.Duration
	GetTimeout           time.Duration
	ReconnectBase        time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	Jitter               float64
}

// Client owns the persistent realtime socket and its protocol state machine.
type Client struct {
	cfg    Config
	logger *zap.Logger
	clock  clock.Clock
	dialer *websocket.Dialer

	connMu            sync.Mutex
	conn              *websocket.Conn
	connCancel        context.CancelFunc
	connecting        bool
	running           bool
	runCtx            context.Context
	runCancel         context.CancelFunc
	reconnectAttempts int

	stateMu sync.RWMutex
	state   State

	writeMu sync.Mutex // protects websocket writes

	ridMu sync.Mutex
	rid   int64

	pendingMu sync.Mutex
	pending   map[int64]chan frameData
}

// NewClient creates a realtime client. Connect must be called to start it.
func NewClient(cfg Config) *Client {
	if cfg.Clock == nil {
		cfg.Clock = clock.NewRealClock()
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = 25 * time.Second
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = 5 * time.Second
	}
	if cfg.ReconnectBase <= 0 {
		cfg.ReconnectBase = time.Second
	}
	if cfg.ReconnectMax <= 0 {
		cfg.ReconnectMax = 60 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 10
	}
	if cfg.Jitter <= 0 {
		cfg.Jitter = 0.1
	}
	return &Client{
		cfg:     cfg,
		logger:  cfg.Logger,
		clock:   cfg.Clock,
		dialer:  cfg.Dialer,
		pending: make(map[int64]chan frameData),
	}
}

// State returns the current connection state.
func (c *Client) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// IsConnected reports whether the client reached steady state.
func (c *Client) IsConnected() bool {
	return c.State() == StateReady
}

func (c *Client) setState(s State) {
	c.stateMu.Lock()
	prev := c.state
	c.state = s
	c.stateMu.Unlock()
	if prev != s {
		c.logger.Debug("Connection state changed",
			zap.Stringer("from", prev),
			zap.Stringer("to", s))
	}
}

// nextRID returns the next request id. Ids increase monotonically for the
// life of the client instance so responses from a prior connection can never
// be confused with current in-flight requests.
func (c *Client) nextRID() int64 {
	c.ridMu.Lock()
	defer c.ridMu.Unlock()
	c.rid++
	return c.rid
}

// Connect starts the client: one synchronous connection attempt, with
// background reconnection armed for any later connection loss. A failed first
// attempt also schedules reconnection before returning the error.
func (c *Client) Connect() error {
	c.connMu.Lock()
	if c.running {
		c.connMu.Unlock()
		return fmt.Errorf("already connected")
	}
	c.running = true
	c.runCtx, c.runCancel = context.WithCancel(context.Background())
	c.reconnectAttempts = 0
	runCtx := c.runCtx
	c.connMu.Unlock()

	if err := c.connect(runCtx); err != nil {
		c.setState(StateReconnecting)
		go c.attemptReconnect(runCtx)
		return err
	}
	return nil
}

// Disconnect tears the session down from any state: cancels the keep-alive
// and any pending reconnect delay, closes the socket, and suppresses further
// reconnection until the next Connect call.
func (c *Client) Disconnect() {
	c.connMu.Lock()
	c.running = false
	if c.runCancel != nil {
		c.runCancel()
	}
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		c.writeMu.Lock()
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		conn.Close()
	}

	c.clearPending()
	c.setState(StateDisconnected)
	c.logger.Info("Disconnected from realtime backend")
}

// connect performs one full connection sequence: dial, handshake, auth,
// warm-up gets, subscriptions, then starts the keep-alive and read loops.
func (c *Client) connect(runCtx context.Context) error {
	c.setState(StateConnecting)

	header := http.Header{}
	if c.cfg.Origin != "" {
		header.Set("Origin", c.cfg.Origin)
	}
	conn, _, err := c.dialer.DialContext(runCtx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("failed to dial realtime endpoint: %w", err)
	}

	connCtx, connCancel := context.WithCancel(runCtx)

	c.connMu.Lock()
	if !c.running {
		c.connMu.Unlock()
		connCancel()
		conn.Close()
		return fmt.Errorf("client disconnected during connect")
	}
	c.conn = conn
	c.connCancel = connCancel
	// While the setup sequence runs, this call owns failure handling; a
	// read-loop disconnect during setup must not arm a second reconnect.
	c.connecting = true
	c.connMu.Unlock()

	fail := func(err error) error {
		connCancel()
		conn.Close()
		c.connMu.Lock()
		c.connecting = false
		if c.conn == conn {
			c.conn = nil
			c.connCancel = nil
		}
		c.connMu.Unlock()
		return err
	}

	// Handshake
	payload, err := handshakeFrame(c.nextRID())
	if err != nil {
		return fail(err)
	}
	if err := c.write(conn, payload); err != nil {
		return fail(fmt.Errorf("failed to send handshake: %w", err))
	}
	c.setState(StateHandshakeSent)

	// Auth with a fresh Firebase token
	token, err := c.cfg.Tokens.Token(runCtx, auth.TokenFirebase)
	if err != nil {
		return fail(fmt.Errorf("failed to get firebase token: %w", err))
	}
	payload, err = authFrame(c.nextRID(), token)
	if err != nil {
		return fail(err)
	}
	if err := c.write(conn, payload); err != nil {
		return fail(fmt.Errorf("failed to send auth: %w", err))
	}
	c.setState(StateAuthSent)

	// The read loop must run before the warm-up gets so their responses
	// can be correlated.
	go c.readLoop(conn)

	c.setState(StateSubscribing)
	if err := c.warmAndSubscribe(connCtx, conn); err != nil {
		return fail(err)
	}

	c.connMu.Lock()
	if c.conn != conn {
		// The socket dropped during setup and the read loop already
		// cleaned it up; surface the loss so our caller retries.
		c.connecting = false
		c.connMu.Unlock()
		connCancel()
		return fmt.Errorf("connection lost during setup")
	}
	c.connecting = false
	c.reconnectAttempts = 0
	c.connMu.Unlock()
	c.setState(StateReady)
	c.logger.Info("Connected to realtime backend")

	go c.keepAliveLoop(connCtx, conn)
	return nil
}

// subscriptionPaths returns every path to watch, in deterministic order. The
// same set is warmed with gets and then subscribed, and is re-sent in full
// after every reconnect because the server keeps no subscription state.
func (c *Client) subscriptionPaths() []string {
	var paths []string
	for _, zoneID := range c.cfg.Index.ZoneIDs() {
		paths = append(paths, "/zones/"+zoneID+"/data")
	}
	for _, serial := range c.cfg.Index.Serials() {
		paths = append(paths, "/devices/"+serial)
	}
	return paths
}

func (c *Client) warmAndSubscribe(ctx context.Context, conn *websocket.Conn) error {
	paths := c.subscriptionPaths()

	// One-shot gets warm the server-side cache and surface stale entries.
	// Timeouts are logged, not fatal; subscription proceeds regardless.
	for _, path := range paths {
		rid := c.nextRID()
		payload, err := getFrame(rid, path)
		if err != nil {
			return err
		}
		if _, ok := c.sendAndWait(ctx, conn, rid, payload); !ok {
			c.logger.Warn("Warm-up get timed out",
				zap.Int64("rid", rid),
				zap.String("path", path))
		}
	}

	for _, path := range paths {
		payload, err := queryFrame(c.nextRID(), path)
		if err != nil {
			return err
		}
		if err := c.write(conn, payload); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", path, err)
		}
	}

	c.logger.Info("Subscribed to realtime paths", zap.Int("paths", len(paths)))
	return nil
}

// sendAndWait writes a request frame and waits for the correlated response,
// bounded by the configured get timeout.
func (c *Client) sendAndWait(ctx context.Context, conn *websocket.Conn, rid int64, payload []byte) (frameData, bool) {
	respChan := make(chan frameData, 1)
	c.pendingMu.Lock()
	c.pending[rid] = respChan
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, rid)
		c.pendingMu.Unlock()
	}()

	if err := c.write(conn, payload); err != nil {
		c.logger.Warn("Failed to send request", zap.Int64("rid", rid), zap.Error(err))
		return frameData{}, false
	}

	select {
	case resp := <-respChan:
		return resp, true
	case <-c.clock.After(c.cfg.GetTimeout):
		return frameData{}, false
	case <-ctx.Done():
		return frameData{}, false
	}
}

// resolvePending routes a response frame to its waiting request, reporting
// whether the frame was consumed.
func (c *Client) resolvePending(fd frameData) bool {
	c.pendingMu.Lock()
	ch, ok := c.pending[fd.RequestID]
	if ok {
		delete(c.pending, fd.RequestID)
	}
	c.pendingMu.Unlock()

	if !ok {
		return false
	}
	select {
	case ch <- fd:
	default:
	}
	return true
}

func (c *Client) clearPending() {
	c.pendingMu.Lock()
	c.pending = make(map[int64]chan frameData)
	c.pendingMu.Unlock()
}

func (c *Client) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// keepAliveLoop sends the literal "0" ping on a fixed interval for the life
// of the connection.
func (c *Client) keepAliveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.KeepAliveInterval):
			if err := c.write(conn, []byte(keepAlivePayload)); err != nil {
				c.logger.Debug("Keep-alive write failed", zap.Error(err))
				return
			}
		}
	}
}

// readLoop is the inbound message loop for one connection. Per-frame parse
// errors are logged and skipped; only a socket error ends the loop.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(conn, err)
			return
		}

		text := strings.TrimSpace(string(data))
		if text == "" || text == keepAlivePayload {
			continue
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("Dropping malformed frame", zap.Error(err))
			continue
		}
		if f.Type != "d" {
			continue
		}

		if f.Data.RequestID != 0 && c.resolvePending(f.Data) {
			continue
		}

		c.route(f.Data)
	}
}

// handleDisconnect reacts to a connection loss observed by the read loop.
func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	// A stale read loop from an already-replaced connection must not
	// trigger another reconnect cycle.
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	connecting := c.connecting
	running := c.running
	runCtx := c.runCtx
	c.connMu.Unlock()

	conn.Close()
	c.clearPending()

	if !running {
		return
	}
	if connecting {
		// The in-flight connect call fails and its caller schedules the
		// retry; arming one here would race it into a duplicate session.
		c.logger.Debug("Connection lost during setup", zap.Error(cause))
		return
	}

	c.logger.Warn("Realtime connection lost", zap.Error(cause))
	c.setState(StateReconnecting)
	go c.attemptReconnect(runCtx)
}

// attemptReconnect retries the connection with exponential backoff and
// jitter until success, the attempt cap, or Disconnect.
func (c *Client) attemptReconnect(runCtx context.Context) {
	for {
		c.connMu.Lock()
		if !c.running {
			c.connMu.Unlock()
			return
		}
		c.reconnectAttempts++
		attempt := c.reconnectAttempts
		c.connMu.Unlock()

		if attempt > c.cfg.MaxReconnectAttempts {
			c.logger.Error("Max reconnection attempts reached, giving up",
				zap.Int("attempts", c.cfg.MaxReconnectAttempts))
			c.connMu.Lock()
			c.running = false
			c.connMu.Unlock()
			c.setState(StateDisconnected)
			return
		}

		delay := reconnectDelay(attempt, c.cfg.ReconnectBase, c.cfg.ReconnectMax, c.cfg.Jitter, rand.Float64)
		c.logger.Info("Reconnecting",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay))

		select {
		case <-c.clock.After(delay):
		case <-runCtx.Done():
			return
		}

		if err := c.connect(runCtx); err != nil {
			c.logger.Error("Reconnection attempt failed", zap.Error(err))
			continue
		}
		return
	}
}

// reconnectDelay computes the backoff for the given attempt: base doubled per
// attempt, capped, with symmetric jitter applied to avoid synchronized
// reconnect storms. rnd supplies a uniform sample in [0,1).
func reconnectDelay(attempt int, base, max time.Duration, jitter float64, rnd func() float64) time.Duration {
	delay := base << (attempt - 1)
	if delay > max || delay <= 0 {
		delay = max
	}
	spread := (rnd()*2 - 1) * jitter * float64(delay)
	delay += time.Duration(spread)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Send writes a merge-write command for the device's data path. Failures are
// logged and reported as false rather than raised: callers update their local
// view optimistically and reconcile on the next inbound frame.
func (c *Client) Send(deviceID string, updates map[string]any) bool {
	c.connMu.Lock()
	conn := c.conn
	c.connMu.Unlock()

	if conn == nil || c.State() != StateReady {
		c.logger.Error("Cannot send command, not connected",
			zap.String("device_id", deviceID))
		return false
	}

	serial, ok := c.cfg.Index.SerialFor(deviceID)
	if !ok {
		c.logger.Error("Device has no serial number",
			zap.String("device_id", deviceID))
		return false
	}

	// The caller's partial update must reach the server as partial: stamp
	// a copy with the sync timestamp, never merge with cached state.
	stamped := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		stamped[k] = v
	}
	stamped[timestampField] = c.clock.Now().UnixMilli()

	rid := c.nextRID()
	payload, err := mergeFrame(rid, "/devices/"+serial+"/data", stamped)
	if err != nil {
		c.logger.Error("Failed to encode command",
			zap.String("device_id", deviceID),
			zap.Error(err))
		return false
	}

	if err := c.write(conn, payload); err != nil {
		c.logger.Error("Failed to send command",
			zap.String("device_id", deviceID),
			zap.Int64("rid", rid),
			zap.Error(err))
		return false
	}

	c.logger.Debug("Sent command",
		zap.String("device_id", deviceID),
		zap.Int64("rid", rid),
		zap.Int("fields", len(updates)))
	return true
}
