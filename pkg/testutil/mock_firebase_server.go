// Package testutil provides testing doubles for the vendor cloud: a mock
// Firebase Realtime-Database websocket backend and helpers for driving it
// from protocol and session tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WireFrame mirrors the realtime protocol frame for test assertions.
type WireFrame struct {
	Type string        `json:"t"`
	Data WireFrameData `json:"d"`
}

// WireFrameData is the d block of a frame.
type WireFrameData struct {
	RequestID int64          `json:"r,omitempty"`
	Action    string         `json:"a,omitempty"`
	Body      map[string]any `json:"b,omitempty"`
}

// MergeWrite records one received merge-write command.
type MergeWrite struct {
	RequestID int64
	Path      string
	Data      map[string]any
}

type serverConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	subs    []string
}

func (c *serverConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(v)
}

// MockFirebaseServer simulates the Firebase RTDB websocket backend: it acks
// handshake/auth/get/query/merge frames, records everything it receives, and
// can push device or zone updates to connected clients.
type MockFirebaseServer struct {
	server *httptest.Server

	mu         sync.Mutex
	conns      []*serverConn
	authTokens []string
	getPaths   []string
	subSets    [][]string
	merges     []MergeWrite
	pings      int
	dropOnGet  bool
}

// NewMockFirebaseServer starts the mock backend.
func NewMockFirebaseServer() *MockFirebaseServer {
	s := &MockFirebaseServer{}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the websocket URL clients should dial.
func (s *MockFirebaseServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Close shuts the server down.
func (s *MockFirebaseServer) Close() {
	s.DropConnections()
	s.server.Close()
}

func (s *MockFirebaseServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sc := &serverConn{conn: conn}
	s.mu.Lock()
	s.conns = append(s.conns, sc)
	s.mu.Unlock()

	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			if len(sc.subs) > 0 {
				s.subSets = append(s.subSets, append([]string(nil), sc.subs...))
			}
			for i, other := range s.conns {
				if other == sc {
					s.conns = append(s.conns[:i], s.conns[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
			return
		}

		text := strings.TrimSpace(string(data))
		if text == "0" {
			s.mu.Lock()
			s.pings++
			s.mu.Unlock()
			sc.writeMu.Lock()
			conn.WriteMessage(websocket.TextMessage, []byte("0"))
			sc.writeMu.Unlock()
			continue
		}

		var f WireFrame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}
		s.handleFrame(sc, &f)
	}
}

func (s *MockFirebaseServer) handleFrame(sc *serverConn, f *WireFrame) {
	ack := func(body map[string]any) {
		sc.writeJSON(WireFrame{
			Type: "d",
			Data: WireFrameData{RequestID: f.Data.RequestID, Body: body},
		})
	}

	switch f.Data.Action {
	case "s":
		ack(map[string]any{"s": "ok", "d": map[string]any{"ts": time.Now().UnixMilli()}})
	case "auth":
		token, _ := f.Data.Body["cred"].(string)
		s.mu.Lock()
		s.authTokens = append(s.authTokens, token)
		s.mu.Unlock()
		ack(map[string]any{"s": "ok"})
	case "g":
		path, _ := f.Data.Body["p"].(string)
		s.mu.Lock()
		s.getPaths = append(s.getPaths, path)
		drop := s.dropOnGet
		s.dropOnGet = false
		s.mu.Unlock()
		if drop {
			sc.conn.Close()
			return
		}
		ack(map[string]any{"p": path, "d": map[string]any{}})
	case "q":
		path, _ := f.Data.Body["p"].(string)
		s.mu.Lock()
		sc.subs = append(sc.subs, path)
		s.mu.Unlock()
		ack(map[string]any{"s": "ok"})
	case "m":
		path, _ := f.Data.Body["p"].(string)
		fields, _ := f.Data.Body["d"].(map[string]any)
		s.mu.Lock()
		s.merges = append(s.merges, MergeWrite{
			RequestID: f.Data.RequestID,
			Path:      path,
			Data:      fields,
		})
		s.mu.Unlock()
		ack(map[string]any{"s": "ok"})
	}
}

// PushDeviceUpdate sends an incremental device update to every client.
func (s *MockFirebaseServer) PushDeviceUpdate(serial string, fields map[string]any) {
	s.push("m", fmt.Sprintf("devices/%s/data", serial), fields)
}

// PushDeviceSnapshot sends a full device snapshot (fields nested under data).
func (s *MockFirebaseServer) PushDeviceSnapshot(serial string, fields map[string]any) {
	s.push("d", fmt.Sprintf("devices/%s", serial), map[string]any{"data": fields})
}

// PushZoneUpdate sends a zone-level broadcast to every client.
func (s *MockFirebaseServer) PushZoneUpdate(zoneID string, fields map[string]any) {
	s.push("d", fmt.Sprintf("zones/%s/data", zoneID), fields)
}

func (s *MockFirebaseServer) push(action, path string, data map[string]any) {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns...)
	s.mu.Unlock()

	frame := WireFrame{
		Type: "d",
		Data: WireFrameData{
			Action: action,
			Body:   map[string]any{"p": path, "d": data},
		},
	}
	for _, sc := range conns {
		sc.writeJSON(frame)
	}
}

// DropOnNextGet closes the connection that sends the next one-shot get
// instead of acking it, simulating a drop in the middle of connection setup.
func (s *MockFirebaseServer) DropOnNextGet() {
	s.mu.Lock()
	s.dropOnGet = true
	s.mu.Unlock()
}

// LiveConnections returns the number of currently open connections.
func (s *MockFirebaseServer) LiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropConnections closes every live connection, simulating a server-side
// disconnect.
func (s *MockFirebaseServer) DropConnections() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, sc := range conns {
		sc.conn.Close()
	}
}

// Pings returns the number of keep-alive pings received.
func (s *MockFirebaseServer) Pings() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pings
}

// AuthTokens returns the tokens received in auth frames, in order.
func (s *MockFirebaseServer) AuthTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.authTokens...)
}

// GetPaths returns the paths requested by one-shot gets, in order.
func (s *MockFirebaseServer) GetPaths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.getPaths...)
}

// SubscriptionSets returns, per closed connection, the subscription paths
// that connection issued. Live connections are included at the end.
func (s *MockFirebaseServer) SubscriptionSets() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sets := append([][]string(nil), s.subSets...)
	for _, sc := range s.conns {
		if len(sc.subs) > 0 {
			sets = append(sets, append([]string(nil), sc.subs...))
		}
	}
	return sets
}

// MergeWrites returns every merge-write command received, in order.
func (s *MockFirebaseServer) MergeWrites() []MergeWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]MergeWrite(nil), s.merges...)
}

// WaitForSubscriptions polls until at least n subscription paths exist on a
// live connection or the timeout elapses.
func (s *MockFirebaseServer) WaitForSubscriptions(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		count := 0
		for _, sc := range s.conns {
			count += len(sc.subs)
		}
		s.mu.Unlock()
		if count >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// WaitForMergeWrites polls until at least n merge writes were received or the
// timeout elapses.
func (s *MockFirebaseServer) WaitForMergeWrites(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		count := len(s.merges)
		s.mu.Unlock()
		if count >= n {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}
