package realtime

import (
	"encoding/json"
	"fmt"
)

// Wire protocol actions. Frames have the shape
// {"t":"d","d":{"r":<request-id>,"a":<action>,"b":{...}}} and responses
// correlate through the same r id.
const (
	actionHandshake = "s"
	actionAuth      = "auth"
	actionGet       = "g"
	actionQuery     = "q"
	actionMerge     = "m"
	actionData      = "d"
)

// keepAlivePayload is the literal text frame used as ping and ack. It is
// filtered out before JSON parsing.
const keepAlivePayload = "0"

// timestampField is stamped onto every outbound merge write.
const timestampField = "last_sync_datetime_device"

type frame struct {
	Type string    `json:"t"`
	Data frameData `json:"d"`
}

type frameData struct {
	RequestID int64           `json:"r,omitempty"`
	Action    string          `json:"a,omitempty"`
	Body      json.RawMessage `json:"b,omitempty"`
}

// frameBody is the decoded b block of an inbound frame. Pushes carry a data
// path in p and the payload in d; command responses carry a status in s.
type frameBody struct {
	Path   string          `json:"p"`
	Data   json.RawMessage `json:"d"`
	Status string          `json:"s"`
}

func encodeFrame(rid int64, action string, body any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s body: %w", action, err)
	}
	return json.Marshal(frame{
		Type: "d",
		Data: frameData{RequestID: rid, Action: action, Body: raw},
	})
}

// handshakeFrame carries the protocol/client metadata the server expects on a
// fresh connection.
func handshakeFrame(rid int64) ([]byte, error) {
	return encodeFrame(rid, actionHandshake, map[string]any{
		"c": map[string]int{"sdk.js.10-14-1": 1},
	})
}

// authFrame carries the Firebase ID token.
func authFrame(rid int64, idToken string) ([]byte, error) {
	return encodeFrame(rid, actionAuth, map[string]string{"cred": idToken})
}

// getFrame is a one-shot read of path, used to warm the server-side cache
// before subscribing.
func getFrame(rid int64, path string) ([]byte, error) {
	return encodeFrame(rid, actionGet, map[string]any{
		"p": path,
		"q": map[string]any{},
	})
}

// queryFrame subscribes to pushes for path.
func queryFrame(rid int64, path string) ([]byte, error) {
	return encodeFrame(rid, actionQuery, map[string]any{
		"p": path,
		"h": "",
	})
}

// mergeFrame is a partial write the server merges into existing state at path.
func mergeFrame(rid int64, path string, updates map[string]any) ([]byte, error) {
	return encodeFrame(rid, actionMerge, map[string]any{
		"p": path,
		"d": updates,
	})
}

func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return &f, nil
}

func decodeBody(f *frame) (*frameBody, error) {
	if len(f.Data.Body) == 0 {
		return nil, nil
	}
	var body frameBody
	if err := json.Unmarshal(f.Data.Body, &body); err != nil {
		return nil, fmt.Errorf("failed to decode frame body: %w", err)
	}
	return &body, nil
}
