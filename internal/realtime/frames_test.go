package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeFrame(t *testing.T) {
	payload, err := handshakeFrame(1)
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"d","d":{"r":1,"a":"s","b":{"c":{"sdk.js.10-14-1":1}}}}`, string(payload))
}

func TestAuthFrame(t *testing.T) {
	payload, err := authFrame(2, "id-token")
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"d","d":{"r":2,"a":"auth","b":{"cred":"id-token"}}}`, string(payload))
}

func TestGetAndQueryFrames(t *testing.T) {
	payload, err := getFrame(3, "/zones/z1/data")
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"d","d":{"r":3,"a":"g","b":{"p":"/zones/z1/data","q":{}}}}`, string(payload))

	payload, err = queryFrame(4, "/devices/SN-A")
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"d","d":{"r":4,"a":"q","b":{"p":"/devices/SN-A","h":""}}}`, string(payload))
}

func TestMergeFrameRoundTrip(t *testing.T) {
	payload, err := mergeFrame(5, "/devices/SN-A/data", map[string]any{
		"temp":   22.5,
		"status": "comfort",
	})
	require.NoError(t, err)

	f, err := decodeFrame(payload)
	require.NoError(t, err)
	assert.Equal(t, "d", f.Type)
	assert.Equal(t, int64(5), f.Data.RequestID)
	assert.Equal(t, actionMerge, f.Data.Action)

	body, err := decodeBody(f)
	require.NoError(t, err)
	require.NotNil(t, body)
	assert.Equal(t, "/devices/SN-A/data", body.Path)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(body.Data, &fields))
	assert.Equal(t, 22.5, fields["temp"])
	assert.Equal(t, "comfort", fields["status"])
}

func TestDecodeFrameRejectsGarbage(t *testing.T) {
	_, err := decodeFrame([]byte(`not json`))
	assert.Error(t, err)
}

func TestDecodeBodyEmpty(t *testing.T) {
	body, err := decodeBody(&frame{Type: "d"})
	require.NoError(t, err)
	assert.Nil(t, body)
}
