// Package api is the vendor REST command client, the secondary write path
// that stays usable when the realtime channel is down or disabled.
package api

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

	"rointenexa/internal/auth"
)

// TokenSource supplies REST tokens and supports invalidating a token the
// server rejected.
type TokenSource interface {
	Token(ctx context.Context, kind auth.TokenKind) (string, error)
	Invalidate(kind auth.TokenKind)
}

// Client issues device commands and status reads over the vendor HTTP API.
type Client struct {
	base   string
	tokens TokenSource
	client *http.Client
	logger *zap.Logger
}

// NewClient creates a REST command client against the given API base.
func NewClient(base string, tokens TokenSource, httpClient *http.Client, logger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:   strings.TrimRight(base, "/"),
		tokens: tokens,
		client: httpClient,
		logger: logger,
	}
}

// DeviceStatus reads the current status document for a device by UUID.
func (c *Client) DeviceStatus(ctx context.Context, deviceID string) (map[string]any, error) {
	payload, err := c.do(ctx, http.MethodGet, "/devices/"+deviceID+"/status", nil)
	if err != nil {
		return nil, err
	}
	var status map[string]any
	if err := json.Unmarshal(payload, &status); err != nil {
		return nil, fmt.Errorf("failed to decode device status: %w", err)
	}
	return status, nil
}

// Control posts a combined command (status, power, temperature fields) for a
// device by UUID.
func (c *Client) Control(ctx context.Context, deviceID string, updates map[string]any) error {
	body := make(map[string]any, len(updates)+1)
	for k, v := range updates {
		body[k] = v
	}
	body["deviceId"] = deviceID

	_, err := c.do(ctx, http.MethodPost, "/device/control", body)
	return err
}

// SetTemperature sets the target temperature for a device.
func (c *Client) SetTemperature(ctx context.Context, deviceID string, temperature float64) error {
	_, err := c.do(ctx, http.MethodPost, "/devices/"+deviceID+"/temperature",
		map[string]any{"temperature": temperature})
	return err
}

// SetPower sets the power state for a device.
func (c *Client) SetPower(ctx context.Context, deviceID string, on bool) error {
	_, err := c.do(ctx, http.MethodPost, "/devices/"+deviceID+"/power",
		map[string]any{"power": on})
	return err
}

// do performs one authenticated request, retrying once with a fresh token
// when the server rejects the current one.
func (c *Client) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	payload, status, err := c.doOnce(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized || status == http.StatusForbidden {
		c.logger.Debug("REST token rejected, refreshing and retrying",
			zap.String("path", path))
		c.tokens.Invalidate(auth.TokenREST)
		payload, status, err = c.doOnce(ctx, method, path, body)
		if err != nil {
			return nil, err
		}
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("%s %s returned status %d: %s", method, path, status, truncate(payload))
	}
	return payload, nil
}

func (c *Client) doOnce(ctx context.Context, method, path string, body any) ([]byte, int, error) {
	token, err := c.tokens.Token(ctx, auth.TokenREST)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to get REST token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("token", token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s response: %w", path, err)
	}
	return payload, resp.StatusCode, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
