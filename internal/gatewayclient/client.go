// Package gatewayclient talks to the station gateway that owns the
// websocket connections. The gateway relays encoded CALL frames to the
// station and echoes everything back onto the event queue.
package gatewayclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 15 * time.Second},
	}
}

// SendFrame posts one OCPP frame for delivery to the device.
func (c *Client) SendFrame(ctx context.Context, deviceId string, frame []byte) error {
	url := fmt.Sprintf("%s/v1/gateway/devices/%s/frames", c.BaseURL, deviceId)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
