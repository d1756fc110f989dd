// Package egress sends messages back into chat through the bridge process's
// REST API. Delivery is best-effort: the bridge owns the session, we only
// hand it text.
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fibreops/dropwatch/internal/errors"
)

// Channel is the outbound message surface.
type Channel interface {
	Send(ctx context.Context, chatJID, text string) error
	Health(ctx context.Context) error
}

type sendRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// BridgeClient talks to the bridge's HTTP API.
type BridgeClient struct {
	baseURL string
	client  *http.Client
}

// NewBridgeClient builds a client for the bridge at baseURL.
func NewBridgeClient(baseURL string, timeout time.Duration) *BridgeClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &BridgeClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// Send implements Channel.
func (c *BridgeClient) Send(ctx context.Context, chatJID, text string) error {
	if chatJID == "" {
		return errors.InvalidInput("send needs a recipient jid")
	}

	body, err := json.Marshal(sendRequest{Recipient: chatJID, Message: text})
	if err != nil {
		return errors.Wrap(err, "encode send request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/send", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build send request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.MapError(err), "post to bridge")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return errors.Transient(fmt.Sprintf("bridge returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return errors.InvalidInput(fmt.Sprintf("bridge rejected send with %d", resp.StatusCode))
	}

	var sr sendResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&sr); err != nil {
		return errors.Wrap(errors.MapError(err), "decode bridge response")
	}
	if !sr.Success {
		return errors.Transient("bridge send failed: " + sr.Message)
	}
	return nil
}

// Health implements Channel. The bridge has no dedicated health endpoint;
// any HTTP response at all means the process is up.
func (c *BridgeClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(errors.MapError(err), "bridge unreachable")
	}
	resp.Body.Close()
	return nil
}
