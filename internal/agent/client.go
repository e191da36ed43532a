package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// ErrTransferRejected is returned when a peer refuses a transferred token.
var ErrTransferRejected = errors.New("peer rejected token")

// Client talks to the peer server of another device.
type Client struct {
	httpClient *http.Client
	dialer     *websocket.Dialer
	transfers  TransferRecorder
}

// NewClient creates a peer client. transfers may be nil.
func NewClient(transfers TransferRecorder) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: transferTimeout,
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		transfers: transfers,
	}
}

// Status retrieves the status of the peer at addr ("host:port").
func (c *Client) Status(ctx context.Context, addr string) (*StatusResponse, error) {
	var status StatusResponse
	body, err := c.get(ctx, "http://"+addr+"/v1/status")
	if err != nil {
		return nil, fmt.Errorf("get peer status: %w", err)
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("decode peer status: %w", err)
	}
	return &status, nil
}

// FetchToken downloads the peer's current token in encrypted transport form.
func (c *Client) FetchToken(ctx context.Context, addr string) ([]byte, error) {
	body, err := c.get(ctx, "http://"+addr+"/v1/token")
	if err != nil {
		c.record("fetched", "error")
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	c.record("fetched", "ok")
	return body, nil
}

// SendToken sends an encoded token to the peer at addr and waits for its ack.
// A token the peer refuses yields ErrTransferRejected together with the ack.
func (c *Client) SendToken(ctx context.Context, addr string, data []byte) (*TransferAck, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/v1/transfer"}

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.record("sent", "error")
		return nil, fmt.Errorf("dial peer %s: %w", addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(transferTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetWriteDeadline(deadline)
	_ = conn.SetReadDeadline(deadline)

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.record("sent", "error")
		return nil, fmt.Errorf("send token: %w", err)
	}

	var ack TransferAck
	if err := conn.ReadJSON(&ack); err != nil {
		c.record("sent", "error")
		return nil, fmt.Errorf("read ack: %w", err)
	}
	if ack.Status != "ok" {
		c.record("sent", "rejected")
		return &ack, fmt.Errorf("%w: %s", ErrTransferRejected, ack.Error)
	}
	c.record("sent", "ok")
	return &ack, nil
}

func (c *Client) record(direction, result string) {
	if c.transfers != nil {
		c.transfers.RecordTransfer(direction, result)
	}
}

func (c *Client) get(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTransferSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("peer error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return nil, fmt.Errorf("peer error (%d)", resp.StatusCode)
	}
	return body, nil
}
