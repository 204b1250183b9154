package httpjson

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/WALL-EEEEEEE/aeron/pkg/transport"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
	httpc     *http.Client
	transport *http.Transport
	isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	tr := &http.Transport{}
	return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
	if c.transport != nil {
		c.transport.TLSClientConfig = cfg
	}
	c.isTLS = cfg != nil
	return c
}

var _ transport.RPCClient = (*Client)(nil)

func (c *Client) url(addr, path string) string {
	scheme := "http"
	if c.isTLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(addr, "/status"), nil)
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		resp, err := c.httpc.Do(req)
		if err != nil {
			lastErr = err
		} else {
			body, rerr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if rerr != nil {
				lastErr = rerr
			} else if resp.StatusCode != http.StatusOK {
				lastErr = fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
			} else {
				return body, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return nil, lastErr
}

// postJSON POSTs req to path and decodes the response into out, retrying with
// exponential backoff. The response body is decoded even on error statuses so
// the server-side Error field survives the round trip.
func (c *Client) postJSON(ctx context.Context, addr, path string, req any, out any, errField func() string) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(addr, path), bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		resp, err := c.httpc.Do(httpReq)
		if err != nil {
			lastErr = err
		} else {
			b, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			_ = json.Unmarshal(b, out)
			if resp.StatusCode != http.StatusOK {
				if msg := errField(); msg != "" {
					lastErr = errors.New(msg)
				} else {
					lastErr = fmt.Errorf("%s status %d: %s", path, resp.StatusCode, string(b))
				}
			} else {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return lastErr
		case <-time.After(time.Duration(100*(1<<attempt)) * time.Millisecond):
		}
	}
	return lastErr
}

func (c *Client) PostJoin(ctx context.Context, addr string, req transport.JoinRequest) (transport.JoinResponse, error) {
	var out transport.JoinResponse
	err := c.postJSON(ctx, addr, "/join", req, &out, func() string { return out.Error })
	return out, err
}

func (c *Client) PostLeave(ctx context.Context, addr string, req transport.LeaveRequest) (transport.LeaveResponse, error) {
	var out transport.LeaveResponse
	err := c.postJSON(ctx, addr, "/leave", req, &out, func() string { return out.Error })
	return out, err
}

func (c *Client) PostSnapshot(ctx context.Context, addr string) (transport.SnapshotResponse, error) {
	var out transport.SnapshotResponse
	err := c.postJSON(ctx, addr, "/snapshot", struct{}{}, &out, func() string { return out.Error })
	return out, err
}

func (c *Client) PostPropose(ctx context.Context, addr string, req transport.ProposeRequest) (transport.ProposeResponse, error) {
	var out transport.ProposeResponse
	err := c.postJSON(ctx, addr, "/propose", req, &out, func() string { return out.Error })
	return out, err
}
