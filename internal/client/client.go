// Package client is the HTTP and WebSocket client for the relayhub registry
// API. Relay nodes use it with an API key; operators use it with the admin
// token.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/hubproto"
)

const (
	defaultTimeout     = 15 * time.Second
	wsHandshakeTimeout = 10 * time.Second
	maxErrorBodyBytes  = 4096
)

// Options configures a [Client].
type Options struct {
	APIKey     string
	AdminToken string
	Timeout    time.Duration
	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client talks to one relayhub server.
type Client struct {
	baseURL    string
	apiKey     string
	adminToken string
	http       *http.Client
	wsDialer   *websocket.Dialer
}

// New returns a client for the server at serverURL.
func New(serverURL string, opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: wsHandshakeTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	if tr, ok := hc.Transport.(*http.Transport); ok && tr.TLSClientConfig != nil {
		dialer.TLSClientConfig = tr.TLSClientConfig.Clone()
	}
	return &Client{
		baseURL:    strings.TrimSuffix(strings.TrimSpace(serverURL), "/"),
		apiKey:     strings.TrimSpace(opts.APIKey),
		adminToken: strings.TrimSpace(opts.AdminToken),
		http:       hc,
		wsDialer:   dialer,
	}
}

// Register announces this node under the API key's identity.
func (c *Client) Register(ctx context.Context, req domain.RegisterRequest) (domain.RegisterResponse, error) {
	var out domain.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/v1/servers/register", c.apiKey, req, &out)
	return out, err
}

// Heartbeat refreshes liveness or collects a pending client assignment.
func (c *Client) Heartbeat(ctx context.Context) (domain.HeartbeatResponse, error) {
	var out domain.HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/v1/servers/heartbeat", c.apiKey, nil, &out)
	return out, err
}

// Select matches clientPublicKey to the best active relay named name.
func (c *Client) Select(ctx context.Context, name, clientPublicKey string) (domain.Endpoint, error) {
	var out domain.Endpoint
	err := c.do(ctx, http.MethodPost, "/v1/servers/select", "", domain.SelectRequest{
		Name:            name,
		ClientPublicKey: clientPublicKey,
	}, &out)
	return out, err
}

// ActiveServers lists relays heard from within the liveness window.
func (c *Client) ActiveServers(ctx context.Context) ([]domain.ActiveServer, error) {
	var out domain.ActiveServersResponse
	if err := c.do(ctx, http.MethodGet, "/v1/servers/active", "", nil, &out); err != nil {
		return nil, err
	}
	return out.Servers, nil
}

// AdjustReputation changes a relay's score. Requires the admin token.
func (c *Client) AdjustReputation(ctx context.Context, id domain.Identity, delta int64) (domain.ReputationResponse, error) {
	var out domain.ReputationResponse
	err := c.do(ctx, http.MethodPost, "/v1/servers/reputation", c.adminToken, domain.ReputationRequest{
		Identity: id,
		Delta:    delta,
	}, &out)
	return out, err
}

// Evict removes relays idle for longer than olderThan. Requires the admin
// token.
func (c *Client) Evict(ctx context.Context, olderThan time.Duration) (int, error) {
	secs := int64(olderThan / time.Second)
	if secs <= 0 {
		return 0, fmt.Errorf("%w: older-than must be at least one second", domain.ErrInvalidArgument)
	}
	var out domain.EvictResponse
	if err := c.do(ctx, http.MethodPost, "/v1/admin/evict", c.adminToken, domain.EvictRequest{OlderThanSeconds: secs}, &out); err != nil {
		return 0, err
	}
	return out.Evicted, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", "", nil, nil)
}

// DialHeartbeat opens the heartbeat WebSocket channel.
func (c *Client) DialHeartbeat(ctx context.Context) (*hubproto.Conn, error) {
	target, err := wsURL(c.baseURL, "/v1/servers/heartbeat/ws")
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.apiKey)
	ws, resp, err := c.wsDialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			return nil, decodeAPIError(resp)
		}
		return nil, fmt.Errorf("ws connect: %w", err)
	}
	return hubproto.NewConn(ws, 0), nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	var errResp domain.ErrorResponse
	if json.Unmarshal(b, &errResp) == nil && errResp.Error != "" {
		apiErr.Message = errResp.Error
		apiErr.Code = errResp.ErrorCode
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

func wsURL(base, path string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server url: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", errors.New("server url must use http or https")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	return u.String(), nil
}
