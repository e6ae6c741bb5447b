package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/hubproto"
	"github.com/koltyakov/relayhub/internal/hubtest"
)

func TestRegisterHeartbeatSelectFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub := hubtest.New(t)
	key, id := hub.NewAPIKey(t, "relay-a")

	node := New(hub.URL, Options{APIKey: key, HTTPClient: hub.HTTP.Client()})
	reg, err := node.Register(ctx, domain.RegisterRequest{Name: "srv1", PublicKey: "pubA", Address: "10.0.0.5"})
	require.NoError(t, err)
	assert.Equal(t, id, reg.Identity)

	_, err = node.Register(ctx, domain.RegisterRequest{Name: "srv1", PublicKey: "pubA", Address: "10.0.0.5"})
	require.ErrorIs(t, err, domain.ErrAlreadyRegistered)
	assert.False(t, IsRetriable(err))

	hb, err := node.Heartbeat(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.HeartbeatLivenessRecorded, hb.Status)

	public := New(hub.URL, Options{HTTPClient: hub.HTTP.Client()})
	active, err := public.ActiveServers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.ActiveServer{{Name: "srv1", PublicKey: "pubA", Address: "10.0.0.5"}}, active)

	ep, err := public.Select(ctx, "srv1", "pubClientX")
	require.NoError(t, err)
	assert.Equal(t, domain.Endpoint{PublicKey: "pubA", Address: "10.0.0.5"}, ep)

	hb, err = node.Heartbeat(ctx)
	require.NoError(t, err)
	assert.True(t, hb.Assigned())
	assert.Equal(t, "pubClientX", hb.ClientPublicKey)

	require.NoError(t, public.Health(ctx))
}

func TestSentinelMatching(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub := hubtest.New(t)
	key, _ := hub.NewAPIKey(t, "relay-a")

	_, err := New(hub.URL, Options{APIKey: key, HTTPClient: hub.HTTP.Client()}).Heartbeat(ctx)
	require.ErrorIs(t, err, domain.ErrNotFound)

	_, err = New(hub.URL, Options{APIKey: "bogus", HTTPClient: hub.HTTP.Client()}).Heartbeat(ctx)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)

	_, err = New(hub.URL, Options{HTTPClient: hub.HTTP.Client()}).Select(ctx, "missing", "pubClientX")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.NotErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAdminOperations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub := hubtest.New(t)
	key, id := hub.NewAPIKey(t, "relay-a")

	node := New(hub.URL, Options{APIKey: key, HTTPClient: hub.HTTP.Client()})
	_, err := node.Register(ctx, domain.RegisterRequest{Name: "srv1", PublicKey: "pubA", Address: "10.0.0.5"})
	require.NoError(t, err)

	notAdmin := New(hub.URL, Options{AdminToken: "wrong", HTTPClient: hub.HTTP.Client()})
	_, err = notAdmin.AdjustReputation(ctx, id, 5)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, domain.CodeForbidden, apiErr.Code)

	admin := New(hub.URL, Options{AdminToken: hubtest.AdminToken, HTTPClient: hub.HTTP.Client()})
	rep, err := admin.AdjustReputation(ctx, id, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), rep.Reputation)
	rep, err = admin.AdjustReputation(ctx, id, -7)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), rep.Reputation)

	_, err = admin.Evict(ctx, 0)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	hub.Clock.Advance(10 * time.Minute)
	n, err := admin.Evict(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = admin.AdjustReputation(ctx, id, 1)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDialHeartbeat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	hub := hubtest.New(t)
	key, _ := hub.NewAPIKey(t, "relay-a")

	node := New(hub.URL, Options{APIKey: key, HTTPClient: hub.HTTP.Client()})
	_, err := node.Register(ctx, domain.RegisterRequest{Name: "srv1", PublicKey: "pubA", Address: "10.0.0.5"})
	require.NoError(t, err)

	conn, err := node.DialHeartbeat(ctx)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write(hubproto.Heartbeat(1)))
	msg, err := conn.Read(5 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, hubproto.KindHeartbeatResult, msg.Kind)
	assert.Equal(t, uint64(1), msg.Seq)
	require.NotNil(t, msg.Result)
	assert.Equal(t, domain.HeartbeatLivenessRecorded, msg.Result.Status)

	_, err = New(hub.URL, Options{APIKey: "bogus", HTTPClient: hub.HTTP.Client()}).DialHeartbeat(ctx)
	require.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestPlainTextErrorBody(t *testing.T) {
	t.Parallel()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL, Options{HTTPClient: ts.Client()}).ActiveServers(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "upstream exploded", apiErr.Message)
	assert.Empty(t, apiErr.Code)
	assert.True(t, IsRetriable(err))
}

func TestIsRetriable(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("wrap: %w", context.Canceled), false},
		{"network", errors.New("dial tcp: connection refused"), true},
		{"rate limited", &APIError{StatusCode: http.StatusTooManyRequests}, true},
		{"store unavailable", &APIError{StatusCode: http.StatusServiceUnavailable, Code: domain.CodeStoreUnavailable}, true},
		{"unauthorized", &APIError{StatusCode: http.StatusUnauthorized, Code: domain.CodeUnauthorized}, false},
		{"bad request", &APIError{StatusCode: http.StatusBadRequest}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetriable(tt.err))
		})
	}
}

func TestWSURL(t *testing.T) {
	t.Parallel()
	got, err := wsURL("https://hub.example.com/base/", "/v1/servers/heartbeat/ws")
	require.NoError(t, err)
	assert.Equal(t, "wss://hub.example.com/base/v1/servers/heartbeat/ws", got)

	got, err = wsURL("http://127.0.0.1:8080", "/x")
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8080/x", got)

	_, err = wsURL("ftp://example.com", "/x")
	require.Error(t, err)
}

func TestShortenError(t *testing.T) {
	t.Parallel()
	err := &url.Error{Op: "Post", URL: "http://127.0.0.1:1", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}
	assert.Equal(t, syscall.ECONNREFUSED.Error(), ShortenError(err))
	assert.Equal(t, "plain", ShortenError(errors.New("plain")))
}

func TestIsTLSProvisioningError(t *testing.T) {
	t.Parallel()
	assert.True(t, IsTLSProvisioningError(errors.New("tls: failed to verify certificate: x509: certificate signed by unknown authority")))
	assert.False(t, IsTLSProvisioningError(errors.New("connection refused")))
	assert.False(t, IsTLSProvisioningError(nil))
}
