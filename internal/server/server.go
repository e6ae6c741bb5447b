// Package server exposes the relay registry over HTTP(S), HTTP/3 and a
// WebSocket heartbeat channel.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/koltyakov/relayhub/internal/config"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/hubproto"
)

// Registry is the state machine the handlers drive.
type Registry interface {
	LivenessWindow() time.Duration
	Register(ctx context.Context, id domain.Identity, name, publicKey, address string) (domain.ServerRecord, error)
	AdjustReputation(ctx context.Context, id domain.Identity, delta int64) (int64, error)
	Heartbeat(ctx context.Context, id domain.Identity) (domain.HeartbeatOutcome, error)
	SelectServer(ctx context.Context, name, clientPublicKey string) (domain.Endpoint, error)
	ActiveServers(ctx context.Context) ([]domain.ActiveServer, error)
	Evict(ctx context.Context, olderThan time.Duration) (int, error)
}

// KeyResolver maps a peppered API key hash to the identity that owns it.
type KeyResolver interface {
	ResolveAPIKeyID(ctx context.Context, keyHash string) (domain.Identity, error)
}

type Server struct {
	cfg           config.ServerConfig
	registry      Registry
	keys          KeyResolver
	log           *slog.Logger
	metrics       *httpMetrics
	selectLimiter *rateLimiter
	hub           *hub
	now           func() time.Time

	// altSvc advertises the HTTP/3 endpoint when one is running.
	altSvc func(http.Header)
}

// hub tracks open heartbeat sockets so shutdown can close them.
type hub struct {
	mu    sync.Mutex
	conns map[*hubproto.Conn]struct{}
	wg    sync.WaitGroup
}

const (
	maxNameLen      = 128
	maxPublicKeyLen = 512
	maxAddressLen   = 256
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// New builds a server. promReg may be nil to skip metric registration.
func New(cfg config.ServerConfig, reg Registry, keys KeyResolver, logger *slog.Logger, promReg prometheus.Registerer) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg:           cfg,
		registry:      reg,
		keys:          keys,
		log:           logger,
		metrics:       newHTTPMetrics(promReg),
		selectLimiter: newRateLimiter(cfg.SelectRate, cfg.SelectBurst),
		hub:           &hub{conns: map[*hubproto.Conn]struct{}{}},
		now:           time.Now,
	}
}

// Handler returns the routed and instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /v1/servers/register", s.handleRegister)
	s.route(mux, "POST /v1/servers/reputation", s.handleReputation)
	s.route(mux, "POST /v1/servers/heartbeat", s.handleHeartbeat)
	s.route(mux, "GET /v1/servers/heartbeat/ws", s.handleHeartbeatWS)
	s.route(mux, "POST /v1/servers/select", s.handleSelect)
	s.route(mux, "GET /v1/servers/active", s.handleActive)
	s.route(mux, "POST /v1/admin/evict", s.handleEvict)
	s.route(mux, "GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s.withRequestID(mux)
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.Handle(pattern, s.instrument(pattern, h))
}
