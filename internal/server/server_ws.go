package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/koltyakov/relayhub/internal/auth"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/hubproto"
)

// handleHeartbeatWS upgrades an authenticated node to the streaming
// heartbeat channel. Each heartbeat frame gets exactly one answer. The
// server closes the socket after it hands out an assignment.
func (s *Server) handleHeartbeatWS(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	keyHash := auth.HashAPIKey(auth.BearerToken(r), s.cfg.APIKeyPepper)
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "identity", id, "err", err)
		return
	}
	conn := hubproto.NewConn(ws, 0)
	if !s.hub.add(conn) {
		_ = conn.CloseNormal("server shutting down")
		return
	}
	s.log.Info("heartbeat stream opened", "identity", id)

	go func() {
		defer s.hub.wg.Done()
		defer s.hub.remove(conn)
		s.heartbeatLoop(id, keyHash, conn)
	}()
}

// heartbeatLoop answers heartbeat frames for id. The key is resolved again
// on every frame so a revoked key ends the stream.
func (s *Server) heartbeatLoop(id domain.Identity, keyHash string, conn *hubproto.Conn) {
	idle := 2 * s.registry.LivenessWindow()
	for {
		msg, err := conn.Read(idle)
		if errors.Is(err, hubproto.ErrInvalidFrame) {
			_ = conn.Write(hubproto.Error(msg.Seq, domain.CodeInvalidRequest, err.Error()))
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("heartbeat stream read error", "identity", id, "err", err)
			}
			_ = conn.Close()
			s.log.Info("heartbeat stream closed", "identity", id)
			return
		}
		if msg.Kind != hubproto.KindHeartbeat {
			_ = conn.Write(hubproto.Error(msg.Seq, domain.CodeInvalidRequest, "expected heartbeat frame"))
			continue
		}

		out, err := s.streamHeartbeat(id, keyHash)
		if errors.Is(err, domain.ErrUnauthorized) {
			s.metrics.requests.WithLabelValues("ws heartbeat frame", domain.CodeUnauthorized).Inc()
			_ = conn.Write(hubproto.Error(msg.Seq, domain.CodeUnauthorized, errorMessages[domain.CodeUnauthorized]))
			_ = conn.CloseNormal("api key revoked")
			s.log.Info("heartbeat stream closed after key revocation", "identity", id)
			return
		}
		if err != nil {
			code := domain.ErrorCode(err)
			if code == domain.CodeStoreUnavailable || code == domain.CodeInternal {
				s.log.Error("stream heartbeat failed", "identity", id, "err", err)
			}
			s.metrics.requests.WithLabelValues("ws heartbeat frame", code).Inc()
			if werr := conn.Write(hubproto.Error(msg.Seq, code, errorMessages[code])); werr != nil {
				_ = conn.Close()
				return
			}
			continue
		}
		s.metrics.requests.WithLabelValues("ws heartbeat frame", string(out.Status)).Inc()
		s.logHeartbeat(id, out)
		if err := conn.Write(hubproto.Result(msg.Seq, heartbeatResponse(out))); err != nil {
			s.log.Warn("heartbeat stream write failed", "identity", id, "err", err)
			_ = conn.Close()
			return
		}
		if out.Assigned() {
			_ = conn.CloseNormal("assignment delivered")
			s.log.Info("heartbeat stream closed after assignment", "identity", id)
			return
		}
	}
}

func (s *Server) streamHeartbeat(id domain.Identity, keyHash string) (domain.HeartbeatOutcome, error) {
	timeout := s.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	current, err := s.resolveKeyHash(ctx, keyHash)
	if err != nil {
		return domain.HeartbeatOutcome{}, err
	}
	if current != id {
		return domain.HeartbeatOutcome{}, domain.ErrUnauthorized
	}
	return s.registry.Heartbeat(ctx, id)
}

// add tracks c and counts its loop goroutine. It fails after closeAll, so
// the count never grows once shutdown has started waiting.
func (h *hub) add(c *hubproto.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns == nil {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *hub) remove(c *hubproto.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
}

// closeAll closes every open stream and refuses new ones.
func (h *hub) closeAll() {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()

	for c := range conns {
		_ = c.CloseNormal("server shutting down")
	}
}
