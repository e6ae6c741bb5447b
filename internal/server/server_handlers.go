package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/koltyakov/relayhub/internal/auth"
	"github.com/koltyakov/relayhub/internal/domain"
	"github.com/koltyakov/relayhub/internal/netutil"
)

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req domain.RegisterRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.PublicKey = strings.TrimSpace(req.PublicKey)
	req.Address = strings.TrimSpace(req.Address)
	if msg := validateRegisterRequest(req); msg != "" {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: msg, ErrorCode: domain.CodeInvalidRequest})
		return
	}

	rec, err := s.registry.Register(r.Context(), id, req.Name, req.PublicKey, req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("relay registered", "identity", id, "name", rec.Name, "address", rec.Address, "request_id", requestID(r.Context()))
	writeJSON(w, http.StatusCreated, domain.RegisterResponse{
		Identity:   id,
		Message:    "registered",
		LastActive: rec.LastActive,
	})
}

func (s *Server) handleReputation(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req domain.ReputationRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	req.Identity = domain.Identity(strings.TrimSpace(string(req.Identity)))
	if req.Identity == "" {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "identity is required", ErrorCode: domain.CodeInvalidRequest})
		return
	}

	score, err := s.registry.AdjustReputation(r.Context(), req.Identity, req.Delta)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("reputation adjusted", "identity", req.Identity, "delta", req.Delta, "reputation", score)
	writeJSON(w, http.StatusOK, domain.ReputationResponse{
		Identity:   req.Identity,
		Reputation: score,
		Message:    "reputation updated",
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	out, err := s.registry.Heartbeat(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logHeartbeat(id, out)
	writeJSON(w, http.StatusOK, heartbeatResponse(out))
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	if !s.selectLimiter.allow(netutil.ClientIP(r, s.cfg.TrustProxy)) {
		writeJSON(w, http.StatusTooManyRequests, domain.ErrorResponse{Error: "rate limit exceeded", ErrorCode: domain.CodeRateLimited})
		return
	}
	var req domain.SelectRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	req.ClientPublicKey = strings.TrimSpace(req.ClientPublicKey)
	if req.Name == "" || req.ClientPublicKey == "" {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "name and client_public_key are required", ErrorCode: domain.CodeInvalidRequest})
		return
	}
	if len(req.Name) > maxNameLen || len(req.ClientPublicKey) > maxPublicKeyLen {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "name or client_public_key too long", ErrorCode: domain.CodeInvalidRequest})
		return
	}

	ep, err := s.registry.SelectServer(r.Context(), req.Name, req.ClientPublicKey)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("relay selected", "name", req.Name, "request_id", requestID(r.Context()))
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) handleActive(w http.ResponseWriter, r *http.Request) {
	servers, err := s.registry.ActiveServers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if servers == nil {
		servers = []domain.ActiveServer{}
	}
	writeJSON(w, http.StatusOK, domain.ActiveServersResponse{Servers: servers})
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	if !s.requireAdmin(w, r) {
		return
	}
	var req domain.EvictRequest
	if !s.decodeRequest(w, r, &req) {
		return
	}
	if req.OlderThanSeconds <= 0 {
		writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "older_than_seconds must be > 0", ErrorCode: domain.CodeInvalidRequest})
		return
	}
	n, err := s.registry.Evict(r.Context(), time.Duration(req.OlderThanSeconds)*time.Second)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.log.Info("evicted idle relays", "count", n, "older_than_seconds", req.OlderThanSeconds)
	writeJSON(w, http.StatusOK, domain.EvictResponse{Evicted: n})
}

// authenticate resolves the bearer API key to a registry identity. It
// writes the error response itself when it returns false.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	key := auth.BearerToken(r)
	if key == "" {
		writeJSON(w, http.StatusUnauthorized, domain.ErrorResponse{Error: "missing api key", ErrorCode: domain.CodeUnauthorized})
		return "", false
	}
	id, err := s.resolveIdentity(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return "", false
	}
	return id, true
}

func (s *Server) resolveIdentity(ctx context.Context, key string) (domain.Identity, error) {
	return s.resolveKeyHash(ctx, auth.HashAPIKey(key, s.cfg.APIKeyPepper))
}

func (s *Server) resolveKeyHash(ctx context.Context, keyHash string) (domain.Identity, error) {
	id, err := s.keys.ResolveAPIKeyID(ctx, keyHash)
	if err != nil {
		if isNoRows(err) {
			return "", domain.ErrUnauthorized
		}
		return "", &domain.RegistryError{Op: "authenticate", Err: errors.Join(domain.ErrStoreUnavailable, err)}
	}
	return id, nil
}

func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if auth.AdminTokenMatches(s.cfg.AdminToken, auth.BearerToken(r)) {
		return true
	}
	writeJSON(w, http.StatusForbidden, domain.ErrorResponse{Error: "admin token required", ErrorCode: domain.CodeForbidden})
	return false
}

func (s *Server) logHeartbeat(id domain.Identity, out domain.HeartbeatOutcome) {
	if out.Assigned() {
		s.log.Info("assignment delivered", "identity", id)
		return
	}
	s.log.Debug("liveness recorded", "identity", id)
}

func heartbeatResponse(out domain.HeartbeatOutcome) domain.HeartbeatResponse {
	msg := "liveness recorded"
	if out.Assigned() {
		msg = "assignment delivered"
	}
	return domain.HeartbeatResponse{HeartbeatOutcome: out, Message: msg}
}

func validateRegisterRequest(req domain.RegisterRequest) string {
	switch {
	case req.Name == "":
		return "name is required"
	case req.PublicKey == "":
		return "public_key is required"
	case req.Address == "":
		return "address is required"
	case len(req.Name) > maxNameLen:
		return "name is too long"
	case len(req.PublicKey) > maxPublicKeyLen:
		return "public_key is too long"
	case len(req.Address) > maxAddressLen:
		return "address is too long"
	}
	return ""
}
