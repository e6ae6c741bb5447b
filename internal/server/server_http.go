package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/koltyakov/relayhub/internal/domain"
)

var errorMessages = map[string]string{
	domain.CodeAlreadyRegistered: "server already registered",
	domain.CodeNotFound:          "server not found",
	domain.CodeStoreUnavailable:  "registry temporarily unavailable",
	domain.CodeInvalidRequest:    "invalid request",
	domain.CodeUnauthorized:      "invalid api key",
	domain.CodeInternal:          "internal error",
}

func statusForCode(code string) int {
	switch code {
	case domain.CodeAlreadyRegistered:
		return http.StatusConflict
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeStoreUnavailable:
		return http.StatusServiceUnavailable
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeForbidden:
		return http.StatusForbidden
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError is the single place registry errors become user-facing text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	switch code {
	case domain.CodeStoreUnavailable, domain.CodeInternal:
		s.log.Error("request failed", "route", r.Pattern, "err", err, "request_id", requestID(r.Context()))
	default:
		s.log.Debug("request rejected", "route", r.Pattern, "err", err, "request_id", requestID(r.Context()))
	}
	writeJSON(w, statusForCode(code), domain.ErrorResponse{Error: errorMessages[code], ErrorCode: code})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

// decodeRequest decodes the JSON body into dst, answering 400 or 413 itself
// when it returns false.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSONBody(w, r, s.cfg.MaxBodyBytes, dst)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeJSON(w, http.StatusRequestEntityTooLarge, domain.ErrorResponse{Error: "request body too large", ErrorCode: domain.CodeInvalidRequest})
		return false
	}
	writeJSON(w, http.StatusBadRequest, domain.ErrorResponse{Error: "invalid json", ErrorCode: domain.CodeInvalidRequest})
	return false
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errors.New("request body must contain a single JSON object")
		}
		return err
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// waitGroupWait blocks until wg reaches zero or timeout elapses.
// Returns false if the timeout fired before all goroutines finished.
func waitGroupWait(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
