package server

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"github.com/koltyakov/relayhub/internal/config"
)

// tlsSetup is the listener security chosen by the TLS mode. challenge is
// set only in acme mode and answers HTTP-01 requests.
type tlsSetup struct {
	config    *tls.Config
	challenge *http.Server
}

func (s *Server) buildTLS() (tlsSetup, error) {
	switch s.cfg.TLSMode {
	case config.TLSStatic:
		cert, err := tls.LoadX509KeyPair(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
		if err != nil {
			return tlsSetup{}, fmt.Errorf("load tls certificate: %w", err)
		}
		subject := ""
		if len(cert.Certificate) > 0 {
			if leaf, err := x509.ParseCertificate(cert.Certificate[0]); err == nil {
				subject = leaf.Subject.String()
			}
		}
		s.log.Info("static TLS certificate loaded", "cert_file", s.cfg.TLSCertFile, "subject", subject)
		return tlsSetup{config: &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		}}, nil
	case config.TLSACME:
		manager := &autocert.Manager{
			Cache:      autocert.DirCache(s.cfg.CertCacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(s.cfg.ACMEDomain),
		}
		tlsConfig := manager.TLSConfig()
		tlsConfig.MinVersion = tls.VersionTLS12
		return tlsSetup{
			config: tlsConfig,
			challenge: &http.Server{
				Addr:              s.cfg.ACMEListen,
				Handler:           manager.HTTPHandler(http.NotFoundHandler()),
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
			},
		}, nil
	default:
		return tlsSetup{}, nil
	}
}

// tlsErrorLogWriter routes net/http's error log through slog, demoting the
// handshake noise that scanners produce.
type tlsErrorLogWriter struct {
	log                  *slog.Logger
	acme                 bool
	provisioningHintOnce sync.Once
}

func newTLSErrorLogWriter(logger *slog.Logger, acme bool) *tlsErrorLogWriter {
	return &tlsErrorLogWriter{log: logger, acme: acme}
}

func (w *tlsErrorLogWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line == "" {
		return len(p), nil
	}
	if w.logHandshakeLine(line) {
		return len(p), nil
	}
	w.log.Warn("http server error", "err", line)
	return len(p), nil
}

func (w *tlsErrorLogWriter) logHandshakeLine(line string) bool {
	const marker = "TLS handshake error from "
	idx := strings.Index(line, marker)
	if idx < 0 {
		return false
	}
	payload := line[idx+len(marker):]
	addr, reason, ok := strings.Cut(payload, ": ")
	if !ok {
		w.log.Debug("tls handshake dropped", "detail", payload)
		return true
	}
	addr = strings.TrimSpace(addr)
	reason = strings.TrimSpace(reason)
	switch {
	case isScannerTLSReason(reason):
		w.log.Debug("tls handshake rejected", "remote_addr", addr, "reason", reason)
	case w.acme && isProvisioningTLSReason(reason):
		w.provisioningHintOnce.Do(func() {
			w.log.Info("ACME certificate provisioning in progress; initial handshake failures are expected")
		})
		w.log.Debug("tls handshake failed during provisioning", "remote_addr", addr, "reason", reason)
	default:
		w.log.Warn("tls handshake failed", "remote_addr", addr, "reason", reason)
	}
	return true
}

func isProvisioningTLSReason(reason string) bool {
	reason = strings.ToLower(reason)
	return strings.Contains(reason, "bad certificate") ||
		strings.Contains(reason, "failed to verify certificate") ||
		strings.Contains(reason, "x509:")
}

func isScannerTLSReason(reason string) bool {
	reason = strings.ToLower(reason)
	if reason == "eof" {
		return true
	}
	for _, s := range []string{
		"missing server name",
		"unsupported application protocols",
		"offered only unsupported versions",
		"no cipher suite supported",
		"host not allowed",
		"not configured in hostwhitelist",
		"connection reset by peer",
		"i/o timeout",
		"first record does not look like a tls handshake",
		"http request to an https server",
	} {
		if strings.Contains(reason, s) {
			return true
		}
	}
	return false
}
