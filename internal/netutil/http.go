// Package netutil provides shared HTTP/network helpers.
package netutil

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the caller's IP for rate limiting. With trustProxy set the
// left-most X-Forwarded-For entry wins, otherwise the transport peer does.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
		if ip := normalizeIP(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	return normalizeIP(r.RemoteAddr)
}

// normalizeIP strips ports and brackets and canonicalizes the address.
// Unparseable input is returned trimmed so distinct peers stay distinct.
func normalizeIP(raw string) string {
	v := strings.TrimSpace(raw)
	if v == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(v); err == nil {
		v = h
	}
	v = strings.TrimSuffix(strings.TrimPrefix(v, "["), "]")
	if ip := net.ParseIP(v); ip != nil {
		return ip.String()
	}
	return v
}
