// Package fingerprint derives a stable, non-cryptographic device
// identifier from client-supplied signals. It bounds anonymous trial
// usage; collisions across devices only pool their trial quota and are
// acceptable.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
	"strings"
)

// ClientTokenHeader carries an optional client-persisted identifier
// (e.g. a localStorage UUID). When present it keeps the fingerprint
// stable across IP changes.
const ClientTokenHeader = "X-Client-Token"

// Signals is the fixed tuple a fingerprint is derived from.
type Signals struct {
	ClientToken string
	IP          string
	UserAgent   string
}

// FromRequest extracts fingerprint signals from request metadata.
func FromRequest(r *http.Request) Signals {
	return Signals{
		ClientToken: strings.TrimSpace(r.Header.Get(ClientTokenHeader)),
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	}
}

// Derive computes the deterministic fingerprint for the given signals.
// A client token, when supplied, is the sole input; otherwise the
// fingerprint falls back to IP plus user agent.
func Derive(s Signals) string {
	var base string
	if s.ClientToken != "" {
		base = "ct:" + s.ClientToken
	} else {
		base = "ip:" + s.IP + "|ua:" + s.UserAgent
	}
	sum := sha256.Sum256([]byte(base))
	return hex.EncodeToString(sum[:16])
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		// Take first IP if multiple
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return strings.TrimSpace(xff)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
