package middleware

import (
	"context"
	"net/http"

	"github.com/agentdeck/agentdeck-api/internal/pkg/fingerprint"
)

const FingerprintKey contextKey = "fingerprint"

// Identity computes the device fingerprint for every request and stores
// it in the context. The fingerprint is always derived, even for
// authenticated users, so trial usage can follow a device through
// signup (trial-to-paid continuity).
func Identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fp := fingerprint.Derive(fingerprint.FromRequest(r))
		ctx := context.WithValue(r.Context(), FingerprintKey, fp)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetFingerprint extracts the device fingerprint from context.
func GetFingerprint(ctx context.Context) string {
	if fp, ok := ctx.Value(FingerprintKey).(string); ok {
		return fp
	}
	return ""
}
