package paygate

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex-encoded HMAC of the raw request body.
const SignatureHeader = "X-Payment-Signature"

// Sign computes the HMAC-SHA256 of body under secret, hex-encoded.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature against the raw body.
// Comparison is constant-time and case-insensitive on the hex encoding.
func VerifySignature(body []byte, receivedHex, secret string) bool {
	if secret == "" || receivedHex == "" {
		return false
	}
	expected := Sign(body, secret)
	received := strings.ToLower(strings.TrimSpace(receivedHex))
	return hmac.Equal([]byte(expected), []byte(received))
}
