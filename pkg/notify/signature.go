package notify

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignatureHeader carries the payload HMAC on outbound notifications.
const SignatureHeader = "X-Tally-Signature"

// Sign computes the hex HMAC-SHA256 of the payload under the shared
// secret, prefixed with the algorithm name.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether a received signature matches the
// payload. Comparison is constant-time.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}
