package pipeline

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// ValidSignature verifies the HMAC-SHA-256 of the raw request body
// against the Base64 value of the X-Keycloak-Signature header. The
// comparison is constant time.
func ValidSignature(secret, body []byte, header string) bool {
	if header == "" {
		return false
	}
	claimed, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(claimed, mac.Sum(nil))
}
