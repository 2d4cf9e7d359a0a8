package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// Signature computes the webhook signature the provider attaches to
// callbacks: base64 HMAC-SHA256 of the full public URL followed by the raw
// request body, keyed with the shared secret.
func Signature(secret, fullURL string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fullURL))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret, fullURL string, body []byte, provided string) bool {
	expected := Signature(secret, fullURL, body)
	return hmac.Equal([]byte(expected), []byte(provided))
}
