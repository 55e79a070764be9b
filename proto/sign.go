package proto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// SignHostname returns the signature the agent presents alongside its
// hostname when opening the control channel.
func SignHostname(hostname, key string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(hostname))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches hostname under key.
func VerifySignature(hostname, key, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(SignHostname(hostname, key)))
}
