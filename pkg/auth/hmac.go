// Package auth covers both trust boundaries: HMAC signatures on channel
// webhooks and bearer JWTs on the admin API.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignBody computes the hex HMAC-SHA256 of body under secret.
func SignBody(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the presented signature against every candidate
// secret in constant time per candidate. Multiple secrets cover the rotation
// grace window, where the previous secret must keep verifying.
func VerifySignature(signature string, body []byte, secrets []string) bool {
	presented := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if presented == "" {
		return false
	}
	raw, err := hex.DecodeString(presented)
	if err != nil {
		return false
	}
	for _, secret := range secrets {
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write(body)
		if hmac.Equal(raw, mac.Sum(nil)) {
			return true
		}
	}
	return false
}
