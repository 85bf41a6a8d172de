package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body. A
// "sha256=" prefix is accepted.
const SignatureHeader = "X-EasyGitops-Signature"

// ComputeSignature returns the hex HMAC-SHA256 of body keyed by secret.
func ComputeSignature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature matches body. The comparison is
// constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
