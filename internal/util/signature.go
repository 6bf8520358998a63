package util

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const signaturePrefix = "sha256="

// SignBody returns the webhook signature of body in the "sha256=<hex>" form
// receivers compare against.
func SignBody(secret string, body []byte) string {
	return signaturePrefix + hex.EncodeToString(bodyMAC(secret, body))
}

// VerifySignature reports whether signature was produced by SignBody with
// the same secret and body.
func VerifySignature(secret string, body []byte, signature string) bool {
	encoded, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(encoded)
	if err != nil {
		return false
	}
	return hmac.Equal(got, bodyMAC(secret, body))
}

func bodyMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
