package util

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
)

const apiTokenBytes = 32

// GenerateAPIToken returns a random hex token suitable for API_TOKEN.
func GenerateAPIToken() (string, error) {
	buf := make([]byte, apiTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func TokensMatch(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
