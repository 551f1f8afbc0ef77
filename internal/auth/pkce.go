package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/oauth2"
)

// newVerifier generates a cryptographically random PKCE code verifier.
func newVerifier() string {
	return oauth2.GenerateVerifier()
}

// challengeS256 derives the S256 code challenge for a verifier.
func challengeS256(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// newStateToken generates the random state parameter for CSRF protection.
func newStateToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
