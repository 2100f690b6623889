// Package pkce implements the RFC 7636 Proof Key for Code Exchange
// parameters used by the upstream login flow.
package pkce

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// Codes pairs a code verifier with its derived challenge. The challenge
// goes into the authorization request, the verifier into the token
// exchange.
type Codes struct {
	CodeVerifier  string `json:"code_verifier"`
	CodeChallenge string `json:"code_challenge"`
}

// Generate creates a fresh verifier/challenge pair using the S256
// challenge method.
func Generate() (*Codes, error) {
	verifier, err := randomURLSafe(96)
	if err != nil {
		return nil, fmt.Errorf("pkce: generate verifier: %w", err)
	}
	sum := sha256.Sum256([]byte(verifier))
	return &Codes{
		CodeVerifier:  verifier,
		CodeChallenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

// State returns a random value for the OAuth2 state parameter.
func State() (string, error) {
	s, err := randomURLSafe(32)
	if err != nil {
		return "", fmt.Errorf("pkce: generate state: %w", err)
	}
	return s, nil
}

func randomURLSafe(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
