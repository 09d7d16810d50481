package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	secretBytes      = 32
	saltBytes        = 16
	secretIterations = 100000
	digestBytes      = 32
)

// NewClientSecret generates a confidential client secret and its
// PBKDF2-SHA256 digest. The plaintext is returned once at app creation and
// never stored.
func NewClientSecret() (secret string, hash, salt []byte, iterations int, err error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", nil, nil, 0, fmt.Errorf("error generating client secret: %w", err)
	}
	secret = base64.RawURLEncoding.EncodeToString(raw)

	salt = make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", nil, nil, 0, fmt.Errorf("error generating client secret salt: %w", err)
	}

	hash = pbkdf2.Key([]byte(secret), salt, secretIterations, digestBytes, sha256.New)

	return secret, hash, salt, secretIterations, nil
}

// VerifyClientSecret recomputes the digest with the stored parameters and
// compares in constant time.
func VerifyClientSecret(secret string, hash, salt []byte, iterations int) bool {
	if len(hash) == 0 || len(salt) == 0 || iterations <= 0 {
		return false
	}
	computed := pbkdf2.Key([]byte(secret), salt, iterations, len(hash), sha256.New)
	return subtle.ConstantTimeCompare(computed, hash) == 1
}
