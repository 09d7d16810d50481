package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// RFC 6749 error codes returned by the authorize and token endpoints.
const (
	InvalidRequest          = "invalid_request"
	InvalidClient           = "invalid_client"
	InvalidGrant            = "invalid_grant"
	InvalidScope            = "invalid_scope"
	UnsupportedGrantType    = "unsupported_grant_type"
	UnsupportedResponseType = "unsupported_response_type"
	UnauthorizedClient      = "unauthorized_client"
	AccessDenied            = "access_denied"
	ServerError             = "server_error"
)

// NewCode returns a fresh authorization code and the hash stored in its
// place. The code is 256 bits of entropy, url-safe encoded. The plaintext
// code is never persisted.
func NewCode() (code, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("error generating authorization code: %w", err)
	}

	code = base64.RawURLEncoding.EncodeToString(buf)
	return code, HashCode(code), nil
}

// HashCode returns the hex encoded sha256 of a code, the form codes are
// stored and looked up in.
func HashCode(code string) string {
	digest := sha256.Sum256([]byte(code))
	return hex.EncodeToString(digest[:])
}
