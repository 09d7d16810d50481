package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// ValidChallengeMethod reports whether a code_challenge_method value is one
// the server accepts.
func ValidChallengeMethod(method string) bool {
	return method == MethodS256 || method == MethodPlain
}

// VerifyPkce checks a token-endpoint verifier against the challenge bound to
// the code at authorize time.
func VerifyPkce(method, challenge, verifier string) bool {
	switch method {
	case MethodS256:
		digest := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(digest[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case MethodPlain:
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}
