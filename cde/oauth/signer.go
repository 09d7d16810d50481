package oauth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	AlgHS256 = "HS256"
	AlgRS256 = "RS256"
)

// AccessClaims are the claims carried by issued access tokens. tid is the
// workspace the token is scoped to, scp the space separated granted scopes.
type AccessClaims struct {
	WorkspaceId string `json:"tid"`
	ClientId    string `json:"client_id"`
	Scope       string `json:"scp"`
	jwt.RegisteredClaims
}

func (c *AccessClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// TokenSigner issues and verifies the access tokens minted by the token
// endpoint.
type TokenSigner struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
	ttl       time.Duration
}

func NewHS256Signer(secret []byte, ttl time.Duration) *TokenSigner {
	return &TokenSigner{
		method:    jwt.SigningMethodHS256,
		signKey:   secret,
		verifyKey: secret,
		ttl:       ttl,
	}
}

func NewRS256Signer(privateKeyPem []byte, ttl time.Duration) (*TokenSigner, error) {
	block, _ := pem.Decode(privateKeyPem)
	if block == nil {
		return nil, errors.New("signing key pem is corrupted")
	}

	var key *rsa.PrivateKey
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err == nil {
		rsaKey, ok := parsed.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("signing key must be a valid rsa key")
		}
		key = rsaKey
	} else {
		key, err = x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("error parsing signing key: %w", err)
		}
	}

	return &TokenSigner{
		method:    jwt.SigningMethodRS256,
		signKey:   key,
		verifyKey: &key.PublicKey,
		ttl:       ttl,
	}, nil
}

// Issue mints an access token for a completed authorization code exchange.
// expiresIn is in seconds, as reported in the token response body.
func (s *TokenSigner) Issue(subject string, workspaceId uuid.UUID, clientId string, scopes []string) (token string, expiresIn int, err error) {
	now := time.Now()

	claims := AccessClaims{
		WorkspaceId: workspaceId.String(),
		ClientId:    clientId,
		Scope:       strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token, err = jwt.NewWithClaims(s.method, claims).SignedString(s.signKey)
	if err != nil {
		return "", 0, fmt.Errorf("error signing access token: %w", err)
	}

	return token, int(s.ttl.Seconds()), nil
}

func (s *TokenSigner) Verify(token string) (*AccessClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method.Alg() != s.method.Alg() {
			return nil, fmt.Errorf("unexpected signing method %v", t.Method.Alg())
		}
		return s.verifyKey, nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid {
		return nil, errors.New("invalid token")
	}

	return claims, nil
}
