package auth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/go-chi/jwtauth/v5"
)

const (
	emailClaim = "email"
	nameClaim  = "name"
)

// SessionManager mints and verifies the short lived session tokens used by
// interactive logins. Sessions are distinct from oauth access tokens, they
// carry no client_id and are not scope limited.
type SessionManager struct {
	auth *jwtauth.JWTAuth
	ttl  time.Duration
}

func NewSessionManager(secret []byte, ttl time.Duration) *SessionManager {
	return &SessionManager{auth: jwtauth.New("HS256", secret, nil), ttl: ttl}
}

func (m *SessionManager) CreateSession(subject, email, displayName string) (string, error) {
	claims := map[string]interface{}{
		"sub":      subject,
		emailClaim: email,
		nameClaim:  displayName,
		"exp":      time.Now().Add(m.ttl),
	}

	_, token, err := m.auth.Encode(claims)
	if err != nil {
		slog.Error("error generating session token", "error", err)
		return "", fmt.Errorf("error generating session token: %w", err)
	}

	return token, nil
}

func (m *SessionManager) VerifySession(token string) (subject, email, displayName string, err error) {
	parsed, err := jwtauth.VerifyToken(m.auth, token)
	if err != nil {
		return "", "", "", fmt.Errorf("invalid session token: %w", err)
	}

	subject = parsed.Subject()
	if subject == "" {
		return "", "", "", fmt.Errorf("session token is missing subject")
	}

	if value, ok := parsed.Get(emailClaim); ok {
		email, _ = value.(string)
	}
	if value, ok := parsed.Get(nameClaim); ok {
		displayName, _ = value.(string)
	}

	return subject, email, displayName, nil
}
