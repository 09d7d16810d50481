package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"octopus/cde/schema"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Principal is the identity attached to every authenticated request.
type Principal struct {
	UserId      uuid.UUID
	Subject     string
	Email       string
	DisplayName string

	// Scopes granted to the credential. Nil means the credential is not
	// scope limited (interactive sessions). An empty non-nil slice grants
	// no capability scopes at all.
	Scopes []string

	// Non-nil when the credential is bound to a single workspace, as oauth
	// access tokens are via their tid claim.
	WorkspaceId *uuid.UUID
}

// IdentityProvider resolves a request credential to a principal,
// auto-provisioning the user row on first contact. Implementations must
// return an error for requests with no usable credential.
type IdentityProvider interface {
	Authenticate(r *http.Request) (Principal, error)
}

func getToken(r *http.Request) (string, error) {
	if token := jwtauth.TokenFromHeader(r); token != "" {
		return token, nil
	}
	if token := jwtauth.TokenFromCookie(r); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("unable to find auth token")
}

// ProvisionUser finds the user row for a subject, creating it on first
// authenticated contact.
func ProvisionUser(subject, email, displayName string, db *gorm.DB) (schema.User, error) {
	if subject == "" {
		return schema.User{}, fmt.Errorf("cannot provision user with empty subject")
	}

	var user schema.User

	err := db.Transaction(func(txn *gorm.DB) error {
		result := txn.Limit(1).Find(&user, "subject = ?", subject)
		if result.Error != nil {
			slog.Error("sql error checking for existing user", "subject", subject, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		if result.RowsAffected == 0 {
			user = schema.User{
				Id:          uuid.New(),
				Subject:     subject,
				Email:       email,
				DisplayName: displayName,
			}

			result := txn.Create(&user)
			if result.Error != nil {
				slog.Error("sql error creating new user", "subject", subject, "error", result.Error)
				return schema.ErrDbAccessFailed
			}
		}
		return nil
	})
	if err != nil {
		return schema.User{}, fmt.Errorf("error provisioning user: %w", err)
	}

	return user, nil
}

type requestContextKey string

const principalContextKey requestContextKey = "principal"

// ErrNoPrincipal is returned when a request reaches a handler without having
// passed the authentication middleware.
var ErrNoPrincipal = errors.New("principal not found in request context")

func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

func PrincipalFromContext(r *http.Request) (Principal, error) {
	principalUntyped := r.Context().Value(principalContextKey)
	if principalUntyped == nil {
		return Principal{}, ErrNoPrincipal
	}
	principal, ok := principalUntyped.(Principal)
	if !ok {
		return Principal{}, fmt.Errorf("invalid value for principal field")
	}
	return principal, nil
}
