package auth

import (
	"fmt"
	"net/http"

	"octopus/cde/oauth"
	"octopus/cde/schema"
	"octopus/utils"

	"github.com/go-chi/jwtauth/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Authenticator attaches a principal to every request. Bearer tokens that
// verify as oauth access tokens take precedence, everything else falls
// through to the identity provider.
type Authenticator struct {
	db       *gorm.DB
	provider IdentityProvider
	signer   *oauth.TokenSigner
}

func NewAuthenticator(db *gorm.DB, provider IdentityProvider, signer *oauth.TokenSigner) *Authenticator {
	return &Authenticator{db: db, provider: provider, signer: signer}
}

func (a *Authenticator) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			principal, err := a.authenticate(r)
			if err != nil {
				utils.WriteErrorJson(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
		}
		return http.HandlerFunc(handler)
	}
}

func (a *Authenticator) authenticate(r *http.Request) (Principal, error) {
	if token := jwtauth.TokenFromHeader(r); token != "" {
		if claims, err := a.signer.Verify(token); err == nil && claims.ClientId != "" {
			return a.principalFromAccessToken(claims)
		}
	}

	return a.provider.Authenticate(r)
}

func (a *Authenticator) principalFromAccessToken(claims *oauth.AccessClaims) (Principal, error) {
	// Token subjects always have a user row, authorizing the code created it.
	user, err := schema.GetUserBySubject(claims.Subject, a.db)
	if err != nil {
		return Principal{}, fmt.Errorf("unknown subject in access token: %w", err)
	}

	workspaceId, err := uuid.Parse(claims.WorkspaceId)
	if err != nil {
		return Principal{}, fmt.Errorf("invalid tid claim in access token: %w", err)
	}

	scopes := claims.Scopes()
	if scopes == nil {
		scopes = []string{}
	}

	return Principal{
		UserId:      user.Id,
		Subject:     user.Subject,
		Email:       user.Email,
		DisplayName: user.DisplayName,
		Scopes:      scopes,
		WorkspaceId: &workspaceId,
	}, nil
}
