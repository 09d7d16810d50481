package auth

import (
	"net/http"

	"gorm.io/gorm"
)

// DevIdentityProvider authenticates every request as a configured static
// identity, for single user development installs. Requests carrying a
// session token minted by the session manager authenticate as that session's
// identity instead, which is how multiple identities are exercised without a
// real identity provider.
type DevIdentityProvider struct {
	db       *gorm.DB
	sessions *SessionManager

	subject     string
	email       string
	displayName string
}

type DevArgs struct {
	Subject     string
	Email       string
	DisplayName string
}

func NewDevIdentityProvider(db *gorm.DB, sessions *SessionManager, args DevArgs) *DevIdentityProvider {
	return &DevIdentityProvider{
		db:          db,
		sessions:    sessions,
		subject:     args.Subject,
		email:       args.Email,
		displayName: args.DisplayName,
	}
}

func (p *DevIdentityProvider) Authenticate(r *http.Request) (Principal, error) {
	subject, email, displayName := p.subject, p.email, p.displayName

	if token, err := getToken(r); err == nil {
		subject, email, displayName, err = p.sessions.VerifySession(token)
		if err != nil {
			return Principal{}, err
		}
	}

	user, err := ProvisionUser(subject, email, displayName, p.db)
	if err != nil {
		return Principal{}, err
	}

	return Principal{
		UserId:      user.Id,
		Subject:     user.Subject,
		Email:       user.Email,
		DisplayName: user.DisplayName,
	}, nil
}
