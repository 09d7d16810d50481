package auth

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/Nerzal/gocloak/v13"
)

// OidcIdentityProvider validates bearer tokens against an external openid
// connect provider and auto-provisions users from the returned identity.
type OidcIdentityProvider struct {
	client *gocloak.GoCloak
	db     *gorm.DB

	realm    string
	audience string
}

type OidcArgs struct {
	// Authority is the issuer url, e.g. https://auth.example.com/realms/octopus.
	Authority string

	// Audience, when set, must appear in the aud claim of presented tokens.
	Audience string

	// RequireHttpsMetadata disables certificate verification when false, for
	// dev installs running the provider with self signed certs.
	RequireHttpsMetadata bool
}

func NewOidcIdentityProvider(db *gorm.DB, args OidcArgs) (*OidcIdentityProvider, error) {
	serverUrl, realm, err := splitAuthority(args.Authority)
	if err != nil {
		return nil, err
	}

	client := gocloak.NewClient(serverUrl)
	if !args.RequireHttpsMetadata {
		client.RestyClient().SetTLSClientConfig(&tls.Config{InsecureSkipVerify: true})
	}

	slog.Info("created oidc identity provider", "server", serverUrl, "realm", realm)

	return &OidcIdentityProvider{
		client:   client,
		db:       db,
		realm:    realm,
		audience: args.Audience,
	}, nil
}

// Keycloak style authorities end in /realms/<realm>.
func splitAuthority(authority string) (string, string, error) {
	parsed, err := url.Parse(authority)
	if err != nil {
		return "", "", fmt.Errorf("error parsing oidc authority '%v': %w", authority, err)
	}

	parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	if len(parts) < 2 || parts[len(parts)-2] != "realms" {
		return "", "", fmt.Errorf("oidc authority '%v' must end in /realms/<realm>", authority)
	}
	realm := parts[len(parts)-1]

	parsed.Path = strings.TrimSuffix(strings.TrimSuffix(parsed.Path, "/"), "/realms/"+realm)

	return parsed.String(), realm, nil
}

func (p *OidcIdentityProvider) Authenticate(r *http.Request) (Principal, error) {
	token, err := getToken(r)
	if err != nil {
		return Principal{}, err
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	userInfo, err := p.client.GetUserInfo(ctx, token, p.realm)
	if err != nil {
		return Principal{}, fmt.Errorf("unable to verify token with identity provider: %w", err)
	}

	if userInfo.Sub == nil || *userInfo.Sub == "" {
		return Principal{}, fmt.Errorf("user identifier missing in identity provider response")
	}

	if p.audience != "" {
		if err := p.checkAudience(ctx, token); err != nil {
			return Principal{}, err
		}
	}

	var email, displayName string
	if userInfo.Email != nil {
		email = *userInfo.Email
	}
	if userInfo.Name != nil {
		displayName = *userInfo.Name
	} else if userInfo.PreferredUsername != nil {
		displayName = *userInfo.PreferredUsername
	}

	user, err := ProvisionUser(*userInfo.Sub, email, displayName, p.db)
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

func (p *OidcIdentityProvider) checkAudience(ctx context.Context, token string) error {
	_, claims, err := p.client.DecodeAccessToken(ctx, token, p.realm)
	if err != nil {
		return fmt.Errorf("unable to decode token claims: %w", err)
	}

	audience, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("unable to read aud claim: %w", err)
	}

	if !slices.Contains(audience, p.audience) {
		return fmt.Errorf("token audience does not include %v", p.audience)
	}

	return nil
}
