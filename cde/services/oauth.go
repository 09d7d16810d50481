package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"octopus/cde/auth"
	"octopus/cde/oauth"
	"octopus/cde/schema"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OAuthService implements the authorization code flow for registered apps.
// Codes are single use, short lived, and stored only as hashes.
type OAuthService struct {
	db     *gorm.DB
	signer *oauth.TokenSigner
	authn  *auth.Authenticator

	codeTtl            time.Duration
	tokenRatePerMinute int
}

// Routes serves /oauth. The authorize endpoint needs a signed in user, the
// token endpoint authenticates the client itself and is rate limited per ip
// to slow down code and secret guessing.
func (s *OAuthService) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(s.authn.Middleware()).Get("/authorize", s.Authorize)
	r.With(httprate.LimitByIP(s.tokenRatePerMinute, time.Minute)).Post("/token", s.Token)

	return r
}

// writeOAuthError writes an rfc 6749 style error body.
func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"error": code, "error_description": description,
	}); err != nil {
		slog.Error("error writing oauth error response", "error", err)
	}
}

// redirectError reports an error back to a validated redirect uri. Only
// called after the uri matched the client's registered list.
func redirectError(w http.ResponseWriter, r *http.Request, redirectUri, state, code, description string) {
	target, err := url.Parse(redirectUri)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidRequest, "redirect_uri does not parse")
		return
	}

	query := target.Query()
	query.Set("error", code)
	query.Set("error_description", description)
	if state != "" {
		query.Set("state", state)
	}
	target.RawQuery = query.Encode()

	http.Redirect(w, r, target.String(), http.StatusFound)
}

// Authorize handles GET /oauth/authorize. Client and redirect uri problems
// answer directly, everything after the uri is validated redirects back to
// the app per rfc 6749.
func (s *OAuthService) Authorize(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFromContext(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, oauth.AccessDenied, "authorization requires a signed in user")
		return
	}

	query := r.URL.Query()

	clientId := query.Get("client_id")
	if clientId == "" {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidRequest, "client_id is required")
		return
	}
	app, err := schema.GetOAuthAppByClientId(clientId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrOAuthAppNotFound) {
			writeOAuthError(w, http.StatusBadRequest, oauth.InvalidRequest, "unknown client_id")
			return
		}
		writeOAuthError(w, http.StatusInternalServerError, oauth.ServerError, "error loading client")
		return
	}

	// An unregistered redirect uri never receives a redirect, the error
	// stays on this response.
	redirectUri := query.Get("redirect_uri")
	if redirectUri == "" || !slices.Contains(app.RedirectUriList(), redirectUri) {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidRequest, "redirect_uri is not registered for this client")
		return
	}

	state := query.Get("state")

	if query.Get("response_type") != "code" {
		redirectError(w, r, redirectUri, state, oauth.UnsupportedResponseType, "only the authorization code flow is supported")
		return
	}
	if !app.IsEnabled {
		redirectError(w, r, redirectUri, state, oauth.UnauthorizedClient, "client is disabled")
		return
	}

	challenge := query.Get("code_challenge")
	method := query.Get("code_challenge_method")
	if app.ClientType == schema.ClientPublic && (challenge == "" || method != oauth.MethodS256) {
		redirectError(w, r, redirectUri, state, oauth.InvalidRequest, "public clients must send a code_challenge with the S256 method")
		return
	}
	if method != "" && !oauth.ValidChallengeMethod(method) {
		redirectError(w, r, redirectUri, state, oauth.InvalidRequest, "code_challenge_method must be S256 or plain")
		return
	}
	if challenge != "" && method == "" {
		method = oauth.MethodPlain
	}
	if challenge == "" {
		method = ""
	}

	scopes := strings.Fields(query.Get("scope"))
	allowed := app.AllowedScopeList()
	if len(scopes) == 0 {
		scopes = allowed
	} else {
		for _, scope := range scopes {
			if !slices.Contains(allowed, scope) {
				redirectError(w, r, redirectUri, state, oauth.InvalidScope,
					fmt.Sprintf("scope %v is not allowed for this client", scope))
				return
			}
		}
	}

	code, hash, err := oauth.NewCode()
	if err != nil {
		slog.Error("error generating authorization code", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, oauth.ServerError, "could not generate an authorization code")
		return
	}

	now := time.Now().UTC()
	grant := schema.AuthorizationCode{
		Id:                  uuid.New(),
		CodeHash:            hash,
		OAuthAppId:          app.Id,
		UserId:              principal.UserId,
		WorkspaceId:         app.WorkspaceId,
		Scopes:              strings.Join(scopes, " "),
		RedirectUri:         redirectUri,
		CodeChallenge:       challenge,
		CodeChallengeMethod: method,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.codeTtl),
	}
	if result := s.db.Create(&grant); result.Error != nil {
		slog.Error("sql error storing authorization code", "client_id", app.ClientId, "error", result.Error)
		writeOAuthError(w, http.StatusInternalServerError, oauth.ServerError, "could not store the authorization code")
		return
	}

	target, err := url.Parse(redirectUri)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidRequest, "redirect_uri does not parse")
		return
	}
	success := target.Query()
	success.Set("code", code)
	if state != "" {
		success.Set("state", state)
	}
	target.RawQuery = success.Encode()

	slog.Info("authorization code issued", "client_id", app.ClientId, "user_id", principal.UserId)
	http.Redirect(w, r, target.String(), http.StatusFound)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// Token handles POST /oauth/token, exchanging an authorization code for an
// access token. The single use flip is a guarded update so a replayed code
// loses even when two exchanges race.
func (s *OAuthService) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidRequest, "could not parse the form body")
		return
	}
	form := r.PostForm

	if form.Get("grant_type") != "authorization_code" {
		writeOAuthError(w, http.StatusBadRequest, oauth.UnsupportedGrantType, "only the authorization_code grant is supported")
		return
	}

	clientId := form.Get("client_id")
	if clientId == "" {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidRequest, "client_id is required")
		return
	}
	app, err := schema.GetOAuthAppByClientId(clientId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrOAuthAppNotFound) {
			writeOAuthError(w, http.StatusUnauthorized, oauth.InvalidClient, "client authentication failed")
			return
		}
		writeOAuthError(w, http.StatusInternalServerError, oauth.ServerError, "error loading client")
		return
	}

	code := form.Get("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidRequest, "code is required")
		return
	}

	var grant schema.AuthorizationCode
	result := s.db.Where(&schema.AuthorizationCode{CodeHash: oauth.HashCode(code), OAuthAppId: app.Id}).Limit(1).Find(&grant)
	if result.Error != nil {
		slog.Error("sql error loading authorization code", "client_id", app.ClientId, "error", result.Error)
		writeOAuthError(w, http.StatusInternalServerError, oauth.ServerError, "error loading the authorization code")
		return
	}
	if result.RowsAffected == 0 {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidGrant, "authorization code is not valid for this client")
		return
	}

	if grant.IsUsed {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidGrant, "authorization code has already been used")
		return
	}
	if time.Now().UTC().After(grant.ExpiresAt) {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidGrant, "authorization code has expired")
		return
	}
	if form.Get("redirect_uri") != grant.RedirectUri {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidGrant, "redirect_uri does not match the authorization request")
		return
	}

	if app.ClientType == schema.ClientConfidential {
		secret := form.Get("client_secret")
		if secret == "" || !oauth.VerifyClientSecret(secret, app.ClientSecretHash, app.ClientSecretSalt, app.ClientSecretIter) {
			writeOAuthError(w, http.StatusUnauthorized, oauth.InvalidClient, "client authentication failed")
			return
		}
	}

	if grant.CodeChallenge != "" {
		verifier := form.Get("code_verifier")
		if verifier == "" || !oauth.VerifyPkce(grant.CodeChallengeMethod, grant.CodeChallenge, verifier) {
			writeOAuthError(w, http.StatusBadRequest, oauth.InvalidGrant, "code_verifier does not match the code_challenge")
			return
		}
	} else if app.ClientType == schema.ClientPublic {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidGrant, "authorization code has no code_challenge")
		return
	}

	flip := s.db.Model(&schema.AuthorizationCode{}).
		Where("id = ? AND is_used = ?", grant.Id, false).
		Updates(map[string]interface{}{"is_used": true, "used_at": time.Now().UTC()})
	if flip.Error != nil {
		slog.Error("sql error consuming authorization code", "code_id", grant.Id, "error", flip.Error)
		writeOAuthError(w, http.StatusInternalServerError, oauth.ServerError, "error consuming the authorization code")
		return
	}
	if flip.RowsAffected == 0 {
		writeOAuthError(w, http.StatusBadRequest, oauth.InvalidGrant, "authorization code has already been used")
		return
	}

	user, err := schema.GetUser(grant.UserId, s.db)
	if err != nil {
		slog.Error("error loading user for token issuance", "user_id", grant.UserId, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, oauth.ServerError, "error loading the authorizing user")
		return
	}

	token, expiresIn, err := s.signer.Issue(user.Subject, grant.WorkspaceId, app.ClientId, grant.ScopeList())
	if err != nil {
		slog.Error("error signing access token", "client_id", app.ClientId, "error", err)
		writeOAuthError(w, http.StatusInternalServerError, oauth.ServerError, "could not sign the access token")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	if err := json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   expiresIn,
		Scope:       grant.Scopes,
	}); err != nil {
		slog.Error("error writing token response", "error", err)
	}

	slog.Info("access token issued", "client_id", app.ClientId, "user_id", user.Id)
}
