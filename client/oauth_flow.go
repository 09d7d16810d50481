package client

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// AuthorizeParams describes one authorization code request. A non empty
// CodeVerifier switches the flow to pkce with the S256 challenge derived from
// it, which public clients are required to use.
type AuthorizeParams struct {
	ClientId     string
	RedirectUri  string
	Scopes       []string
	State        string
	CodeVerifier string
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
	Scope       string `json:"scope"`
}

// NewCodeVerifier returns a random pkce verifier.
func NewCodeVerifier() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("error generating code verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// AuthorizeCode walks the authorize endpoint as the signed in user and
// returns the code from the redirect. The redirect itself is not followed,
// its location is parsed in place.
func (c *OctopusClient) AuthorizeCode(params AuthorizeParams) (string, error) {
	endpoint, err := url.JoinPath(c.baseUrl, "/oauth/authorize")
	if err != nil {
		return "", fmt.Errorf("error formatting authorize url: %w", err)
	}

	query := url.Values{}
	query.Set("response_type", "code")
	query.Set("client_id", params.ClientId)
	query.Set("redirect_uri", params.RedirectUri)
	if len(params.Scopes) > 0 {
		query.Set("scope", strings.Join(params.Scopes, " "))
	}
	if params.State != "" {
		query.Set("state", params.State)
	}
	if params.CodeVerifier != "" {
		digest := sha256.Sum256([]byte(params.CodeVerifier))
		query.Set("code_challenge", base64.RawURLEncoding.EncodeToString(digest[:]))
		query.Set("code_challenge_method", "S256")
	}

	req, err := http.NewRequest("GET", endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("error creating authorize request: %w", err)
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %v", c.authToken))
	}

	noRedirect := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	res, err := noRedirect.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending authorize request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusFound {
		return "", fmt.Errorf("authorize request returned status %d", res.StatusCode)
	}

	location, err := url.Parse(res.Header.Get("Location"))
	if err != nil {
		return "", fmt.Errorf("error parsing authorize redirect: %w", err)
	}

	redirected := location.Query()
	if oauthError := redirected.Get("error"); oauthError != "" {
		return "", fmt.Errorf("authorization was refused: %v (%v)", oauthError, redirected.Get("error_description"))
	}
	code := redirected.Get("code")
	if code == "" {
		return "", fmt.Errorf("authorize redirect carries no code")
	}

	return code, nil
}

// ExchangeCode trades an authorization code for an access token. Confidential
// clients pass their secret, public clients pass the pkce verifier the code
// was requested with.
func (c *OctopusClient) ExchangeCode(params AuthorizeParams, clientSecret, code string) (TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", params.ClientId)
	form.Set("redirect_uri", params.RedirectUri)
	form.Set("code", code)
	if clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}
	if params.CodeVerifier != "" {
		form.Set("code_verifier", params.CodeVerifier)
	}

	var res TokenResponse
	err := c.Post("/oauth/token").Form(form).Do(&res)
	if err != nil {
		return TokenResponse{}, err
	}

	return res, nil
}
