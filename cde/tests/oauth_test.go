package tests

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"octopus/cde/schema"
	"octopus/cde/services"

	"github.com/google/uuid"
)

const callbackUri = "https://viewer.example.com/callback"

// appFixture is the common oauth setup: a workspace owner with one registered
// app.
type appFixture struct {
	env         *testEnv
	owner       client
	workspaceId uuid.UUID
	projectId   uuid.UUID
	app         appResult
}

func newAppFixture(t *testing.T, opts services.Options, clientType string, scopes []string) *appFixture {
	env := setupTestEnv(t, opts)
	owner := env.newUser(t, "alice")
	workspaceId, projectId := env.newWorkspace(t, owner, "studio")

	app, err := owner.createApp(workspaceId, "viewer", clientType, []string{callbackUri}, scopes)
	if err != nil {
		t.Fatal(err)
	}

	return &appFixture{env: env, owner: owner, workspaceId: workspaceId, projectId: projectId, app: app}
}

func (f *appFixture) authorizeParams() url.Values {
	return url.Values{
		"response_type": {"code"},
		"client_id":     {f.app.ClientId},
		"redirect_uri":  {callbackUri},
	}
}

// obtainCode runs the authorize request and returns the code from the
// redirect, failing the test on any error response.
func (f *appFixture) obtainCode(t *testing.T, params url.Values) string {
	t.Helper()

	res, err := f.owner.authorize(params)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusFound {
		t.Fatalf("expected a redirect from authorize, got status %v", res.StatusCode)
	}

	query := locationQuery(t, res)
	if query.Get("error") != "" {
		t.Fatalf("authorize redirected with an error: %v", query.Encode())
	}
	code := query.Get("code")
	if code == "" {
		t.Fatal("authorize redirect carries no code")
	}
	return code
}

func (f *appFixture) tokenForm(code string) url.Values {
	form := url.Values{
		"grant_type":   {"authorization_code"},
		"client_id":    {f.app.ClientId},
		"redirect_uri": {callbackUri},
		"code":         {code},
	}
	if f.app.ClientSecret != "" {
		form.Set("client_secret", f.app.ClientSecret)
	}
	return form
}

func locationQuery(t *testing.T, res *http.Response) url.Values {
	t.Helper()

	location := res.Header.Get("Location")
	if location == "" {
		t.Fatal("response carries no location header")
	}
	parsed, err := url.Parse(location)
	if err != nil {
		t.Fatal(err)
	}
	return parsed.Query()
}

func pkcePair() (string, string) {
	verifier := "correct-horse-battery-staple-padded-out-to-verifier-length"
	digest := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(digest[:])
}

func TestAuthorizationCodeFlowConfidential(t *testing.T) {
	f := newAppFixture(t, services.Options{}, schema.ClientConfidential, []string{"read", "write"})
	if f.app.ClientSecret == "" {
		t.Fatal("confidential app registration should return a client secret")
	}

	params := f.authorizeParams()
	params.Set("state", "af0ifjsldkj")

	res, err := f.owner.authorize(params)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusFound {
		t.Fatalf("expected a redirect from authorize, got status %v", res.StatusCode)
	}
	query := locationQuery(t, res)
	if query.Get("error") != "" {
		t.Fatalf("authorize redirected with an error: %v", query.Encode())
	}
	if query.Get("state") != "af0ifjsldkj" {
		t.Fatalf("state was not echoed back, got %q", query.Get("state"))
	}
	code := query.Get("code")
	if code == "" {
		t.Fatal("authorize redirect carries no code")
	}

	status, token, err := f.owner.token(f.tokenForm(code))
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("token exchange failed with status %v: %+v", status, token)
	}
	if token.AccessToken == "" || token.TokenType != "Bearer" || token.ExpiresIn <= 0 {
		t.Fatalf("unexpected token response: %+v", token)
	}
	if token.Scope != "read write" {
		t.Fatalf("expected the full allowed scope set, got %q", token.Scope)
	}

	// The access token authenticates api calls for the authorizing user.
	bearer := client{api: f.env.api, authToken: token.AccessToken}
	err = bearer.Get(fmt.Sprintf("/api/v1/workspaces/%v", f.workspaceId)).Do(nil)
	if err != nil {
		t.Fatalf("access token was rejected by the api: %v", err)
	}
}

func TestAuthorizationCodeFlowPublicPkce(t *testing.T) {
	f := newAppFixture(t, services.Options{}, schema.ClientPublic, []string{"read", "write"})
	if f.app.ClientSecret != "" {
		t.Fatal("public app registration must not return a client secret")
	}

	// Without a challenge the request bounces back to the app.
	res, err := f.owner.authorize(f.authorizeParams())
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusFound {
		t.Fatalf("expected a redirect, got status %v", res.StatusCode)
	}
	query := locationQuery(t, res)
	if query.Get("error") != "invalid_request" {
		t.Fatalf("expected invalid_request, got %q", query.Get("error"))
	}
	if !strings.Contains(query.Get("error_description"), "code_challenge") {
		t.Fatalf("error should name the missing code_challenge, got %q", query.Get("error_description"))
	}

	verifier, challenge := pkcePair()
	params := f.authorizeParams()
	params.Set("code_challenge", challenge)
	params.Set("code_challenge_method", "S256")

	// A wrong verifier is rejected.
	code := f.obtainCode(t, params)
	form := f.tokenForm(code)
	form.Set("code_verifier", "not-the-verifier-the-challenge-was-derived-from")
	status, body, err := f.owner.token(form)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusBadRequest || body.Error != "invalid_grant" {
		t.Fatalf("expected invalid_grant for a wrong verifier, got status %v: %+v", status, body)
	}

	// The matching verifier completes the exchange.
	code = f.obtainCode(t, params)
	form = f.tokenForm(code)
	form.Set("code_verifier", verifier)
	status, token, err := f.owner.token(form)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK || token.AccessToken == "" {
		t.Fatalf("pkce exchange failed with status %v: %+v", status, token)
	}

	// Public clients cannot push a code through without the challenge, even
	// if they skip the verifier.
	form = f.tokenForm(f.obtainCode(t, params))
	status, body, err = f.owner.token(form)
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusBadRequest || body.Error != "invalid_grant" {
		t.Fatalf("expected invalid_grant without a verifier, got status %v: %+v", status, body)
	}
}

func TestAuthorizationCodeReplay(t *testing.T) {
	f := newAppFixture(t, services.Options{}, schema.ClientConfidential, []string{"read"})

	code := f.obtainCode(t, f.authorizeParams())

	status, token, err := f.owner.token(f.tokenForm(code))
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("first exchange failed with status %v: %+v", status, token)
	}

	status, body, err := f.owner.token(f.tokenForm(code))
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusBadRequest || body.Error != "invalid_grant" {
		t.Fatalf("expected invalid_grant on replay, got status %v: %+v", status, body)
	}
	if !strings.Contains(body.ErrorDescription, "already been used") {
		t.Fatalf("replay error should say the code was used, got %q", body.ErrorDescription)
	}

	// The token from the first exchange stays valid.
	bearer := client{api: f.env.api, authToken: token.AccessToken}
	err = bearer.Get(fmt.Sprintf("/api/v1/workspaces/%v", f.workspaceId)).Do(nil)
	if err != nil {
		t.Fatal(err)
	}
}

func TestAuthorizeRejectsUnregisteredRedirect(t *testing.T) {
	f := newAppFixture(t, services.Options{}, schema.ClientConfidential, []string{"read"})

	directError := func(params url.Values, fragment string) {
		t.Helper()

		res, err := f.owner.authorize(params)
		if err != nil {
			t.Fatal(err)
		}
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected status 400, got %v", res.StatusCode)
		}
		if res.Header.Get("Location") != "" {
			t.Fatalf("error must not redirect, got location %q", res.Header.Get("Location"))
		}
		content, err := io.ReadAll(res.Body)
		res.Body.Close()
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(content), fragment) {
			t.Fatalf("expected error body to contain %q, got %q", fragment, string(content))
		}
	}

	params := f.authorizeParams()
	params.Set("redirect_uri", "https://evil.example.com/steal")
	directError(params, "redirect_uri")

	params = f.authorizeParams()
	params.Del("redirect_uri")
	directError(params, "redirect_uri")

	params = f.authorizeParams()
	params.Set("client_id", uuid.NewString())
	directError(params, "unknown client_id")

	params = f.authorizeParams()
	params.Del("client_id")
	directError(params, "client_id")
}

func TestAuthorizeRedirectErrors(t *testing.T) {
	f := newAppFixture(t, services.Options{}, schema.ClientConfidential, []string{"read", "write"})

	redirectedError := func(params url.Values, wantError string) url.Values {
		t.Helper()

		res, err := f.owner.authorize(params)
		if err != nil {
			t.Fatal(err)
		}
		if res.StatusCode != http.StatusFound {
			t.Fatalf("expected a redirect, got status %v", res.StatusCode)
		}
		query := locationQuery(t, res)
		if query.Get("error") != wantError {
			t.Fatalf("expected error %q, got %v", wantError, query.Encode())
		}
		return query
	}

	params := f.authorizeParams()
	params.Set("response_type", "token")
	params.Set("state", "keepme")
	query := redirectedError(params, "unsupported_response_type")
	if query.Get("state") != "keepme" {
		t.Fatalf("error redirect should echo state, got %q", query.Get("state"))
	}

	params = f.authorizeParams()
	params.Set("scope", "admin")
	redirectedError(params, "invalid_scope")

	params = f.authorizeParams()
	params.Set("code_challenge", "anything")
	params.Set("code_challenge_method", "S512")
	redirectedError(params, "invalid_request")

	err := f.env.db.Model(&schema.OAuthApp{}).Where("id = ?", f.app.Id).
		Update("is_enabled", false).Error
	if err != nil {
		t.Fatal(err)
	}
	redirectedError(f.authorizeParams(), "unauthorized_client")
}

func TestAuthorizeRequiresSignedInUser(t *testing.T) {
	f := newAppFixture(t, services.Options{}, schema.ClientConfidential, []string{"read"})

	nobody := f.env.anonymous()
	res, err := nobody.Get("/oauth/authorize?" + f.authorizeParams().Encode()).
		Auth("not-a-session").Send()
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %v", res.StatusCode)
	}
	if res.Header.Get("Location") != "" {
		t.Fatal("authentication failures must not redirect")
	}
}

func TestTokenExchangeValidation(t *testing.T) {
	f := newAppFixture(t, services.Options{}, schema.ClientConfidential, []string{"read"})

	expectError := func(form url.Values, wantStatus int, wantError string) tokenResult {
		t.Helper()

		status, body, err := f.owner.token(form)
		if err != nil {
			t.Fatal(err)
		}
		if status != wantStatus || body.Error != wantError {
			t.Fatalf("expected %v %v, got status %v: %+v", wantStatus, wantError, status, body)
		}
		return body
	}

	expectError(url.Values{
		"grant_type": {"client_credentials"},
		"client_id":  {f.app.ClientId},
	}, http.StatusBadRequest, "unsupported_grant_type")

	expectError(url.Values{
		"grant_type": {"authorization_code"},
		"client_id":  {uuid.NewString()},
		"code":       {"whatever"},
	}, http.StatusUnauthorized, "invalid_client")

	form := f.tokenForm("")
	form.Del("code")
	expectError(form, http.StatusBadRequest, "invalid_request")

	expectError(f.tokenForm("never-issued"), http.StatusBadRequest, "invalid_grant")

	form = f.tokenForm(f.obtainCode(t, f.authorizeParams()))
	form.Set("client_secret", "nonsense")
	expectError(form, http.StatusUnauthorized, "invalid_client")

	form = f.tokenForm(f.obtainCode(t, f.authorizeParams()))
	form.Set("redirect_uri", callbackUri+"/other")
	body := expectError(form, http.StatusBadRequest, "invalid_grant")
	if !strings.Contains(body.ErrorDescription, "redirect_uri") {
		t.Fatalf("error should name the redirect_uri mismatch, got %q", body.ErrorDescription)
	}

	// A code issued to one client is worthless to another.
	other, err := f.owner.createApp(f.workspaceId, "other", schema.ClientConfidential, []string{callbackUri}, []string{"read"})
	if err != nil {
		t.Fatal(err)
	}
	form = f.tokenForm(f.obtainCode(t, f.authorizeParams()))
	form.Set("client_id", other.ClientId)
	form.Set("client_secret", other.ClientSecret)
	body = expectError(form, http.StatusBadRequest, "invalid_grant")
	if !strings.Contains(body.ErrorDescription, "not valid for this client") {
		t.Fatalf("unexpected error description: %q", body.ErrorDescription)
	}
}

func TestAuthorizationCodeExpiry(t *testing.T) {
	f := newAppFixture(t, services.Options{CodeTtl: time.Millisecond},
		schema.ClientConfidential, []string{"read"})

	code := f.obtainCode(t, f.authorizeParams())
	time.Sleep(5 * time.Millisecond)

	status, body, err := f.owner.token(f.tokenForm(code))
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusBadRequest || body.Error != "invalid_grant" {
		t.Fatalf("expected invalid_grant for an expired code, got status %v: %+v", status, body)
	}
	if !strings.Contains(body.ErrorDescription, "expired") {
		t.Fatalf("error should say the code expired, got %q", body.ErrorDescription)
	}
}

func TestAccessTokenWorkspaceBinding(t *testing.T) {
	f := newAppFixture(t, services.Options{}, schema.ClientConfidential, []string{"read", "write"})
	otherWorkspace, _ := f.env.newWorkspace(t, f.owner, "annex")

	status, token, err := f.owner.token(f.tokenForm(f.obtainCode(t, f.authorizeParams())))
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("token exchange failed with status %v: %+v", status, token)
	}
	bearer := client{api: f.env.api, authToken: token.AccessToken}

	// The bound workspace is reachable, the owner's other workspace is not,
	// even though the session of the same user reaches both.
	err = bearer.Get(fmt.Sprintf("/api/v1/workspaces/%v", f.workspaceId)).Do(nil)
	if err != nil {
		t.Fatal(err)
	}
	err = bearer.Get(fmt.Sprintf("/api/v1/workspaces/%v", otherWorkspace)).Do(nil)
	if !isStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 for a workspace outside the token binding, got %v", err)
	}
	err = bearer.Post(fmt.Sprintf("/api/v1/workspaces/%v/projects", otherWorkspace)).
		Json(map[string]string{"name": "sneaky"}).Do(nil)
	if !isStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403 writing outside the token binding, got %v", err)
	}

	err = f.owner.Get(fmt.Sprintf("/api/v1/workspaces/%v", otherWorkspace)).Do(nil)
	if err != nil {
		t.Fatal(err)
	}
}

func TestAccessTokenScopesLimitMethods(t *testing.T) {
	f := newAppFixture(t, services.Options{}, schema.ClientConfidential, []string{"read"})

	status, token, err := f.owner.token(f.tokenForm(f.obtainCode(t, f.authorizeParams())))
	if err != nil {
		t.Fatal(err)
	}
	if status != http.StatusOK {
		t.Fatalf("token exchange failed with status %v: %+v", status, token)
	}
	if token.Scope != "read" {
		t.Fatalf("expected a read scoped token, got %q", token.Scope)
	}

	bearer := client{api: f.env.api, authToken: token.AccessToken}

	err = bearer.Get(fmt.Sprintf("/api/v1/projects/%v/files", f.projectId)).Do(nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = bearer.createModel(f.projectId, "tower")
	if !isStatus(err, http.StatusForbidden) || !errorBodyContains(err, "scope") {
		t.Fatalf("expected a 403 naming the missing scope, got %v", err)
	}
}

func TestTokenEndpointRateLimit(t *testing.T) {
	f := newAppFixture(t, services.Options{TokenRatePerMinute: 3},
		schema.ClientConfidential, []string{"read"})

	form := url.Values{"grant_type": {"authorization_code"}, "client_id": {f.app.ClientId}, "code": {"x"}}
	for i := 0; i < 3; i++ {
		res, err := f.owner.anonymousPost("/oauth/token").Form(form).Send()
		if err != nil {
			t.Fatal(err)
		}
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("expected status 400 before the limit, got %v", res.StatusCode)
		}
	}

	res, err := f.owner.anonymousPost("/oauth/token").Form(form).Send()
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected status 429 past the limit, got %v", res.StatusCode)
	}
}
