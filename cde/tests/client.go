package tests

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// statusError carries the status and body of a failed request so tests can
// assert on both.
type statusError struct {
	Status int
	Body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("request returned status %d, content '%v'", e.Status, e.Body)
}

func isStatus(err error, status int) bool {
	var se *statusError
	return errors.As(err, &se) && se.Status == status
}

func errorBodyContains(err error, text string) bool {
	var se *statusError
	return errors.As(err, &se) && strings.Contains(se.Body, text)
}

type httpTestRequest struct {
	api http.Handler

	method   string
	endpoint string
	headers  map[string]string
	json     interface{}
	form     url.Values
	body     io.Reader
}

func newHttpTestRequest(api http.Handler, method, endpoint string) *httpTestRequest {
	return &httpTestRequest{api: api, method: method, endpoint: endpoint}
}

func (r *httpTestRequest) Header(key, value string) *httpTestRequest {
	if r.headers == nil {
		r.headers = make(map[string]string)
	}
	r.headers[key] = value
	return r
}

func (r *httpTestRequest) Auth(token string) *httpTestRequest {
	return r.Header("Authorization", fmt.Sprintf("Bearer %v", token))
}

func (r *httpTestRequest) Json(data interface{}) *httpTestRequest {
	r.json = data
	return r
}

func (r *httpTestRequest) Form(form url.Values) *httpTestRequest {
	r.form = form
	return r
}

func (r *httpTestRequest) Body(body io.Reader) *httpTestRequest {
	r.body = body
	return r
}

// Send performs the request and returns the raw response, leaving status
// handling to the caller. Redirect tests inspect headers through this.
func (r *httpTestRequest) Send() (*http.Response, error) {
	if r.json != nil {
		body := new(bytes.Buffer)
		if err := json.NewEncoder(body).Encode(r.json); err != nil {
			return nil, fmt.Errorf("error encoding json body for endpoint %v: %w", r.endpoint, err)
		}
		r.body = body
		r.Header("Content-Type", "application/json")
	}
	if r.form != nil {
		r.body = strings.NewReader(r.form.Encode())
		r.Header("Content-Type", "application/x-www-form-urlencoded")
	}

	req := httptest.NewRequest(r.method, r.endpoint, r.body)
	for k, v := range r.headers {
		req.Header.Add(k, v)
	}

	w := httptest.NewRecorder()
	r.api.ServeHTTP(w, req)
	return w.Result(), nil
}

// Do performs the request, expecting a 2xx status. The response body is
// parsed into result, passing nil indicates that no result is expected.
func (r *httpTestRequest) Do(result interface{}) error {
	res, err := r.Send()
	if err != nil {
		return err
	}
	defer res.Body.Close()

	content, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("error reading %v response from endpoint %v: %w", r.method, r.endpoint, err)
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return &statusError{Status: res.StatusCode, Body: string(content)}
	}

	if result != nil {
		if err := json.Unmarshal(content, result); err != nil {
			return fmt.Errorf("error parsing %v response from endpoint %v: %w", r.method, r.endpoint, err)
		}
	}
	return nil
}

type client struct {
	api       chi.Router
	authToken string
	userId    uuid.UUID
}

func (c *client) request(method, endpoint string) *httpTestRequest {
	r := newHttpTestRequest(c.api, method, endpoint)
	if c.authToken != "" {
		return r.Auth(c.authToken)
	}
	return r
}

func (c *client) Get(endpoint string) *httpTestRequest {
	return c.request("GET", endpoint)
}

func (c *client) Post(endpoint string) *httpTestRequest {
	return c.request("POST", endpoint)
}

func (c *client) Put(endpoint string) *httpTestRequest {
	return c.request("PUT", endpoint)
}

func (c *client) Delete(endpoint string) *httpTestRequest {
	return c.request("DELETE", endpoint)
}

type idResponse struct {
	Id uuid.UUID `json:"id"`
}

func (c *client) createWorkspace(name string, quotaBytes *int64) (uuid.UUID, error) {
	var res idResponse
	err := c.Post("/api/v1/workspaces").
		Json(map[string]interface{}{"name": name, "quotaBytes": quotaBytes}).
		Do(&res)
	return res.Id, err
}

func (c *client) createProject(workspaceId uuid.UUID, name string) (uuid.UUID, error) {
	var res idResponse
	err := c.Post(fmt.Sprintf("/api/v1/workspaces/%v/projects", workspaceId)).
		Json(map[string]string{"name": name}).
		Do(&res)
	return res.Id, err
}

func (c *client) setWorkspaceRole(workspaceId, userId uuid.UUID, role string) error {
	return c.Put(fmt.Sprintf("/api/v1/workspaces/%v/members/%v", workspaceId, userId)).
		Json(map[string]string{"role": role}).
		Do(nil)
}

func (c *client) setProjectRole(projectId, userId uuid.UUID, role string) error {
	return c.Put(fmt.Sprintf("/api/v1/projects/%v/members/%v", projectId, userId)).
		Json(map[string]string{"role": role}).
		Do(nil)
}

type sessionResult struct {
	Id              uuid.UUID  `json:"id"`
	Status          string     `json:"status"`
	CommittedFileId *uuid.UUID `json:"committedFileId"`
}

func (c *client) reserveUpload(projectId uuid.UUID, fileName string, expectedSize *int64) (sessionResult, error) {
	var res sessionResult
	err := c.Post(fmt.Sprintf("/api/v1/projects/%v/files/reserve", projectId)).
		Json(map[string]interface{}{
			"fileName":          fileName,
			"contentType":       "application/octet-stream",
			"expectedSizeBytes": expectedSize,
		}).
		Do(&res)
	return res, err
}

// uploadContent sends the bytes as a multipart form, the way the web client
// does.
func (c *client) uploadContent(projectId, sessionId uuid.UUID, content []byte) (sessionResult, error) {
	body := new(bytes.Buffer)
	form := multipart.NewWriter(body)
	part, err := form.CreateFormFile("file", "upload.bin")
	if err != nil {
		return sessionResult{}, err
	}
	if _, err := part.Write(content); err != nil {
		return sessionResult{}, err
	}
	if err := form.Close(); err != nil {
		return sessionResult{}, err
	}

	var res sessionResult
	err = c.Post(fmt.Sprintf("/api/v1/projects/%v/files/sessions/%v/content", projectId, sessionId)).
		Header("Content-Type", form.FormDataContentType()).
		Body(body).
		Do(&res)
	return res, err
}

type fileResult struct {
	Id        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	SizeBytes int64     `json:"sizeBytes"`
	Checksum  string    `json:"checksum"`
	Kind      string    `json:"kind"`
	Category  string    `json:"category"`
	IsDeleted bool      `json:"isDeleted"`
}

func (c *client) commitUpload(projectId, sessionId uuid.UUID, checksum string) (fileResult, error) {
	body := map[string]string{}
	if checksum != "" {
		body["checksum"] = checksum
	}

	var res fileResult
	err := c.Post(fmt.Sprintf("/api/v1/projects/%v/files/sessions/%v/commit", projectId, sessionId)).
		Json(body).
		Do(&res)
	return res, err
}

// upload runs the full reserve, upload, commit sequence.
func (c *client) upload(projectId uuid.UUID, fileName string, content []byte) (fileResult, error) {
	session, err := c.reserveUpload(projectId, fileName, nil)
	if err != nil {
		return fileResult{}, err
	}
	if _, err := c.uploadContent(projectId, session.Id, content); err != nil {
		return fileResult{}, err
	}
	return c.commitUpload(projectId, session.Id, "")
}

func (c *client) downloadFile(fileId uuid.UUID) ([]byte, error) {
	res, err := c.Get(fmt.Sprintf("/api/v1/files/%v/content", fileId)).Send()
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	content, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, &statusError{Status: res.StatusCode, Body: string(content)}
	}
	return content, nil
}

func (c *client) deleteFile(fileId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/api/v1/files/%v", fileId)).Do(nil)
}

func (c *client) createLink(sourceFileId, targetFileId uuid.UUID, linkType string) error {
	return c.Post(fmt.Sprintf("/api/v1/files/%v/links", sourceFileId)).
		Json(map[string]interface{}{"targetFileId": targetFileId, "linkType": linkType}).
		Do(nil)
}

func (c *client) createModel(projectId uuid.UUID, name string) (uuid.UUID, error) {
	var res idResponse
	err := c.Post(fmt.Sprintf("/api/v1/projects/%v/models", projectId)).
		Json(map[string]string{"name": name}).
		Do(&res)
	return res.Id, err
}

type versionResult struct {
	Id               uuid.UUID  `json:"id"`
	VersionNumber    int        `json:"versionNumber"`
	Status           string     `json:"status"`
	WexBimFileId     *uuid.UUID `json:"wexbimFileId"`
	PropertiesFileId *uuid.UUID `json:"propertiesFileId"`
	ErrorMessage     string     `json:"errorMessage"`
}

func (c *client) createVersion(modelId, ifcFileId uuid.UUID) (versionResult, error) {
	var res versionResult
	err := c.Post(fmt.Sprintf("/api/v1/models/%v/versions", modelId)).
		Json(map[string]interface{}{"ifcFileId": ifcFileId}).
		Do(&res)
	return res, err
}

func (c *client) getVersion(versionId uuid.UUID) (versionResult, error) {
	var res versionResult
	err := c.Get(fmt.Sprintf("/api/v1/modelversions/%v", versionId)).Do(&res)
	return res, err
}

func (c *client) downloadWexBim(versionId uuid.UUID) ([]byte, error) {
	res, err := c.Get(fmt.Sprintf("/api/v1/modelversions/%v/wexbim", versionId)).Send()
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	content, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, err
	}
	if res.StatusCode != http.StatusOK {
		return nil, &statusError{Status: res.StatusCode, Body: string(content)}
	}
	return content, nil
}

type propertiesResult struct {
	SchemaVersion string                   `json:"schemaVersion"`
	TotalElements int                      `json:"totalElements"`
	Page          int                      `json:"page"`
	PageSize      int                      `json:"pageSize"`
	Elements      []map[string]interface{} `json:"elements"`
}

func (c *client) getProperties(versionId uuid.UUID, query string) (propertiesResult, error) {
	endpoint := fmt.Sprintf("/api/v1/modelversions/%v/properties", versionId)
	if query != "" {
		endpoint += "?" + query
	}
	var res propertiesResult
	err := c.Get(endpoint).Do(&res)
	return res, err
}

type usageResult struct {
	UsedBytes  int64  `json:"usedBytes"`
	QuotaBytes *int64 `json:"quotaBytes"`
}

func (c *client) workspaceUsage(workspaceId uuid.UUID) (usageResult, error) {
	var res usageResult
	err := c.Get(fmt.Sprintf("/api/v1/usage/workspaces/%v", workspaceId)).Do(&res)
	return res, err
}

type appResult struct {
	Id           uuid.UUID `json:"id"`
	ClientId     string    `json:"clientId"`
	ClientSecret string    `json:"clientSecret"`
}

func (c *client) createApp(workspaceId uuid.UUID, name, clientType string, redirectUris, scopes []string) (appResult, error) {
	var res appResult
	err := c.Post(fmt.Sprintf("/api/v1/workspaces/%v/apps", workspaceId)).
		Json(map[string]interface{}{
			"name":          name,
			"clientType":    clientType,
			"redirectUris":  redirectUris,
			"allowedScopes": scopes,
		}).
		Do(&res)
	return res, err
}

// authorize performs GET /oauth/authorize and returns the raw response so
// tests can inspect the redirect.
func (c *client) authorize(params url.Values) (*http.Response, error) {
	return c.Get("/oauth/authorize?" + params.Encode()).Send()
}

type tokenResult struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// token posts to /oauth/token and decodes the body whatever the status, the
// oauth error contract is part of what tests assert.
func (c *client) token(form url.Values) (int, tokenResult, error) {
	res, err := c.anonymousPost("/oauth/token").Form(form).Send()
	if err != nil {
		return 0, tokenResult{}, err
	}
	defer res.Body.Close()

	var body tokenResult
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		return res.StatusCode, tokenResult{}, fmt.Errorf("error parsing token response: %w", err)
	}
	return res.StatusCode, body, nil
}

// anonymousPost never attaches the session token. The token endpoint
// authenticates the oauth client itself, not a user.
func (c *client) anonymousPost(endpoint string) *httpTestRequest {
	return newHttpTestRequest(c.api, "POST", endpoint)
}
