package client

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Workspace struct {
	Id          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	QuotaBytes  *int64    `json:"quotaBytes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Usage struct {
	WorkspaceId uuid.UUID `json:"workspaceId"`
	UsedBytes   int64     `json:"usedBytes"`
	QuotaBytes  *int64    `json:"quotaBytes,omitempty"`
}

type App struct {
	Id            uuid.UUID `json:"id"`
	WorkspaceId   uuid.UUID `json:"workspaceId"`
	Name          string    `json:"name"`
	ClientId      string    `json:"clientId"`
	ClientType    string    `json:"clientType"`
	RedirectUris  []string  `json:"redirectUris"`
	AllowedScopes []string  `json:"allowedScopes"`
	IsEnabled     bool      `json:"isEnabled"`
	CreatedAt     time.Time `json:"createdAt"`

	// Only set in the CreateApp response, the server stores a hash.
	ClientSecret string `json:"clientSecret,omitempty"`
}

type CreateApp struct {
	Name          string   `json:"name"`
	ClientType    string   `json:"clientType"`
	RedirectUris  []string `json:"redirectUris"`
	AllowedScopes []string `json:"allowedScopes"`
}

type UpdateWorkspace struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	QuotaBytes  *int64  `json:"quotaBytes,omitempty"`
}

type WorkspaceClient struct {
	BaseClient
	workspaceId uuid.UUID
}

func NewWorkspaceClient(baseUrl, token string, workspaceId uuid.UUID) *WorkspaceClient {
	return &WorkspaceClient{BaseClient: NewBaseClient(baseUrl, token), workspaceId: workspaceId}
}

func (c *WorkspaceClient) Id() uuid.UUID {
	return c.workspaceId
}

func (c *WorkspaceClient) GetWorkspace() (Workspace, error) {
	var res Workspace
	err := c.Get(fmt.Sprintf("/api/v1/workspaces/%v", c.workspaceId)).Do(&res)
	return res, err
}

func (c *WorkspaceClient) Update(params UpdateWorkspace) (Workspace, error) {
	var res Workspace
	err := c.Put(fmt.Sprintf("/api/v1/workspaces/%v", c.workspaceId)).Json(params).Do(&res)
	return res, err
}

func (c *WorkspaceClient) Usage() (Usage, error) {
	var res Usage
	err := c.Get(fmt.Sprintf("/api/v1/usage/workspaces/%v", c.workspaceId)).Do(&res)
	return res, err
}

func (c *WorkspaceClient) CreateProject(name, description string) (*ProjectClient, error) {
	body := map[string]string{"name": name, "description": description}

	var res Project
	err := c.Post(fmt.Sprintf("/api/v1/workspaces/%v/projects", c.workspaceId)).Json(body).Do(&res)
	if err != nil {
		return nil, err
	}

	return &ProjectClient{BaseClient: c.BaseClient, projectId: res.Id}, nil
}

func (c *WorkspaceClient) ListProjects() ([]Project, error) {
	var res struct {
		Projects []Project `json:"projects"`
	}
	err := c.Get(fmt.Sprintf("/api/v1/workspaces/%v/projects", c.workspaceId)).Do(&res)
	return res.Projects, err
}

func (c *WorkspaceClient) UpsertMember(userId uuid.UUID, role string) error {
	body := map[string]string{"role": role}
	return c.Put(fmt.Sprintf("/api/v1/workspaces/%v/members/%v", c.workspaceId, userId)).Json(body).Do(nil)
}

func (c *WorkspaceClient) RemoveMember(userId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/api/v1/workspaces/%v/members/%v", c.workspaceId, userId)).Do(nil)
}

// CreateApp registers an oauth client. The returned App carries the plaintext
// ClientSecret for confidential clients, it is not retrievable afterwards.
func (c *WorkspaceClient) CreateApp(params CreateApp) (App, error) {
	var res App
	err := c.Post(fmt.Sprintf("/api/v1/workspaces/%v/apps", c.workspaceId)).Json(params).Do(&res)
	return res, err
}

func (c *WorkspaceClient) ListApps() ([]App, error) {
	var res struct {
		Apps []App `json:"apps"`
	}
	err := c.Get(fmt.Sprintf("/api/v1/workspaces/%v/apps", c.workspaceId)).Do(&res)
	return res.Apps, err
}
