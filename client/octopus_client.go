package client

import (
	"github.com/google/uuid"
)

// OctopusClient is the entrypoint of the api. It talks as the session user
// behind the configured token, or as the development identity when no token
// is set. Scoped clients for existing resources come from the accessor
// methods, creating a resource returns its client directly.
type OctopusClient struct {
	BaseClient
}

func New(baseUrl string) *OctopusClient {
	return &OctopusClient{BaseClient: BaseClient{baseUrl: baseUrl}}
}

func NewWithToken(baseUrl, token string) *OctopusClient {
	return &OctopusClient{BaseClient: NewBaseClient(baseUrl, token)}
}

// UseToken swaps the credential, for example to an access token obtained
// through ExchangeCode.
func (c *OctopusClient) UseToken(token string) {
	c.authToken = token
}

func (c *OctopusClient) Health() error {
	return c.Get("/health").Do(nil)
}

func (c *OctopusClient) CreateWorkspace(name, description string) (*WorkspaceClient, error) {
	body := map[string]string{"name": name, "description": description}

	var res Workspace
	err := c.Post("/api/v1/workspaces").Json(body).Do(&res)
	if err != nil {
		return nil, err
	}

	return &WorkspaceClient{BaseClient: c.BaseClient, workspaceId: res.Id}, nil
}

func (c *OctopusClient) ListWorkspaces() ([]Workspace, error) {
	var res struct {
		Workspaces []Workspace `json:"workspaces"`
	}
	err := c.Get("/api/v1/workspaces").Do(&res)
	return res.Workspaces, err
}

func (c *OctopusClient) Workspace(id uuid.UUID) *WorkspaceClient {
	return &WorkspaceClient{BaseClient: c.BaseClient, workspaceId: id}
}

func (c *OctopusClient) Project(id uuid.UUID) *ProjectClient {
	return &ProjectClient{BaseClient: c.BaseClient, projectId: id}
}

func (c *OctopusClient) File(id uuid.UUID) *FileClient {
	return &FileClient{BaseClient: c.BaseClient, fileId: id}
}

func (c *OctopusClient) Model(id uuid.UUID) *ModelClient {
	return &ModelClient{BaseClient: c.BaseClient, modelId: id}
}

func (c *OctopusClient) Version(id uuid.UUID) *VersionClient {
	return &VersionClient{BaseClient: c.BaseClient, versionId: id}
}
