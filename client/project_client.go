package client

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

type Project struct {
	Id          uuid.UUID `json:"id"`
	WorkspaceId uuid.UUID `json:"workspaceId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type UploadSession struct {
	Id                uuid.UUID  `json:"id"`
	ProjectId         uuid.UUID  `json:"projectId"`
	FileName          string     `json:"fileName"`
	ContentType       string     `json:"contentType,omitempty"`
	ExpectedSizeBytes *int64     `json:"expectedSizeBytes,omitempty"`
	Status            string     `json:"status"`
	CommittedFileId   *uuid.UUID `json:"committedFileId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
}

type File struct {
	Id          uuid.UUID  `json:"id"`
	ProjectId   uuid.UUID  `json:"projectId"`
	Name        string     `json:"name"`
	ContentType string     `json:"contentType,omitempty"`
	SizeBytes   int64      `json:"sizeBytes"`
	Checksum    string     `json:"checksum,omitempty"`
	Kind        string     `json:"kind"`
	Category    string     `json:"category"`
	IsDeleted   bool       `json:"isDeleted,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

type ProjectClient struct {
	BaseClient
	projectId uuid.UUID
}

func NewProjectClient(baseUrl, token string, projectId uuid.UUID) *ProjectClient {
	return &ProjectClient{BaseClient: NewBaseClient(baseUrl, token), projectId: projectId}
}

func (c *ProjectClient) Id() uuid.UUID {
	return c.projectId
}

func (c *ProjectClient) GetProject() (Project, error) {
	var res Project
	err := c.Get(fmt.Sprintf("/api/v1/projects/%v", c.projectId)).Do(&res)
	return res, err
}

func (c *ProjectClient) UpsertMember(userId uuid.UUID, role string) error {
	body := map[string]string{"role": role}
	return c.Put(fmt.Sprintf("/api/v1/projects/%v/members/%v", c.projectId, userId)).Json(body).Do(nil)
}

func (c *ProjectClient) RemoveMember(userId uuid.UUID) error {
	return c.Delete(fmt.Sprintf("/api/v1/projects/%v/members/%v", c.projectId, userId)).Do(nil)
}

type reserveParams struct {
	FileName          string `json:"fileName"`
	ContentType       string `json:"contentType,omitempty"`
	ExpectedSizeBytes *int64 `json:"expectedSizeBytes,omitempty"`
}

func (c *ProjectClient) Reserve(fileName, contentType string, expectedSizeBytes *int64) (UploadSession, error) {
	body := reserveParams{
		FileName: fileName, ContentType: contentType, ExpectedSizeBytes: expectedSizeBytes,
	}

	var res UploadSession
	err := c.Post(fmt.Sprintf("/api/v1/projects/%v/files/reserve", c.projectId)).Json(body).Do(&res)
	return res, err
}

// UploadFile runs the reserve, content and commit steps in one call. The
// checksum of the streamed bytes is computed on the way and verified by the
// server at commit.
func (c *ProjectClient) UploadFile(fileName, contentType string, content io.Reader) (File, error) {
	session, err := c.Reserve(fileName, contentType, nil)
	if err != nil {
		return File{}, fmt.Errorf("error reserving upload for %v: %w", fileName, err)
	}

	hasher := sha256.New()
	err = c.Post(fmt.Sprintf("/api/v1/projects/%v/files/sessions/%v/content", c.projectId, session.Id)).
		Body(io.TeeReader(content, hasher)).Do(nil)
	if err != nil {
		return File{}, fmt.Errorf("error uploading content for %v: %w", fileName, err)
	}

	body := map[string]string{"checksum": hex.EncodeToString(hasher.Sum(nil))}

	var file File
	err = c.Post(fmt.Sprintf("/api/v1/projects/%v/files/sessions/%v/commit", c.projectId, session.Id)).
		Json(body).Do(&file)
	if err != nil {
		return File{}, fmt.Errorf("error committing upload for %v: %w", fileName, err)
	}

	return file, nil
}

// UploadLocalFile uploads the file at path under its base name.
func (c *ProjectClient) UploadLocalFile(path string) (File, error) {
	f, err := os.Open(path)
	if err != nil {
		return File{}, fmt.Errorf("unable to open file %v: %w", path, err)
	}
	defer f.Close()

	return c.UploadFile(filepath.Base(path), "", f)
}

func (c *ProjectClient) ListFiles() ([]File, error) {
	var res struct {
		Files []File `json:"files"`
	}
	err := c.Get(fmt.Sprintf("/api/v1/projects/%v/files", c.projectId)).Do(&res)
	return res.Files, err
}

func (c *ProjectClient) CreateModel(name, description string) (*ModelClient, error) {
	body := map[string]string{"name": name, "description": description}

	var res Model
	err := c.Post(fmt.Sprintf("/api/v1/projects/%v/models", c.projectId)).Json(body).Do(&res)
	if err != nil {
		return nil, err
	}

	return &ModelClient{BaseClient: c.BaseClient, modelId: res.Id}, nil
}

func (c *ProjectClient) ListModels() ([]Model, error) {
	var res struct {
		Models []Model `json:"models"`
	}
	err := c.Get(fmt.Sprintf("/api/v1/projects/%v/models", c.projectId)).Do(&res)
	return res.Models, err
}
