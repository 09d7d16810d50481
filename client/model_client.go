package client

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"octopus/cde/ifc"

	"github.com/google/uuid"
)

type Model struct {
	Id          uuid.UUID `json:"id"`
	ProjectId   uuid.UUID `json:"projectId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

type ModelVersion struct {
	Id               uuid.UUID  `json:"id"`
	ModelId          uuid.UUID  `json:"modelId"`
	VersionNumber    int        `json:"versionNumber"`
	Status           string     `json:"status"`
	IfcFileId        uuid.UUID  `json:"ifcFileId"`
	WexBimFileId     *uuid.UUID `json:"wexbimFileId,omitempty"`
	PropertiesFileId *uuid.UUID `json:"propertiesFileId,omitempty"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	ProcessedAt      *time.Time `json:"processedAt,omitempty"`
}

type VersionProperties struct {
	SchemaVersion string        `json:"schemaVersion"`
	ExtractedAt   time.Time     `json:"extractedAt"`
	TotalElements int           `json:"totalElements"`
	Page          int           `json:"page"`
	PageSize      int           `json:"pageSize"`
	Elements      []ifc.Element `json:"elements"`
}

type ModelClient struct {
	BaseClient
	modelId uuid.UUID
}

func NewModelClient(baseUrl, token string, modelId uuid.UUID) *ModelClient {
	return &ModelClient{BaseClient: NewBaseClient(baseUrl, token), modelId: modelId}
}

func (c *ModelClient) Id() uuid.UUID {
	return c.modelId
}

func (c *ModelClient) GetModel() (Model, error) {
	var res Model
	err := c.Get(fmt.Sprintf("/api/v1/models/%v", c.modelId)).Do(&res)
	return res, err
}

// CreateVersion submits the ifc file for conversion. The returned client
// tracks the new version, AwaitReady blocks until its artifacts exist.
func (c *ModelClient) CreateVersion(ifcFileId uuid.UUID) (*VersionClient, error) {
	body := map[string]uuid.UUID{"ifcFileId": ifcFileId}

	var res ModelVersion
	err := c.Post(fmt.Sprintf("/api/v1/models/%v/versions", c.modelId)).Json(body).Do(&res)
	if err != nil {
		return nil, err
	}

	return &VersionClient{BaseClient: c.BaseClient, versionId: res.Id}, nil
}

func (c *ModelClient) ListVersions() ([]ModelVersion, error) {
	var res struct {
		Versions []ModelVersion `json:"versions"`
	}
	err := c.Get(fmt.Sprintf("/api/v1/models/%v/versions", c.modelId)).Do(&res)
	return res.Versions, err
}

type VersionClient struct {
	BaseClient
	versionId uuid.UUID
}

func NewVersionClient(baseUrl, token string, versionId uuid.UUID) *VersionClient {
	return &VersionClient{BaseClient: NewBaseClient(baseUrl, token), versionId: versionId}
}

func (c *VersionClient) Id() uuid.UUID {
	return c.versionId
}

func (c *VersionClient) GetVersion() (ModelVersion, error) {
	var res ModelVersion
	err := c.Get(fmt.Sprintf("/api/v1/modelversions/%v", c.versionId)).Do(&res)
	return res, err
}

// AwaitReady polls until processing finishes. A failed version returns an
// error carrying the server's error message.
func (c *VersionClient) AwaitReady(timeout time.Duration) (ModelVersion, error) {
	check := time.Tick(2 * time.Second)
	stop := time.Tick(timeout)
	for {
		select {
		case <-check:
			version, err := c.GetVersion()
			if err != nil {
				return ModelVersion{}, err
			}
			if version.Status == "failed" {
				return version, fmt.Errorf("version processing failed: %v", version.ErrorMessage)
			}
			if version.Status == "ready" {
				return version, nil
			}
		case <-stop:
			return ModelVersion{}, fmt.Errorf("timeout reached before version %v became ready", c.versionId)
		}
	}
}

func (c *VersionClient) DownloadWexBim(dstPath string) error {
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	return c.Get(fmt.Sprintf("/api/v1/modelversions/%v/wexbim", c.versionId)).Process(
		func(body io.Reader) error {
			_, err := io.Copy(dst, body)
			return err
		},
	)
}

// WexBim fetches the geometry artifact into memory.
func (c *VersionClient) WexBim() ([]byte, error) {
	var buf bytes.Buffer
	err := c.Get(fmt.Sprintf("/api/v1/modelversions/%v/wexbim", c.versionId)).Process(
		func(body io.Reader) error {
			_, err := io.Copy(&buf, body)
			return err
		},
	)
	return buf.Bytes(), err
}

func (c *VersionClient) Properties(page, pageSize int) (VersionProperties, error) {
	var res VersionProperties
	err := c.Get(fmt.Sprintf("/api/v1/modelversions/%v/properties", c.versionId)).
		Param("page", strconv.Itoa(page)).
		Param("pageSize", strconv.Itoa(pageSize)).
		Do(&res)
	return res, err
}
