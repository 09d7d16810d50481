package client

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
)

type Link struct {
	Id           uuid.UUID `json:"id"`
	SourceFileId uuid.UUID `json:"sourceFileId"`
	TargetFileId uuid.UUID `json:"targetFileId"`
	LinkType     string    `json:"linkType"`
	CreatedAt    time.Time `json:"createdAt"`
}

type FileClient struct {
	BaseClient
	fileId uuid.UUID
}

func NewFileClient(baseUrl, token string, fileId uuid.UUID) *FileClient {
	return &FileClient{BaseClient: NewBaseClient(baseUrl, token), fileId: fileId}
}

func (c *FileClient) Id() uuid.UUID {
	return c.fileId
}

func (c *FileClient) Download(dstPath string) error {
	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	return c.Get(fmt.Sprintf("/api/v1/files/%v/content", c.fileId)).Process(
		func(body io.Reader) error {
			_, err := io.Copy(dst, body)
			return err
		},
	)
}

// Content fetches the file bytes into memory.
func (c *FileClient) Content() ([]byte, error) {
	var buf bytes.Buffer
	err := c.Get(fmt.Sprintf("/api/v1/files/%v/content", c.fileId)).Process(
		func(body io.Reader) error {
			_, err := io.Copy(&buf, body)
			return err
		},
	)
	return buf.Bytes(), err
}

func (c *FileClient) DeleteFile() error {
	return c.Delete(fmt.Sprintf("/api/v1/files/%v", c.fileId)).Do(nil)
}

// LinkTo records a lineage edge from this file to the target.
func (c *FileClient) LinkTo(targetFileId uuid.UUID, linkType string) (Link, error) {
	body := map[string]interface{}{
		"targetFileId": targetFileId,
		"linkType":     linkType,
	}

	var res Link
	err := c.Post(fmt.Sprintf("/api/v1/files/%v/links", c.fileId)).Json(body).Do(&res)
	return res, err
}

func (c *FileClient) Links() ([]Link, error) {
	var res struct {
		Links []Link `json:"links"`
	}
	err := c.Get(fmt.Sprintf("/api/v1/files/%v/links", c.fileId)).Do(&res)
	return res.Links, err
}
