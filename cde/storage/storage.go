package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Provider ids recorded on file rows. Multiple providers may coexist, the
// row remembers which one holds its bytes.
const (
	ProviderLocalDisk = "localDisk"
	ProviderS3        = "s3"
)

// Pools partition a project's keyspace by object lifecycle.
const (
	PoolUploads   = "uploads"
	PoolFiles     = "files"
	PoolArtifacts = "artifacts"
)

var ErrKeyNotFound = errors.New("storage key not found")

// Provider is an opaque byte store keyed by string paths. Keys are opaque to
// the provider, the registry constructs them via NewKey. Put must be
// all-or-nothing from a reader's perspective.
type Provider interface {
	Put(ctx context.Context, key string, data io.Reader, contentType string) error

	// OpenRead returns ErrKeyNotFound iff the key is absent. The caller owns
	// the returned stream.
	OpenRead(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete is idempotent, removing an absent key is not an error.
	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	// Size returns ErrKeyNotFound iff the key is absent.
	Size(ctx context.Context, key string) (int64, error)

	ProviderId() string
}

// NewKey builds <workspaceId>/<projectId>/<pool>/<random>[.ext]. The original
// extension is kept so tools outside the registry can identify objects.
func NewKey(workspaceId, projectId uuid.UUID, pool, fileName string) string {
	key := fmt.Sprintf("%v/%v/%v/%v", workspaceId, projectId, pool, uuid.New())
	if ext := filepath.Ext(fileName); ext != "" {
		key += strings.ToLower(ext)
	}
	return key
}
