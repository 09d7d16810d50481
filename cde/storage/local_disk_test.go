package storage

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestLocalDiskRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewLocalDisk(t.TempDir())

	key := "ws/proj/files/abc.ifc"
	content := []byte("ISO-10303-21;\nHEADER;\nENDSEC;\nEND-ISO-10303-21;")

	err := store.Put(ctx, key, bytes.NewReader(content), "application/x-step")
	assert.NoError(t, err)

	exists, err := store.Exists(ctx, key)
	assert.NoError(t, err)
	assert.True(t, exists)

	size, err := store.Size(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)

	reader, err := store.OpenRead(ctx, key)
	assert.NoError(t, err)
	read, err := io.ReadAll(reader)
	assert.NoError(t, err)
	assert.NoError(t, reader.Close())
	assert.Equal(t, content, read)
}

func TestLocalDiskOverwrite(t *testing.T) {
	ctx := context.Background()
	store := NewLocalDisk(t.TempDir())

	key := "ws/proj/uploads/tmp.bin"

	err := store.Put(ctx, key, strings.NewReader("first attempt"), "")
	assert.NoError(t, err)

	err = store.Put(ctx, key, strings.NewReader("second"), "")
	assert.NoError(t, err)

	size, err := store.Size(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, int64(len("second")), size)

	reader, err := store.OpenRead(ctx, key)
	assert.NoError(t, err)
	defer reader.Close()
	read, err := io.ReadAll(reader)
	assert.NoError(t, err)
	assert.Equal(t, "second", string(read))
}

func TestLocalDiskMissingKey(t *testing.T) {
	ctx := context.Background()
	store := NewLocalDisk(t.TempDir())

	_, err := store.OpenRead(ctx, "no/such/key")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	_, err = store.Size(ctx, "no/such/key")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	exists, err := store.Exists(ctx, "no/such/key")
	assert.NoError(t, err)
	assert.False(t, exists)

	// Deleting an absent key is not an error.
	assert.NoError(t, store.Delete(ctx, "no/such/key"))
}

func TestLocalDiskDelete(t *testing.T) {
	ctx := context.Background()
	store := NewLocalDisk(t.TempDir())

	key := "ws/proj/files/doomed.txt"
	assert.NoError(t, store.Put(ctx, key, strings.NewReader("bytes"), ""))

	assert.NoError(t, store.Delete(ctx, key))

	exists, err := store.Exists(ctx, key)
	assert.NoError(t, err)
	assert.False(t, exists)

	assert.NoError(t, store.Delete(ctx, key))
}

func TestNewKey(t *testing.T) {
	workspaceId, projectId := uuid.New(), uuid.New()

	key := NewKey(workspaceId, projectId, PoolFiles, "SampleHouse.IFC")

	parts := strings.Split(key, "/")
	assert.Len(t, parts, 4)
	assert.Equal(t, workspaceId.String(), parts[0])
	assert.Equal(t, projectId.String(), parts[1])
	assert.Equal(t, PoolFiles, parts[2])
	assert.True(t, strings.HasSuffix(key, ".ifc"))

	// No extension on the original name means none on the key.
	bare := NewKey(workspaceId, projectId, PoolUploads, "blob")
	assert.NotContains(t, strings.Split(bare, "/")[3], ".")
}
