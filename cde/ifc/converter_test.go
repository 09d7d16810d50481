package ifc

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommandConverterRunsEngine(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "model.ifc")
	dst := filepath.Join(dir, "model.wexbim")
	assert.NoError(t, os.WriteFile(src, []byte("ISO-10303-21;"), 0644))

	converter := NewCommandConverter("cp")
	assert.NoError(t, converter.ConvertWexBim(context.Background(), src, dst))

	out, err := os.ReadFile(dst)
	assert.NoError(t, err)
	assert.Equal(t, "ISO-10303-21;", string(out))
}

func TestCommandConverterReportsFailure(t *testing.T) {
	dir := t.TempDir()
	converter := NewCommandConverter("cp")

	err := converter.ConvertWexBim(context.Background(),
		filepath.Join(dir, "missing.ifc"), filepath.Join(dir, "out.wexbim"))
	assert.Error(t, err)
}
