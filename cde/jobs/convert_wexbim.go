package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"octopus/cde/schema"
	"octopus/cde/storage"

	"github.com/google/uuid"
)

// ConvertWexBim produces the viewer geometry artifact for a model version.
// When the artifact already exists the job is a no-op apart from checking
// whether the version can be promoted to ready.
func (p *Pipeline) ConvertWexBim(ctx context.Context, job Envelope) error {
	version, project, err := p.loadVersion(job)
	if err != nil {
		return err
	}

	if version.WexBimFileId != nil {
		slog.Info("wexbim artifact already present, skipping conversion", "model_version_id", version.Id)
		return p.promoteReady(job, version.Id)
	}

	claimed, err := p.claimProcessing(version.Id)
	if err != nil {
		return err
	}
	if !claimed {
		slog.Info("model version is no longer processable, skipping conversion", "model_version_id", version.Id)
		return nil
	}
	notify(p.notifier, stageStarted(job, version.Id, StageGeometry, "converting geometry"))

	fileId, err := p.convertGeometry(ctx, version, project)
	if err != nil {
		p.markFailed(job, version.Id, StageGeometry, err)
		return err
	}

	notify(p.notifier, stageFinished(job, version.Id, StageGeometry, "wexbim artifact stored"))
	slog.Info("wexbim conversion finished", "model_version_id", version.Id, "file_id", fileId)
	return p.promoteReady(job, version.Id)
}

func (p *Pipeline) convertGeometry(ctx context.Context, version schema.ModelVersion, project schema.Project) (uuid.UUID, error) {
	// The geometry engine works on local paths, stage the model through a
	// scratch directory.
	dir, err := os.MkdirTemp("", "wexbim-*")
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating scratch dir: %v", err)
	}
	defer os.RemoveAll(dir)

	ifcPath := filepath.Join(dir, "model.ifc")
	if err := p.stageSource(ctx, version, ifcPath); err != nil {
		return uuid.Nil, err
	}

	wexBimPath := filepath.Join(dir, "model.wexbim")
	if err := p.converter.ConvertWexBim(ctx, ifcPath, wexBimPath); err != nil {
		return uuid.Nil, err
	}

	out, err := os.Open(wexBimPath)
	if err != nil {
		return uuid.Nil, fmt.Errorf("opening conversion output: %v", err)
	}
	defer out.Close()
	info, err := out.Stat()
	if err != nil {
		return uuid.Nil, fmt.Errorf("inspecting conversion output: %v", err)
	}

	name := artifactName(version.IfcFile.Name, ".wexbim")
	key := storage.NewKey(project.WorkspaceId, project.Id, storage.PoolArtifacts, name)

	hasher := sha256.New()
	if err := p.store.Put(ctx, key, io.TeeReader(out, hasher), "application/octet-stream"); err != nil {
		return uuid.Nil, err
	}

	return p.recordArtifact(version, project, artifact{
		name:        name,
		contentType: "application/octet-stream",
		category:    schema.CategoryWexBim,
		linkType:    schema.LinkDerivedFrom,
		column:      "wex_bim_file_id",
		key:         key,
		size:        info.Size(),
		checksum:    hex.EncodeToString(hasher.Sum(nil)),
	})
}

func (p *Pipeline) stageSource(ctx context.Context, version schema.ModelVersion, path string) error {
	reader, err := p.openSource(ctx, version)
	if err != nil {
		return err
	}
	defer reader.Close()

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("staging source model: %v", err)
	}
	if _, err := io.Copy(out, reader); err != nil {
		out.Close()
		return fmt.Errorf("staging source model: %v", err)
	}
	return out.Close()
}
