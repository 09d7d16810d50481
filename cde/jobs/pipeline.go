package jobs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"octopus/cde/ifc"
	"octopus/cde/schema"
	"octopus/cde/storage"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Pipeline owns the handlers that turn a committed ifc file into viewer
// artifacts. Handlers are idempotent, re-running after a crash or a retry
// converges on the same model version state.
type Pipeline struct {
	db        *gorm.DB
	store     storage.Provider
	converter ifc.Converter
	notifier  ProgressNotifier
}

func NewPipeline(db *gorm.DB, store storage.Provider, converter ifc.Converter, notifier ProgressNotifier) *Pipeline {
	return &Pipeline{db: db, store: store, converter: converter, notifier: notifier}
}

// Register binds the pipeline job types to a worker pool.
func (p *Pipeline) Register(pool *Pool) {
	pool.Register(JobConvertWexBim, p.ConvertWexBim)
	pool.Register(JobExtractProperties, p.ExtractProperties)
}

// loadVersion resolves the job payload to the version, with its files
// preloaded, and the project that owns it.
func (p *Pipeline) loadVersion(job Envelope) (schema.ModelVersion, schema.Project, error) {
	var args ConversionArgs
	if err := job.Args(&args); err != nil {
		return schema.ModelVersion{}, schema.Project{}, err
	}

	version, err := schema.GetModelVersion(args.ModelVersionId, p.db, true)
	if err != nil {
		return schema.ModelVersion{}, schema.Project{}, err
	}
	model, err := schema.GetModel(version.ModelId, p.db)
	if err != nil {
		return schema.ModelVersion{}, schema.Project{}, err
	}
	project, err := schema.GetProject(model.ProjectId, p.db)
	if err != nil {
		return schema.ModelVersion{}, schema.Project{}, err
	}
	return version, project, nil
}

// openSource streams the ifc file the version was created from.
func (p *Pipeline) openSource(ctx context.Context, version schema.ModelVersion) (io.ReadCloser, error) {
	if version.IfcFile == nil {
		return nil, fmt.Errorf("model version %v has no source file loaded", version.Id)
	}
	if version.IfcFile.StorageProvider != p.store.ProviderId() {
		return nil, fmt.Errorf("source file %v lives on provider %v, pipeline uses %v",
			version.IfcFileId, version.IfcFile.StorageProvider, p.store.ProviderId())
	}
	reader, err := p.store.OpenRead(ctx, version.IfcFile.StorageKey)
	if err != nil {
		return nil, fmt.Errorf("opening source model: %w", err)
	}
	return reader, nil
}

// claimProcessing moves the version into processing. Failed is terminal, a
// job arriving after another stage exhausted its attempts reports claimed
// false and is skipped. Versions that already carry the artifact skip this
// through the early return in the handlers.
func (p *Pipeline) claimProcessing(versionId uuid.UUID) (bool, error) {
	claimable := []string{schema.VersionPending, schema.VersionProcessing}
	result := p.db.Model(&schema.ModelVersion{}).
		Where("id = ? AND status IN ?", versionId, claimable).
		Update("status", schema.VersionProcessing)
	if result.Error != nil {
		slog.Error("sql error claiming model version", "model_version_id", versionId, "error", result.Error)
		return false, schema.ErrDbAccessFailed
	}
	return result.RowsAffected > 0, nil
}

// markFailed reports the attempt failure. The version itself only moves to
// failed when the job is out of retries, earlier attempts leave it in
// processing for the retry to pick up.
func (p *Pipeline) markFailed(job Envelope, versionId uuid.UUID, stage string, cause error) {
	if job.Attempt >= job.MaxAttempts {
		result := p.db.Model(&schema.ModelVersion{}).
			Where("id = ? AND status <> ?", versionId, schema.VersionReady).
			Updates(map[string]interface{}{
				"status":        schema.VersionFailed,
				"error_message": cause.Error(),
			})
		if result.Error != nil {
			slog.Error("sql error marking model version failed", "model_version_id", versionId, "error", result.Error)
		}
	}
	notify(p.notifier, stageFailed(job, versionId, stage, cause))
}

// promoteReady flips the version to ready once both artifacts exist. Both
// handlers call it and the guarded update makes the last one win, regardless
// of which worker or replica it ran on.
func (p *Pipeline) promoteReady(job Envelope, versionId uuid.UUID) error {
	result := p.db.Model(&schema.ModelVersion{}).
		Where("id = ? AND status = ? AND wex_bim_file_id IS NOT NULL AND properties_file_id IS NOT NULL",
			versionId, schema.VersionProcessing).
		Updates(map[string]interface{}{
			"status":        schema.VersionReady,
			"processed_at":  time.Now().UTC(),
			"error_message": "",
		})
	if result.Error != nil {
		slog.Error("sql error promoting model version", "model_version_id", versionId, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	if result.RowsAffected > 0 {
		slog.Info("model version ready", "model_version_id", versionId)
		notify(p.notifier, stageFinished(job, versionId, StageVersion, "both artifacts are available"))
	}
	return nil
}

type artifact struct {
	name        string
	contentType string
	category    string
	linkType    string
	column      string
	key         string
	size        int64
	checksum    string
}

// recordArtifact inserts the artifact file row, its lineage link to the
// source ifc file, and the artifact reference on the version in one
// transaction. The bytes must already be in storage.
func (p *Pipeline) recordArtifact(version schema.ModelVersion, project schema.Project, a artifact) (uuid.UUID, error) {
	fileId := uuid.New()
	now := time.Now().UTC()

	err := p.db.Transaction(func(txn *gorm.DB) error {
		file := schema.File{
			Id:              fileId,
			ProjectId:       project.Id,
			Name:            a.name,
			ContentType:     a.contentType,
			SizeBytes:       a.size,
			Checksum:        a.checksum,
			Kind:            schema.KindArtifact,
			Category:        a.category,
			StorageProvider: p.store.ProviderId(),
			StorageKey:      a.key,
			CreatedBy:       version.CreatedBy,
			CreatedAt:       now,
		}
		if result := txn.Create(&file); result.Error != nil {
			slog.Error("sql error creating artifact file", "model_version_id", version.Id, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		link := schema.FileLink{
			Id:           uuid.New(),
			SourceFileId: fileId,
			TargetFileId: version.IfcFileId,
			LinkType:     a.linkType,
			CreatedAt:    now,
		}
		if result := txn.Create(&link); result.Error != nil {
			slog.Error("sql error creating artifact link", "model_version_id", version.Id, "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		result := txn.Model(&schema.ModelVersion{}).Where("id = ?", version.Id).Update(a.column, fileId)
		if result.Error != nil {
			slog.Error("sql error attaching artifact to version", "model_version_id", version.Id, "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		return nil
	})
	if err != nil {
		return uuid.Nil, err
	}
	return fileId, nil
}

// artifactName derives the artifact file name from the source model name.
func artifactName(sourceName, suffix string) string {
	base := strings.TrimSuffix(sourceName, filepath.Ext(sourceName))
	if base == "" {
		base = "model"
	}
	return base + suffix
}
