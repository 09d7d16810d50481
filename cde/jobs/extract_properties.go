package jobs

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"octopus/cde/ifc"
	"octopus/cde/schema"
	"octopus/cde/storage"

	"github.com/google/uuid"
)

// ExtractProperties builds the element properties artifact for a model
// version. Like ConvertWexBim it skips work the moment the artifact exists.
func (p *Pipeline) ExtractProperties(ctx context.Context, job Envelope) error {
	version, project, err := p.loadVersion(job)
	if err != nil {
		return err
	}

	if version.PropertiesFileId != nil {
		slog.Info("properties artifact already present, skipping extraction", "model_version_id", version.Id)
		return p.promoteReady(job, version.Id)
	}

	claimed, err := p.claimProcessing(version.Id)
	if err != nil {
		return err
	}
	if !claimed {
		slog.Info("model version is no longer processable, skipping extraction", "model_version_id", version.Id)
		return nil
	}
	notify(p.notifier, stageStarted(job, version.Id, StageProperties, "extracting element properties"))

	fileId, err := p.extractProperties(ctx, version, project)
	if err != nil {
		p.markFailed(job, version.Id, StageProperties, err)
		return err
	}

	notify(p.notifier, stageFinished(job, version.Id, StageProperties, "properties artifact stored"))
	slog.Info("property extraction finished", "model_version_id", version.Id, "file_id", fileId)
	return p.promoteReady(job, version.Id)
}

func (p *Pipeline) extractProperties(ctx context.Context, version schema.ModelVersion, project schema.Project) (uuid.UUID, error) {
	reader, err := p.openSource(ctx, version)
	if err != nil {
		return uuid.Nil, err
	}
	defer reader.Close()

	model, err := ifc.ReadModel(reader, ifc.ExtractionTypes)
	if err != nil {
		return uuid.Nil, fmt.Errorf("reading ifc model: %v", err)
	}

	doc := ifc.ExtractProperties(model)
	raw, err := json.Marshal(doc)
	if err != nil {
		return uuid.Nil, fmt.Errorf("encoding properties document: %v", err)
	}

	name := artifactName(version.IfcFile.Name, ".properties.json")
	key := storage.NewKey(project.WorkspaceId, project.Id, storage.PoolArtifacts, name)

	if err := p.store.Put(ctx, key, bytes.NewReader(raw), "application/json"); err != nil {
		return uuid.Nil, err
	}

	sum := sha256.Sum256(raw)
	return p.recordArtifact(version, project, artifact{
		name:        name,
		contentType: "application/json",
		category:    schema.CategoryProperties,
		linkType:    schema.LinkPropertiesOf,
		column:      "properties_file_id",
		key:         key,
		size:        int64(len(raw)),
		checksum:    hex.EncodeToString(sum[:]),
	})
}
