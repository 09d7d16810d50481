package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"octopus/cde/ifc"
	"octopus/cde/schema"
	"octopus/cde/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const pipelineIfc = `ISO-10303-21;
HEADER;
FILE_SCHEMA(('IFC4'));
ENDSEC;
DATA;
#10=IFCWALLSTANDARDCASE('3vB2YO$MX4xv5uCqZZG05x',$,'Wall',$,$,$,$,'W-01');
#20=IFCPROPERTYSINGLEVALUE('FireRating',$,IFCLABEL('REI120'),$);
#30=IFCPROPERTYSET('2iJ9Z3cSnEJuBPZdtlBIaV',$,'Pset_WallCommon',$,(#20));
#40=IFCRELDEFINESBYPROPERTIES('1kTURuoeHEYAvueEAuOdmH',$,$,$,(#10),#30);
ENDSEC;
END-ISO-10303-21;
`

type stubConverter struct {
	fail  bool
	calls int
}

func (c *stubConverter) ConvertWexBim(ctx context.Context, ifcPath, wexBimPath string) error {
	c.calls++
	if c.fail {
		return errors.New("geometry engine crashed")
	}
	data, err := os.ReadFile(ifcPath)
	if err != nil {
		return err
	}
	if len(data) > 16 {
		data = data[:16]
	}
	return os.WriteFile(wexBimPath, append([]byte("WEX"), data...), 0644)
}

type eventRecorder struct {
	mu     sync.Mutex
	events []Progress
}

func (r *eventRecorder) Notify(p Progress) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, p)
	return nil
}

// statuses collapses the events of one stage into running/succeeded/failed
// markers so tests can assert on the event sequence.
func (r *eventRecorder) statuses(stage string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Stage != stage {
			continue
		}
		switch {
		case !e.IsComplete:
			out = append(out, "running")
		case e.IsSuccess:
			out = append(out, "succeeded")
		default:
			out = append(out, "failed")
		}
	}
	return out
}

type pipelineEnv struct {
	db        *gorm.DB
	store     storage.Provider
	queue     *DbQueue
	pool      *Pool
	converter *stubConverter
	events    *eventRecorder
	project   schema.Project
	ifcFile   schema.File
	version   schema.ModelVersion
}

func newPipelineEnv(t *testing.T, ifcBytes []byte, maxAttempts int) *pipelineEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	assert.NoError(t, err)
	assert.NoError(t, db.AutoMigrate(
		&schema.User{}, &schema.Workspace{}, &schema.Project{}, &schema.File{},
		&schema.FileLink{}, &schema.Model{}, &schema.ModelVersion{}, &schema.Job{},
	))

	store := storage.NewLocalDisk(t.TempDir())

	user := schema.User{Id: uuid.New(), Subject: "tester"}
	workspace := schema.Workspace{Id: uuid.New(), Name: "Acme BIM"}
	project := schema.Project{Id: uuid.New(), WorkspaceId: workspace.Id, Name: "Headquarters"}

	ifcKey := storage.NewKey(workspace.Id, project.Id, storage.PoolFiles, "house.ifc")
	assert.NoError(t, store.Put(context.Background(), ifcKey, bytes.NewReader(ifcBytes), "application/x-step"))

	ifcFile := schema.File{
		Id:              uuid.New(),
		ProjectId:       project.Id,
		Name:            "house.ifc",
		ContentType:     "application/x-step",
		SizeBytes:       int64(len(ifcBytes)),
		Kind:            schema.KindSource,
		Category:        schema.CategoryIfc,
		StorageProvider: store.ProviderId(),
		StorageKey:      ifcKey,
		CreatedBy:       user.Id,
	}
	model := schema.Model{Id: uuid.New(), ProjectId: project.Id, Name: "Main building"}
	version := schema.ModelVersion{
		Id:            uuid.New(),
		ModelId:       model.Id,
		VersionNumber: 1,
		IfcFileId:     ifcFile.Id,
		Status:        schema.VersionPending,
		CreatedBy:     user.Id,
	}

	for _, row := range []interface{}{&user, &workspace, &project, &ifcFile, &model, &version} {
		assert.NoError(t, db.Create(row).Error)
	}

	queue := NewDbQueue(db, DbQueueArgs{MaxAttempts: maxAttempts, BackoffBase: time.Nanosecond})
	converter := &stubConverter{}
	events := &eventRecorder{}

	pool := NewPool(queue, 1, time.Millisecond, nil)
	NewPipeline(db, store, converter, events).Register(pool)

	return &pipelineEnv{
		db: db, store: store, queue: queue, pool: pool,
		converter: converter, events: events,
		project: project, ifcFile: ifcFile, version: version,
	}
}

func (env *pipelineEnv) enqueue(t *testing.T, jobType string) {
	assert.NoError(t, env.queue.Enqueue(env.db, jobType, ConversionArgs{ModelVersionId: env.version.Id}))
}

func (env *pipelineEnv) reloadVersion(t *testing.T) schema.ModelVersion {
	version, err := schema.GetModelVersion(env.version.Id, env.db, false)
	assert.NoError(t, err)
	return version
}

func TestPipelineProducesArtifacts(t *testing.T) {
	env := newPipelineEnv(t, []byte(pipelineIfc), 3)

	env.enqueue(t, JobConvertWexBim)
	env.enqueue(t, JobExtractProperties)
	assert.NoError(t, env.pool.Drain(context.Background()))

	version := env.reloadVersion(t)
	assert.Equal(t, schema.VersionReady, version.Status)
	assert.NotNil(t, version.WexBimFileId)
	assert.NotNil(t, version.PropertiesFileId)
	assert.NotNil(t, version.ProcessedAt)
	assert.Empty(t, version.ErrorMessage)

	var wexBim schema.File
	assert.NoError(t, env.db.First(&wexBim, "id = ?", version.WexBimFileId).Error)
	assert.Equal(t, schema.KindArtifact, wexBim.Kind)
	assert.Equal(t, schema.CategoryWexBim, wexBim.Category)
	assert.Equal(t, "house.wexbim", wexBim.Name)
	assert.NotEmpty(t, wexBim.Checksum)

	exists, err := env.store.Exists(context.Background(), wexBim.StorageKey)
	assert.NoError(t, err)
	assert.True(t, exists)

	var link schema.FileLink
	assert.NoError(t, env.db.First(&link, "source_file_id = ?", wexBim.Id).Error)
	assert.Equal(t, env.ifcFile.Id, link.TargetFileId)
	assert.Equal(t, schema.LinkDerivedFrom, link.LinkType)

	var properties schema.File
	assert.NoError(t, env.db.First(&properties, "id = ?", version.PropertiesFileId).Error)
	assert.Equal(t, schema.CategoryProperties, properties.Category)
	assert.Equal(t, "house.properties.json", properties.Name)

	reader, err := env.store.OpenRead(context.Background(), properties.StorageKey)
	assert.NoError(t, err)
	defer reader.Close()
	var doc ifc.Document
	assert.NoError(t, json.NewDecoder(reader).Decode(&doc))
	assert.Equal(t, 1, doc.TotalElements)
	assert.Equal(t, "IFCWALLSTANDARDCASE", doc.Elements[0].TypeName)

	var propertiesLink schema.FileLink
	assert.NoError(t, env.db.First(&propertiesLink, "source_file_id = ?", properties.Id).Error)
	assert.Equal(t, schema.LinkPropertiesOf, propertiesLink.LinkType)

	// No job rows remain once the pipeline settles.
	var jobCount int64
	assert.NoError(t, env.db.Model(&schema.Job{}).Count(&jobCount).Error)
	assert.Equal(t, int64(0), jobCount)

	assert.Equal(t, []string{"running", "succeeded"}, env.events.statuses(StageGeometry))
	assert.Equal(t, []string{"running", "succeeded"}, env.events.statuses(StageProperties))
	assert.Equal(t, []string{"succeeded"}, env.events.statuses(StageVersion))
}

func TestPipelineIdempotentRerun(t *testing.T) {
	env := newPipelineEnv(t, []byte(pipelineIfc), 3)

	env.enqueue(t, JobConvertWexBim)
	env.enqueue(t, JobExtractProperties)
	assert.NoError(t, env.pool.Drain(context.Background()))
	assert.Equal(t, 1, env.converter.calls)

	// Redelivery of an already processed job must not produce a second
	// artifact or touch the converter again.
	env.enqueue(t, JobConvertWexBim)
	assert.NoError(t, env.pool.Drain(context.Background()))

	assert.Equal(t, 1, env.converter.calls)
	assert.Equal(t, schema.VersionReady, env.reloadVersion(t).Status)

	var wexBimCount int64
	assert.NoError(t, env.db.Model(&schema.File{}).
		Where("category = ?", schema.CategoryWexBim).Count(&wexBimCount).Error)
	assert.Equal(t, int64(1), wexBimCount)
}

func TestPipelineConverterFailure(t *testing.T) {
	env := newPipelineEnv(t, []byte(pipelineIfc), 2)
	env.converter.fail = true

	env.enqueue(t, JobConvertWexBim)
	assert.NoError(t, env.pool.Drain(context.Background()))

	assert.Equal(t, 2, env.converter.calls, "failing job should be retried")

	version := env.reloadVersion(t)
	assert.Equal(t, schema.VersionFailed, version.Status)
	assert.Contains(t, version.ErrorMessage, "geometry engine crashed")
	assert.Nil(t, version.WexBimFileId)

	var job schema.Job
	assert.NoError(t, env.db.First(&job, "job_type = ?", JobConvertWexBim).Error)
	assert.Equal(t, schema.JobFailed, job.Status)
	assert.Contains(t, job.LastError, "geometry engine crashed")

	assert.Equal(t, []string{"running", "failed", "running", "failed"},
		env.events.statuses(StageGeometry))
}

func TestPipelineFailedVersionIsTerminal(t *testing.T) {
	env := newPipelineEnv(t, []byte(pipelineIfc), 2)
	env.converter.fail = true

	env.enqueue(t, JobConvertWexBim)
	assert.NoError(t, env.pool.Drain(context.Background()))
	assert.Equal(t, schema.VersionFailed, env.reloadVersion(t).Status)

	// Jobs arriving after the version failed are skipped, the failure and
	// its message stay in place. Reprocessing means creating a new version.
	env.converter.fail = false
	env.enqueue(t, JobConvertWexBim)
	env.enqueue(t, JobExtractProperties)
	assert.NoError(t, env.pool.Drain(context.Background()))

	version := env.reloadVersion(t)
	assert.Equal(t, schema.VersionFailed, version.Status)
	assert.Contains(t, version.ErrorMessage, "geometry engine crashed")
	assert.Nil(t, version.PropertiesFileId)
	assert.Equal(t, 2, env.converter.calls)
}

func TestPipelineRetryDoesNotFailVersionEarly(t *testing.T) {
	env := newPipelineEnv(t, []byte(pipelineIfc), 3)
	env.converter.fail = true

	env.enqueue(t, JobConvertWexBim)

	// Run a single attempt by hand, the version must stay in processing so
	// the retry can pick it up.
	job, ok, err := env.queue.Dequeue()
	assert.NoError(t, err)
	assert.True(t, ok)
	env.pool.dispatch(context.Background(), job)

	version := env.reloadVersion(t)
	assert.Equal(t, schema.VersionProcessing, version.Status)
	assert.Empty(t, version.ErrorMessage)
	assert.Equal(t, []string{"running", "failed"}, env.events.statuses(StageGeometry))
}

func TestPipelineRejectsMalformedModel(t *testing.T) {
	env := newPipelineEnv(t, []byte("this is not a step file"), 1)

	env.enqueue(t, JobExtractProperties)
	assert.NoError(t, env.pool.Drain(context.Background()))

	version := env.reloadVersion(t)
	assert.Equal(t, schema.VersionFailed, version.Status)
	assert.Contains(t, version.ErrorMessage, "step")
}

type brokenNotifier struct{}

func (brokenNotifier) Notify(Progress) error {
	return errors.New("subscriber gone")
}

func TestPipelineToleratesNotifierFailure(t *testing.T) {
	env := newPipelineEnv(t, []byte(pipelineIfc), 3)

	pool := NewPool(env.queue, 1, time.Millisecond, nil)
	NewPipeline(env.db, env.store, env.converter, brokenNotifier{}).Register(pool)

	env.enqueue(t, JobConvertWexBim)
	env.enqueue(t, JobExtractProperties)
	assert.NoError(t, pool.Drain(context.Background()))

	assert.Equal(t, schema.VersionReady, env.reloadVersion(t).Status)
}
