package tests

import (
	"bytes"
	"fmt"
	"net/http"
	"testing"

	"octopus/cde/schema"
	"octopus/cde/services"

	"github.com/google/uuid"
)

func TestModelVersionPipeline(t *testing.T) {
	env := setupTestEnv(t, services.Options{})

	alice := env.newUser(t, "alice")
	_, projectId := env.newWorkspace(t, alice, "office")

	source, err := alice.upload(projectId, "tower.ifc", []byte(testIfc))
	if err != nil {
		t.Fatal(err)
	}

	modelId, err := alice.createModel(projectId, "tower")
	if err != nil {
		t.Fatal(err)
	}

	version, err := alice.createVersion(modelId, source.Id)
	if err != nil {
		t.Fatal(err)
	}
	if version.VersionNumber != 1 || version.Status != schema.VersionPending {
		t.Fatalf("new version wrong: %+v", version)
	}

	// Artifacts answer 404 until processing lands, with a body that tells
	// pending apart from an unknown id.
	_, err = alice.downloadWexBim(version.Id)
	if !isStatus(err, http.StatusNotFound) || !errorBodyContains(err, "notReady") {
		t.Fatalf("expected 404 notReady before processing, got %v", err)
	}
	_, err = alice.getProperties(version.Id, "")
	if !isStatus(err, http.StatusNotFound) || !errorBodyContains(err, "notReady") {
		t.Fatalf("expected 404 notReady before processing, got %v", err)
	}

	env.drainJobs(t)

	version, err = alice.getVersion(version.Id)
	if err != nil {
		t.Fatal(err)
	}
	if version.Status != schema.VersionReady {
		t.Fatalf("expected ready version, got %+v", version)
	}
	if version.WexBimFileId == nil || version.PropertiesFileId == nil {
		t.Fatalf("ready version missing artifact ids: %+v", version)
	}

	wexbim, err := alice.downloadWexBim(version.Id)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(wexbim, []byte("WEX")) {
		t.Fatal("wexbim stream does not carry the converted bytes")
	}

	properties, err := alice.getProperties(version.Id, "")
	if err != nil {
		t.Fatal(err)
	}
	if properties.SchemaVersion == "" || properties.TotalElements != 1 || len(properties.Elements) != 1 {
		t.Fatalf("properties wrong: %+v", properties)
	}

	// Paging past the end returns an empty slice, not an error.
	properties, err = alice.getProperties(version.Id, "page=2&pageSize=1")
	if err != nil {
		t.Fatal(err)
	}
	if properties.TotalElements != 1 || len(properties.Elements) != 0 {
		t.Fatalf("paged properties wrong: %+v", properties)
	}

	// Both artifacts landed in the registry and pin the source file.
	var list struct {
		Files []fileResult `json:"files"`
		Total int64        `json:"total"`
	}
	err = alice.Get(fmt.Sprintf("/api/v1/projects/%v/files?kind=artifact", projectId)).Do(&list)
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 2 {
		t.Fatalf("expected wexbim and properties artifacts, got %+v", list)
	}

	if err := alice.deleteFile(source.Id); !isStatus(err, http.StatusConflict) {
		t.Fatalf("expected 409 deleting a source with live artifacts, got %v", err)
	}
}

func TestVersionNumbersIncrement(t *testing.T) {
	env := setupTestEnv(t, services.Options{})

	alice := env.newUser(t, "alice")
	_, projectId := env.newWorkspace(t, alice, "office")

	source, err := alice.upload(projectId, "tower.ifc", []byte(testIfc))
	if err != nil {
		t.Fatal(err)
	}
	modelId, err := alice.createModel(projectId, "tower")
	if err != nil {
		t.Fatal(err)
	}

	first, err := alice.createVersion(modelId, source.Id)
	if err != nil {
		t.Fatal(err)
	}
	second, err := alice.createVersion(modelId, source.Id)
	if err != nil {
		t.Fatal(err)
	}
	if first.VersionNumber != 1 || second.VersionNumber != 2 {
		t.Fatalf("version numbers wrong: %v, %v", first.VersionNumber, second.VersionNumber)
	}

	var list struct {
		Versions []versionResult `json:"versions"`
		Page     int             `json:"page"`
		PageSize int             `json:"pageSize"`
		Total    int64           `json:"total"`
	}
	err = alice.Get(fmt.Sprintf("/api/v1/models/%v/versions", modelId)).Do(&list)
	if err != nil {
		t.Fatal(err)
	}
	if list.Total != 2 || len(list.Versions) != 2 {
		t.Fatalf("version list wrong: %+v", list)
	}
	if list.Versions[0].VersionNumber != 2 || list.Versions[1].VersionNumber != 1 {
		t.Fatal("versions should list newest number first")
	}

	// Page params clamp instead of erroring.
	err = alice.Get(fmt.Sprintf("/api/v1/models/%v/versions?page=0&pageSize=9999", modelId)).Do(&list)
	if err != nil {
		t.Fatal(err)
	}
	if list.Page != 1 || list.PageSize != 100 {
		t.Fatalf("pagination clamping wrong: page %v size %v", list.Page, list.PageSize)
	}
}

func TestCreateVersionValidation(t *testing.T) {
	env := setupTestEnv(t, services.Options{})

	alice := env.newUser(t, "alice")
	_, projectId := env.newWorkspace(t, alice, "office")

	source, err := alice.upload(projectId, "tower.ifc", []byte(testIfc))
	if err != nil {
		t.Fatal(err)
	}
	modelId, err := alice.createModel(projectId, "tower")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := alice.createVersion(uuid.New(), source.Id); !isStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 for an unknown model, got %v", err)
	}
	if _, err := alice.createVersion(modelId, uuid.New()); !isStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 for an unknown file, got %v", err)
	}

	// Files from other projects read as absent.
	_, otherProject := env.newWorkspace(t, alice, "elsewhere")
	far, err := alice.upload(otherProject, "far.ifc", []byte(testIfc))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.createVersion(modelId, far.Id); !isStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 for a cross project file, got %v", err)
	}

	// Wrong category and deleted files are rejected as bad requests.
	logFile, err := alice.upload(projectId, "build.log", []byte("line"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := alice.createVersion(modelId, logFile.Id); !isStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected 400 for a log file source, got %v", err)
	}

	gone, err := alice.upload(projectId, "gone.ifc", []byte(testIfc))
	if err != nil {
		t.Fatal(err)
	}
	if err := alice.deleteFile(gone.Id); err != nil {
		t.Fatal(err)
	}
	if _, err := alice.createVersion(modelId, gone.Id); !isStatus(err, http.StatusBadRequest) {
		t.Fatalf("expected 400 for a deleted source, got %v", err)
	}
}

func TestVersionWriteRequiresEditor(t *testing.T) {
	env := setupTestEnv(t, services.Options{})

	alice := env.newUser(t, "alice")
	bob := env.newUser(t, "bob")
	mallory := env.newUser(t, "mallory")

	workspaceId, projectId := env.newWorkspace(t, alice, "office")

	source, err := alice.upload(projectId, "tower.ifc", []byte(testIfc))
	if err != nil {
		t.Fatal(err)
	}
	modelId, err := alice.createModel(projectId, "tower")
	if err != nil {
		t.Fatal(err)
	}
	version, err := alice.createVersion(modelId, source.Id)
	if err != nil {
		t.Fatal(err)
	}

	// A workspace member is effectively a project viewer: reads work,
	// writes are forbidden.
	if err := alice.setWorkspaceRole(workspaceId, bob.userId, "member"); err != nil {
		t.Fatal(err)
	}

	if _, err := bob.getVersion(version.Id); err != nil {
		t.Fatal(err)
	}
	if _, err := bob.createVersion(modelId, source.Id); !isStatus(err, http.StatusForbidden) {
		t.Fatalf("expected 403 for a viewer write, got %v", err)
	}

	// Outsiders cannot even observe the version.
	if _, err := mallory.getVersion(version.Id); !isStatus(err, http.StatusNotFound) {
		t.Fatalf("expected 404 for an outsider read, got %v", err)
	}
}

func TestFailedConversionMarksVersion(t *testing.T) {
	env := setupTestEnv(t, services.Options{})
	env.converter.fail = true

	alice := env.newUser(t, "alice")
	_, projectId := env.newWorkspace(t, alice, "office")

	source, err := alice.upload(projectId, "tower.ifc", []byte(testIfc))
	if err != nil {
		t.Fatal(err)
	}
	modelId, err := alice.createModel(projectId, "tower")
	if err != nil {
		t.Fatal(err)
	}
	version, err := alice.createVersion(modelId, source.Id)
	if err != nil {
		t.Fatal(err)
	}

	env.drainJobs(t)

	version, err = alice.getVersion(version.Id)
	if err != nil {
		t.Fatal(err)
	}
	if version.Status != schema.VersionFailed {
		t.Fatalf("expected failed version, got %+v", version)
	}
	if version.ErrorMessage == "" {
		t.Fatal("failed version should carry an error message")
	}

	_, err = alice.downloadWexBim(version.Id)
	if !isStatus(err, http.StatusNotFound) || !errorBodyContains(err, "notReady") {
		t.Fatalf("expected 404 notReady for a failed version, got %v", err)
	}
}
