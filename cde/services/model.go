package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"octopus/cde/auth"
	"octopus/cde/ifc"
	"octopus/cde/jobs"
	"octopus/cde/schema"
	"octopus/cde/storage"
	"octopus/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ModelService owns models and their immutable versions. Creating a version
// enqueues the conversion jobs in the same transaction as the version row.
type ModelService struct {
	db    *gorm.DB
	store storage.Provider
	queue jobs.Queue
	authn *auth.Authenticator
}

// projectRoutes wires the project scoped part of the model api, mounted
// under /projects/{project_id}/models by the project service.
func (s *ModelService) projectRoutes(r chi.Router) {
	r.With(auth.ProjectRoleOnly(s.db, auth.ViewerRole)).Get("/", s.ListModels)
	r.With(auth.ProjectRoleOnly(s.db, auth.EditorRole)).Post("/", s.CreateModel)
}

// Routes serves the model scoped endpoints. The owning project is resolved
// from the model row, so authorization happens in the handlers.
func (s *ModelService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.authn.Middleware())
	r.Use(auth.ScopedAccess())

	r.Route("/{model_id}", func(r chi.Router) {
		r.Get("/", s.GetModel)
		r.Post("/versions", s.CreateVersion)
		r.Get("/versions", s.ListVersions)
	})

	return r
}

// VersionRoutes serves version scoped reads, including the two artifact
// endpoints the viewer consumes.
func (s *ModelService) VersionRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.authn.Middleware())
	r.Use(auth.ScopedAccess())

	r.Route("/{version_id}", func(r chi.Router) {
		r.Get("/", s.GetVersion)
		r.Get("/wexbim", s.StreamWexBim)
		r.Get("/properties", s.GetProperties)
	})

	return r
}

type modelInfo struct {
	Id          uuid.UUID `json:"id"`
	ProjectId   uuid.UUID `json:"projectId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toModelInfo(model schema.Model) modelInfo {
	return modelInfo{
		Id:          model.Id,
		ProjectId:   model.ProjectId,
		Name:        model.Name,
		Description: model.Description,
		CreatedAt:   model.CreatedAt,
	}
}

type versionInfo struct {
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

func toVersionInfo(version schema.ModelVersion) versionInfo {
	return versionInfo{
		Id:               version.Id,
		ModelId:          version.ModelId,
		VersionNumber:    version.VersionNumber,
		Status:           version.Status,
		IfcFileId:        version.IfcFileId,
		WexBimFileId:     version.WexBimFileId,
		PropertiesFileId: version.PropertiesFileId,
		ErrorMessage:     version.ErrorMessage,
		CreatedAt:        version.CreatedAt,
		ProcessedAt:      version.ProcessedAt,
	}
}

type createModelRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateModel handles POST /projects/{project_id}/models.
func (s *ModelService) CreateModel(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		writeError(w, "creating model", CodedError(err, http.StatusBadRequest))
		return
	}

	var params createModelRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Name == "" {
		writeError(w, "creating model", CodedError(errors.New("model name cannot be empty"), http.StatusBadRequest))
		return
	}

	if _, err := schema.GetProject(projectId, s.db); err != nil {
		writeError(w, "creating model", notFoundCoded(err))
		return
	}

	now := time.Now().UTC()
	model := schema.Model{
		Id:          uuid.New(),
		ProjectId:   projectId,
		Name:        params.Name,
		Description: params.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if result := s.db.Create(&model); result.Error != nil {
		slog.Error("sql error creating model", "project_id", projectId, "error", result.Error)
		writeError(w, "creating model", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	slog.Info("model created", "model_id", model.Id, "project_id", projectId)
	utils.WriteJsonResponseStatus(w, http.StatusCreated, toModelInfo(model))
}

// ListModels handles GET /projects/{project_id}/models.
func (s *ModelService) ListModels(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		writeError(w, "listing models", CodedError(err, http.StatusBadRequest))
		return
	}

	page := utils.ParsePagination(r)
	query := s.db.Model(&schema.Model{}).Where("project_id = ?", projectId)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("sql error counting models", "project_id", projectId, "error", err)
		writeError(w, "listing models", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	var models []schema.Model
	err = query.Order("created_at DESC").Offset(page.Offset()).Limit(page.Limit()).Find(&models).Error
	if err != nil {
		slog.Error("sql error listing models", "project_id", projectId, "error", err)
		writeError(w, "listing models", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	infos := make([]modelInfo, 0, len(models))
	for _, model := range models {
		infos = append(infos, toModelInfo(model))
	}
	utils.WriteJsonResponse(w, listModelsResponse{
		Models: infos, Page: page.Page, PageSize: page.PageSize, Total: total,
	})
}

type listModelsResponse struct {
	Models   []modelInfo `json:"models"`
	Page     int         `json:"page"`
	PageSize int         `json:"pageSize"`
	Total    int64       `json:"total"`
}

// GetModel handles GET /models/{model_id}.
func (s *ModelService) GetModel(w http.ResponseWriter, r *http.Request) {
	model, project, err := s.modelWithProject(r)
	if err != nil {
		writeError(w, "getting model", err)
		return
	}

	if _, err := auth.CheckProjectAccess(r, project, auth.ViewerRole, s.db); err != nil {
		writeError(w, "getting model", accessError(r, err))
		return
	}

	utils.WriteJsonResponse(w, toModelInfo(model))
}

type createVersionRequest struct {
	IfcFileId uuid.UUID `json:"ifcFileId"`
}

// CreateVersion handles POST /models/{model_id}/versions. The version row,
// its number, and both processing jobs commit atomically, so a version can
// never exist without its jobs.
func (s *ModelService) CreateVersion(w http.ResponseWriter, r *http.Request) {
	model, project, err := s.modelWithProject(r)
	if err != nil {
		writeError(w, "creating model version", err)
		return
	}

	principal, err := auth.CheckProjectAccess(r, project, auth.EditorRole, s.db)
	if err != nil {
		writeError(w, "creating model version", accessError(r, err))
		return
	}

	var params createVersionRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.IfcFileId == uuid.Nil {
		writeError(w, "creating model version", CodedError(errors.New("ifcFileId is required"), http.StatusBadRequest))
		return
	}

	file, err := schema.GetFile(params.IfcFileId, s.db)
	if err != nil {
		writeError(w, "creating model version", notFoundCoded(err))
		return
	}
	if file.ProjectId != model.ProjectId {
		// A cross project reference reads as absent, the caller may not see
		// that project at all.
		writeError(w, "creating model version", CodedError(schema.ErrFileNotFound, http.StatusNotFound))
		return
	}
	if file.IsDeleted {
		writeError(w, "creating model version", CodedError(errors.New("source file is deleted"), http.StatusBadRequest))
		return
	}
	if file.Kind != schema.KindSource {
		writeError(w, "creating model version", CodedError(
			fmt.Errorf("source file must be an uploaded file, not a %v", file.Kind), http.StatusBadRequest))
		return
	}
	if file.Category != schema.CategoryIfc && file.Category != schema.CategoryOther {
		writeError(w, "creating model version", CodedError(
			fmt.Errorf("file category %v cannot be processed as ifc", file.Category), http.StatusBadRequest))
		return
	}

	now := time.Now().UTC()
	version := schema.ModelVersion{
		Id:        uuid.New(),
		ModelId:   model.Id,
		IfcFileId: file.Id,
		Status:    schema.VersionPending,
		CreatedBy: principal.UserId,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		var next int
		err := txn.Model(&schema.ModelVersion{}).
			Where("model_id = ?", model.Id).
			Select("COALESCE(MAX(version_number), 0) + 1").
			Scan(&next).Error
		if err != nil {
			slog.Error("sql error computing next version number", "model_id", model.Id, "error", err)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		version.VersionNumber = next

		if result := txn.Create(&version); result.Error != nil {
			if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
				return CodedError(errors.New("a concurrent version creation claimed this version number"), http.StatusConflict)
			}
			slog.Error("sql error creating model version", "model_id", model.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		args := jobs.ConversionArgs{ModelVersionId: version.Id}
		if err := s.queue.Enqueue(txn, jobs.JobConvertWexBim, args); err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		if err := s.queue.Enqueue(txn, jobs.JobExtractProperties, args); err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "creating model version", err)
		return
	}

	slog.Info("model version created",
		"version_id", version.Id, "model_id", model.Id, "version_number", version.VersionNumber)
	utils.WriteJsonResponseStatus(w, http.StatusCreated, toVersionInfo(version))
}

// ListVersions handles GET /models/{model_id}/versions, newest number first.
func (s *ModelService) ListVersions(w http.ResponseWriter, r *http.Request) {
	model, project, err := s.modelWithProject(r)
	if err != nil {
		writeError(w, "listing model versions", err)
		return
	}

	if _, err := auth.CheckProjectAccess(r, project, auth.ViewerRole, s.db); err != nil {
		writeError(w, "listing model versions", accessError(r, err))
		return
	}

	page := utils.ParsePagination(r)
	query := s.db.Model(&schema.ModelVersion{}).Where("model_id = ?", model.Id)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("sql error counting model versions", "model_id", model.Id, "error", err)
		writeError(w, "listing model versions", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	var versions []schema.ModelVersion
	err = query.Order("version_number DESC").Offset(page.Offset()).Limit(page.Limit()).Find(&versions).Error
	if err != nil {
		slog.Error("sql error listing model versions", "model_id", model.Id, "error", err)
		writeError(w, "listing model versions", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	infos := make([]versionInfo, 0, len(versions))
	for _, version := range versions {
		infos = append(infos, toVersionInfo(version))
	}
	utils.WriteJsonResponse(w, listVersionsResponse{
		Versions: infos, Page: page.Page, PageSize: page.PageSize, Total: total,
	})
}

type listVersionsResponse struct {
	Versions []versionInfo `json:"versions"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
	Total    int64         `json:"total"`
}

// GetVersion handles GET /modelversions/{version_id}.
func (s *ModelService) GetVersion(w http.ResponseWriter, r *http.Request) {
	version, project, err := s.versionWithProject(r)
	if err != nil {
		writeError(w, "getting model version", err)
		return
	}

	if _, err := auth.CheckProjectAccess(r, project, auth.ViewerRole, s.db); err != nil {
		writeError(w, "getting model version", accessError(r, err))
		return
	}

	utils.WriteJsonResponse(w, toVersionInfo(version))
}

// StreamWexBim handles GET /modelversions/{version_id}/wexbim. Until the
// geometry artifact lands the endpoint answers 404 with a body that tells
// pending apart from unknown.
func (s *ModelService) StreamWexBim(w http.ResponseWriter, r *http.Request) {
	version, project, err := s.versionWithProject(r)
	if err != nil {
		writeError(w, "streaming wexbim", err)
		return
	}

	if _, err := auth.CheckProjectAccess(r, project, auth.ViewerRole, s.db); err != nil {
		writeError(w, "streaming wexbim", accessError(r, err))
		return
	}

	if version.WexBimFileId == nil {
		writeError(w, "streaming wexbim", NotReadyError(
			fmt.Errorf("wexbim for version %v is not available, processing status is %v", version.Id, version.Status)))
		return
	}

	file, err := schema.GetFile(*version.WexBimFileId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrFileNotFound) {
			slog.Error("version points at a missing wexbim row", "version_id", version.Id, "file_id", *version.WexBimFileId)
			writeError(w, "streaming wexbim", StorageInconsistencyError(
				fmt.Errorf("wexbim artifact of version %v is missing", version.Id)))
			return
		}
		writeError(w, "streaming wexbim", notFoundCoded(err))
		return
	}

	if err := streamStoredFile(r.Context(), w, s.store, file); err != nil {
		writeError(w, "streaming wexbim", err)
	}
}

type versionPropertiesResponse struct {
	SchemaVersion string        `json:"schemaVersion"`
	ExtractedAt   time.Time     `json:"extractedAt"`
	TotalElements int           `json:"totalElements"`
	Page          int           `json:"page"`
	PageSize      int           `json:"pageSize"`
	Elements      []ifc.Element `json:"elements"`
}

// GetProperties handles GET /modelversions/{version_id}/properties. The
// stored artifact is decoded and paged over its elements.
func (s *ModelService) GetProperties(w http.ResponseWriter, r *http.Request) {
	version, project, err := s.versionWithProject(r)
	if err != nil {
		writeError(w, "getting version properties", err)
		return
	}

	if _, err := auth.CheckProjectAccess(r, project, auth.ViewerRole, s.db); err != nil {
		writeError(w, "getting version properties", accessError(r, err))
		return
	}

	if version.PropertiesFileId == nil {
		writeError(w, "getting version properties", NotReadyError(
			fmt.Errorf("properties for version %v are not available, processing status is %v", version.Id, version.Status)))
		return
	}

	file, err := schema.GetFile(*version.PropertiesFileId, s.db)
	if err != nil {
		if errors.Is(err, schema.ErrFileNotFound) {
			slog.Error("version points at a missing properties row", "version_id", version.Id, "file_id", *version.PropertiesFileId)
			writeError(w, "getting version properties", StorageInconsistencyError(
				fmt.Errorf("properties artifact of version %v is missing", version.Id)))
			return
		}
		writeError(w, "getting version properties", notFoundCoded(err))
		return
	}

	reader, err := s.store.OpenRead(r.Context(), file.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			slog.Error("properties row has no bytes in storage", "file_id", file.Id, "storage_key", file.StorageKey)
			writeError(w, "getting version properties", StorageInconsistencyError(
				fmt.Errorf("properties artifact of version %v is missing from storage", version.Id)))
			return
		}
		writeError(w, "getting version properties", CodedError(err, http.StatusInternalServerError))
		return
	}
	defer reader.Close()

	var doc ifc.Document
	if err := json.NewDecoder(reader).Decode(&doc); err != nil {
		slog.Error("properties artifact does not decode", "file_id", file.Id, "error", err)
		writeError(w, "getting version properties", StorageInconsistencyError(
			fmt.Errorf("properties artifact of version %v is corrupt", version.Id)))
		return
	}

	page := utils.ParsePagination(r)
	start := page.Offset()
	if start > len(doc.Elements) {
		start = len(doc.Elements)
	}
	end := start + page.Limit()
	if end > len(doc.Elements) {
		end = len(doc.Elements)
	}

	utils.WriteJsonResponse(w, versionPropertiesResponse{
		SchemaVersion: doc.SchemaVersion,
		ExtractedAt:   doc.ExtractedAt,
		TotalElements: doc.TotalElements,
		Page:          page.Page,
		PageSize:      page.PageSize,
		Elements:      doc.Elements[start:end],
	})
}

func (s *ModelService) modelWithProject(r *http.Request) (schema.Model, schema.Project, error) {
	modelId, err := utils.URLParamUUID(r, "model_id")
	if err != nil {
		return schema.Model{}, schema.Project{}, CodedError(err, http.StatusBadRequest)
	}

	model, err := schema.GetModel(modelId, s.db)
	if err != nil {
		return schema.Model{}, schema.Project{}, notFoundCoded(err)
	}
	project, err := schema.GetProject(model.ProjectId, s.db)
	if err != nil {
		return model, schema.Project{}, notFoundCoded(err)
	}
	return model, project, nil
}

func (s *ModelService) versionWithProject(r *http.Request) (schema.ModelVersion, schema.Project, error) {
	versionId, err := utils.URLParamUUID(r, "version_id")
	if err != nil {
		return schema.ModelVersion{}, schema.Project{}, CodedError(err, http.StatusBadRequest)
	}

	version, err := schema.GetModelVersion(versionId, s.db, false)
	if err != nil {
		return schema.ModelVersion{}, schema.Project{}, notFoundCoded(err)
	}

	model, err := schema.GetModel(version.ModelId, s.db)
	if err != nil {
		return version, schema.Project{}, notFoundCoded(err)
	}
	project, err := schema.GetProject(model.ProjectId, s.db)
	if err != nil {
		return version, schema.Project{}, notFoundCoded(err)
	}
	return version, project, nil
}
