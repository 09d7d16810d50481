package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"octopus/cde/auth"
	"octopus/cde/schema"
	"octopus/cde/storage"
	"octopus/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// FileService owns the registry and the reserve/upload/commit state machine.
// Sessions expire after reserveTtl, the sweep in CDE reaps overdue ones.
type FileService struct {
	db    *gorm.DB
	store storage.Provider
	authn *auth.Authenticator

	defaultQuotaBytes int64
	reserveTtl        time.Duration
}

// projectRoutes wires the project scoped part of the file api, mounted under
// /projects/{project_id}/files by the project service.
func (s *FileService) projectRoutes(r chi.Router) {
	r.With(auth.ProjectRoleOnly(s.db, auth.ViewerRole)).Get("/", s.ListFiles)

	r.Group(func(r chi.Router) {
		r.Use(auth.ProjectRoleOnly(s.db, auth.EditorRole))

		r.Post("/reserve", s.Reserve)
		r.Post("/sessions/{session_id}/content", s.UploadContent)
		r.Post("/sessions/{session_id}/commit", s.Commit)
	})
}

// Routes serves the file scoped endpoints. Authorization happens in the
// handlers, the project is only known after the file row is loaded.
func (s *FileService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.authn.Middleware())
	r.Use(auth.ScopedAccess())

	r.Route("/{file_id}", func(r chi.Router) {
		r.Get("/content", s.DownloadContent)
		r.Delete("/", s.DeleteFile)
		r.Post("/links", s.CreateLink)
		r.Get("/links", s.ListLinks)
	})

	return r
}

type sessionInfo struct {
	Id                uuid.UUID  `json:"id"`
	ProjectId         uuid.UUID  `json:"projectId"`
	FileName          string     `json:"fileName"`
	ContentType       string     `json:"contentType,omitempty"`
	ExpectedSizeBytes *int64     `json:"expectedSizeBytes,omitempty"`
	Status            string     `json:"status"`
	CommittedFileId   *uuid.UUID `json:"committedFileId,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
}

func toSessionInfo(session schema.UploadSession) sessionInfo {
	return sessionInfo{
		Id:                session.Id,
		ProjectId:         session.ProjectId,
		FileName:          session.FileName,
		ContentType:       session.ContentType,
		ExpectedSizeBytes: session.ExpectedSizeBytes,
		Status:            session.Status,
		CommittedFileId:   session.CommittedFileId,
		CreatedAt:         session.CreatedAt,
		ExpiresAt:         session.ExpiresAt,
	}
}

type fileInfo struct {
	Id          uuid.UUID  `json:"id"`
	ProjectId   uuid.UUID  `json:"projectId"`
	Name        string     `json:"name"`
	ContentType string     `json:"contentType,omitempty"`
	SizeBytes   int64      `json:"sizeBytes"`
	Checksum    string     `json:"checksum,omitempty"`
	Kind        string     `json:"kind"`
	Category    string     `json:"category"`
	IsDeleted   bool       `json:"isDeleted,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	DeletedAt   *time.Time `json:"deletedAt,omitempty"`
}

func toFileInfo(file schema.File) fileInfo {
	return fileInfo{
		Id:          file.Id,
		ProjectId:   file.ProjectId,
		Name:        file.Name,
		ContentType: file.ContentType,
		SizeBytes:   file.SizeBytes,
		Checksum:    file.Checksum,
		Kind:        file.Kind,
		Category:    file.Category,
		IsDeleted:   file.IsDeleted,
		CreatedAt:   file.CreatedAt,
		DeletedAt:   file.DeletedAt,
	}
}

type reserveRequest struct {
	FileName          string `json:"fileName"`
	ContentType       string `json:"contentType"`
	ExpectedSizeBytes *int64 `json:"expectedSizeBytes"`
}

// Reserve opens an upload session with a temp key in the uploads pool. The
// session expires if no commit lands within the reserve ttl.
func (s *FileService) Reserve(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		writeError(w, "reserving upload", CodedError(err, http.StatusBadRequest))
		return
	}

	principal, err := auth.PrincipalFromContext(r)
	if err != nil {
		writeError(w, "reserving upload", accessError(r, err))
		return
	}

	var params reserveRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.FileName == "" || strings.ContainsAny(params.FileName, "/\\\x00") {
		writeError(w, "reserving upload", CodedError(errors.New("fileName must be a plain name without path separators"), http.StatusBadRequest))
		return
	}
	if params.ExpectedSizeBytes != nil && *params.ExpectedSizeBytes < 0 {
		writeError(w, "reserving upload", CodedError(errors.New("expectedSizeBytes cannot be negative"), http.StatusBadRequest))
		return
	}

	project, err := schema.GetProject(projectId, s.db)
	if err != nil {
		writeError(w, "reserving upload", notFoundCoded(err))
		return
	}

	now := time.Now().UTC()
	session := schema.UploadSession{
		Id:                uuid.New(),
		ProjectId:         projectId,
		FileName:          params.FileName,
		ContentType:       params.ContentType,
		ExpectedSizeBytes: params.ExpectedSizeBytes,
		Status:            schema.UploadReserved,
		TempStorageKey:    storage.NewKey(project.WorkspaceId, projectId, storage.PoolUploads, params.FileName),
		CreatedBy:         principal.UserId,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(s.reserveTtl),
	}

	if result := s.db.Create(&session); result.Error != nil {
		slog.Error("sql error creating upload session", "project_id", projectId, "error", result.Error)
		writeError(w, "reserving upload", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	slog.Info("upload session reserved", "session_id", session.Id, "project_id", projectId, "file_name", params.FileName)
	utils.WriteJsonResponse(w, toSessionInfo(session))
}

// UploadContent streams the request payload into the session's temp object.
// Re-uploading overwrites, a session in a terminal state rejects.
func (s *FileService) UploadContent(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadProjectSession(r)
	if err != nil {
		writeError(w, "uploading content", err)
		return
	}

	if s.expireIfDue(r.Context(), &session) {
		writeError(w, "uploading content", CodedError(errors.New("upload session has expired"), http.StatusConflict))
		return
	}
	if session.Status != schema.UploadReserved && session.Status != schema.UploadUploading {
		writeError(w, "uploading content", CodedError(fmt.Errorf("upload session is %v", session.Status), http.StatusConflict))
		return
	}

	payload, err := uploadPayload(r)
	if err != nil {
		writeError(w, "uploading content", err)
		return
	}
	defer payload.Close()

	counter := &countingReader{reader: payload}
	if err := s.store.Put(r.Context(), session.TempStorageKey, counter, session.ContentType); err != nil {
		slog.Error("error writing upload content", "session_id", session.Id, "error", err)
		writeError(w, "uploading content", CodedError(err, http.StatusInternalServerError))
		return
	}

	if session.ExpectedSizeBytes != nil && counter.count != *session.ExpectedSizeBytes {
		s.failSession(r.Context(), &session, fmt.Sprintf("received %v bytes, expected %v", counter.count, *session.ExpectedSizeBytes))
		writeError(w, "uploading content", CodedError(
			fmt.Errorf("received %v bytes, expected %v", counter.count, *session.ExpectedSizeBytes), http.StatusBadRequest))
		return
	}

	result := s.db.Model(&schema.UploadSession{}).
		Where("id = ? AND status IN ?", session.Id, []string{schema.UploadReserved, schema.UploadUploading}).
		Updates(map[string]interface{}{"status": schema.UploadUploading, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		slog.Error("sql error updating upload session", "session_id", session.Id, "error", result.Error)
		writeError(w, "uploading content", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}
	if result.RowsAffected == 0 {
		writeError(w, "uploading content", CodedError(errors.New("upload session was closed concurrently"), http.StatusConflict))
		return
	}

	session.Status = schema.UploadUploading
	slog.Info("upload content received", "session_id", session.Id, "bytes", counter.count)
	utils.WriteJsonResponse(w, toSessionInfo(session))
}

type commitRequest struct {
	// Optional hex encoded sha-256 of the uploaded bytes.
	Checksum string `json:"checksum"`
}

// Commit turns an uploading session into a registered file. The quota gate
// runs inside the transaction, a quota failure leaves the session uploading
// with its temp bytes intact.
func (s *FileService) Commit(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadProjectSession(r)
	if err != nil {
		writeError(w, "committing upload", err)
		return
	}

	principal, err := auth.PrincipalFromContext(r)
	if err != nil {
		writeError(w, "committing upload", accessError(r, err))
		return
	}

	if s.expireIfDue(r.Context(), &session) {
		writeError(w, "committing upload", CodedError(errors.New("upload session has expired"), http.StatusConflict))
		return
	}
	if session.Status != schema.UploadUploading {
		writeError(w, "committing upload", CodedError(
			fmt.Errorf("only uploading sessions can be committed, session is %v", session.Status), http.StatusConflict))
		return
	}

	var params commitRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, "committing upload", CodedError(fmt.Errorf("error parsing request body: %v", err), http.StatusBadRequest))
			return
		}
	}

	project, err := schema.GetProject(session.ProjectId, s.db)
	if err != nil {
		writeError(w, "committing upload", notFoundCoded(err))
		return
	}
	workspace, err := schema.GetWorkspace(project.WorkspaceId, s.db)
	if err != nil {
		writeError(w, "committing upload", notFoundCoded(err))
		return
	}

	size, err := s.store.Size(r.Context(), session.TempStorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			slog.Error("uploading session has no temp bytes", "session_id", session.Id, "temp_key", session.TempStorageKey)
			writeError(w, "committing upload", StorageInconsistencyError(
				fmt.Errorf("uploaded bytes for session %v are missing from storage", session.Id)))
			return
		}
		writeError(w, "committing upload", CodedError(err, http.StatusInternalServerError))
		return
	}
	if session.ExpectedSizeBytes != nil && size != *session.ExpectedSizeBytes {
		s.failSession(r.Context(), &session, fmt.Sprintf("stored %v bytes, expected %v", size, *session.ExpectedSizeBytes))
		writeError(w, "committing upload", CodedError(
			fmt.Errorf("stored %v bytes, expected %v", size, *session.ExpectedSizeBytes), http.StatusBadRequest))
		return
	}

	// One read of the temp object both verifies the checksum and copies the
	// bytes to their permanent key in the files pool.
	fileKey := storage.NewKey(project.WorkspaceId, project.Id, storage.PoolFiles, session.FileName)
	computed, err := s.copyAndHash(r.Context(), session.TempStorageKey, fileKey, session.ContentType)
	if err != nil {
		writeError(w, "committing upload", err)
		return
	}

	if params.Checksum != "" && !strings.EqualFold(params.Checksum, computed) {
		s.deleteBytes(r.Context(), fileKey)
		s.failSession(r.Context(), &session, "checksum mismatch")
		writeError(w, "committing upload", CodedError(
			fmt.Errorf("checksum mismatch, uploaded bytes hash to %v", computed), http.StatusBadRequest))
		return
	}

	now := time.Now().UTC()
	file := schema.File{
		Id:              uuid.New(),
		ProjectId:       project.Id,
		Name:            session.FileName,
		ContentType:     session.ContentType,
		SizeBytes:       size,
		Checksum:        computed,
		Kind:            schema.KindSource,
		Category:        classifyCategory(session.FileName, session.ContentType),
		StorageProvider: s.store.ProviderId(),
		StorageKey:      fileKey,
		CreatedBy:       principal.UserId,
		CreatedAt:       now,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if quota := effectiveQuota(workspace, s.defaultQuotaBytes); quota != nil {
			used, err := workspaceUsage(workspace.Id, txn)
			if err != nil {
				return CodedError(err, http.StatusInternalServerError)
			}
			if used+size > *quota {
				return QuotaExceededError(fmt.Errorf(
					"workspace quota of %v bytes exceeded: %v in use, %v incoming", *quota, used, size))
			}
		}

		if result := txn.Create(&file); result.Error != nil {
			slog.Error("sql error creating file row", "session_id", session.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		result := txn.Model(&schema.UploadSession{}).
			Where("id = ? AND status = ?", session.Id, schema.UploadUploading).
			Updates(map[string]interface{}{
				"status":            schema.UploadCommitted,
				"committed_file_id": file.Id,
				"updated_at":        now,
			})
		if result.Error != nil {
			slog.Error("sql error committing upload session", "session_id", session.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(errors.New("upload session was committed or closed concurrently"), http.StatusConflict)
		}
		return nil
	})
	if err != nil {
		// The files pool copy has no row, remove it. Temp bytes stay so a
		// quota or conflict loser can recover.
		s.deleteBytes(r.Context(), fileKey)
		writeError(w, "committing upload", err)
		return
	}

	s.deleteBytes(r.Context(), session.TempStorageKey)

	slog.Info("upload committed", "session_id", session.Id, "file_id", file.Id, "size_bytes", size)
	utils.WriteJsonResponse(w, toFileInfo(file))
}

func (s *FileService) copyAndHash(ctx context.Context, fromKey, toKey, contentType string) (string, error) {
	reader, err := s.store.OpenRead(ctx, fromKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			return "", StorageInconsistencyError(errors.New("uploaded bytes are missing from storage"))
		}
		return "", CodedError(err, http.StatusInternalServerError)
	}
	defer reader.Close()

	hasher := sha256.New()
	if err := s.store.Put(ctx, toKey, io.TeeReader(reader, hasher), contentType); err != nil {
		slog.Error("error copying upload to files pool", "from", fromKey, "to", toKey, "error", err)
		return "", CodedError(err, http.StatusInternalServerError)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *FileService) deleteBytes(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := s.store.Delete(ctx, key); err != nil {
		slog.Warn("failed to delete storage object", "key", key, "error", err)
	}
}

// ListFiles pages a project's registry, newest first. Deleted rows only
// appear when a project admin passes includeDeleted=true.
func (s *FileService) ListFiles(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		writeError(w, "listing files", CodedError(err, http.StatusBadRequest))
		return
	}

	page := utils.ParsePagination(r)
	query := s.db.Model(&schema.File{}).Where("project_id = ?", projectId)

	if kind := r.URL.Query().Get("kind"); kind != "" {
		if kind != schema.KindSource && kind != schema.KindArtifact {
			writeError(w, "listing files", CodedError(fmt.Errorf("invalid kind filter %v", kind), http.StatusBadRequest))
			return
		}
		query = query.Where("kind = ?", kind)
	}
	if category := r.URL.Query().Get("category"); category != "" {
		if !validCategory(category) {
			writeError(w, "listing files", CodedError(fmt.Errorf("invalid category filter %v", category), http.StatusBadRequest))
			return
		}
		query = query.Where("category = ?", category)
	}

	if r.URL.Query().Get("includeDeleted") == "true" {
		project, err := schema.GetProject(projectId, s.db)
		if err != nil {
			writeError(w, "listing files", notFoundCoded(err))
			return
		}
		if _, err := auth.CheckProjectAccess(r, project, auth.ProjectAdminRole, s.db); err != nil {
			writeError(w, "listing files", CodedError(
				errors.New("includeDeleted requires the project admin role"), http.StatusForbidden))
			return
		}
	} else {
		query = query.Where("is_deleted = ?", false)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("sql error counting files", "project_id", projectId, "error", err)
		writeError(w, "listing files", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	var files []schema.File
	err = query.Order("created_at DESC").Offset(page.Offset()).Limit(page.Limit()).Find(&files).Error
	if err != nil {
		slog.Error("sql error listing files", "project_id", projectId, "error", err)
		writeError(w, "listing files", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	infos := make([]fileInfo, 0, len(files))
	for _, file := range files {
		infos = append(infos, toFileInfo(file))
	}
	utils.WriteJsonResponse(w, listFilesResponse{
		Files: infos, Page: page.Page, PageSize: page.PageSize, Total: total,
	})
}

type listFilesResponse struct {
	Files    []fileInfo `json:"files"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
	Total    int64      `json:"total"`
}

// DownloadContent streams a file's bytes. Requires viewer access to the
// owning project, which is only known once the row is loaded.
func (s *FileService) DownloadContent(w http.ResponseWriter, r *http.Request) {
	file, project, err := s.fileWithProject(r)
	if err != nil {
		writeError(w, "downloading file", err)
		return
	}

	if _, err := auth.CheckProjectAccess(r, project, auth.ViewerRole, s.db); err != nil {
		writeError(w, "downloading file", accessError(r, err))
		return
	}

	if file.IsDeleted {
		writeError(w, "downloading file", CodedError(schema.ErrFileNotFound, http.StatusNotFound))
		return
	}

	if err := streamStoredFile(r.Context(), w, s.store, file); err != nil {
		writeError(w, "downloading file", err)
	}
}

// DeleteFile soft deletes. The row stays for lineage, bytes become eligible
// for reclamation. Deletion is refused while live files still derive from
// this one.
func (s *FileService) DeleteFile(w http.ResponseWriter, r *http.Request) {
	file, project, err := s.fileWithProject(r)
	if err != nil {
		writeError(w, "deleting file", err)
		return
	}

	if _, err := auth.CheckProjectAccess(r, project, auth.EditorRole, s.db); err != nil {
		writeError(w, "deleting file", accessError(r, err))
		return
	}

	var blockers int64
	err = s.db.Model(&schema.FileLink{}).
		Joins("JOIN files ON files.id = file_links.source_file_id").
		Where("file_links.target_file_id = ? AND files.is_deleted = ?", file.Id, false).
		Count(&blockers).Error
	if err != nil {
		slog.Error("sql error counting inbound links", "file_id", file.Id, "error", err)
		writeError(w, "deleting file", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}
	if blockers > 0 {
		writeError(w, "deleting file", CodedError(
			fmt.Errorf("cannot delete file %v, %v live files derive from it", file.Id, blockers), http.StatusConflict))
		return
	}

	result := s.db.Model(&schema.File{}).
		Where("id = ? AND is_deleted = ?", file.Id, false).
		Updates(map[string]interface{}{"is_deleted": true, "deleted_at": time.Now().UTC()})
	if result.Error != nil {
		slog.Error("sql error soft deleting file", "file_id", file.Id, "error", result.Error)
		writeError(w, "deleting file", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	if result.RowsAffected > 0 {
		slog.Info("file soft deleted", "file_id", file.Id, "project_id", project.Id)
	}
	utils.WriteSuccess(w)
}

type linkInfo struct {
	Id           uuid.UUID `json:"id"`
	SourceFileId uuid.UUID `json:"sourceFileId"`
	TargetFileId uuid.UUID `json:"targetFileId"`
	LinkType     string    `json:"linkType"`
	CreatedAt    time.Time `json:"createdAt"`
}

type createLinkRequest struct {
	TargetFileId uuid.UUID `json:"targetFileId"`
	LinkType     string    `json:"linkType"`
}

// CreateLink records lineage from the url file to the target. Links are
// directed and acyclic, edges that would close a cycle are refused.
func (s *FileService) CreateLink(w http.ResponseWriter, r *http.Request) {
	source, project, err := s.fileWithProject(r)
	if err != nil {
		writeError(w, "creating file link", err)
		return
	}

	if _, err := auth.CheckProjectAccess(r, project, auth.EditorRole, s.db); err != nil {
		writeError(w, "creating file link", accessError(r, err))
		return
	}

	var params createLinkRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if !validLinkType(params.LinkType) {
		writeError(w, "creating file link", CodedError(fmt.Errorf("invalid link type %v", params.LinkType), http.StatusBadRequest))
		return
	}
	if params.TargetFileId == source.Id {
		writeError(w, "creating file link", CodedError(errors.New("a file cannot link to itself"), http.StatusBadRequest))
		return
	}

	target, err := schema.GetFile(params.TargetFileId, s.db)
	if err != nil {
		writeError(w, "creating file link", notFoundCoded(err))
		return
	}
	if target.ProjectId != source.ProjectId {
		// A cross project reference reads as absent, the caller may not see
		// that project at all.
		writeError(w, "creating file link", CodedError(schema.ErrFileNotFound, http.StatusNotFound))
		return
	}
	if source.IsDeleted || target.IsDeleted {
		writeError(w, "creating file link", CodedError(errors.New("cannot link deleted files"), http.StatusBadRequest))
		return
	}

	var existing int64
	err = s.db.Model(&schema.FileLink{}).
		Where("source_file_id = ? AND target_file_id = ? AND link_type = ?", source.Id, target.Id, params.LinkType).
		Count(&existing).Error
	if err != nil {
		slog.Error("sql error checking for duplicate link", "file_id", source.Id, "error", err)
		writeError(w, "creating file link", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}
	if existing > 0 {
		writeError(w, "creating file link", CodedError(errors.New("an identical link already exists"), http.StatusConflict))
		return
	}

	cycle, err := linkWouldCycle(source.Id, target.Id, s.db)
	if err != nil {
		writeError(w, "creating file link", CodedError(err, http.StatusInternalServerError))
		return
	}
	if cycle {
		writeError(w, "creating file link", CodedError(errors.New("link would close a cycle"), http.StatusBadRequest))
		return
	}

	link := schema.FileLink{
		Id:           uuid.New(),
		SourceFileId: source.Id,
		TargetFileId: target.Id,
		LinkType:     params.LinkType,
		CreatedAt:    time.Now().UTC(),
	}
	if result := s.db.Create(&link); result.Error != nil {
		if errors.Is(result.Error, gorm.ErrDuplicatedKey) {
			writeError(w, "creating file link", CodedError(errors.New("an identical link already exists"), http.StatusConflict))
			return
		}
		slog.Error("sql error creating file link", "file_id", source.Id, "error", result.Error)
		writeError(w, "creating file link", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	utils.WriteJsonResponse(w, linkInfo{
		Id: link.Id, SourceFileId: link.SourceFileId, TargetFileId: link.TargetFileId,
		LinkType: link.LinkType, CreatedAt: link.CreatedAt,
	})
}

// ListLinks returns the lineage edges touching a file, in both directions.
func (s *FileService) ListLinks(w http.ResponseWriter, r *http.Request) {
	file, project, err := s.fileWithProject(r)
	if err != nil {
		writeError(w, "listing file links", err)
		return
	}

	if _, err := auth.CheckProjectAccess(r, project, auth.ViewerRole, s.db); err != nil {
		writeError(w, "listing file links", accessError(r, err))
		return
	}

	var links []schema.FileLink
	err = s.db.Order("created_at ASC").
		Find(&links, "source_file_id = ? OR target_file_id = ?", file.Id, file.Id).Error
	if err != nil {
		slog.Error("sql error listing file links", "file_id", file.Id, "error", err)
		writeError(w, "listing file links", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	infos := make([]linkInfo, 0, len(links))
	for _, link := range links {
		infos = append(infos, linkInfo{
			Id: link.Id, SourceFileId: link.SourceFileId, TargetFileId: link.TargetFileId,
			LinkType: link.LinkType, CreatedAt: link.CreatedAt,
		})
	}
	utils.WriteJsonResponse(w, map[string][]linkInfo{"links": infos})
}

// ExpireDueSessions is one sweep pass. Every overdue non terminal session
// flips to expired and loses its temp bytes.
func (s *FileService) ExpireDueSessions(ctx context.Context) {
	var sessions []schema.UploadSession
	err := s.db.
		Where("status IN ? AND expires_at <= ?",
			[]string{schema.UploadReserved, schema.UploadUploading}, time.Now().UTC()).
		Find(&sessions).Error
	if err != nil {
		slog.Error("sql error listing overdue upload sessions", "error", err)
		return
	}

	for i := range sessions {
		s.expireSession(ctx, &sessions[i])
	}
}

// loadProjectSession resolves {session_id} within {project_id}. A session id
// from another project reads as absent.
func (s *FileService) loadProjectSession(r *http.Request) (schema.UploadSession, error) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		return schema.UploadSession{}, CodedError(err, http.StatusBadRequest)
	}
	sessionId, err := utils.URLParamUUID(r, "session_id")
	if err != nil {
		return schema.UploadSession{}, CodedError(err, http.StatusBadRequest)
	}

	session, err := schema.GetUploadSession(sessionId, s.db)
	if err != nil {
		return schema.UploadSession{}, notFoundCoded(err)
	}
	if session.ProjectId != projectId {
		return schema.UploadSession{}, CodedError(schema.ErrUploadSessionNotFound, http.StatusNotFound)
	}
	return session, nil
}

func (s *FileService) fileWithProject(r *http.Request) (schema.File, schema.Project, error) {
	fileId, err := utils.URLParamUUID(r, "file_id")
	if err != nil {
		return schema.File{}, schema.Project{}, CodedError(err, http.StatusBadRequest)
	}

	file, err := schema.GetFile(fileId, s.db)
	if err != nil {
		return schema.File{}, schema.Project{}, notFoundCoded(err)
	}
	project, err := schema.GetProject(file.ProjectId, s.db)
	if err != nil {
		return file, schema.Project{}, notFoundCoded(err)
	}
	return file, project, nil
}

// expireIfDue reaps an overdue session inline, ahead of the sweep.
func (s *FileService) expireIfDue(ctx context.Context, session *schema.UploadSession) bool {
	if session.Status != schema.UploadReserved && session.Status != schema.UploadUploading {
		return false
	}
	if session.ExpiresAt.After(time.Now().UTC()) {
		return false
	}
	s.expireSession(ctx, session)
	return true
}

func (s *FileService) expireSession(ctx context.Context, session *schema.UploadSession) {
	result := s.db.Model(&schema.UploadSession{}).
		Where("id = ? AND status IN ?", session.Id, []string{schema.UploadReserved, schema.UploadUploading}).
		Updates(map[string]interface{}{"status": schema.UploadExpired, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		slog.Error("sql error expiring upload session", "session_id", session.Id, "error", result.Error)
		return
	}
	if result.RowsAffected == 0 {
		return
	}

	session.Status = schema.UploadExpired
	s.deleteBytes(ctx, session.TempStorageKey)
	slog.Info("upload session expired", "session_id", session.Id)
}

func (s *FileService) failSession(ctx context.Context, session *schema.UploadSession, cause string) {
	result := s.db.Model(&schema.UploadSession{}).
		Where("id = ? AND status IN ?", session.Id, []string{schema.UploadReserved, schema.UploadUploading}).
		Updates(map[string]interface{}{"status": schema.UploadFailed, "updated_at": time.Now().UTC()})
	if result.Error != nil {
		slog.Error("sql error failing upload session", "session_id", session.Id, "error", result.Error)
		return
	}
	if result.RowsAffected == 0 {
		return
	}

	session.Status = schema.UploadFailed
	s.deleteBytes(ctx, session.TempStorageKey)
	slog.Warn("upload session failed", "session_id", session.Id, "cause", cause)
}

// uploadPayload returns the content stream of an upload request. Multipart
// bodies contribute their first file part, anything else streams as is.
func uploadPayload(r *http.Request) (io.ReadCloser, error) {
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return r.Body, nil
	}

	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, CodedError(fmt.Errorf("error parsing media type in request: %v", err), http.StatusBadRequest)
	}
	if mediaType != "multipart/form-data" {
		return r.Body, nil
	}

	boundary, ok := params["boundary"]
	if !ok {
		return nil, CodedError(errors.New("missing 'boundary' parameter in 'Content-Type' header"), http.StatusBadRequest)
	}

	reader := multipart.NewReader(r.Body, boundary)
	for {
		part, err := reader.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, CodedError(errors.New("multipart body contains no file part"), http.StatusBadRequest)
		}
		if err != nil {
			return nil, CodedError(fmt.Errorf("error parsing multipart request: %v", err), http.StatusBadRequest)
		}
		if part.FileName() != "" || part.FormName() == "file" {
			return part, nil
		}
	}
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.reader.Read(p)
	c.count += int64(n)
	return n, err
}

// classifyCategory infers the registry category from the name and declared
// content type. Uploads are always Source kind, inference only picks the
// category.
func classifyCategory(fileName, contentType string) string {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".ifc", ".ifczip", ".ifcxml":
		return schema.CategoryIfc
	case ".wexbim":
		return schema.CategoryWexBim
	case ".png", ".jpg", ".jpeg", ".gif", ".bmp":
		return schema.CategoryThumbnail
	case ".log":
		return schema.CategoryLog
	}

	switch contentType {
	case "application/x-step", "model/ifc", "application/ifc":
		return schema.CategoryIfc
	case "image/png", "image/jpeg", "image/gif":
		return schema.CategoryThumbnail
	}
	return schema.CategoryOther
}

func validCategory(category string) bool {
	switch category {
	case schema.CategoryIfc, schema.CategoryWexBim, schema.CategoryProperties,
		schema.CategoryThumbnail, schema.CategoryLog, schema.CategoryOther:
		return true
	}
	return false
}

func validLinkType(linkType string) bool {
	switch linkType {
	case schema.LinkDerivedFrom, schema.LinkThumbnailOf, schema.LinkPropertiesOf, schema.LinkLogOf:
		return true
	}
	return false
}

// linkWouldCycle reports whether target already reaches source through
// existing links, which would close a cycle with the proposed edge.
func linkWouldCycle(sourceId, targetId uuid.UUID, db *gorm.DB) (bool, error) {
	frontier := []uuid.UUID{targetId}
	visited := map[uuid.UUID]struct{}{targetId: {}}

	for len(frontier) > 0 {
		var links []schema.FileLink
		if err := db.Where("source_file_id IN ?", frontier).Find(&links).Error; err != nil {
			slog.Error("sql error walking file links", "error", err)
			return false, schema.ErrDbAccessFailed
		}

		frontier = frontier[:0]
		for _, link := range links {
			if link.TargetFileId == sourceId {
				return true, nil
			}
			if _, seen := visited[link.TargetFileId]; !seen {
				visited[link.TargetFileId] = struct{}{}
				frontier = append(frontier, link.TargetFileId)
			}
		}
	}
	return false, nil
}
