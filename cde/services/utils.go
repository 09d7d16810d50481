package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"octopus/cde/auth"
	"octopus/cde/schema"
	"octopus/cde/storage"
	"octopus/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Body codes carried by structured error responses. Clients branch on these,
// not on the human readable message.
const (
	codeValidation           = "validation"
	codeUnauthorized         = "unauthorized"
	codeForbidden            = "forbidden"
	codeNotFound             = "notFound"
	codeNotReady             = "notReady"
	codeConflict             = "conflict"
	codeQuotaExceeded        = "quotaExceeded"
	codeStorageInconsistency = "storageInconsistency"
	codeInternal             = "internal"
)

type codedError struct {
	err    error
	status int
	code   string
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func defaultBodyCode(status int) string {
	switch status {
	case http.StatusBadRequest:
		return codeValidation
	case http.StatusUnauthorized:
		return codeUnauthorized
	case http.StatusForbidden:
		return codeForbidden
	case http.StatusNotFound:
		return codeNotFound
	case http.StatusConflict:
		return codeConflict
	default:
		return codeInternal
	}
}

func CodedError(err error, status int) error {
	return &codedError{err: err, status: status, code: defaultBodyCode(status)}
}

// NotReadyError is a 404 whose body distinguishes pending processing from an
// unknown id.
func NotReadyError(err error) error {
	return &codedError{err: err, status: http.StatusNotFound, code: codeNotReady}
}

// QuotaExceededError is a 403 that callers must not retry.
func QuotaExceededError(err error) error {
	return &codedError{err: err, status: http.StatusForbidden, code: codeQuotaExceeded}
}

// StorageInconsistencyError reports a row whose bytes are missing, or the
// reverse. Alertable, the registry and the byte store disagree.
func StorageInconsistencyError(err error) error {
	return &codedError{err: err, status: http.StatusInternalServerError, code: codeStorageInconsistency}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.status
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

// writeError renders a handler error as the structured {error, message} body.
// Anything uncoded is an internal fault and is logged as such.
func writeError(w http.ResponseWriter, action string, err error) {
	message := fmt.Sprintf("error %v: %v", action, err)

	var cerr *codedError
	if errors.As(err, &cerr) {
		utils.WriteErrorJson(w, cerr.status, cerr.code, message)
		return
	}

	slog.Error("unclassified error in http handler", "action", action, "error", err)
	utils.WriteErrorJson(w, http.StatusInternalServerError, codeInternal, message)
}

// accessError maps auth failures onto response codes. Denied reads surface
// as 404 so a GET cannot probe for resource existence, denied writes get an
// explicit 403.
func accessError(r *http.Request, err error) error {
	switch {
	case errors.Is(err, auth.ErrAccessDenied):
		if r.Method == http.MethodGet || r.Method == http.MethodHead {
			return CodedError(errors.New("not found"), http.StatusNotFound)
		}
		return CodedError(err, http.StatusForbidden)
	case errors.Is(err, auth.ErrNoPrincipal):
		return CodedError(err, http.StatusUnauthorized)
	default:
		return CodedError(err, http.StatusInternalServerError)
	}
}

// notFoundCoded collapses the schema not-found sentinels to 404 and keeps
// everything else a 500.
func notFoundCoded(err error) error {
	notFound := []error{
		schema.ErrUserNotFound, schema.ErrWorkspaceNotFound, schema.ErrProjectNotFound,
		schema.ErrFileNotFound, schema.ErrUploadSessionNotFound, schema.ErrModelNotFound,
		schema.ErrModelVersionNotFound, schema.ErrOAuthAppNotFound, schema.ErrMembershipNotFound,
	}
	for _, sentinel := range notFound {
		if errors.Is(err, sentinel) {
			return CodedError(err, http.StatusNotFound)
		}
	}
	return CodedError(err, http.StatusInternalServerError)
}

// streamStoredFile writes a registry file's bytes to the response with its
// content type and length. A row whose bytes are gone is a storage
// inconsistency, not a 404.
func streamStoredFile(ctx context.Context, w http.ResponseWriter, store storage.Provider, file schema.File) error {
	if file.StorageProvider != store.ProviderId() {
		return StorageInconsistencyError(fmt.Errorf(
			"file %v lives on storage provider %v, server uses %v", file.Id, file.StorageProvider, store.ProviderId()))
	}

	reader, err := store.OpenRead(ctx, file.StorageKey)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			slog.Error("file row has no bytes in storage", "file_id", file.Id, "storage_key", file.StorageKey)
			return StorageInconsistencyError(fmt.Errorf("bytes for file %v are missing from storage", file.Id))
		}
		return CodedError(err, http.StatusInternalServerError)
	}
	defer reader.Close()

	contentType := file.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprintf("%d", file.SizeBytes))

	if _, err := io.Copy(w, reader); err != nil {
		// Headers are out, the client gets a truncated body.
		slog.Error("error streaming file content", "file_id", file.Id, "error", err)
	}
	return nil
}

// workspaceUsage computes the live storage footprint of a workspace, the sum
// of sizes over non deleted files in all of its projects.
func workspaceUsage(workspaceId uuid.UUID, db *gorm.DB) (int64, error) {
	var used int64
	err := db.Model(&schema.File{}).
		Joins("JOIN projects ON projects.id = files.project_id").
		Where("projects.workspace_id = ? AND files.is_deleted = ?", workspaceId, false).
		Select("COALESCE(SUM(files.size_bytes), 0)").
		Scan(&used).Error
	if err != nil {
		slog.Error("sql error computing workspace usage", "workspace_id", workspaceId, "error", err)
		return 0, schema.ErrDbAccessFailed
	}
	return used, nil
}
