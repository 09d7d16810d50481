package schema

import (
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrWorkspaceNotFound     = errors.New("workspace not found")
	ErrProjectNotFound       = errors.New("project not found")
	ErrFileNotFound          = errors.New("file not found")
	ErrUploadSessionNotFound = errors.New("upload session not found")
	ErrModelNotFound         = errors.New("model not found")
	ErrModelVersionNotFound  = errors.New("model version not found")
	ErrOAuthAppNotFound      = errors.New("oauth app not found")
	ErrAuthCodeNotFound      = errors.New("authorization code not found")
	ErrMembershipNotFound    = errors.New("membership not found")
	ErrDbAccessFailed        = errors.New("db access failed")
)

func GetUser(userId uuid.UUID, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "id = ?", userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user", "user_id", userId, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetUserBySubject(subject string, db *gorm.DB) (User, error) {
	var user User

	result := db.First(&user, "subject = ?", subject)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return user, ErrUserNotFound
		}
		slog.Error("sql error in get user by subject", "subject", subject, "error", result.Error)
		return user, ErrDbAccessFailed
	}

	return user, nil
}

func GetWorkspace(workspaceId uuid.UUID, db *gorm.DB) (Workspace, error) {
	var workspace Workspace

	result := db.First(&workspace, "id = ?", workspaceId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return workspace, ErrWorkspaceNotFound
		}
		slog.Error("sql error in get workspace", "workspace_id", workspaceId, "error", result.Error)
		return workspace, ErrDbAccessFailed
	}

	return workspace, nil
}

func GetProject(projectId uuid.UUID, db *gorm.DB) (Project, error) {
	var project Project

	result := db.First(&project, "id = ?", projectId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return project, ErrProjectNotFound
		}
		slog.Error("sql error in get project", "project_id", projectId, "error", result.Error)
		return project, ErrDbAccessFailed
	}

	return project, nil
}

func GetFile(fileId uuid.UUID, db *gorm.DB) (File, error) {
	var file File

	result := db.First(&file, "id = ?", fileId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return file, ErrFileNotFound
		}
		slog.Error("sql error in get file", "file_id", fileId, "error", result.Error)
		return file, ErrDbAccessFailed
	}

	return file, nil
}

func GetUploadSession(sessionId uuid.UUID, db *gorm.DB) (UploadSession, error) {
	var session UploadSession

	result := db.First(&session, "id = ?", sessionId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return session, ErrUploadSessionNotFound
		}
		slog.Error("sql error in get upload session", "session_id", sessionId, "error", result.Error)
		return session, ErrDbAccessFailed
	}

	return session, nil
}

func GetModel(modelId uuid.UUID, db *gorm.DB) (Model, error) {
	var model Model

	result := db.First(&model, "id = ?", modelId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return model, ErrModelNotFound
		}
		slog.Error("sql error in get model", "model_id", modelId, "error", result.Error)
		return model, ErrDbAccessFailed
	}

	return model, nil
}

func GetModelVersion(versionId uuid.UUID, db *gorm.DB, loadFiles bool) (ModelVersion, error) {
	var version ModelVersion

	query := db
	if loadFiles {
		query = query.Preload("IfcFile").Preload("WexBimFile").Preload("PropertiesFile")
	}
	result := query.First(&version, "id = ?", versionId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return version, ErrModelVersionNotFound
		}
		slog.Error("sql error in get model version", "version_id", versionId, "error", result.Error)
		return version, ErrDbAccessFailed
	}

	return version, nil
}

func GetOAuthApp(appId uuid.UUID, db *gorm.DB) (OAuthApp, error) {
	var app OAuthApp

	result := db.First(&app, "id = ?", appId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return app, ErrOAuthAppNotFound
		}
		slog.Error("sql error in get oauth app", "app_id", appId, "error", result.Error)
		return app, ErrDbAccessFailed
	}

	return app, nil
}

func GetOAuthAppByClientId(clientId string, db *gorm.DB) (OAuthApp, error) {
	var app OAuthApp

	result := db.First(&app, "client_id = ?", clientId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return app, ErrOAuthAppNotFound
		}
		slog.Error("sql error in get oauth app by client id", "client_id", clientId, "error", result.Error)
		return app, ErrDbAccessFailed
	}

	return app, nil
}

func GetWorkspaceMembership(workspaceId, userId uuid.UUID, db *gorm.DB) (WorkspaceMembership, error) {
	var membership WorkspaceMembership

	result := db.First(&membership, "workspace_id = ? and user_id = ?", workspaceId, userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return membership, ErrMembershipNotFound
		}
		slog.Error("sql error in get workspace membership", "workspace_id", workspaceId, "user_id", userId, "error", result.Error)
		return membership, ErrDbAccessFailed
	}

	return membership, nil
}

func GetProjectMembership(projectId, userId uuid.UUID, db *gorm.DB) (ProjectMembership, error) {
	var membership ProjectMembership

	result := db.First(&membership, "project_id = ? and user_id = ?", projectId, userId)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return membership, ErrMembershipNotFound
		}
		slog.Error("sql error in get project membership", "project_id", projectId, "user_id", userId, "error", result.Error)
		return membership, ErrDbAccessFailed
	}

	return membership, nil
}
