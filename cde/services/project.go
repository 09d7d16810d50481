package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"octopus/cde/auth"
	"octopus/cde/schema"
	"octopus/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProjectService owns project metadata and project memberships. The file and
// model subtrees under /projects/{id} are routed here but handled by their
// own services.
type ProjectService struct {
	db    *gorm.DB
	authn *auth.Authenticator

	files  *FileService
	models *ModelService
}

func (s *ProjectService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.authn.Middleware())
	r.Use(auth.ScopedAccess())

	r.Route("/{project_id}", func(r chi.Router) {
		r.With(auth.ProjectRoleOnly(s.db, auth.ViewerRole)).Get("/", s.GetProject)

		r.Group(func(r chi.Router) {
			r.Use(auth.ProjectRoleOnly(s.db, auth.ProjectAdminRole))

			r.Put("/members/{user_id}", s.UpsertMember)
			r.Delete("/members/{user_id}", s.RemoveMember)
		})

		r.Route("/files", s.files.projectRoutes)
		r.Route("/models", s.models.projectRoutes)
	})

	return r
}

type projectInfo struct {
	Id          uuid.UUID `json:"id"`
	WorkspaceId uuid.UUID `json:"workspaceId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toProjectInfo(project schema.Project) projectInfo {
	return projectInfo{
		Id:          project.Id,
		WorkspaceId: project.WorkspaceId,
		Name:        project.Name,
		Description: project.Description,
		CreatedAt:   project.CreatedAt,
	}
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// CreateProject handles POST /workspaces/{workspace_id}/projects.
func (s *ProjectService) CreateProject(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamUUID(r, "workspace_id")
	if err != nil {
		writeError(w, "creating project", CodedError(err, http.StatusBadRequest))
		return
	}

	var params createProjectRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Name == "" {
		writeError(w, "creating project", CodedError(errors.New("project name must be specified"), http.StatusBadRequest))
		return
	}

	if _, err := schema.GetWorkspace(workspaceId, s.db); err != nil {
		writeError(w, "creating project", notFoundCoded(err))
		return
	}

	now := time.Now().UTC()
	project := schema.Project{
		Id:          uuid.New(),
		WorkspaceId: workspaceId,
		Name:        params.Name,
		Description: params.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if result := s.db.Create(&project); result.Error != nil {
		slog.Error("sql error creating project", "workspace_id", workspaceId, "error", result.Error)
		writeError(w, "creating project", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	slog.Info("project created", "project_id", project.Id, "workspace_id", workspaceId)
	utils.WriteJsonResponseStatus(w, http.StatusCreated, toProjectInfo(project))
}

type listProjectsResponse struct {
	Projects []projectInfo `json:"projects"`
	Page     int           `json:"page"`
	PageSize int           `json:"pageSize"`
	Total    int64         `json:"total"`
}

// ListProjects handles GET /workspaces/{workspace_id}/projects.
func (s *ProjectService) ListProjects(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamUUID(r, "workspace_id")
	if err != nil {
		writeError(w, "listing projects", CodedError(err, http.StatusBadRequest))
		return
	}

	page := utils.ParsePagination(r)
	query := s.db.Model(&schema.Project{}).Where("workspace_id = ?", workspaceId)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("sql error counting projects", "workspace_id", workspaceId, "error", err)
		writeError(w, "listing projects", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	var projects []schema.Project
	err = query.Order("created_at DESC").Offset(page.Offset()).Limit(page.Limit()).Find(&projects).Error
	if err != nil {
		slog.Error("sql error listing projects", "workspace_id", workspaceId, "error", err)
		writeError(w, "listing projects", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	infos := make([]projectInfo, 0, len(projects))
	for _, project := range projects {
		infos = append(infos, toProjectInfo(project))
	}
	utils.WriteJsonResponse(w, listProjectsResponse{
		Projects: infos, Page: page.Page, PageSize: page.PageSize, Total: total,
	})
}

func (s *ProjectService) GetProject(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		writeError(w, "getting project", CodedError(err, http.StatusBadRequest))
		return
	}

	project, err := schema.GetProject(projectId, s.db)
	if err != nil {
		writeError(w, "getting project", notFoundCoded(err))
		return
	}

	utils.WriteJsonResponse(w, toProjectInfo(project))
}

func (s *ProjectService) UpsertMember(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		writeError(w, "updating project member", CodedError(err, http.StatusBadRequest))
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		writeError(w, "updating project member", CodedError(err, http.StatusBadRequest))
		return
	}

	var params upsertMemberRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if !auth.ValidProjectRole(params.Role) {
		writeError(w, "updating project member", CodedError(fmt.Errorf("invalid project role %v", params.Role), http.StatusBadRequest))
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetUser(userId, txn); err != nil {
			return notFoundCoded(err)
		}

		var membership schema.ProjectMembership
		result := txn.Limit(1).Find(&membership, "project_id = ? AND user_id = ?", projectId, userId)
		if result.Error != nil {
			slog.Error("sql error checking project membership", "project_id", projectId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if result.RowsAffected == 0 {
			membership = schema.ProjectMembership{
				Id:        uuid.New(),
				ProjectId: projectId,
				UserId:    userId,
				Role:      params.Role,
				CreatedAt: time.Now().UTC(),
			}
			if result := txn.Create(&membership); result.Error != nil {
				slog.Error("sql error creating project membership", "project_id", projectId, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			return nil
		}

		result = txn.Model(&membership).Update("role", params.Role)
		if result.Error != nil {
			slog.Error("sql error updating project membership", "project_id", projectId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "updating project member", err)
		return
	}

	slog.Info("project member updated", "project_id", projectId, "user_id", userId, "role", params.Role)
	utils.WriteSuccess(w)
}

func (s *ProjectService) RemoveMember(w http.ResponseWriter, r *http.Request) {
	projectId, err := utils.URLParamUUID(r, "project_id")
	if err != nil {
		writeError(w, "removing project member", CodedError(err, http.StatusBadRequest))
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		writeError(w, "removing project member", CodedError(err, http.StatusBadRequest))
		return
	}

	result := s.db.Delete(&schema.ProjectMembership{}, "project_id = ? AND user_id = ?", projectId, userId)
	if result.Error != nil {
		slog.Error("sql error removing project membership", "project_id", projectId, "error", result.Error)
		writeError(w, "removing project member", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}
	if result.RowsAffected == 0 {
		writeError(w, "removing project member", CodedError(schema.ErrMembershipNotFound, http.StatusNotFound))
		return
	}

	slog.Info("project member removed", "project_id", projectId, "user_id", userId)
	utils.WriteSuccess(w)
}
