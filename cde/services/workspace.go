package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"octopus/cde/auth"
	"octopus/cde/oauth"
	"octopus/cde/schema"
	"octopus/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// WorkspaceService owns the tenancy roots: workspaces, their memberships,
// their registered oauth apps, and the usage accounting derived from the
// file registry.
type WorkspaceService struct {
	db    *gorm.DB
	authn *auth.Authenticator

	projects *ProjectService

	// Server wide quota applied to workspaces without their own. Zero means
	// unlimited.
	defaultQuotaBytes int64
}

func (s *WorkspaceService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.authn.Middleware())
	r.Use(auth.ScopedAccess())

	r.Post("/", s.CreateWorkspace)
	r.Get("/", s.ListWorkspaces)

	r.Route("/{workspace_id}", func(r chi.Router) {
		r.With(auth.WorkspaceRoleOnly(s.db, auth.GuestRole)).Get("/", s.GetWorkspace)
		r.With(auth.WorkspaceRoleOnly(s.db, auth.GuestRole)).Get("/projects", s.projects.ListProjects)
		r.With(auth.WorkspaceRoleOnly(s.db, auth.MemberRole)).Post("/projects", s.projects.CreateProject)

		r.Group(func(r chi.Router) {
			r.Use(auth.WorkspaceRoleOnly(s.db, auth.AdminRole))

			r.Put("/", s.UpdateWorkspace)
			r.Put("/members/{user_id}", s.UpsertMember)
			r.Delete("/members/{user_id}", s.RemoveMember)
			r.Post("/apps", s.CreateApp)
			r.Get("/apps", s.ListApps)
		})
	})

	return r
}

// UsageRoutes serves /usage, separate from the /workspaces subtree.
func (s *WorkspaceService) UsageRoutes() chi.Router {
	r := chi.NewRouter()

	r.Use(s.authn.Middleware())
	r.Use(auth.ScopedAccess())

	r.With(auth.WorkspaceRoleOnly(s.db, auth.GuestRole)).Get("/workspaces/{workspace_id}", s.WorkspaceUsage)

	return r
}

type workspaceInfo struct {
	Id          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	QuotaBytes  *int64    `json:"quotaBytes,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func toWorkspaceInfo(workspace schema.Workspace) workspaceInfo {
	return workspaceInfo{
		Id:          workspace.Id,
		Name:        workspace.Name,
		Description: workspace.Description,
		QuotaBytes:  workspace.QuotaBytes,
		CreatedAt:   workspace.CreatedAt,
	}
}

type createWorkspaceRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	QuotaBytes  *int64 `json:"quotaBytes"`
}

func (s *WorkspaceService) CreateWorkspace(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFromContext(r)
	if err != nil {
		writeError(w, "creating workspace", accessError(r, err))
		return
	}

	var params createWorkspaceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Name == "" {
		writeError(w, "creating workspace", CodedError(errors.New("workspace name must be specified"), http.StatusBadRequest))
		return
	}
	if params.QuotaBytes != nil && *params.QuotaBytes < 0 {
		writeError(w, "creating workspace", CodedError(errors.New("quotaBytes cannot be negative"), http.StatusBadRequest))
		return
	}

	now := time.Now().UTC()
	workspace := schema.Workspace{
		Id:          uuid.New(),
		Name:        params.Name,
		Description: params.Description,
		QuotaBytes:  params.QuotaBytes,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if result := txn.Create(&workspace); result.Error != nil {
			slog.Error("sql error creating workspace", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		membership := schema.WorkspaceMembership{
			Id:          uuid.New(),
			WorkspaceId: workspace.Id,
			UserId:      principal.UserId,
			Role:        schema.RoleOwner,
			CreatedAt:   now,
		}
		if result := txn.Create(&membership); result.Error != nil {
			slog.Error("sql error creating owner membership", "workspace_id", workspace.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "creating workspace", err)
		return
	}

	slog.Info("workspace created", "workspace_id", workspace.Id, "owner", principal.UserId)
	utils.WriteJsonResponseStatus(w, http.StatusCreated, toWorkspaceInfo(workspace))
}

type listWorkspacesResponse struct {
	Workspaces []workspaceInfo `json:"workspaces"`
	Page       int             `json:"page"`
	PageSize   int             `json:"pageSize"`
	Total      int64           `json:"total"`
}

// ListWorkspaces pages over the workspaces the caller is a member of.
func (s *WorkspaceService) ListWorkspaces(w http.ResponseWriter, r *http.Request) {
	principal, err := auth.PrincipalFromContext(r)
	if err != nil {
		writeError(w, "listing workspaces", accessError(r, err))
		return
	}

	page := utils.ParsePagination(r)

	query := s.db.Model(&schema.Workspace{}).
		Joins("JOIN workspace_memberships ON workspace_memberships.workspace_id = workspaces.id").
		Where("workspace_memberships.user_id = ?", principal.UserId)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		slog.Error("sql error counting workspaces", "error", err)
		writeError(w, "listing workspaces", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	var workspaces []schema.Workspace
	err = query.Order("workspaces.created_at DESC").
		Offset(page.Offset()).Limit(page.Limit()).
		Find(&workspaces).Error
	if err != nil {
		slog.Error("sql error listing workspaces", "error", err)
		writeError(w, "listing workspaces", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	infos := make([]workspaceInfo, 0, len(workspaces))
	for _, workspace := range workspaces {
		infos = append(infos, toWorkspaceInfo(workspace))
	}

	utils.WriteJsonResponse(w, listWorkspacesResponse{
		Workspaces: infos, Page: page.Page, PageSize: page.PageSize, Total: total,
	})
}

func (s *WorkspaceService) GetWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamUUID(r, "workspace_id")
	if err != nil {
		writeError(w, "getting workspace", CodedError(err, http.StatusBadRequest))
		return
	}

	workspace, err := schema.GetWorkspace(workspaceId, s.db)
	if err != nil {
		writeError(w, "getting workspace", notFoundCoded(err))
		return
	}

	utils.WriteJsonResponse(w, toWorkspaceInfo(workspace))
}

type updateWorkspaceRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
	QuotaBytes  *int64  `json:"quotaBytes"`
}

func (s *WorkspaceService) UpdateWorkspace(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamUUID(r, "workspace_id")
	if err != nil {
		writeError(w, "updating workspace", CodedError(err, http.StatusBadRequest))
		return
	}

	var params updateWorkspaceRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if params.Name != nil && *params.Name == "" {
		writeError(w, "updating workspace", CodedError(errors.New("workspace name cannot be empty"), http.StatusBadRequest))
		return
	}
	if params.QuotaBytes != nil && *params.QuotaBytes < 0 {
		writeError(w, "updating workspace", CodedError(errors.New("quotaBytes cannot be negative"), http.StatusBadRequest))
		return
	}

	updates := map[string]interface{}{"updated_at": time.Now().UTC()}
	if params.Name != nil {
		updates["name"] = *params.Name
	}
	if params.Description != nil {
		updates["description"] = *params.Description
	}
	if params.QuotaBytes != nil {
		updates["quota_bytes"] = *params.QuotaBytes
	}

	result := s.db.Model(&schema.Workspace{}).Where("id = ?", workspaceId).Updates(updates)
	if result.Error != nil {
		slog.Error("sql error updating workspace", "workspace_id", workspaceId, "error", result.Error)
		writeError(w, "updating workspace", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}
	if result.RowsAffected == 0 {
		writeError(w, "updating workspace", CodedError(schema.ErrWorkspaceNotFound, http.StatusNotFound))
		return
	}

	workspace, err := schema.GetWorkspace(workspaceId, s.db)
	if err != nil {
		writeError(w, "updating workspace", notFoundCoded(err))
		return
	}
	utils.WriteJsonResponse(w, toWorkspaceInfo(workspace))
}

type upsertMemberRequest struct {
	Role string `json:"role"`
}

func (s *WorkspaceService) UpsertMember(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamUUID(r, "workspace_id")
	if err != nil {
		writeError(w, "updating workspace member", CodedError(err, http.StatusBadRequest))
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		writeError(w, "updating workspace member", CodedError(err, http.StatusBadRequest))
		return
	}

	var params upsertMemberRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if !auth.ValidWorkspaceRole(params.Role) {
		writeError(w, "updating workspace member", CodedError(fmt.Errorf("invalid workspace role %v", params.Role), http.StatusBadRequest))
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		if _, err := schema.GetUser(userId, txn); err != nil {
			return notFoundCoded(err)
		}

		var membership schema.WorkspaceMembership
		result := txn.Limit(1).Find(&membership, "workspace_id = ? AND user_id = ?", workspaceId, userId)
		if result.Error != nil {
			slog.Error("sql error checking workspace membership", "workspace_id", workspaceId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}

		if result.RowsAffected == 0 {
			membership = schema.WorkspaceMembership{
				Id:          uuid.New(),
				WorkspaceId: workspaceId,
				UserId:      userId,
				Role:        params.Role,
				CreatedAt:   time.Now().UTC(),
			}
			if result := txn.Create(&membership); result.Error != nil {
				slog.Error("sql error creating workspace membership", "workspace_id", workspaceId, "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			return nil
		}

		result = txn.Model(&membership).Update("role", params.Role)
		if result.Error != nil {
			slog.Error("sql error updating workspace membership", "workspace_id", workspaceId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "updating workspace member", err)
		return
	}

	slog.Info("workspace member updated", "workspace_id", workspaceId, "user_id", userId, "role", params.Role)
	utils.WriteSuccess(w)
}

func (s *WorkspaceService) RemoveMember(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamUUID(r, "workspace_id")
	if err != nil {
		writeError(w, "removing workspace member", CodedError(err, http.StatusBadRequest))
		return
	}
	userId, err := utils.URLParamUUID(r, "user_id")
	if err != nil {
		writeError(w, "removing workspace member", CodedError(err, http.StatusBadRequest))
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		result := txn.Delete(&schema.WorkspaceMembership{}, "workspace_id = ? AND user_id = ?", workspaceId, userId)
		if result.Error != nil {
			slog.Error("sql error removing workspace membership", "workspace_id", workspaceId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		if result.RowsAffected == 0 {
			return CodedError(schema.ErrMembershipNotFound, http.StatusNotFound)
		}

		// Dropping the workspace membership also drops any direct project
		// grants under it.
		result = txn.Where(
			"user_id = ? AND project_id IN (?)",
			userId,
			txn.Session(&gorm.Session{NewDB: true}).Model(&schema.Project{}).Select("id").Where("workspace_id = ?", workspaceId),
		).Delete(&schema.ProjectMembership{})
		if result.Error != nil {
			slog.Error("sql error removing project memberships", "workspace_id", workspaceId, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		writeError(w, "removing workspace member", err)
		return
	}

	slog.Info("workspace member removed", "workspace_id", workspaceId, "user_id", userId)
	utils.WriteSuccess(w)
}

type appInfo struct {
	Id            uuid.UUID `json:"id"`
	WorkspaceId   uuid.UUID `json:"workspaceId"`
	Name          string    `json:"name"`
	ClientId      string    `json:"clientId"`
	ClientType    string    `json:"clientType"`
	RedirectUris  []string  `json:"redirectUris"`
	AllowedScopes []string  `json:"allowedScopes"`
	IsEnabled     bool      `json:"isEnabled"`
	CreatedAt     time.Time `json:"createdAt"`
}

func toAppInfo(app schema.OAuthApp) appInfo {
	return appInfo{
		Id:            app.Id,
		WorkspaceId:   app.WorkspaceId,
		Name:          app.Name,
		ClientId:      app.ClientId,
		ClientType:    app.ClientType,
		RedirectUris:  app.RedirectUriList(),
		AllowedScopes: app.AllowedScopeList(),
		IsEnabled:     app.IsEnabled,
		CreatedAt:     app.CreatedAt,
	}
}

type createAppRequest struct {
	Name          string   `json:"name"`
	ClientType    string   `json:"clientType"`
	RedirectUris  []string `json:"redirectUris"`
	AllowedScopes []string `json:"allowedScopes"`
}

type createAppResponse struct {
	appInfo

	// Returned exactly once, only its hash is stored.
	ClientSecret string `json:"clientSecret,omitempty"`
}

// CreateApp registers an oauth client under the workspace. The plaintext
// secret of a confidential client appears in this response and nowhere else.
func (s *WorkspaceService) CreateApp(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamUUID(r, "workspace_id")
	if err != nil {
		writeError(w, "creating oauth app", CodedError(err, http.StatusBadRequest))
		return
	}

	var params createAppRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}
	if err := validateAppParams(params); err != nil {
		writeError(w, "creating oauth app", CodedError(err, http.StatusBadRequest))
		return
	}

	now := time.Now().UTC()
	app := schema.OAuthApp{
		Id:            uuid.New(),
		WorkspaceId:   workspaceId,
		Name:          params.Name,
		ClientId:      uuid.NewString(),
		ClientType:    params.ClientType,
		RedirectUris:  strings.Join(params.RedirectUris, " "),
		AllowedScopes: strings.Join(params.AllowedScopes, " "),
		IsEnabled:     true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var secret string
	if params.ClientType == schema.ClientConfidential {
		var hash, salt []byte
		var iterations int
		secret, hash, salt, iterations, err = oauth.NewClientSecret()
		if err != nil {
			writeError(w, "creating oauth app", CodedError(err, http.StatusInternalServerError))
			return
		}
		app.ClientSecretHash = hash
		app.ClientSecretSalt = salt
		app.ClientSecretIter = iterations
	}

	if result := s.db.Create(&app); result.Error != nil {
		slog.Error("sql error creating oauth app", "workspace_id", workspaceId, "error", result.Error)
		writeError(w, "creating oauth app", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	slog.Info("oauth app registered", "workspace_id", workspaceId, "client_id", app.ClientId, "client_type", app.ClientType)
	utils.WriteJsonResponseStatus(w, http.StatusCreated, createAppResponse{appInfo: toAppInfo(app), ClientSecret: secret})
}

func validateAppParams(params createAppRequest) error {
	if params.Name == "" {
		return errors.New("app name must be specified")
	}
	if params.ClientType != schema.ClientPublic && params.ClientType != schema.ClientConfidential {
		return fmt.Errorf("clientType must be %v or %v", schema.ClientPublic, schema.ClientConfidential)
	}
	if len(params.RedirectUris) == 0 {
		return errors.New("at least one redirect uri must be registered")
	}
	for _, raw := range params.RedirectUris {
		parsed, err := url.Parse(raw)
		if err != nil || !parsed.IsAbs() || parsed.Fragment != "" || strings.ContainsAny(raw, " \t") {
			return fmt.Errorf("invalid redirect uri %q, must be absolute without fragment or whitespace", raw)
		}
	}
	for _, scope := range params.AllowedScopes {
		if scope == "" || strings.ContainsAny(scope, " \t") {
			return fmt.Errorf("invalid scope %q, scopes are single tokens", scope)
		}
	}
	return nil
}

func (s *WorkspaceService) ListApps(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamUUID(r, "workspace_id")
	if err != nil {
		writeError(w, "listing oauth apps", CodedError(err, http.StatusBadRequest))
		return
	}

	var apps []schema.OAuthApp
	err = s.db.Order("created_at DESC").Find(&apps, "workspace_id = ?", workspaceId).Error
	if err != nil {
		slog.Error("sql error listing oauth apps", "workspace_id", workspaceId, "error", err)
		writeError(w, "listing oauth apps", CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError))
		return
	}

	infos := make([]appInfo, 0, len(apps))
	for _, app := range apps {
		infos = append(infos, toAppInfo(app))
	}
	utils.WriteJsonResponse(w, map[string][]appInfo{"apps": infos})
}

type usageResponse struct {
	WorkspaceId uuid.UUID `json:"workspaceId"`
	UsedBytes   int64     `json:"usedBytes"`

	// Absent when the workspace is unlimited.
	QuotaBytes *int64 `json:"quotaBytes,omitempty"`
}

func (s *WorkspaceService) WorkspaceUsage(w http.ResponseWriter, r *http.Request) {
	workspaceId, err := utils.URLParamUUID(r, "workspace_id")
	if err != nil {
		writeError(w, "computing workspace usage", CodedError(err, http.StatusBadRequest))
		return
	}

	workspace, err := schema.GetWorkspace(workspaceId, s.db)
	if err != nil {
		writeError(w, "computing workspace usage", notFoundCoded(err))
		return
	}

	used, err := workspaceUsage(workspaceId, s.db)
	if err != nil {
		writeError(w, "computing workspace usage", CodedError(err, http.StatusInternalServerError))
		return
	}

	utils.WriteJsonResponse(w, usageResponse{
		WorkspaceId: workspaceId,
		UsedBytes:   used,
		QuotaBytes:  effectiveQuota(workspace, s.defaultQuotaBytes),
	})
}

// effectiveQuota resolves the limit for a workspace: its own quota when set,
// otherwise the server default, nil when unlimited.
func effectiveQuota(workspace schema.Workspace, defaultQuotaBytes int64) *int64 {
	if workspace.QuotaBytes != nil {
		return workspace.QuotaBytes
	}
	if defaultQuotaBytes > 0 {
		quota := defaultQuotaBytes
		return &quota
	}
	return nil
}
