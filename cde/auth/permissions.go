package auth

import (
	"errors"
	"fmt"
	"net/http"

	"octopus/cde/schema"
	"octopus/utils"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type workspaceRole int // Private so that no other roles can be defined

const (
	NoWorkspaceRole workspaceRole = 0
	GuestRole       workspaceRole = 1
	MemberRole      workspaceRole = 2
	AdminRole       workspaceRole = 3
	OwnerRole       workspaceRole = 4
)

func workspaceRoleFromString(role string) workspaceRole {
	switch role {
	case schema.RoleGuest:
		return GuestRole
	case schema.RoleMember:
		return MemberRole
	case schema.RoleAdmin:
		return AdminRole
	case schema.RoleOwner:
		return OwnerRole
	default:
		return NoWorkspaceRole
	}
}

func workspaceRoleToString(role workspaceRole) string {
	switch role {
	case GuestRole:
		return schema.RoleGuest
	case MemberRole:
		return schema.RoleMember
	case AdminRole:
		return schema.RoleAdmin
	case OwnerRole:
		return schema.RoleOwner
	default:
		return "none"
	}
}

type projectRole int // Private so that no other roles can be defined

const (
	NoProjectRole    projectRole = 0
	ViewerRole       projectRole = 1
	EditorRole       projectRole = 2
	ProjectAdminRole projectRole = 3
)

func projectRoleFromString(role string) projectRole {
	switch role {
	case schema.RoleViewer:
		return ViewerRole
	case schema.RoleEditor:
		return EditorRole
	case schema.RoleProjectAdmin:
		return ProjectAdminRole
	default:
		return NoProjectRole
	}
}

func projectRoleToString(role projectRole) string {
	switch role {
	case ViewerRole:
		return schema.RoleViewer
	case EditorRole:
		return schema.RoleEditor
	case ProjectAdminRole:
		return schema.RoleProjectAdmin
	default:
		return "none"
	}
}

// ValidWorkspaceRole reports whether a role string names an assignable
// workspace role.
func ValidWorkspaceRole(role string) bool {
	return workspaceRoleFromString(role) != NoWorkspaceRole
}

// ValidProjectRole reports whether a role string names an assignable
// project role.
func ValidProjectRole(role string) bool {
	return projectRoleFromString(role) != NoProjectRole
}

// EffectiveWorkspaceRole resolves the caller's role in a workspace. Access
// tokens bound to a different workspace resolve to no role regardless of
// membership.
func EffectiveWorkspaceRole(principal Principal, workspaceId uuid.UUID, db *gorm.DB) (workspaceRole, error) {
	if principal.WorkspaceId != nil && *principal.WorkspaceId != workspaceId {
		return NoWorkspaceRole, nil
	}

	membership, err := schema.GetWorkspaceMembership(workspaceId, principal.UserId, db)
	if err != nil {
		if errors.Is(err, schema.ErrMembershipNotFound) {
			return NoWorkspaceRole, nil
		}
		return NoWorkspaceRole, err
	}

	return workspaceRoleFromString(membership.Role), nil
}

// EffectiveProjectRole resolves the caller's role in a project. A direct
// project membership wins. Otherwise the workspace role maps down: owners
// and admins act as project admins, members as viewers, guests get nothing.
func EffectiveProjectRole(principal Principal, project schema.Project, db *gorm.DB) (projectRole, error) {
	if principal.WorkspaceId != nil && *principal.WorkspaceId != project.WorkspaceId {
		return NoProjectRole, nil
	}

	membership, err := schema.GetProjectMembership(project.Id, principal.UserId, db)
	if err == nil {
		return projectRoleFromString(membership.Role), nil
	}
	if !errors.Is(err, schema.ErrMembershipNotFound) {
		return NoProjectRole, err
	}

	wsRole, err := EffectiveWorkspaceRole(principal, project.WorkspaceId, db)
	if err != nil {
		return NoProjectRole, err
	}

	switch wsRole {
	case OwnerRole, AdminRole:
		return ProjectAdminRole, nil
	case MemberRole:
		return ViewerRole, nil
	default:
		return NoProjectRole, nil
	}
}

// WorkspaceRoleOnly guards routes carrying a {workspace_id} url parameter.
func WorkspaceRoleOnly(db *gorm.DB, minRole workspaceRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			workspaceId, err := utils.URLParamUUID(r, "workspace_id")
			if err != nil {
				utils.WriteErrorJson(w, http.StatusBadRequest, "validation", err.Error())
				return
			}

			principal, err := PrincipalFromContext(r)
			if err != nil {
				utils.WriteErrorJson(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			role, err := EffectiveWorkspaceRole(principal, workspaceId, db)
			if err != nil {
				utils.WriteErrorJson(w, http.StatusInternalServerError, "internal", err.Error())
				return
			}

			if role >= minRole {
				next.ServeHTTP(w, r)
				return
			}

			required, actual := workspaceRoleToString(minRole), workspaceRoleToString(role)
			denyAccess(w, r, fmt.Sprintf("user %v does not have required role in workspace %v (required=%v, actual=%v)", principal.UserId, workspaceId, required, actual))
		}
		return http.HandlerFunc(hfn)
	}
}

// ProjectRoleOnly guards routes carrying a {project_id} url parameter.
func ProjectRoleOnly(db *gorm.DB, minRole projectRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			projectId, err := utils.URLParamUUID(r, "project_id")
			if err != nil {
				utils.WriteErrorJson(w, http.StatusBadRequest, "validation", err.Error())
				return
			}

			principal, err := PrincipalFromContext(r)
			if err != nil {
				utils.WriteErrorJson(w, http.StatusUnauthorized, "unauthorized", err.Error())
				return
			}

			project, err := schema.GetProject(projectId, db)
			if err != nil {
				if errors.Is(err, schema.ErrProjectNotFound) {
					utils.WriteErrorJson(w, http.StatusNotFound, "notFound", err.Error())
					return
				}
				utils.WriteErrorJson(w, http.StatusInternalServerError, "internal", err.Error())
				return
			}

			role, err := EffectiveProjectRole(principal, project, db)
			if err != nil {
				utils.WriteErrorJson(w, http.StatusInternalServerError, "internal", err.Error())
				return
			}

			if role >= minRole {
				next.ServeHTTP(w, r)
				return
			}

			required, actual := projectRoleToString(minRole), projectRoleToString(role)
			denyAccess(w, r, fmt.Sprintf("user %v does not have required role in project %v (required=%v, actual=%v)", principal.UserId, projectId, required, actual))
		}
		return http.HandlerFunc(hfn)
	}
}

// ErrAccessDenied marks a principal whose effective role is below the
// minimum a handler requires. Handlers translate it to 403, or 404 on reads.
var ErrAccessDenied = errors.New("access denied")

// CheckWorkspaceAccess enforces a minimum workspace role for handlers that
// resolve the workspace themselves rather than from a url parameter.
func CheckWorkspaceAccess(r *http.Request, workspaceId uuid.UUID, minRole workspaceRole, db *gorm.DB) (Principal, error) {
	principal, err := PrincipalFromContext(r)
	if err != nil {
		return Principal{}, err
	}

	role, err := EffectiveWorkspaceRole(principal, workspaceId, db)
	if err != nil {
		return principal, err
	}
	if role < minRole {
		return principal, fmt.Errorf("user %v needs role %v in workspace %v: %w",
			principal.UserId, workspaceRoleToString(minRole), workspaceId, ErrAccessDenied)
	}
	return principal, nil
}

// CheckProjectAccess is CheckWorkspaceAccess for project scoped resources.
func CheckProjectAccess(r *http.Request, project schema.Project, minRole projectRole, db *gorm.DB) (Principal, error) {
	principal, err := PrincipalFromContext(r)
	if err != nil {
		return Principal{}, err
	}

	role, err := EffectiveProjectRole(principal, project, db)
	if err != nil {
		return principal, err
	}
	if role < minRole {
		return principal, fmt.Errorf("user %v needs role %v in project %v: %w",
			principal.UserId, projectRoleToString(minRole), project.Id, ErrAccessDenied)
	}
	return principal, nil
}

// Denied reads are indistinguishable from missing resources, denied writes
// are explicit.
func denyAccess(w http.ResponseWriter, r *http.Request, message string) {
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		utils.WriteErrorJson(w, http.StatusNotFound, "notFound", "not found")
		return
	}
	utils.WriteErrorJson(w, http.StatusForbidden, "forbidden", message)
}
