package schema

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Workspace roles ordered by power: guest < member < admin < owner.
const (
	RoleGuest  = "guest"
	RoleMember = "member"
	RoleAdmin  = "admin"
	RoleOwner  = "owner"
)

// Project roles ordered by power: viewer < editor < project_admin.
const (
	RoleViewer       = "viewer"
	RoleEditor       = "editor"
	RoleProjectAdmin = "project_admin"
)

// Upload session states. Committed, Expired, and Failed are terminal.
const (
	UploadReserved  = "reserved"
	UploadUploading = "uploading"
	UploadCommitted = "committed"
	UploadExpired   = "expired"
	UploadFailed    = "failed"
)

// Model version statuses. Ready is terminal, failed versions may be picked
// up again by a retried job.
const (
	VersionPending    = "pending"
	VersionProcessing = "processing"
	VersionReady      = "ready"
	VersionFailed     = "failed"
)

const (
	KindSource   = "source"
	KindArtifact = "artifact"
)

const (
	CategoryIfc        = "ifc"
	CategoryWexBim     = "wexbim"
	CategoryProperties = "properties"
	CategoryThumbnail  = "thumbnail"
	CategoryLog        = "log"
	CategoryOther      = "other"
)

const (
	LinkDerivedFrom  = "derived_from"
	LinkThumbnailOf  = "thumbnail_of"
	LinkPropertiesOf = "properties_of"
	LinkLogOf        = "log_of"
)

const (
	ClientPublic       = "public"
	ClientConfidential = "confidential"
)

// Outbox job statuses. Completed jobs are deleted, Failed is terminal and
// kept for inspection.
const (
	JobQueued  = "queued"
	JobRunning = "running"
	JobFailed  = "failed"
)

type User struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	// Opaque identifier from the authentication principal. Stable across logins.
	Subject     string `gorm:"unique;size:254;not null"`
	Email       string `gorm:"size:254"`
	DisplayName string `gorm:"size:254"`

	CreatedAt time.Time
}

type Workspace struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	Name        string `gorm:"size:100;not null"`
	Description string `gorm:"size:500"`

	// Nil means the server-wide default quota applies.
	QuotaBytes *int64

	CreatedAt time.Time
	UpdatedAt time.Time

	Members  []WorkspaceMembership `gorm:"constraint:OnDelete:CASCADE"`
	Projects []Project             `gorm:"constraint:OnDelete:CASCADE"`
	Apps     []OAuthApp            `gorm:"constraint:OnDelete:CASCADE"`
}

type WorkspaceMembership struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	WorkspaceId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_workspace_member"`
	UserId      uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_workspace_member"`
	Role        string    `gorm:"size:20;not null"`

	CreatedAt time.Time

	User      *User      `gorm:"constraint:OnDelete:CASCADE"`
	Workspace *Workspace `gorm:"constraint:OnDelete:CASCADE"`
}

type Project struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	WorkspaceId uuid.UUID `gorm:"type:uuid;not null;index"`
	Name        string    `gorm:"size:100;not null"`
	Description string    `gorm:"size:500"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Workspace *Workspace          `gorm:"constraint:OnDelete:CASCADE"`
	Members   []ProjectMembership `gorm:"constraint:OnDelete:CASCADE"`
}

type ProjectMembership struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_project_member"`
	UserId    uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_project_member"`
	Role      string    `gorm:"size:20;not null"`

	CreatedAt time.Time

	User    *User    `gorm:"constraint:OnDelete:CASCADE"`
	Project *Project `gorm:"constraint:OnDelete:CASCADE"`
}

type File struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId   uuid.UUID `gorm:"type:uuid;not null;index"`
	Name        string    `gorm:"size:500;not null"`
	ContentType string    `gorm:"size:100"`
	SizeBytes   int64     `gorm:"not null"`

	// Hex-encoded SHA-256, empty if the uploader never declared one.
	Checksum string `gorm:"size:64"`

	Kind     string `gorm:"size:20;not null"`
	Category string `gorm:"size:20;not null"`

	StorageProvider string `gorm:"size:50;not null;uniqueIndex:idx_file_storage"`
	StorageKey      string `gorm:"size:1000;not null;uniqueIndex:idx_file_storage"`

	IsDeleted bool `gorm:"not null;default:false"`

	CreatedBy uuid.UUID `gorm:"type:uuid"`
	CreatedAt time.Time
	DeletedAt *time.Time

	Project *Project `gorm:"constraint:OnDelete:CASCADE"`
}

type FileLink struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	SourceFileId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_file_link"`
	TargetFileId uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_file_link"`
	LinkType     string    `gorm:"size:20;not null;uniqueIndex:idx_file_link"`

	CreatedAt time.Time

	SourceFile *File `gorm:"foreignKey:SourceFileId;constraint:OnDelete:RESTRICT"`
	TargetFile *File `gorm:"foreignKey:TargetFileId;constraint:OnDelete:RESTRICT"`
}

type UploadSession struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId   uuid.UUID `gorm:"type:uuid;not null;index"`
	FileName    string    `gorm:"size:500;not null"`
	ContentType string    `gorm:"size:100"`

	// Nil means the uploader did not declare a size up front.
	ExpectedSizeBytes *int64

	Status          string     `gorm:"size:20;not null"`
	TempStorageKey  string     `gorm:"size:1000"`
	CommittedFileId *uuid.UUID `gorm:"type:uuid"`

	CreatedBy uuid.UUID `gorm:"type:uuid"`
	CreatedAt time.Time
	UpdatedAt time.Time
	ExpiresAt time.Time `gorm:"not null;index"`

	Project       *Project `gorm:"constraint:OnDelete:CASCADE"`
	CommittedFile *File    `gorm:"foreignKey:CommittedFileId"`
}

type Model struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ProjectId   uuid.UUID `gorm:"type:uuid;not null;index"`
	Name        string    `gorm:"size:100;not null"`
	Description string    `gorm:"size:500"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Project  *Project       `gorm:"constraint:OnDelete:CASCADE"`
	Versions []ModelVersion `gorm:"constraint:OnDelete:CASCADE"`
}

type ModelVersion struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	ModelId       uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_model_version"`
	VersionNumber int       `gorm:"not null;uniqueIndex:idx_model_version"`

	IfcFileId        uuid.UUID  `gorm:"type:uuid;not null"`
	WexBimFileId     *uuid.UUID `gorm:"type:uuid"`
	PropertiesFileId *uuid.UUID `gorm:"type:uuid"`

	Status       string `gorm:"size:20;not null"`
	ErrorMessage string

	CreatedBy   uuid.UUID `gorm:"type:uuid"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time

	Model          *Model `gorm:"constraint:OnDelete:CASCADE"`
	IfcFile        *File  `gorm:"foreignKey:IfcFileId"`
	WexBimFile     *File  `gorm:"foreignKey:WexBimFileId"`
	PropertiesFile *File  `gorm:"foreignKey:PropertiesFileId"`
}

type OAuthApp struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	WorkspaceId uuid.UUID `gorm:"type:uuid;not null;index"`
	Name        string    `gorm:"size:100;not null"`

	ClientId string `gorm:"unique;size:100;not null"`

	// PBKDF2-SHA256 digest and parameters, empty for public clients.
	ClientSecretHash []byte
	ClientSecretSalt []byte
	ClientSecretIter int

	ClientType string `gorm:"size:20;not null"`

	// Space separated. URIs cannot contain spaces, scopes are single tokens.
	RedirectUris  string `gorm:"size:2000;not null"`
	AllowedScopes string `gorm:"size:1000"`

	IsEnabled bool `gorm:"not null;default:true"`

	CreatedAt time.Time
	UpdatedAt time.Time

	Workspace *Workspace `gorm:"constraint:OnDelete:CASCADE"`
}

func (a *OAuthApp) RedirectUriList() []string {
	return strings.Fields(a.RedirectUris)
}

func (a *OAuthApp) AllowedScopeList() []string {
	return strings.Fields(a.AllowedScopes)
}

type AuthorizationCode struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	// Hex-encoded SHA-256 of the issued code. The code itself is never stored.
	CodeHash string `gorm:"unique;size:64;not null"`

	OAuthAppId  uuid.UUID `gorm:"type:uuid;not null;index"`
	UserId      uuid.UUID `gorm:"type:uuid;not null"`
	WorkspaceId uuid.UUID `gorm:"type:uuid;not null"`

	Scopes      string `gorm:"size:1000"`
	RedirectUri string `gorm:"size:1000;not null"`

	CodeChallenge       string `gorm:"size:128"`
	CodeChallengeMethod string `gorm:"size:10"`

	CreatedAt time.Time
	ExpiresAt time.Time `gorm:"not null"`
	IsUsed    bool      `gorm:"not null;default:false"`
	UsedAt    *time.Time

	OAuthApp *OAuthApp `gorm:"constraint:OnDelete:CASCADE"`
	User     *User     `gorm:"constraint:OnDelete:CASCADE"`
}

func (c *AuthorizationCode) ScopeList() []string {
	return strings.Fields(c.Scopes)
}

// Job is the durable outbox row behind the processing queue. Enqueueing in
// the same transaction as the domain write guarantees readers never observe
// a pending version without its jobs, or an orphan job without its version.
type Job struct {
	Id uuid.UUID `gorm:"type:uuid;primaryKey"`

	JobType string `gorm:"size:50;not null"`
	Payload string `gorm:"not null"`

	Status      string `gorm:"size:20;not null;index"`
	Attempt     int    `gorm:"not null;default:0"`
	MaxAttempts int    `gorm:"not null"`

	// Earliest time a worker may claim the job. Retry backoff pushes it out.
	AvailableAt time.Time `gorm:"not null;index"`

	EnqueuedAt time.Time
	UpdatedAt  time.Time
	LastError  string
}
