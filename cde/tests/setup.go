package tests

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"octopus/cde/auth"
	"octopus/cde/jobs"
	"octopus/cde/oauth"
	"octopus/cde/schema"
	"octopus/cde/services"
	"octopus/cde/storage"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const testIfc = `ISO-10303-21;
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
	fail bool
}

func (c *stubConverter) ConvertWexBim(ctx context.Context, ifcPath, wexBimPath string) error {
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

type testEnv struct {
	api       chi.Router
	cde       *services.CDE
	db        *gorm.DB
	store     storage.Provider
	pool      *jobs.Pool
	sessions  *auth.SessionManager
	converter *stubConverter
}

func setupTestEnv(t *testing.T, opts services.Options) *testEnv {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatal(err)
	}

	err = db.AutoMigrate(
		&schema.User{}, &schema.Workspace{}, &schema.WorkspaceMembership{},
		&schema.Project{}, &schema.ProjectMembership{}, &schema.File{},
		&schema.FileLink{}, &schema.UploadSession{}, &schema.Model{},
		&schema.ModelVersion{}, &schema.OAuthApp{}, &schema.AuthorizationCode{},
		&schema.Job{},
	)
	if err != nil {
		t.Fatal(err)
	}

	store := storage.NewLocalDisk(t.TempDir())

	sessions := auth.NewSessionManager([]byte("session-test-secret"), time.Hour)
	provider := auth.NewDevIdentityProvider(db, sessions, auth.DevArgs{
		Subject: "dev", Email: "dev@localhost", DisplayName: "Dev",
	})
	signer := oauth.NewHS256Signer([]byte("token-test-secret"), time.Hour)
	authn := auth.NewAuthenticator(db, provider, signer)

	queue := jobs.NewDbQueue(db, jobs.DbQueueArgs{
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
		StaleAfter:  time.Minute,
	})

	converter := &stubConverter{}
	pipeline := jobs.NewPipeline(db, store, converter, jobs.NewBroadcaster())

	// The pool is never started, tests drain the queue on their own
	// goroutine so processing is deterministic.
	pool := jobs.NewPool(queue, 1, time.Millisecond, nil)
	pipeline.Register(pool)

	cde := services.NewCDE(db, store, queue, signer, authn, opts)

	return &testEnv{
		api:       cde.Routes(),
		cde:       cde,
		db:        db,
		store:     store,
		pool:      pool,
		sessions:  sessions,
		converter: converter,
	}
}

// drainJobs runs queued pipeline jobs until none are due. Retry backoff is
// milliseconds in tests, so failed jobs are retried within the deadline.
func (e *testEnv) drainJobs(t *testing.T) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := e.pool.Drain(context.Background()); err != nil {
			t.Fatal(err)
		}

		var due int64
		err := e.db.Model(&schema.Job{}).Where("status IN ?", []string{schema.JobQueued, schema.JobRunning}).Count(&due).Error
		if err != nil {
			t.Fatal(err)
		}
		if due == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("queue did not drain")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// newUser provisions a user row and returns a client authenticated as them.
func (e *testEnv) newUser(t *testing.T, name string) client {
	user, err := auth.ProvisionUser(name, name+"@mail.com", name, e.db)
	if err != nil {
		t.Fatal(err)
	}

	token, err := e.sessions.CreateSession(name, name+"@mail.com", name)
	if err != nil {
		t.Fatal(err)
	}

	return client{api: e.api, authToken: token, userId: user.Id}
}

func (e *testEnv) anonymous() client {
	return client{api: e.api}
}

// newWorkspace is the common fixture: a workspace owned by the given client
// with one project inside it.
func (e *testEnv) newWorkspace(t *testing.T, owner client, name string) (uuid.UUID, uuid.UUID) {
	workspaceId, err := owner.createWorkspace(name, nil)
	if err != nil {
		t.Fatal(err)
	}
	projectId, err := owner.createProject(workspaceId, name+"-project")
	if err != nil {
		t.Fatal(err)
	}
	return workspaceId, projectId
}
