package integrationtests

import (
	"log/slog"
	"os"
	"testing"

	"octopus/client"

	"github.com/google/uuid"
)

const sampleIfc = `ISO-10303-21;
HEADER;
FILE_SCHEMA(('IFC4'));
ENDSEC;
DATA;
#10=IFCWALLSTANDARDCASE('3vB2YO$MX4xv5uCqZZG05x',$,'Basement Wall',$,$,$,$,'W-01');
#20=IFCPROPERTYSINGLEVALUE('FireRating',$,IFCLABEL('REI120'),$);
#30=IFCPROPERTYSET('2iJ9Z3cSnEJuBPZdtlBIaV',$,'Pset_WallCommon',$,(#20));
#40=IFCRELDEFINESBYPROPERTIES('1kTURuoeHEYAvueEAuOdmH',$,$,$,(#10),#30);
ENDSEC;
END-ISO-10303-21;
`

// baseUrl returns the server under test, skipping when none is configured so
// the package stays quiet in unit test runs.
func baseUrl(t *testing.T) string {
	url := os.Getenv("OCTOPUS_URL")
	if url == "" {
		t.Skip("OCTOPUS_URL is not set, integration tests need a running server")
	}
	return url
}

func getClient(t *testing.T) *client.OctopusClient {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	return client.New(baseUrl(t))
}

func randomName(base string) string {
	return base + "-" + uuid.New().String()
}

func newProject(t *testing.T, c *client.OctopusClient) (*client.WorkspaceClient, *client.ProjectClient) {
	workspace, err := c.CreateWorkspace(randomName("workspace"), "integration test workspace")
	if err != nil {
		t.Fatal(err)
	}

	project, err := workspace.CreateProject(randomName("project"), "")
	if err != nil {
		t.Fatal(err)
	}

	return workspace, project
}
