package integrationtests

import (
	"bytes"
	"strings"
	"testing"
)

func TestWorkspaceProjectLifecycle(t *testing.T) {
	c := getClient(t)

	name := randomName("workspace")
	workspace, err := c.CreateWorkspace(name, "lifecycle test")
	if err != nil {
		t.Fatal(err)
	}

	info, err := workspace.GetWorkspace()
	if err != nil {
		t.Fatal(err)
	}
	if info.Name != name {
		t.Fatalf("workspace name is %v, expected %v", info.Name, name)
	}

	project, err := workspace.CreateProject(randomName("project"), "model home")
	if err != nil {
		t.Fatal(err)
	}

	projects, err := workspace.ListProjects()
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, p := range projects {
		if p.Id == project.Id() {
			found = true
		}
	}
	if !found {
		t.Fatalf("project %v is missing from the workspace listing", project.Id())
	}

	usage, err := workspace.Usage()
	if err != nil {
		t.Fatal(err)
	}
	if usage.UsedBytes != 0 {
		t.Fatalf("fresh workspace reports %v used bytes", usage.UsedBytes)
	}
}

func TestFileUploadAndDownload(t *testing.T) {
	c := getClient(t)
	workspace, project := newProject(t, c)

	file, err := project.UploadFile("tower.ifc", "application/x-step", strings.NewReader(sampleIfc))
	if err != nil {
		t.Fatal(err)
	}

	if file.SizeBytes != int64(len(sampleIfc)) {
		t.Fatalf("uploaded %v bytes, file row says %v", len(sampleIfc), file.SizeBytes)
	}
	if file.Kind != "source" || file.Category != "ifc" {
		t.Fatalf("upload classified as %v/%v", file.Kind, file.Category)
	}
	if file.Checksum == "" {
		t.Fatal("committed file has no checksum")
	}

	content, err := c.File(file.Id).Content()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(content, []byte(sampleIfc)) {
		t.Fatal("downloaded bytes differ from the upload")
	}

	usage, err := workspace.Usage()
	if err != nil {
		t.Fatal(err)
	}
	if usage.UsedBytes != file.SizeBytes {
		t.Fatalf("workspace usage is %v, expected %v", usage.UsedBytes, file.SizeBytes)
	}

	files, err := project.ListFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Id != file.Id {
		t.Fatalf("project listing does not show the uploaded file: %v", files)
	}
}
