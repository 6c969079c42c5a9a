package cli

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/valter-silva-au/agent-army/pkg/models"
)

func TestExportCmd(t *testing.T) {
	withArmy(t, 3)
	origWrite := exportWrite
	defer func() { exportWrite = origWrite }()
	exportWrite = ""

	p := registerProject(t, "docs")
	mustEnqueue(t, p.ID, models.TaskSpec{Title: "Write the README", Blocking: true})

	out := captureStdout(t, func() {
		if err := exportCmd.RunE(exportCmd, []string{p.ID}); err != nil {
			t.Fatalf("export: %v", err)
		}
	})
	if !strings.Contains(out, "Write the README") {
		t.Errorf("projection missing task:\n%s", out)
	}

	exportWrite = filepath.Join(t.TempDir(), "out.md")
	captureStdout(t, func() {
		if err := exportCmd.RunE(exportCmd, []string{p.ID}); err != nil {
			t.Fatalf("export --write: %v", err)
		}
	})
	data, err := os.ReadFile(exportWrite)
	if err != nil {
		t.Fatalf("reading export: %v", err)
	}
	if string(data) != out {
		t.Error("written projection differs from stdout projection")
	}
}

func TestExportCmd_UnknownProject(t *testing.T) {
	withArmy(t, 3)
	if err := exportCmd.RunE(exportCmd, []string{"proj-missing"}); err == nil {
		t.Fatal("expected error for an unknown project")
	}
}
