package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAdditionalMountsMissingFileIsEmpty(t *testing.T) {
	mounts, err := loadAdditionalMounts(t.TempDir(), "main")
	if err != nil {
		t.Fatalf("loadAdditionalMounts: %v", err)
	}
	if len(mounts) != 0 {
		t.Errorf("expected no additional mounts, got %+v", mounts)
	}
}

func TestLoadAdditionalMountsParsesDeclaredEntries(t *testing.T) {
	groupsDir := t.TempDir()
	folder := filepath.Join(groupsDir, "main")
	if err := os.MkdirAll(folder, 0o755); err != nil {
		t.Fatal(err)
	}
	decl := `[{"HostPath":"/srv/shared","ContainerPath":"/shared","ReadOnly":true}]`
	if err := os.WriteFile(filepath.Join(folder, ".andy-mounts.json"), []byte(decl), 0o644); err != nil {
		t.Fatal(err)
	}

	mounts, err := loadAdditionalMounts(groupsDir, "main")
	if err != nil {
		t.Fatalf("loadAdditionalMounts: %v", err)
	}
	if len(mounts) != 1 || mounts[0].HostPath != "/srv/shared" || !mounts[0].ReadOnly {
		t.Errorf("mounts = %+v", mounts)
	}
}
