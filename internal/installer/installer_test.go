package installer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestHasManifest(t *testing.T) {
	dir := t.TempDir()
	inst := New("true", time.Minute)
	if inst.HasManifest(dir) {
		t.Fatal("empty directory reported a manifest")
	}
	if err := os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if !inst.HasManifest(dir) {
		t.Fatal("manifest not detected")
	}
}

func TestInstallReportsSubprocessFailure(t *testing.T) {
	inst := New("false", time.Minute)
	if _, err := inst.Install(context.Background(), t.TempDir()); err == nil {
		t.Fatal("expected error from failing package manager")
	}
}

func TestInstallSucceeds(t *testing.T) {
	inst := New("true", time.Minute)
	if _, err := inst.Install(context.Background(), t.TempDir()); err != nil {
		t.Fatalf("Install returned error: %v", err)
	}
}

func TestInstallHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inst := New("sleep", time.Minute)
	if _, err := inst.Install(ctx, t.TempDir()); err == nil {
		t.Fatal("expected error for cancelled context")
	}
}
