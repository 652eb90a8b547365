package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeProject(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "windlass.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadProject(t *testing.T) {
	path := writeProject(t, `
app: shop
default_stage: dev
backend: file
state_path: /tmp/shop-state
logging:
  level: debug
`)
	p, err := LoadProject(path)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if p.App != "shop" || p.DefaultStage != "dev" {
		t.Errorf("project = %+v, want app shop stage dev", p)
	}
	if p.Backend != BackendFile {
		t.Errorf("Backend = %q, want file", p.Backend)
	}
	if p.StatePath != "/tmp/shop-state" {
		t.Errorf("StatePath = %q", p.StatePath)
	}
	if p.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want debug", p.Logging.Level)
	}
}

func TestLoadProjectDefaults(t *testing.T) {
	path := writeProject(t, "app: shop\n")
	p, err := LoadProject(path)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if p.Backend != BackendSQLite {
		t.Errorf("Backend = %q, want sqlite default", p.Backend)
	}
	if p.StatePath == "" {
		t.Error("StatePath not defaulted")
	}
	if p.Logging.Level != "info" {
		t.Errorf("Logging.Level = %q, want info default", p.Logging.Level)
	}
}

func TestLoadProjectMissingApp(t *testing.T) {
	path := writeProject(t, "backend: memory\n")
	if _, err := LoadProject(path); err == nil {
		t.Error("LoadProject() succeeded without app, want validation error")
	}
}

func TestLoadProjectBadBackend(t *testing.T) {
	path := writeProject(t, "app: shop\nbackend: etcd\n")
	if _, err := LoadProject(path); err == nil {
		t.Error("LoadProject() succeeded with unknown backend, want error")
	}
}

func TestLoadProjectExplicitMissingFile(t *testing.T) {
	if _, err := LoadProject(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("LoadProject() succeeded for missing explicit path, want error")
	}
}

func TestEnvOverrides(t *testing.T) {
	path := writeProject(t, "app: shop\ndefault_stage: dev\n")
	t.Setenv("WINDLASS_STAGE", "prod")
	t.Setenv("WINDLASS_BACKEND", "memory")
	t.Setenv("WINDLASS_PASSWORD", "hunter2")
	t.Setenv("WINDLASS_FORCE", "true")

	p, err := LoadProject(path)
	if err != nil {
		t.Fatalf("LoadProject() error = %v", err)
	}
	if p.Backend != BackendMemory {
		t.Errorf("Backend = %q, want env override memory", p.Backend)
	}

	opts, err := LoadRunOptions(p)
	if err != nil {
		t.Fatalf("LoadRunOptions() error = %v", err)
	}
	if opts.Stage != "prod" {
		t.Errorf("Stage = %q, want env override prod", opts.Stage)
	}
	if opts.Password != "hunter2" {
		t.Error("Password not taken from environment")
	}
	if !opts.Force {
		t.Error("Force not taken from environment")
	}
}

func TestRunOptionsRequireStage(t *testing.T) {
	p := &Project{App: "shop"}
	p.applyDefaults()
	if _, err := LoadRunOptions(p); err == nil {
		t.Error("LoadRunOptions() succeeded without stage, want error")
	}
}

func TestRunOptionsBadPhase(t *testing.T) {
	p := &Project{App: "shop", DefaultStage: "dev"}
	p.applyDefaults()
	t.Setenv("WINDLASS_PHASE", "sideways")
	if _, err := LoadRunOptions(p); err == nil {
		t.Error("LoadRunOptions() succeeded with unknown phase, want error")
	}
}

func TestOpenStoreBackends(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	tests := []struct {
		name    string
		project Project
	}{
		{"memory", Project{App: "shop", Backend: BackendMemory}},
		{"file", Project{App: "shop", Backend: BackendFile, StatePath: filepath.Join(dir, "files")}},
		{"sqlite", Project{App: "shop", Backend: BackendSQLite, StatePath: filepath.Join(dir, "state.db")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := tt.project.OpenStore(ctx, "unit")
			if err != nil {
				t.Fatalf("OpenStore() error = %v", err)
			}
			defer store.Close()

			n, err := store.Count(ctx)
			if err != nil {
				t.Fatalf("Count() error = %v", err)
			}
			if n != 0 {
				t.Errorf("Count() = %d on fresh store, want 0", n)
			}
		})
	}
}
