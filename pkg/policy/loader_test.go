package policy

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func loadOne(t *testing.T, loader *Loader, path string) *Policy {
	t.Helper()
	policies, err := loader.LoadFromPaths(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected one policy, got %d", len(policies))
	}
	return &policies[0]
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "pin-legacy.rego")

	regoContent := `# Keeps legacy projects on their framework.
# severity: warning

package projup.custom.pin

deny[msg] {
	input.project.name == "Legacy"
	msg := "Legacy is pinned"
}`
	if err := os.WriteFile(policyFile, []byte(regoContent), 0o644); err != nil {
		t.Fatalf("Failed to write test file: %v", err)
	}

	policy := loadOne(t, loader, policyFile)

	if policy.Name != "pin-legacy" {
		t.Errorf("Expected name 'pin-legacy', got '%s'", policy.Name)
	}
	if policy.Description != "Keeps legacy projects on their framework." {
		t.Errorf("unexpected description %q", policy.Description)
	}
	if policy.Severity != SeverityWarning {
		t.Errorf("expected warning severity, got %s", policy.Severity)
	}
	if !policy.Enabled || policy.Source != policyFile {
		t.Errorf("unexpected policy %+v", policy)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))

	tmpDir := t.TempDir()
	policyFile := filepath.Join(tmpDir, "freeze.json")

	data, err := json.Marshal(map[string]interface{}{
		"description": "Freezes everything",
		"rego":        "package projup.freeze\n\ndeny[msg] { msg := \"frozen\" }",
		"enabled":     true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(policyFile, data, 0o644); err != nil {
		t.Fatal(err)
	}

	loaded := loadOne(t, loader, policyFile)
	if loaded.Name != "freeze" || loaded.Severity != SeverityError {
		t.Errorf("expected name and severity defaults, got %+v", loaded)
	}
}

func TestLoadFromPaths_Directory(t *testing.T) {
	loader := NewLoader(zerolog.Nop())
	dir := t.TempDir()

	files := map[string]string{
		"a.rego":        "package a\n\ndeny[msg] { false; msg := \"a\" }",
		"nested/b.rego": "package b\n\ndeny[msg] { false; msg := \"b\" }",
		"README.md":     "not a policy",
	}
	for name, content := range files {
		path := filepath.Join(dir, name)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("LoadFromPaths: %v", err)
	}
	if len(policies) != 2 {
		t.Fatalf("expected 2 policies, got %d", len(policies))
	}

	eng, err := NewEngine(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.LoadDir(context.Background(), dir); err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if _, err := eng.GetPolicy("b"); err != nil {
		t.Errorf("expected nested policy to be loaded: %v", err)
	}
}

func TestLoadFromPaths_Errors(t *testing.T) {
	loader := NewLoader(zerolog.Nop())

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Error("expected a missing path to fail")
	}

	dir := t.TempDir()
	readme := filepath.Join(dir, "README.md")
	if err := os.WriteFile(readme, []byte("not a policy"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.LoadFromPaths(context.Background(), []string{readme}); err == nil {
		t.Error("expected a file named explicitly with an unknown extension to fail")
	}

	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := loader.LoadFromPaths(context.Background(), []string{dir}); err == nil {
		t.Error("expected a malformed policy file to fail the load")
	}
}

func TestExtractHeader(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		wantDesc string
		wantSev  Severity
	}{
		{name: "none", content: "package x\n", wantDesc: "", wantSev: SeverityError},
		{name: "multi line", content: "# One.\n# Two.\npackage x\n# later", wantDesc: "One. Two.", wantSev: SeverityError},
		{name: "severity", content: "# severity: info\npackage x", wantDesc: "", wantSev: SeverityInfo},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			desc, sev := extractHeader(tt.content)
			if desc != tt.wantDesc || sev != tt.wantSev {
				t.Errorf("expected (%q, %s), got (%q, %s)", tt.wantDesc, tt.wantSev, desc, sev)
			}
		})
	}
}
