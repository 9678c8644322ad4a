package config

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/projup/projup/pkg/automation"
	"github.com/projup/projup/pkg/engine"
)

func TestStarlarkHook_TargetMoniker(t *testing.T) {
	ctx := context.Background()
	legacy := engine.ProjectView{FullName: `C:\w\Legacy\Legacy.csproj`, Name: "Legacy", Dir: `C:\w\Legacy`, Kind: automation.KindProject}
	web := engine.ProjectView{FullName: `C:\w\Web\Web.csproj`, Name: "Web", Dir: `C:\w\Web`, Kind: automation.KindProject}
	def := ".NETFramework,Version=v4.5"

	tests := []struct {
		name    string
		script  string
		vars    map[string]string
		project engine.ProjectView
		want    string
		wantErr string
	}{
		{
			name: "keep default",
			script: `
def target_moniker(project, default):
    return default
`,
			project: web,
			want:    def,
		},
		{
			name: "none keeps default",
			script: `
def target_moniker(project, default):
    return None
`,
			project: web,
			want:    def,
		},
		{
			name: "pin by name",
			script: `
def target_moniker(project, default):
    if project.name == "Legacy":
        return moniker("4.0", client_profile = True)
    return default
`,
			project: legacy,
			want:    ".NETFramework,Version=v4.0,Profile=Client",
		},
		{
			name: "vars from config",
			script: `
pinned = vars.get("pinned", "").split(",")

def target_moniker(project, default):
    if project.name in pinned:
        return moniker(vars["version"])
    return default
`,
			vars:    map[string]string{"pinned": "Legacy,Tools", "version": "3.5"},
			project: legacy,
			want:    ".NETFramework,Version=v3.5",
		},
		{
			name: "wrong return type",
			script: `
def target_moniker(project, default):
    return 45
`,
			project: web,
			wantErr: "want string or None",
		},
		{
			name: "unknown version",
			script: `
def target_moniker(project, default):
    return moniker("9.9")
`,
			project: web,
			wantErr: "unsupported target framework",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hook, err := CompileStarlarkHook("hook.star", []byte(tt.script), tt.vars, time.Second, zerolog.Nop())
			if err != nil {
				t.Fatalf("CompileStarlarkHook: %v", err)
			}
			got, err := hook.TargetMoniker(ctx, tt.project, def)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("TargetMoniker: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestCompileStarlarkHook_Errors(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{name: "syntax error", script: "invalid syntax here\n", want: "starlark execution failed"},
		{name: "missing function", script: "x = 1\n", want: "does not define target_moniker"},
		{name: "not callable", script: "target_moniker = 1\n", want: "does not define target_moniker"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileStarlarkHook("hook.star", []byte(tt.script), nil, time.Second, zerolog.Nop())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestStarlarkHook_Timeout(t *testing.T) {
	script := `
def target_moniker(project, default):
    n = 0
    for i in range(100000000):
        n += i
    return default
`
	hook, err := CompileStarlarkHook("slow.star", []byte(script), nil, 50*time.Millisecond, zerolog.Nop())
	if err != nil {
		t.Fatalf("CompileStarlarkHook: %v", err)
	}

	start := time.Now()
	_, err = hook.TargetMoniker(context.Background(), engine.ProjectView{Name: "A"}, "x")
	if err == nil || !strings.Contains(err.Error(), "timeout") {
		t.Fatalf("expected timeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("expected the script to be cancelled promptly")
	}
}

func TestStarlarkHook_FrozenGlobals(t *testing.T) {
	script := `
seen = []

def target_moniker(project, default):
    seen.append(project.name)
    return default
`
	hook, err := CompileStarlarkHook("state.star", []byte(script), nil, time.Second, zerolog.Nop())
	if err != nil {
		t.Fatalf("CompileStarlarkHook: %v", err)
	}
	if _, err := hook.TargetMoniker(context.Background(), engine.ProjectView{Name: "A"}, "x"); err == nil {
		t.Error("expected mutation of a frozen global to fail")
	}
}
