package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/projup/projup/pkg/automation"
	"github.com/projup/projup/pkg/engine"
)

const (
	v35       = ".NETFramework,Version=v3.5"
	v40       = ".NETFramework,Version=v4.0"
	v40Client = ".NETFramework,Version=v4.0,Profile=Client"
	v45       = ".NETFramework,Version=v4.5"
	v451      = ".NETFramework,Version=v4.5.1"
	silver    = "Silverlight,Version=v5.0"
)

func project(name string) engine.ProjectView {
	return engine.ProjectView{
		FullName: `C:\w\` + name + `\` + name + `.csproj`,
		Name:     name,
		Dir:      `C:\w\` + name,
		Kind:     automation.KindProject,
	}
}

func TestNewEngine(t *testing.T) {
	logger := zerolog.New(nil).Level(zerolog.Disabled)
	eng, err := NewEngine(context.Background(), logger)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	policies := eng.ListPolicies()
	expected := []string{FrameworkOnlyTarget, KeepClientProfile, NoDowngrade}
	if len(policies) != len(expected) {
		t.Fatalf("expected %d built-in policies, got %d", len(expected), len(policies))
	}
	for i, p := range policies {
		if p.Name != expected[i] {
			t.Errorf("expected policy %s at %d, got %s", expected[i], i, p.Name)
		}
		if p.Enabled {
			t.Errorf("built-in policy %s should be disabled by default", p.Name)
		}
	}

	if _, err := NewEngine(context.Background(), logger, "no-such-policy"); err == nil {
		t.Error("expected enabling an unknown policy to fail")
	}
}

func TestCheck_NoPoliciesAllowsEverything(t *testing.T) {
	eng, err := NewEngine(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	decision, err := eng.Check(context.Background(), engine.GuardInput{Project: project("A"), Current: v45, Target: v35})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if !decision.Allowed || len(decision.Reasons) != 0 {
		t.Errorf("expected allow, got %+v", decision)
	}
}

func TestCheck_Builtins(t *testing.T) {
	eng, err := NewEngine(context.Background(), zerolog.Nop(), NoDowngrade, KeepClientProfile, FrameworkOnlyTarget)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}

	tests := []struct {
		name        string
		current     string
		target      string
		wantAllowed bool
		wantReason  string
	}{
		{name: "upgrade", current: v40, target: v45, wantAllowed: true},
		{name: "same version", current: v45, target: v45, wantAllowed: true},
		{name: "downgrade", current: v45, target: v35, wantAllowed: false, wantReason: "no-downgrade"},
		{name: "patch downgrade", current: v451, target: v45, wantAllowed: false, wantReason: "downgraded"},
		{name: "patch upgrade", current: v45, target: v451, wantAllowed: true},
		{name: "dropping client profile only warns", current: v40Client, target: v45, wantAllowed: true},
		{name: "foreign identifier", current: silver, target: v45, wantAllowed: false, wantReason: "framework-only"},
		{name: "unknown current", current: "", target: v45, wantAllowed: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := eng.Check(context.Background(), engine.GuardInput{Project: project("A"), Current: tt.current, Target: tt.target})
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if decision.Allowed != tt.wantAllowed {
				t.Fatalf("expected allowed=%v, got %+v", tt.wantAllowed, decision)
			}
			if tt.wantReason != "" && !strings.Contains(strings.Join(decision.Reasons, ";"), tt.wantReason) {
				t.Errorf("expected a reason mentioning %q, got %v", tt.wantReason, decision.Reasons)
			}
		})
	}
}

func TestEvaluate_Warnings(t *testing.T) {
	eng, err := NewEngine(context.Background(), zerolog.Nop(), KeepClientProfile)
	if err != nil {
		t.Fatal(err)
	}

	result, err := eng.Evaluate(context.Background(), Input{Project: project("A"), Current: v40Client, Target: v45})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !result.Allowed || len(result.Warnings) != 1 || len(result.Violations) != 0 {
		t.Fatalf("expected one warning, got %+v", result)
	}
	if result.Warnings[0].Project != `C:\w\A\A.csproj` || !strings.Contains(result.Warnings[0].Message, "client profile") {
		t.Errorf("unexpected warning %+v", result.Warnings[0])
	}
	if len(result.EvaluatedPolicies) != 1 || result.EvaluatedPolicies[0] != KeepClientProfile {
		t.Errorf("unexpected evaluated policies %v", result.EvaluatedPolicies)
	}
}

func TestLoad_CustomPolicy(t *testing.T) {
	eng, err := NewEngine(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	custom := Policy{
		Name:     "pin-legacy",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package projup.custom.pin

import rego.v1

deny contains msg if {
	input.project.name == "Legacy"
	msg := sprintf("%s is pinned", [input.project.name])
}
`,
	}
	if err := eng.Load(context.Background(), []Policy{custom}); err != nil {
		t.Fatalf("Load: %v", err)
	}

	decision, err := eng.Check(context.Background(), engine.GuardInput{Project: project("Legacy"), Current: v40, Target: v45})
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allowed || len(decision.Reasons) != 1 || decision.Reasons[0] != "pin-legacy: Legacy is pinned" {
		t.Errorf("expected Legacy denied, got %+v", decision)
	}

	decision, err = eng.Check(context.Background(), engine.GuardInput{Project: project("Web"), Current: v40, Target: v45})
	if err != nil || !decision.Allowed {
		t.Errorf("expected Web allowed, got %+v (%v)", decision, err)
	}

	if err := eng.DisablePolicy("pin-legacy"); err != nil {
		t.Fatal(err)
	}
	decision, err = eng.Check(context.Background(), engine.GuardInput{Project: project("Legacy"), Current: v40, Target: v45})
	if err != nil || !decision.Allowed {
		t.Errorf("expected disabled policy to allow, got %+v (%v)", decision, err)
	}
}

func TestLoad_InvalidPolicy(t *testing.T) {
	eng, err := NewEngine(context.Background(), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	err = eng.Load(context.Background(), []Policy{{Name: "broken", Rego: "package broken\n\ndeny contains {", Enabled: true}})
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Errorf("expected compile error, got %v", err)
	}
	if _, err := eng.GetPolicy("broken"); err == nil {
		t.Error("a policy that failed to compile must not be stored")
	}
}

func TestCheck_GuardsEngineRetarget(t *testing.T) {
	eng, err := NewEngine(context.Background(), zerolog.Nop(), NoDowngrade)
	if err != nil {
		t.Fatal(err)
	}

	var guard engine.RetargetGuard = eng
	decision, err := guard.Check(context.Background(), engine.GuardInput{Project: project("A"), Current: v451, Target: v40})
	if err != nil {
		t.Fatal(err)
	}
	if decision.Allowed {
		t.Error("expected downgrade to be denied through the engine interface")
	}
}
