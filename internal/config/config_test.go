package config

import (
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Peasant.MaxBounces != 3 {
		t.Errorf("Peasant.MaxBounces = %d, want 3", cfg.Peasant.MaxBounces)
	}
	if !cfg.Peasant.ResetBouncesOnReject {
		t.Error("Peasant.ResetBouncesOnReject should be true by default")
	}
	if cfg.Council.DiffScope != DiffScopeCumulative {
		t.Errorf("Council.DiffScope = %q, want %q", cfg.Council.DiffScope, DiffScopeCumulative)
	}
	if len(cfg.QualityGates) != 2 {
		t.Errorf("QualityGates = %d entries, want 2 (tests and lint)", len(cfg.QualityGates))
	}
	if got := cfg.AgentNames(); strings.Join(got, ",") != "claude,codex" {
		t.Errorf("AgentNames() = %v", got)
	}
}

func loadYAML(t *testing.T, doc string) (*Config, error) {
	t.Helper()

	v := viper.New()
	ApplyDefaults(v)
	v.SetConfigType("yaml")
	if err := v.ReadConfig(strings.NewReader(doc)); err != nil {
		t.Fatalf("ReadConfig() error = %v", err)
	}
	return LoadFrom(v)
}

func TestLoadFrom_DefaultsOnly(t *testing.T) {
	cfg, err := loadYAML(t, "")
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Peasant.Timeout != 30*time.Minute {
		t.Errorf("Peasant.Timeout = %v, want 30m", cfg.Peasant.Timeout)
	}
	if len(cfg.QualityGates) != 2 || cfg.QualityGates[0].Command != "go test ./..." {
		t.Errorf("QualityGates = %+v", cfg.QualityGates)
	}
	if a, ok := cfg.Agent("codex"); !ok || a.Backend != "codex" {
		t.Errorf("Agent(codex) = %+v, %v", a, ok)
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := loadYAML(t, `
agents:
  reviewer:
    backend: claude
    model: opus
council:
  members: [reviewer]
  review_timeout: 90s
  diff_scope: latest
peasant:
  max_bounces: 5
  reset_bounces_on_reject: false
quality_gates:
  - name: test
    command: make test
`)
	if err != nil {
		t.Fatalf("LoadFrom() error = %v", err)
	}
	if cfg.Council.ReviewTimeout != 90*time.Second {
		t.Errorf("ReviewTimeout = %v, want 90s", cfg.Council.ReviewTimeout)
	}
	if cfg.Council.DiffScope != DiffScopeLatest {
		t.Errorf("DiffScope = %q", cfg.Council.DiffScope)
	}
	if cfg.Peasant.MaxBounces != 5 || cfg.Peasant.ResetBouncesOnReject {
		t.Errorf("Peasant = %+v", cfg.Peasant)
	}
	if r, ok := cfg.Agent("reviewer"); !ok || r.Model != "opus" {
		t.Errorf("Agent(reviewer) = %+v, %v", r, ok)
	}
	if _, ok := cfg.Agent("claude"); !ok {
		t.Error("default agents should survive alongside configured ones")
	}
	if len(cfg.QualityGates) != 1 || cfg.QualityGates[0].Command != "make test" {
		t.Errorf("QualityGates = %+v", cfg.QualityGates)
	}
}

func TestLoadFrom_UnknownMemberFails(t *testing.T) {
	_, err := loadYAML(t, "council:\n  members: [gemini]\n")
	if err == nil {
		t.Fatal("LoadFrom() should reject an undeclared council member")
	}
	var verrs ValidationErrors
	if !asValidationErrors(err, &verrs) || verrs[0].Field != "council.members[0]" {
		t.Errorf("error = %v", err)
	}
}

func asValidationErrors(err error, target *ValidationErrors) bool {
	v, ok := err.(ValidationErrors)
	if ok {
		*target = v
	}
	return ok
}

func TestConfigDir(t *testing.T) {
	t.Run("with XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "/custom/config")
		if got := ConfigDir(); got != "/custom/config/kingdom" {
			t.Errorf("ConfigDir() = %q", got)
		}
		if got := ConfigFile(); got != "/custom/config/kingdom/config.yaml" {
			t.Errorf("ConfigFile() = %q", got)
		}
	})

	t.Run("without XDG_CONFIG_HOME", func(t *testing.T) {
		t.Setenv("XDG_CONFIG_HOME", "")
		t.Setenv("HOME", "/home/king")
		want := filepath.Join("/home/king", ".config", "kingdom")
		if got := ConfigDir(); got != want {
			t.Errorf("ConfigDir() = %q, want %q", got, want)
		}
	})
}
