package config

import (
	"strings"
	"testing"
)

func TestValidationError_Error(t *testing.T) {
	err := ValidationError{
		Field:   "peasant.max_bounces",
		Value:   -1,
		Message: "must be non-negative",
	}

	expected := "peasant.max_bounces: must be non-negative (got: -1)"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestValidationErrors_Error(t *testing.T) {
	t.Run("empty errors", func(t *testing.T) {
		var errs ValidationErrors
		if errs.Error() != "" {
			t.Errorf("Error() for empty = %q, want empty string", errs.Error())
		}
	})

	t.Run("multiple errors", func(t *testing.T) {
		errs := ValidationErrors{
			{Field: "field1", Value: "bad", Message: "is invalid"},
			{Field: "field2", Value: -1, Message: "must be positive"},
		}
		result := errs.Error()
		if !strings.Contains(result, "2 validation errors") {
			t.Errorf("Error() should mention 2 errors: %s", result)
		}
		if !strings.Contains(result, "field1") || !strings.Contains(result, "field2") {
			t.Errorf("Error() should mention both fields: %s", result)
		}
	})
}

func TestConfig_Validate_DefaultConfig(t *testing.T) {
	if errs := Default().Validate(); len(errs) != 0 {
		t.Errorf("Default config should be valid, got %d errors: %v", len(errs), errs)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"unknown backend", func(c *Config) { c.Agents["claude"] = AgentConfig{Backend: "gpt"} }, "agents.claude.backend"},
		{"no agents", func(c *Config) { c.Agents = nil; c.Council.Members = nil }, "agents"},
		{"undeclared member", func(c *Config) { c.Council.Members = []string{"claude", "ghost"} }, "council.members[1]"},
		{"duplicate member", func(c *Config) { c.Council.Members = []string{"claude", "claude"} }, "council.members[1]"},
		{"zero council timeout", func(c *Config) { c.Council.Timeout = 0 }, "council.timeout"},
		{"zero review timeout", func(c *Config) { c.Council.ReviewTimeout = 0 }, "council.review_timeout"},
		{"bad diff scope", func(c *Config) { c.Council.DiffScope = "everything" }, "council.diff_scope"},
		{"negative parallel", func(c *Config) { c.Council.MaxParallel = -1 }, "council.max_parallel"},
		{"undeclared peasant agent", func(c *Config) { c.Peasant.Agent = "ghost" }, "peasant.agent"},
		{"zero iterations", func(c *Config) { c.Peasant.MaxIterations = 0 }, "peasant.max_iterations"},
		{"zero peasant timeout", func(c *Config) { c.Peasant.Timeout = 0 }, "peasant.timeout"},
		{"negative bounces", func(c *Config) { c.Peasant.MaxBounces = -1 }, "peasant.max_bounces"},
		{"zero poll interval", func(c *Config) { c.Peasant.PollInterval = 0 }, "peasant.poll_interval"},
		{"zero failure limit", func(c *Config) { c.Peasant.MaxConsecutiveFailures = 0 }, "peasant.max_consecutive_failures"},
		{"empty gate command", func(c *Config) { c.QualityGates[0].Command = "  " }, "quality_gates[0].command"},
		{"empty gate name", func(c *Config) { c.QualityGates[1].Name = "" }, "quality_gates[1].name"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"negative log size", func(c *Config) { c.Logging.MaxSizeMB = -1 }, "logging.max_size_mb"},
		{"negative backups", func(c *Config) { c.Logging.MaxBackups = -2 }, "logging.max_backups"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)

			found := false
			for _, err := range cfg.Validate() {
				if err.Field == tt.field {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("Validate() did not report %s; got %v", tt.field, cfg.Validate())
			}
		})
	}
}

func TestConfig_Validate_UppercaseLevelAccepted(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "DEBUG"
	for _, err := range cfg.Validate() {
		if err.Field == "logging.level" {
			t.Errorf("uppercase level should be accepted: %v", err)
		}
	}
}
