package config

import (
	"fmt"
	"slices"
	"strings"
)

// ValidationError represents a single validation failure
type ValidationError struct {
	Field   string // The config field path (e.g., "peasant.max_bounces")
	Value   any    // The invalid value
	Message string // Human-readable error description
}

// Error implements the error interface for ValidationError
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface for ValidationErrors
func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidBackends returns the backend identifiers Kingdom can drive.
func ValidBackends() []string {
	return []string{"claude", "codex"}
}

// ValidLogLevels returns the list of valid log levels
func ValidLogLevels() []string {
	return []string{"debug", "info", "warn", "error"}
}

// ValidDiffScopes returns the accepted council.diff_scope values
func ValidDiffScopes() []string {
	return []string{DiffScopeCumulative, DiffScopeLatest}
}

// Validate checks the Config for invalid values and returns all validation errors found
func (c *Config) Validate() []ValidationError {
	var errors []ValidationError
	errors = append(errors, c.validateAgents()...)
	errors = append(errors, c.validateCouncil()...)
	errors = append(errors, c.validatePeasant()...)
	errors = append(errors, c.validateGates()...)
	errors = append(errors, c.validateLogging()...)
	return errors
}

func (c *Config) validateAgents() []ValidationError {
	var errors []ValidationError

	if len(c.Agents) == 0 {
		errors = append(errors, ValidationError{
			Field:   "agents",
			Value:   "",
			Message: "at least one agent must be configured",
		})
	}
	for _, name := range c.AgentNames() {
		a := c.Agents[name]
		if !slices.Contains(ValidBackends(), a.Backend) {
			errors = append(errors, ValidationError{
				Field:   "agents." + name + ".backend",
				Value:   a.Backend,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidBackends(), ", ")),
			})
		}
	}
	return errors
}

func (c *Config) validateCouncil() []ValidationError {
	var errors []ValidationError

	seen := make(map[string]bool)
	for i, m := range c.Council.Members {
		field := fmt.Sprintf("council.members[%d]", i)
		if _, ok := c.Agents[m]; !ok {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   m,
				Message: "is not declared under agents",
			})
		}
		if seen[m] {
			errors = append(errors, ValidationError{
				Field:   field,
				Value:   m,
				Message: "duplicate council member",
			})
		}
		seen[m] = true
	}

	if c.Council.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "council.timeout",
			Value:   c.Council.Timeout,
			Message: "must be positive",
		})
	}
	if c.Council.ReviewTimeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "council.review_timeout",
			Value:   c.Council.ReviewTimeout,
			Message: "must be positive",
		})
	}
	if !slices.Contains(ValidDiffScopes(), c.Council.DiffScope) {
		errors = append(errors, ValidationError{
			Field:   "council.diff_scope",
			Value:   c.Council.DiffScope,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidDiffScopes(), ", ")),
		})
	}
	if c.Council.MaxParallel < 0 {
		errors = append(errors, ValidationError{
			Field:   "council.max_parallel",
			Value:   c.Council.MaxParallel,
			Message: "must be non-negative (0 = unlimited)",
		})
	}
	return errors
}

func (c *Config) validatePeasant() []ValidationError {
	var errors []ValidationError

	if _, ok := c.Agents[c.Peasant.Agent]; !ok {
		errors = append(errors, ValidationError{
			Field:   "peasant.agent",
			Value:   c.Peasant.Agent,
			Message: "is not declared under agents",
		})
	}
	if c.Peasant.MaxIterations < 1 {
		errors = append(errors, ValidationError{
			Field:   "peasant.max_iterations",
			Value:   c.Peasant.MaxIterations,
			Message: "must be at least 1",
		})
	}
	if c.Peasant.Timeout <= 0 {
		errors = append(errors, ValidationError{
			Field:   "peasant.timeout",
			Value:   c.Peasant.Timeout,
			Message: "must be positive",
		})
	}
	if c.Peasant.MaxBounces < 0 {
		errors = append(errors, ValidationError{
			Field:   "peasant.max_bounces",
			Value:   c.Peasant.MaxBounces,
			Message: "must be non-negative",
		})
	}
	if c.Peasant.PollInterval <= 0 {
		errors = append(errors, ValidationError{
			Field:   "peasant.poll_interval",
			Value:   c.Peasant.PollInterval,
			Message: "must be positive",
		})
	}
	if c.Peasant.MaxConsecutiveFailures < 1 {
		errors = append(errors, ValidationError{
			Field:   "peasant.max_consecutive_failures",
			Value:   c.Peasant.MaxConsecutiveFailures,
			Message: "must be at least 1",
		})
	}
	return errors
}

func (c *Config) validateGates() []ValidationError {
	var errors []ValidationError

	for i, g := range c.QualityGates {
		if strings.TrimSpace(g.Command) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("quality_gates[%d].command", i),
				Value:   g.Command,
				Message: "cannot be empty",
			})
		}
		if strings.TrimSpace(g.Name) == "" {
			errors = append(errors, ValidationError{
				Field:   fmt.Sprintf("quality_gates[%d].name", i),
				Value:   g.Name,
				Message: "cannot be empty",
			})
		}
	}
	return errors
}

func (c *Config) validateLogging() []ValidationError {
	var errors []ValidationError

	if !slices.Contains(ValidLogLevels(), strings.ToLower(c.Logging.Level)) {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Value:   c.Logging.Level,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(ValidLogLevels(), ", ")),
		})
	}
	if c.Logging.MaxSizeMB < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_size_mb",
			Value:   c.Logging.MaxSizeMB,
			Message: "must be non-negative (0 disables rotation)",
		})
	}
	if c.Logging.MaxBackups < 0 {
		errors = append(errors, ValidationError{
			Field:   "logging.max_backups",
			Value:   c.Logging.MaxBackups,
			Message: "must be non-negative",
		})
	}
	return errors
}
