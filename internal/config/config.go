package config

import (
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete Kingdom configuration
type Config struct {
	Agents       map[string]AgentConfig `mapstructure:"agents"`
	Council      CouncilConfig          `mapstructure:"council"`
	Peasant      PeasantConfig          `mapstructure:"peasant"`
	QualityGates []GateConfig           `mapstructure:"quality_gates"`
	Logging      LoggingConfig          `mapstructure:"logging"`
	Branch       BranchConfig           `mapstructure:"branch"`
}

// AgentConfig describes how to run one named agent.
type AgentConfig struct {
	// Backend selects the CLI wire format: "claude" or "codex"
	Backend string `mapstructure:"backend"`
	// Command overrides the executable name (default: the backend name)
	Command string `mapstructure:"command"`
	// Model is passed through to the backend CLI when non-empty
	Model string `mapstructure:"model"`
	// ExtraArgs are appended to every invocation
	ExtraArgs []string `mapstructure:"extra_args"`
}

// CouncilConfig controls advisory consultations and reviews
type CouncilConfig struct {
	// Members are agent names consulted by `council ask` and reviews
	Members []string `mapstructure:"members"`
	// Timeout bounds a single ask per member
	Timeout time.Duration `mapstructure:"timeout"`
	// ReviewTimeout bounds the whole review wait in awaiting_council
	ReviewTimeout time.Duration `mapstructure:"review_timeout"`
	// DiffScope is "cumulative" (since session start) or "latest" (since the
	// previous review's HEAD)
	DiffScope string `mapstructure:"diff_scope"`
	// MaxParallel caps concurrent member invocations (0 means all at once)
	MaxParallel int `mapstructure:"max_parallel"`
}

// PeasantConfig controls the harness loop
type PeasantConfig struct {
	// Agent is the default agent for `peasant start`
	Agent string `mapstructure:"agent"`
	// MaxIterations escalates to the King after this many iterations
	MaxIterations int `mapstructure:"max_iterations"`
	// Timeout bounds a single agent invocation
	Timeout time.Duration `mapstructure:"timeout"`
	// MaxBounces is the number of BLOCKING council rounds before escalation
	MaxBounces int `mapstructure:"max_bounces"`
	// ResetBouncesOnReject zeroes review_bounce_count when the King rejects
	ResetBouncesOnReject bool `mapstructure:"reset_bounces_on_reject"`
	// PollInterval is the fallback poll period while blocked
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// MaxConsecutiveFailures escalates after this many hard agent failures in a row
	MaxConsecutiveFailures int `mapstructure:"max_consecutive_failures"`
}

// GateConfig is one quality gate command run through `sh -c`
type GateConfig struct {
	Name    string `mapstructure:"name"`
	Command string `mapstructure:"command"`
}

// LoggingConfig controls harness log files
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// MaxSizeMB is the maximum log file size in megabytes before rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of backup log files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
}

// BranchConfig controls which branch directory state lives under
type BranchConfig struct {
	// Feature overrides the detected git branch (empty means detect)
	Feature string `mapstructure:"feature"`
}

// Diff scope values
const (
	DiffScopeCumulative = "cumulative"
	DiffScopeLatest     = "latest"
)

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Agents: map[string]AgentConfig{
			"claude": {Backend: "claude"},
			"codex":  {Backend: "codex"},
		},
		Council: CouncilConfig{
			Members:       []string{"claude", "codex"},
			Timeout:       10 * time.Minute,
			ReviewTimeout: 15 * time.Minute,
			DiffScope:     DiffScopeCumulative,
			MaxParallel:   0,
		},
		Peasant: PeasantConfig{
			Agent:                  "claude",
			MaxIterations:          50,
			Timeout:                30 * time.Minute,
			MaxBounces:             3,
			ResetBouncesOnReject:   true,
			PollInterval:           2 * time.Second,
			MaxConsecutiveFailures: 3,
		},
		QualityGates: []GateConfig{
			{Name: "test", Command: "go test ./..."},
			{Name: "lint", Command: "go vet ./..."},
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with the global viper instance
func SetDefaults() {
	ApplyDefaults(viper.GetViper())
}

// ApplyDefaults registers default values on v
func ApplyDefaults(v *viper.Viper) {
	defaults := Default()

	for name, a := range defaults.Agents {
		v.SetDefault("agents."+name+".backend", a.Backend)
	}

	v.SetDefault("council.members", defaults.Council.Members)
	v.SetDefault("council.timeout", defaults.Council.Timeout)
	v.SetDefault("council.review_timeout", defaults.Council.ReviewTimeout)
	v.SetDefault("council.diff_scope", defaults.Council.DiffScope)
	v.SetDefault("council.max_parallel", defaults.Council.MaxParallel)

	v.SetDefault("peasant.agent", defaults.Peasant.Agent)
	v.SetDefault("peasant.max_iterations", defaults.Peasant.MaxIterations)
	v.SetDefault("peasant.timeout", defaults.Peasant.Timeout)
	v.SetDefault("peasant.max_bounces", defaults.Peasant.MaxBounces)
	v.SetDefault("peasant.reset_bounces_on_reject", defaults.Peasant.ResetBouncesOnReject)
	v.SetDefault("peasant.poll_interval", defaults.Peasant.PollInterval)
	v.SetDefault("peasant.max_consecutive_failures", defaults.Peasant.MaxConsecutiveFailures)

	gates := make([]map[string]string, 0, len(defaults.QualityGates))
	for _, g := range defaults.QualityGates {
		gates = append(gates, map[string]string{"name": g.Name, "command": g.Command})
	}
	v.SetDefault("quality_gates", gates)

	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)

	v.SetDefault("branch.feature", defaults.Branch.Feature)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom is Load against an explicit viper instance.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// Agent returns the named agent's configuration.
func (c *Config) Agent(name string) (AgentConfig, bool) {
	a, ok := c.Agents[name]
	return a, ok
}

// AgentNames returns the configured agent names in sorted order.
func (c *Config) AgentNames() []string {
	names := make([]string, 0, len(c.Agents))
	for name := range c.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kingdom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kingdom"
	}
	return filepath.Join(home, ".config", "kingdom")
}

// ConfigFile returns the path to the user config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
