package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/Iron-Ham/kingdom/internal/config"
	kerrors "github.com/Iron-Ham/kingdom/internal/errors"
	"github.com/Iron-Ham/kingdom/internal/layout"
	"github.com/Iron-Ham/kingdom/internal/logging"
	"github.com/Iron-Ham/kingdom/internal/peasant"
	"github.com/Iron-Ham/kingdom/internal/session"
	"github.com/Iron-Ham/kingdom/internal/thread"
	"github.com/Iron-Ham/kingdom/internal/worktree"
)

// workspace is everything a command needs to act on one feature branch.
type workspace struct {
	layout   layout.Layout
	branch   string
	cfg      *config.Config
	repo     *worktree.Repo
	sessions *session.Store
	threads  *thread.Store
	log      *logging.Logger
}

// openWorkspace locates the project from the working directory and uses the
// checked-out branch unless configuration overrides it.
func openWorkspace() (*workspace, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	l, err := layout.Find(cwd)
	if err != nil {
		if kerrors.Is(err, kerrors.ErrNotInitialized) {
			return nil, fmt.Errorf("%w; run `kd init` first", err)
		}
		return nil, err
	}
	return openWorkspaceAt(l, "")
}

// openWorkspaceAt opens the project rooted at l. An empty branch is detected.
func openWorkspaceAt(l layout.Layout, branch string) (*workspace, error) {
	cfg, err := loadConfig(l)
	if err != nil {
		return nil, err
	}
	repo, err := worktree.Open(l.Root)
	if err != nil {
		return nil, err
	}
	if branch == "" {
		branch = cfg.Branch.Feature
	}
	if branch == "" {
		if branch, err = repo.CurrentBranch(l.Root); err != nil {
			return nil, fmt.Errorf("detect feature branch: %w", err)
		}
	}
	if err := l.EnsureBranch(branch); err != nil {
		return nil, err
	}
	return &workspace{
		layout:   l,
		branch:   branch,
		cfg:      cfg,
		repo:     repo,
		sessions: session.NewStore(l.SessionsDir(branch)),
		threads:  thread.NewStore(),
		log:      foregroundLogger(cfg),
	}, nil
}

// loadConfig merges the user config and the project config (project wins),
// then KD_ environment variables. --config replaces both files.
func loadConfig(l layout.Layout) (*config.Config, error) {
	v := viper.New()
	config.ApplyDefaults(v)
	v.SetConfigType("yaml")

	files := []string{config.ConfigFile(), l.ConfigPath()}
	if explicit := viper.GetString("config"); explicit != "" {
		files = []string{explicit}
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		v.SetConfigFile(f)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", f, err)
		}
	}

	v.SetEnvPrefix("KD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := config.LoadFrom(v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// foregroundLogger writes to stderr only with --verbose.
func foregroundLogger(cfg *config.Config) *logging.Logger {
	if !viper.GetBool("verbose") {
		return logging.NopLogger()
	}
	level := logging.LevelDebug
	if cfg != nil && cfg.Logging.Level != "" {
		level = cfg.Logging.Level
	}
	return logging.Stderr(level)
}

func (w *workspace) manager() *peasant.Manager {
	return peasant.NewManager(peasant.Options{
		Layout:   w.layout,
		Branch:   w.branch,
		Config:   w.cfg,
		Git:      w.repo,
		Sessions: w.sessions,
		Threads:  w.threads,
		Logger:   w.log,
	})
}
