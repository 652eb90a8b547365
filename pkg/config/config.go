package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/windlass-io/windlass/pkg/state"
	"github.com/windlass-io/windlass/pkg/telemetry"
)

// DefaultFileName is the project file looked up in the working
// directory when no explicit path is given.
const DefaultFileName = "windlass.yaml"

// EnvPrefix prefixes every recognized environment variable.
const EnvPrefix = "WINDLASS_"

var validate = validator.New()

// Backend selects a state-store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendSQLite Backend = "sqlite"
)

// Project is the windlass.yaml project file.
type Project struct {
	// App is the application name and the root scope name.
	App string `yaml:"app" validate:"required"`

	// DefaultStage is used when a run names no stage.
	DefaultStage string `yaml:"default_stage,omitempty"`

	// Backend selects the state store. Defaults to sqlite.
	Backend Backend `yaml:"backend,omitempty" validate:"omitempty,oneof=memory file sqlite"`

	// StatePath is the backend location: a database file for sqlite, a
	// directory for file. Defaults to .windlass/state.db or
	// .windlass/state respectively.
	StatePath string `yaml:"state_path,omitempty"`

	Logging telemetry.LoggingConfig `yaml:"logging,omitempty"`
	Metrics telemetry.MetricsConfig `yaml:"metrics,omitempty"`
}

// RunOptions are the per-run controls a command line or environment
// supplies on top of the project file.
type RunOptions struct {
	// Stage is the logical deployment the run targets.
	Stage string `yaml:"stage" validate:"required"`

	// Phase is up, destroy, or read.
	Phase string `yaml:"phase,omitempty" validate:"omitempty,oneof=up destroy read"`

	// Password keys secret encryption. Environment only, never a file.
	Password string `yaml:"-"`

	// RootDir is the working directory the run resolves relative paths
	// against. Empty means the current directory.
	RootDir string `yaml:"root_dir,omitempty"`

	Adopt       bool `yaml:"adopt,omitempty"`
	Force       bool `yaml:"force,omitempty"`
	Local       bool `yaml:"local,omitempty"`
	Watch       bool `yaml:"watch,omitempty"`
	Quiet       bool `yaml:"quiet,omitempty"`
	KeepOrphans bool `yaml:"keep_orphans,omitempty"`
}

// LoadProject reads a project file, applies defaults and environment
// overrides, and validates the result. An empty path means
// DefaultFileName in the working directory; a missing default file
// yields a project built purely from defaults and environment.
func LoadProject(path string) (*Project, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}

	p := &Project{}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, p); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
		// Fall through to defaults and environment.
	default:
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	p.applyDefaults()
	p.applyEnv()
	if err := validate.Struct(p); err != nil {
		return nil, fmt.Errorf("config: invalid project: %w", err)
	}
	return p, nil
}

func (p *Project) applyDefaults() {
	if p.Backend == "" {
		p.Backend = BackendSQLite
	}
	if p.Logging.Level == "" {
		p.Logging = telemetry.DefaultLoggingConfig()
	}
	if p.Metrics.Namespace == "" {
		p.Metrics.Namespace = telemetry.DefaultMetricsConfig().Namespace
	}
	if p.StatePath == "" {
		switch p.Backend {
		case BackendFile:
			p.StatePath = filepath.Join(".windlass", "state")
		default:
			p.StatePath = filepath.Join(".windlass", "state.db")
		}
	}
}

func (p *Project) applyEnv() {
	if v := os.Getenv(EnvPrefix + "APP"); v != "" {
		p.App = v
	}
	if v := os.Getenv(EnvPrefix + "STAGE"); v != "" {
		p.DefaultStage = v
	}
	if v := os.Getenv(EnvPrefix + "BACKEND"); v != "" {
		p.Backend = Backend(v)
	}
	if v := os.Getenv(EnvPrefix + "STATE_PATH"); v != "" {
		p.StatePath = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		p.Logging.Level = v
	}
}

// LoadRunOptions builds run options from defaults, the project file,
// and the environment.
func LoadRunOptions(p *Project) (*RunOptions, error) {
	opts := &RunOptions{
		Stage: p.DefaultStage,
		Phase: "up",
	}
	opts.applyEnv()
	if err := validate.Struct(opts); err != nil {
		return nil, fmt.Errorf("config: invalid run options: %w", err)
	}
	return opts, nil
}

func (o *RunOptions) applyEnv() {
	if v := os.Getenv(EnvPrefix + "STAGE"); v != "" {
		o.Stage = v
	}
	if v := os.Getenv(EnvPrefix + "PHASE"); v != "" {
		o.Phase = v
	}
	if v := os.Getenv(EnvPrefix + "PASSWORD"); v != "" {
		o.Password = v
	}
	if v := os.Getenv(EnvPrefix + "ROOT_DIR"); v != "" {
		o.RootDir = v
	}
	envBool(&o.Adopt, EnvPrefix+"ADOPT")
	envBool(&o.Force, EnvPrefix+"FORCE")
	envBool(&o.Local, EnvPrefix+"LOCAL")
	envBool(&o.Watch, EnvPrefix+"WATCH")
	envBool(&o.Quiet, EnvPrefix+"QUIET")
	envBool(&o.KeepOrphans, EnvPrefix+"KEEP_ORPHANS")
}

func envBool(dst *bool, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return
	}
	*dst = parsed
}

// OpenStore opens the configured state backend for one stage. SQLite
// stores one stage per table partition in a shared database file; the
// file backend keeps one directory tree per stage.
func (p *Project) OpenStore(ctx context.Context, stage string) (state.Store, error) {
	switch p.Backend {
	case BackendMemory:
		return state.NewMemoryStore(), nil

	case BackendFile:
		return state.NewFileStore(filepath.Join(p.StatePath, stage))

	case BackendSQLite:
		if err := os.MkdirAll(filepath.Dir(p.StatePath), 0o755); err != nil {
			return nil, fmt.Errorf("config: creating state directory: %w", err)
		}
		store, err := state.NewSQLiteStore(state.SQLiteConfig{Path: p.StatePath, Stage: stage})
		if err != nil {
			return nil, err
		}
		if err := store.Init(ctx); err != nil {
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, fmt.Errorf("config: unknown backend %q", p.Backend)
}
