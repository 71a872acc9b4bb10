package main

import (
	"context"
	"fmt"
	"os"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/xraph/rerun"
	"github.com/xraph/rerun/track"
	"github.com/xraph/rerun/track/file"
	"github.com/xraph/rerun/track/memory"
	"github.com/xraph/rerun/track/postgres"
	"github.com/xraph/rerun/track/redis"
	"github.com/xraph/rerun/track/sqlite"
)

// cliConfig is the rerun.yaml format. Durations are strings in Go
// syntax ("30s", "5m").
type cliConfig struct {
	// Backend selects the tracker: memory, file, sqlite, postgres or
	// redis.
	Backend string `yaml:"backend"`

	// Path is the state directory (file) or database file (sqlite).
	Path string `yaml:"path"`

	// Conn is the Postgres connection string.
	Conn string `yaml:"conn"`

	// Addr is the Redis address, host:port.
	Addr string `yaml:"addr"`

	// Command is the shell command template run per job. The literal
	// {job} is replaced with the job id.
	Command string `yaml:"command"`

	// AlwaysExitZero makes the run command exit 0 even when jobs
	// failed, for schedulers that treat nonzero as "retry immediately".
	AlwaysExitZero bool `yaml:"always_exit_zero"`

	Concurrency         int    `yaml:"concurrency"`
	StopOnFirstFailure  bool   `yaml:"stop_on_first_failure"`
	RetryRounds         int    `yaml:"retry_rounds"`
	JobTimeout          string `yaml:"job_timeout"`
	StaleClaimThreshold string `yaml:"stale_claim_threshold"`
	ShutdownTimeout     string `yaml:"shutdown_timeout"`

	// Runner is built from the fields above by loadConfig.
	Runner rerun.Config `yaml:"-"`
}

// loadConfig reads and validates the yaml config at path.
func loadConfig(path string) (*cliConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &cliConfig{
		Backend:     "file",
		Path:        ".rerun",
		Concurrency: 1,
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	cfg.Runner = rerun.DefaultConfig()
	cfg.Runner.Concurrency = cfg.Concurrency
	cfg.Runner.StopOnFirstFailure = cfg.StopOnFirstFailure
	cfg.Runner.RetryRounds = cfg.RetryRounds

	durations := []struct {
		raw  string
		name string
		dst  *time.Duration
	}{
		{cfg.JobTimeout, "job_timeout", &cfg.Runner.JobTimeout},
		{cfg.StaleClaimThreshold, "stale_claim_threshold", &cfg.Runner.StaleClaimThreshold},
		{cfg.ShutdownTimeout, "shutdown_timeout", &cfg.Runner.ShutdownTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s %q: %w", d.name, d.raw, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Runner.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// buildTracker constructs the tracker the config selects and prepares
// its storage.
func buildTracker(ctx context.Context, cfg *cliConfig) (track.Tracker, error) {
	stale := cfg.Runner.StaleClaimThreshold

	var (
		tr  track.Tracker
		err error
	)
	switch cfg.Backend {
	case "memory":
		tr = memory.New(memory.WithStaleClaimThreshold(stale))
	case "file":
		tr = file.New(cfg.Path, file.WithStaleClaimThreshold(stale))
	case "sqlite":
		tr, err = sqlite.Open(cfg.Path, sqlite.WithStaleClaimThreshold(stale))
	case "postgres":
		tr, err = postgres.New(ctx, cfg.Conn, postgres.WithStaleClaimThreshold(stale))
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Addr})
		tr = redis.New(client, redis.WithStaleClaimThreshold(stale))
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s tracker: %w", cfg.Backend, err)
	}

	if err := tr.Migrate(ctx); err != nil {
		_ = tr.Close()
		return nil, fmt.Errorf("migrate %s tracker: %w", cfg.Backend, err)
	}
	return tr, nil
}
