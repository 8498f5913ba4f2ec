package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the complete orchestrator configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Artifacts ArtifactsConfig `mapstructure:"artifacts"`
	Health    HealthConfig    `mapstructure:"health"`
	Debug     DebugConfig     `mapstructure:"debug"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// SSEHeartbeat is the keepalive interval on job event streams.
	SSEHeartbeat time.Duration `mapstructure:"sse_heartbeat"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type RunnerConfig struct {
	Python        string        `mapstructure:"python"`
	Workspace     string        `mapstructure:"workspace"`
	OutlineScript string        `mapstructure:"outline_script"`
	ContentScript string        `mapstructure:"content_script"`
	DefaultConfig string        `mapstructure:"default_config"`
	InputPatterns []string      `mapstructure:"input_patterns"`
	InputExcludes []string      `mapstructure:"input_excludes"`
	LogsDir       string        `mapstructure:"logs_dir"`
	KillGrace     time.Duration `mapstructure:"kill_grace"`
	StartRate     float64       `mapstructure:"start_rate"`
	StartBurst    int           `mapstructure:"start_burst"`
}

type JobsConfig struct {
	LogHistory    int           `mapstructure:"log_history"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	GCInterval    time.Duration `mapstructure:"gc_interval"`
	TranscriptDir string        `mapstructure:"transcript_dir"`
}

// ArtifactsConfig selects where successful job outputs are published.
// An empty Store disables publishing.
type ArtifactsConfig struct {
	Store   string        `mapstructure:"store"`
	Prefix  string        `mapstructure:"prefix"`
	Dir     string        `mapstructure:"dir"`
	Timeout time.Duration `mapstructure:"timeout"`
	S3      S3Config      `mapstructure:"s3"`
}

type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	Profile        string `mapstructure:"profile"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// defaults are the lowest-precedence layer, keyed by viper path.
var defaults = map[string]any{
	"server.host":             "localhost",
	"server.port":             8080,
	"server.read_timeout":     "30s",
	"server.write_timeout":    "30s",
	"server.idle_timeout":     "120s",
	"server.shutdown_timeout": "10s",
	"server.sse_heartbeat":    "15s",

	"logging.level":   "info",
	"logging.profile": "STRUCTURED",

	"runner.python":         "python3",
	"runner.workspace":      ".",
	"runner.outline_script": "scripts/generate_outline.py",
	"runner.content_script": "scripts/generate_content.py",
	"runner.default_config": "",
	"runner.input_patterns": []string{"**/*.json", "**/*.yaml", "**/*.yml", "**/*.md"},
	"runner.input_excludes": []string{},
	"runner.logs_dir":       "logs",
	"runner.kill_grace":     "5s",
	"runner.start_rate":     2.0,
	"runner.start_burst":    4,

	"jobs.log_history":    200,
	"jobs.max_age":        "24h",
	"jobs.gc_interval":    "10m",
	"jobs.transcript_dir": "",

	"artifacts.store":               "",
	"artifacts.prefix":              "coursepipe",
	"artifacts.dir":                 "published",
	"artifacts.timeout":             "2m",
	"artifacts.s3.bucket":           "",
	"artifacts.s3.region":           "",
	"artifacts.s3.endpoint":         "",
	"artifacts.s3.profile":          "",
	"artifacts.s3.force_path_style": false,

	"health.enabled": true,
	"debug.enabled":  false,
}

var validLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks values that would otherwise fail late at runtime.
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level %q must be one of debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToUpper(c.Logging.Profile) {
	case "STRUCTURED", "CONSOLE":
	default:
		return fmt.Errorf("logging.profile %q must be STRUCTURED or CONSOLE", c.Logging.Profile)
	}
	if strings.TrimSpace(c.Runner.Python) == "" {
		return fmt.Errorf("runner.python is required")
	}
	if c.Jobs.LogHistory < 0 {
		return fmt.Errorf("jobs.log_history must be >= 0")
	}
	switch strings.ToLower(strings.TrimSpace(c.Artifacts.Store)) {
	case "", "none":
	case "file":
		if strings.TrimSpace(c.Artifacts.Dir) == "" {
			return fmt.Errorf("artifacts.dir is required for the file store")
		}
	case "s3":
		if strings.TrimSpace(c.Artifacts.S3.Bucket) == "" {
			return fmt.Errorf("artifacts.s3.bucket is required for the s3 store")
		}
	default:
		return fmt.Errorf("artifacts.store %q must be file, s3 or empty", c.Artifacts.Store)
	}
	if c.Server.SSEHeartbeat < 0 || c.Runner.KillGrace < 0 || c.Jobs.MaxAge < 0 || c.Jobs.GCInterval < 0 || c.Artifacts.Timeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	return nil
}
