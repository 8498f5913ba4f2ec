// Package config loads orchestrator configuration.
//
// Precedence, lowest to highest: built-in defaults, the config file, the
// mapped COURSEPIPE_* environment variables, runtime overrides passed to
// Load (CLI flags).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is used when no other identity was registered.
var DefaultIdentity = Identity{
	BinaryName: "coursepipe",
	EnvPrefix:  "COURSEPIPE",
	ConfigName: "coursepipe",
}

type envSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *Identity
	appConfig   *Config
	configFile  string
)

// SetConfigFile pins an explicit config file (the --config flag).
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration and stores it as the current config.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded config, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}

	candidates := make([]string, 0, 3)
	if root, err := findProjectRoot(); err == nil {
		candidates = append(candidates, filepath.Join(root, configName()+".yaml"))
	}
	candidates = append(candidates, getUserConfigPaths()...)

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

func configName() string {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return DefaultIdentity.ConfigName
	}
	return appIdentity.ConfigName
}

// getEnvSpecs maps the documented environment variables to config paths.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []envSpec{}
	}
	p := id.EnvPrefix + "_"
	return []envSpec{
		{Name: p + "HOST", Path: "server.host"},
		{Name: p + "PORT", Path: "server.port"},
		{Name: p + "READ_TIMEOUT", Path: "server.read_timeout"},
		{Name: p + "WRITE_TIMEOUT", Path: "server.write_timeout"},
		{Name: p + "IDLE_TIMEOUT", Path: "server.idle_timeout"},
		{Name: p + "SHUTDOWN_TIMEOUT", Path: "server.shutdown_timeout"},
		{Name: p + "SSE_HEARTBEAT", Path: "server.sse_heartbeat"},
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_PROFILE", Path: "logging.profile"},
		{Name: p + "PYTHON", Path: "runner.python"},
		{Name: p + "WORKSPACE", Path: "runner.workspace"},
		{Name: p + "OUTLINE_SCRIPT", Path: "runner.outline_script"},
		{Name: p + "CONTENT_SCRIPT", Path: "runner.content_script"},
		{Name: p + "INPUT_PATTERNS", Path: "runner.input_patterns"},
		{Name: p + "INPUT_EXCLUDES", Path: "runner.input_excludes"},
		{Name: p + "LOGS_DIR", Path: "runner.logs_dir"},
		{Name: p + "KILL_GRACE", Path: "runner.kill_grace"},
		{Name: p + "LOG_HISTORY", Path: "jobs.log_history"},
		{Name: p + "JOB_MAX_AGE", Path: "jobs.max_age"},
		{Name: p + "TRANSCRIPT_DIR", Path: "jobs.transcript_dir"},
		{Name: p + "ARTIFACT_STORE", Path: "artifacts.store"},
		{Name: p + "ARTIFACT_PREFIX", Path: "artifacts.prefix"},
		{Name: p + "ARTIFACT_DIR", Path: "artifacts.dir"},
		{Name: p + "ARTIFACT_BUCKET", Path: "artifacts.s3.bucket"},
		{Name: p + "ARTIFACT_REGION", Path: "artifacts.s3.region"},
		{Name: p + "ARTIFACT_ENDPOINT", Path: "artifacts.s3.endpoint"},
	}
}

// getUserConfigPaths returns per-user config file candidates.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}

	var paths []string
	if xdg := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); xdg != "" {
		paths = append(paths, filepath.Join(xdg, id.ConfigName, "config.yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", id.ConfigName, "config.yaml"))
	}
	return paths
}

// findProjectRoot walks up from the working directory to the nearest
// directory holding a project config file or a .git directory. CI runners
// that check out outside $HOME can pin the root with GITHUB_WORKSPACE.
func findProjectRoot() (string, error) {
	if os.Getenv("GITHUB_ACTIONS") == "true" {
		if ws := os.Getenv("GITHUB_WORKSPACE"); filepath.IsAbs(ws) {
			if info, err := os.Stat(ws); err == nil && info.IsDir() {
				return ws, nil
			}
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	name := configName() + ".yaml"
	for dir := cwd; ; {
		for _, marker := range []string{name, ".git", "go.mod"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	if cwd == "" {
		return "", errors.New("project root not found")
	}
	return cwd, nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}
