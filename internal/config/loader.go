package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
		"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Identity names the application for config discovery and environment
// variables.
type Identity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the gotrainer identity.
func DefaultIdentity() Identity {
	return Identity{BinaryName: "gotrainer", EnvPrefix: "GOTRAINER", ConfigName: "gotrainer"}
}

// EnvSpec maps one environment variable to a config key.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appConfig   *Config
	appIdentity *Identity
	configFile  string
)

// SetConfigFile selects an explicit YAML config file for subsequent loads.
// Empty restores discovery.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// GetIdentity returns the identity used by the last Load, or nil.
func GetIdentity() *Identity {
	configMu.RLock()
	defer configMu.RUnlock()
	if appIdentity == nil {
		return nil
	}
	id := *appIdentity
	return &id
}

// GetConfig returns the configuration produced by the last successful Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Load builds the configuration. Precedence, highest first: runtime
// overrides, environment, config file, defaults.
//
// The config file is the one set with SetConfigFile, else $GOTRAINER_CONFIG,
// else the first existing user config path.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		id := DefaultIdentity()
		appIdentity = &id
	}

	v := viper.New()
	SetDefaults(v)

	if path := resolveConfigFile(); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	for _, spec := range envSpecs(appIdentity) {
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
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg, appIdentity)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	appConfig = &cfg
	return &cfg, nil
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.public_url", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
	v.SetDefault("logging.file", "")

	v.SetDefault("auth.tokens", []string{})

	v.SetDefault("jobs.dir", "")
	v.SetDefault("jobs.store", StoreFile)
	v.SetDefault("jobs.sqlite_path", "")
	v.SetDefault("jobs.log_lines", 500)
	v.SetDefault("jobs.reconcile_on_start", true)
	v.SetDefault("jobs.poll_interval", "250ms")
	v.SetDefault("jobs.gc_max_age", "168h")

	v.SetDefault("worker.interpreter", "python3")
	v.SetDefault("worker.candidates", []string{
		"../scripts/train_minimal_job.py",
		"../scripts/train_simulation_fallback.py",
	})
	v.SetDefault("worker.builtin_simulation", false)
	v.SetDefault("worker.workdir", "")

	v.SetDefault("artifacts.backend", "file")
	v.SetDefault("artifacts.dir", "models")
	v.SetDefault("artifacts.name_template", "{job_id}.pt")
	v.SetDefault("artifacts.s3.bucket", "")
	v.SetDefault("artifacts.s3.prefix", "")
	v.SetDefault("artifacts.s3.region", "")
	v.SetDefault("artifacts.s3.endpoint", "")
	v.SetDefault("artifacts.s3.profile", "")
	v.SetDefault("artifacts.s3.force_path_style", false)

	v.SetDefault("notify.buffer", 64)
	v.SetDefault("notify.redis.url", "")
	v.SetDefault("notify.redis.channel_prefix", "gotrainer:jobs")

	v.SetDefault("ingest.rate", 50)
	v.SetDefault("ingest.burst", 100)

	v.SetDefault("health.enabled", true)
}

func resolveConfigFile() string {
	if configFile != "" {
		return configFile
	}
	if appIdentity != nil {
		if p := strings.TrimSpace(os.Getenv(appIdentity.EnvPrefix + "_CONFIG")); p != "" {
			return p
		}
	}
	for _, p := range userConfigPaths(appIdentity) {
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p
		}
	}
	return ""
}

func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return userConfigPaths(appIdentity)
}

func userConfigPaths(id *Identity) []string {
	if id == nil || id.ConfigName == "" {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths,
			filepath.Join(dir, id.ConfigName, "config.yaml"),
			filepath.Join(dir, id.ConfigName, "config.yml"))
	}
	return paths
}

func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecs(appIdentity)
}

func envSpecs(id *Identity) []EnvSpec {
	if id == nil || id.EnvPrefix == "" {
		return []EnvSpec{}
	}
	mapping := []struct{ suffix, path string }{
		{"HOST", "server.host"},
		{"PORT", "server.port"},
		{"READ_TIMEOUT", "server.read_timeout"},
		{"WRITE_TIMEOUT", "server.write_timeout"},
		{"IDLE_TIMEOUT", "server.idle_timeout"},
		{"SHUTDOWN_TIMEOUT", "server.shutdown_timeout"},
		{"PUBLIC_URL", "server.public_url"},
		{"LOG_LEVEL", "logging.level"},
		{"LOG_PROFILE", "logging.profile"},
		{"LOG_FILE", "logging.file"},
		{"AUTH_TOKENS", "auth.tokens"},
		{"JOBS_DIR", "jobs.dir"},
		{"JOBS_STORE", "jobs.store"},
		{"JOBS_SQLITE_PATH", "jobs.sqlite_path"},
		{"JOBS_LOG_LINES", "jobs.log_lines"},
		{"RECONCILE_ON_START", "jobs.reconcile_on_start"},
		{"POLL_INTERVAL", "jobs.poll_interval"},
		{"GC_MAX_AGE", "jobs.gc_max_age"},
		{"WORKER_INTERPRETER", "worker.interpreter"},
		{"WORKER_CANDIDATES", "worker.candidates"},
		{"WORKER_BUILTIN_SIMULATION", "worker.builtin_simulation"},
		{"WORKER_WORKDIR", "worker.workdir"},
		{"ARTIFACTS_BACKEND", "artifacts.backend"},
		{"ARTIFACTS_DIR", "artifacts.dir"},
		{"ARTIFACTS_NAME_TEMPLATE", "artifacts.name_template"},
		{"S3_BUCKET", "artifacts.s3.bucket"},
		{"S3_PREFIX", "artifacts.s3.prefix"},
		{"S3_REGION", "artifacts.s3.region"},
		{"S3_ENDPOINT", "artifacts.s3.endpoint"},
		{"S3_PROFILE", "artifacts.s3.profile"},
		{"S3_FORCE_PATH_STYLE", "artifacts.s3.force_path_style"},
		{"NOTIFY_BUFFER", "notify.buffer"},
		{"REDIS_URL", "notify.redis.url"},
		{"REDIS_CHANNEL_PREFIX", "notify.redis.channel_prefix"},
		{"INGEST_RATE", "ingest.rate"},
		{"INGEST_BURST", "ingest.burst"},
		{"HEALTH_ENABLED", "health.enabled"},
	}
	specs := make([]EnvSpec, 0, len(mapping))
	for _, m := range mapping {
		specs = append(specs, EnvSpec{Name: id.EnvPrefix + "_" + m.suffix, Path: m.path})
	}
	return specs
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}

func normalize(cfg *Config, id *Identity) {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	cfg.Logging.Profile = strings.ToLower(strings.TrimSpace(cfg.Logging.Profile))
	cfg.Jobs.Store = strings.ToLower(strings.TrimSpace(cfg.Jobs.Store))
	cfg.Artifacts.Backend = strings.ToLower(strings.TrimSpace(cfg.Artifacts.Backend))

	if strings.TrimSpace(cfg.Jobs.Dir) == "" && id != nil {
		cfg.Jobs.Dir = filepath.Join(gfconfig.GetAppDataDir(id.ConfigName), "jobs")
	}
	if cfg.Jobs.Store == StoreSQLite && strings.TrimSpace(cfg.Jobs.SQLitePath) == "" {
		cfg.Jobs.SQLitePath = filepath.Join(cfg.Jobs.Dir, "jobs.db")
	}

	var candidates []string
	for _, c := range cfg.Worker.Candidates {
		if c = strings.TrimSpace(c); c != "" {
			candidates = append(candidates, c)
		}
	}
	cfg.Worker.Candidates = candidates
}
