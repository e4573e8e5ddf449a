package config

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// EnvPrefix is the environment variable namespace.
const EnvPrefix = "CODEQUEUE"

var (
	configMu  sync.RWMutex
	appConfig *Config
)

// Flat environment aliases bound in addition to the structural
// CODEQUEUE_<SECTION>_<KEY> form, so deployment tooling can use the short
// names (CODEQUEUE_PORT instead of CODEQUEUE_SERVER_PORT).
var envAliases = map[string]string{
	"server.host":             "CODEQUEUE_HOST",
	"server.port":             "CODEQUEUE_PORT",
	"logging.level":           "CODEQUEUE_LOG_LEVEL",
	"queue.identity":          "CODEQUEUE_IDENTITY",
	"queue.data_dir":          "CODEQUEUE_DATA_DIR",
	"server.read_timeout":     "CODEQUEUE_READ_TIMEOUT",
	"server.write_timeout":    "CODEQUEUE_WRITE_TIMEOUT",
	"server.shutdown_timeout": "CODEQUEUE_SHUTDOWN_TIMEOUT",
}

// Load builds the configuration.
//
// Precedence, lowest to highest: defaults, the config file at path (empty
// path skips the file; a missing explicit file is an error), CODEQUEUE_*
// environment variables, then the optional runtime overrides map (nested
// keys, e.g. {"server": {"port": 9000}}).
//
// The loaded config is cached; GetConfig returns it until the next Load.
func Load(ctx context.Context, path string, overrides ...map[string]any) (*Config, error) {
	_ = ctx

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	for _, override := range overrides {
		if err := v.MergeConfigMap(override); err != nil {
			return nil, fmt.Errorf("merge runtime overrides: %w", err)
		}
	}

	cfg := &Config{}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(cfg, viper.DecodeHook(decodeHook)); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = cfg
	configMu.Unlock()

	return cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil before
// the first Load.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("queue.name", "code-queue")
	v.SetDefault("queue.data_dir", "")
	v.SetDefault("queue.identity", "")
	v.SetDefault("queue.max_concurrent_jobs", 3)
	v.SetDefault("queue.job_timeout", "5m")
	v.SetDefault("queue.cleanup_retention", "24h")
	v.SetDefault("queue.poll_interval", "5s")
	v.SetDefault("queue.error_backoff_initial", "10s")
	v.SetDefault("queue.error_backoff_max", "2m")

	v.SetDefault("approval.auto", false)
	v.SetDefault("approval.safe_tags", []string{})
	v.SetDefault("approval.trusted_identities", []string{})

	v.SetDefault("runner.kind", "local")
	v.SetDefault("runner.max_output_bytes", 1<<20)
	v.SetDefault("runner.sandbox.allowed_env", []string{})
	v.SetDefault("runner.sandbox.chroot", "")
	v.SetDefault("runner.sandbox.uid", 0)
	v.SetDefault("runner.sandbox.gid", 0)

	v.SetDefault("index.enabled", true)
	v.SetDefault("index.path", "")

	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.local_dir", "")
	v.SetDefault("archive.s3.bucket", "")
	v.SetDefault("archive.s3.region", "")
	v.SetDefault("archive.s3.endpoint", "")
	v.SetDefault("archive.s3.access_key_id", "")
	v.SetDefault("archive.s3.secret_access_key", "")
	v.SetDefault("archive.s3.path_style", false)
	v.SetDefault("archive.preflight", "stat")
	v.SetDefault("archive.rate_limit", 0.0)

	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")
}
