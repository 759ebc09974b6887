package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Database      DatabaseConfig
	ExternalStore ExternalStoreConfig
	Sync          SyncConfig
	Breaker       BreakerConfig
	Cache         CacheConfig
	Webhooks      WebhookConfig
}

type ServerConfig struct {
	Port         int
	TriggerToken string
}

type DatabaseConfig struct {
	Path string
}

type ExternalStoreConfig struct {
	MongoURI      string
	MongoDatabase string
}

type SyncConfig struct {
	BatchSize       int
	WindowHours     int
	FullWindowHours int
	Interval        time.Duration
	Timeout         time.Duration
	QueueSize       int
	RetentionHours  int
}

type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	MinInterval      time.Duration
	CallTimeout      time.Duration
}

type CacheConfig struct {
	TTL         time.Duration
	MaxEntries  int
	Distributed bool
}

// Source describes one configured webhook sender.
type Source struct {
	Secret      string
	Legacy      bool
	CloudEvents bool
}

type WebhookConfig struct {
	Sources    map[string]Source
	SkipVerify bool
}

func Load() (Config, error) {
	return load(true)
}

// LoadForTool loads config for CLI tools that serve no HTTP surface and so do
// not require trigger tokens or webhook secrets.
func LoadForTool() (Config, error) {
	return load(false)
}

func load(requireSecrets bool) (Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("obsync_env", "")
	v.SetDefault("app_env", "")
	v.SetDefault("go_env", "")
	v.SetDefault("obsync_port", 8080)
	v.SetDefault("obsync_trigger_token", "")
	v.SetDefault("obsync_db_path", "data/obsync")
	v.SetDefault("obsync_mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("obsync_mongo_database", "observability")
	v.SetDefault("obsync_sync_batch_size", 100)
	v.SetDefault("obsync_sync_window_hours", 24)
	v.SetDefault("obsync_sync_full_window_hours", 168)
	v.SetDefault("obsync_sync_interval", "5m")
	v.SetDefault("obsync_sync_timeout", "10m")
	v.SetDefault("obsync_sync_queue_size", 16)
	v.SetDefault("obsync_sync_retention_hours", 72)
	v.SetDefault("obsync_breaker_failure_threshold", 3)
	v.SetDefault("obsync_breaker_recovery_timeout", "30s")
	v.SetDefault("obsync_breaker_min_interval", "1s")
	v.SetDefault("obsync_breaker_call_timeout", "10s")
	v.SetDefault("obsync_cache_ttl", "60s")
	v.SetDefault("obsync_cache_max_entries", 4096)
	v.SetDefault("obsync_cache_distributed", false)
	v.SetDefault("obsync_webhook_secrets", "")
	v.SetDefault("obsync_webhook_legacy_sources", "")
	v.SetDefault("obsync_webhook_cloudevents_sources", "")
	v.SetDefault("obsync_webhook_skip_verify", false)

	env := resolveEnvironment(v)
	port := v.GetInt("obsync_port")
	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("invalid OBSYNC_PORT: %d", port)
	}

	batchSize := v.GetInt("obsync_sync_batch_size")
	if batchSize <= 0 {
		batchSize = 100
	}
	if batchSize > 1000 {
		batchSize = 1000
	}

	windowHours := v.GetInt("obsync_sync_window_hours")
	if windowHours <= 0 {
		windowHours = 24
	}
	fullWindowHours := v.GetInt("obsync_sync_full_window_hours")
	if fullWindowHours < windowHours {
		fullWindowHours = windowHours
	}

	failureThreshold := v.GetInt("obsync_breaker_failure_threshold")
	if failureThreshold <= 0 {
		failureThreshold = 3
	}

	sources := parseSources(
		v.GetString("obsync_webhook_secrets"),
		v.GetString("obsync_webhook_legacy_sources"),
		v.GetString("obsync_webhook_cloudevents_sources"),
	)

	cfg := Config{
		Environment: env,
		Server: ServerConfig{
			Port:         port,
			TriggerToken: strings.TrimSpace(v.GetString("obsync_trigger_token")),
		},
		Database: DatabaseConfig{
			Path: strings.TrimSpace(v.GetString("obsync_db_path")),
		},
		ExternalStore: ExternalStoreConfig{
			MongoURI:      strings.TrimSpace(v.GetString("obsync_mongo_uri")),
			MongoDatabase: strings.TrimSpace(v.GetString("obsync_mongo_database")),
		},
		Sync: SyncConfig{
			BatchSize:       batchSize,
			WindowHours:     windowHours,
			FullWindowHours: fullWindowHours,
			Interval:        v.GetDuration("obsync_sync_interval"),
			Timeout:         v.GetDuration("obsync_sync_timeout"),
			QueueSize:       v.GetInt("obsync_sync_queue_size"),
			RetentionHours:  v.GetInt("obsync_sync_retention_hours"),
		},
		Breaker: BreakerConfig{
			FailureThreshold: failureThreshold,
			RecoveryTimeout:  v.GetDuration("obsync_breaker_recovery_timeout"),
			MinInterval:      v.GetDuration("obsync_breaker_min_interval"),
			CallTimeout:      v.GetDuration("obsync_breaker_call_timeout"),
		},
		Cache: CacheConfig{
			TTL:         v.GetDuration("obsync_cache_ttl"),
			MaxEntries:  v.GetInt("obsync_cache_max_entries"),
			Distributed: v.GetBool("obsync_cache_distributed"),
		},
		Webhooks: WebhookConfig{
			Sources:    sources,
			SkipVerify: v.GetBool("obsync_webhook_skip_verify"),
		},
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "data/obsync"
	}
	if cfg.Webhooks.SkipVerify && !cfg.IsLocalDevelopment() {
		return Config{}, fmt.Errorf("OBSYNC_WEBHOOK_SKIP_VERIFY must not be set outside local/dev environments")
	}
	if requireSecrets && !cfg.IsLocalDevelopment() {
		if cfg.Server.TriggerToken == "" {
			return Config{}, fmt.Errorf("OBSYNC_TRIGGER_TOKEN is required outside local/dev environments")
		}
		if len(cfg.Webhooks.Sources) == 0 {
			return Config{}, fmt.Errorf("OBSYNC_WEBHOOK_SECRETS is required outside local/dev environments")
		}
	}
	if cfg.IsLocalDevelopment() && cfg.Server.TriggerToken == "" {
		cfg.Server.TriggerToken = "obsync-local-dev"
	}

	return cfg, nil
}

// parseSources decodes "source=secret,other=secret2" plus the comma lists of
// sources that sign with SHA1 or wrap payloads in CloudEvents envelopes.
func parseSources(secrets, legacy, cloudevents string) map[string]Source {
	pairs := parseKeyValueList(secrets)
	if len(pairs) == 0 {
		return nil
	}

	legacySet := parseNameSet(legacy)
	ceSet := parseNameSet(cloudevents)

	out := make(map[string]Source, len(pairs))
	for name, secret := range pairs {
		out[name] = Source{
			Secret:      secret,
			Legacy:      legacySet[name],
			CloudEvents: ceSet[name],
		}
	}
	return out
}

func parseKeyValueList(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := make(map[string]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		pair := strings.SplitN(part, "=", 2)
		if len(pair) != 2 {
			continue
		}
		key := strings.TrimSpace(pair[0])
		value := strings.TrimSpace(pair[1])
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func parseNameSet(raw string) map[string]bool {
	out := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out[part] = true
		}
	}
	return out
}

func (c Config) IsLocalDevelopment() bool {
	switch strings.ToLower(strings.TrimSpace(c.Environment)) {
	case "", "local", "dev", "development", "test":
		return true
	default:
		return false
	}
}

func (c Config) RunRetention() time.Duration {
	return time.Duration(c.Sync.RetentionHours) * time.Hour
}

func resolveEnvironment(v *viper.Viper) string {
	for _, key := range []string{"obsync_env", "app_env", "go_env"} {
		value := strings.TrimSpace(v.GetString(key))
		if value != "" {
			return strings.ToLower(value)
		}
	}
	return ""
}
