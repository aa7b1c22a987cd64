package services

import (
	"time"

	"github.com/spf13/viper"
	"github.com/voicelearn/backend/logger"
)

// Config holds application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	ElevenLabs  ElevenLabsConfig
	JWT         JWTConfig
	WebSocket   WebSocketConfig
	Webhooks    WebhookConfig
	Admin       AdminConfig
	Log         LogConfig
	Tracing     TracingConfig
	Storage     StorageConfig
	Redis       RedisConfig
	Cache       CacheConfig
	RateLimit   RateLimitConfig
	AudioCache  AudioCacheConfig
	Maintenance MaintenanceConfig
}

type ServerConfig struct {
	Port        string
	Environment string
}

func (c ServerConfig) IsProduction() bool {
	return c.Environment == "production"
}

type DatabaseConfig struct {
	URL          string
	Seed         bool
	SeedFile     string
	LogLevel     string
	MaxIdleConns int
	MaxOpenConns int
}

type ElevenLabsConfig struct {
	BaseURL string
	Timeout time.Duration
}

type JWTConfig struct {
	Secret string
}

type WebSocketConfig struct {
	AllowedOrigins string
}

type WebhookConfig struct {
	Secret    string
	Tolerance time.Duration
	Dedupe    bool
	Retention time.Duration
}

type AdminConfig struct {
	MaxConcurrency int
}

type LogConfig struct {
	Level string
	Mode  string
	File  string
}

type TracingConfig struct {
	Enabled  bool
	Endpoint string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type CacheConfig struct {
	AgentTTL time.Duration
}

// RateLimitConfig holds per-IP limits. Auth and webhook routes get separate
// buckets since provider retries arrive in bursts from a few addresses.
type RateLimitConfig struct {
	RPS          float64
	Burst        int
	WebhookRPS   float64
	WebhookBurst int
}

type AudioCacheConfig struct {
	Dir string
}

type MaintenanceConfig struct {
	Schedule string
}

// LoadConfig loads configuration from environment variables and config files.
// log may be nil before the logger itself has been configured.
func LoadConfig(log *logger.Logger) *Config {
	if log == nil {
		log = logger.Nop()
	}
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AddConfigPath(".")
	viper.AutomaticEnv()

	// Set defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.environment", "development")
	viper.SetDefault("websocket.allowed_origins", "")
	viper.SetDefault("jwt.secret", "")
	viper.SetDefault("database.url", "")
	viper.SetDefault("database.seed", "false")
	viper.SetDefault("database.seed_file", "seed.yaml")
	viper.SetDefault("database.log_level", "silent")
	viper.SetDefault("database.max_idle_conns", "10")
	viper.SetDefault("database.max_open_conns", "100")
	viper.SetDefault("elevenlabs.base_url", "https://api.elevenlabs.io")
	viper.SetDefault("elevenlabs.timeout", "30s")
	viper.SetDefault("webhooks.secret", "")
	viper.SetDefault("webhooks.tolerance", "30m")
	viper.SetDefault("webhooks.dedupe", "true")
	viper.SetDefault("webhooks.retention", "720h")
	viper.SetDefault("admin.max_concurrency", "8")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.mode", "dev")
	viper.SetDefault("log.file", "")
	viper.SetDefault("tracing.enabled", "false")
	viper.SetDefault("tracing.endpoint", "")
	viper.SetDefault("storage.endpoint", "")
	viper.SetDefault("storage.access_key", "")
	viper.SetDefault("storage.secret_key", "")
	viper.SetDefault("storage.bucket", "agent-covers")
	viper.SetDefault("storage.use_ssl", "false")
	viper.SetDefault("redis.addr", "")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", "0")
	viper.SetDefault("cache.agent_ttl", "5m")
	viper.SetDefault("rate_limit.rps", "5")
	viper.SetDefault("rate_limit.burst", "20")
	viper.SetDefault("rate_limit.webhook_rps", "50")
	viper.SetDefault("rate_limit.webhook_burst", "100")
	viper.SetDefault("audio_cache.dir", "./audio_cache")
	viper.SetDefault("maintenance.schedule", "@hourly")

	// Map environment variables to config keys
	viper.BindEnv("server.port", "SERVER_PORT")
	viper.BindEnv("server.environment", "ENVIRONMENT")
	viper.BindEnv("websocket.allowed_origins", "WEBSOCKET_ALLOWED_ORIGINS")
	viper.BindEnv("jwt.secret", "JWT_SECRET")
	viper.BindEnv("database.url", "DATABASE_URL")
	viper.BindEnv("database.seed", "DATABASE_SEED")
	viper.BindEnv("database.seed_file", "DATABASE_SEED_FILE")
	viper.BindEnv("database.log_level", "DATABASE_LOG_LEVEL")
	viper.BindEnv("database.max_idle_conns", "DATABASE_MAX_IDLE_CONNS")
	viper.BindEnv("database.max_open_conns", "DATABASE_MAX_OPEN_CONNS")
	viper.BindEnv("elevenlabs.base_url", "ELEVENLABS_BASE_URL")
	viper.BindEnv("elevenlabs.timeout", "ELEVENLABS_TIMEOUT")
	viper.BindEnv("webhooks.secret", "WEBHOOK_SECRET")
	viper.BindEnv("webhooks.tolerance", "WEBHOOK_TOLERANCE")
	viper.BindEnv("webhooks.dedupe", "WEBHOOK_DEDUPE")
	viper.BindEnv("webhooks.retention", "WEBHOOK_RETENTION")
	viper.BindEnv("admin.max_concurrency", "ADMIN_MAX_CONCURRENCY")
	viper.BindEnv("log.level", "LOG_LEVEL")
	viper.BindEnv("log.mode", "LOG_MODE")
	viper.BindEnv("log.file", "LOG_FILE")
	viper.BindEnv("tracing.enabled", "TRACING_ENABLED")
	viper.BindEnv("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
	viper.BindEnv("storage.endpoint", "MINIO_ENDPOINT")
	viper.BindEnv("storage.access_key", "MINIO_ACCESS_KEY")
	viper.BindEnv("storage.secret_key", "MINIO_SECRET_KEY")
	viper.BindEnv("storage.bucket", "MINIO_BUCKET")
	viper.BindEnv("storage.use_ssl", "MINIO_USE_SSL")
	viper.BindEnv("redis.addr", "REDIS_ADDR")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")
	viper.BindEnv("cache.agent_ttl", "CACHE_AGENT_TTL")
	viper.BindEnv("rate_limit.rps", "RATE_LIMIT_RPS")
	viper.BindEnv("rate_limit.burst", "RATE_LIMIT_BURST")
	viper.BindEnv("rate_limit.webhook_rps", "WEBHOOK_RATE_LIMIT_RPS")
	viper.BindEnv("rate_limit.webhook_burst", "WEBHOOK_RATE_LIMIT_BURST")
	viper.BindEnv("audio_cache.dir", "AUDIO_CACHE_DIR")
	viper.BindEnv("maintenance.schedule", "MAINTENANCE_SCHEDULE")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Warn("Config file not found, using defaults and environment variables")
		} else {
			log.Error("Error reading config file", "error", err)
		}
	}

	return &Config{
		Server: ServerConfig{
			Port:        viper.GetString("server.port"),
			Environment: viper.GetString("server.environment"),
		},
		Database: DatabaseConfig{
			URL:          viper.GetString("database.url"),
			Seed:         viper.GetBool("database.seed"),
			SeedFile:     viper.GetString("database.seed_file"),
			LogLevel:     viper.GetString("database.log_level"),
			MaxIdleConns: viper.GetInt("database.max_idle_conns"),
			MaxOpenConns: viper.GetInt("database.max_open_conns"),
		},
		ElevenLabs: ElevenLabsConfig{
			BaseURL: viper.GetString("elevenlabs.base_url"),
			Timeout: viper.GetDuration("elevenlabs.timeout"),
		},
		JWT: JWTConfig{
			Secret: viper.GetString("jwt.secret"),
		},
		WebSocket: WebSocketConfig{
			AllowedOrigins: viper.GetString("websocket.allowed_origins"),
		},
		Webhooks: WebhookConfig{
			Secret:    viper.GetString("webhooks.secret"),
			Tolerance: viper.GetDuration("webhooks.tolerance"),
			Dedupe:    viper.GetBool("webhooks.dedupe"),
			Retention: viper.GetDuration("webhooks.retention"),
		},
		Admin: AdminConfig{
			MaxConcurrency: viper.GetInt("admin.max_concurrency"),
		},
		Log: LogConfig{
			Level: viper.GetString("log.level"),
			Mode:  viper.GetString("log.mode"),
			File:  viper.GetString("log.file"),
		},
		Tracing: TracingConfig{
			Enabled:  viper.GetBool("tracing.enabled"),
			Endpoint: viper.GetString("tracing.endpoint"),
		},
		Storage: StorageConfig{
			Endpoint:  viper.GetString("storage.endpoint"),
			AccessKey: viper.GetString("storage.access_key"),
			SecretKey: viper.GetString("storage.secret_key"),
			Bucket:    viper.GetString("storage.bucket"),
			UseSSL:    viper.GetBool("storage.use_ssl"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Cache: CacheConfig{
			AgentTTL: viper.GetDuration("cache.agent_ttl"),
		},
		RateLimit: RateLimitConfig{
			RPS:          viper.GetFloat64("rate_limit.rps"),
			Burst:        viper.GetInt("rate_limit.burst"),
			WebhookRPS:   viper.GetFloat64("rate_limit.webhook_rps"),
			WebhookBurst: viper.GetInt("rate_limit.webhook_burst"),
		},
		AudioCache: AudioCacheConfig{
			Dir: viper.GetString("audio_cache.dir"),
		},
		Maintenance: MaintenanceConfig{
			Schedule: viper.GetString("maintenance.schedule"),
		},
	}
}
