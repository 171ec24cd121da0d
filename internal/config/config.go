package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// readSecret reads a Docker secret from a file path specified by an env var
// with _FILE suffix. If FOO is already set directly, the file is skipped.
// If FOO_FILE is set, reads the file content and sets FOO.
func readSecret(envKey string) {
	if os.Getenv(envKey) != "" {
		return
	}
	fileKey := envKey + "_FILE"
	filePath := os.Getenv(fileKey)
	if filePath == "" {
		return
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		return
	}
	val := strings.TrimSpace(string(data))
	os.Setenv(envKey, val)
}

type Config struct {
	Server    ServerConfig
	Redis     RedisConfig
	JWT       JWTConfig
	RateLimit RateLimitConfig
	Store     StoreConfig
	Generator GeneratorConfig
	Voice     VoiceConfig
	HeyGen    HeyGenConfig
	Pexels    PexelsConfig
	R2        R2Config
	OIDC      OIDCConfig
	Render    RenderConfig
	Gateway   GatewayConfig
}

type ServerConfig struct {
	Port      string
	Env       string
	LogLevel  string
	ApiDomain string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type JWTConfig struct {
	Secret     string
	Expiration int // hours
}

type RateLimitConfig struct {
	GeneratePerHour int
	RenderPerHour   int
	AvatarPerHour   int
}

// StoreConfig selects the entity store backend: memory, redis or postgres.
type StoreConfig struct {
	Driver      string
	PostgresDSN string
	MaxConns    int32
	MinConns    int32
}

type GeneratorConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// VoiceConfig points at an OpenAI-compatible speech endpoint for voiceovers.
type VoiceConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Voice   string
}

type HeyGenConfig struct {
	APIKey       string
	BaseURL      string
	PollInterval time.Duration
	PollTimeout  time.Duration
}

type PexelsConfig struct {
	APIKey  string
	BaseURL string
}

type R2Config struct {
	AccountID       string
	AccessKeyID     string
	SecretAccessKey string
	BucketName      string
	PublicURL       string
}

type OIDCConfig struct {
	Domain   string
	ClientID string
	Issuer   string
}

// RenderConfig controls the render workers and their queue backend (asynq or local).
type RenderConfig struct {
	Backend      string
	Concurrency  int
	QueueSize    int
	OutputDir    string
	FFmpegPath   string
	FFprobePath  string
	DedupEnabled bool
	Width        int
	Height       int
	FPS          int

	// ReconcileOnStart fails tasks orphaned by the previous process
	ReconcileOnStart bool
}

type GatewayConfig struct {
	Enabled bool
}

func Load() (*Config, error) {
	// Read Docker Swarm secrets from _FILE env vars before Viper binds
	readSecret("REDIS_PASSWORD")
	readSecret("GENERATOR_API_KEY")
	readSecret("VOICE_API_KEY")
	readSecret("HEYGEN_API_KEY")
	readSecret("PEXELS_API_KEY")
	readSecret("POSTGRES_DSN")
	readSecret("R2_ACCOUNT_ID")
	readSecret("R2_ACCESS_KEY_ID")
	readSecret("R2_SECRET_ACCESS_KEY")
	readSecret("OIDC_CLIENT_ID")

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()

	_ = v.BindEnv("server.port", "SERVER_PORT")
	_ = v.BindEnv("server.env", "SERVER_ENV")
	_ = v.BindEnv("server.log_level", "LOG_LEVEL")
	_ = v.BindEnv("server.api_domain", "API_DOMAIN")
	_ = v.BindEnv("redis.addr", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")
	_ = v.BindEnv("redis.db", "REDIS_DB")
	_ = v.BindEnv("jwt.secret", "JWT_SECRET")
	_ = v.BindEnv("jwt.expiration", "JWT_EXPIRATION")
	_ = v.BindEnv("ratelimit.generate_per_hour", "RATELIMIT_GENERATE_PER_HOUR")
	_ = v.BindEnv("ratelimit.render_per_hour", "RATELIMIT_RENDER_PER_HOUR")
	_ = v.BindEnv("ratelimit.avatar_per_hour", "RATELIMIT_AVATAR_PER_HOUR")
	_ = v.BindEnv("store.driver", "STORE_DRIVER")
	_ = v.BindEnv("store.postgres_dsn", "POSTGRES_DSN")
	_ = v.BindEnv("store.max_conns", "POSTGRES_MAX_CONNS")
	_ = v.BindEnv("store.min_conns", "POSTGRES_MIN_CONNS")
	_ = v.BindEnv("generator.api_key", "GENERATOR_API_KEY")
	_ = v.BindEnv("generator.base_url", "GENERATOR_BASE_URL")
	_ = v.BindEnv("generator.model", "GENERATOR_MODEL")
	_ = v.BindEnv("generator.max_attempts", "GENERATOR_MAX_ATTEMPTS")
	_ = v.BindEnv("generator.initial_backoff", "GENERATOR_INITIAL_BACKOFF")
	_ = v.BindEnv("generator.max_backoff", "GENERATOR_MAX_BACKOFF")
	_ = v.BindEnv("voice.api_key", "VOICE_API_KEY")
	_ = v.BindEnv("voice.base_url", "VOICE_BASE_URL")
	_ = v.BindEnv("voice.model", "VOICE_MODEL")
	_ = v.BindEnv("voice.voice", "VOICE_NAME")
	_ = v.BindEnv("heygen.api_key", "HEYGEN_API_KEY")
	_ = v.BindEnv("heygen.base_url", "HEYGEN_BASE_URL")
	_ = v.BindEnv("heygen.poll_interval", "HEYGEN_POLL_INTERVAL")
	_ = v.BindEnv("heygen.poll_timeout", "HEYGEN_POLL_TIMEOUT")
	_ = v.BindEnv("pexels.api_key", "PEXELS_API_KEY")
	_ = v.BindEnv("pexels.base_url", "PEXELS_BASE_URL")
	_ = v.BindEnv("r2.account_id", "R2_ACCOUNT_ID")
	_ = v.BindEnv("r2.access_key_id", "R2_ACCESS_KEY_ID")
	_ = v.BindEnv("r2.secret_access_key", "R2_SECRET_ACCESS_KEY")
	_ = v.BindEnv("r2.bucket_name", "R2_BUCKET_NAME")
	_ = v.BindEnv("r2.public_url", "R2_PUBLIC_URL")
	_ = v.BindEnv("oidc.domain", "OIDC_DOMAIN")
	_ = v.BindEnv("oidc.client_id", "OIDC_CLIENT_ID")
	_ = v.BindEnv("oidc.issuer", "OIDC_ISSUER")
	_ = v.BindEnv("render.backend", "RENDER_BACKEND")
	_ = v.BindEnv("render.concurrency", "RENDER_CONCURRENCY")
	_ = v.BindEnv("render.queue_size", "RENDER_QUEUE_SIZE")
	_ = v.BindEnv("render.output_dir", "RENDER_OUTPUT_DIR")
	_ = v.BindEnv("render.ffmpeg_path", "FFMPEG_PATH")
	_ = v.BindEnv("render.ffprobe_path", "FFPROBE_PATH")
	_ = v.BindEnv("render.dedup_enabled", "RENDER_DEDUP_ENABLED")
	_ = v.BindEnv("render.reconcile_on_start", "RENDER_RECONCILE_ON_START")
	_ = v.BindEnv("gateway.enabled", "GATEWAY_ENABLED")

	setDefaults(v)

	// Try to read config file (optional)
	_ = v.ReadInConfig()

	return fromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8000")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.log_level", "info")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("jwt.secret", "change-me-in-production")
	v.SetDefault("jwt.expiration", 24)
	v.SetDefault("ratelimit.generate_per_hour", 30)
	v.SetDefault("ratelimit.render_per_hour", 200)
	v.SetDefault("ratelimit.avatar_per_hour", 10)

	v.SetDefault("store.driver", "redis")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)

	// OpenAI-compatible chat endpoint
	v.SetDefault("generator.base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("generator.model", "llama-3.3-70b-versatile")
	v.SetDefault("generator.max_attempts", 3)
	v.SetDefault("generator.initial_backoff", "1s")
	v.SetDefault("generator.max_backoff", "10s")
	v.SetDefault("voice.base_url", "https://api.openai.com/v1")
	v.SetDefault("voice.model", "tts-1")
	v.SetDefault("voice.voice", "alloy")

	v.SetDefault("heygen.base_url", "https://api.heygen.com")
	v.SetDefault("heygen.poll_interval", "10s")
	v.SetDefault("heygen.poll_timeout", "15m")

	v.SetDefault("pexels.base_url", "https://api.pexels.com")

	v.SetDefault("render.backend", "asynq")
	v.SetDefault("render.concurrency", 4)
	v.SetDefault("render.queue_size", 256)
	v.SetDefault("render.output_dir", "rendered_videos")
	v.SetDefault("render.ffmpeg_path", "ffmpeg")
	v.SetDefault("render.ffprobe_path", "ffprobe")
	v.SetDefault("render.dedup_enabled", true)
	v.SetDefault("render.reconcile_on_start", true)
	v.SetDefault("render.width", 1280)
	v.SetDefault("render.height", 720)
	v.SetDefault("render.fps", 30)

	v.SetDefault("gateway.enabled", false)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Server: ServerConfig{
			Port:      v.GetString("server.port"),
			Env:       v.GetString("server.env"),
			LogLevel:  v.GetString("server.log_level"),
			ApiDomain: v.GetString("server.api_domain"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		JWT: JWTConfig{
			Secret:     v.GetString("jwt.secret"),
			Expiration: v.GetInt("jwt.expiration"),
		},
		RateLimit: RateLimitConfig{
			GeneratePerHour: v.GetInt("ratelimit.generate_per_hour"),
			RenderPerHour:   v.GetInt("ratelimit.render_per_hour"),
			AvatarPerHour:   v.GetInt("ratelimit.avatar_per_hour"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("store.driver")),
			PostgresDSN: v.GetString("store.postgres_dsn"),
			MaxConns:    v.GetInt32("store.max_conns"),
			MinConns:    v.GetInt32("store.min_conns"),
		},
		Generator: GeneratorConfig{
			APIKey:         v.GetString("generator.api_key"),
			BaseURL:        v.GetString("generator.base_url"),
			Model:          v.GetString("generator.model"),
			MaxAttempts:    v.GetInt("generator.max_attempts"),
			InitialBackoff: v.GetDuration("generator.initial_backoff"),
			MaxBackoff:     v.GetDuration("generator.max_backoff"),
		},
		Voice: VoiceConfig{
			APIKey:  v.GetString("voice.api_key"),
			BaseURL: v.GetString("voice.base_url"),
			Model:   v.GetString("voice.model"),
			Voice:   v.GetString("voice.voice"),
		},
		HeyGen: HeyGenConfig{
			APIKey:       v.GetString("heygen.api_key"),
			BaseURL:      v.GetString("heygen.base_url"),
			PollInterval: v.GetDuration("heygen.poll_interval"),
			PollTimeout:  v.GetDuration("heygen.poll_timeout"),
		},
		Pexels: PexelsConfig{
			APIKey:  v.GetString("pexels.api_key"),
			BaseURL: v.GetString("pexels.base_url"),
		},
		R2: R2Config{
			AccountID:       v.GetString("r2.account_id"),
			AccessKeyID:     v.GetString("r2.access_key_id"),
			SecretAccessKey: v.GetString("r2.secret_access_key"),
			BucketName:      v.GetString("r2.bucket_name"),
			PublicURL:       v.GetString("r2.public_url"),
		},
		OIDC: OIDCConfig{
			Domain:   v.GetString("oidc.domain"),
			ClientID: v.GetString("oidc.client_id"),
			Issuer:   v.GetString("oidc.issuer"),
		},
		Render: RenderConfig{
			Backend:      strings.ToLower(v.GetString("render.backend")),
			Concurrency:  v.GetInt("render.concurrency"),
			QueueSize:    v.GetInt("render.queue_size"),
			OutputDir:    v.GetString("render.output_dir"),
			FFmpegPath:   v.GetString("render.ffmpeg_path"),
			FFprobePath:  v.GetString("render.ffprobe_path"),
			DedupEnabled: v.GetBool("render.dedup_enabled"),
			Width:        v.GetInt("render.width"),
			Height:       v.GetInt("render.height"),
			FPS:          v.GetInt("render.fps"),

			ReconcileOnStart: v.GetBool("render.reconcile_on_start"),
		},
		Gateway: GatewayConfig{
			Enabled: v.GetBool("gateway.enabled"),
		},
	}
}
