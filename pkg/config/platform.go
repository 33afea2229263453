package config

import "time"

// PlatformConfig holds runtime configuration for the bot hosting platform.
type PlatformConfig struct {
	Environment        string
	LogLevel           string
	Addr               string
	DatabaseURL        string
	MigrationsDir      string
	EnvEncryptionKey   string
	BotStorageDir      string
	NodeBinary         string
	NpmBinary          string
	InstallTimeout     time.Duration
	RestartGracePeriod time.Duration
	MaxUploadBytes     int64
	LogRetainPerQuery  int
	LogMirrorFileName  string
	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int
}

// LoadPlatformConfig constructs a PlatformConfig from environment variables.
func LoadPlatformConfig() PlatformConfig {
	return PlatformConfig{
		Environment:        GetString("APP_ENV", "development"),
		LogLevel:           GetString("LOG_LEVEL", "info"),
		Addr:               GetString("API_ADDR", ":4000"),
		DatabaseURL:        GetString("DATABASE_URL", "postgres://botdock:botdock@db:5432/botdock?sslmode=disable"),
		MigrationsDir:      GetString("DB_MIGRATIONS_DIR", "./migrations"),
		EnvEncryptionKey:   GetString("ENV_ENCRYPTION_KEY", "supersecuresecret"),
		BotStorageDir:      GetString("BOT_STORAGE_DIR", "./storage/bots"),
		NodeBinary:         GetString("NODE_BINARY", "node"),
		NpmBinary:          GetString("NPM_BINARY", "npm"),
		InstallTimeout:     GetDuration("INSTALL_TIMEOUT", 5*time.Minute),
		RestartGracePeriod: GetDuration("RESTART_GRACE", 1500*time.Millisecond),
		MaxUploadBytes:     int64(GetInt("MAX_UPLOAD_MB", 100)) * 1024 * 1024,
		LogRetainPerQuery:  GetInt("LOG_QUERY_LIMIT", 100),
		LogMirrorFileName:  GetString("LOG_MIRROR_FILE", "bot.log"),
		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),
	}
}
