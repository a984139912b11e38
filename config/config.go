package config

import (
	"time"

	"github.com/Gobusters/ectoenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"clover-api"`
	Port                          int      `env:"PORT" env-default:"3000"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"10"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PUT,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`

	// Encryption key for client secrets and tokens (base64, 32 bytes decoded)
	EncryptionKey string `env:"ENCRYPTION_KEY" env-default:""`

	// Database driver
	DatabaseDriver string `env:"DB_DRIVER" env-default:"postgres"`
	// Database host
	DatabaseHost string `env:"DB_HOST" env-default:""`
	// Database port
	DatabasePort string `env:"DB_PORT" env-default:"5432"`
	// Database user
	DatabaseUserName string `env:"DB_USER_NAME" env-default:""`
	// Database user password
	DatabasePassword string `env:"DB_PASSWORD" env-default:""`
	// Database name
	DatabaseName string `env:"DB_NAME" env-default:"clover"`
	// Database SSL Mode
	DatabaseSSLMode string `env:"DB_SQL_MODE" env-default:"disable"`
	// Reconnect Retry Count
	DatabaseReconnectRetryCount int `env:"DB_RECONNECT_RETRY_COUNT" env-default:"3"`
	// Max Open Conns
	DatabaseMaxOpenConns int `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	// Max Idle Conns
	DatabaseMaxIdleConns int `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	// Conn Max Lifetime
	DatabaseConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	// Migration Folder Path
	DatabaseMigrationFolderPath string `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	// Database Migration Version
	DatabaseMigrationVersion int `env:"DB_MIGRATION_VERSION" env-default:"0"`
	// Database Migration Force
	DatabaseMigrationForce int `env:"DB_MIGRATION_FORCE" env-default:"0"`
	// Database Migration Auto Rollback
	DatabaseMigrationAutoRollback bool `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Auth Issuer URL
	AuthIssuerURL string `env:"AUTH_ISSUER_URL" env-default:""`
	// Auth Client ID
	AuthClientID string `env:"AUTH_CLIENT_ID" env-default:""`
	// Auth Enabled - when false, admin routes accept unauthenticated requests for local development
	AuthEnabled bool `env:"AUTH_ENABLED" env-default:"false"`

	// Redis host
	RedisHost string `env:"REDIS_HOST" env-default:"localhost"`
	// Redis port
	RedisPort int `env:"REDIS_PORT" env-default:"6379"`
	// Redis password
	RedisPassword string `env:"REDIS_PASSWORD" env-default:""`
	// Redis database number
	RedisDB int `env:"REDIS_DB" env-default:"0"`

	// Kafka brokers (comma-separated)
	KafkaBrokers string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	// Kafka topic for processed events
	KafkaEventsTopic string `env:"KAFKA_EVENTS_TOPIC" env-default:"webhook-events"`
	// Enable/disable Kafka publishing
	KafkaEnabled bool `env:"KAFKA_ENABLED" env-default:"true"`

	// Token refresh settings
	// Safety margin subtracted from token expiry before a refresh is forced
	TokenSafetyMargin time.Duration `env:"TOKEN_SAFETY_MARGIN" env-default:"60s"`
	// TTL for the per-credential refresh lock
	TokenRefreshLockTTL time.Duration `env:"TOKEN_REFRESH_LOCK_TTL" env-default:"30s"`
	// How long a caller waits for an in-flight refresh
	TokenRefreshLockWait time.Duration `env:"TOKEN_REFRESH_LOCK_WAIT" env-default:"10s"`

	// Subscription sweep settings
	// How often the renewal sweep runs
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" env-default:"5m"`
	// Trailing fraction of the lease that triggers renewal
	SweepRenewalWindow float64 `env:"SWEEP_RENEWAL_WINDOW" env-default:"0.2"`
	// Enable/disable the sweep loop
	SweepEnabled bool `env:"SWEEP_ENABLED" env-default:"true"`

	// Event worker settings
	// Events claimed per poll
	WorkerBatchSize int `env:"WORKER_BATCH_SIZE" env-default:"25"`
	// How long to wait between claim polls
	WorkerPollInterval time.Duration `env:"WORKER_POLL_INTERVAL" env-default:"5s"`
	// Number of processing goroutines
	WorkerCount int `env:"WORKER_COUNT" env-default:"4"`
	// Retry ceiling before an event is marked failed
	WorkerMaxRetries int `env:"WORKER_MAX_RETRIES" env-default:"5"`
	// First retry delay; doubles per retry
	WorkerBackoffBase time.Duration `env:"WORKER_BACKOFF_BASE" env-default:"30s"`
	// Upper bound on the retry delay
	WorkerBackoffCap time.Duration `env:"WORKER_BACKOFF_CAP" env-default:"1h"`
	// Enable/disable the worker loop
	WorkerEnabled bool `env:"WORKER_ENABLED" env-default:"true"`

	// Webhook ingress rate limit settings
	// Requests allowed per client per window on the webhook routes
	WebhookRateLimit int64 `env:"WEBHOOK_RATE_LIMIT" env-default:"600"`
	// Sliding window for the webhook rate limit
	WebhookRateWindow time.Duration `env:"WEBHOOK_RATE_WINDOW" env-default:"1m"`

	// Tracing settings
	// Enable OTLP tracing export (set to true to send traces to collector)
	OTLPEnabled bool `env:"OTLP_ENABLED" env-default:"false"`
	// OTLP collector endpoint
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	// OTLP protocol (grpc or http)
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	// Disable TLS for OTLP (for local development)
	OTLPInsecure bool `env:"OTLP_INSECURE" env-default:"true"`
}

// Load reads configuration from the environment
func Load() (*Config, error) {
	var cfg Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
