package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	AMQP         AMQPConfig
	Topology     TopologyConfig
	FeatureFlags FeatureFlagsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	Outbox       OutboxConfig
	Retry        RetryConfig
	Idempotency  IdempotencyConfig
	Webhook      WebhookConfig
	Sequence     SequenceConfig
	Audit        AuditConfig
	Worker       WorkerConfig
	Cron         CronConfig
	Admin        AdminConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"JOBCORE_APP_ENV" required:"true"`
	Port         string `envconfig:"JOBCORE_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"JOBCORE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"JOBCORE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"JOBCORE_SERVICE_KIND" default:"worker"`
}

type DBConfig struct {
	DSN    string `envconfig:"JOBCORE_DB_DSN"`
	Driver string `envconfig:"JOBCORE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"JOBCORE_DB_HOST"`
	LegacyPort     int    `envconfig:"JOBCORE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"JOBCORE_DB_USER"`
	LegacyPassword string `envconfig:"JOBCORE_DB_PASSWORD"`
	LegacyName     string `envconfig:"JOBCORE_DB_NAME"`
	LegacySSLMode  string `envconfig:"JOBCORE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"JOBCORE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"JOBCORE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"JOBCORE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"JOBCORE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"JOBCORE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"JOBCORE_REDIS_ADDR"`
	Password     string        `envconfig:"JOBCORE_REDIS_PASSWORD"`
	DB           int           `envconfig:"JOBCORE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"JOBCORE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"JOBCORE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"JOBCORE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"JOBCORE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"JOBCORE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type AMQPConfig struct {
	URL            string        `envconfig:"JOBCORE_AMQP_URL" required:"true"`
	ConnectionName string        `envconfig:"JOBCORE_AMQP_CONNECTION_NAME" default:"jobcore"`
	Heartbeat      time.Duration `envconfig:"JOBCORE_AMQP_HEARTBEAT" default:"10s"`
	ConfirmTimeout time.Duration `envconfig:"JOBCORE_AMQP_CONFIRM_TIMEOUT" default:"5s"`
}

// TopologyConfig points at the YAML queue binding file. When File is empty the
// built-in bindings are declared.
type TopologyConfig struct {
	File string `envconfig:"JOBCORE_TOPOLOGY_FILE"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"JOBCORE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"JOBCORE_AUTO_MIGRATE" default:"false"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"JOBCORE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"JOBCORE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"JOBCORE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	LifecycleTopic        string `envconfig:"JOBCORE_PUBSUB_LIFECYCLE_TOPIC" default:"jobcore-job-lifecycle"`
	LifecycleSubscription string `envconfig:"JOBCORE_PUBSUB_LIFECYCLE_SUBSCRIPTION"`
}

type OutboxConfig struct {
	BatchSize      int `envconfig:"JOBCORE_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int `envconfig:"JOBCORE_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int `envconfig:"JOBCORE_OUTBOX_MAX_ATTEMPTS" default:"10"`
	RetentionDays  int `envconfig:"JOBCORE_OUTBOX_RETENTION_DAYS" default:"30"`

	// Rows the relay gave up on stay longer so operators can replay them.
	TerminalRetentionDays int `envconfig:"JOBCORE_OUTBOX_TERMINAL_RETENTION_DAYS" default:"90"`
}

// RetryConfig feeds the backoff policy shared by job retries and webhook redelivery.
type RetryConfig struct {
	Base               time.Duration `envconfig:"JOBCORE_RETRY_BASE" default:"1s"`
	Cap                time.Duration `envconfig:"JOBCORE_RETRY_CAP" default:"5m"`
	DefaultMaxAttempts int           `envconfig:"JOBCORE_RETRY_DEFAULT_MAX_ATTEMPTS" default:"5"`
}

type IdempotencyConfig struct {
	TTL           time.Duration `envconfig:"JOBCORE_IDEMPOTENCY_TTL" default:"24h"`
	InProgressTTL time.Duration `envconfig:"JOBCORE_IDEMPOTENCY_IN_PROGRESS_TTL" default:"5m"`
	PollInterval  time.Duration `envconfig:"JOBCORE_IDEMPOTENCY_POLL_INTERVAL" default:"100ms"`
	AwaitTimeout  time.Duration `envconfig:"JOBCORE_IDEMPOTENCY_AWAIT_TIMEOUT" default:"10s"`
}

type WebhookConfig struct {
	LockTTL     time.Duration `envconfig:"JOBCORE_WEBHOOK_LOCK_TTL" default:"2m"`
	MaxAttempts int           `envconfig:"JOBCORE_WEBHOOK_MAX_ATTEMPTS" default:"8"`
}

type SequenceConfig struct {
	MaxAttempts uint64        `envconfig:"JOBCORE_SEQUENCE_MAX_ATTEMPTS" default:"5"`
	RetryBase   time.Duration `envconfig:"JOBCORE_SEQUENCE_RETRY_BASE" default:"5ms"`
	RetryCap    time.Duration `envconfig:"JOBCORE_SEQUENCE_RETRY_CAP" default:"100ms"`
}

type AuditConfig struct {
	AppendMaxAttempts uint64 `envconfig:"JOBCORE_AUDIT_APPEND_MAX_ATTEMPTS" default:"8"`
	VerifyBatchSize   int    `envconfig:"JOBCORE_AUDIT_VERIFY_BATCH_SIZE" default:"500"`
}

type WorkerConfig struct {
	Concurrency     int           `envconfig:"JOBCORE_WORKER_CONCURRENCY" default:"4"`
	ShutdownTimeout time.Duration `envconfig:"JOBCORE_WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
}

type CronConfig struct {
	Interval                time.Duration `envconfig:"JOBCORE_CRON_INTERVAL" default:"1m"`
	LockTTL                 time.Duration `envconfig:"JOBCORE_CRON_LOCK_TTL" default:"5m"`
	DeadLetterRetentionDays int           `envconfig:"JOBCORE_DEAD_LETTER_RETENTION_DAYS" default:"30"`
	StaleQueuedAfter        time.Duration `envconfig:"JOBCORE_STALE_QUEUED_AFTER" default:"10m"`
	RedispatchBatchSize     int           `envconfig:"JOBCORE_REDISPATCH_BATCH_SIZE" default:"100"`
	PurgeEvery              time.Duration `envconfig:"JOBCORE_CRON_PURGE_EVERY" default:"1h"`
	AuditVerifyEvery        time.Duration `envconfig:"JOBCORE_CRON_AUDIT_VERIFY_EVERY" default:"1h"`
	RetentionEvery          time.Duration `envconfig:"JOBCORE_CRON_RETENTION_EVERY" default:"24h"`
}

// AdminConfig drives cmd/admin. Purge routes are only mounted when
// AllowPurge is set; everything else is read-only.
type AdminConfig struct {
	Port            string        `envconfig:"JOBCORE_ADMIN_PORT" default:"8081"`
	AllowPurge      bool          `envconfig:"JOBCORE_ADMIN_ALLOW_PURGE" default:"false"`
	ShutdownTimeout time.Duration `envconfig:"JOBCORE_ADMIN_SHUTDOWN_TIMEOUT" default:"10s"`
}

func (db *DBConfig) ensureDSN(sqlite bool) error {
	if db.DSN != "" {
		return nil
	}
	if sqlite {
		db.Driver = DriverSQLite
		db.DSN = "file:jobcore.db?cache=shared"
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
