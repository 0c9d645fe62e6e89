package config

const EnvPrefix = "JOBCORE"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

const (
	EnvAppEnv   = "JOBCORE_APP_ENV"
	EnvPort     = "JOBCORE_APP_PORT"
	EnvLogLevel = "JOBCORE_LOG_LEVEL"

	EnvDBDSN  = "JOBCORE_DB_DSN"
	EnvDBHost = "JOBCORE_DB_HOST"
	EnvDBUser = "JOBCORE_DB_USER"
	EnvDBName = "JOBCORE_DB_NAME"

	EnvRedisURL     = "JOBCORE_REDIS_URL"
	EnvAMQPURL      = "JOBCORE_AMQP_URL"
	EnvTopologyFile = "JOBCORE_TOPOLOGY_FILE"
	EnvUseSQLite    = "JOBCORE_USE_SQLITE"

	EnvRetryBase            = "JOBCORE_RETRY_BASE"
	EnvRetryCap             = "JOBCORE_RETRY_CAP"
	EnvIdempotencyTTL       = "JOBCORE_IDEMPOTENCY_TTL"
	EnvWorkerConcurrency    = "JOBCORE_WORKER_CONCURRENCY"
	EnvPubSubLifecycleTopic = "JOBCORE_PUBSUB_LIFECYCLE_TOPIC"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
