package config

import (
	"fmt"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/Gobusters/ectologger"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"aspen-api"`
	Port                          int      `env:"PORT" env-default:"3004"`
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

	// PostgreSQL (record store)
	DatabaseDriver                string        `env:"DB_DRIVER" env-default:"postgres"`
	DatabaseHost                  string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                  int           `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"aspen"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"10s"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/migrations"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Graph database (Memgraph, edge store)
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`

	// Redis (run locks)
	RedisHost     string        `env:"REDIS_HOST" env-default:"localhost"`
	RedisPort     int           `env:"REDIS_PORT" env-default:"6379"`
	RedisPassword string        `env:"REDIS_PASSWORD" env-default:""`
	RedisDB       int           `env:"REDIS_DB" env-default:"0"`
	RunLockTTL    time.Duration `env:"RUN_LOCK_TTL" env-default:"30m"`

	// Kafka consumer (pipeline run requests)
	KafkaBrokers         []string `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaRunRequestTopic string   `env:"KAFKA_RUN_REQUEST_TOPIC" env-default:"resolution-run-requests"`
	KafkaConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" env-default:"aspen-consumer"`
	KafkaConsumerEnabled bool     `env:"KAFKA_CONSUMER_ENABLED" env-default:"true"`

	// Kafka producer (pipeline lifecycle events)
	KafkaEventsTopic  string `env:"KAFKA_EVENTS_TOPIC" env-default:"resolution-events"`
	KafkaBatchSize    int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression  string `env:"KAFKA_COMPRESSION" env-default:"snappy" validate:"oneof=none snappy gzip lz4 zstd"`

	// Tracing
	TracingEnabled    bool   `env:"TRACING_ENABLED" env-default:"false"`
	TraceExporter     string `env:"TRACE_EXPORTER" env-default:"console" validate:"oneof=console otlp"`
	TraceOTLPTarget   string `env:"TRACE_OTLP_TARGET" env-default:"localhost:4317"`
	TraceOTLPProto    string `env:"TRACE_OTLP_PROTOCOL" env-default:"grpc" validate:"oneof=grpc http"`
	TraceOTLPInsecure bool   `env:"TRACE_OTLP_INSECURE" env-default:"true"`

	// Pipeline processing
	ScoringBatchSize      int           `env:"SCORING_BATCH_SIZE" env-default:"500"`
	MaterializeBatchSize  int           `env:"MATERIALIZE_BATCH_SIZE" env-default:"200"`
	PipelineConcurrency   int           `env:"PIPELINE_CONCURRENCY" env-default:"4"`
	DocumentFetchChunk    int           `env:"DOCUMENT_FETCH_CHUNK_SIZE" env-default:"500"`
	StoreTimeout          time.Duration `env:"STORE_TIMEOUT" env-default:"30s"`
	StoreRetryAttempts    int           `env:"STORE_RETRY_ATTEMPTS" env-default:"3"`
	StoreRetryBaseDelay   time.Duration `env:"STORE_RETRY_BASE_DELAY" env-default:"100ms"`
	ClusterStorageEnabled bool          `env:"CLUSTER_STORAGE_ENABLED" env-default:"true"`
	CandidateAuditEnabled bool          `env:"CANDIDATE_AUDIT_ENABLED" env-default:"false"`
}

// Load reads .env when present, binds environment variables and validates the
// result. Validation failures stop the service before anything connects.
func Load(logger ectologger.Logger) (Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debugf("No .env file loaded: %v", err)
	}

	var cfg Config
	if err := ectoenv.BindEnv(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to bind environment: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
