// Package config loads the process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/Gobusters/ectoenv"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/Ramsey-B/clover/pkg/database"
)

type Config struct {
	AppName                       string   `env:"APP_NAME" env-default:"clover-api"`
	Version                       string   `env:"APP_VERSION" env-default:"dev"`
	Port                          int      `env:"PORT" env-default:"3004"`
	LogLevel                      string   `env:"LOG_LEVEL" env-default:"info"`
	PrettyLogs                    bool     `env:"PRETTY_LOGS" env-default:"false"`
	HttpServerWriteTimeoutSeconds int      `env:"HTTP_SERVER_WRITE_TIMEOUT_SECONDS" env-default:"30"`
	HttpServerReadTimeoutSeconds  int      `env:"HTTP_SERVER_READ_TIMEOUT_SECONDS" env-default:"10"`
	HttpServerIdleTimeoutSeconds  int      `env:"HTTP_SERVER_IDLE_TIMEOUT_SECONDS" env-default:"60"`
	MaxHeaderBytes                int      `env:"HTTP_SERVER_MAX_HEADER_BYTES" env-default:"64000"` // 64KB
	ReadHeaderTimeoutSeconds      int      `env:"HTTP_SERVER_READ_HEADER_TIMEOUT_SECONDS" env-default:"10"`
	AllowOrigins                  []string `env:"HTTP_SERVER_ALLOW_ORIGINS" env-default:"*"`
	AllowMethods                  []string `env:"HTTP_SERVER_ALLOW_METHODS" env-default:"GET,POST,PATCH,DELETE"`
	StartupMaxAttempts            int      `env:"STARTUP_MAX_ATTEMPTS" env-default:"5"`
	ShutdownTimeoutSeconds        int      `env:"SHUTDOWN_TIMEOUT_SECONDS" env-default:"15"`

	// Resolution parameters
	ParamsPath  string `env:"PARAMS_PATH" env-default:"config/params.yaml"`
	ParamsWatch bool   `env:"PARAMS_WATCH" env-default:"true"`

	// PostgreSQL
	DatabaseHost                  string        `env:"DB_HOST" env-default:"localhost"`
	DatabasePort                  string        `env:"DB_PORT" env-default:"5432"`
	DatabaseUserName              string        `env:"DB_USER_NAME" env-default:""`
	DatabasePassword              string        `env:"DB_PASSWORD" env-default:""`
	DatabaseName                  string        `env:"DB_NAME" env-default:"clover"`
	DatabaseSSLMode               string        `env:"DB_SSL_MODE" env-default:"disable"`
	DatabaseMaxOpenConns          int           `env:"DB_MAX_OPEN_CONNS" env-default:"25"`
	DatabaseMaxIdleConns          int           `env:"DB_MAX_IDLE_CONNS" env-default:"10"`
	DatabaseConnMaxLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" env-default:"5m"`
	DatabaseLockMaxConns          int           `env:"DB_LOCK_MAX_CONNS" env-default:"10"`
	DatabaseMigrationFolderPath   string        `env:"DB_MIGRATION_FOLDER_PATH" env-default:"db/pg"`
	DatabaseMigrationVersion      int           `env:"DB_MIGRATION_VERSION" env-default:"0"`
	DatabaseMigrationForce        int           `env:"DB_MIGRATION_FORCE" env-default:"0"`
	DatabaseMigrationAutoRollback bool          `env:"DB_MIGRATION_AUTO_ROLLBACK" env-default:"true"`

	// Guard locks: postgres advisory locks unless redis is enabled
	RedisEnabled   bool   `env:"REDIS_ENABLED" env-default:"false"`
	RedisAddr      string `env:"REDIS_ADDR" env-default:"localhost:6379"`
	RedisPassword  string `env:"REDIS_PASSWORD" env-default:""`
	RedisDB        int    `env:"REDIS_DB" env-default:"0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" env-default:"clover:lock:"`

	// Graph mirror (Memgraph / Neo4j)
	GraphEnabled    bool   `env:"GRAPH_ENABLED" env-default:"false"`
	GraphDBHost     string `env:"GRAPH_DB_HOST" env-default:"localhost"`
	GraphDBPort     int    `env:"GRAPH_DB_PORT" env-default:"7687"`
	GraphDBUser     string `env:"GRAPH_DB_USER" env-default:""`
	GraphDBPassword string `env:"GRAPH_DB_PASSWORD" env-default:""`
	GraphDBName     string `env:"GRAPH_DB_NAME" env-default:""`
	GraphDBPoolSize int    `env:"GRAPH_DB_POOL_SIZE" env-default:"50"`

	// Kafka consumer (incoming records)
	KafkaBrokers           []string      `env:"KAFKA_BROKERS" env-default:"localhost:9092"`
	KafkaConsumerEnabled   bool          `env:"KAFKA_CONSUMER_ENABLED" env-default:"false"`
	KafkaInputTopic        string        `env:"KAFKA_INPUT_TOPIC" env-default:"subject-records"`
	KafkaConsumerGroup     string        `env:"KAFKA_CONSUMER_GROUP" env-default:"clover-resolver"`
	KafkaHandlerMaxRetries int           `env:"KAFKA_HANDLER_MAX_RETRIES" env-default:"3"`
	KafkaHandlerBackoff    time.Duration `env:"KAFKA_HANDLER_BACKOFF" env-default:"200ms"`

	// Kafka producer (subject events)
	KafkaProducerEnabled bool   `env:"KAFKA_PRODUCER_ENABLED" env-default:"false"`
	KafkaOutputTopic     string `env:"KAFKA_OUTPUT_TOPIC" env-default:"subject-events"`
	KafkaBatchSize       int    `env:"KAFKA_BATCH_SIZE" env-default:"100"`
	KafkaBatchTimeout    int    `env:"KAFKA_BATCH_TIMEOUT_MS" env-default:"100"`
	KafkaRequiredAcks    int    `env:"KAFKA_REQUIRED_ACKS" env-default:"1"`
	KafkaCompression     string `env:"KAFKA_COMPRESSION" env-default:"snappy"`

	// Batch jobs. A zero interval disables the schedule; jobs can still be
	// triggered over HTTP.
	RefreshInterval    time.Duration `env:"REFRESH_INTERVAL" env-default:"0s"`
	RefreshChunkSize   int           `env:"REFRESH_CHUNK_SIZE" env-default:"200"`
	RefreshConcurrency int           `env:"REFRESH_CONCURRENCY" env-default:"4"`
	DetectInterval     time.Duration `env:"BLACKLIST_DETECT_INTERVAL" env-default:"0s"`
	DetectChunkSize    int           `env:"BLACKLIST_DETECT_CHUNK_SIZE" env-default:"500"`
	DetectConcurrency  int           `env:"BLACKLIST_DETECT_CONCURRENCY" env-default:"4"`
	BatchJobsDryRun    bool          `env:"BATCH_JOBS_DRY_RUN" env-default:"false"`

	// Tracing
	OTLPEnabled  bool   `env:"OTLP_ENABLED" env-default:"false"`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" env-default:"localhost:4317"`
	OTLPProtocol string `env:"OTLP_PROTOCOL" env-default:"grpc"`
	OTLPInsecure bool   `env:"OTLP_INSECURE" env-default:"true"`
}

// Database returns the connection settings
func (c *Config) Database() database.Config {
	return database.Config{
		Host:            c.DatabaseHost,
		Port:            c.DatabasePort,
		User:            c.DatabaseUserName,
		Password:        c.DatabasePassword,
		Name:            c.DatabaseName,
		SSLMode:         c.DatabaseSSLMode,
		MaxOpenConns:    c.DatabaseMaxOpenConns,
		MaxIdleConns:    c.DatabaseMaxIdleConns,
		ConnMaxLifetime: c.DatabaseConnMaxLifetime,
	}
}

// LockDatabase returns the settings of the pool that holds advisory locks
func (c *Config) LockDatabase() database.Config {
	cfg := c.Database()
	cfg.MaxOpenConns = c.DatabaseLockMaxConns
	cfg.MaxIdleConns = c.DatabaseLockMaxConns
	return cfg
}

// Migration returns the migration settings
func (c *Config) Migration() database.MigrationConfig {
	return database.MigrationConfig{
		FolderPath:   c.DatabaseMigrationFolderPath,
		Version:      uint(max(c.DatabaseMigrationVersion, 0)),
		Force:        c.DatabaseMigrationForce,
		AutoRollback: c.DatabaseMigrationAutoRollback,
	}
}

// FileEnv names an optional YAML or JSON file. Its keys are environment
// variable names and fill the ones the environment leaves unset.
const FileEnv = "CLOVER_CONFIG_FILE"

// Load reads the configuration from the environment. Variables in the given
// dotenv files (".env" when none are given) are loaded first without
// overriding the environment; missing files are skipped. The file named by
// CLOVER_CONFIG_FILE is applied the same way after them.
func Load(dotenvFiles ...string) (*Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	if path := os.Getenv(FileEnv); path != "" {
		if err := loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := ectoenv.BindEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}
	cfg.AllowOrigins = trimList(cfg.AllowOrigins)
	cfg.AllowMethods = trimList(cfg.AllowMethods)
	cfg.KafkaBrokers = trimList(cfg.KafkaBrokers)
	return cfg, nil
}

func loadFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, ok := os.LookupEnv(name); ok {
			continue
		}
		value := v.GetString(key)
		if _, ok := v.Get(key).([]any); ok {
			value = strings.Join(v.GetStringSlice(key), ",")
		}
		if err := os.Setenv(name, value); err != nil {
			return fmt.Errorf("failed to set %s: %w", name, err)
		}
	}
	return nil
}

// trimList drops blank entries from a comma separated setting
func trimList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, part := range in {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
