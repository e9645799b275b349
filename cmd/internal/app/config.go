package app

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Media backends.
const (
	MediaMemory = "memory"
	MediaS3     = "s3"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr   string
	LogLevel   string
	LogFormat  string
	InstanceID string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	MaxHeaderBytes    int

	// PublicBaseURL is the externally visible origin of this server. It
	// defaults to the bind address and prefixes in-memory media URLs.
	PublicBaseURL string

	Store       string
	DatabaseURL string
	DBSchema    string
	DBMaxConns  int32
	DBMinConns  int32

	MongoURI      string
	MongoDatabase string
	MongoMaxPool  int

	Media           string
	S3Bucket        string
	S3Region        string
	S3Endpoint      string
	S3PublicBaseURL string

	// Optional fan-out and side channels. Empty disables each one.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	PresenceTTL   time.Duration
	NATSURL       string
	KafkaBrokers  []string
	KafkaTopic    string

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool

	MetricsEnabled bool

	// DevTokens exposes POST /dev/tokens for local runs and smoke tools.
	DevTokens bool

	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	cfg := Config{
		HTTPAddr:   EnvString("DUET_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:   EnvString("DUET_LOG_LEVEL", "info"),
		LogFormat:  strings.ToLower(EnvString("DUET_LOG_FORMAT", "json")),
		InstanceID: EnvString("DUET_INSTANCE_ID", ""),

		ReadHeaderTimeout: EnvDuration("DUET_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("DUET_HTTP_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:      EnvDuration("DUET_HTTP_WRITE_TIMEOUT", 30*time.Second),
		IdleTimeout:       EnvDuration("DUET_HTTP_IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   EnvDuration("DUET_SHUTDOWN_TIMEOUT", 10*time.Second),

		MaxHeaderBytes: EnvInt("DUET_HTTP_MAX_HEADER_BYTES", 1<<20),

		PublicBaseURL: EnvString("DUET_PUBLIC_BASE_URL", ""),

		Store:       strings.ToLower(EnvString("DUET_STORE", "")),
		DatabaseURL: EnvString("DUET_DATABASE_URL", ""),
		DBSchema:    EnvString("DUET_DB_SCHEMA", "duet"),
		DBMaxConns:  EnvInt32("DUET_DB_MAX_CONNS", 10),
		DBMinConns:  EnvInt32("DUET_DB_MIN_CONNS", 0),

		MongoURI:      EnvString("DUET_MONGO_URI", ""),
		MongoDatabase: EnvString("DUET_MONGO_DB", "duet"),
		MongoMaxPool:  EnvInt("DUET_MONGO_MAX_POOL", 20),

		Media:           strings.ToLower(EnvString("DUET_MEDIA", MediaMemory)),
		S3Bucket:        EnvString("DUET_S3_BUCKET", ""),
		S3Region:        EnvString("DUET_S3_REGION", ""),
		S3Endpoint:      EnvString("DUET_S3_ENDPOINT", ""),
		S3PublicBaseURL: EnvString("DUET_S3_PUBLIC_BASE_URL", ""),

		RedisAddr:     EnvString("DUET_REDIS_ADDR", ""),
		RedisPassword: EnvString("DUET_REDIS_PASSWORD", ""),
		RedisDB:       EnvInt("DUET_REDIS_DB", 0),
		PresenceTTL:   EnvDuration("DUET_PRESENCE_TTL", 90*time.Second),
		NATSURL:       EnvString("DUET_NATS_URL", ""),
		KafkaBrokers:  EnvCSV("DUET_KAFKA_BROKERS", nil),
		KafkaTopic:    EnvString("DUET_KAFKA_TOPIC", "duet.chat.events"),

		ReadinessRequireDB: EnvBool("DUET_READINESS_REQUIRE_DB", false),
		MetricsEnabled:     EnvBool("DUET_METRICS_ENABLED", true),
		DevTokens:          EnvBool("DUET_DEV_TOKENS", false),

		CORSAllowedOrigins:   EnvCSV("DUET_CORS_ALLOWED_ORIGINS", nil),
		CORSAllowCredentials: EnvBool("DUET_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("DUET_CORS_MAX_AGE_SECONDS", 600),
	}

	// The store follows the configured connection string unless pinned.
	if cfg.Store == "" {
		switch {
		case cfg.DatabaseURL != "":
			cfg.Store = StorePostgres
		case cfg.MongoURI != "":
			cfg.Store = StoreMongo
		default:
			cfg.Store = StoreMemory
		}
	}
	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = runtimeBaseURL(cfg.HTTPAddr)
	}
	return cfg
}

// Validate reports configuration that cannot start a server.
func (c Config) Validate() error {
	var errs []error

	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DUET_DATABASE_URL required for postgres store"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("DUET_MONGO_URI required for mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DUET_STORE %q", c.Store))
	}

	switch c.Media {
	case MediaMemory:
	case MediaS3:
		if c.S3Bucket == "" || c.S3Region == "" {
			errs = append(errs, errors.New("DUET_S3_BUCKET and DUET_S3_REGION required for s3 media"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown DUET_MEDIA %q", c.Media))
	}

	switch c.LogFormat {
	case "json", "text", "pretty":
	default:
		errs = append(errs, fmt.Errorf("unknown DUET_LOG_FORMAT %q", c.LogFormat))
	}

	if c.ReadinessRequireDB && c.Store == StoreMemory {
		errs = append(errs, errors.New("DUET_READINESS_REQUIRE_DB set without a durable store"))
	}
	return errors.Join(errs...)
}
