package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // STATS_TIMEZONE must resolve on hosts without zoneinfo
)

type StoreBackend string

const (
	StoreMemory   StoreBackend = "memory"
	StorePostgres StoreBackend = "postgres"
	StoreMongo    StoreBackend = "mongo"
)

// ServerConfig captures all tunable parameters for the API and consumer
// processes. Everything has a default so a bare `go run ./cmd/server` works
// against in-memory backends.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Empty RedisAddr selects the in-process KV store.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StoreBackend  StoreBackend
	PGDSN         string
	RunMigrations bool
	MongoURI      string
	MongoDB       string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	// Empty AMQPURL keeps notifications on this instance only.
	AMQPURL      string
	AMQPExchange string

	OSRMEndpoint   string
	RoutingTimeout time.Duration
	RouteCacheTTL  time.Duration

	PresenceOnlineTTL   time.Duration
	PresenceLocationTTL time.Duration
	AcceptLockTTL       time.Duration
	MatchRadiusMeters   float64
	MatchMinBattery     float64
	FareEnforceRange    bool
	StatsTimezone       string

	NotifyQueueSize int
	NotifyWorkers   int

	JWTSecret string
	JWTTTL    time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		StoreBackend:        StoreMemory,
		MongoDB:             "ride_dispatch",
		KafkaTopic:          "driver-locations",
		KafkaGroup:          "location-consumer",
		AMQPExchange:        "ride-dispatch.events",
		RoutingTimeout:      10 * time.Second,
		RouteCacheTTL:       10 * time.Minute,
		PresenceOnlineTTL:   time.Hour,
		PresenceLocationTTL: 300 * time.Second,
		AcceptLockTTL:       10 * time.Second,
		MatchRadiusMeters:   5000,
		MatchMinBattery:     30,
		StatsTimezone:       "Asia/Kolkata",
		NotifyQueueSize:     1024,
		NotifyWorkers:       4,
		JWTTTL:              24 * time.Hour,
		LogLevel:            "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)

	if v := os.Getenv("STORE_BACKEND"); v != "" {
		cfg.StoreBackend = StoreBackend(strings.ToLower(strings.TrimSpace(v)))
	}
	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	cfg.MongoURI = strings.TrimSpace(os.Getenv("MONGO_URI"))
	setStringFromEnv(&cfg.MongoDB, "MONGO_DB")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")

	cfg.AMQPURL = strings.TrimSpace(os.Getenv("AMQP_URL"))
	setStringFromEnv(&cfg.AMQPExchange, "AMQP_EXCHANGE")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	setDurationFromEnv(&cfg.PresenceOnlineTTL, "PRESENCE_ONLINE_TTL", &errs)
	setDurationFromEnv(&cfg.PresenceLocationTTL, "PRESENCE_LOCATION_TTL", &errs)
	setDurationFromEnv(&cfg.AcceptLockTTL, "ACCEPT_LOCK_TTL", &errs)
	setFloatFromEnv(&cfg.MatchRadiusMeters, "MATCH_RADIUS_METERS", &errs)
	setFloatFromEnv(&cfg.MatchMinBattery, "MATCH_MIN_BATTERY", &errs)
	setBoolFromEnv(&cfg.FareEnforceRange, "FARE_ENFORCE_RANGE", &errs)
	setStringFromEnv(&cfg.StatsTimezone, "STATS_TIMEZONE")

	setIntFromEnv(&cfg.NotifyQueueSize, "NOTIFY_QUEUE_SIZE", &errs)
	setIntFromEnv(&cfg.NotifyWorkers, "NOTIFY_WORKERS", &errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.JWTTTL, "JWT_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.StoreBackend {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("PG_DSN is required when STORE_BACKEND=postgres"))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("MONGO_URI is required when STORE_BACKEND=mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}
	if c.MatchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("MATCH_RADIUS_METERS must be > 0"))
	}
	if c.MatchMinBattery < 0 || c.MatchMinBattery > 100 {
		errs = append(errs, fmt.Errorf("MATCH_MIN_BATTERY must be within 0..100"))
	}
	if c.AcceptLockTTL <= 0 {
		errs = append(errs, fmt.Errorf("ACCEPT_LOCK_TTL must be > 0"))
	}
	if c.NotifyQueueSize <= 0 || c.NotifyWorkers <= 0 {
		errs = append(errs, fmt.Errorf("NOTIFY_QUEUE_SIZE and NOTIFY_WORKERS must be > 0"))
	}
	if _, err := time.LoadLocation(c.StatsTimezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid STATS_TIMEZONE: %w", err))
	}
	return errs
}

// Location resolves StatsTimezone; LoadServerConfig has already checked it.
func (c ServerConfig) Location() *time.Location {
	loc, err := time.LoadLocation(c.StatsTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
