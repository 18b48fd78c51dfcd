package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures the tunables of the HTTP API process. Everything has
// a default so the binary runs locally with no environment at all.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	// StoreBackend is memory, postgres or redis. Empty picks postgres when
	// PG_DSN is set, then redis when REDIS_ADDR is set.
	StoreBackend string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaOfferTopic    string

	PGDSN         string
	RunMigrations bool
	MigrationsDir string

	FCMEndpoint     string
	FCMKey          string
	WebhookEndpoint string

	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	LogLevel string

	Dispatch DispatchConfig
}

// DispatchConfig tunes the per-request dispatch loop.
type DispatchConfig struct {
	InitialRadiusMeters float64
	MaxRadiusMeters     float64
	// RadiusSteps wins over RadiusGrowth when set.
	RadiusSteps   []float64
	RadiusGrowth  float64
	OfferTimeout  time.Duration
	GeoRetries    int
	GeoBackoff    time.Duration
	GeoLimit      int
	MaxOffers     int
	SchedulerTick time.Duration
}

func defaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		InitialRadiusMeters: 1000,
		MaxRadiusMeters:     5000,
		RadiusSteps:         []float64{1000, 2000, 3000, 5000},
		RadiusGrowth:        1.5,
		OfferTimeout:        60 * time.Second,
		GeoRetries:          3,
		GeoBackoff:          200 * time.Millisecond,
		GeoLimit:            50,
		SchedulerTick:       15 * time.Second,
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		KafkaLocationTopic: "driver-locations",
		KafkaOfferTopic:    "ride-offers",
		MigrationsDir:      "migrations",
		ETACacheTTL:        time.Minute,
		DefaultSpeedMps:    10,
		LogLevel:           "info",
		Dispatch:           defaultDispatchConfig(),
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
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaOfferTopic, "KAFKA_OFFER_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsDir, "MIGRATIONS_DIR")

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(os.Getenv("STORE_BACKEND")))
	switch cfg.StoreBackend {
	case "":
		switch {
		case cfg.PGDSN != "":
			cfg.StoreBackend = "postgres"
		case cfg.RedisAddr != "":
			cfg.StoreBackend = "redis"
		default:
			cfg.StoreBackend = "memory"
		}
	case "memory":
	case "postgres":
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=postgres requires PG_DSN"))
		}
	case "redis":
		if cfg.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_BACKEND %q", cfg.StoreBackend))
	}

	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")
	cfg.WebhookEndpoint = strings.TrimSpace(os.Getenv("OFFER_WEBHOOK_URL"))

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	dispatch, err := loadDispatchConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Dispatch = dispatch

	return cfg, errors.Join(errs...)
}

func loadDispatchConfig() (DispatchConfig, error) {
	cfg := defaultDispatchConfig()
	var errs []error

	setFloatFromEnv(&cfg.InitialRadiusMeters, "DISPATCH_INITIAL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.MaxRadiusMeters, "DISPATCH_MAX_RADIUS_M", &errs)
	if v := os.Getenv("DISPATCH_RADIUS_STEPS_M"); v != "" {
		steps, err := parseFloats(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid DISPATCH_RADIUS_STEPS_M: %w", err))
		} else {
			cfg.RadiusSteps = steps
		}
	}
	setFloatFromEnv(&cfg.RadiusGrowth, "DISPATCH_RADIUS_GROWTH", &errs)
	setDurationFromEnv(&cfg.OfferTimeout, "DISPATCH_OFFER_TIMEOUT", &errs)
	setIntFromEnv(&cfg.GeoRetries, "DISPATCH_GEO_RETRIES", &errs)
	setDurationFromEnv(&cfg.GeoBackoff, "DISPATCH_GEO_BACKOFF", &errs)
	setIntFromEnv(&cfg.GeoLimit, "DISPATCH_GEO_LIMIT", &errs)
	setIntFromEnv(&cfg.MaxOffers, "DISPATCH_MAX_OFFERS", &errs)
	setDurationFromEnv(&cfg.SchedulerTick, "DISPATCH_SCHEDULER_TICK", &errs)

	if cfg.InitialRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_INITIAL_RADIUS_M must be > 0"))
	}
	if cfg.MaxRadiusMeters < cfg.InitialRadiusMeters {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RADIUS_M must be >= DISPATCH_INITIAL_RADIUS_M"))
	}
	if len(cfg.RadiusSteps) == 0 && cfg.RadiusGrowth <= 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_GROWTH must be > 1 when no radius steps are set"))
	}
	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TIMEOUT must be > 0"))
	}
	if cfg.GeoRetries < 0 || cfg.MaxOffers < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_GEO_RETRIES and DISPATCH_MAX_OFFERS must be >= 0"))
	}
	if cfg.GeoLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_GEO_LIMIT must be > 0"))
	}
	if cfg.SchedulerTick <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SCHEDULER_TICK must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the driver-stream consumer's configuration.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers       []string
	KafkaGroup         string
	KafkaLocationTopic string
	KafkaResponseTopic string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	PGDSN         string

	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		MetricsAddr:        ":2112",
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaGroup:         "ride-dispatch-consumer",
		KafkaLocationTopic: "driver-locations",
		KafkaResponseTopic: "driver-responses",
		RedisAddr:          "localhost:6379",
		RedisGeoKey:        "drivers_geo",
		RetryAttempts:      3,
		RetryDelay:         200 * time.Millisecond,
		LogLevel:           "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaResponseTopic, "KAFKA_RESPONSE_TOPIC")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
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

// parseFloats reads a comma-separated list of radii, sorted ascending.
// "none" clears the list so the growth factor applies.
func parseFloats(v string) ([]float64, error) {
	if strings.EqualFold(strings.TrimSpace(v), "none") {
		return nil, nil
	}
	var out []float64
	for _, s := range splitAndTrim(v) {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, err
		}
		if f <= 0 {
			return nil, fmt.Errorf("radius %v must be > 0", f)
		}
		out = append(out, f)
	}
	sort.Float64s(out)
	return out, nil
}
