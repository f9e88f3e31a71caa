package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/models"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string

	PGDSN string

	OSRMEndpoint  string
	ETACacheTTL   time.Duration
	StaticSpeedKmh float64

	OfferTTL       time.Duration
	CandidateLimit int
	RadiusKm       float64
	SweepInterval  time.Duration
	Currency       string

	Fares *fare.Table

	JWTSecret string

	FCMEndpoint string
	FCMKey      string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		ETACacheTTL:     30 * time.Second,
		StaticSpeedKmh:  30,
		OfferTTL:        60 * time.Second,
		CandidateLimit:  3,
		RadiusKm:        50,
		SweepInterval:   30 * time.Second,
		Currency:        "INR",
		LogLevel:        "info",
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

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.StaticSpeedKmh, "STATIC_SPEED_KMH", &errs)

	setDurationFromEnv(&cfg.OfferTTL, "OFFER_TTL", &errs)
	setIntFromEnv(&cfg.CandidateLimit, "CANDIDATE_LIMIT", &errs)
	setFloatFromEnv(&cfg.RadiusKm, "SEARCH_RADIUS_KM", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	cfg.Fares = loadFareTable(&errs)

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	cfg.FCMEndpoint = strings.TrimSpace(os.Getenv("FCM_ENDPOINT"))
	cfg.FCMKey = os.Getenv("FCM_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("CANDIDATE_LIMIT must be > 0"))
	}
	if cfg.OfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_TTL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// loadFareTable builds per-class pricing from FARE_<CLASS>_PER_KM /
// FARE_<CLASS>_MINIMUM, starting from the reference defaults. The unknown
// class policy defaults to strict rejection; FARE_ALLOW_UNKNOWN_CLASS=true
// opts back into pricing unknown classes at the fallback rate.
func loadFareTable(errs *[]error) *fare.Table {
	t := fare.DefaultTable()
	for class, rate := range t.Classes {
		upper := strings.ToUpper(string(class))
		setFloatFromEnv(&rate.PerKm, "FARE_"+upper+"_PER_KM", errs)
		setFloatFromEnv(&rate.Minimum, "FARE_"+upper+"_MINIMUM", errs)
		t.Classes[class] = rate
	}
	if extra := os.Getenv("FARE_EXTRA_CLASSES"); extra != "" {
		for _, name := range splitAndTrim(extra) {
			rate := t.Fallback
			upper := strings.ToUpper(name)
			setFloatFromEnv(&rate.PerKm, "FARE_"+upper+"_PER_KM", errs)
			setFloatFromEnv(&rate.Minimum, "FARE_"+upper+"_MINIMUM", errs)
			t.Classes[models.VehicleClass(name)] = rate
		}
	}
	setFloatFromEnv(&t.Fallback.PerKm, "FARE_DEFAULT_PER_KM", errs)
	setFloatFromEnv(&t.Fallback.Minimum, "FARE_DEFAULT_MINIMUM", errs)
	if strings.EqualFold(os.Getenv("FARE_ALLOW_UNKNOWN_CLASS"), "true") {
		t.Strict = false
	}
	return t
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
