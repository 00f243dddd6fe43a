// Package config reads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config holds every TALLY_* setting.
type Config struct {
	HTTPAddr string
	GRPCAddr string
	Env      string
	LogLevel string

	Store     string
	PGDSN     string
	PGDriver  string
	MongoURI  string
	MongoDB   string
	RedisAddr string

	KafkaBrokers []string
	KafkaTopic   string

	RateBurst   int
	RatePerSec  float64
	CORSOrigins []string

	DisplayCurrency string
	ShutdownTimeout time.Duration
}

// Production reports whether TALLY_ENV is production.
func (c Config) Production() bool { return c.Env == "production" }

// Load reads .env files (missing ones are ignored) and then the environment.
// Variables already set in the environment win over .env values.
func Load(files ...string) (Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load env file: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function and validates it.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(key, def string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return def
	}

	c := Config{
		HTTPAddr:        get("TALLY_HTTP_ADDR", ":8080"),
		GRPCAddr:        get("TALLY_GRPC_ADDR", ""),
		Env:             strings.ToLower(get("TALLY_ENV", "development")),
		LogLevel:        get("TALLY_LOG_LEVEL", "info"),
		Store:           strings.ToLower(get("TALLY_STORE", "")),
		PGDSN:           get("TALLY_PG_DSN", ""),
		PGDriver:        get("TALLY_PG_DRIVER", "pgx"),
		MongoURI:        get("TALLY_MONGO_URI", ""),
		MongoDB:         get("TALLY_MONGO_DB", "tally"),
		RedisAddr:       get("TALLY_REDIS_ADDR", ""),
		KafkaBrokers:    splitList(get("TALLY_KAFKA_BROKERS", "")),
		KafkaTopic:      get("TALLY_KAFKA_TOPIC", "tally.ledger"),
		CORSOrigins:     splitList(get("TALLY_CORS_ORIGINS", "")),
		DisplayCurrency: strings.ToUpper(get("TALLY_DISPLAY_CURRENCY", "USD")),
	}

	var errs []error
	var err error
	if c.RateBurst, err = strconv.Atoi(get("TALLY_RATE_BURST", "50")); err != nil || c.RateBurst <= 0 {
		errs = append(errs, fmt.Errorf("TALLY_RATE_BURST must be a positive integer"))
	}
	if c.RatePerSec, err = strconv.ParseFloat(get("TALLY_RATE_PER_SEC", "20"), 64); err != nil || c.RatePerSec <= 0 {
		errs = append(errs, fmt.Errorf("TALLY_RATE_PER_SEC must be a positive number"))
	}
	if c.ShutdownTimeout, err = time.ParseDuration(get("TALLY_SHUTDOWN_TIMEOUT", "10s")); err != nil || c.ShutdownTimeout <= 0 {
		errs = append(errs, fmt.Errorf("TALLY_SHUTDOWN_TIMEOUT must be a positive duration"))
	}

	// Pick the store from whatever is configured when not named explicitly.
	if c.Store == "" {
		switch {
		case c.PGDSN != "":
			c.Store = StorePostgres
		case c.MongoURI != "":
			c.Store = StoreMongo
		default:
			c.Store = StoreMemory
		}
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.PGDSN == "" {
			errs = append(errs, errors.New("TALLY_PG_DSN is required for the postgres store"))
		}
		if c.PGDriver != "pgx" && c.PGDriver != "postgres" {
			errs = append(errs, fmt.Errorf("TALLY_PG_DRIVER must be pgx or postgres, got %q", c.PGDriver))
		}
	case StoreMongo:
		if c.MongoURI == "" {
			errs = append(errs, errors.New("TALLY_MONGO_URI is required for the mongo store"))
		}
	default:
		errs = append(errs, fmt.Errorf("TALLY_STORE must be memory, postgres or mongo, got %q", c.Store))
	}
	if len(c.DisplayCurrency) != 3 {
		errs = append(errs, fmt.Errorf("TALLY_DISPLAY_CURRENCY must be an ISO 4217 code, got %q", c.DisplayCurrency))
	}

	if len(errs) > 0 {
		return Config{}, errors.Join(errs...)
	}
	return c, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
