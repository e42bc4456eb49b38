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

// Config is the process configuration, read from CLEARANCE_* variables.
type Config struct {
	HTTPAddr            string
	GRPCAddr            string
	PGDSN               string
	PolicyFile          string
	TokenSecret         string
	TokenTTL            time.Duration
	Issuer              string
	RedisAddr           string
	RedisPassword       string
	NATSURL             string
	RateBurst           int
	RatePerSec          float64
	LogLevel            string
	ReviewerCorrections bool
	MaxBodyBytes        int64
}

// Load reads an optional .env file then the environment. A missing .env is not an error.
func Load(envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config from a lookup function (os.LookupEnv in production).
func FromLookup(lookup func(string) (string, bool)) (Config, error) {
	r := reader{lookup: lookup}
	cfg := Config{
		HTTPAddr:            r.str("CLEARANCE_HTTP_ADDR", ":8080"),
		GRPCAddr:            r.str("CLEARANCE_GRPC_ADDR", ":9090"),
		PGDSN:               r.str("CLEARANCE_PG_DSN", ""),
		PolicyFile:          r.str("CLEARANCE_POLICY_FILE", ""),
		TokenSecret:         r.str("CLEARANCE_TOKEN_SECRET", ""),
		TokenTTL:            r.duration("CLEARANCE_TOKEN_TTL", time.Hour),
		Issuer:              r.str("CLEARANCE_ISSUER", "clearance"),
		RedisAddr:           r.str("CLEARANCE_REDIS_ADDR", ""),
		RedisPassword:       r.str("CLEARANCE_REDIS_PASSWORD", ""),
		NATSURL:             r.str("CLEARANCE_NATS_URL", ""),
		RateBurst:           r.integer("CLEARANCE_RATE_BURST", 20),
		RatePerSec:          r.float("CLEARANCE_RATE_PER_SEC", 10),
		LogLevel:            r.str("CLEARANCE_LOG_LEVEL", "info"),
		ReviewerCorrections: r.boolean("CLEARANCE_REVIEWER_CORRECTIONS", true),
		MaxBodyBytes:        int64(r.integer("CLEARANCE_MAX_BODY_BYTES", 1<<20)),
	}
	if r.err != nil {
		return Config{}, r.err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.TokenSecret == "" {
		return errors.New("config: CLEARANCE_TOKEN_SECRET is required")
	}
	if c.TokenTTL <= 0 {
		return errors.New("config: CLEARANCE_TOKEN_TTL must be positive")
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		return errors.New("config: rate limit values must be positive")
	}
	if c.MaxBodyBytes <= 0 {
		return errors.New("config: CLEARANCE_MAX_BODY_BYTES must be positive")
	}
	return nil
}

type reader struct {
	lookup func(string) (string, bool)
	err    error
}

func (r *reader) raw(key string) (string, bool) {
	v, ok := r.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (r *reader) str(key, def string) string {
	if v, ok := r.raw(key); ok {
		return v
	}
	return def
}

func (r *reader) fail(key, v string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("config: %s=%q: %w", key, v, err)
	}
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return d
}

func (r *reader) integer(key string, def int) int {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return n
}

func (r *reader) float(key string, def float64) float64 {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return f
}

func (r *reader) boolean(key string, def bool) bool {
	v, ok := r.raw(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		r.fail(key, v, err)
		return def
	}
	return b
}
