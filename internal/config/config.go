// Package config loads application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration values. Each field corresponds to
// an environment variable.
type Config struct {
	Env            string // APP_ENV
	Port           string // APP_PORT
	DBUser         string
	DBPass         string // may be empty
	DBHost         string
	DBPort         string
	DBName         string
	JWTSecret      string
	AccessTTLMin   int
	RefreshTTLDays int
	BcryptCost     int

	LogLevel  slog.Level
	LogFormat string // json | text

	// Generation queue.
	StaleThreshold    time.Duration
	ReapInterval      time.Duration
	DispatchInterval  time.Duration
	DispatchWorkers   int
	AverageJobSeconds int
	SignupTickets     int
	AdminEmails       map[string]bool

	// AI provider. An empty ProviderURL selects the in-process fake.
	ProviderURL     string
	ProviderAPIKey  string
	ProviderTimeout time.Duration
	ProviderRPS     float64
	ProviderBurst   int

	RabbitURL string // RABBITMQ_URL; empty disables lifecycle events
	EventsDir string
}

// Load reads configuration values from environment variables. Required
// variables are enforced by must() and missing values cause the program to
// exit with a fatal log message.
func Load() Config {
	return Config{
		Env:            must("APP_ENV"),
		Port:           must("APP_PORT"),
		DBUser:         must("DB_USER"),
		DBPass:         os.Getenv("DB_PASS"),
		DBHost:         must("DB_HOST"),
		DBPort:         must("DB_PORT"),
		DBName:         must("DB_NAME"),
		JWTSecret:      must("JWT_SECRET"),
		AccessTTLMin:   mustInt("ACCESS_TOKEN_TTL_MIN"),
		RefreshTTLDays: mustInt("REFRESH_TOKEN_TTL_DAYS"),
		BcryptCost:     mustInt("BCRYPT_COST"),

		LogLevel:  envLevel("LOG_LEVEL", slog.LevelInfo),
		LogFormat: strings.ToLower(envStr("LOG_FORMAT", "json")),

		StaleThreshold:    envDur("STALE_THRESHOLD", 15*time.Minute),
		ReapInterval:      envDur("REAP_INTERVAL", time.Minute),
		DispatchInterval:  envDur("DISPATCH_INTERVAL", 5*time.Second),
		DispatchWorkers:   envInt("DISPATCH_WORKERS", 8),
		AverageJobSeconds: envInt("AVERAGE_JOB_SECONDS", 30),
		SignupTickets:     envInt("SIGNUP_TICKETS", 0),
		AdminEmails:       envSet("ADMIN_EMAILS"),

		ProviderURL:     os.Getenv("PROVIDER_URL"),
		ProviderAPIKey:  os.Getenv("PROVIDER_API_KEY"),
		ProviderTimeout: envDur("PROVIDER_TIMEOUT", 10*time.Minute),
		ProviderRPS:     envFloat("PROVIDER_RPS", 5),
		ProviderBurst:   envInt("PROVIDER_BURST", 1),

		RabbitURL: os.Getenv("RABBITMQ_URL"),
		EventsDir: envStr("EVENTS_LOG_DIR", "logs"),
	}
}

// Validate reports settings that would break the queue's guarantees.
func (c Config) Validate() error {
	var errs []error
	if c.StaleThreshold <= 0 {
		errs = append(errs, errors.New("STALE_THRESHOLD must be positive"))
	}
	if c.ProviderTimeout <= 0 {
		errs = append(errs, errors.New("PROVIDER_TIMEOUT must be positive"))
	}
	// A provider call that outlives the threshold would be reaped while
	// still running.
	if c.ProviderTimeout >= c.StaleThreshold {
		errs = append(errs, fmt.Errorf("PROVIDER_TIMEOUT (%s) must be shorter than STALE_THRESHOLD (%s)",
			c.ProviderTimeout, c.StaleThreshold))
	}
	if c.DispatchInterval <= 0 {
		errs = append(errs, errors.New("DISPATCH_INTERVAL must be positive"))
	}
	if c.DispatchWorkers < 1 {
		errs = append(errs, errors.New("DISPATCH_WORKERS must be at least 1"))
	}
	if c.AverageJobSeconds < 0 || c.SignupTickets < 0 {
		errs = append(errs, errors.New("AVERAGE_JOB_SECONDS and SIGNUP_TICKETS must not be negative"))
	}
	if c.ProviderRPS < 0 {
		errs = append(errs, errors.New("PROVIDER_RPS must not be negative"))
	}
	return errors.Join(errs...)
}

// IsAdminEmail reports whether email is listed in ADMIN_EMAILS.
func (c Config) IsAdminEmail(email string) bool {
	return c.AdminEmails[strings.ToLower(strings.TrimSpace(email))]
}

// must retrieves the value of a required environment variable.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}

func envStr(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func envBool(k string, d bool) bool {
	switch strings.ToLower(os.Getenv(k)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return d
}

func envInt(k string, d int) int {
	if n, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return n
	}
	return d
}

func envFloat(k string, d float64) float64 {
	if f, err := strconv.ParseFloat(os.Getenv(k), 64); err == nil {
		return f
	}
	return d
}

func envDur(k string, d time.Duration) time.Duration {
	if dur, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return dur
	}
	return d
}

func envLevel(k string, d slog.Level) slog.Level {
	v := os.Getenv(k)
	if v == "" {
		return d
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(v)); err != nil {
		return d
	}
	return l
}

// envSet parses a comma separated list into a lower-cased set.
func envSet(k string) map[string]bool {
	m := map[string]bool{}
	for _, p := range strings.Split(os.Getenv(k), ",") {
		if p = strings.ToLower(strings.TrimSpace(p)); p != "" {
			m[p] = true
		}
	}
	return m
}
