// Package config reads process configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type AdmissionBackend string

const (
	AdmissionMemory   AdmissionBackend = "memory"
	AdmissionPostgres AdmissionBackend = "postgres"
)

type Config struct {
	Port        string
	PostgresURL string

	StripeSecretKey     string
	StripeWebhookSecret string
	StripeAPIURL        string
	ProcessorMaxRetries int64
	Currency            string

	AppURL string

	AdmissionMaxRequests   int
	AdmissionWindow        time.Duration
	AdmissionBackend       AdmissionBackend
	AdmissionSweepInterval time.Duration

	DuplicateWindow time.Duration
	UpstreamTimeout time.Duration

	FulfillmentURL string
	KafkaBrokers   []string

	OTLPEndpoint string
}

// Load reads the storefront configuration. Every problem found is reported
// in the returned error, not just the first.
func Load() (Config, error) {
	var errs []error

	cfg := Config{
		Port:                getEnv("PORT", "8080"),
		PostgresURL:         os.Getenv("POSTGRES_URL"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripeAPIURL:        os.Getenv("STRIPE_API_URL"),
		Currency:            strings.ToLower(getEnv("CURRENCY", "usd")),
		AppURL:              strings.TrimRight(getEnv("APP_URL", "http://localhost:3000"), "/"),
		AdmissionBackend:    AdmissionBackend(getEnv("ADMISSION_BACKEND", string(AdmissionMemory))),
		FulfillmentURL:      os.Getenv("FULFILLMENT_URL"),
		KafkaBrokers:        Brokers(os.Getenv("KAFKA_BROKERS")),
		OTLPEndpoint:        getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
	}

	required := map[string]string{
		"POSTGRES_URL":          cfg.PostgresURL,
		"STRIPE_SECRET_KEY":     cfg.StripeSecretKey,
		"STRIPE_WEBHOOK_SECRET": cfg.StripeWebhookSecret,
	}
	for _, name := range []string{"POSTGRES_URL", "STRIPE_SECRET_KEY", "STRIPE_WEBHOOK_SECRET"} {
		if required[name] == "" {
			errs = append(errs, fmt.Errorf("%s environment variable is required", name))
		}
	}

	var err error
	if cfg.AdmissionMaxRequests, err = getInt("ADMISSION_MAX_REQUESTS", 5); err != nil {
		errs = append(errs, err)
	}
	if cfg.ProcessorMaxRetries, err = getInt64("PROCESSOR_MAX_RETRIES", 2); err != nil {
		errs = append(errs, err)
	}
	if cfg.AdmissionWindow, err = getDuration("ADMISSION_WINDOW", time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.AdmissionSweepInterval, err = getDuration("ADMISSION_SWEEP_INTERVAL", 5*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.DuplicateWindow, err = getDuration("DUPLICATE_WINDOW", 15*time.Minute); err != nil {
		errs = append(errs, err)
	}
	if cfg.UpstreamTimeout, err = getDuration("UPSTREAM_TIMEOUT", 5*time.Second); err != nil {
		errs = append(errs, err)
	}

	if cfg.AdmissionMaxRequests < 1 {
		errs = append(errs, errors.New("ADMISSION_MAX_REQUESTS must be at least 1"))
	}
	if cfg.ProcessorMaxRetries < 0 {
		errs = append(errs, errors.New("PROCESSOR_MAX_RETRIES must not be negative"))
	}
	switch cfg.AdmissionBackend {
	case AdmissionMemory, AdmissionPostgres:
	default:
		errs = append(errs, fmt.Errorf("ADMISSION_BACKEND must be %q or %q, got %q", AdmissionMemory, AdmissionPostgres, cfg.AdmissionBackend))
	}

	return cfg, errors.Join(errs...)
}

// Brokers splits a comma-separated broker list, dropping empty entries.
func Brokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

func getInt64(key string, fallback int64) (int64, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid integer %q", key, raw)
	}
	return v, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("%s: invalid duration %q", key, raw)
	}
	if v <= 0 {
		return fallback, fmt.Errorf("%s must be positive", key)
	}
	return v, nil
}
