package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port         string
	DatabaseURL  string
	RedisURL     string
	KafkaBrokers string
	NatsURL      string

	PaystackSecretKey     string
	PaystackBaseURL       string
	PaystackWebhookSecret string

	PayPalMode     string
	PayPalClientID string
	PayPalSecret   string

	ProviderTimeout time.Duration
	JaegerEndpoint  string
}

// Load reads configuration from the environment, with an optional .env
// file for local development. Missing provider credentials are not fatal
// here; the affected operation fails instead.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:         getString("PORT", "8082"),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		NatsURL:      os.Getenv("NATS_URL"),

		PaystackSecretKey:     os.Getenv("PAYSTACK_SECRET_KEY"),
		PaystackBaseURL:       getString("PAYSTACK_BASE_URL", "https://api.paystack.co"),
		PaystackWebhookSecret: os.Getenv("PAYSTACK_WEBHOOK_SECRET"),

		PayPalMode:     getString("PAYPAL_MODE", "sandbox"),
		PayPalClientID: os.Getenv("PAYPAL_CLIENT_ID"),
		PayPalSecret:   os.Getenv("PAYPAL_SECRET"),

		ProviderTimeout: getDuration("PROVIDER_TIMEOUT_SECONDS", 10) * time.Second,
		JaegerEndpoint:  os.Getenv("JAEGER_ENDPOINT"),
	}
}

func getString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultSeconds int) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n)
		}
	}
	return time.Duration(defaultSeconds)
}
