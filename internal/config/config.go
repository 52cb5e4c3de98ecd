/**
 * @description
 * This package handles the configuration management for the credit-service. It uses the
 * Viper library to read configuration from an optional .env file and environment
 * variables, then normalises the values the ledger depends on.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 * - github.com/shopspring/decimal: Exact parsing of the credit unit price.
 */

package config

import (
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultServerPort           = "8080"
	defaultRedisKeyPrefix       = "credits"
	defaultCreditEventsExchange = "credit.events"
	defaultPaymentExchange      = "transfa.events"
	defaultPaymentEventQueue    = "credit_service.payment_events"
	defaultPaymentProvider      = "razorpay"
	defaultPaymentAPIBaseURL    = "https://api.razorpay.com"
	defaultPaymentCurrency      = "INR"
	defaultCreditUnitPrice      = "1.00"
	defaultMinPurchaseCredits   = 100
	defaultMaxPurchaseCredits   = 100000
	defaultSweepSchedule        = "@every 1h"
	defaultSweepBatchSize       = 100
	defaultReplayTTLMinutes     = 1440
	defaultServiceName          = "credit-service"
)

// Config holds all the configuration variables for the credit-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort              string `mapstructure:"SERVER_PORT"`
	DatabaseURL             string `mapstructure:"DATABASE_URL"`
	RedisURL                string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix          string `mapstructure:"REDIS_KEY_PREFIX"`
	RabbitMQURL             string `mapstructure:"RABBITMQ_URL"`
	CreditEventsExchange    string `mapstructure:"CREDIT_EVENTS_EXCHANGE"`
	PaymentEventsExchange   string `mapstructure:"PAYMENT_EVENTS_EXCHANGE"`
	PaymentEventQueue       string `mapstructure:"PAYMENT_EVENT_QUEUE"`
	ClerkJWKSURL            string `mapstructure:"CLERK_JWKS_URL"`
	InternalAPIKey          string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins      string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	PaymentProvider         string `mapstructure:"PAYMENT_PROVIDER"`
	PaymentAPIBaseURL       string `mapstructure:"PAYMENT_API_BASE_URL"`
	PaymentKeyID            string `mapstructure:"PAYMENT_KEY_ID"`
	PaymentKeySecret        string `mapstructure:"PAYMENT_KEY_SECRET"`
	PaymentWebhookSecret    string `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	PaymentCurrency         string `mapstructure:"PAYMENT_CURRENCY"`
	CreditUnitPriceRaw      string `mapstructure:"CREDIT_UNIT_PRICE"`
	MinPurchaseCredits      int64  `mapstructure:"MIN_PURCHASE_CREDITS"`
	MaxPurchaseCredits      int64  `mapstructure:"MAX_PURCHASE_CREDITS"`
	InitialCreditBalance    int64  `mapstructure:"INITIAL_CREDIT_BALANCE"`
	ExpirySweepSchedule     string `mapstructure:"EXPIRY_SWEEP_SCHEDULE"`
	ExpirySweepBatchSize    int    `mapstructure:"EXPIRY_SWEEP_BATCH_SIZE"`
	WebhookReplayTTLMinutes int    `mapstructure:"WEBHOOK_REPLAY_TTL_MINUTES"`
	LogLevel                string `mapstructure:"LOG_LEVEL"`
	LogFormat               string `mapstructure:"LOG_FORMAT"`
	TracingEnabled          bool   `mapstructure:"TRACING_ENABLED"`
	JaegerEndpoint          string `mapstructure:"JAEGER_ENDPOINT"`
	ServiceName             string `mapstructure:"SERVICE_NAME"`

	// CreditUnitPrice is CreditUnitPriceRaw parsed; major currency units per credit.
	CreditUnitPrice decimal.Decimal `mapstructure:"-"`
}

// LoadConfig reads configuration from environment variables and an optional .env file
// in the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", defaultServerPort)
	viper.SetDefault("REDIS_KEY_PREFIX", defaultRedisKeyPrefix)
	viper.SetDefault("CREDIT_EVENTS_EXCHANGE", defaultCreditEventsExchange)
	viper.SetDefault("PAYMENT_EVENTS_EXCHANGE", defaultPaymentExchange)
	viper.SetDefault("PAYMENT_EVENT_QUEUE", defaultPaymentEventQueue)
	viper.SetDefault("PAYMENT_PROVIDER", defaultPaymentProvider)
	viper.SetDefault("PAYMENT_API_BASE_URL", defaultPaymentAPIBaseURL)
	viper.SetDefault("PAYMENT_CURRENCY", defaultPaymentCurrency)
	viper.SetDefault("CREDIT_UNIT_PRICE", defaultCreditUnitPrice)
	viper.SetDefault("MIN_PURCHASE_CREDITS", defaultMinPurchaseCredits)
	viper.SetDefault("MAX_PURCHASE_CREDITS", defaultMaxPurchaseCredits)
	viper.SetDefault("INITIAL_CREDIT_BALANCE", 0)
	viper.SetDefault("EXPIRY_SWEEP_SCHEDULE", defaultSweepSchedule)
	viper.SetDefault("EXPIRY_SWEEP_BATCH_SIZE", defaultSweepBatchSize)
	viper.SetDefault("WEBHOOK_REPLAY_TTL_MINUTES", defaultReplayTTLMinutes)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("LOG_FORMAT", "json")
	viper.SetDefault("TRACING_ENABLED", false)
	viper.SetDefault("SERVICE_NAME", defaultServiceName)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "CREDIT_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("CREDIT_EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_EVENTS_EXCHANGE")
	_ = viper.BindEnv("PAYMENT_EVENT_QUEUE")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "CREDIT_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("PAYMENT_PROVIDER")
	_ = viper.BindEnv("PAYMENT_API_BASE_URL")
	_ = viper.BindEnv("PAYMENT_KEY_ID", "PAYMENT_KEY_ID", "RAZORPAY_KEY_ID")
	_ = viper.BindEnv("PAYMENT_KEY_SECRET", "PAYMENT_KEY_SECRET", "RAZORPAY_KEY_SECRET")
	_ = viper.BindEnv("PAYMENT_WEBHOOK_SECRET", "PAYMENT_WEBHOOK_SECRET", "RAZORPAY_WEBHOOK_SECRET")
	_ = viper.BindEnv("PAYMENT_CURRENCY")
	_ = viper.BindEnv("CREDIT_UNIT_PRICE")
	_ = viper.BindEnv("MIN_PURCHASE_CREDITS")
	_ = viper.BindEnv("MAX_PURCHASE_CREDITS")
	_ = viper.BindEnv("INITIAL_CREDIT_BALANCE")
	_ = viper.BindEnv("EXPIRY_SWEEP_SCHEDULE")
	_ = viper.BindEnv("EXPIRY_SWEEP_BATCH_SIZE")
	_ = viper.BindEnv("WEBHOOK_REPLAY_TTL_MINUTES")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("LOG_FORMAT")
	_ = viper.BindEnv("TRACING_ENABLED")
	_ = viper.BindEnv("JAEGER_ENDPOINT")
	_ = viper.BindEnv("SERVICE_NAME")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Str("component", "config").Err(err).Msg("failed to read config file; using environment values")
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	config.normalize()
	return
}

func (c *Config) normalize() {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.ServerPort = port
	}
	c.ServerPort = orDefault(c.ServerPort, defaultServerPort)
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	if c.InternalAPIKey == "" {
		c.InternalAPIKey = strings.TrimSpace(os.Getenv("CREDIT_SERVICE_INTERNAL_API_KEY"))
	}
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RedisKeyPrefix = orDefault(c.RedisKeyPrefix, defaultRedisKeyPrefix)
	c.CreditEventsExchange = orDefault(c.CreditEventsExchange, defaultCreditEventsExchange)
	c.PaymentEventsExchange = orDefault(c.PaymentEventsExchange, defaultPaymentExchange)
	c.PaymentEventQueue = orDefault(c.PaymentEventQueue, defaultPaymentEventQueue)
	c.PaymentProvider = strings.ToLower(orDefault(c.PaymentProvider, defaultPaymentProvider))
	c.PaymentAPIBaseURL = orDefault(c.PaymentAPIBaseURL, defaultPaymentAPIBaseURL)
	c.PaymentWebhookSecret = strings.TrimSpace(c.PaymentWebhookSecret)
	c.PaymentCurrency = strings.ToUpper(orDefault(c.PaymentCurrency, defaultPaymentCurrency))
	c.ExpirySweepSchedule = orDefault(c.ExpirySweepSchedule, defaultSweepSchedule)
	c.ServiceName = orDefault(c.ServiceName, defaultServiceName)
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))

	price, err := decimal.NewFromString(strings.TrimSpace(c.CreditUnitPriceRaw))
	if err != nil || !price.IsPositive() {
		log.Warn().Str("component", "config").Str("value", c.CreditUnitPriceRaw).
			Msg("invalid CREDIT_UNIT_PRICE; using default")
		price = decimal.RequireFromString(defaultCreditUnitPrice)
	}
	c.CreditUnitPrice = price

	if c.MinPurchaseCredits <= 0 {
		log.Warn().Str("component", "config").Int64("value", c.MinPurchaseCredits).
			Msg("non-positive MIN_PURCHASE_CREDITS; using default")
		c.MinPurchaseCredits = defaultMinPurchaseCredits
	}
	if c.MaxPurchaseCredits < c.MinPurchaseCredits {
		log.Warn().Str("component", "config").Int64("min", c.MinPurchaseCredits).Int64("max", c.MaxPurchaseCredits).
			Msg("MAX_PURCHASE_CREDITS below minimum; raising to minimum")
		c.MaxPurchaseCredits = c.MinPurchaseCredits
	}
	if c.InitialCreditBalance < 0 {
		log.Warn().Str("component", "config").Int64("value", c.InitialCreditBalance).
			Msg("negative INITIAL_CREDIT_BALANCE; coercing to zero")
		c.InitialCreditBalance = 0
	}
	if c.ExpirySweepBatchSize <= 0 {
		c.ExpirySweepBatchSize = defaultSweepBatchSize
	}
	if c.WebhookReplayTTLMinutes <= 0 {
		c.WebhookReplayTTLMinutes = defaultReplayTTLMinutes
	}
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS on commas.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}

func orDefault(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
