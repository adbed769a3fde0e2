package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/magnetiq/service-booking-wizard/internal/bookingapi"
	"github.com/magnetiq/service-booking-wizard/internal/domain/wizard"
	"github.com/magnetiq/service-booking-wizard/internal/platform/database"
	"github.com/magnetiq/service-booking-wizard/internal/platform/logger"
	"github.com/magnetiq/service-booking-wizard/internal/repository"
)

// EnvPrefix prefixes every environment variable the service reads.
const EnvPrefix = "WIZARD"

// Session storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMongo    = "mongo"
)

// MongoConfig holds the MongoDB connection settings.
type MongoConfig struct {
	URI      string
	Database string
}

// KafkaConfig holds the broker settings.
type KafkaConfig struct {
	Brokers     []string
	GroupPrefix string
}

// ServiceConfig holds all configuration for the wizard service.
type ServiceConfig struct {
	Port           string `validate:"required,numeric"`
	AppEnv         string `validate:"oneof=development staging production test"`
	Log            logger.Options
	SessionBackend string `validate:"oneof=memory redis postgres mongo"`
	Redis          repository.RedisConfig
	DB             database.PostgresConfig
	Mongo          MongoConfig
	Kafka          KafkaConfig
	JWTSecret      string
	BookingAPI     bookingapi.Config
	Preferences    wizard.Preferences
	Policy         wizard.Policy
	IdleTimeout    time.Duration `validate:"gt=0"`
	RateLimit      int           `validate:"gte=0"`
	CORSOrigins    []string
}

// Load reads configuration from an optional config.yaml and WIZARD_* environment
// variables. Environment variables win.
func Load() (*ServiceConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return FromViper(v)
}

// FromViper builds the service configuration from an already populated viper instance.
func FromViper(v *viper.Viper) (*ServiceConfig, error) {
	policy := wizard.DefaultPolicy()
	policy.SessionTTL = v.GetDuration("SESSION_TTL")
	policy.Debounce = v.GetDuration("PERSIST_DEBOUNCE")
	policy.Slots = list(v.GetString("TIME_SLOTS"))
	policy.WindowDays = v.GetInt("BOOKING_WINDOW_DAYS")
	policy.WeekdaysOnly = v.GetBool("WEEKDAYS_ONLY")
	if countries := list(v.GetString("COUNTRIES")); len(countries) > 0 {
		policy.Countries = countries
	}

	cfg := &ServiceConfig{
		Port:   v.GetString("SERVICE_PORT"),
		AppEnv: v.GetString("APP_ENV"),
		Log: logger.Options{
			Env:   v.GetString("APP_ENV"),
			Level: v.GetString("LOG_LEVEL"),
			File:  v.GetString("LOG_FILE"),
		},
		SessionBackend: strings.ToLower(v.GetString("SESSION_BACKEND")),
		Redis: repository.RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		DB: database.PostgresConfig{
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetString("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			DBName:   v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
		},
		Mongo: MongoConfig{
			URI:      v.GetString("MONGO_URI"),
			Database: v.GetString("MONGO_DB"),
		},
		Kafka: KafkaConfig{
			Brokers:     list(v.GetString("KAFKA_BROKERS")),
			GroupPrefix: v.GetString("KAFKA_GROUP_PREFIX"),
		},
		JWTSecret: v.GetString("JWT_SECRET"),
		BookingAPI: bookingapi.Config{
			BaseURL: v.GetString("BOOKING_API_URL"),
			Timeout: v.GetDuration("BOOKING_API_TIMEOUT"),
		},
		Preferences: wizard.Preferences{
			Locale: v.GetString("LOCALE"),
			Theme:  v.GetString("THEME"),
		},
		Policy:      policy,
		IdleTimeout: v.GetDuration("SESSION_IDLE_TIMEOUT"),
		RateLimit:   v.GetInt("RATE_LIMIT_PER_MINUTE"),
		CORSOrigins: list(v.GetString("CORS_ORIGINS")),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings that would otherwise fail late at runtime.
func (c *ServiceConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Policy.SessionTTL <= 0 {
		return errors.New("invalid configuration: SESSION_TTL must be positive")
	}
	if len(c.Policy.Slots) == 0 {
		return errors.New("invalid configuration: TIME_SLOTS must not be empty")
	}
	if c.Policy.WindowDays < 1 {
		return errors.New("invalid configuration: BOOKING_WINDOW_DAYS must be at least 1")
	}
	if c.AppEnv == "production" && c.JWTSecret == defaultJWTSecret {
		return errors.New("invalid configuration: JWT_SECRET must be set in production")
	}
	return nil
}

// ConsumerGroup returns the consumer group id for a named consumer.
func (c *ServiceConfig) ConsumerGroup(name string) string {
	return c.Kafka.GroupPrefix + "-" + name
}

const defaultJWTSecret = "dev-secret-change-me"

func setDefaults(v *viper.Viper) {
	defaults := wizard.DefaultPolicy()

	v.SetDefault("SERVICE_PORT", "8004")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("SESSION_BACKEND", BackendMemory)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", "5432")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "postgres")
	v.SetDefault("DB_NAME", "magnetiq_wizard")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("MONGO_URI", "mongodb://localhost:27017")
	v.SetDefault("MONGO_DB", "magnetiq")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_GROUP_PREFIX", "service-booking-wizard")
	v.SetDefault("JWT_SECRET", defaultJWTSecret)
	v.SetDefault("BOOKING_API_URL", bookingapi.DefaultConfig().BaseURL)
	v.SetDefault("BOOKING_API_TIMEOUT", bookingapi.DefaultConfig().Timeout)
	v.SetDefault("LOCALE", "de-DE")
	v.SetDefault("THEME", "system")
	v.SetDefault("SESSION_TTL", defaults.SessionTTL)
	v.SetDefault("PERSIST_DEBOUNCE", defaults.Debounce)
	v.SetDefault("TIME_SLOTS", strings.Join(defaults.Slots, ","))
	v.SetDefault("BOOKING_WINDOW_DAYS", defaults.WindowDays)
	v.SetDefault("WEEKDAYS_ONLY", defaults.WeekdaysOnly)
	v.SetDefault("COUNTRIES", "")
	v.SetDefault("SESSION_IDLE_TIMEOUT", 30*time.Minute)
	v.SetDefault("RATE_LIMIT_PER_MINUTE", 120)
	v.SetDefault("CORS_ORIGINS", "")
}

// list splits a comma separated value, dropping blanks.
func list(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
