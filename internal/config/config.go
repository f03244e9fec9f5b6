package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	LogLevel    string
	HTTPAddr    string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Loyalty LoyaltyConfig
	Sweeper SweeperConfig
}

// LoyaltyConfig carries the earning and bonus knobs of the points engine.
type LoyaltyConfig struct {
	// EarnUnitSize is the currency amount that earns one base point.
	EarnUnitSize int64
	// ExpiryWindow is how long earned points stay redeemable.
	ExpiryWindow time.Duration
	// ReferralBonus is credited to the inviter when a referral completes.
	ReferralBonus int64
	// OccasionBonus is credited on birthday/anniversary triggers, once per year.
	OccasionBonus int64
	// TiersJSON optionally overrides the built-in tier catalog.
	TiersJSON string
}

// SweeperConfig controls the expiry sweep loop.
type SweeperConfig struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:     getenv("APP_SERVICE", "loyara"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    getenv("LOG_LEVEL", "info"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 3600),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 600),

		Loyalty: LoyaltyConfig{
			EarnUnitSize:  getenvInt64("LOYALTY_EARN_UNIT_SIZE", 10),
			ExpiryWindow:  getenvDuration("LOYALTY_EXPIRY_WINDOW", 365*24*time.Hour),
			ReferralBonus: getenvInt64("LOYALTY_REFERRAL_BONUS", 200),
			OccasionBonus: getenvInt64("LOYALTY_OCCASION_BONUS", 100),
			TiersJSON:     strings.TrimSpace(getenv("LOYALTY_TIERS", "")),
		},
		Sweeper: SweeperConfig{
			RunInterval: getenvDuration("SWEEPER_RUN_INTERVAL", 24*time.Hour),
			BatchSize:   getenvInt("SWEEPER_BATCH_SIZE", 100),
			JobTimeout:  getenvDuration("SWEEPER_JOB_TIMEOUT", 10*time.Minute),
		},
	}

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
