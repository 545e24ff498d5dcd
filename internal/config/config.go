package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	NodeEnv    string
	Port       string
	JWTSecret  string
	InstanceID string
	CacheDir   string
	Database   DatabaseConfig
}

// DatabaseConfig holds database configuration. With a localhost host and no
// password the service runs its own embedded PostgreSQL in EmbeddedDir.
type DatabaseConfig struct {
	Host         string
	Port         string
	Username     string
	Password     string
	Database     string
	SSLMode      string
	EmbeddedDir  string
	EmbeddedPort uint32
	LogSQL       bool
}

// Embedded reports whether Connect should start a local PostgreSQL
func (c DatabaseConfig) Embedded() bool {
	return c.Host == "localhost" && c.Password == ""
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return &Config{
		NodeEnv:    getEnv("NODE_ENV", "development"),
		Port:       getEnv("PORT", "3210"),
		JWTSecret:  jwtSecret,
		InstanceID: getEnv("INSTANCE_ID", "stocktake-local"),
		CacheDir:   getEnv("LOCAL_CACHE_DIR", "./cache_data"),
		Database: DatabaseConfig{
			Host:         getEnv("PG_HOST", "localhost"),
			Port:         getEnv("PG_PORT", "5432"),
			Username:     getEnv("PG_USERNAME", "postgres"),
			Password:     os.Getenv("PG_PASSWORD"),
			Database:     getEnv("PG_DATABASE", "stocktake"),
			SSLMode:      getEnv("PG_SSLMODE", "disable"),
			EmbeddedDir:  getEnv("PG_EMBEDDED_DIR", "./stocktake_db"),
			EmbeddedPort: uint32(getEnvInt("PG_EMBEDDED_PORT", 5433)),
			LogSQL:       getEnv("DB_LOG_SQL", "false") == "true",
		},
	}, nil
}

// getEnv gets environment variable with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil && n > 0 {
		return n
	}
	return defaultValue
}
