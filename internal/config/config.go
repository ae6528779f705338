package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	DatabaseURL   string
	MigrationsDir string
	CORSOrigin    string
	// Identity provider (hosted auth)
	AuthURL       string
	AuthAPIKey    string
	AuthPublicKey string
	AuthTimeout   time.Duration
	SiteURL       string
	// AI completion
	CompletionURL     string
	CompletionKey     string
	CompletionModel   string
	CompletionTimeout time.Duration
	// Search - empty MeiliURL disables Meilisearch, Postgres FTS remains
	MeiliURL       string
	MeiliMasterKey string
	// Redis - optional principal cache, empty disables it
	RedisURL string
}

func Load() Config {
	// .env is a local development convenience; a missing file is fine
	_ = godotenv.Load()

	return Config{
		Addr:          getenv("API_ADDR", ":8686"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		MigrationsDir: getenv("INKWELL_MIGRATIONS_DIR", "./db/migrations"),
		CORSOrigin:    getenv("INKWELL_CORS_ORIGIN", "*"),

		AuthURL:       getenv("AUTH_URL", ""),
		AuthAPIKey:    getenv("AUTH_ANON_KEY", ""),
		AuthPublicKey: getenv("AUTH_JWT_PUBLIC_KEY", ""),
		AuthTimeout:   time.Duration(getenvInt("AUTH_TIMEOUT_SECONDS", 8)) * time.Second,
		SiteURL:       getenv("SITE_URL", "http://localhost:3000"),

		CompletionURL:     getenv("COMPLETION_API_URL", "https://api.openai.com/v1"),
		CompletionKey:     getenv("COMPLETION_API_KEY", ""),
		CompletionModel:   getenv("COMPLETION_MODEL", "gpt-4o-mini"),
		CompletionTimeout: time.Duration(getenvInt("COMPLETION_TIMEOUT_SECONDS", 8)) * time.Second,

		MeiliURL:       getenv("MEILI_URL", ""),
		MeiliMasterKey: getenv("MEILI_MASTER_KEY", ""),

		RedisURL: getenv("REDIS_URL", ""),
	}
}

// Validate reports fatal startup conditions. The database and the identity
// provider are hard dependencies; everything else degrades gracefully.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required")
	}
	if c.AuthURL == "" {
		return errors.New("AUTH_URL is required")
	}
	if c.AuthPublicKey == "" {
		return errors.New("AUTH_JWT_PUBLIC_KEY is required")
	}
	return nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
