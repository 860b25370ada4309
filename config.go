package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all configuration fields for the application.
type Config struct {
	Port              string
	DBDriver          string // "sqlite" or "postgres"
	DBDSN             string
	RabbitURL         string
	QueuePrefix       string
	WorkerConcurrency int
	MaxJobRetries     int
	HistoryFetchLimit int
	GraphBaseURL      string
	MetaVerifyToken   string
	MetaAppSecret     string
	GeminiAPIKey      string
	GeminiModel       string
	// ReplyOnLostAnchor controls what a deferred re-check does when the
	// customer message it was queued for is no longer inside the fetched
	// history window: false abstains, true answers anyway.
	ReplyOnLostAnchor bool
	LogLevel          string
	LogFormat         string
}

// LoadConfig loads configuration from environment variables. A .env file is
// loaded first if present; real environment variables take precedence.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, relying on environment variables")
	}

	cfg := &Config{
		Port:              os.Getenv("PORT"),
		DBDriver:          os.Getenv("DB_DRIVER"),
		DBDSN:             os.Getenv("DB_DSN"),
		RabbitURL:         os.Getenv("RABBITMQ_URL"),
		QueuePrefix:       os.Getenv("RABBITMQ_QUEUE_PREFIX"),
		GraphBaseURL:      os.Getenv("GRAPH_BASE_URL"),
		MetaVerifyToken:   os.Getenv("META_VERIFY_TOKEN"),
		MetaAppSecret:     os.Getenv("META_APP_SECRET"),
		GeminiAPIKey:      os.Getenv("GEMINI_API_KEY"),
		GeminiModel:       os.Getenv("GEMINI_MODEL"),
		LogLevel:          os.Getenv("LOG_LEVEL"),
		LogFormat:         os.Getenv("LOG_FORMAT"),
		WorkerConcurrency: envInt("WORKER_CONCURRENCY", 4),
		MaxJobRetries:     envInt("MAX_JOB_RETRIES", 3),
		HistoryFetchLimit: envInt("HISTORY_FETCH_LIMIT", 20),
		ReplyOnLostAnchor: envBool("REPLY_ON_LOST_ANCHOR", false),
	}

	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = "sqlite"
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = "inboxpilot.db"
	}
	if cfg.QueuePrefix == "" {
		cfg.QueuePrefix = "inboxpilot"
	}
	if cfg.GraphBaseURL == "" {
		cfg.GraphBaseURL = "https://graph.instagram.com/v23.0"
	}
	if cfg.GeminiModel == "" {
		cfg.GeminiModel = "gemini-2.0-flash"
	}
	// A single worker would serialize independent conversations behind the
	// slowest job, so keep at least two.
	if cfg.WorkerConcurrency < 2 {
		log.Warn().Int("workerConcurrency", cfg.WorkerConcurrency).Msg("WORKER_CONCURRENCY below minimum, using 2")
		cfg.WorkerConcurrency = 2
	}

	return cfg, nil
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid integer in environment, using default")
		return def
	}
	return v
}

func envBool(key string, def bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Warn().Str("key", key).Str("value", raw).Msg("Invalid boolean in environment, using default")
		return def
	}
	return v
}
