package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	DB_USERNAME string
	DB_PASSWORD string
	DB_HOST     string
	DB_PORT     string
	DB_NAME     string
	DISABLE_TLS string

	REDIS_HOST     string
	REDIS_PORT     string
	REDIS_USERNAME string
	REDIS_PASSWORD string
	REDIS_DB       int

	MCP_SERVER_URL string

	LLM_BASE_URL           string
	LLM_API_KEY            string
	LLM_MODEL              string
	LLM_MAX_RETRIES        int
	LLM_RETRY_BASE_SECONDS int

	SLIDING_WINDOW_TOKENS    int
	STOP_FLAG_TTL_SECONDS    int
	STREAM_HEARTBEAT_SECONDS int
	APPROVAL_TIMEOUT_SECONDS int

	SYSTEM_PROMPT         string
	INTEGRATION_META_KEYS []string

	JWT_SECRET string

	OTEL_EXPORTER_OTLP_ENDPOINT string

	PORT string
}

func ReadConfig() *Config {
	return &Config{
		DB_USERNAME: os.Getenv("DB_USERNAME"),
		DB_PASSWORD: os.Getenv("DB_PASSWORD"),
		DB_HOST:     os.Getenv("DB_HOST"),
		DB_PORT:     os.Getenv("DB_PORT"),
		DB_NAME:     os.Getenv("DB_NAME"),
		DISABLE_TLS: os.Getenv("DISABLE_TLS"),

		REDIS_HOST:     GetEnvOrDefault("REDIS_HOST", "localhost"),
		REDIS_PORT:     GetEnvOrDefault("REDIS_PORT", "6379"),
		REDIS_USERNAME: os.Getenv("REDIS_USERNAME"),
		REDIS_PASSWORD: os.Getenv("REDIS_PASSWORD"),
		REDIS_DB:       getEnvInt("REDIS_DB", 0),

		MCP_SERVER_URL: GetEnvOrDefault("MCP_SERVER_URL", "http://localhost:8081/sse"),

		LLM_BASE_URL:           GetEnvOrDefault("LLM_BASE_URL", "https://api.openai.com/v1"),
		LLM_API_KEY:            os.Getenv("LLM_API_KEY"),
		LLM_MODEL:              GetEnvOrDefault("LLM_MODEL", "gpt-4o"),
		LLM_MAX_RETRIES:        getEnvInt("LLM_MAX_RETRIES", 3),
		LLM_RETRY_BASE_SECONDS: getEnvInt("LLM_RETRY_BASE_SECONDS", 1),

		SLIDING_WINDOW_TOKENS:    getEnvInt("SLIDING_WINDOW_TOKENS", 24000),
		STOP_FLAG_TTL_SECONDS:    getEnvInt("STOP_FLAG_TTL_SECONDS", 600),
		STREAM_HEARTBEAT_SECONDS: getEnvInt("STREAM_HEARTBEAT_SECONDS", 60),
		APPROVAL_TIMEOUT_SECONDS: getEnvInt("APPROVAL_TIMEOUT_SECONDS", 0),

		SYSTEM_PROMPT:         os.Getenv("SYSTEM_PROMPT"),
		INTEGRATION_META_KEYS: splitList(os.Getenv("INTEGRATION_META_KEYS")),

		JWT_SECRET: os.Getenv("JWT_SECRET"),

		OTEL_EXPORTER_OTLP_ENDPOINT: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		PORT: GetEnvOrDefault("PORT", "6060"),
	}
}

func GetEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}

	var keys []string
	for _, k := range strings.Split(raw, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}
