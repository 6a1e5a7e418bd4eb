package config

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	GeminiAPIKey string
	DatabaseURL  string
	HTTPPort     string
	LogLevel     string
	LogFile      string
	JWTSecret    string
	JargonFile   string

	// Pipeline knobs. The retry ceilings and backoff are configurable on
	// purpose; tests treat them as parameters.
	RetrievalTopK       int
	ExemplarTopK        int
	LLMMaxAttempts      int
	LLMInitialBackoffMs int
	LLMTimeoutSeconds   int
	SchemaRetryLimit    int
}

var AppConfig Config

func LoadConfig() {
	err := godotenv.Load() // Load .env file if it exists
	if err != nil {
		log.Println("No .env file found, relying on environment variables")
	}

	AppConfig = Config{
		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		DatabaseURL:  getEnv("DATABASE_URL", "compliance.db"),
		HTTPPort:     getEnv("HTTP_PORT", "8080"),
		LogLevel:     getEnv("LOG_LEVEL", "INFO"),
		LogFile:      getEnv("LOG_FILE", ""),
		JWTSecret:    getEnv("JWT_SECRET", ""),
		JargonFile:   getEnv("JARGON_FILE", "jargon.yaml"),

		RetrievalTopK:       getEnvAsInt("RETRIEVAL_TOP_K", 5),
		ExemplarTopK:        getEnvAsInt("EXEMPLAR_TOP_K", 2),
		LLMMaxAttempts:      getEnvAsInt("LLM_MAX_ATTEMPTS", 3),
		LLMInitialBackoffMs: getEnvAsInt("LLM_INITIAL_BACKOFF_MS", 500),
		LLMTimeoutSeconds:   getEnvAsInt("LLM_TIMEOUT_SECONDS", 60),
		SchemaRetryLimit:    getEnvAsInt("SCHEMA_RETRY_LIMIT", 1),
	}

	if AppConfig.GeminiAPIKey == "" {
		log.Fatal("GEMINI_API_KEY environment variable is required")
	}

	if AppConfig.JWTSecret == "" {
		log.Fatal("JWT_SECRET environment variable is required")
	}
}

func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
